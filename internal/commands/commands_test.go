package commands

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestPrepare(t *testing.T) {
	tests := []struct {
		name    string
		command string
		params  string
		wantErr bool
		check   func(t *testing.T, got map[string]any)
	}{
		{name: "tap ok", command: "tap", params: `{"x":10,"y":20}`},
		{name: "tap missing y", command: "tap", params: `{"x":10}`, wantErr: true},
		{name: "tap null x", command: "tap", params: `{"x":null,"y":1}`, wantErr: true},
		{name: "app_launch no params", command: "app_launch", wantErr: true},
		{name: "params not an object", command: "volume", params: `[1,2]`, wantErr: true},
		{name: "empty command", command: " ", wantErr: true},
		{name: "swipe default duration", command: "swipe", params: `{"start_x":0,"start_y":0,"end_x":5,"end_y":5}`,
			check: func(t *testing.T, got map[string]any) {
				if got["duration"] != float64(300) {
					t.Errorf("duration = %v, want 300", got["duration"])
				}
			}},
		{name: "caller value beats default", command: "get_screenshot", params: `{"quality":50}`,
			check: func(t *testing.T, got map[string]any) {
				if got["quality"] != float64(50) || got["format"] != "png" {
					t.Errorf("params = %v", got)
				}
			}},
		{name: "back without params", command: "back"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Prepare(tt.command, json.RawMessage(tt.params))
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidParams) {
					t.Fatalf("err = %v, want ErrInvalidParams", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Prepare: %v", err)
			}
			if tt.check == nil {
				return
			}
			var got map[string]any
			if err := json.Unmarshal(out, &got); err != nil {
				t.Fatalf("output %s: %v", out, err)
			}
			tt.check(t, got)
		})
	}
}

func TestPrepareUnknownCommandPassesThrough(t *testing.T) {
	raw := json.RawMessage(`["anything"]`)
	out, err := Prepare("getBatteryLevel", raw)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != string(raw) {
		t.Errorf("params = %s, want untouched", out)
	}
}

func TestCatalog(t *testing.T) {
	all := All()
	if len(all) == 0 {
		t.Fatal("catalog is empty")
	}
	for i := 1; i < len(all); i++ {
		if all[i-1].Name >= all[i].Name {
			t.Fatalf("catalog not sorted at %q", all[i].Name)
		}
	}
	if s, ok := Lookup("notification"); !ok || len(s.Required) != 2 {
		t.Errorf("notification spec = %+v, %v", s, ok)
	}
}
