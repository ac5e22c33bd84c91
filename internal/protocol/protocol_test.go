package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestDecodeTypes(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		check func(t *testing.T, msg any)
	}{
		{"authenticate", `{"type":"authenticate","token":"dev1","deviceInfo":{"model":"Pixel","capabilities":["tap"]}}`, func(t *testing.T, msg any) {
			m, ok := msg.(*Authenticate)
			if !ok {
				t.Fatalf("type = %T, want *Authenticate", msg)
			}
			if m.Token != "dev1" || m.DeviceInfo == nil || m.DeviceInfo.Model != "Pixel" {
				t.Errorf("decoded = %+v", m)
			}
		}},
		{"heartbeat", `{"type":"heartbeat","batteryLevel":73,"runningApps":["com.a"]}`, func(t *testing.T, msg any) {
			m, ok := msg.(*Heartbeat)
			if !ok {
				t.Fatalf("type = %T, want *Heartbeat", msg)
			}
			if m.BatteryLevel == nil || *m.BatteryLevel != 73 {
				t.Errorf("battery = %v, want 73", m.BatteryLevel)
			}
		}},
		{"heartbeat empty", `{"type":"heartbeat"}`, func(t *testing.T, msg any) {
			m := msg.(*Heartbeat)
			if m.BatteryLevel != nil {
				t.Errorf("battery = %v, want nil", *m.BatteryLevel)
			}
		}},
		{"command response", `{"type":"commandResponse","messageId":"m1","result":{"level":73},"executionTimeMs":12}`, func(t *testing.T, msg any) {
			m := msg.(*CommandResponse)
			if m.MessageID != "m1" || string(m.Result) != `{"level":73}` || m.ExecutionTimeMs != 12 {
				t.Errorf("decoded = %+v", m)
			}
			if m.ErrorText() != "" {
				t.Errorf("error text = %q, want empty", m.ErrorText())
			}
		}},
		{"capabilities", `{"type":"capabilities","capabilities":["tap","swipe"]}`, func(t *testing.T, msg any) {
			if m := msg.(*Capabilities); len(m.Capabilities) != 2 {
				t.Errorf("capabilities = %v", m.Capabilities)
			}
		}},
		{"status update", `{"type":"statusUpdate","systemStats":{"cpu":12}}`, func(t *testing.T, msg any) {
			if m := msg.(*StatusUpdate); m.SystemStats["cpu"] != float64(12) {
				t.Errorf("stats = %v", m.SystemStats)
			}
		}},
		{"error", `{"type":"error","error":"battery low","code":"LOW_BATTERY","details":{"battery_level":4}}`, func(t *testing.T, msg any) {
			if m := msg.(*DeviceError); m.Code != CodeLowBattery {
				t.Errorf("code = %q", m.Code)
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode([]byte(tt.frame))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			tt.check(t, msg)
		})
	}
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"bogus"}`))
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("err = %v, want ErrUnknownType", err)
	}
}

func TestDecodeMalformed(t *testing.T) {
	if _, err := Decode([]byte(`{not json`)); err == nil {
		t.Fatal("expected error for malformed frame")
	}
}

func TestCommandResponseErrorText(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{``, ""},
		{`null`, ""},
		{`""`, ""},
		{`"permission denied"`, "permission denied"},
		{`{"message":"app not installed","code":7}`, "app not installed"},
		{`{"code":7}`, `{"code":7}`},
	}
	for _, tt := range tests {
		r := CommandResponse{Error: json.RawMessage(tt.raw)}
		if got := r.ErrorText(); got != tt.want {
			t.Errorf("ErrorText(%s) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestOutboundEnvelopes(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	data, err := json.Marshal(NewAuthenticated(now, SessionConfig{HeartbeatInterval: 15000, CommandTimeout: 30000, MaxCommandsPerMinute: 60}))
	if err != nil {
		t.Fatal(err)
	}
	want := `{"type":"authenticated","success":true,"serverTime":1700000000000,"config":{"heartbeatInterval":15000,"commandTimeout":30000,"maxCommandsPerMinute":60}}`
	if string(data) != want {
		t.Errorf("authenticated = %s\nwant %s", data, want)
	}

	data, _ = json.Marshal(NewExecute("m1", "tap", json.RawMessage(`{"x":1,"y":2}`)))
	if string(data) != `{"type":"execute","command":"tap","params":{"x":1,"y":2},"messageId":"m1"}` {
		t.Errorf("execute = %s", data)
	}

	data, _ = json.Marshal(NewCommandTimeout("m1", "tap"))
	if string(data) != `{"type":"commandTimeout","messageId":"m1","command":"tap"}` {
		t.Errorf("commandTimeout = %s", data)
	}

	data, _ = json.Marshal(NewReconnect())
	if string(data) != `{"type":"reconnect"}` {
		t.Errorf("reconnect = %s", data)
	}

	data, _ = json.Marshal(NewFailure("bad frame"))
	if string(data) != `{"type":"error","error":"bad frame"}` {
		t.Errorf("failure = %s", data)
	}
}
