package web

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"device-bridge/internal/bridge"
	"device-bridge/internal/events"
	"device-bridge/internal/store"
)

type testEnv struct {
	ts     *httptest.Server
	srv    *Server
	bridge *bridge.Bridge
	store  *store.MemStore
}

func setupTestServer(t *testing.T, cfg bridge.Config, opts ...ServerOption) *testEnv {
	t.Helper()
	return setupTestServerWith(t, cfg, nil, opts...)
}

// setupTestServerWith lets the caller adjust the http.Server before it starts.
func setupTestServerWith(t *testing.T, cfg bridge.Config, configure func(*http.Server), opts ...ServerOption) *testEnv {
	t.Helper()
	logger := testLogger()
	st := store.NewMemStore()
	b := bridge.New(cfg, events.NewBus(logger), st, logger)

	opts = append([]ServerOption{WithStore(st), WithVersion("test")}, opts...)
	srv := NewServer(b, logger, opts...)
	ts := httptest.NewUnstartedServer(srv)
	if configure != nil {
		configure(ts.Config)
	}
	ts.Start()
	t.Cleanup(func() {
		b.Shutdown()
		srv.Stop()
		ts.Close()
	})
	return &testEnv{ts: ts, srv: srv, bridge: b, store: st}
}

func (env *testEnv) do(t *testing.T, method, path, body string, header ...string) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, env.ts.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := env.ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, data
}

func (env *testEnv) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(env.ts.URL, "http") + path
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	conn.SetReadLimit(deviceReadLimit)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("frame %s: %v", data, err)
	}
	return m
}

// connectDevice authenticates token over /ws and consumes the reply.
func (env *testEnv) connectDevice(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	conn := env.dial(t, "/ws")
	writeFrame(t, conn, map[string]any{
		"type":       "authenticate",
		"token":      token,
		"deviceInfo": map[string]any{"manufacturer": "Google", "model": "Pixel 8"},
	})
	reply := readFrame(t, conn)
	if reply["type"] != "authenticated" || reply["success"] != true {
		t.Fatalf("auth reply = %v", reply)
	}
	return conn
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func decodeJSON(t *testing.T, data []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
}

func TestDeviceCommandRoundTrip(t *testing.T) {
	env := setupTestServer(t, bridge.DefaultConfig())
	dev := env.connectDevice(t, "tablet-1")

	resp, body := env.do(t, "POST", "/api/devices/tablet-1/command", `{"command":"tap","params":{"x":1,"y":2}}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d body = %s", resp.StatusCode, body)
	}
	var accepted struct {
		MessageID string `json:"messageId"`
	}
	decodeJSON(t, body, &accepted)

	ex := readFrame(t, dev)
	if ex["type"] != "execute" || ex["command"] != "tap" || ex["messageId"] != accepted.MessageID {
		t.Fatalf("execute = %v", ex)
	}
	writeFrame(t, dev, map[string]any{
		"type":            "commandResponse",
		"messageId":       accepted.MessageID,
		"result":          map[string]any{"ok": true},
		"executionTimeMs": 12,
	})

	eventually(t, "successful command recorded", func() bool {
		snap, ok := env.bridge.Session("tablet-1")
		return ok && snap.Metrics.SuccessfulCommands == 1
	})

	resp, body = env.do(t, "GET", "/api/devices/tablet-1", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var view struct {
		Status     string `json:"status"`
		DeviceInfo struct {
			Model string `json:"model"`
		} `json:"deviceInfo"`
		Metrics struct {
			TotalCommands uint64 `json:"totalCommands"`
		} `json:"metrics"`
		PendingCommands int `json:"pendingCommands"`
		RateLimit       struct {
			Used int `json:"used"`
		} `json:"rateLimit"`
	}
	decodeJSON(t, body, &view)
	if view.Status != "connected" || view.DeviceInfo.Model != "Pixel 8" || view.Metrics.TotalCommands != 1 ||
		view.PendingCommands != 0 || view.RateLimit.Used != 1 {
		t.Errorf("view = %+v", view)
	}

	resp, body = env.do(t, "GET", "/api/devices", "")
	var list []map[string]any
	decodeJSON(t, body, &list)
	if resp.StatusCode != http.StatusOK || len(list) != 1 || list[0]["token"] != "tablet-1" {
		t.Errorf("list = %d %s", resp.StatusCode, body)
	}
}

func TestDeviceCommandWait(t *testing.T) {
	env := setupTestServer(t, bridge.DefaultConfig())
	dev := env.dial(t, "/ws/phone")
	if reply := readFrame(t, dev); reply["success"] != true {
		t.Fatalf("auth reply = %v", reply)
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, data, err := dev.Read(ctx)
		if err != nil {
			return
		}
		var ex map[string]any
		if json.Unmarshal(data, &ex) != nil {
			return
		}
		out, _ := json.Marshal(map[string]any{"type": "commandResponse", "messageId": ex["messageId"], "result": map[string]any{"level": 73}})
		_ = dev.Write(ctx, websocket.MessageText, out)
	}()

	resp, body := env.do(t, "POST", "/api/devices/phone/command", `{"command":"getBatteryLevel","wait":true}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d body = %s", resp.StatusCode, body)
	}
	var res commandResult
	decodeJSON(t, body, &res)
	if res.Outcome != "success" || string(res.Result) != `{"level":73}` || res.Command != "getBatteryLevel" {
		t.Errorf("result = %+v", res)
	}
}

func TestDeviceCommandWaitTimeout(t *testing.T) {
	cfg := bridge.DefaultConfig()
	cfg.CommandTimeout = 100 * time.Millisecond
	env := setupTestServer(t, cfg)
	dev := env.connectDevice(t, "slow")

	resp, body := env.do(t, "POST", "/api/devices/slow/command", `{"command":"home","wait":true}`)
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("status = %d body = %s", resp.StatusCode, body)
	}
	var res commandResult
	decodeJSON(t, body, &res)
	if res.Outcome != "timeout" || res.Error == "" {
		t.Errorf("result = %+v", res)
	}

	if ex := readFrame(t, dev); ex["type"] != "execute" {
		t.Fatalf("first frame = %v", ex)
	}
	if notice := readFrame(t, dev); notice["type"] != "commandTimeout" || notice["messageId"] != res.MessageID {
		t.Errorf("timeout notice = %v", notice)
	}
}

func TestDeviceCommandWaitOutlastsWriteTimeout(t *testing.T) {
	cfg := bridge.DefaultConfig()
	cfg.CommandTimeout = 300 * time.Millisecond
	env := setupTestServerWith(t, cfg, func(hs *http.Server) {
		hs.WriteTimeout = cfg.CommandTimeout
	})
	env.connectDevice(t, "slow")

	resp, body := env.do(t, "POST", "/api/devices/slow/command", `{"command":"home","wait":true}`)
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("status = %d body = %s", resp.StatusCode, body)
	}
	var res commandResult
	decodeJSON(t, body, &res)
	if res.Outcome != "timeout" {
		t.Errorf("result = %+v", res)
	}
}

func TestDeviceFirstFrameMustAuthenticate(t *testing.T) {
	env := setupTestServer(t, bridge.DefaultConfig())
	conn := env.dial(t, "/ws")
	writeFrame(t, conn, map[string]any{"type": "heartbeat"})

	reply := readFrame(t, conn)
	if reply["type"] != "authenticated" || reply["success"] != false || reply["error"] == "" {
		t.Fatalf("reply = %v", reply)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, err := conn.Read(ctx); err == nil {
		t.Fatal("connection still open after failed authentication")
	}
	if n := len(env.bridge.Sessions()); n != 0 {
		t.Errorf("sessions = %d, want 0", n)
	}
}

func TestDeviceInvalidFrameKeepsSession(t *testing.T) {
	env := setupTestServer(t, bridge.DefaultConfig())
	dev := env.connectDevice(t, "tv")

	writeFrame(t, dev, map[string]any{"type": "teleport"})
	if reply := readFrame(t, dev); reply["type"] != "error" || !strings.Contains(reply["error"].(string), "unknown message type") {
		t.Fatalf("reply = %v", reply)
	}

	writeFrame(t, dev, map[string]any{"type": "heartbeat", "batteryLevel": 42})
	eventually(t, "battery merged", func() bool {
		snap, ok := env.bridge.Session("tv")
		return ok && snap.State.BatteryLevel != nil && *snap.State.BatteryLevel == 42
	})
}

func TestDeviceTransportLossStartsGrace(t *testing.T) {
	env := setupTestServer(t, bridge.DefaultConfig())
	dev := env.connectDevice(t, "tab")

	dev.Close(websocket.StatusNormalClosure, "bye")
	eventually(t, "session disconnected", func() bool {
		snap, ok := env.bridge.Session("tab")
		return ok && snap.Status == "disconnected"
	})
}

func TestAPICommandErrors(t *testing.T) {
	cfg := bridge.DefaultConfig()
	cfg.MaxCommandsPerWindow = 1
	env := setupTestServer(t, cfg)
	env.connectDevice(t, "dev")

	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"not connected", "/api/devices/ghost/command", `{"command":"home"}`, http.StatusNotFound},
		{"bad body", "/api/devices/dev/command", `{`, http.StatusBadRequest},
		{"missing params", "/api/devices/dev/command", `{"command":"tap","params":{"x":1}}`, http.StatusBadRequest},
		{"empty command", "/api/devices/dev/command", `{"command":""}`, http.StatusBadRequest},
		{"first admitted", "/api/devices/dev/command", `{"command":"home"}`, http.StatusAccepted},
		{"rate limited", "/api/devices/dev/command", `{"command":"home"}`, http.StatusTooManyRequests},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := env.do(t, "POST", tt.path, tt.body)
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d (body %s)", resp.StatusCode, tt.status, body)
			}
			if tt.status == http.StatusTooManyRequests && resp.Header.Get("Retry-After") == "" {
				t.Error("missing Retry-After")
			}
		})
	}
}

func TestAPIDisconnectAndReset(t *testing.T) {
	env := setupTestServer(t, bridge.DefaultConfig())
	dev := env.connectDevice(t, "dev")

	if resp, _ := env.do(t, "POST", "/api/devices/dev/metrics/reset", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("reset status = %d", resp.StatusCode)
	}
	if resp, _ := env.do(t, "POST", "/api/devices/ghost/metrics/reset", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("reset ghost status = %d", resp.StatusCode)
	}

	if resp, body := env.do(t, "POST", "/api/devices/dev/disconnect", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("disconnect status = %d body = %s", resp.StatusCode, body)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, err := dev.Read(ctx); err == nil {
		t.Error("device connection still open after disconnect")
	}
	if resp, _ := env.do(t, "POST", "/api/devices/dev/disconnect", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("second disconnect status = %d", resp.StatusCode)
	}
}

func TestAPIGetDeviceOffline(t *testing.T) {
	env := setupTestServer(t, bridge.DefaultConfig())
	if err := env.store.SaveDevice(&store.Device{Token: "old", LastStatus: "disconnected"}); err != nil {
		t.Fatal(err)
	}

	resp, body := env.do(t, "GET", "/api/devices/old", "")
	if resp.StatusCode != http.StatusOK || !bytes.Contains(body, []byte(`"status":"offline"`)) {
		t.Errorf("offline = %d %s", resp.StatusCode, body)
	}
	if resp, _ := env.do(t, "GET", "/api/devices/never", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown status = %d", resp.StatusCode)
	}
}

func TestAPIConfigVersionCommands(t *testing.T) {
	env := setupTestServer(t, bridge.DefaultConfig())

	resp, body := env.do(t, "GET", "/api/config", "")
	var cfg struct {
		Session struct {
			HeartbeatInterval    int64 `json:"heartbeatInterval"`
			MaxCommandsPerMinute int   `json:"maxCommandsPerMinute"`
		} `json:"session"`
	}
	decodeJSON(t, body, &cfg)
	if resp.StatusCode != http.StatusOK || cfg.Session.HeartbeatInterval != 15000 || cfg.Session.MaxCommandsPerMinute != 60 {
		t.Errorf("config = %d %s", resp.StatusCode, body)
	}

	_, body = env.do(t, "GET", "/api/version", "")
	if !bytes.Contains(body, []byte(`"version":"test"`)) {
		t.Errorf("version = %s", body)
	}

	_, body = env.do(t, "GET", "/api/commands", "")
	if !bytes.Contains(body, []byte(`"name":"swipe"`)) {
		t.Errorf("commands = %s", body)
	}
}

func TestAPIKeyRequired(t *testing.T) {
	env := setupTestServer(t, bridge.DefaultConfig(), WithAPIKey("secret"))

	if resp, _ := env.do(t, "GET", "/api/devices", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no key status = %d", resp.StatusCode)
	}
	if resp, _ := env.do(t, "GET", "/api/devices", "", "X-API-Key", "wrong"); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong key status = %d", resp.StatusCode)
	}
	if resp, _ := env.do(t, "GET", "/api/devices", "", "X-API-Key", "secret"); resp.StatusCode != http.StatusOK {
		t.Errorf("good key status = %d", resp.StatusCode)
	}

	// The device channel is not behind the API key.
	env.connectDevice(t, "dev")
}

func TestCORS(t *testing.T) {
	env := setupTestServer(t, bridge.DefaultConfig(), WithAllowedOrigins([]string{"https://ops.example"}))

	resp, _ := env.do(t, "OPTIONS", "/api/devices/x/disconnect", "", "Origin", "https://ops.example")
	if resp.StatusCode != http.StatusNoContent || resp.Header.Get("Access-Control-Allow-Origin") != "https://ops.example" {
		t.Errorf("preflight = %d %v", resp.StatusCode, resp.Header)
	}
	if resp, _ := env.do(t, "POST", "/api/devices/x/disconnect", "", "Origin", "https://evil.example"); resp.StatusCode != http.StatusForbidden {
		t.Errorf("foreign origin status = %d", resp.StatusCode)
	}
}

func TestEventsStream(t *testing.T) {
	env := setupTestServer(t, bridge.DefaultConfig())
	stream := env.dial(t, "/api/events?token=tv")
	waitClients(t, env.srv.wsHub, 1)

	env.connectDevice(t, "other")
	env.connectDevice(t, "tv")

	ev := readFrame(t, stream)
	if ev["type"] != events.SessionConnected || ev["token"] != "tv" {
		t.Errorf("event = %v", ev)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{bridge.ErrDeviceNotConnected, http.StatusNotFound},
		{bridge.ErrRateLimitExceeded, http.StatusTooManyRequests},
		{bridge.ErrInvalidCommand, http.StatusBadRequest},
		{bridge.ErrCommandTimeout, http.StatusGatewayTimeout},
		{bridge.ErrSessionLost, http.StatusBadGateway},
		{bridge.ErrDeviceFailure, http.StatusBadGateway},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{io.EOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestDeviceConnSendQueue(t *testing.T) {
	dc := newDeviceConn(nil)
	for i := 0; i < deviceSendQueue; i++ {
		if err := dc.Send(map[string]int{"n": i}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if err := dc.Send("overflow"); err != ErrSendQueueFull {
		t.Errorf("overflow err = %v, want ErrSendQueueFull", err)
	}

	dc.Close("first")
	dc.Close("second")
	if dc.closeReason() != "first" {
		t.Errorf("reason = %q", dc.closeReason())
	}
	if err := dc.Send("late"); err != errConnClosed {
		t.Errorf("send after close = %v", err)
	}
	if err := dc.Send(func() {}); err == nil {
		t.Error("unencodable frame accepted")
	}
}

func TestCloseText(t *testing.T) {
	if got := closeText(strings.Repeat("x", 200)); len(got) != 123 {
		t.Errorf("len = %d", len(got))
	}
}
