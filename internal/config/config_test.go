package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"device-bridge/internal/bridge"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := load(filepath.Join(t.TempDir(), "absent.yaml"), envMap(nil))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Web.Listen != "127.0.0.1:8080" {
		t.Errorf("listen = %q", cfg.Web.Listen)
	}
	if cfg.Bridge != bridge.DefaultConfig() {
		t.Errorf("bridge = %+v, want defaults", cfg.Bridge)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadYAMLDurations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yml := `
bridge:
  command_timeout: 30
  connection_timeout: 1.5
  rate_window: 2m
  request_capabilities: true
`
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := load(path, envMap(nil))
	if err != nil {
		t.Fatal(err)
	}
	b := cfg.Bridge
	if b.CommandTimeout != 30*time.Second || b.ConnectionTimeout != 1500*time.Millisecond || b.RateWindow != 2*time.Minute {
		t.Errorf("durations = %s %s %s", b.CommandTimeout, b.ConnectionTimeout, b.RateWindow)
	}
	if !b.RequestCapabilities {
		t.Error("request_capabilities not applied")
	}
	if b.HeartbeatInterval != bridge.DefaultHeartbeatInterval || b.MaxCommandsPerWindow != bridge.DefaultMaxCommandsPerWindow {
		t.Errorf("absent fields lost their defaults: %+v", b)
	}

	if err := os.WriteFile(path, []byte("bridge:\n  command_timeout: soon\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := load(path, envMap(nil)); err == nil {
		t.Error("invalid duration should fail to parse")
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yml := `
web:
  listen: ":9000"
  api_key: secret
store:
  path: memory
bridge:
  heartbeat_interval: 10s
  max_reconnect_attempts: 3
mqtt:
  enabled: true
  broker: tcp://localhost:1883
`
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := load(path, envMap(map[string]string{
		"CONNECTION_TIMEOUT":      "90",
		"COMMAND_TIMEOUT":         "2m",
		"MAX_COMMANDS_PER_WINDOW": "120",
	}))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Web.Listen != ":9000" || cfg.Web.APIKey != "secret" || cfg.Store.Path != MemoryStore {
		t.Errorf("web/store = %+v %+v", cfg.Web, cfg.Store)
	}
	b := cfg.Bridge
	if b.HeartbeatInterval != 10*time.Second {
		t.Errorf("heartbeat = %s", b.HeartbeatInterval)
	}
	if b.ConnectionTimeout != 90*time.Second {
		t.Errorf("connection timeout = %s", b.ConnectionTimeout)
	}
	if b.CommandTimeout != 2*time.Minute {
		t.Errorf("command timeout = %s", b.CommandTimeout)
	}
	if b.MaxReconnectAttempts != 3 || b.MaxCommandsPerWindow != 120 {
		t.Errorf("limits = %d %d", b.MaxReconnectAttempts, b.MaxCommandsPerWindow)
	}
	if b.RateWindow != bridge.DefaultRateWindow {
		t.Errorf("rate window = %s", b.RateWindow)
	}
}

func TestLoadBadEnv(t *testing.T) {
	tests := map[string]string{
		"HEARTBEAT_INTERVAL":     "soon",
		"MAX_RECONNECT_ATTEMPTS": "many",
	}
	for key, val := range tests {
		t.Run(key, func(t *testing.T) {
			_, err := load(filepath.Join(t.TempDir(), "absent.yaml"), envMap(map[string]string{key: val}))
			if err == nil {
				t.Fatalf("expected error for %s=%q", key, val)
			}
		})
	}
}

func TestLoadBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("web: [unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := load(path, envMap(nil)); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := load(filepath.Join(os.TempDir(), "device-bridge-absent.yaml"), envMap(nil))
		if err != nil {
			t.Fatal(err)
		}
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"negative command timeout", func(c *Config) { c.Bridge.CommandTimeout = -time.Second }},
		{"negative attempts", func(c *Config) { c.Bridge.MaxReconnectAttempts = -1 }},
		{"mqtt without broker", func(c *Config) { c.MQTT.Enabled = true }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestParseDuration(t *testing.T) {
	tests := map[string]time.Duration{
		"45":    45 * time.Second,
		"1.5":   1500 * time.Millisecond,
		"500ms": 500 * time.Millisecond,
		" 2m ":  2 * time.Minute,
	}
	for in, want := range tests {
		got, err := ParseDuration(in)
		if err != nil || got != want {
			t.Errorf("ParseDuration(%q) = %s, %v; want %s", in, got, err, want)
		}
	}
}
