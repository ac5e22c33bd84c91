// Package config loads the bridge configuration from a YAML file and the
// process environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"device-bridge/internal/bridge"
)

type Config struct {
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"` // "memory" keeps records in process only
	} `yaml:"store"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Bridge bridge.Config `yaml:"-"` // decoded through bridgeSection
	MQTT   struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	NATS struct {
		Enabled       bool   `yaml:"enabled"`
		URL           string `yaml:"url"`
		SubjectPrefix string `yaml:"subject_prefix"`
	} `yaml:"nats"`
	ScriptsDir string `yaml:"scripts_dir"`
}

// MemoryStore selects the in-process store.
const MemoryStore = "memory"

// Load reads path, applies defaults and then environment overrides. A
// missing file is not an error.
func Load(path string) (*Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (*Config, error) {
	var cfg Config
	cfg.Bridge = bridge.DefaultConfig()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyDefaults()
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// UnmarshalYAML decodes the file. Fields of the bridge section that are
// absent keep their current values.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	type plain Config
	if err := value.Decode((*plain)(c)); err != nil {
		return err
	}
	var file struct {
		Bridge bridgeSection `yaml:"bridge"`
	}
	if err := value.Decode(&file); err != nil {
		return err
	}
	file.Bridge.applyTo(&c.Bridge)
	return nil
}

type bridgeSection struct {
	HeartbeatInterval    *Duration `yaml:"heartbeat_interval"`
	ConnectionTimeout    *Duration `yaml:"connection_timeout"`
	CommandTimeout       *Duration `yaml:"command_timeout"`
	MaxReconnectAttempts *int      `yaml:"max_reconnect_attempts"`
	MaxCommandsPerWindow *int      `yaml:"max_commands_per_window"`
	RateWindow           *Duration `yaml:"rate_window"`
	RequestCapabilities  *bool     `yaml:"request_capabilities"`
}

func (s bridgeSection) applyTo(b *bridge.Config) {
	setDuration(&b.HeartbeatInterval, s.HeartbeatInterval)
	setDuration(&b.ConnectionTimeout, s.ConnectionTimeout)
	setDuration(&b.CommandTimeout, s.CommandTimeout)
	setDuration(&b.RateWindow, s.RateWindow)
	if s.MaxReconnectAttempts != nil {
		b.MaxReconnectAttempts = *s.MaxReconnectAttempts
	}
	if s.MaxCommandsPerWindow != nil {
		b.MaxCommandsPerWindow = *s.MaxCommandsPerWindow
	}
	if s.RequestCapabilities != nil {
		b.RequestCapabilities = *s.RequestCapabilities
	}
}

func setDuration(dst *time.Duration, v *Duration) {
	if v != nil {
		*dst = time.Duration(*v)
	}
}

// Duration is a YAML duration written either as a Go duration or as a bare
// number of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}
	v, err := ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (c *Config) applyDefaults() {
	if c.Web.Listen == "" {
		c.Web.Listen = "127.0.0.1:8080"
	}
	if c.Store.Path == "" {
		c.Store.Path = "device-bridge.db"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "device-bridge"
	}
	if c.NATS.URL == "" {
		c.NATS.URL = "nats://127.0.0.1:4222"
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "bridge"
	}
	if c.ScriptsDir == "" {
		c.ScriptsDir = "scripts"
	}
	c.Bridge = c.Bridge.WithDefaults()
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"HEARTBEAT_INTERVAL", &c.Bridge.HeartbeatInterval},
		{"CONNECTION_TIMEOUT", &c.Bridge.ConnectionTimeout},
		{"COMMAND_TIMEOUT", &c.Bridge.CommandTimeout},
		{"RATE_WINDOW", &c.Bridge.RateWindow},
	}
	for _, d := range durations {
		v, ok := lookup(d.key)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		parsed, err := ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"MAX_RECONNECT_ATTEMPTS", &c.Bridge.MaxReconnectAttempts},
		{"MAX_COMMANDS_PER_WINDOW", &c.Bridge.MaxCommandsPerWindow},
	}
	for _, n := range ints {
		v, ok := lookup(n.key)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		parsed, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", n.key, err)
		}
		*n.dst = parsed
	}
	return nil
}

// ParseDuration accepts a Go duration ("45s", "1m30s") or a bare number of
// seconds ("45").
func ParseDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(v)
}

func (c *Config) Validate() error {
	if c.Web.Listen == "" {
		return fmt.Errorf("web.listen is required")
	}
	if err := c.Bridge.Validate(); err != nil {
		return fmt.Errorf("bridge: %w", err)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when nats is enabled")
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}
