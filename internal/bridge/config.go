package bridge

import (
	"fmt"
	"time"

	"device-bridge/internal/protocol"
)

// Config holds the bridge timings and limits.
type Config struct {
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval" json:"heartbeatInterval"`
	ConnectionTimeout    time.Duration `yaml:"connection_timeout" json:"connectionTimeout"`
	CommandTimeout       time.Duration `yaml:"command_timeout" json:"commandTimeout"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts" json:"maxReconnectAttempts"`
	MaxCommandsPerWindow int           `yaml:"max_commands_per_window" json:"maxCommandsPerWindow"`
	RateWindow           time.Duration `yaml:"rate_window" json:"rateWindow"`
	RequestCapabilities  bool          `yaml:"request_capabilities" json:"requestCapabilities"`
}

// Defaults
const (
	DefaultHeartbeatInterval    = 15 * time.Second
	DefaultConnectionTimeout    = 45 * time.Second
	DefaultCommandTimeout       = 30 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultMaxCommandsPerWindow = 60
	DefaultRateWindow           = 60 * time.Second
)

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:    DefaultHeartbeatInterval,
		ConnectionTimeout:    DefaultConnectionTimeout,
		CommandTimeout:       DefaultCommandTimeout,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
		MaxCommandsPerWindow: DefaultMaxCommandsPerWindow,
		RateWindow:           DefaultRateWindow,
	}
}

// WithDefaults fills zero fields from DefaultConfig. A zero
// MaxReconnectAttempts is kept, which evicts on the first missed window.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.ConnectionTimeout == 0 {
		c.ConnectionTimeout = d.ConnectionTimeout
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = d.CommandTimeout
	}
	if c.MaxCommandsPerWindow == 0 {
		c.MaxCommandsPerWindow = d.MaxCommandsPerWindow
	}
	if c.RateWindow == 0 {
		c.RateWindow = d.RateWindow
	}
	return c
}

// Validate rejects negative or zero timings and limits.
func (c Config) Validate() error {
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %s", c.HeartbeatInterval)
	}
	if c.ConnectionTimeout <= 0 {
		return fmt.Errorf("connection timeout must be positive, got %s", c.ConnectionTimeout)
	}
	if c.CommandTimeout <= 0 {
		return fmt.Errorf("command timeout must be positive, got %s", c.CommandTimeout)
	}
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("max reconnect attempts must not be negative, got %d", c.MaxReconnectAttempts)
	}
	if c.MaxCommandsPerWindow <= 0 {
		return fmt.Errorf("max commands per window must be positive, got %d", c.MaxCommandsPerWindow)
	}
	if c.RateWindow <= 0 {
		return fmt.Errorf("rate window must be positive, got %s", c.RateWindow)
	}
	return nil
}

// SessionConfig is the echo sent to a device on authentication. The rate
// ceiling is expressed per minute whatever the window length.
func (c Config) SessionConfig() protocol.SessionConfig {
	perMinute := c.MaxCommandsPerWindow
	if c.RateWindow != time.Minute {
		perMinute = int(int64(c.MaxCommandsPerWindow) * int64(time.Minute) / int64(c.RateWindow))
	}
	return protocol.SessionConfig{
		HeartbeatInterval:    c.HeartbeatInterval.Milliseconds(),
		CommandTimeout:       c.CommandTimeout.Milliseconds(),
		MaxCommandsPerMinute: perMinute,
	}
}
