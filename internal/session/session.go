// Package session owns the authoritative mapping from device identity token
// to live session state.
package session

import (
	"errors"
	"maps"
	"time"

	"device-bridge/internal/store"
)

// Status is the lifecycle state of a session.
type Status string

const (
	Connected    Status = "connected"
	Idle         Status = "idle"
	Disconnected Status = "disconnected"
)

// ErrNotConnected is returned by Do when the token has no Connected session.
var ErrNotConnected = errors.New("session not connected")

// Transport pushes frames to one device connection.
// Send must not block; a full queue is reported as an error.
type Transport interface {
	Send(msg any) error
	Close(reason string)
}

// State is the device-reported runtime state merged from heartbeats and
// status updates.
type State struct {
	BatteryLevel  *int           `json:"batteryLevel,omitempty"`
	RunningApps   []string       `json:"runningApps,omitempty"`
	SystemStats   map[string]any `json:"systemStats,omitempty"`
	DeviceMetrics map[string]any `json:"deviceMetrics,omitempty"`
}

// StateUpdate carries the optional fields of a heartbeat or status update.
// Nil fields leave the current state untouched.
type StateUpdate struct {
	BatteryLevel *int
	RunningApps  []string
	SystemStats  map[string]any
	Metrics      map[string]any
}

func (s *State) merge(u StateUpdate) {
	if u.BatteryLevel != nil {
		v := *u.BatteryLevel
		s.BatteryLevel = &v
	}
	if u.RunningApps != nil {
		s.RunningApps = append([]string(nil), u.RunningApps...)
	}
	if u.SystemStats != nil {
		if s.SystemStats == nil {
			s.SystemStats = make(map[string]any, len(u.SystemStats))
		}
		maps.Copy(s.SystemStats, u.SystemStats)
	}
	if u.Metrics != nil {
		if s.DeviceMetrics == nil {
			s.DeviceMetrics = make(map[string]any, len(u.Metrics))
		}
		maps.Copy(s.DeviceMetrics, u.Metrics)
	}
}

func (s State) clone() State {
	c := State{
		RunningApps:   append([]string(nil), s.RunningApps...),
		SystemStats:   maps.Clone(s.SystemStats),
		DeviceMetrics: maps.Clone(s.DeviceMetrics),
	}
	if s.BatteryLevel != nil {
		v := *s.BatteryLevel
		c.BatteryLevel = &v
	}
	return c
}

// Snapshot is a read-only copy of a session at one instant.
type Snapshot struct {
	Token             string            `json:"token"`
	ConnID            string            `json:"connId"`
	Status            Status            `json:"status"`
	ConnectedAt       time.Time         `json:"connectedAt"`
	LastHeartbeatAt   time.Time         `json:"lastHeartbeatAt"`
	ReconnectAttempts int               `json:"reconnectAttempts"`
	DeviceInfo        *store.DeviceInfo `json:"deviceInfo,omitempty"`
	State             State             `json:"state"`
	Metrics           store.Metrics     `json:"metrics"`
}

// Conn is the view of a Connected session handed to a Do callback. It is only
// valid for the duration of the callback.
type Conn struct {
	s *session
}

func (c Conn) Token() string { return c.s.token }
func (c Conn) ConnID() string { return c.s.connID }
func (c Conn) Transport() Transport { return c.s.transport }

// CountDispatch records one forwarded command against the session metrics.
func (c Conn) CountDispatch() {
	c.s.metrics.TotalCommands++
}
