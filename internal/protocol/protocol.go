// Package protocol defines the JSON envelopes exchanged with devices over the
// bridge channel.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Device -> bridge message types.
const (
	TypeAuthenticate    = "authenticate"
	TypeHeartbeat       = "heartbeat"
	TypeCommandResponse = "commandResponse"
	TypeCapabilities    = "capabilities"
	TypeStatusUpdate    = "statusUpdate"
	TypeError           = "error"
)

// Bridge -> device message types.
const (
	TypeAuthenticated  = "authenticated"
	TypeExecute        = "execute"
	TypeReconnect      = "reconnect"
	TypeCommandTimeout = "commandTimeout"
	TypeNotification   = "errorNotification"
)

// ErrUnknownType is returned by Decode for a frame whose type is not recognized.
var ErrUnknownType = errors.New("unknown message type")

// DeviceInfo is the optional descriptive block of an authenticate frame.
type DeviceInfo struct {
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	OSVersion    string   `json:"osVersion,omitempty"`
	AppVersion   string   `json:"appVersion,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Authenticate is the first frame of a device connection.
type Authenticate struct {
	Type       string      `json:"type"`
	Token      string      `json:"token"`
	DeviceInfo *DeviceInfo `json:"deviceInfo,omitempty"`
}

// Heartbeat is the periodic liveness frame. All payload fields are optional.
type Heartbeat struct {
	Type         string         `json:"type"`
	BatteryLevel *int           `json:"batteryLevel,omitempty"`
	RunningApps  []string       `json:"runningApps,omitempty"`
	SystemStats  map[string]any `json:"systemStats,omitempty"`
	Metrics      map[string]any `json:"metrics,omitempty"`
}

// CommandResponse carries the outcome of an execute frame.
type CommandResponse struct {
	Type            string          `json:"type"`
	MessageID       string          `json:"messageId"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           json.RawMessage `json:"error,omitempty"`
	ExecutionTimeMs int64           `json:"executionTimeMs,omitempty"`
}

// ErrorText returns the device-reported error as text, or "" when the
// response succeeded. A JSON string is unquoted; an object is kept verbatim.
func (r *CommandResponse) ErrorText() string {
	raw := strings.TrimSpace(string(r.Error))
	if raw == "" || raw == "null" || raw == "false" || raw == `""` {
		return ""
	}
	var s string
	if err := json.Unmarshal(r.Error, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(r.Error, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return raw
}

// Capabilities replaces the device's capability list.
type Capabilities struct {
	Type         string   `json:"type"`
	Capabilities []string `json:"capabilities"`
}

// StatusUpdate merges device state outside the heartbeat cadence.
type StatusUpdate struct {
	Type         string         `json:"type"`
	BatteryLevel *int           `json:"batteryLevel,omitempty"`
	RunningApps  []string       `json:"runningApps,omitempty"`
	SystemStats  map[string]any `json:"systemStats,omitempty"`
}

// Device error codes with bridge-side handling.
const (
	CodeDeviceOffline  = "DEVICE_OFFLINE"
	CodeConnectionLost = "CONNECTION_LOST"
	CodeLowBattery     = "LOW_BATTERY"
)

// DeviceError reports a device-side fault not tied to a command.
type DeviceError struct {
	Type    string         `json:"type"`
	Error   string         `json:"error"`
	Code    string         `json:"code,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// SessionConfig is echoed to the device so it can tune its own cadence.
// Durations are in milliseconds.
type SessionConfig struct {
	HeartbeatInterval    int64 `json:"heartbeatInterval"`
	CommandTimeout       int64 `json:"commandTimeout"`
	MaxCommandsPerMinute int   `json:"maxCommandsPerMinute"`
}

// Authenticated answers an authenticate frame.
type Authenticated struct {
	Type       string         `json:"type"`
	Success    bool           `json:"success"`
	ServerTime int64          `json:"serverTime"`
	Config     *SessionConfig `json:"config,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Execute forwards a command to the device.
type Execute struct {
	Type      string          `json:"type"`
	Command   string          `json:"command"`
	Params    json.RawMessage `json:"params,omitempty"`
	MessageID string          `json:"messageId"`
}

// Reconnect asks the device to re-establish its connection.
type Reconnect struct {
	Type string `json:"type"`
}

// CommandTimeout tells the device the bridge gave up waiting on a command.
type CommandTimeout struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	Command   string `json:"command"`
}

// Notification echoes a device error back to the device.
type Notification struct {
	Type    string         `json:"type"`
	Message string         `json:"message"`
	Code    string         `json:"code,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// NewAuthenticated builds a successful authentication reply.
func NewAuthenticated(now time.Time, cfg SessionConfig) Authenticated {
	return Authenticated{Type: TypeAuthenticated, Success: true, ServerTime: now.UnixMilli(), Config: &cfg}
}

// NewAuthenticationFailure builds a rejected authentication reply.
func NewAuthenticationFailure(now time.Time, reason string) Authenticated {
	return Authenticated{Type: TypeAuthenticated, Success: false, ServerTime: now.UnixMilli(), Error: reason}
}

// NewExecute builds an execute frame.
func NewExecute(messageID, command string, params json.RawMessage) Execute {
	return Execute{Type: TypeExecute, Command: command, Params: params, MessageID: messageID}
}

// NewReconnect builds a reconnect notice.
func NewReconnect() Reconnect {
	return Reconnect{Type: TypeReconnect}
}

// NewCommandTimeout builds a command timeout notice.
func NewCommandTimeout(messageID, command string) CommandTimeout {
	return CommandTimeout{Type: TypeCommandTimeout, MessageID: messageID, Command: command}
}

// NewNotification builds an error notification echo.
func NewNotification(e DeviceError) Notification {
	return Notification{Type: TypeNotification, Message: e.Error, Code: e.Code, Details: e.Details}
}

// Failure rejects an inbound frame the bridge could not process.
type Failure struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// NewFailure builds an error frame for a rejected inbound frame.
func NewFailure(reason string) Failure {
	return Failure{Type: TypeError, Error: reason}
}

// Decode parses one inbound device frame and returns a pointer to the typed
// message (*Authenticate, *Heartbeat, ...).
func Decode(data []byte) (any, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	var msg any
	switch head.Type {
	case TypeAuthenticate:
		msg = &Authenticate{}
	case TypeHeartbeat:
		msg = &Heartbeat{}
	case TypeCommandResponse:
		msg = &CommandResponse{}
	case TypeCapabilities:
		msg = &Capabilities{}
	case TypeStatusUpdate, "status_update":
		msg = &StatusUpdate{}
	case TypeError:
		msg = &DeviceError{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, head.Type)
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", head.Type, err)
	}
	return msg, nil
}
