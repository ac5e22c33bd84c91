package store

import "time"

// DeviceInfo is the descriptive metadata a device reports at authentication.
type DeviceInfo struct {
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	OSVersion    string   `json:"osVersion,omitempty"`
	AppVersion   string   `json:"appVersion,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Clone returns a deep copy of the info, or nil for a nil receiver.
func (d *DeviceInfo) Clone() *DeviceInfo {
	if d == nil {
		return nil
	}
	c := *d
	c.Capabilities = append([]string(nil), d.Capabilities...)
	return &c
}

// Metrics are per-device command counters. They only move forward; an
// operator reset is the one way to zero them.
type Metrics struct {
	TotalCommands      uint64 `json:"totalCommands"`
	SuccessfulCommands uint64 `json:"successfulCommands"`
	FailedCommands     uint64 `json:"failedCommands"`
	LastResponseTimeMs int64  `json:"lastResponseTimeMs"`
}

// Device is the persisted record of a device identity token.
type Device struct {
	Token      string      `json:"token"`
	DeviceInfo *DeviceInfo `json:"deviceInfo,omitempty"`
	Metrics    Metrics     `json:"metrics"`
	FirstSeen  time.Time   `json:"firstSeen"`
	LastSeen   time.Time   `json:"lastSeen"`
	LastStatus string      `json:"lastStatus,omitempty"`
}
