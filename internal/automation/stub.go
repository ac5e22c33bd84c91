//go:build no_automation

package automation

import (
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"device-bridge/internal/correlator"
	"device-bridge/internal/events"
	"device-bridge/internal/session"
)

var ErrScriptNotFound = errors.New("script not found")

var errDisabled = errors.New("automation disabled")

type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

type Script struct {
	ID       string     `json:"id"`
	Meta     ScriptMeta `json:"meta"`
	LuaCode  string     `json:"lua_code"`
	FilePath string     `json:"-"`
}

type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

type Bridge interface {
	DispatchCommand(token, command string, params json.RawMessage) (*correlator.Call, error)
	Session(token string) (session.Snapshot, bool)
	Sessions() []session.Snapshot
	Events() *events.Bus
}

// Manager is a no-op when automation is compiled out.
type Manager struct{}

func NewManager(_ string) (*Manager, error) { return &Manager{}, nil }
func (m *Manager) List() ([]*Script, error) { return nil, nil }
func (m *Manager) Get(id string) (*Script, error) { return nil, ErrScriptNotFound }
func (m *Manager) Save(_ *Script) (*Script, error) { return nil, errDisabled }
func (m *Manager) Delete(_ string) error { return errDisabled }

// Engine is a no-op when automation is compiled out.
type Engine struct{}

type EngineOption func(*Engine)

func WithEngineClock(_ func() time.Time) EngineOption { return func(*Engine) {} }

func NewEngine(_ Bridge, _ *Manager, _ *slog.Logger, _ ...EngineOption) *Engine { return &Engine{} }

func (e *Engine) Start() {}
func (e *Engine) Stop() {}
func (e *Engine) Running() []string { return nil }
func (e *Engine) ReloadScript(_ string) error { return nil }
func (e *Engine) StopScript(_ string) {}

func (e *Engine) RunScript(_ string) *RunResult {
	return &RunResult{OK: false, Error: errDisabled.Error()}
}

func (e *Engine) RunLuaCode(_ string) *RunResult {
	return &RunResult{OK: false, Error: errDisabled.Error()}
}
