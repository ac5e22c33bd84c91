//go:build !no_automation

package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"device-bridge/internal/correlator"
	"device-bridge/internal/events"
	"device-bridge/internal/session"
)

const (
	runTimeout           = 5 * time.Second
	commandQueueSize     = 64
	maxHandlersPerScript = 100
	anyEvent             = "*"
)

// Bridge is the part of the bridge façade scripts can reach.
type Bridge interface {
	DispatchCommand(token, command string, params json.RawMessage) (*correlator.Call, error)
	Session(token string) (session.Snapshot, bool)
	Sessions() []session.Snapshot
	Events() *events.Bus
}

// luaEventHandler is a callback registered with bridge.on.
type luaEventHandler struct {
	eventType string
	token     string // empty matches any device
	fn        *lua.LFunction
}

// scriptVM is one sandboxed Lua state. All access to state goes through the
// commands channel once the script is running.
type scriptVM struct {
	id       string
	state    *lua.LState
	commands chan func(*lua.LState)
	ctx      context.Context
	cancel   context.CancelFunc

	mu       sync.Mutex
	handlers []luaEventHandler
	logs     []string
	capture  bool
}

func (vm *scriptVM) enqueue(fn func(*lua.LState)) bool {
	select {
	case <-vm.ctx.Done():
		return false
	default:
	}
	select {
	case vm.commands <- fn:
		return true
	default:
		return false
	}
}

func (vm *scriptVM) handlerSnapshot() []luaEventHandler {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	out := make([]luaEventHandler, len(vm.handlers))
	copy(out, vm.handlers)
	return out
}

// Engine runs enabled scripts and feeds them bridge events.
type Engine struct {
	bridge  Bridge
	manager *Manager
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	vms   map[string]*scriptVM
	unsub func()
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineClock replaces time.Now for the system module.
func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

func NewEngine(b Bridge, mgr *Manager, logger *slog.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		bridge:  b,
		manager: mgr,
		logger:  logger.With("component", "automation"),
		now:     time.Now,
		vms:     make(map[string]*scriptVM),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Start subscribes to bridge events and starts every enabled script.
func (e *Engine) Start() {
	e.unsub = e.bridge.Events().OnAll(e.dispatchEvent)

	scripts, err := e.manager.List()
	if err != nil {
		e.logger.Error("load scripts", "err", err)
		return
	}
	for _, s := range scripts {
		if !s.Meta.Enabled {
			continue
		}
		if err := e.startScript(s); err != nil {
			e.logger.Error("start script", "id", s.ID, "err", err)
		}
	}
	e.logger.Info("automation engine started", "scripts", len(e.Running()))
}

func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
		e.unsub = nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for id, vm := range e.vms {
		vm.cancel()
		delete(e.vms, id)
	}
	e.logger.Info("automation engine stopped")
}

// Running returns the ids of scripts with a live VM.
func (e *Engine) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.vms))
	for id := range e.vms {
		ids = append(ids, id)
	}
	return ids
}

// ReloadScript restarts id from disk. A disabled script is just stopped.
func (e *Engine) ReloadScript(id string) error {
	e.stopScript(id)

	s, err := e.manager.Get(id)
	if err != nil {
		return fmt.Errorf("get script: %w", err)
	}
	if !s.Meta.Enabled {
		return nil
	}
	return e.startScript(s)
}

func (e *Engine) StopScript(id string) {
	e.stopScript(id)
}

// RunScript executes a stored script once in a throwaway VM.
func (e *Engine) RunScript(id string) *RunResult {
	start := time.Now()
	s, err := e.manager.Get(id)
	if err != nil {
		return &RunResult{OK: false, Error: err.Error(), Duration: time.Since(start).String()}
	}
	return e.RunLuaCode(s.LuaCode)
}

// RunLuaCode executes code in a throwaway VM, then calls each handler it
// registered once with a synthetic event. Output of bridge.log and
// system.log is captured in the result.
func (e *Engine) RunLuaCode(code string) *RunResult {
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	vm := e.newVM("run", ctx, cancel)
	vm.capture = true
	L := vm.state
	defer L.Close()
	L.SetContext(ctx)

	fail := func(err error) *RunResult {
		msg := err.Error()
		if strings.Contains(msg, "context deadline exceeded") {
			msg = fmt.Sprintf("timeout (%s)", runTimeout)
		}
		e.logger.Warn("run lua code", "err", msg)
		return &RunResult{OK: false, Error: msg, Logs: vm.capturedLogs(), Duration: time.Since(start).String()}
	}

	if err := L.DoString(code); err != nil {
		return fail(err)
	}

	for _, h := range vm.handlerSnapshot() {
		ev := L.NewTable()
		ev.RawSetString("type", lua.LString(h.eventType))
		if h.token != "" {
			ev.RawSetString("token", lua.LString(h.token))
		}
		if err := L.CallByParam(lua.P{Fn: h.fn, NRet: 0, Protect: true}, ev); err != nil {
			return fail(err)
		}
	}

	return &RunResult{OK: true, Logs: vm.capturedLogs(), Duration: time.Since(start).String()}
}

func (vm *scriptVM) capturedLogs() []string {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return append([]string(nil), vm.logs...)
}

func (e *Engine) stopScript(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if vm, ok := e.vms[id]; ok {
		vm.cancel()
		delete(e.vms, id)
		e.logger.Info("script stopped", "id", id)
	}
}

// newVM builds a sandboxed state with the bridge and system modules.
func (e *Engine) newVM(id string, ctx context.Context, cancel context.CancelFunc) *scriptVM {
	L := lua.NewState()
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}

	vm := &scriptVM{
		id:       id,
		state:    L,
		commands: make(chan func(*lua.LState), commandQueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
	registerBridgeModule(L, vm, e)
	registerSystemModule(L, vm, e)
	return vm
}

func (e *Engine) startScript(s *Script) error {
	ctx, cancel := context.WithCancel(context.Background())
	vm := e.newVM(s.ID, ctx, cancel)
	L := vm.state

	if err := L.DoString(s.LuaCode); err != nil {
		cancel()
		L.Close()
		return fmt.Errorf("execute script %s: %w", s.ID, err)
	}

	e.mu.Lock()
	if old, ok := e.vms[s.ID]; ok {
		old.cancel()
	}
	e.vms[s.ID] = vm
	e.mu.Unlock()

	go func() {
		defer L.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-vm.commands:
				fn(L)
			}
		}
	}()

	e.logger.Info("script started", "id", s.ID, "name", s.Meta.Name)
	return nil
}

// dispatchEvent queues every matching handler on its VM. It never blocks
// the emitter; a full queue drops the event for that script.
func (e *Engine) dispatchEvent(event events.Event) {
	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		vms = append(vms, vm)
	}
	e.mu.Unlock()

	for _, vm := range vms {
		for _, h := range vm.handlerSnapshot() {
			if !matchesHandler(h, event) {
				continue
			}
			fn := h.fn
			if !vm.enqueue(func(L *lua.LState) { e.callHandler(L, fn, event) }) {
				e.logger.Warn("script queue full, dropping event", "id", vm.id, "event", event.Type)
			}
		}
	}
}

func matchesHandler(h luaEventHandler, event events.Event) bool {
	if h.eventType != anyEvent && h.eventType != event.Type {
		return false
	}
	return h.token == "" || h.token == event.Token
}

func (e *Engine) callHandler(L *lua.LState, fn *lua.LFunction, event events.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua handler panic", "err", r)
		}
	}()

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, eventTable(L, event)); err != nil {
		e.logger.Error("lua handler error", "event", event.Type, "err", err)
	}
}

// eventTable flattens an event into a Lua table: type, token and time plus
// every data field.
func eventTable(L *lua.LState, event events.Event) *lua.LTable {
	t := L.NewTable()
	for k, v := range event.Data {
		t.RawSetString(k, goToLua(L, v))
	}
	t.RawSetString("type", lua.LString(event.Type))
	t.RawSetString("token", lua.LString(event.Token))
	if !event.Time.IsZero() {
		t.RawSetString("time", lua.LNumber(event.Time.UnixMilli()))
	}
	return t
}

// goToLua converts a Go value to a Lua value. Raw JSON is decoded first.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int32:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case uint:
		return lua.LNumber(val)
	case uint32:
		return lua.LNumber(val)
	case uint64:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case time.Time:
		return lua.LString(val.Format(time.RFC3339Nano))
	case time.Duration:
		return lua.LNumber(val.Milliseconds())
	case json.RawMessage:
		if len(val) == 0 {
			return lua.LNil
		}
		var decoded any
		if err := json.Unmarshal(val, &decoded); err != nil {
			return lua.LString(string(val))
		}
		return goToLua(L, decoded)
	case []string:
		t := L.NewTable()
		for i, s := range val {
			t.RawSetInt(i+1, lua.LString(s))
		}
		return t
	case map[string]any:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []any:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

// luaToGo converts a Lua value into something encoding/json can marshal.
// Tables with a sequence part become slices.
func luaToGo(v lua.LValue) any {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		return float64(val)
	case lua.LString:
		return string(val)
	case *lua.LTable:
		if n := val.MaxN(); n > 0 {
			out := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				out = append(out, luaToGo(val.RawGetInt(i)))
			}
			return out
		}
		out := make(map[string]any)
		val.ForEach(func(k, vv lua.LValue) {
			out[k.String()] = luaToGo(vv)
		})
		return out
	default:
		return val.String()
	}
}

// toLuaViaJSON round-trips v through JSON so json tags decide the field
// names scripts see.
func toLuaViaJSON(L *lua.LState, v any) lua.LValue {
	data, err := json.Marshal(v)
	if err != nil {
		return lua.LNil
	}
	return goToLua(L, json.RawMessage(data))
}
