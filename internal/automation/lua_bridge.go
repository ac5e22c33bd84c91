//go:build !no_automation

package automation

import (
	"encoding/json"
	"time"

	lua "github.com/yuin/gopher-lua"

	"device-bridge/internal/correlator"
)

// registerBridgeModule installs the `bridge` global.
func registerBridgeModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()
	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int { return bridgeOn(L, vm) }))
	mod.RawSetString("dispatch", L.NewFunction(func(L *lua.LState) int { return bridgeDispatch(L, vm, e) }))
	mod.RawSetString("session", L.NewFunction(func(L *lua.LState) int { return bridgeSession(L, e) }))
	mod.RawSetString("sessions", L.NewFunction(func(L *lua.LState) int { return bridgeSessions(L, e) }))
	mod.RawSetString("after", L.NewFunction(func(L *lua.LState) int { return bridgeAfter(L, vm, e) }))
	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		e.scriptLog(vm, "info", L.CheckString(1))
		return 0
	}))
	L.SetGlobal("bridge", mod)
}

// bridge.on(type, [filter], fn). type "*" matches every event; filter may
// carry a token.
func bridgeOn(L *lua.LState, vm *scriptVM) int {
	h := luaEventHandler{eventType: L.CheckString(1)}
	if filter, ok := L.Get(2).(*lua.LTable); ok {
		if v := filter.RawGetString("token"); v != lua.LNil {
			h.token = v.String()
		}
		h.fn = L.CheckFunction(3)
	} else {
		h.fn = L.CheckFunction(2)
	}

	vm.mu.Lock()
	if len(vm.handlers) >= maxHandlersPerScript {
		vm.mu.Unlock()
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	vm.mu.Unlock()
	return 0
}

// bridge.dispatch(token, command, [params], [callback]) returns the message
// id, or nil and an error string. The callback runs on the script's VM with
// the terminal result.
func bridgeDispatch(L *lua.LState, vm *scriptVM, e *Engine) int {
	token := L.CheckString(1)
	command := L.CheckString(2)

	var params json.RawMessage
	var callback *lua.LFunction
	switch v := L.Get(3).(type) {
	case *lua.LTable:
		data, err := json.Marshal(luaToGo(v))
		if err != nil {
			L.ArgError(3, "params: "+err.Error())
			return 0
		}
		params = data
		callback, _ = L.Get(4).(*lua.LFunction)
	case *lua.LFunction:
		callback = v
	}

	call, err := e.bridge.DispatchCommand(token, command, params)
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}

	if callback != nil {
		go awaitCallback(vm, e, call, callback)
	}
	L.Push(lua.LString(call.ID()))
	return 1
}

func awaitCallback(vm *scriptVM, e *Engine, call *correlator.Call, fn *lua.LFunction) {
	select {
	case <-call.Done():
	case <-vm.ctx.Done():
		return
	}
	res, _ := call.Result()
	ok := vm.enqueue(func(L *lua.LState) {
		if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, resultTable(L, res)); err != nil {
			e.logger.Error("dispatch callback error", "id", vm.id, "err", err)
		}
	})
	if !ok {
		e.logger.Warn("dispatch callback dropped", "id", vm.id, "messageId", res.MessageID)
	}
}

func resultTable(L *lua.LState, res correlator.Result) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("messageId", lua.LString(res.MessageID))
	t.RawSetString("token", lua.LString(res.Token))
	t.RawSetString("command", lua.LString(res.Command))
	t.RawSetString("outcome", lua.LString(res.Outcome))
	t.RawSetString("latencyMs", lua.LNumber(res.Latency.Milliseconds()))
	if res.Value != nil {
		t.RawSetString("result", goToLua(L, res.Value))
	}
	if res.Err != nil {
		t.RawSetString("error", lua.LString(res.Err.Error()))
	}
	return t
}

// bridge.session(token) returns the session snapshot or nil.
func bridgeSession(L *lua.LState, e *Engine) int {
	snap, ok := e.bridge.Session(L.CheckString(1))
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(toLuaViaJSON(L, snap))
	return 1
}

func bridgeSessions(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	for i, snap := range e.bridge.Sessions() {
		tbl.RawSetInt(i+1, toLuaViaJSON(L, snap))
	}
	L.Push(tbl)
	return 1
}

// bridge.after(seconds, fn) runs fn on the VM after a delay.
func bridgeAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}
		ok := vm.enqueue(func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "id", vm.id, "err", err)
			}
		})
		if !ok {
			e.logger.Warn("after: command queue full", "id", vm.id)
		}
	}()
	return 0
}
