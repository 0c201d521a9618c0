package automation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"greenhouse-broker/internal/broker"
	"greenhouse-broker/internal/command"
	"greenhouse-broker/internal/state"

	lua "github.com/yuin/gopher-lua"
)

// RunResult is the result of a one-shot script execution. Commands lists
// the control intents the script produced; a dry run records them here
// instead of dispatching them.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Commands []string `json:"commands"`
	Duration string   `json:"duration"`
}

// luaEventHandler is a registered Lua callback for a specific event pattern.
type luaEventHandler struct {
	eventType string
	deviceID  string // filter: only match this device (empty = any)
	fn        *lua.LFunction
}

// scriptVM is a running Lua VM for a single script.
type scriptVM struct {
	state    *lua.LState
	commands chan func(*lua.LState) // serializes Lua access
	handlers []luaEventHandler
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex // protects handlers
}

// ScriptEngine manages Lua VMs and dispatches EventBus events to scripts.
// Scripts run alongside the threshold rule engine and issue commands
// through the same dispatcher, so mode-conflict and offline checks apply
// to them too.
type ScriptEngine struct {
	states     *state.Store
	dispatcher *command.Dispatcher
	bus        *broker.EventBus
	manager    *Manager
	logger     *slog.Logger

	mu    sync.Mutex
	vms   map[string]*scriptVM // script ID -> running VM
	unsub func()
}

// NewScriptEngine creates a Lua script engine.
func NewScriptEngine(states *state.Store, dispatcher *command.Dispatcher, bus *broker.EventBus, mgr *Manager, logger *slog.Logger) *ScriptEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &ScriptEngine{
		states:     states,
		dispatcher: dispatcher,
		bus:        bus,
		manager:    mgr,
		logger:     logger.With("component", "scripts"),
		vms:        make(map[string]*scriptVM),
	}
}

// Start subscribes to the EventBus and loads all enabled scripts.
func (e *ScriptEngine) Start() {
	e.unsub = e.bus.OnAll(func(event broker.Event) {
		e.dispatchEvent(event)
	})

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

	e.logger.Info("script engine started", "scripts", len(e.vms))
}

// Stop cancels all VMs and unsubscribes from EventBus.
func (e *ScriptEngine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for id, vm := range e.vms {
		vm.cancel()
		delete(e.vms, id)
	}

	if e.unsub != nil {
		e.unsub()
	}

	e.logger.Info("script engine stopped")
}

// ReloadScript stops the old VM (if any) and starts a new one.
func (e *ScriptEngine) ReloadScript(id string) error {
	e.stopScript(id)

	s, err := e.manager.Get(id)
	if err != nil {
		return fmt.Errorf("get script: %w", err)
	}

	if !s.Meta.Enabled {
		return nil // disabled, just stop
	}

	return e.startScript(s)
}

// StopScript stops a running script VM.
func (e *ScriptEngine) StopScript(id string) {
	e.stopScript(id)
}

// RunScript executes a script in a temporary sandboxed VM for testing.
func (e *ScriptEngine) RunScript(id string) *RunResult {
	start := time.Now()

	s, err := e.manager.Get(id)
	if err != nil {
		return &RunResult{OK: false, Error: "script not found: " + err.Error(), Duration: time.Since(start).String()}
	}

	return e.RunLuaCode(s.LuaCode)
}

// RunLuaCode executes arbitrary Lua code in a temporary sandboxed VM.
// The top-level code runs (registering handlers via greenhouse.on), log
// output is captured, and the VM is destroyed after a short timeout.
func (e *ScriptEngine) RunLuaCode(code string) *RunResult {
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	L := newSandboxedState()
	defer L.Close()
	L.SetContext(ctx)

	vm := &scriptVM{
		state:    L,
		commands: make(chan func(*lua.LState), 64),
		ctx:      ctx,
		cancel:   cancel,
	}

	registerGreenhouseModule(L, vm, e)

	// Capture log output and command intents instead of forwarding them:
	// a dry run must never put a real command on a device's wire.
	var mu sync.Mutex
	var logs, commands []string
	if tbl, ok := L.GetGlobal("greenhouse").(*lua.LTable); ok {
		tbl.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
			msg := L.CheckString(1)
			mu.Lock()
			logs = append(logs, msg)
			mu.Unlock()
			return 0
		}))
		recordCommand := func(deviceID string, action state.Action, value any) {
			mu.Lock()
			commands = append(commands, fmt.Sprintf("%s %s = %v", deviceID, action, value))
			mu.Unlock()
		}
		tbl.RawSetString("control", L.NewFunction(func(L *lua.LState) int {
			deviceID := L.CheckString(1)
			action := state.Action(L.CheckString(2))
			if !action.Known() {
				L.ArgError(2, "unknown command: "+string(action))
				return 0
			}
			recordCommand(deviceID, action, luaToGo(L.Get(3)))
			return 0
		}))
		tbl.RawSetString("set_auto_mode", L.NewFunction(func(L *lua.LState) int {
			deviceID := L.CheckString(1)
			recordCommand(deviceID, state.ActionSetAutoMode, L.CheckBool(2))
			return 0
		}))
	}

	if err := L.DoString(code); err != nil {
		return &RunResult{OK: false, Error: luaErrString(err), Logs: logs, Commands: commands, Duration: time.Since(start).String()}
	}

	// Invoke registered handlers with a synthetic event so their actions
	// actually execute during the dry run.
	vm.mu.Lock()
	handlers := make([]luaEventHandler, len(vm.handlers))
	copy(handlers, vm.handlers)
	vm.mu.Unlock()

	for _, h := range handlers {
		eventTable := L.NewTable()
		eventTable.RawSetString("type", lua.LString(h.eventType))
		if h.deviceID != "" {
			eventTable.RawSetString("device_id", lua.LString(h.deviceID))
		}

		if err := L.CallByParam(lua.P{
			Fn:      h.fn,
			NRet:    0,
			Protect: true,
		}, eventTable); err != nil {
			return &RunResult{OK: false, Error: luaErrString(err), Logs: logs, Commands: commands, Duration: time.Since(start).String()}
		}
	}

	return &RunResult{OK: true, Logs: logs, Commands: commands, Duration: time.Since(start).String()}
}

func luaErrString(err error) string {
	s := err.Error()
	if strings.Contains(s, "context deadline exceeded") {
		return "timeout (5s)"
	}
	return s
}

// newSandboxedState creates a Lua state with the dangerous libs removed.
func newSandboxedState() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: false})
	L.SetGlobal("os", lua.LNil)
	L.SetGlobal("io", lua.LNil)
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("require", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("debug", lua.LNil)
	L.SetGlobal("package", lua.LNil)
	return L
}

func (e *ScriptEngine) stopScript(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if vm, ok := e.vms[id]; ok {
		vm.cancel()
		delete(e.vms, id)
		e.logger.Info("script stopped", "id", id)
	}
}

func (e *ScriptEngine) startScript(s *Script) error {
	ctx, cancel := context.WithCancel(context.Background())

	L := newSandboxedState()

	vm := &scriptVM{
		state:    L,
		commands: make(chan func(*lua.LState), 64),
		ctx:      ctx,
		cancel:   cancel,
	}

	registerGreenhouseModule(L, vm, e)

	// Execute the script to register handlers
	if err := L.DoString(s.LuaCode); err != nil {
		cancel()
		L.Close()
		return fmt.Errorf("execute script %s: %w", s.ID, err)
	}

	e.mu.Lock()
	e.vms[s.ID] = vm
	e.mu.Unlock()

	// Command loop goroutine, exits when the context is cancelled.
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

// dispatchEvent routes an EventBus event to all matching Lua handlers.
func (e *ScriptEngine) dispatchEvent(event broker.Event) {
	e.mu.Lock()
	vmsCopy := make(map[string]*scriptVM, len(e.vms))
	for k, v := range e.vms {
		vmsCopy[k] = v
	}
	e.mu.Unlock()

	for _, vm := range vmsCopy {
		vm.mu.Lock()
		handlers := make([]luaEventHandler, len(vm.handlers))
		copy(handlers, vm.handlers)
		vm.mu.Unlock()

		for _, h := range handlers {
			if !matchesHandler(h, event) {
				continue
			}

			fn := h.fn
			// Send to the VM's command channel for thread-safe Lua
			// execution. Check the context first to avoid a stopped VM.
			select {
			case <-vm.ctx.Done():
				break
			case vm.commands <- func(L *lua.LState) {
				e.callHandler(L, fn, event)
			}:
			default:
				e.logger.Warn("script command channel full, dropping event")
			}
		}
	}
}

func matchesHandler(h luaEventHandler, event broker.Event) bool {
	if h.eventType != event.Type {
		return false
	}
	if h.deviceID == "" {
		return true
	}
	return eventDeviceID(event) == h.deviceID
}

func eventDeviceID(event broker.Event) string {
	switch data := event.Data.(type) {
	case state.Device:
		return data.DeviceID
	case broker.StatusUpdate:
		return data.DeviceID
	case broker.CameraData:
		return data.DeviceID
	case command.Command:
		return data.DeviceID
	}
	return ""
}

func (e *ScriptEngine) callHandler(L *lua.LState, fn *lua.LFunction, event broker.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua handler panic", "err", r)
		}
	}()

	eventTable := eventToLua(L, event)

	if err := L.CallByParam(lua.P{
		Fn:      fn,
		NRet:    0,
		Protect: true,
	}, eventTable); err != nil {
		e.logger.Error("lua handler error", "err", err)
	}
}

// eventToLua builds the Lua table passed to event handlers.
func eventToLua(L *lua.LState, event broker.Event) *lua.LTable {
	tbl := L.NewTable()
	tbl.RawSetString("type", lua.LString(event.Type))

	switch data := event.Data.(type) {
	case state.Device:
		tbl.RawSetString("device_id", lua.LString(data.DeviceID))
		tbl.RawSetString("device_name", lua.LString(data.DeviceName))
		tbl.RawSetString("device_type", lua.LString(data.DeviceType))
		tbl.RawSetString("auto_mode", lua.LBool(data.AutoMode))
		tbl.RawSetString("sensors", sensorsToLua(L, data.Sensors))
		tbl.RawSetString("controllers", controllersToLua(L, data.Controllers))
	case broker.StatusUpdate:
		tbl.RawSetString("device_id", lua.LString(data.DeviceID))
		tbl.RawSetString("auto_mode", lua.LBool(data.AutoMode))
	case broker.CameraData:
		tbl.RawSetString("device_id", lua.LString(data.DeviceID))
	case command.Command:
		tbl.RawSetString("device_id", lua.LString(data.DeviceID))
		tbl.RawSetString("command", lua.LString(string(data.Action)))
		tbl.RawSetString("status", lua.LString(string(data.Status)))
		if data.Error != "" {
			tbl.RawSetString("error", lua.LString(data.Error))
		}
	}
	return tbl
}

func sensorsToLua(L *lua.LState, s state.Sensors) *lua.LTable {
	tbl := L.NewTable()
	set := func(key string, v *float64) {
		if v != nil {
			tbl.RawSetString(key, lua.LNumber(*v))
		}
	}
	set("air_temperature", s.AirTemperature)
	set("air_humidity", s.AirHumidity)
	set("soil_moisture", s.SoilMoisture)
	set("soil_temperature", s.SoilTemperature)
	set("light_intensity", s.LightIntensity)
	return tbl
}

func controllersToLua(L *lua.LState, c state.Controllers) *lua.LTable {
	tbl := L.NewTable()
	tbl.RawSetString("fan", lua.LBool(c.Fan))
	tbl.RawSetString("fan_speed", lua.LNumber(c.FanSpeed))
	tbl.RawSetString("pump", lua.LBool(c.Pump))
	tbl.RawSetString("light", lua.LBool(c.Light))
	tbl.RawSetString("servo_angle", lua.LNumber(c.ServoAngle))
	tbl.RawSetString("stepper_position", lua.LNumber(c.StepperPosition))
	return tbl
}
