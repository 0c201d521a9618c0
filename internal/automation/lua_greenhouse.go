package automation

import (
	"time"

	"greenhouse-broker/internal/command"
	"greenhouse-broker/internal/state"

	lua "github.com/yuin/gopher-lua"
)

// registerGreenhouseModule registers the `greenhouse` global table in a
// Lua state.
func registerGreenhouseModule(L *lua.LState, vm *scriptVM, e *ScriptEngine) {
	mod := L.NewTable()

	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		return ghOn(L, vm)
	}))

	mod.RawSetString("control", L.NewFunction(func(L *lua.LState) int {
		return ghControl(L, e)
	}))

	mod.RawSetString("set_auto_mode", L.NewFunction(func(L *lua.LState) int {
		return ghSetAutoMode(L, e)
	}))

	mod.RawSetString("get_sensor", L.NewFunction(func(L *lua.LState) int {
		return ghGetSensor(L, e)
	}))

	mod.RawSetString("get_controller", L.NewFunction(func(L *lua.LState) int {
		return ghGetController(L, e)
	}))

	mod.RawSetString("devices", L.NewFunction(func(L *lua.LState) int {
		return ghDevices(L, e)
	}))

	mod.RawSetString("after", L.NewFunction(func(L *lua.LState) int {
		return ghAfter(L, vm, e)
	}))

	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		return ghLog(L, e)
	}))

	mod.RawSetString("datetime", L.NewFunction(func(L *lua.LState) int {
		return ghDatetime(L)
	}))

	mod.RawSetString("time_between", L.NewFunction(func(L *lua.LState) int {
		return ghTimeBetween(L)
	}))

	L.SetGlobal("greenhouse", mod)
}

const maxHandlersPerScript = 100

// greenhouse.on(type, filter, callback)
func ghOn(L *lua.LState, vm *scriptVM) int {
	eventType := L.CheckString(1)
	filterTable := L.CheckTable(2)
	fn := L.CheckFunction(3)

	h := luaEventHandler{
		eventType: eventType,
		fn:        fn,
	}

	if v := filterTable.RawGetString("device_id"); v != lua.LNil {
		h.deviceID = v.String()
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

// greenhouse.control(device_id, command, value)
func ghControl(L *lua.LState, e *ScriptEngine) int {
	deviceID := L.CheckString(1)
	action := state.Action(L.CheckString(2))
	value := luaToGo(L.Get(3))

	if !action.Known() {
		L.ArgError(2, "unknown command: "+string(action))
		return 0
	}

	e.issueFromScript(deviceID, action, value)
	return 0
}

// greenhouse.set_auto_mode(device_id, enabled)
func ghSetAutoMode(L *lua.LState, e *ScriptEngine) int {
	deviceID := L.CheckString(1)
	enabled := L.CheckBool(2)

	e.issueFromScript(deviceID, state.ActionSetAutoMode, enabled)
	return 0
}

func (e *ScriptEngine) issueFromScript(deviceID string, action state.Action, value any) {
	_, err := e.dispatcher.Issue(command.Request{
		DeviceID: deviceID,
		Action:   action,
		Value:    value,
		Origin:   command.OriginAutomation,
	})
	if err != nil {
		e.logger.Warn("script command rejected",
			"device_id", deviceID, "command", action, "err", err)
	}
}

// greenhouse.get_sensor(device_id, name)
func ghGetSensor(L *lua.LState, e *ScriptEngine) int {
	deviceID := L.CheckString(1)
	name := L.CheckString(2)

	dev, err := e.states.Get(deviceID)
	if err != nil {
		L.Push(lua.LNil)
		return 1
	}

	if v, ok := reading(dev.Sensors, name); ok {
		L.Push(lua.LNumber(v))
	} else {
		L.Push(lua.LNil)
	}
	return 1
}

// greenhouse.get_controller(device_id, name)
func ghGetController(L *lua.LState, e *ScriptEngine) int {
	deviceID := L.CheckString(1)
	name := L.CheckString(2)

	dev, err := e.states.Get(deviceID)
	if err != nil {
		L.Push(lua.LNil)
		return 1
	}

	c := dev.Controllers
	switch name {
	case "fan":
		L.Push(lua.LBool(c.Fan))
	case "fan_speed":
		L.Push(lua.LNumber(c.FanSpeed))
	case "pump":
		L.Push(lua.LBool(c.Pump))
	case "light":
		L.Push(lua.LBool(c.Light))
	case "servo_angle":
		L.Push(lua.LNumber(c.ServoAngle))
	case "stepper_position":
		L.Push(lua.LNumber(c.StepperPosition))
	default:
		L.Push(lua.LNil)
	}
	return 1
}

// greenhouse.devices() — returns a table of all known devices
func ghDevices(L *lua.LState, e *ScriptEngine) int {
	tbl := L.NewTable()
	for i, dev := range e.states.List() {
		d := L.NewTable()
		d.RawSetString("device_id", lua.LString(dev.DeviceID))
		d.RawSetString("name", lua.LString(dev.DeviceName))
		d.RawSetString("type", lua.LString(dev.DeviceType))
		d.RawSetString("online", lua.LBool(dev.ConnectionState == state.ConnRegistered))
		d.RawSetString("auto_mode", lua.LBool(dev.AutoMode))
		tbl.RawSetInt(i+1, d)
	}
	L.Push(tbl)
	return 1
}

// greenhouse.after(seconds, callback) — delayed execution
func ghAfter(L *lua.LState, vm *scriptVM, e *ScriptEngine) int {
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

		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{
				Fn:      fn,
				NRet:    0,
				Protect: true,
			}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: command channel full")
		}
	}()

	return 0
}

// greenhouse.log(msg)
func ghLog(L *lua.LState, e *ScriptEngine) int {
	msg := L.CheckString(1)
	e.logger.Info("script log", "msg", msg)
	return 0
}

// greenhouse.datetime(component) — returns a date/time component
func ghDatetime(L *lua.LState) int {
	component := L.CheckString(1)
	now := time.Now()

	switch component {
	case "hour":
		L.Push(lua.LNumber(now.Hour()))
	case "minute":
		L.Push(lua.LNumber(now.Minute()))
	case "second":
		L.Push(lua.LNumber(now.Second()))
	case "weekday":
		L.Push(lua.LNumber(now.Weekday()))
	case "day":
		L.Push(lua.LNumber(now.Day()))
	case "month":
		L.Push(lua.LNumber(now.Month()))
	case "year":
		L.Push(lua.LNumber(now.Year()))
	case "timestamp":
		L.Push(lua.LNumber(now.Unix()))
	case "time_str":
		L.Push(lua.LString(now.Format("15:04:05")))
	case "date_str":
		L.Push(lua.LString(now.Format("2006-01-02")))
	default:
		L.ArgError(1, "unknown component: "+component)
		return 0
	}
	return 1
}

// greenhouse.time_between(from_hour, to_hour) — checks if the current hour
// is in range, supporting midnight wrap (22-6).
func ghTimeBetween(L *lua.LState) int {
	from := L.CheckInt(1)
	to := L.CheckInt(2)
	hour := time.Now().Hour()

	var result bool
	if from <= to {
		result = hour >= from && hour < to
	} else {
		result = hour >= from || hour < to
	}

	L.Push(lua.LBool(result))
	return 1
}

// luaToGo converts a Lua value to the Go value the dispatcher expects.
func luaToGo(v lua.LValue) any {
	switch val := v.(type) {
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		return float64(val)
	case lua.LString:
		return string(val)
	default:
		return nil
	}
}
