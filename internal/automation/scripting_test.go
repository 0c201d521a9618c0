package automation

import (
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"greenhouse-broker/internal/broker"
	"greenhouse-broker/internal/command"
	"greenhouse-broker/internal/state"
)

type scriptConn struct {
	mu   sync.Mutex
	sent []broker.ControlCommand
}

func (c *scriptConn) SendCommand(cmd broker.ControlCommand) error {
	c.mu.Lock()
	c.sent = append(c.sent, cmd)
	c.mu.Unlock()
	return nil
}

func (c *scriptConn) Kick(string) {}

func (c *scriptConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type scriptFixture struct {
	engine *ScriptEngine
	states *state.Store
	bus    *broker.EventBus
	conn   *scriptConn
}

func newScriptFixture(t *testing.T) *scriptFixture {
	t.Helper()
	logger := slog.Default()
	states := state.NewStore(state.DefaultThresholds(), nil, logger)
	registry := broker.NewRegistry(logger)
	bus := broker.NewEventBus(logger)
	dispatcher := command.New(states, registry, bus, time.Minute, time.Minute, logger)
	dispatcher.Start()
	t.Cleanup(dispatcher.Stop)

	mgr, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	engine := NewScriptEngine(states, dispatcher, bus, mgr, logger)
	engine.Start()
	t.Cleanup(engine.Stop)

	conn := &scriptConn{}
	states.Register("gh-1", "Main", "esp32", "websocket")
	registry.Register("gh-1", conn)
	return &scriptFixture{engine: engine, states: states, bus: bus, conn: conn}
}

func TestRunLuaCodeCapturesLogs(t *testing.T) {
	f := newScriptFixture(t)

	res := f.engine.RunLuaCode(`greenhouse.log("hello from lua")`)
	if !res.OK {
		t.Fatalf("error = %q, want ok", res.Error)
	}
	if len(res.Logs) != 1 || res.Logs[0] != "hello from lua" {
		t.Errorf("logs = %v", res.Logs)
	}
}

func TestRunLuaCodeInvokesHandlersDryRun(t *testing.T) {
	f := newScriptFixture(t)

	res := f.engine.RunLuaCode(`
greenhouse.on("telemetry", {device_id = "gh-1"}, function(event)
	greenhouse.log("saw " .. event.type .. " from " .. event.device_id)
end)
`)
	if !res.OK {
		t.Fatalf("error = %q, want ok", res.Error)
	}
	if len(res.Logs) != 1 || res.Logs[0] != "saw telemetry from gh-1" {
		t.Errorf("logs = %v, want the synthetic handler invocation", res.Logs)
	}
}

func TestRunLuaCodeSyntaxError(t *testing.T) {
	f := newScriptFixture(t)

	res := f.engine.RunLuaCode(`this is not lua`)
	if res.OK || res.Error == "" {
		t.Fatalf("res = %+v, want a parse error", res)
	}
}

func TestRunLuaCodeSandbox(t *testing.T) {
	f := newScriptFixture(t)

	// os, io and friends are removed; touching them must fail, not reach
	// the host.
	for _, code := range []string{
		`os.execute("true")`,
		`io.open("/etc/passwd")`,
		`require("socket")`,
	} {
		res := f.engine.RunLuaCode(code)
		if res.OK {
			t.Errorf("%q ran in the sandbox", code)
		}
	}
}

func TestRunLuaCodeReadsState(t *testing.T) {
	f := newScriptFixture(t)
	temp := 27.5
	f.states.ApplyTelemetry("gh-1", state.Sensors{AirTemperature: &temp}, time.Now())

	res := f.engine.RunLuaCode(`
local t = greenhouse.get_sensor("gh-1", "air_temperature")
greenhouse.log("temp=" .. t)
local fan = greenhouse.get_controller("gh-1", "fan")
greenhouse.log("fan=" .. tostring(fan))
local devs = greenhouse.devices()
greenhouse.log("devices=" .. #devs)
`)
	if !res.OK {
		t.Fatalf("error = %q, want ok", res.Error)
	}
	want := []string{"temp=27.5", "fan=false", "devices=1"}
	if len(res.Logs) != len(want) {
		t.Fatalf("logs = %v, want %v", res.Logs, want)
	}
	for i := range want {
		if res.Logs[i] != want[i] {
			t.Errorf("logs[%d] = %q, want %q", i, res.Logs[i], want[i])
		}
	}
}

func TestScriptReactsToTelemetry(t *testing.T) {
	f := newScriptFixture(t)

	s, err := f.engine.manager.Save(&Script{
		Meta: ScriptMeta{Name: "Hot Fan", Enabled: true},
		LuaCode: `
greenhouse.on("telemetry", {device_id = "gh-1"}, function(event)
	if event.sensors.air_temperature ~= nil and event.sensors.air_temperature > 30 then
		greenhouse.control("gh-1", "control_fan", true)
	end
end)
`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.engine.ReloadScript(s.ID); err != nil {
		t.Fatal(err)
	}

	temp := 32.0
	dev, _ := f.states.ApplyTelemetry("gh-1", state.Sensors{AirTemperature: &temp}, time.Now())
	f.bus.Emit(broker.Event{Type: broker.EventTelemetry, Data: dev})

	// The handler runs on the VM goroutine; wait for the command to reach
	// the device connection.
	deadline := time.Now().Add(2 * time.Second)
	for f.conn.sentCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if f.conn.sentCount() != 1 {
		t.Fatal("script never issued the fan command")
	}

	f.engine.StopScript(s.ID)
}

func TestRunLuaCodeDoesNotDispatch(t *testing.T) {
	f := newScriptFixture(t)
	f.states.SetAutoMode("gh-1", false)

	res := f.engine.RunLuaCode(`
greenhouse.control("gh-1", "control_pump", true)
greenhouse.set_auto_mode("gh-1", true)
`)
	if !res.OK {
		t.Fatalf("error = %q, want ok", res.Error)
	}
	if got := f.conn.sentCount(); got != 0 {
		t.Fatalf("sent = %d commands, a dry run must not reach the device", got)
	}
	want := []string{"gh-1 control_pump = true", "gh-1 set_auto_mode = true"}
	if len(res.Commands) != len(want) {
		t.Fatalf("commands = %v, want %v", res.Commands, want)
	}
	for i := range want {
		if res.Commands[i] != want[i] {
			t.Errorf("commands[%d] = %q, want %q", i, res.Commands[i], want[i])
		}
	}
}

func TestScriptUnknownCommandRejected(t *testing.T) {
	f := newScriptFixture(t)

	res := f.engine.RunLuaCode(`greenhouse.control("gh-1", "open_roof", true)`)
	if res.OK || !strings.Contains(res.Error, "unknown command") {
		t.Fatalf("res = %+v, want unknown command error", res)
	}
}
