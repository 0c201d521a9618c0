package automation

import (
	"log/slog"
	"testing"
	"time"

	"greenhouse-broker/internal/broker"
	"greenhouse-broker/internal/command"
	"greenhouse-broker/internal/state"
)

type engineFixture struct {
	engine     *Engine
	states     *state.Store
	dispatcher *command.Dispatcher
	bus        *broker.EventBus
	conn       *scriptConn
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	logger := slog.Default()
	states := state.NewStore(state.DefaultThresholds(), nil, logger)
	registry := broker.NewRegistry(logger)
	bus := broker.NewEventBus(logger)
	dispatcher := command.New(states, registry, bus, time.Minute, time.Minute, logger)
	dispatcher.Start()
	t.Cleanup(dispatcher.Stop)

	engine := NewEngine(dispatcher, bus, nil, logger)
	engine.Start()
	t.Cleanup(engine.Stop)

	conn := &scriptConn{}
	states.Register("gh-1", "", "", "websocket")
	registry.Register("gh-1", conn)
	return &engineFixture{engine: engine, states: states, dispatcher: dispatcher, bus: bus, conn: conn}
}

func (f *engineFixture) emitTelemetry(t *testing.T, sensors state.Sensors) {
	t.Helper()
	dev, err := f.states.ApplyTelemetry("gh-1", sensors, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	f.bus.Emit(broker.Event{Type: broker.EventTelemetry, Data: dev})
}

func TestEngineIssuesFanOnHotTelemetry(t *testing.T) {
	f := newEngineFixture(t)

	f.emitTelemetry(t, state.Sensors{AirTemperature: fptr(31)})

	if got := f.conn.sentCount(); got != 1 {
		t.Fatalf("sent = %d commands, want the fan command", got)
	}
	f.conn.mu.Lock()
	cmd := f.conn.sent[0]
	f.conn.mu.Unlock()
	if cmd.Command != state.ActionControlFan || cmd.Value != true {
		t.Errorf("cmd = %+v, want fan on", cmd)
	}
}

func TestEngineSkipsManualMode(t *testing.T) {
	f := newEngineFixture(t)
	f.states.SetAutoMode("gh-1", false)

	f.emitTelemetry(t, state.Sensors{AirTemperature: fptr(31)})

	if got := f.conn.sentCount(); got != 0 {
		t.Errorf("sent = %d commands, manual mode must be left alone", got)
	}
}

func TestEngineConvergesWithoutAck(t *testing.T) {
	f := newEngineFixture(t)

	// Unacked command: controllers unchanged, so the next sample reissues.
	f.emitTelemetry(t, state.Sensors{AirTemperature: fptr(31)})
	f.emitTelemetry(t, state.Sensors{AirTemperature: fptr(31)})
	if got := f.conn.sentCount(); got != 2 {
		t.Fatalf("sent = %d commands, want a reissue per sample", got)
	}

	// Acked command: state now matches, further samples are quiet.
	f.conn.mu.Lock()
	id := f.conn.sent[1].CommandID
	f.conn.mu.Unlock()
	f.dispatcher.HandleResult(broker.CommandResult{CommandID: id, Success: true})

	f.emitTelemetry(t, state.Sensors{AirTemperature: fptr(31)})
	if got := f.conn.sentCount(); got != 2 {
		t.Errorf("sent = %d commands, want no reissue once the fan is on", got)
	}
}
