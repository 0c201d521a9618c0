package command

import (
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"greenhouse-broker/internal/broker"
	"greenhouse-broker/internal/state"
)

// fakeConn records sent commands and kicks.
type fakeConn struct {
	mu      sync.Mutex
	sent    []broker.ControlCommand
	sendErr error
	kicked  bool
}

func (c *fakeConn) SendCommand(cmd broker.ControlCommand) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, cmd)
	return nil
}

func (c *fakeConn) Kick(reason string) {
	c.mu.Lock()
	c.kicked = true
	c.mu.Unlock()
}

func (c *fakeConn) lastSent() (broker.ControlCommand, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return broker.ControlCommand{}, false
	}
	return c.sent[len(c.sent)-1], true
}

type fixture struct {
	states     *state.Store
	registry   *broker.Registry
	bus        *broker.EventBus
	dispatcher *Dispatcher
	conn       *fakeConn
}

func newFixture(t *testing.T, timeout time.Duration) *fixture {
	t.Helper()
	logger := slog.Default()
	states := state.NewStore(state.DefaultThresholds(), nil, logger)
	registry := broker.NewRegistry(logger)
	bus := broker.NewEventBus(logger)
	d := New(states, registry, bus, timeout, time.Minute, logger)
	d.Start()
	t.Cleanup(d.Stop)

	conn := &fakeConn{}
	states.Register("gh-1", "", "", "websocket")
	registry.Register("gh-1", conn)
	return &fixture{states: states, registry: registry, bus: bus, dispatcher: d, conn: conn}
}

func TestIssueAndAcknowledge(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.states.SetAutoMode("gh-1", false)

	resolved := make(chan Command, 1)
	cmd, err := f.dispatcher.Issue(Request{
		DeviceID:  "gh-1",
		Action:    state.ActionControlPump,
		Value:     true,
		Origin:    OriginOperator,
		OnResolve: func(c Command) { resolved <- c },
	})
	if err != nil {
		t.Fatal(err)
	}
	if cmd.Status != StatusPending {
		t.Errorf("status = %q, want %q", cmd.Status, StatusPending)
	}
	sent, ok := f.conn.lastSent()
	if !ok || sent.CommandID != cmd.ID || sent.Command != state.ActionControlPump {
		t.Fatalf("sent = %+v, want command %d on the wire", sent, cmd.ID)
	}

	f.dispatcher.HandleResult(broker.CommandResult{CommandID: cmd.ID, Success: true})

	select {
	case c := <-resolved:
		if c.Status != StatusAcknowledged {
			t.Errorf("status = %q, want %q", c.Status, StatusAcknowledged)
		}
	case <-time.After(time.Second):
		t.Fatal("OnResolve never fired")
	}

	// State mutates only on the ack, in ack order.
	dev, _ := f.states.Get("gh-1")
	if !dev.Controllers.Pump {
		t.Error("pump should be on after the acknowledgement")
	}
}

func TestIssueRejectsAutoModeConflict(t *testing.T) {
	f := newFixture(t, time.Minute)

	_, err := f.dispatcher.Issue(Request{
		DeviceID: "gh-1",
		Action:   state.ActionControlFan,
		Value:    true,
		Origin:   OriginOperator,
	})
	if !errors.Is(err, ErrModeConflict) {
		t.Fatalf("err = %v, want ErrModeConflict", err)
	}

	// Automation bypasses the mode check.
	if _, err := f.dispatcher.Issue(Request{
		DeviceID: "gh-1",
		Action:   state.ActionControlFan,
		Value:    true,
		Origin:   OriginAutomation,
	}); err != nil {
		t.Fatalf("automation issue: %v", err)
	}

	// So does set_auto_mode itself, from anyone.
	if _, err := f.dispatcher.Issue(Request{
		DeviceID: "gh-1",
		Action:   state.ActionSetAutoMode,
		Value:    false,
		Origin:   OriginOperator,
	}); err != nil {
		t.Fatalf("set_auto_mode issue: %v", err)
	}
}

func TestIssueRejectsOfflineDevice(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.registry.Unregister("gh-1", f.conn)

	_, err := f.dispatcher.Issue(Request{
		DeviceID: "gh-1",
		Action:   state.ActionSetAutoMode,
		Value:    false,
		Origin:   OriginOperator,
	})
	if !errors.Is(err, ErrDeviceOffline) {
		t.Fatalf("err = %v, want ErrDeviceOffline", err)
	}
}

func TestIssueRejectsUnknownDeviceAndBadValue(t *testing.T) {
	f := newFixture(t, time.Minute)

	_, err := f.dispatcher.Issue(Request{
		DeviceID: "ghost",
		Action:   state.ActionSetAutoMode,
		Value:    false,
	})
	if !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("err = %v, want state.ErrNotFound", err)
	}

	_, err = f.dispatcher.Issue(Request{
		DeviceID: "gh-1",
		Action:   state.ActionControlServo,
		Value:    float64(200),
	})
	if !errors.Is(err, state.ErrValidation) {
		t.Fatalf("err = %v, want state.ErrValidation", err)
	}
}

func TestCommandTimeout(t *testing.T) {
	f := newFixture(t, 20*time.Millisecond)
	f.states.SetAutoMode("gh-1", false)

	resolved := make(chan Command, 1)
	cmd, err := f.dispatcher.Issue(Request{
		DeviceID:  "gh-1",
		Action:    state.ActionControlLight,
		Value:     true,
		Origin:    OriginOperator,
		OnResolve: func(c Command) { resolved <- c },
	})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case c := <-resolved:
		if c.Status != StatusTimedOut {
			t.Errorf("status = %q, want %q", c.Status, StatusTimedOut)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout never resolved the command")
	}

	// A timed-out command mutates nothing.
	dev, _ := f.states.Get("gh-1")
	if dev.Controllers.Light {
		t.Error("light changed without an acknowledgement")
	}

	// A late ack after the timeout is discarded.
	f.dispatcher.HandleResult(broker.CommandResult{CommandID: cmd.ID, Success: true})
	dev, _ = f.states.Get("gh-1")
	if dev.Controllers.Light {
		t.Error("late ack applied after timeout")
	}
}

func TestFailedResultMutatesNothing(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.states.SetAutoMode("gh-1", false)

	resolved := make(chan Command, 1)
	cmd, err := f.dispatcher.Issue(Request{
		DeviceID:  "gh-1",
		Action:    state.ActionControlPump,
		Value:     true,
		Origin:    OriginOperator,
		OnResolve: func(c Command) { resolved <- c },
	})
	if err != nil {
		t.Fatal(err)
	}

	f.dispatcher.HandleResult(broker.CommandResult{CommandID: cmd.ID, Success: false, Error: "pump jammed"})

	c := <-resolved
	if c.Status != StatusAcknowledged || c.Error != "pump jammed" {
		t.Errorf("resolved = %+v, want acknowledged with device error", c)
	}
	dev, _ := f.states.Get("gh-1")
	if dev.Controllers.Pump {
		t.Error("failed command mutated controller state")
	}
}

func TestUnknownResultDiscarded(t *testing.T) {
	f := newFixture(t, time.Minute)
	// Must not panic or mutate anything.
	f.dispatcher.HandleResult(broker.CommandResult{CommandID: 999, Success: true})
}

func TestDisconnectDropsPending(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.states.SetAutoMode("gh-1", false)

	resolved := make(chan Command, 1)
	_, err := f.dispatcher.Issue(Request{
		DeviceID:  "gh-1",
		Action:    state.ActionControlFan,
		Value:     true,
		Origin:    OriginOperator,
		OnResolve: func(c Command) { resolved <- c },
	})
	if err != nil {
		t.Fatal(err)
	}
	if n := f.dispatcher.PendingFor("gh-1"); n != 1 {
		t.Fatalf("pending = %d, want 1", n)
	}

	dev, _ := f.states.Get("gh-1")
	f.bus.Emit(broker.Event{Type: broker.EventDeviceDisconnected, Data: dev})

	select {
	case c := <-resolved:
		if c.Status != StatusTimedOut {
			t.Errorf("status = %q, want %q", c.Status, StatusTimedOut)
		}
	case <-time.After(time.Second):
		t.Fatal("disconnect did not resolve the pending command")
	}
	if n := f.dispatcher.PendingFor("gh-1"); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
}

// ackingConn acknowledges every command from inside SendCommand, so the
// result lands before Issue returns.
type ackingConn struct {
	dispatcher *Dispatcher
}

func (c *ackingConn) SendCommand(cmd broker.ControlCommand) error {
	done := make(chan struct{})
	go func() {
		c.dispatcher.HandleResult(broker.CommandResult{CommandID: cmd.CommandID, Success: true})
		close(done)
	}()
	<-done
	return nil
}

func (c *ackingConn) Kick(string) {}

func TestImmediateAckBeatsTimeoutArming(t *testing.T) {
	f := newFixture(t, 20*time.Millisecond)
	f.states.SetAutoMode("gh-1", false)
	f.registry.Register("gh-1", &ackingConn{dispatcher: f.dispatcher})

	cmd, err := f.dispatcher.Issue(Request{
		DeviceID: "gh-1",
		Action:   state.ActionControlPump,
		Value:    true,
		Origin:   OriginOperator,
	})
	if err != nil {
		t.Fatal(err)
	}

	got, ok := f.dispatcher.Get(cmd.ID)
	if !ok || got.Status != StatusAcknowledged {
		t.Fatalf("status = %q, want %q", got.Status, StatusAcknowledged)
	}

	// The timeout window passing must not flip an already-resolved command.
	time.Sleep(60 * time.Millisecond)
	got, ok = f.dispatcher.Get(cmd.ID)
	if !ok || got.Status != StatusAcknowledged {
		t.Errorf("status = %q after timeout window, want %q", got.Status, StatusAcknowledged)
	}
	dev, _ := f.states.Get("gh-1")
	if !dev.Controllers.Pump {
		t.Error("acknowledged command did not apply")
	}
}

func TestAcknowledgeEmitsStatusUpdate(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.states.SetAutoMode("gh-1", false)

	updates := make(chan broker.Event, 1)
	unsub := f.bus.On(broker.EventStatusUpdate, func(evt broker.Event) { updates <- evt })
	defer unsub()

	cmd, err := f.dispatcher.Issue(Request{
		DeviceID: "gh-1",
		Action:   state.ActionControlFan,
		Value:    float64(60),
		Origin:   OriginOperator,
	})
	if err != nil {
		t.Fatal(err)
	}
	f.dispatcher.HandleResult(broker.CommandResult{CommandID: cmd.ID, Success: true})

	select {
	case evt := <-updates:
		su, ok := evt.Data.(broker.StatusUpdate)
		if !ok {
			t.Fatalf("data = %T, want StatusUpdate", evt.Data)
		}
		if !su.Controllers.Fan || su.Controllers.FanSpeed != 60 {
			t.Errorf("fan = %v/%d, want on/60", su.Controllers.Fan, su.Controllers.FanSpeed)
		}
	case <-time.After(time.Second):
		t.Fatal("no status_update after the acknowledgement")
	}
}
