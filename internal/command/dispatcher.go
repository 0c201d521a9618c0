// Package command routes operator and automation intents to devices and
// reconciles the asynchronous acknowledgements.
package command

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"greenhouse-broker/internal/broker"
	"greenhouse-broker/internal/state"
)

// Origin identifies who requested a command.
type Origin string

const (
	OriginOperator   Origin = "operator"
	OriginAutomation Origin = "automation"
)

// Command statuses.
const (
	StatusPending      = "pending"
	StatusAcknowledged = "acknowledged"
	StatusTimedOut     = "timed_out"
)

// DefaultTimeout is double the device reporting cadence.
const DefaultTimeout = 8 * time.Second

// DefaultRetention keeps terminal commands around briefly for audit.
const DefaultRetention = 30 * time.Second

// Command is one tracked control command.
type Command struct {
	ID       uint64       `json:"command_id"`
	DeviceID string       `json:"device_id"`
	Action   state.Action `json:"action"`
	Value    any          `json:"value,omitempty"`
	Origin   Origin       `json:"origin"`
	Status   string       `json:"status"`
	Error    string       `json:"error,omitempty"`
	IssuedAt time.Time    `json:"issued_at"`
}

// Request describes a command to issue. OnResolve, if set, is invoked
// exactly once when the command reaches a terminal status; it runs on a
// dispatcher goroutine and must not block.
type Request struct {
	DeviceID  string
	Action    state.Action
	Value     any
	Origin    Origin
	OnResolve func(Command)
}

type tracked struct {
	cmd       Command
	timer     *time.Timer
	onResolve func(Command)
}

// Dispatcher issues commands, tracks the outstanding ones, and correlates
// acknowledgements. Waiting for an ack never blocks the caller: Issue
// returns a pending handle and resolution happens asynchronously.
type Dispatcher struct {
	states   *state.Store
	registry *broker.Registry
	bus      *broker.EventBus
	logger   *slog.Logger

	timeout   time.Duration
	retention time.Duration

	mu       sync.Mutex
	commands map[uint64]*tracked
	nextID   atomic.Uint64
	unsub    func()
}

// New creates a dispatcher. Zero durations fall back to the defaults.
func New(states *state.Store, reg *broker.Registry, bus *broker.EventBus, timeout, retention time.Duration, logger *slog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Dispatcher{
		states:    states,
		registry:  reg,
		bus:       bus,
		logger:    logger.With("component", "dispatcher"),
		timeout:   timeout,
		retention: retention,
		commands:  make(map[uint64]*tracked),
	}
}

// Start subscribes to disconnect events so a device going away times out
// its pending commands immediately.
func (d *Dispatcher) Start() {
	d.unsub = d.bus.On(broker.EventDeviceDisconnected, func(evt broker.Event) {
		if dev, ok := evt.Data.(state.Device); ok {
			d.DropDevice(dev.DeviceID)
		}
	})
}

// Stop unsubscribes and cancels all outstanding timers.
func (d *Dispatcher) Stop() {
	if d.unsub != nil {
		d.unsub()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, t := range d.commands {
		if t.timer != nil {
			t.timer.Stop()
		}
		delete(d.commands, id)
	}
}

// Issue validates and sends a command, returning the pending handle.
// Rejections: unknown action or bad value (state.ErrValidation), unknown
// device (state.ErrNotFound), ErrDeviceOffline, and ErrModeConflict for
// operator controller commands while auto mode is active. Automation
// bypasses the mode check by definition.
func (d *Dispatcher) Issue(req Request) (Command, error) {
	value, err := state.NormalizeValue(req.Action, req.Value)
	if err != nil {
		return Command{}, err
	}

	dev, err := d.states.Get(req.DeviceID)
	if err != nil {
		return Command{}, err
	}
	if !d.registry.IsOnline(req.DeviceID) {
		return Command{}, fmt.Errorf("device %s: %w", req.DeviceID, ErrDeviceOffline)
	}
	if req.Origin == OriginOperator && req.Action.Controller() && dev.AutoMode {
		return Command{}, fmt.Errorf("device %s: %w", req.DeviceID, ErrModeConflict)
	}

	id := d.nextID.Add(1)
	cmd := Command{
		ID:       id,
		DeviceID: req.DeviceID,
		Action:   req.Action,
		Value:    value,
		Origin:   req.Origin,
		Status:   StatusPending,
		IssuedAt: time.Now(),
	}

	// Track before sending so an ack cannot race the bookkeeping.
	t := &tracked{cmd: cmd, onResolve: req.OnResolve}
	d.mu.Lock()
	d.commands[id] = t
	d.mu.Unlock()

	err = d.registry.SendCommand(req.DeviceID, broker.ControlCommand{
		CommandID: id,
		Command:   req.Action,
		Value:     value,
	})
	if err != nil {
		d.mu.Lock()
		delete(d.commands, id)
		d.mu.Unlock()
		return Command{}, fmt.Errorf("device %s: %w", req.DeviceID, ErrDeviceOffline)
	}

	// Re-check under the lock: the ack may have landed between the send
	// and here, in which case there is nothing left to time out.
	d.mu.Lock()
	if t.cmd.Status == StatusPending {
		t.timer = time.AfterFunc(d.timeout, func() { d.timeoutCommand(id) })
	}
	d.mu.Unlock()

	d.logger.Debug("command issued",
		"command_id", id, "device_id", req.DeviceID,
		"action", req.Action, "origin", req.Origin)
	return cmd, nil
}

// HandleResult correlates a device acknowledgement. A result for an
// unknown or already-resolved command id is logged and discarded: races
// between timeout and a late ack are expected and must not propagate.
func (d *Dispatcher) HandleResult(res broker.CommandResult) {
	d.mu.Lock()
	t, ok := d.commands[res.CommandID]
	if !ok || t.cmd.Status != StatusPending {
		d.mu.Unlock()
		d.logger.Debug("discarding result for unknown or resolved command", "command_id", res.CommandID)
		return
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.cmd.Status = StatusAcknowledged
	if !res.Success {
		t.cmd.Error = res.Error
	}
	cmd := t.cmd
	d.mu.Unlock()

	// Apply in ack order, state lock never held across I/O. A failed
	// command mutates nothing.
	if res.Success {
		d.apply(cmd)
	} else {
		d.logger.Warn("command failed on device",
			"command_id", cmd.ID, "device_id", cmd.DeviceID, "err", res.Error)
	}
	d.resolve(t, cmd)
}

// Get returns a tracked command by id while it is retained.
func (d *Dispatcher) Get(id uint64) (Command, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.commands[id]
	if !ok {
		return Command{}, false
	}
	return t.cmd, true
}

// PendingFor counts a device's outstanding commands.
func (d *Dispatcher) PendingFor(deviceID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, t := range d.commands {
		if t.cmd.DeviceID == deviceID && t.cmd.Status == StatusPending {
			n++
		}
	}
	return n
}

// DropDevice forces every pending command for the device to timed_out.
// Called when the device's connection goes away.
func (d *Dispatcher) DropDevice(deviceID string) {
	d.mu.Lock()
	var dropped []*tracked
	for _, t := range d.commands {
		if t.cmd.DeviceID == deviceID && t.cmd.Status == StatusPending {
			if t.timer != nil {
				t.timer.Stop()
			}
			t.cmd.Status = StatusTimedOut
			t.cmd.Error = ErrTimeout.Error()
			dropped = append(dropped, t)
		}
	}
	d.mu.Unlock()

	for _, t := range dropped {
		d.resolve(t, t.cmd)
	}
}

func (d *Dispatcher) timeoutCommand(id uint64) {
	d.mu.Lock()
	t, ok := d.commands[id]
	if !ok || t.cmd.Status != StatusPending {
		d.mu.Unlock()
		return
	}
	t.cmd.Status = StatusTimedOut
	t.cmd.Error = ErrTimeout.Error()
	cmd := t.cmd
	d.mu.Unlock()

	d.logger.Warn("command timed out",
		"command_id", cmd.ID, "device_id", cmd.DeviceID, "action", cmd.Action)
	d.resolve(t, cmd)
}

// apply performs the controller mutation for an acknowledged command and
// broadcasts the new snapshot.
func (d *Dispatcher) apply(cmd Command) {
	var (
		dev state.Device
		err error
	)
	if cmd.Action == state.ActionSetAutoMode {
		dev, err = d.states.SetAutoMode(cmd.DeviceID, cmd.Value.(bool))
	} else {
		dev, err = d.states.ApplyControllerChange(cmd.DeviceID, cmd.Action, cmd.Value)
	}
	if err != nil {
		d.logger.Error("apply acknowledged command",
			"command_id", cmd.ID, "device_id", cmd.DeviceID, "err", err)
		return
	}
	d.bus.Emit(broker.Event{Type: broker.EventStatusUpdate, Data: broker.Snapshot(dev)})
}

// resolve notifies the originator, emits the resolution event, and
// schedules garbage collection after the retention window.
func (d *Dispatcher) resolve(t *tracked, cmd Command) {
	if t.onResolve != nil {
		t.onResolve(cmd)
	}
	d.bus.Emit(broker.Event{Type: broker.EventCommandResolved, Data: cmd})

	time.AfterFunc(d.retention, func() {
		d.mu.Lock()
		delete(d.commands, cmd.ID)
		d.mu.Unlock()
	})
}
