package state

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Persister saves device records as they change. A nil Persister disables
// persistence (used by tests).
type Persister interface {
	SaveDevice(dev *Device) error
}

// entry pairs a device record with its own mutex. All mutations of one
// device are serialized through entry.mu; devices never block each other.
type entry struct {
	mu  sync.Mutex
	dev Device
}

// Store is the authoritative in-memory state for all devices.
type Store struct {
	mu       sync.RWMutex
	devices  map[string]*entry
	defaults Thresholds
	persist  Persister
	logger   *slog.Logger
}

// NewStore creates an empty store. New devices start with the given
// default thresholds.
func NewStore(defaults Thresholds, persist Persister, logger *slog.Logger) *Store {
	return &Store{
		devices:  make(map[string]*entry),
		defaults: defaults,
		persist:  persist,
		logger:   logger.With("component", "state"),
	}
}

// Load seeds the store from persisted records at startup. Every loaded
// device starts disconnected; a reconnect restores its prior state.
func (s *Store) Load(devs []*Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range devs {
		cp := *d
		cp.ConnectionState = ConnDisconnected
		s.devices[cp.DeviceID] = &entry{dev: cp}
	}
}

// Register creates or revives the record for a registering device and marks
// it connected. Returns the fresh snapshot and whether the record was newly
// created. Reconnecting devices resume their prior state.
func (s *Store) Register(id, name, deviceType, transport string) (Device, bool, error) {
	if id == "" {
		return Device{}, false, fmt.Errorf("%w: empty device_id", ErrValidation)
	}

	e, created := s.entryOrCreate(id)
	e.mu.Lock()
	defer e.mu.Unlock()

	if created {
		e.dev.Thresholds = s.defaults
		e.dev.AutoMode = true
		e.dev.RegisteredAt = time.Now()
	}
	if name != "" {
		e.dev.DeviceName = name
	}
	if deviceType != "" {
		e.dev.DeviceType = deviceType
	}
	e.dev.Transport = transport
	e.dev.ConnectionState = ConnRegistered
	e.dev.LastSeen = time.Now()
	s.save(&e.dev)
	return e.dev, created, nil
}

// ApplyTelemetry merges the reported sensor fields into the snapshot.
// Fields absent from the report keep their previous value. Returns the new
// composite snapshot for history append and fan-out.
func (s *Store) ApplyTelemetry(id string, in Sensors, at time.Time) (Device, error) {
	e, err := s.entry(id)
	if err != nil {
		return Device{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.dev.Sensors.Merge(in)
	if at.IsZero() {
		at = time.Now()
	}
	e.dev.LastSeen = at
	s.save(&e.dev)
	return e.dev, nil
}

// ApplyControllerChange mutates exactly one controller field. It is the
// single entry point for both acknowledged manual commands and automation
// decisions.
func (s *Store) ApplyControllerChange(id string, action Action, value any) (Device, error) {
	norm, err := NormalizeValue(action, value)
	if err != nil {
		return Device{}, err
	}

	e, err := s.entry(id)
	if err != nil {
		return Device{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	c := &e.dev.Controllers
	switch action {
	case ActionControlFan:
		switch v := norm.(type) {
		case bool:
			c.Fan = v
			if v {
				c.FanSpeed = 100
			} else {
				c.FanSpeed = 0
			}
		case int:
			c.FanSpeed = v
			c.Fan = v > 0
		}
	case ActionControlPump:
		c.Pump = norm.(bool)
	case ActionControlLight:
		c.Light = norm.(bool)
	case ActionControlServo:
		c.ServoAngle = norm.(int)
	case ActionControlStepper:
		// The stepper value is a 0-100 window opening; the servo tracks it.
		c.StepperPosition = norm.(int)
		c.ServoAngle = int(float64(norm.(int)) * 1.8)
	default:
		return Device{}, fmt.Errorf("%w: %s is not a controller action", ErrValidation, action)
	}
	s.save(&e.dev)
	return e.dev, nil
}

// SetAutoMode toggles the operating mode. Controller values are left as
// they are: automation converges them on its next evaluation, and leaving
// auto mode freezes them until the operator intervenes.
func (s *Store) SetAutoMode(id string, auto bool) (Device, error) {
	e, err := s.entry(id)
	if err != nil {
		return Device{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.dev.AutoMode = auto
	s.save(&e.dev)
	return e.dev, nil
}

// SetThresholds replaces the automation bounds after validating them.
// On a validation failure the previous thresholds are retained.
func (s *Store) SetThresholds(id string, th Thresholds) (Device, error) {
	if err := th.Validate(); err != nil {
		return Device{}, err
	}

	e, err := s.entry(id)
	if err != nil {
		return Device{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.dev.Thresholds = th
	s.save(&e.dev)
	return e.dev, nil
}

// SetConnectionState records connect/disconnect transitions. The record
// survives a disconnect.
func (s *Store) SetConnectionState(id, connState string) (Device, error) {
	e, err := s.entry(id)
	if err != nil {
		return Device{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.dev.ConnectionState = connState
	s.save(&e.dev)
	return e.dev, nil
}

// Get returns a snapshot of one device.
func (s *Store) Get(id string) (Device, error) {
	e, err := s.entry(id)
	if err != nil {
		return Device{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dev, nil
}

// List returns snapshots of all devices, ordered by id.
func (s *Store) List() []Device {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.devices))
	for _, e := range s.devices {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]Device, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.dev)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

func (s *Store) entry(id string) (*entry, error) {
	s.mu.RLock()
	e, ok := s.devices[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("device %s: %w", id, ErrNotFound)
	}
	return e, nil
}

func (s *Store) entryOrCreate(id string) (*entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.devices[id]; ok {
		return e, false
	}
	e := &entry{dev: Device{DeviceID: id}}
	s.devices[id] = e
	return e, true
}

// save persists the record under the entry lock. Persistence failures are
// logged, not propagated: the in-memory state stays authoritative.
func (s *Store) save(dev *Device) {
	if s.persist == nil {
		return
	}
	if err := s.persist.SaveDevice(dev); err != nil {
		s.logger.Error("persist device", "device_id", dev.DeviceID, "err", err)
	}
}
