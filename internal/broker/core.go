package broker

import (
	"fmt"
	"log/slog"

	"greenhouse-broker/internal/history"
	"greenhouse-broker/internal/state"
)

// Core is the shared ingest path for every device transport (websocket,
// MQTT, serial). It owns no connections itself; transports register their
// sessions with the Registry and push inbound messages through Core.
type Core struct {
	states   *state.Store
	history  *history.Log
	registry *Registry
	bus      *EventBus
	token    string // optional shared device auth token
	logger   *slog.Logger
}

// NewCore wires the ingest path.
func NewCore(states *state.Store, hist *history.Log, reg *Registry, bus *EventBus, token string, logger *slog.Logger) *Core {
	return &Core{
		states:   states,
		history:  hist,
		registry: reg,
		bus:      bus,
		token:    token,
		logger:   logger.With("component", "core"),
	}
}

// Registry returns the device connection registry.
func (c *Core) Registry() *Registry { return c.registry }

// Bus returns the event bus.
func (c *Core) Bus() *EventBus { return c.bus }

// States returns the device state store.
func (c *Core) States() *state.Store { return c.states }

// History returns the telemetry history log.
func (c *Core) History() *history.Log { return c.history }

// RegisterDevice validates the handshake, binds the connection as the
// authoritative session for the device id, and broadcasts the revived
// snapshot. A stale session for the same id is kicked.
func (c *Core) RegisterDevice(reg RegisterDevice, transport string, conn DeviceConn) (state.Device, error) {
	if reg.DeviceID == "" {
		return state.Device{}, fmt.Errorf("%w: empty device_id", ErrRegistration)
	}
	if c.token != "" && reg.Token != c.token {
		return state.Device{}, fmt.Errorf("%w: bad token", ErrRegistration)
	}

	dev, created, err := c.states.Register(reg.DeviceID, reg.DeviceName, reg.DeviceType, transport)
	if err != nil {
		return state.Device{}, fmt.Errorf("%w: %v", ErrRegistration, err)
	}
	c.registry.Register(reg.DeviceID, conn)

	c.logger.Info("device registered",
		"device_id", reg.DeviceID, "name", reg.DeviceName,
		"transport", transport, "new", created)

	c.bus.Emit(Event{Type: EventDeviceRegistered, Data: dev})
	c.BroadcastStatus(dev)
	return dev, nil
}

// HandleTelemetry merges a telemetry report into the device state, appends
// a history point, and fans the new snapshot out. The telemetry event also
// drives the automation engine.
func (c *Core) HandleTelemetry(data DeviceData) error {
	dev, err := c.states.ApplyTelemetry(data.DeviceID, data.Sensors, data.Time())
	if err != nil {
		return err
	}
	c.history.Append(data.DeviceID, history.Point{
		Timestamp: dev.LastSeen,
		Sensors:   dev.Sensors,
	})

	c.bus.Emit(Event{Type: EventTelemetry, Data: dev})
	c.BroadcastStatus(dev)
	return nil
}

// HandleCamera relays a camera frame to viewers without decoding it.
func (c *Core) HandleCamera(data CameraData) {
	c.bus.Emit(Event{Type: EventCameraData, Data: data})
}

// DeviceGone handles a connection close. The record survives; only the
// connection state flips, and the disconnect event lets the dispatcher
// time out the device's pending commands.
func (c *Core) DeviceGone(deviceID string, conn DeviceConn) {
	if !c.registry.Unregister(deviceID, conn) {
		// A newer connection superseded this one; nothing to do.
		return
	}
	dev, err := c.states.SetConnectionState(deviceID, state.ConnDisconnected)
	if err != nil {
		c.logger.Error("mark disconnected", "device_id", deviceID, "err", err)
		return
	}
	c.logger.Info("device disconnected", "device_id", deviceID)
	c.bus.Emit(Event{Type: EventDeviceDisconnected, Data: dev})
	c.BroadcastStatus(dev)
}

// BroadcastStatus emits the full-snapshot status_update for fan-out.
func (c *Core) BroadcastStatus(dev state.Device) {
	c.bus.Emit(Event{Type: EventStatusUpdate, Data: Snapshot(dev)})
}
