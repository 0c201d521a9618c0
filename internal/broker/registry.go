package broker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrRegistration covers handshake failures: an empty id or a bad token.
// A duplicate id is not an error; the newer connection supersedes.
var ErrRegistration = errors.New("registration failed")

// ErrNotConnected is returned when sending to a device with no live
// connection.
var ErrNotConnected = errors.New("device not connected")

// DeviceConn is one live device session, regardless of transport.
type DeviceConn interface {
	// SendCommand delivers a control command. It must not block on the
	// network; slow connections buffer or fail.
	SendCommand(cmd ControlCommand) error
	// Kick closes the connection with a reason, used when a reconnecting
	// device supersedes a stale session.
	Kick(reason string)
}

// Registry tracks the live device connections keyed by device id. Viewer
// sessions are tracked separately by the web hub; only devices need the
// id → connection route for command delivery.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]DeviceConn
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		conns:  make(map[string]DeviceConn),
		logger: logger.With("component", "registry"),
	}
}

// Register makes conn the authoritative connection for the device. If the
// id is already bound to a different live connection, that stale session is
// kicked: a device that reconnected without a clean disconnect must win.
func (r *Registry) Register(deviceID string, conn DeviceConn) {
	r.mu.Lock()
	prev := r.conns[deviceID]
	r.conns[deviceID] = conn
	r.mu.Unlock()

	if prev != nil && prev != conn {
		r.logger.Warn("superseding stale connection", "device_id", deviceID)
		prev.Kick("superseded by new connection")
	}
}

// Unregister removes conn if it is still the current connection for the
// device. Returns true when the device actually went offline; false means
// a newer connection already took over.
func (r *Registry) Unregister(deviceID string, conn DeviceConn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[deviceID] != conn {
		return false
	}
	delete(r.conns, deviceID)
	return true
}

// IsOnline reports whether the device has a live connection.
func (r *Registry) IsOnline(deviceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[deviceID] != nil
}

// SendCommand routes a control command to the device's live connection.
func (r *Registry) SendCommand(deviceID string, cmd ControlCommand) error {
	r.mu.RLock()
	conn := r.conns[deviceID]
	r.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("device %s: %w", deviceID, ErrNotConnected)
	}
	return conn.SendCommand(cmd)
}
