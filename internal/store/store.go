// Package store persists device state and telemetry history across
// restarts.
package store

import (
	"errors"

	"greenhouse-broker/internal/history"
	"greenhouse-broker/internal/state"
)

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Device operations
	SaveDevice(dev *state.Device) error
	GetDevice(deviceID string) (*state.Device, error)
	DeleteDevice(deviceID string) error
	ListDevices() ([]*state.Device, error)

	// Telemetry history, one series per device
	SaveHistory(deviceID string, points []history.Point) error
	LoadHistory() (map[string][]history.Point, error)
	DeleteHistory(deviceID string) error

	// Close the store
	Close() error
}
