package command

import "errors"

var (
	// ErrDeviceOffline rejects a command for a device with no live
	// connection.
	ErrDeviceOffline = errors.New("device offline")

	// ErrModeConflict rejects a manual controller command while the device
	// is in automatic mode. Only set_auto_mode is always accepted.
	ErrModeConflict = errors.New("device is in automatic mode")

	// ErrTimeout marks a command that received no acknowledgement within
	// the timeout window.
	ErrTimeout = errors.New("command timed out")
)
