package state

import "errors"

// ErrNotFound is returned when a device id has no record.
var ErrNotFound = errors.New("device not found")

// ErrValidation is returned for malformed thresholds, command values out of
// range, or an empty device id. The prior state is always left untouched.
var ErrValidation = errors.New("validation failed")
