package state

import "fmt"

// Action identifies a control operation on a device.
type Action string

const (
	ActionSetAutoMode    Action = "set_auto_mode"
	ActionControlFan     Action = "control_fan"
	ActionControlPump    Action = "control_pump"
	ActionControlLight   Action = "control_light"
	ActionControlServo   Action = "control_servo"
	ActionControlStepper Action = "control_stepper"
)

// Controller reports whether the action mutates an actuator, as opposed to
// the operating mode. Manual controller actions are rejected while a device
// is in automatic mode; set_auto_mode itself is always accepted.
func (a Action) Controller() bool {
	switch a {
	case ActionControlFan, ActionControlPump, ActionControlLight,
		ActionControlServo, ActionControlStepper:
		return true
	}
	return false
}

// Known reports whether the action is part of the command vocabulary.
func (a Action) Known() bool {
	return a == ActionSetAutoMode || a.Controller()
}

// NormalizeValue coerces a command value (possibly JSON-decoded, so numbers
// arrive as float64) into the canonical type for the action and range-checks
// it. The fan accepts either a bool or a 0-100 speed percentage.
func NormalizeValue(a Action, v any) (any, error) {
	switch a {
	case ActionSetAutoMode, ActionControlPump, ActionControlLight:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: %s needs a bool value, got %T", ErrValidation, a, v)
		}
		return b, nil
	case ActionControlFan:
		if b, ok := v.(bool); ok {
			return b, nil
		}
		n, ok := toInt(v)
		if !ok {
			return nil, fmt.Errorf("%w: %s needs a bool or 0-100 speed, got %T", ErrValidation, a, v)
		}
		if n < 0 || n > 100 {
			return nil, fmt.Errorf("%w: fan speed %d outside 0-100", ErrValidation, n)
		}
		return n, nil
	case ActionControlServo:
		n, ok := toInt(v)
		if !ok {
			return nil, fmt.Errorf("%w: %s needs an angle, got %T", ErrValidation, a, v)
		}
		if n < 0 || n > 180 {
			return nil, fmt.Errorf("%w: servo angle %d outside 0-180", ErrValidation, n)
		}
		return n, nil
	case ActionControlStepper:
		n, ok := toInt(v)
		if !ok {
			return nil, fmt.Errorf("%w: %s needs a position, got %T", ErrValidation, a, v)
		}
		if n < 0 || n > 100 {
			return nil, fmt.Errorf("%w: stepper position %d outside 0-100", ErrValidation, n)
		}
		return n, nil
	}
	return nil, fmt.Errorf("%w: unknown action %q", ErrValidation, a)
}

// toInt converts common numeric types, including JSON-decoded float64.
func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case float32:
		return int(n), true
	default:
		return 0, false
	}
}
