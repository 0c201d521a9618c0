// Package automation evaluates threshold rules against telemetry and
// drives actuators the same way a manual operator would.
package automation

import (
	"fmt"

	"greenhouse-broker/internal/state"
)

// Rule binds one sensor dimension to one actuator. A low-side rule turns
// the actuator on when the reading drops below the dimension's minimum and
// off when it rises above the maximum (pump, grow light). A high-side rule
// turns it on above the maximum and off once the reading is back within
// range (fan).
type Rule struct {
	Sensor   string       `yaml:"sensor"`
	Actuator state.Action `yaml:"actuator"`
	LowSide  bool         `yaml:"low_side"`
}

// DefaultRules is the stock actuator-per-sensor mapping. The assignment is
// deliberately configurable: deployments disagree on which actuator serves
// which dimension.
func DefaultRules() []Rule {
	return []Rule{
		{Sensor: "air_temperature", Actuator: state.ActionControlFan},
		{Sensor: "air_humidity", Actuator: state.ActionControlFan},
		{Sensor: "soil_moisture", Actuator: state.ActionControlPump, LowSide: true},
		{Sensor: "light_intensity", Actuator: state.ActionControlLight, LowSide: true},
	}
}

// ValidateRules checks that every rule references a known sensor dimension
// with configured thresholds and a switchable actuator.
func ValidateRules(rules []Rule) error {
	for _, r := range rules {
		switch r.Sensor {
		case "air_temperature", "air_humidity", "soil_moisture", "light_intensity":
		default:
			return fmt.Errorf("rule sensor %q has no threshold pair", r.Sensor)
		}
		switch r.Actuator {
		case state.ActionControlFan, state.ActionControlPump, state.ActionControlLight:
		default:
			return fmt.Errorf("rule actuator %q is not a switchable controller", r.Actuator)
		}
	}
	return nil
}

// Decision is one control action the engine wants issued.
type Decision struct {
	Action state.Action
	Value  bool
}

// bounds returns the threshold pair for a sensor dimension.
func bounds(th state.Thresholds, sensor string) (min, max float64, ok bool) {
	switch sensor {
	case "air_temperature":
		return th.TempMin, th.TempMax, true
	case "air_humidity":
		return th.HumidityMin, th.HumidityMax, true
	case "soil_moisture":
		return th.SoilMoistureMin, th.SoilMoistureMax, true
	case "light_intensity":
		return th.LightMin, th.LightMax, true
	}
	return 0, 0, false
}

// reading returns the current value for a sensor dimension, if reported.
func reading(s state.Sensors, sensor string) (float64, bool) {
	var v *float64
	switch sensor {
	case "air_temperature":
		v = s.AirTemperature
	case "air_humidity":
		v = s.AirHumidity
	case "soil_moisture":
		v = s.SoilMoisture
	case "light_intensity":
		v = s.LightIntensity
	}
	if v == nil {
		return 0, false
	}
	return *v, true
}

// actuatorOn returns the current state of a switchable actuator.
func actuatorOn(c state.Controllers, a state.Action) bool {
	switch a {
	case state.ActionControlFan:
		return c.Fan
	case state.ActionControlPump:
		return c.Pump
	case state.ActionControlLight:
		return c.Light
	}
	return false
}

// Evaluate is a pure function of (sensors, thresholds, controllers): given
// the same snapshot it always yields the same decisions, and it yields none
// for an actuator already in the desired state. When several rules share an
// actuator, any rule wanting it on wins over rules wanting it off.
func Evaluate(dev state.Device, rules []Rule) []Decision {
	// Tri-state vote per actuator: +1 on, -1 off, 0 hold.
	votes := make(map[state.Action]int)
	order := make([]state.Action, 0, len(rules))

	for _, r := range rules {
		if _, seen := votes[r.Actuator]; !seen {
			votes[r.Actuator] = 0
			order = append(order, r.Actuator)
		}

		v, ok := reading(dev.Sensors, r.Sensor)
		if !ok {
			continue
		}
		min, max, ok := bounds(dev.Thresholds, r.Sensor)
		if !ok {
			continue
		}

		var vote int
		if r.LowSide {
			switch {
			case v < min:
				vote = 1
			case v > max:
				vote = -1
			}
		} else {
			if v > max {
				vote = 1
			} else {
				vote = -1 // back within range switches the actuator off
			}
		}

		if vote == 1 {
			votes[r.Actuator] = 1
		} else if vote == -1 && votes[r.Actuator] == 0 {
			votes[r.Actuator] = -1
		}
	}

	var decisions []Decision
	for _, a := range order {
		want := votes[a]
		if want == 0 {
			continue
		}
		on := want == 1
		if actuatorOn(dev.Controllers, a) == on {
			continue // idempotent: already in the target state
		}
		decisions = append(decisions, Decision{Action: a, Value: on})
	}
	return decisions
}
