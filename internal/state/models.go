package state

import (
	"fmt"
	"time"
)

// Connection states for a device record.
const (
	ConnRegistered   = "registered"
	ConnDisconnected = "disconnected"
)

// Sensors is one telemetry snapshot. Fields are pointers because a device
// may report any subset of them; absent fields must not overwrite known
// readings with zeros.
type Sensors struct {
	AirTemperature  *float64 `json:"air_temperature,omitempty"`
	AirHumidity     *float64 `json:"air_humidity,omitempty"`
	SoilMoisture    *float64 `json:"soil_moisture,omitempty"`
	SoilTemperature *float64 `json:"soil_temperature,omitempty"`
	LightIntensity  *float64 `json:"light_intensity,omitempty"`
}

// Merge overwrites fields of s with the non-nil fields of in.
func (s *Sensors) Merge(in Sensors) {
	if in.AirTemperature != nil {
		s.AirTemperature = in.AirTemperature
	}
	if in.AirHumidity != nil {
		s.AirHumidity = in.AirHumidity
	}
	if in.SoilMoisture != nil {
		s.SoilMoisture = in.SoilMoisture
	}
	if in.SoilTemperature != nil {
		s.SoilTemperature = in.SoilTemperature
	}
	if in.LightIntensity != nil {
		s.LightIntensity = in.LightIntensity
	}
}

// Controllers holds the actuator state of a device.
// FanSpeed is a 0-100 percentage; Fan is true whenever FanSpeed > 0 or the
// fan was switched on directly.
type Controllers struct {
	Fan             bool `json:"fan"`
	FanSpeed        int  `json:"fan_speed"`
	Pump            bool `json:"pump"`
	Light           bool `json:"light"`
	ServoAngle      int  `json:"servo_angle"`
	StepperPosition int  `json:"stepper_position"`
}

// Thresholds are the automation bounds for each sensor dimension.
type Thresholds struct {
	TempMin         float64 `json:"temp_min" yaml:"temp_min"`
	TempMax         float64 `json:"temp_max" yaml:"temp_max"`
	HumidityMin     float64 `json:"humidity_min" yaml:"humidity_min"`
	HumidityMax     float64 `json:"humidity_max" yaml:"humidity_max"`
	SoilMoistureMin float64 `json:"soil_moisture_min" yaml:"soil_moisture_min"`
	SoilMoistureMax float64 `json:"soil_moisture_max" yaml:"soil_moisture_max"`
	LightMin        float64 `json:"light_min" yaml:"light_min"`
	LightMax        float64 `json:"light_max" yaml:"light_max"`
}

// Validate checks min <= max on every dimension.
func (t Thresholds) Validate() error {
	pairs := []struct {
		name     string
		min, max float64
	}{
		{"temp", t.TempMin, t.TempMax},
		{"humidity", t.HumidityMin, t.HumidityMax},
		{"soil_moisture", t.SoilMoistureMin, t.SoilMoistureMax},
		{"light", t.LightMin, t.LightMax},
	}
	for _, p := range pairs {
		if p.min > p.max {
			return fmt.Errorf("%w: %s_min %.1f exceeds %s_max %.1f",
				ErrValidation, p.name, p.min, p.name, p.max)
		}
	}
	return nil
}

// DefaultThresholds returns the stock bounds applied to a device that has
// never had thresholds configured.
func DefaultThresholds() Thresholds {
	return Thresholds{
		TempMin:         25.0,
		TempMax:         28.0,
		HumidityMin:     40.0,
		HumidityMax:     70.0,
		SoilMoistureMin: 30.0,
		SoilMoistureMax: 70.0,
		LightMin:        2000,
		LightMax:        8000,
	}
}

// Device is the authoritative record for one greenhouse node.
type Device struct {
	DeviceID        string      `json:"device_id"`
	DeviceName      string      `json:"device_name,omitempty"`
	DeviceType      string      `json:"device_type,omitempty"`
	Sensors         Sensors     `json:"sensors"`
	Controllers     Controllers `json:"controllers"`
	AutoMode        bool        `json:"auto_mode"`
	Thresholds      Thresholds  `json:"thresholds"`
	RegisteredAt    time.Time   `json:"registered_at"`
	LastSeen        time.Time   `json:"last_seen"`
	ConnectionState string      `json:"connection_state"`
	Transport       string      `json:"transport,omitempty"`
}

// Online reports whether the device has a live connection.
func (d *Device) Online() bool {
	return d.ConnectionState == ConnRegistered
}
