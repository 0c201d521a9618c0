package broker

import (
	"encoding/json"
	"fmt"
	"time"

	"greenhouse-broker/internal/state"
)

// Wire event names. Devices and viewers exchange JSON envelopes
// {"event": ..., "data": {...}} over their respective transports.
const (
	MsgRegisterDevice   = "register_device"
	MsgRegisterResponse = "register_response"
	MsgDeviceData       = "device_data"
	MsgCameraData       = "camera_data"
	MsgControlCommand   = "control_command"
	MsgCommandResult    = "command_result"
	MsgCommandStatus    = "command_status"
	MsgStatusUpdate     = "status_update"
	MsgError            = "error"

	// Viewer-originated control events.
	MsgControlFan       = "control_fan"
	MsgControlPump      = "control_pump"
	MsgControlLight     = "control_light"
	MsgControlServo     = "control_servo"
	MsgControlStepper   = "control_stepper"
	MsgControlMode      = "control_mode"
	MsgUpdateThresholds = "update_thresholds"
)

// Envelope is the framing shared by all transports.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into an envelope.
func NewEnvelope(event string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", event, err)
	}
	return Envelope{Event: event, Data: raw}, nil
}

// RegisterDevice is the registration handshake sent by a device.
type RegisterDevice struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name,omitempty"`
	DeviceType string `json:"device_type,omitempty"`
	Token      string `json:"token,omitempty"`
}

// RegisterResponse answers the handshake.
type RegisterResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// DeviceData is one telemetry report.
type DeviceData struct {
	DeviceID  string        `json:"device_id"`
	Sensors   state.Sensors `json:"sensors"`
	Timestamp int64         `json:"timestamp,omitempty"` // unix milliseconds
}

// Time returns the report time, falling back to now when the device sent
// no timestamp.
func (d DeviceData) Time() time.Time {
	if d.Timestamp == 0 {
		return time.Now()
	}
	return time.UnixMilli(d.Timestamp)
}

// CameraData carries one base64 camera frame. The broker relays it to
// viewers verbatim without decoding.
type CameraData struct {
	DeviceID  string `json:"device_id"`
	ImageData string `json:"image_data"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// ControlCommand is sent broker → device.
type ControlCommand struct {
	CommandID uint64       `json:"command_id"`
	Command   state.Action `json:"command"`
	Value     any          `json:"value,omitempty"`
}

// CommandResult is the device's acknowledgement.
type CommandResult struct {
	CommandID uint64 `json:"command_id"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// CommandStatus reports a command's terminal state to the issuing viewer.
type CommandStatus struct {
	CommandID uint64       `json:"command_id"`
	DeviceID  string       `json:"device_id"`
	Action    state.Action `json:"action"`
	Status    string       `json:"status"`
	Error     string       `json:"error,omitempty"`
}

// Viewer control payloads.
type (
	ControlSwitch struct {
		DeviceID string `json:"device_id,omitempty"`
		State    bool   `json:"state"`
	}
	ControlServo struct {
		DeviceID string `json:"device_id,omitempty"`
		Angle    int    `json:"angle"`
	}
	ControlStepper struct {
		DeviceID string `json:"device_id,omitempty"`
		Position int    `json:"position"`
	}
	ControlMode struct {
		DeviceID string `json:"device_id,omitempty"`
		AutoMode bool   `json:"auto_mode"`
	}
	UpdateThresholds struct {
		DeviceID string `json:"device_id,omitempty"`
		state.Thresholds
	}
)

// ErrorMessage is surfaced to the requesting viewer only.
type ErrorMessage struct {
	Request string `json:"request"`
	Error   string `json:"error"`
}

// StatusUpdate is the full-snapshot contract pushed to every viewer on any
// device mutation. Devices carries the dashboard's actuator map alongside
// the raw controller struct.
type StatusUpdate struct {
	DeviceID        string            `json:"device_id"`
	DeviceName      string            `json:"device_name,omitempty"`
	ConnectionState string            `json:"connection_state"`
	Sensors         state.Sensors     `json:"sensors"`
	Controllers     state.Controllers `json:"controllers"`
	Devices         map[string]any    `json:"devices"`
	AutoMode        bool              `json:"auto_mode"`
	Thresholds      state.Thresholds  `json:"thresholds"`
	LastSeen        time.Time         `json:"last_seen"`
}

// Snapshot builds the status_update payload for a device snapshot.
func Snapshot(dev state.Device) StatusUpdate {
	return StatusUpdate{
		DeviceID:        dev.DeviceID,
		DeviceName:      dev.DeviceName,
		ConnectionState: dev.ConnectionState,
		Sensors:         dev.Sensors,
		Controllers:     dev.Controllers,
		Devices: map[string]any{
			"fan":     dev.Controllers.Fan,
			"pump":    dev.Controllers.Pump,
			"light":   dev.Controllers.Light,
			"stepper": dev.Controllers.StepperPosition,
		},
		AutoMode:   dev.AutoMode,
		Thresholds: dev.Thresholds,
		LastSeen:   dev.LastSeen,
	}
}
