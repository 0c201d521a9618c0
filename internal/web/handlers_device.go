package web

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"greenhouse-broker/internal/broker"
)

const (
	deviceReadLimit   = 1 << 20 // camera frames are base64 JPEG
	registerDeadline  = 10 * time.Second
	deviceWriteWindow = 10 * time.Second
)

// deviceConn adapts a device WebSocket to broker.DeviceConn. Writes go
// through a buffered channel drained by a single write pump.
type deviceConn struct {
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newDeviceConn(conn *websocket.Conn) *deviceConn {
	return &deviceConn{
		conn:   conn,
		send:   make(chan []byte, 32),
		closed: make(chan struct{}),
	}
}

// SendCommand queues a control_command envelope for the device.
func (dc *deviceConn) SendCommand(cmd broker.ControlCommand) error {
	env, err := broker.NewEnvelope(broker.MsgControlCommand, cmd)
	if err != nil {
		return err
	}
	return dc.sendEnvelope(env)
}

// Kick closes the connection; used when a reconnect supersedes it.
func (dc *deviceConn) Kick(reason string) {
	dc.closeOnce.Do(func() {
		close(dc.closed)
		dc.conn.Close(websocket.StatusPolicyViolation, reason)
	})
}

func (dc *deviceConn) sendEnvelope(env broker.Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	select {
	case dc.send <- raw:
		return nil
	case <-dc.closed:
		return broker.ErrNotConnected
	default:
		return broker.ErrNotConnected
	}
}

func (dc *deviceConn) writePump() {
	for {
		select {
		case <-dc.closed:
			return
		case msg := <-dc.send:
			ctx, cancel := context.WithTimeout(context.Background(), deviceWriteWindow)
			err := dc.conn.Write(ctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) handleDeviceWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{
		// Devices are not browsers; they send no Origin header.
		InsecureSkipVerify: true,
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("device accept", "err", err)
		return
	}

	conn.SetReadLimit(deviceReadLimit)

	dc := newDeviceConn(conn)
	go dc.writePump()

	// The first message must be register_device, within the grace window.
	regCtx, cancel := context.WithTimeout(context.Background(), registerDeadline)
	_, data, err := conn.Read(regCtx)
	cancel()
	if err != nil {
		conn.Close(websocket.StatusPolicyViolation, "registration timeout")
		return
	}

	var env broker.Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Event != broker.MsgRegisterDevice {
		s.rejectDevice(dc, "expected register_device")
		return
	}

	var reg broker.RegisterDevice
	if err := json.Unmarshal(env.Data, &reg); err != nil {
		s.rejectDevice(dc, "invalid register_device payload")
		return
	}

	dev, err := s.core.RegisterDevice(reg, "websocket", dc)
	if err != nil {
		s.rejectDevice(dc, err.Error())
		return
	}

	if resp, err := broker.NewEnvelope(broker.MsgRegisterResponse, broker.RegisterResponse{Success: true}); err == nil {
		dc.sendEnvelope(resp)
	}

	s.deviceReadLoop(dc, dev.DeviceID)
}

// rejectDevice answers a failed handshake and closes the socket.
func (s *Server) rejectDevice(dc *deviceConn, reason string) {
	if resp, err := broker.NewEnvelope(broker.MsgRegisterResponse, broker.RegisterResponse{
		Success: false,
		Error:   reason,
	}); err == nil {
		dc.sendEnvelope(resp)
	}
	// Give the write pump a moment to flush the rejection.
	time.Sleep(100 * time.Millisecond)
	dc.Kick(reason)
}

func (s *Server) deviceReadLoop(dc *deviceConn, deviceID string) {
	defer func() {
		dc.Kick("connection closed")
		s.core.DeviceGone(deviceID, dc)
	}()

	ctx := context.Background()
	for {
		select {
		case <-dc.closed:
			return
		default:
		}

		_, data, err := dc.conn.Read(ctx)
		if err != nil {
			return
		}

		var env broker.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.Warn("device sent invalid frame", "device_id", deviceID)
			continue
		}

		switch env.Event {
		case broker.MsgDeviceData:
			var report broker.DeviceData
			if err := json.Unmarshal(env.Data, &report); err != nil {
				s.logger.Warn("invalid device_data", "device_id", deviceID, "err", err)
				continue
			}
			if report.DeviceID == "" {
				report.DeviceID = deviceID
			}
			if err := s.core.HandleTelemetry(report); err != nil {
				s.logger.Warn("telemetry rejected", "device_id", deviceID, "err", err)
			}

		case broker.MsgCameraData:
			var frame broker.CameraData
			if err := json.Unmarshal(env.Data, &frame); err != nil {
				continue
			}
			if frame.DeviceID == "" {
				frame.DeviceID = deviceID
			}
			s.core.HandleCamera(frame)

		case broker.MsgCommandResult:
			var res broker.CommandResult
			if err := json.Unmarshal(env.Data, &res); err != nil {
				continue
			}
			s.dispatcher.HandleResult(res)

		default:
			s.logger.Debug("ignoring device event", "device_id", deviceID, "event", env.Event)
		}
	}
}
