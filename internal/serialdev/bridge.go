// Package serialdev attaches a greenhouse node over a serial line. The
// node speaks the same JSON envelope protocol as WebSocket devices, one
// envelope per newline-terminated frame.
package serialdev

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.bug.st/serial"

	"greenhouse-broker/internal/broker"
	"greenhouse-broker/internal/command"
)

// Config holds serial bridge configuration.
type Config struct {
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baud_rate"`
}

const (
	defaultBaudRate = 115200
	reconnectDelay  = 5 * time.Second
	maxFrameSize    = 1 << 20 // camera frames are base64 JPEG
)

// Bridge owns one serial port and keeps reconnecting to it.
type Bridge struct {
	core       *broker.Core
	dispatcher *command.Dispatcher
	cfg        Config
	logger     *slog.Logger

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a serial bridge. Call Start to open the port.
func New(core *broker.Core, dispatcher *command.Dispatcher, cfg Config, logger *slog.Logger) *Bridge {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = defaultBaudRate
	}
	return &Bridge{
		core:       core,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger.With("component", "serial", "port", cfg.Port),
		done:       make(chan struct{}),
	}
}

// Start launches the connect/read loop.
func (b *Bridge) Start() {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.run()
	}()
}

// Stop ends the loop and waits for it to finish.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
	})
	b.wg.Wait()
}

func (b *Bridge) run() {
	for {
		select {
		case <-b.done:
			return
		default:
		}

		port, err := b.open()
		if err != nil {
			b.logger.Warn("serial open failed", "err", err)
		} else {
			b.logger.Info("serial port opened")
			b.session(port)
			port.Close()
		}

		select {
		case <-b.done:
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (b *Bridge) open() (serial.Port, error) {
	mode := &serial.Mode{
		BaudRate: b.cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(b.cfg.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", b.cfg.Port, err)
	}

	// USB CDC ACM boards expect DTR/RTS asserted.
	_ = port.SetDTR(true)
	_ = port.SetRTS(true)
	return port, nil
}

// serialConn adapts the open port to broker.DeviceConn.
type serialConn struct {
	mu   sync.Mutex
	port serial.Port

	closeOnce sync.Once
	closed    chan struct{}
}

func (c *serialConn) SendCommand(cmd broker.ControlCommand) error {
	env, err := broker.NewEnvelope(broker.MsgControlCommand, cmd)
	if err != nil {
		return err
	}
	return c.writeEnvelope(env)
}

func (c *serialConn) writeEnvelope(env broker.Envelope) error {
	select {
	case <-c.closed:
		return broker.ErrNotConnected
	default:
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	raw = append(raw, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.port.Write(raw); err != nil {
		return fmt.Errorf("serial write: %w", err)
	}
	return nil
}

// Kick closes the port, which also ends the session read loop.
func (c *serialConn) Kick(reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.port.Close()
	})
}

// session reads frames until the port errors out. The node must open with
// register_device, exactly like a WebSocket device.
func (b *Bridge) session(port serial.Port) {
	conn := &serialConn{port: port, closed: make(chan struct{})}

	scanner := bufio.NewScanner(port)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)

	deviceID := ""
	defer func() {
		if deviceID != "" {
			conn.Kick("connection closed")
			b.core.DeviceGone(deviceID, conn)
		}
	}()

	for scanner.Scan() {
		select {
		case <-b.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var env broker.Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			b.logger.Warn("invalid serial frame", "err", err)
			continue
		}

		if deviceID == "" {
			if env.Event != broker.MsgRegisterDevice {
				b.logger.Warn("expected register_device", "event", env.Event)
				continue
			}
			var reg broker.RegisterDevice
			if err := json.Unmarshal(env.Data, &reg); err != nil {
				b.logger.Warn("invalid register_device payload", "err", err)
				continue
			}
			dev, err := b.core.RegisterDevice(reg, "serial", conn)
			if err != nil {
				b.logger.Warn("serial registration rejected", "err", err)
				if resp, merr := broker.NewEnvelope(broker.MsgRegisterResponse, broker.RegisterResponse{
					Success: false,
					Error:   err.Error(),
				}); merr == nil {
					conn.writeEnvelope(resp)
				}
				continue
			}
			deviceID = dev.DeviceID
			if resp, err := broker.NewEnvelope(broker.MsgRegisterResponse, broker.RegisterResponse{Success: true}); err == nil {
				conn.writeEnvelope(resp)
			}
			continue
		}

		b.handleEnvelope(deviceID, env)
	}

	if err := scanner.Err(); err != nil {
		b.logger.Warn("serial read failed", "err", err)
	}
}

func (b *Bridge) handleEnvelope(deviceID string, env broker.Envelope) {
	switch env.Event {
	case broker.MsgDeviceData:
		var report broker.DeviceData
		if err := json.Unmarshal(env.Data, &report); err != nil {
			b.logger.Warn("invalid device_data", "err", err)
			return
		}
		if report.DeviceID == "" {
			report.DeviceID = deviceID
		}
		if err := b.core.HandleTelemetry(report); err != nil {
			b.logger.Warn("telemetry rejected", "device_id", deviceID, "err", err)
		}

	case broker.MsgCameraData:
		var frame broker.CameraData
		if err := json.Unmarshal(env.Data, &frame); err != nil {
			return
		}
		if frame.DeviceID == "" {
			frame.DeviceID = deviceID
		}
		b.core.HandleCamera(frame)

	case broker.MsgCommandResult:
		var res broker.CommandResult
		if err := json.Unmarshal(env.Data, &res); err != nil {
			return
		}
		b.dispatcher.HandleResult(res)

	default:
		b.logger.Debug("ignoring serial event", "device_id", deviceID, "event", env.Event)
	}
}
