// Package mqtt bridges MQTT-attached greenhouse nodes into the broker.
// Devices publish telemetry and command results under a shared topic
// prefix; the bridge feeds them through the same ingest path as the
// WebSocket transport and publishes retained state snapshots back out.
package mqtt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"greenhouse-broker/internal/broker"
	"greenhouse-broker/internal/command"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// Topic layout under the prefix:
//
//	<prefix>/<device_id>/register      device -> broker, registration
//	<prefix>/<device_id>/data          device -> broker, telemetry
//	<prefix>/<device_id>/camera        device -> broker, camera frame
//	<prefix>/<device_id>/result        device -> broker, command ack
//	<prefix>/<device_id>/availability  device LWT, "online"/"offline"
//	<prefix>/<device_id>/command       broker -> device, control command
//	<prefix>/<device_id>/state         broker -> anyone, retained snapshot
//	<prefix>/bridge/state              broker LWT, "online"/"offline"
type Bridge struct {
	client     pahomqtt.Client
	core       *broker.Core
	dispatcher *command.Dispatcher
	prefix     string
	logger     *slog.Logger
	unsub      func()

	mu    sync.Mutex
	conns map[string]*mqttConn // device ID -> registered connection
}

// mqttConn adapts a device's command topic to broker.DeviceConn. MQTT has
// no per-device connection to sever, so Kick only forgets the binding.
type mqttConn struct {
	bridge   *Bridge
	deviceID string
}

func (c *mqttConn) SendCommand(cmd broker.ControlCommand) error {
	env, err := broker.NewEnvelope(broker.MsgControlCommand, cmd)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.bridge.publish(c.bridge.prefix+"/"+c.deviceID+"/command", raw, false)
	return nil
}

func (c *mqttConn) Kick(reason string) {
	c.bridge.logger.Debug("mqtt conn superseded", "device_id", c.deviceID, "reason", reason)
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(core *broker.Core, dispatcher *command.Dispatcher, cfg Config, logger *slog.Logger) (*Bridge, error) {
	prefix := cfg.TopicPrefix
	if prefix == "" {
		prefix = "greenhouse"
	}

	b := &Bridge{
		core:       core,
		dispatcher: dispatcher,
		prefix:     prefix,
		logger:     logger.With("component", "mqtt"),
		conns:      make(map[string]*mqttConn),
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("greenhouse-broker").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(prefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.subscribeDeviceTopics()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	b.client = client
	return b, nil
}

// Start subscribes to broker events and begins publishing state snapshots.
func (b *Bridge) Start() {
	b.unsub = b.core.Bus().On(broker.EventStatusUpdate, b.handleStatusUpdate)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) subscribeDeviceTopics() {
	subs := map[string]pahomqtt.MessageHandler{
		b.prefix + "/+/register":     b.onRegister,
		b.prefix + "/+/data":         b.onData,
		b.prefix + "/+/camera":       b.onCamera,
		b.prefix + "/+/result":       b.onResult,
		b.prefix + "/+/availability": b.onAvailability,
	}
	for topic, handler := range subs {
		if token := b.client.Subscribe(topic, 1, handler); token.Wait() && token.Error() != nil {
			b.logger.Error("mqtt subscribe", "topic", topic, "err", token.Error())
		}
	}
}

// deviceIDFromTopic extracts the device ID from <prefix>/<id>/<leaf>.
func (b *Bridge) deviceIDFromTopic(topic string) string {
	rest, ok := strings.CutPrefix(topic, b.prefix+"/")
	if !ok {
		return ""
	}
	id, _, ok := strings.Cut(rest, "/")
	if !ok {
		return ""
	}
	return id
}

func (b *Bridge) onRegister(_ pahomqtt.Client, msg pahomqtt.Message) {
	deviceID := b.deviceIDFromTopic(msg.Topic())
	if deviceID == "" {
		return
	}

	var reg broker.RegisterDevice
	if len(msg.Payload()) > 0 {
		if err := json.Unmarshal(msg.Payload(), &reg); err != nil {
			b.logger.Warn("invalid register payload", "device_id", deviceID, "err", err)
			return
		}
	}
	reg.DeviceID = deviceID

	b.register(reg)
}

func (b *Bridge) register(reg broker.RegisterDevice) {
	conn := &mqttConn{bridge: b, deviceID: reg.DeviceID}
	dev, err := b.core.RegisterDevice(reg, "mqtt", conn)
	if err != nil {
		b.logger.Warn("mqtt registration rejected", "device_id", reg.DeviceID, "err", err)
		return
	}

	b.mu.Lock()
	b.conns[dev.DeviceID] = conn
	b.mu.Unlock()

	if env, err := broker.NewEnvelope(broker.MsgRegisterResponse, broker.RegisterResponse{Success: true}); err == nil {
		if raw, err := json.Marshal(env); err == nil {
			b.publish(b.prefix+"/"+dev.DeviceID+"/register_response", raw, false)
		}
	}
}

func (b *Bridge) onData(_ pahomqtt.Client, msg pahomqtt.Message) {
	deviceID := b.deviceIDFromTopic(msg.Topic())
	if deviceID == "" {
		return
	}

	var report broker.DeviceData
	if err := json.Unmarshal(msg.Payload(), &report); err != nil {
		b.logger.Warn("invalid telemetry payload", "device_id", deviceID, "err", err)
		return
	}
	report.DeviceID = deviceID

	// A data message from a device without a live binding registers it
	// implicitly: MQTT devices may skip the handshake after a broker restart.
	if !b.core.Registry().IsOnline(deviceID) {
		b.register(broker.RegisterDevice{DeviceID: deviceID})
	}

	if err := b.core.HandleTelemetry(report); err != nil {
		b.logger.Warn("telemetry rejected", "device_id", deviceID, "err", err)
	}
}

func (b *Bridge) onCamera(_ pahomqtt.Client, msg pahomqtt.Message) {
	deviceID := b.deviceIDFromTopic(msg.Topic())
	if deviceID == "" {
		return
	}

	var frame broker.CameraData
	if err := json.Unmarshal(msg.Payload(), &frame); err != nil {
		return
	}
	frame.DeviceID = deviceID
	b.core.HandleCamera(frame)
}

func (b *Bridge) onResult(_ pahomqtt.Client, msg pahomqtt.Message) {
	var res broker.CommandResult
	if err := json.Unmarshal(msg.Payload(), &res); err != nil {
		b.logger.Warn("invalid command result", "topic", msg.Topic(), "err", err)
		return
	}
	b.dispatcher.HandleResult(res)
}

func (b *Bridge) onAvailability(_ pahomqtt.Client, msg pahomqtt.Message) {
	deviceID := b.deviceIDFromTopic(msg.Topic())
	if deviceID == "" {
		return
	}
	if strings.TrimSpace(string(msg.Payload())) != "offline" {
		return
	}

	b.mu.Lock()
	conn, ok := b.conns[deviceID]
	if ok {
		delete(b.conns, deviceID)
	}
	b.mu.Unlock()

	if ok {
		b.core.DeviceGone(deviceID, conn)
	}
}

// handleStatusUpdate mirrors every state change to a retained topic so
// late MQTT subscribers see the current snapshot immediately.
func (b *Bridge) handleStatusUpdate(event broker.Event) {
	su, ok := event.Data.(broker.StatusUpdate)
	if !ok {
		return
	}
	data, err := json.Marshal(su)
	if err != nil {
		return
	}
	b.publish(b.prefix+"/"+su.DeviceID+"/state", data, true)
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}
