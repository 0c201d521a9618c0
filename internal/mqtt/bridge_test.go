package mqtt

import (
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"greenhouse-broker/internal/broker"
	"greenhouse-broker/internal/command"
	"greenhouse-broker/internal/history"
	"greenhouse-broker/internal/state"
)

// fakeToken completes immediately so publish bookkeeping never blocks.
type fakeToken struct{}

func (fakeToken) Wait() bool                     { return true }
func (fakeToken) WaitTimeout(time.Duration) bool { return true }
func (fakeToken) Error() error                   { return nil }
func (fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic    string
	payload  []byte
	retained bool
}

// fakeClient records publishes instead of talking to a broker.
type fakeClient struct {
	mu   sync.Mutex
	sent []published
}

func (c *fakeClient) Publish(topic string, _ byte, retained bool, payload interface{}) pahomqtt.Token {
	raw, _ := payload.([]byte)
	c.mu.Lock()
	c.sent = append(c.sent, published{topic: topic, payload: raw, retained: retained})
	c.mu.Unlock()
	return fakeToken{}
}

// sentTo returns every publish recorded for the topic.
func (c *fakeClient) sentTo(topic string) []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []published
	for _, p := range c.sent {
		if p.topic == topic {
			out = append(out, p)
		}
	}
	return out
}

func (c *fakeClient) IsConnected() bool      { return true }
func (c *fakeClient) IsConnectionOpen() bool { return true }
func (c *fakeClient) Connect() pahomqtt.Token {
	return fakeToken{}
}
func (c *fakeClient) Disconnect(uint) {}
func (c *fakeClient) Subscribe(string, byte, pahomqtt.MessageHandler) pahomqtt.Token {
	return fakeToken{}
}
func (c *fakeClient) SubscribeMultiple(map[string]byte, pahomqtt.MessageHandler) pahomqtt.Token {
	return fakeToken{}
}
func (c *fakeClient) Unsubscribe(...string) pahomqtt.Token        { return fakeToken{} }
func (c *fakeClient) AddRoute(string, pahomqtt.MessageHandler)    {}
func (c *fakeClient) OptionsReader() pahomqtt.ClientOptionsReader { return pahomqtt.ClientOptionsReader{} }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type bridgeFixture struct {
	bridge     *Bridge
	client     *fakeClient
	core       *broker.Core
	dispatcher *command.Dispatcher
}

func newBridgeFixture(t *testing.T) *bridgeFixture {
	t.Helper()
	logger := slog.Default()
	states := state.NewStore(state.DefaultThresholds(), nil, logger)
	hist := history.NewLog(100)
	registry := broker.NewRegistry(logger)
	bus := broker.NewEventBus(logger)
	core := broker.NewCore(states, hist, registry, bus, "", logger)
	dispatcher := command.New(states, registry, bus, time.Minute, time.Minute, logger)
	dispatcher.Start()
	t.Cleanup(dispatcher.Stop)

	client := &fakeClient{}
	b := &Bridge{
		client:     client,
		core:       core,
		dispatcher: dispatcher,
		prefix:     "greenhouse",
		logger:     logger,
		conns:      make(map[string]*mqttConn),
	}
	return &bridgeFixture{bridge: b, client: client, core: core, dispatcher: dispatcher}
}

func mustPayload(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestDeviceIDFromTopic(t *testing.T) {
	b := &Bridge{prefix: "greenhouse"}

	tests := []struct {
		topic string
		want  string
	}{
		{"greenhouse/esp32_1/data", "esp32_1"},
		{"greenhouse/esp32_1/register", "esp32_1"},
		{"greenhouse/gh-cam/camera", "gh-cam"},
		{"greenhouse/bridge/state", "bridge"},
		{"greenhouse/esp32_1", ""},
		{"other/esp32_1/data", ""},
		{"greenhouse", ""},
	}
	for _, tt := range tests {
		if got := b.deviceIDFromTopic(tt.topic); got != tt.want {
			t.Errorf("deviceIDFromTopic(%q) = %q, want %q", tt.topic, got, tt.want)
		}
	}
}

func TestDeviceIDFromTopicNestedPrefix(t *testing.T) {
	b := &Bridge{prefix: "site/a/greenhouse"}

	if got := b.deviceIDFromTopic("site/a/greenhouse/esp32_1/data"); got != "esp32_1" {
		t.Errorf("got %q, want esp32_1", got)
	}
}

func TestDataRegistersUnknownDevice(t *testing.T) {
	f := newBridgeFixture(t)
	temp := 27.5

	f.bridge.onData(nil, fakeMessage{
		topic: "greenhouse/esp32_1/data",
		payload: mustPayload(t, broker.DeviceData{
			Sensors: state.Sensors{AirTemperature: &temp},
		}),
	})

	if !f.core.Registry().IsOnline("esp32_1") {
		t.Fatal("device not online after first data message")
	}
	dev, err := f.core.States().Get("esp32_1")
	if err != nil {
		t.Fatal(err)
	}
	if dev.Sensors.AirTemperature == nil || *dev.Sensors.AirTemperature != 27.5 {
		t.Errorf("sensors = %+v, want the reported temperature", dev.Sensors)
	}
	if got := f.client.sentTo("greenhouse/esp32_1/register_response"); len(got) != 1 {
		t.Errorf("register_response publishes = %d, want 1", len(got))
	}
}

func TestDataSkipsRegisterWhenBound(t *testing.T) {
	f := newBridgeFixture(t)
	temp := 22.0
	msg := fakeMessage{
		topic: "greenhouse/esp32_1/data",
		payload: mustPayload(t, broker.DeviceData{
			Sensors: state.Sensors{AirTemperature: &temp},
		}),
	}

	f.bridge.onData(nil, msg)
	f.bridge.onData(nil, msg)

	if got := f.client.sentTo("greenhouse/esp32_1/register_response"); len(got) != 1 {
		t.Errorf("register_response publishes = %d, want 1 for two data messages", len(got))
	}
}

func TestAvailabilityOfflineDisconnects(t *testing.T) {
	f := newBridgeFixture(t)
	f.bridge.onRegister(nil, fakeMessage{
		topic:   "greenhouse/esp32_1/register",
		payload: mustPayload(t, broker.RegisterDevice{DeviceName: "North wall"}),
	})
	if !f.core.Registry().IsOnline("esp32_1") {
		t.Fatal("device not online after register")
	}

	// An unexpected availability value changes nothing.
	f.bridge.onAvailability(nil, fakeMessage{
		topic:   "greenhouse/esp32_1/availability",
		payload: []byte("online"),
	})
	if !f.core.Registry().IsOnline("esp32_1") {
		t.Fatal("device dropped on non-offline availability payload")
	}

	f.bridge.onAvailability(nil, fakeMessage{
		topic:   "greenhouse/esp32_1/availability",
		payload: []byte("offline"),
	})
	if f.core.Registry().IsOnline("esp32_1") {
		t.Error("device still online after offline LWT")
	}
	dev, err := f.core.States().Get("esp32_1")
	if err != nil {
		t.Fatal(err)
	}
	if dev.ConnectionState != state.ConnDisconnected {
		t.Errorf("connection_state = %q, want %q", dev.ConnectionState, state.ConnDisconnected)
	}
}

func TestResultAcknowledgesCommand(t *testing.T) {
	f := newBridgeFixture(t)
	f.bridge.onRegister(nil, fakeMessage{topic: "greenhouse/esp32_1/register"})
	f.core.States().SetAutoMode("esp32_1", false)

	var resolved command.Command
	cmd, err := f.dispatcher.Issue(command.Request{
		DeviceID:  "esp32_1",
		Action:    state.ActionControlPump,
		Value:     true,
		Origin:    command.OriginOperator,
		OnResolve: func(c command.Command) { resolved = c },
	})
	if err != nil {
		t.Fatal(err)
	}

	// The command went out over the device's command topic, not retained.
	sent := f.client.sentTo("greenhouse/esp32_1/command")
	if len(sent) != 1 {
		t.Fatalf("command publishes = %d, want 1", len(sent))
	}
	if sent[0].retained {
		t.Error("command published retained")
	}
	var env broker.Envelope
	if err := json.Unmarshal(sent[0].payload, &env); err != nil {
		t.Fatal(err)
	}
	if env.Event != broker.MsgControlCommand {
		t.Errorf("event = %q, want control_command", env.Event)
	}

	f.bridge.onResult(nil, fakeMessage{
		topic:   "greenhouse/esp32_1/result",
		payload: mustPayload(t, broker.CommandResult{CommandID: cmd.ID, Success: true}),
	})

	if resolved.Status != command.StatusAcknowledged {
		t.Errorf("status = %q, want acknowledged", resolved.Status)
	}
	dev, _ := f.core.States().Get("esp32_1")
	if !dev.Controllers.Pump {
		t.Error("pump state not applied after ack")
	}
}

func TestStatusUpdatePublishedRetained(t *testing.T) {
	f := newBridgeFixture(t)

	f.bridge.handleStatusUpdate(broker.Event{
		Type: broker.EventStatusUpdate,
		Data: broker.StatusUpdate{DeviceID: "esp32_1", ConnectionState: state.ConnRegistered},
	})

	sent := f.client.sentTo("greenhouse/esp32_1/state")
	if len(sent) != 1 {
		t.Fatalf("state publishes = %d, want 1", len(sent))
	}
	if !sent[0].retained {
		t.Error("state snapshot not retained")
	}
	var su broker.StatusUpdate
	if err := json.Unmarshal(sent[0].payload, &su); err != nil {
		t.Fatal(err)
	}
	if su.DeviceID != "esp32_1" || su.ConnectionState != state.ConnRegistered {
		t.Errorf("snapshot = %+v, want the emitted update", su)
	}
}
