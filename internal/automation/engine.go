package automation

import (
	"errors"
	"log/slog"

	"greenhouse-broker/internal/broker"
	"greenhouse-broker/internal/command"
	"greenhouse-broker/internal/state"
)

// Engine listens for telemetry and issues rule decisions through the
// command dispatcher. Devices with auto_mode disabled are left alone.
type Engine struct {
	dispatcher *command.Dispatcher
	bus        *broker.EventBus
	rules      []Rule
	logger     *slog.Logger
	unsub      func()
}

// NewEngine creates a rule engine. A nil rule set selects DefaultRules.
func NewEngine(dispatcher *command.Dispatcher, bus *broker.EventBus, rules []Rule, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if rules == nil {
		rules = DefaultRules()
	}
	return &Engine{
		dispatcher: dispatcher,
		bus:        bus,
		rules:      rules,
		logger:     logger.With("component", "automation"),
	}
}

// Start subscribes to telemetry events.
func (e *Engine) Start() {
	e.unsub = e.bus.On(broker.EventTelemetry, e.onTelemetry)
	e.logger.Info("automation engine started", "rules", len(e.rules))
}

// Stop unsubscribes from the event bus.
func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
		e.unsub = nil
	}
}

func (e *Engine) onTelemetry(evt broker.Event) {
	dev, ok := evt.Data.(state.Device)
	if !ok || !dev.AutoMode {
		return
	}
	for _, dec := range Evaluate(dev, e.rules) {
		e.issue(dev.DeviceID, dec)
	}
}

func (e *Engine) issue(deviceID string, dec Decision) {
	_, err := e.dispatcher.Issue(command.Request{
		DeviceID: deviceID,
		Action:   dec.Action,
		Value:    dec.Value,
		Origin:   command.OriginAutomation,
		OnResolve: func(cmd command.Command) {
			if cmd.Status != command.StatusAcknowledged {
				// No retry here: the next telemetry sample re-evaluates
				// against unchanged state and reissues if still needed.
				e.logger.Warn("automation command unresolved",
					"device_id", cmd.DeviceID, "command", cmd.Action, "status", cmd.Status)
			}
		},
	})
	if err != nil {
		if errors.Is(err, command.ErrDeviceOffline) {
			return
		}
		e.logger.Warn("automation command rejected",
			"device_id", deviceID, "command", dec.Action, "err", err)
		return
	}
	e.logger.Debug("automation command issued",
		"device_id", deviceID, "command", dec.Action, "value", dec.Value)
}
