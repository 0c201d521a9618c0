package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"greenhouse-broker/internal/broker"
	"greenhouse-broker/internal/command"
	"greenhouse-broker/internal/state"
)

const viewerReadLimit = 64 * 1024

func (s *Server) handleViewerWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}
	// If no allowedOrigins configured, nhooyr defaults to same-origin check.

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("viewer accept", "err", err)
		return
	}

	conn.SetReadLimit(viewerReadLimit)

	client := &viewerClient{
		send: make(chan []byte, 64),
	}

	select {
	case s.hub.register <- client:
	case <-s.hub.done:
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	// Catch the viewer up with the current state of every device.
	for _, dev := range s.core.States().List() {
		if env, err := broker.NewEnvelope(broker.MsgStatusUpdate, broker.Snapshot(dev)); err == nil {
			client.sendEnvelope(env)
		}
	}

	go s.viewerWritePump(client, conn)
	s.viewerReadPump(client, conn)
}

func (s *Server) viewerWritePump(client *viewerClient, conn *websocket.Conn) {
	for msg := range client.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	// Channel closed by hub; close connection.
	conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) viewerReadPump(client *viewerClient, conn *websocket.Conn) {
	defer func() {
		select {
		case s.hub.unregister <- client:
		case <-s.hub.done:
			// Hub already shut down; close connection directly.
			conn.Close(websocket.StatusGoingAway, "server shutdown")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cancel read context when hub shuts down.
	go func() {
		select {
		case <-s.hub.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var env broker.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.viewerError(client, "", "invalid message")
			continue
		}
		s.handleViewerEnvelope(client, env)
	}
}

// handleViewerEnvelope dispatches one viewer request. Errors are surfaced
// to the requesting viewer only; successful mutations reach every viewer
// through the status_update broadcast.
func (s *Server) handleViewerEnvelope(client *viewerClient, env broker.Envelope) {
	switch env.Event {
	case broker.MsgControlFan:
		s.viewerControlSwitch(client, env, state.ActionControlFan)
	case broker.MsgControlPump:
		s.viewerControlSwitch(client, env, state.ActionControlPump)
	case broker.MsgControlLight:
		s.viewerControlSwitch(client, env, state.ActionControlLight)

	case broker.MsgControlServo:
		var req broker.ControlServo
		if err := json.Unmarshal(env.Data, &req); err != nil {
			s.viewerError(client, env.Event, "invalid payload")
			return
		}
		s.viewerIssue(client, env.Event, req.DeviceID, state.ActionControlServo, float64(req.Angle))

	case broker.MsgControlStepper:
		var req broker.ControlStepper
		if err := json.Unmarshal(env.Data, &req); err != nil {
			s.viewerError(client, env.Event, "invalid payload")
			return
		}
		s.viewerIssue(client, env.Event, req.DeviceID, state.ActionControlStepper, float64(req.Position))

	case broker.MsgControlMode:
		var req broker.ControlMode
		if err := json.Unmarshal(env.Data, &req); err != nil {
			s.viewerError(client, env.Event, "invalid payload")
			return
		}
		s.viewerIssue(client, env.Event, req.DeviceID, state.ActionSetAutoMode, req.AutoMode)

	case broker.MsgUpdateThresholds:
		s.viewerUpdateThresholds(client, env)

	default:
		s.viewerError(client, env.Event, "unknown event")
	}
}

func (s *Server) viewerControlSwitch(client *viewerClient, env broker.Envelope, action state.Action) {
	var req broker.ControlSwitch
	if err := json.Unmarshal(env.Data, &req); err != nil {
		s.viewerError(client, env.Event, "invalid payload")
		return
	}
	s.viewerIssue(client, env.Event, req.DeviceID, action, req.State)
}

// viewerIssue runs a control request through the dispatcher and reports the
// outcome back to the requesting viewer as a command_status envelope once
// the device acks or the command times out.
func (s *Server) viewerIssue(client *viewerClient, request, deviceID string, action state.Action, value any) {
	deviceID, err := s.resolveDeviceID(deviceID)
	if err != nil {
		s.viewerError(client, request, err.Error())
		return
	}

	cmd, err := s.dispatcher.Issue(command.Request{
		DeviceID: deviceID,
		Action:   action,
		Value:    value,
		Origin:   command.OriginOperator,
		OnResolve: func(cmd command.Command) {
			status := broker.CommandStatus{
				CommandID: cmd.ID,
				DeviceID:  cmd.DeviceID,
				Action:    cmd.Action,
				Status:    cmd.Status,
				Error:     cmd.Error,
			}
			if env, err := broker.NewEnvelope(broker.MsgCommandStatus, status); err == nil {
				client.sendEnvelope(env)
			}
		},
	})
	if err != nil {
		s.viewerError(client, request, err.Error())
		return
	}

	// Immediate pending notice so the UI can show an in-flight state.
	status := broker.CommandStatus{
		CommandID: cmd.ID,
		DeviceID:  cmd.DeviceID,
		Action:    cmd.Action,
		Status:    cmd.Status,
	}
	if env, err := broker.NewEnvelope(broker.MsgCommandStatus, status); err == nil {
		client.sendEnvelope(env)
	}
}

// viewerUpdateThresholds applies threshold changes broker-side. No device
// round trip is involved: thresholds live in the broker's state, and the
// automation engine picks them up on the next telemetry sample.
func (s *Server) viewerUpdateThresholds(client *viewerClient, env broker.Envelope) {
	var req broker.UpdateThresholds
	if err := json.Unmarshal(env.Data, &req); err != nil {
		s.viewerError(client, env.Event, "invalid payload")
		return
	}

	deviceID, err := s.resolveDeviceID(req.DeviceID)
	if err != nil {
		s.viewerError(client, env.Event, err.Error())
		return
	}

	dev, err := s.core.States().SetThresholds(deviceID, req.Thresholds)
	if err != nil {
		s.viewerError(client, env.Event, err.Error())
		return
	}

	s.core.BroadcastStatus(dev)
}

func (s *Server) viewerError(client *viewerClient, request, msg string) {
	env, err := broker.NewEnvelope(broker.MsgError, broker.ErrorMessage{
		Request: request,
		Error:   msg,
	})
	if err != nil {
		return
	}
	client.sendEnvelope(env)
}
