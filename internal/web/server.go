// Package web exposes the broker over HTTP: the viewer and device
// WebSocket endpoints plus a small REST API.
package web

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"greenhouse-broker/internal/automation"
	"greenhouse-broker/internal/broker"
	"greenhouse-broker/internal/command"
)

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication on /api/ routes.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithDefaultDevice sets the device targeted by viewer requests that
// carry no device_id.
func WithDefaultDevice(id string) ServerOption {
	return func(s *Server) {
		s.defaultDevice = id
	}
}

// WithScripts sets the Lua script engine and manager.
func WithScripts(engine *automation.ScriptEngine, mgr *automation.Manager) ServerOption {
	return func(s *Server) {
		s.scriptEngine = engine
		s.scriptMgr = mgr
	}
}

// WithVersion sets the application version string reported by the API.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the HTTP server for viewers and devices.
type Server struct {
	core       *broker.Core
	dispatcher *command.Dispatcher
	hub        *Hub
	logger     *slog.Logger
	mux        *http.ServeMux

	apiKey         string
	allowedOrigins []string
	defaultDevice  string
	scriptMgr      *automation.Manager
	scriptEngine   *automation.ScriptEngine
	version        string

	wg          sync.WaitGroup
	unsubEvents []func()
}

// NewServer creates a new web server.
func NewServer(core *broker.Core, dispatcher *command.Dispatcher, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		core:       core,
		dispatcher: dispatcher,
		logger:     logger,
		mux:        http.NewServeMux(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.hub = NewHub(logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.hub.Run()
	}()

	// Push state changes and camera frames to every viewer.
	bus := core.Bus()
	s.unsubEvents = append(s.unsubEvents,
		bus.On(broker.EventStatusUpdate, func(event broker.Event) {
			if su, ok := event.Data.(broker.StatusUpdate); ok {
				s.hub.BroadcastEvent(broker.MsgStatusUpdate, su)
			}
		}),
		bus.On(broker.EventCameraData, func(event broker.Event) {
			if cam, ok := event.Data.(broker.CameraData); ok {
				s.hub.BroadcastEvent(broker.MsgCameraData, cam)
			}
		}),
	)

	s.routes()
	return s
}

// Stop gracefully shuts down the WebSocket hub and waits for goroutines.
func (s *Server) Stop() {
	for _, unsub := range s.unsubEvents {
		unsub()
	}
	s.hub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	// REST API
	s.mux.HandleFunc("GET /api/devices", s.handleAPIListDevices)
	s.mux.HandleFunc("GET /api/devices/{id}", s.handleAPIGetDevice)
	s.mux.HandleFunc("GET /api/history", s.handleAPIHistory)
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	// Scripts
	s.mux.HandleFunc("GET /api/scripts", s.handleAPIListScripts)
	s.mux.HandleFunc("GET /api/scripts/{id}", s.handleAPIGetScript)
	s.mux.HandleFunc("POST /api/scripts", s.handleAPICreateScript)
	s.mux.HandleFunc("PUT /api/scripts/{id}", s.handleAPIUpdateScript)
	s.mux.HandleFunc("DELETE /api/scripts/{id}", s.handleAPIDeleteScript)
	s.mux.HandleFunc("POST /api/scripts/{id}/toggle", s.handleAPIToggleScript)
	s.mux.HandleFunc("POST /api/scripts/{id}/run", s.handleAPIRunScript)

	// WebSocket
	s.mux.HandleFunc("GET /ws", s.handleViewerWS)
	s.mux.HandleFunc("GET /ws/device", s.handleDeviceWS)
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// CORS: check Origin on mutating requests to prevent CSRF.
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				// Preflight request.
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	if s.apiKey != "" {
		// Only require API key for /api/ endpoints. The WebSocket endpoints
		// are not API-key-protected because browsers cannot send custom
		// headers on a WS upgrade; devices authenticate in the registration
		// handshake instead.
		if strings.HasPrefix(r.URL.Path, "/api/") {
			key := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
	}
	s.mux.ServeHTTP(w, r)
}

// resolveDeviceID fills in the target for requests that omit a device_id.
// Single-greenhouse dashboards never send one: the configured default
// wins, then the sole known device.
func (s *Server) resolveDeviceID(id string) (string, error) {
	if id != "" {
		return id, nil
	}
	if s.defaultDevice != "" {
		return s.defaultDevice, nil
	}
	devs := s.core.States().List()
	if len(devs) == 1 {
		return devs[0].DeviceID, nil
	}
	return "", errors.New("device_id required")
}

// isOriginAllowed checks if the origin matches any allowed origin pattern.
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
