package web

import (
	"encoding/json"
	"log/slog"
	"sync"

	"greenhouse-broker/internal/broker"
)

// Hub manages viewer WebSocket connections and broadcasts envelopes.
type Hub struct {
	clients map[*viewerClient]struct{}
	mu      sync.RWMutex
	logger  *slog.Logger

	register   chan *viewerClient
	unregister chan *viewerClient
	broadcast  chan []byte

	done     chan struct{}
	stopOnce sync.Once
}

type viewerClient struct {
	send chan []byte
}

// NewHub creates a new viewer hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*viewerClient]struct{}),
		logger:     logger,
		register:   make(chan *viewerClient),
		unregister: make(chan *viewerClient),
		broadcast:  make(chan []byte, 256),
		done:       make(chan struct{}),
	}
}

// Run starts the hub event loop.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			// Close all remaining clients on shutdown
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("viewer connected", "total", total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("viewer disconnected", "total", total)

		case data := <-h.broadcast:
			h.mu.Lock()
			var slow []*viewerClient
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
					// Client too slow, mark for eviction
					slow = append(slow, client)
				}
			}
			for _, client := range slow {
				delete(h.clients, client)
				close(client.send)
				h.logger.Warn("viewer evicted (too slow)")
			}
			h.mu.Unlock()
		}
	}
}

// Stop signals the hub to shut down. Safe to call multiple times.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}

// ClientCount returns the number of connected viewers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastEvent sends an envelope to all connected viewers.
func (h *Hub) BroadcastEvent(event string, data any) {
	env, err := broker.NewEnvelope(event, data)
	if err != nil {
		h.logger.Error("broadcast marshal", "event", event, "err", err)
		return
	}
	raw, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("broadcast marshal", "event", event, "err", err)
		return
	}
	select {
	case h.broadcast <- raw:
	default:
		h.logger.Warn("broadcast channel full, dropping message", "event", event)
	}
}

// sendEnvelope queues an envelope for one viewer. A full queue drops the
// message; the hub's broadcast path will evict the client if it stays slow.
func (c *viewerClient) sendEnvelope(env broker.Envelope) {
	raw, err := json.Marshal(env)
	if err != nil {
		return
	}
	select {
	case c.send <- raw:
	default:
	}
}
