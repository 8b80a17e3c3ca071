package live

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/recallhq/recall/internal/common/logger"
	"github.com/recallhq/recall/internal/events"
	"github.com/recallhq/recall/internal/events/bus"
)

// Hub bridges live.* bus events onto viewer WebSocket connections. Each
// subscriber has a bounded buffer; overflow drops that subscriber's oldest
// queued event without back-pressure on publishers.
type Hub struct {
	bus    bus.EventBus
	logger *logger.Logger

	mu      sync.RWMutex
	clients map[*Client]bool

	sub bus.Subscription
}

// NewHub creates a Hub over the given event bus.
func NewHub(eventBus bus.EventBus, log *logger.Logger) *Hub {
	return &Hub{
		bus:     eventBus,
		logger:  log.WithFields(zap.String("component", "live-hub")),
		clients: make(map[*Client]bool),
	}
}

// Start subscribes the hub to all viewer-facing bus subjects.
func (h *Hub) Start() error {
	sub, err := h.bus.Subscribe(events.BuildLiveWildcardSubject(), h.handleEvent)
	if err != nil {
		return err
	}
	h.sub = sub
	return nil
}

// Stop unsubscribes from the bus and disconnects all subscribers.
func (h *Hub) Stop() {
	if h.sub != nil {
		_ = h.sub.Unsubscribe()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

func (h *Hub) handleEvent(ctx context.Context, event *bus.Event) error {
	data, err := json.Marshal(event.Data)
	if err != nil {
		h.logger.Warn("failed to marshal live event",
			zap.String("event_type", event.Type),
			zap.Error(err))
		return nil
	}
	h.broadcast(data)
	return nil
}

func (h *Hub) broadcast(message []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		client.enqueue(message)
	}
}

func (h *Hub) register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client] = true
	h.logger.Debug("subscriber joined",
		zap.String("client_id", client.ID),
		zap.Int("subscribers", len(h.clients)))
}

func (h *Hub) unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
		h.logger.Debug("subscriber left",
			zap.String("client_id", client.ID),
			zap.Int("subscribers", len(h.clients)))
	}
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeConn attaches a WebSocket connection as a subscriber. The caller
// supplies the initial_load snapshot, which is queued before any live
// event can reach the client.
func (h *Hub) ServeConn(conn *websocket.Conn, snapshot []byte) {
	client := newClient(uuid.New().String(), conn, h, h.logger)
	if len(snapshot) > 0 {
		client.enqueue(snapshot)
	}
	h.register(client)

	go client.writePump()
	go client.readPump()
}
