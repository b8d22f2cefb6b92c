// Package websocket fans committed events out to live subscribers, scoped by
// tenant.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lalith-99/echocore/internal/events"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Callers authenticate with a bearer token before the upgrade.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type broadcastMessage struct {
	tenantID uuid.UUID
	payload  []byte
}

// Hub owns the subscriber set. Registration and broadcast go through Run so
// the set is only mutated on one goroutine.
type Hub struct {
	clients map[uuid.UUID]map[*Client]bool
	mu      sync.RWMutex

	register   chan *Client
	unregister chan *Client
	broadcast  chan broadcastMessage
	done       chan struct{}

	logger *zap.Logger
}

var (
	_ events.Publisher = (*Hub)(nil)

	errHubStopped = errors.New("websocket hub stopped")
)

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[uuid.UUID]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan broadcastMessage, 256),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			h.remove(c)
		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

// Publish queues ev for every subscriber of its tenant.
func (h *Hub) Publish(ctx context.Context, ev events.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	select {
	case h.broadcast <- broadcastMessage{tenantID: ev.TenantID, payload: payload}:
		return nil
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Serve upgrades the request and subscribes the connection to tenantID.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, tenantID uuid.UUID, subject string) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	c := newClient(h, conn, tenantID, subject)

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return errHubStopped
	case <-r.Context().Done():
		conn.Close()
		return r.Context().Err()
	}

	go c.writePump()
	go c.readPump()
	return nil
}

// TenantClients returns how many subscribers a tenant has.
func (h *Hub) TenantClients(tenantID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[tenantID])
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c.tenantID] == nil {
		h.clients[c.tenantID] = make(map[*Client]bool)
	}
	h.clients[c.tenantID][c] = true
	h.logger.Debug("subscriber connected",
		zap.String("tenant_id", c.tenantID.String()),
		zap.String("subject", c.subject),
	)
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *Client) {
	clients, ok := h.clients[c.tenantID]
	if !ok || !clients[c] {
		return
	}
	delete(clients, c)
	c.close()
	if len(clients) == 0 {
		delete(h.clients, c.tenantID)
	}
}

// deliver drops subscribers whose send buffer is full.
func (h *Hub) deliver(msg broadcastMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients[msg.tenantID] {
		select {
		case c.send <- msg.payload:
		default:
			h.logger.Warn("dropping slow subscriber",
				zap.String("tenant_id", c.tenantID.String()),
				zap.String("subject", c.subject),
			)
			h.removeLocked(c)
		}
	}
}

func (h *Hub) shutdown() {
	close(h.done)
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, clients := range h.clients {
		for c := range clients {
			c.close()
		}
	}
	h.clients = make(map[uuid.UUID]map[*Client]bool)
}
