package websocket

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/dattmumas/lnked-realtime/internal/core/ports"
)

// Hub maintains the set of active sessions.
type Hub struct {
	// clients maps user IDs to their active sessions.
	// A single user can have multiple sessions (multiple tabs/devices).
	clients map[string]map[*Client]bool

	// Register requests from clients
	Register chan *Client

	// Unregister requests from clients
	Unregister chan *Client

	// done is closed when Run returns
	done chan struct{}

	// mu protects the clients map
	mu sync.RWMutex

	logger *slog.Logger
}

// NewHub creates a new WebSocket hub
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger.With("component", "websocket_hub"),
	}
}

// Run starts the hub's event loop and closes every session when ctx ends.
// This MUST be run as a goroutine.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case client := <-h.Register:
			h.registerClient(client)
		case client := <-h.Unregister:
			h.unregisterClient(client)
		}
	}
}

// register hands a new session to the hub. It reports false once the hub
// has stopped.
func (h *Hub) register(client *Client) bool {
	select {
	case h.Register <- client:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) unregister(client *Client) {
	select {
	case h.Unregister <- client:
	case <-h.done:
		client.release()
	}
}

// Attach starts a session for an upgraded connection. It returns nil and
// closes the connection if the hub has stopped.
func (h *Hub) Attach(conn *websocket.Conn, service ports.RealtimeService, userID string, cfg ClientConfig) *Client {
	client := NewClient(h, conn, service, userID, cfg, h.logger)
	if !h.register(client) {
		_ = conn.Close()
		return nil
	}
	go client.WritePump()
	go client.ReadPump()
	return client
}

// Done is closed once the hub has stopped and released every session.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[client.UserID] == nil {
		h.clients[client.UserID] = make(map[*Client]bool)
	}
	h.clients[client.UserID][client] = true

	h.logger.Info("client registered",
		"user_id", client.UserID,
		"session_id", client.ID,
		"total_connections", len(h.clients[client.UserID]),
	)
}

// unregisterClient removes a client from the hub and releases its subscriptions
func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	if userClients, ok := h.clients[client.UserID]; ok {
		delete(userClients, client)
		if len(userClients) == 0 {
			delete(h.clients, client.UserID)
		}
	}
	h.mu.Unlock()

	client.release()

	h.logger.Info("client unregistered",
		"user_id", client.UserID,
		"session_id", client.ID,
	)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	var all []*Client
	for _, userClients := range h.clients {
		for client := range userClients {
			all = append(all, client)
		}
	}
	h.clients = make(map[string]map[*Client]bool)
	h.mu.Unlock()

	for _, client := range all {
		client.release()
	}
	h.logger.Info("websocket hub stopped", "closed_sessions", len(all))
}

// GetClientCount returns the total number of connected sessions
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for _, userClients := range h.clients {
		count += len(userClients)
	}
	return count
}

// IsUserConnected checks if a user has any active sessions
func (h *Hub) IsUserConnected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	clients, ok := h.clients[userID]
	return ok && len(clients) > 0
}
