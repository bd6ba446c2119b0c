// Package websocket wires the gateway's stream/approval/notification
// surface onto WebSocket connections.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/agentgw/internal/common/logger"
	"github.com/kandev/agentgw/internal/gateway"
	ws "github.com/kandev/agentgw/pkg/websocket"
)

// TopicHistoryProvider retrieves a pending-approval prefix and any buffered
// frames for a topic, used to replay state to a client on subscribe.
type TopicHistoryProvider func(ctx context.Context, topicID string) ([]*ws.Message, error)

// GroupDescriptor is the "group descriptor or null" response shape for
// space.join: enough for a client to confirm which group it now belongs to.
type GroupDescriptor struct {
	GroupSlug string `json:"group_slug"`
}

// Hub manages all WebSocket client connections and routes notifications to
// the clients subscribed to a given topic or group.
type Hub struct {
	clients map[*Client]bool

	// topicSubscribers holds clients subscribed to a specific topic's
	// stream notifications.
	topicSubscribers map[string]map[*Client]bool
	// groupSubscribers holds clients subscribed to a group's notifications
	// (the notify.Notifier SendToGroup scope).
	groupSubscribers map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *ws.Message

	dispatcher *ws.Dispatcher
	gw         *gateway.Gateway

	historyProvider TopicHistoryProvider

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a new WebSocket hub.
func NewHub(dispatcher *ws.Dispatcher, log *logger.Logger) *Hub {
	return &Hub{
		clients:          make(map[*Client]bool),
		topicSubscribers: make(map[string]map[*Client]bool),
		groupSubscribers: make(map[string]map[*Client]bool),
		register:         make(chan *Client),
		unregister:       make(chan *Client),
		broadcast:        make(chan *ws.Message, 256),
		dispatcher:       dispatcher,
		logger:           log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run starts the hub's main processing loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("websocket hub started")
	defer h.logger.Info("websocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case msg := <-h.broadcast:
			h.broadcastMessage(msg)
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.topicSubscribers = make(map[string]map[*Client]bool)
	h.groupSubscribers = make(map[string]map[*Client]bool)
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)

	for topicID := range client.topicSubscriptions {
		if clients, ok := h.topicSubscribers[topicID]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.topicSubscribers, topicID)
			}
		}
	}
	if client.currentGroup != "" {
		if clients, ok := h.groupSubscribers[client.currentGroup]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.groupSubscribers, client.currentGroup)
			}
		}
	}
	h.logger.Debug("client unregistered", zap.String("client_id", client.ID))
}

func (h *Hub) broadcastMessage(msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal broadcast message", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		client.sendBytes(data)
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast sends a notification to every connected client.
func (h *Hub) Broadcast(msg *ws.Message) {
	h.broadcast <- msg
}

// BroadcastToTopic sends a notification to clients subscribed to topicID.
func (h *Hub) BroadcastToTopic(topicID string, msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal message", zap.Error(err))
		return
	}

	h.mu.RLock()
	clients := h.topicSubscribers[topicID]
	h.mu.RUnlock()

	for client := range clients {
		client.sendBytes(data)
	}
}

// BroadcastToGroup sends a notification to clients subscribed to groupSlug.
func (h *Hub) BroadcastToGroup(groupSlug string, msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal message", zap.Error(err))
		return
	}

	h.mu.RLock()
	clients := h.groupSubscribers[groupSlug]
	h.mu.RUnlock()

	for client := range clients {
		client.sendBytes(data)
	}
}

// SubscribeToTopic subscribes a client to a topic's stream notifications.
func (h *Hub) SubscribeToTopic(client *Client, topicID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.topicSubscribers[topicID]; !ok {
		h.topicSubscribers[topicID] = make(map[*Client]bool)
	}
	h.topicSubscribers[topicID][client] = true
	client.topicSubscriptions[topicID] = true
}

// UnsubscribeFromTopic unsubscribes a client from a topic.
func (h *Hub) UnsubscribeFromTopic(client *Client, topicID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(client.topicSubscriptions, topicID)
	if clients, ok := h.topicSubscribers[topicID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.topicSubscribers, topicID)
		}
	}
}

// JoinSpace moves a client into groupSlug, leaving whatever group it
// previously belonged to under the same lock: a connection is a member of
// at most one group at a time.
func (h *Hub) JoinSpace(client *Client, groupSlug string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if client.currentGroup == groupSlug {
		return
	}
	if client.currentGroup != "" {
		if clients, ok := h.groupSubscribers[client.currentGroup]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.groupSubscribers, client.currentGroup)
			}
		}
	}

	if _, ok := h.groupSubscribers[groupSlug]; !ok {
		h.groupSubscribers[groupSlug] = make(map[*Client]bool)
	}
	h.groupSubscribers[groupSlug][client] = true
	client.currentGroup = groupSlug
}

// LeaveSpace removes a client from its current group, if it belongs to one.
func (h *Hub) LeaveSpace(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if client.currentGroup == "" {
		return
	}
	if clients, ok := h.groupSubscribers[client.currentGroup]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.groupSubscribers, client.currentGroup)
		}
	}
	client.currentGroup = ""
}

// GetClientCount returns the number of connected clients.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetDispatcher returns the message dispatcher.
func (h *Hub) GetDispatcher() *ws.Dispatcher {
	return h.dispatcher
}

// SetGateway binds the orchestrator this hub's streaming actions call
// into.
func (h *Hub) SetGateway(gw *gateway.Gateway) {
	h.gw = gw
}

// SetTopicHistoryProvider sets the provider used to replay state on
// subscribe.
func (h *Hub) SetTopicHistoryProvider(provider TopicHistoryProvider) {
	h.historyProvider = provider
}

// GetTopicHistory retrieves the replay frames for a topic, if a provider is
// set.
func (h *Hub) GetTopicHistory(ctx context.Context, topicID string) ([]*ws.Message, error) {
	if h.historyProvider == nil {
		return nil, nil
	}
	return h.historyProvider(ctx, topicID)
}

// SendAll implements notify.Sender by broadcasting to every client.
func (h *Hub) SendAll(method string, payload any) {
	msg, err := ws.NewNotification(method, payload)
	if err != nil {
		h.logger.Error("failed to build notification", zap.String("method", method), zap.Error(err))
		return
	}
	h.Broadcast(msg)
}

// SendToGroup implements notify.Sender by broadcasting to a group's
// subscribers.
func (h *Hub) SendToGroup(groupSlug, method string, payload any) {
	msg, err := ws.NewNotification(method, payload)
	if err != nil {
		h.logger.Error("failed to build notification", zap.String("method", method), zap.Error(err))
		return
	}
	h.BroadcastToGroup(groupSlug, msg)
}
