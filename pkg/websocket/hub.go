package websocket

import (
	"sync"
	"time"

	"github.com/swiftride/dispatch/pkg/logger"
	"github.com/swiftride/dispatch/pkg/metrics"
	"go.uber.org/zap"
)

// TypeConnectionEstablished is sent to every client right after its
// session registers with the hub.
const TypeConnectionEstablished = "connection_established"

// Group naming scheme. Every connected passenger sits in party_<id>,
// every driver in driver_<id>; ride participants additionally join
// ride_<id> for live trip tracking.
func PartyGroup(userID string) string { return "party_" + userID }

// DriverGroup names a driver's identity group.
func DriverGroup(userID string) string { return "driver_" + userID }

// RideGroup names the shared group of a ride's participants.
func RideGroup(rideID string) string { return "ride_" + rideID }

// MessageHandler is a function that handles incoming messages
type MessageHandler func(*Client, *Message)

// DisconnectFunc runs after a client is removed from the hub, for
// cleanup such as marking a driver offline.
type DisconnectFunc func(*Client)

// Hub maintains the set of active clients, their named groups, and
// routes inbound messages to registered handlers.
type Hub struct {
	// Registered clients by client ID
	clients map[string]*Client

	// Clients grouped under named groups (party_<id>, driver_<id>, ride_<id>)
	groups map[string]map[string]*Client

	// Register requests from clients
	Register chan *Client

	// Unregister requests from clients
	Unregister chan *Client

	// Broadcast messages to clients or groups
	Broadcast chan *BroadcastMessage

	// Message handlers by message type
	handlers map[string]MessageHandler

	// Disconnect hooks, run outside the hub lock
	onDisconnect []DisconnectFunc

	mu sync.RWMutex
}

// BroadcastMessage represents a message to be delivered
type BroadcastMessage struct {
	Target   string   // "client", "group", "all"
	TargetID string   // Client ID or group name
	Message  *Message // Message to send
}

// NewHub creates a new Hub instance
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		groups:     make(map[string]map[string]*Client),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		Broadcast:  make(chan *BroadcastMessage, 256),
		handlers:   make(map[string]MessageHandler),
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	logger.Info("websocket hub started")
	for {
		select {
		case client := <-h.Register:
			h.registerClient(client)

		case client := <-h.Unregister:
			h.unregisterClient(client)

		case broadcast := <-h.Broadcast:
			h.broadcastMessage(broadcast)
		}
	}
}

// OnDisconnect registers a hook that runs after a client disconnects.
func (h *Hub) OnDisconnect(fn DisconnectFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDisconnect = append(h.onDisconnect, fn)
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()

	// A reconnect replaces the previous session for the same ID
	if existing, ok := h.clients[client.ID]; ok {
		h.removeLocked(existing)
		close(existing.Send)
	}

	h.clients[client.ID] = client

	// Every session lives in its identity group, so dispatch can target
	// party_<id> or driver_<id> without knowing connection state.
	group := PartyGroup(client.ID)
	if client.Role == RoleDriver {
		group = DriverGroup(client.ID)
	}
	if _, ok := h.groups[group]; !ok {
		h.groups[group] = make(map[string]*Client)
	}
	h.groups[group][client.ID] = client
	client.addGroup(group)
	h.mu.Unlock()

	metrics.WebsocketConnections.WithLabelValues(client.Role).Inc()

	client.SendMessage(&Message{
		Type:      TypeConnectionEstablished,
		Timestamp: time.Now().UTC(),
		Data: map[string]interface{}{
			"user_id": client.UserID,
			"role":    client.Role,
		},
	})

	logger.Debug("client registered",
		zap.String("client_id", client.ID),
		zap.String("role", client.Role),
	)
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	current, ok := h.clients[client.ID]
	if !ok || current != client {
		// Already replaced by a newer session
		h.mu.Unlock()
		return
	}
	h.removeLocked(client)
	close(client.Send)
	hooks := h.onDisconnect
	h.mu.Unlock()

	for _, fn := range hooks {
		fn(client)
	}

	logger.Debug("client unregistered", zap.String("client_id", client.ID))
}

// removeLocked drops the client from the registry and all its groups.
// Callers hold h.mu.
func (h *Hub) removeLocked(client *Client) {
	delete(h.clients, client.ID)
	metrics.WebsocketConnections.WithLabelValues(client.Role).Dec()
	for _, group := range client.Groups() {
		if members, ok := h.groups[group]; ok {
			delete(members, client.ID)
			if len(members) == 0 {
				delete(h.groups, group)
			}
		}
	}
}

func (h *Hub) broadcastMessage(broadcast *BroadcastMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	switch broadcast.Target {
	case "client":
		if client, ok := h.clients[broadcast.TargetID]; ok {
			client.SendMessage(broadcast.Message)
		}

	case "group":
		if members, ok := h.groups[broadcast.TargetID]; ok {
			for _, client := range members {
				client.SendMessage(broadcast.Message)
			}
		}

	case "all":
		for _, client := range h.clients {
			client.SendMessage(broadcast.Message)
		}
	}
}

// HandleMessage routes incoming messages to the registered handler
func (h *Hub) HandleMessage(client *Client, msg *Message) {
	h.mu.RLock()
	handler, exists := h.handlers[msg.Type]
	h.mu.RUnlock()

	if exists {
		handler(client, msg)
	} else {
		logger.Warn("no handler for message type", zap.String("type", msg.Type))
	}
}

// RegisterHandler registers a message handler for a specific type
func (h *Hub) RegisterHandler(msgType string, handler MessageHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[msgType] = handler
}

// JoinGroup adds a client to a named group
func (h *Hub) JoinGroup(clientID, group string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client, ok := h.clients[clientID]
	if !ok {
		return
	}

	if _, ok := h.groups[group]; !ok {
		h.groups[group] = make(map[string]*Client)
	}
	h.groups[group][clientID] = client
	client.addGroup(group)
}

// LeaveGroup removes a client from a named group
func (h *Hub) LeaveGroup(clientID, group string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if members, ok := h.groups[group]; ok {
		delete(members, clientID)
		if len(members) == 0 {
			delete(h.groups, group)
		}
	}

	if client, ok := h.clients[clientID]; ok {
		client.removeGroup(group)
	}
}

// SendToClient sends a message to a specific client
func (h *Hub) SendToClient(clientID string, msg *Message) {
	h.Broadcast <- &BroadcastMessage{
		Target:   "client",
		TargetID: clientID,
		Message:  msg,
	}
}

// SendToGroup sends a message to every member of a named group
func (h *Hub) SendToGroup(group string, msg *Message) {
	h.Broadcast <- &BroadcastMessage{
		Target:   "group",
		TargetID: group,
		Message:  msg,
	}
}

// SendToAll broadcasts a message to all connected clients
func (h *Hub) SendToAll(msg *Message) {
	h.Broadcast <- &BroadcastMessage{
		Target:  "all",
		Message: msg,
	}
}

// GetClient returns a client by ID
func (h *Hub) GetClient(clientID string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	client, ok := h.clients[clientID]
	return client, ok
}

// GroupMembers returns the client IDs currently in a group
func (h *Hub) GroupMembers(group string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	members, ok := h.groups[group]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	return ids
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GroupCount returns the number of active groups
func (h *Hub) GroupCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups)
}
