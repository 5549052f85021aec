// internal/chat/hub.go

package chat

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/caresync/caresync-backend/internal/realtime"
)

// Hub maintains active realtime connections, one logical connection per
// user. It relays the four event families between the members of a pair
// and pushes presence changes to recent conversation partners.
type Hub struct {
	clients    map[string]*Client
	clientsMux sync.RWMutex

	register   chan *Client
	unregister chan *Client

	service Service

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewHub(service Service) *Hub {
	ctx, cancel := context.WithCancel(context.Background())

	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		service:    service,
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case <-h.ctx.Done():
			h.cleanup()
			return
		}
	}
}

func (h *Hub) registerClient(client *Client) {
	h.clientsMux.Lock()

	// A newer connection for the same user supersedes the older one
	if oldClient, exists := h.clients[client.userID]; exists {
		oldClient.Close()
	}
	h.clients[client.userID] = client
	total := len(h.clients)
	h.clientsMux.Unlock()

	activeConnections.Set(float64(total))

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := h.service.SetOnlineStatus(h.ctx, client.userID, true); err != nil {
			log.Printf("Failed to set online status for %s: %v", client.userID, err)
		}
		h.notifyPresence(client.userID, true)
	}()

	log.Printf("User %s connected. Total clients: %d", client.userID, total)
}

func (h *Hub) unregisterClient(client *Client) {
	h.clientsMux.Lock()
	current, exists := h.clients[client.userID]
	if !exists || current != client {
		// A reconnect already replaced this entry; close only the stale conn
		h.clientsMux.Unlock()
		client.Close()
		return
	}
	client.Close()
	delete(h.clients, client.userID)
	total := len(h.clients)
	h.clientsMux.Unlock()

	activeConnections.Set(float64(total))

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := h.service.SetOnlineStatus(h.ctx, client.userID, false); err != nil {
			log.Printf("Failed to set offline status for %s: %v", client.userID, err)
		}
		h.notifyPresence(client.userID, false)
	}()

	log.Printf("User %s disconnected. Total clients: %d", client.userID, total)
}

// notifyPresence pushes the user's new online state to everyone they share
// a conversation with
func (h *Hub) notifyPresence(userID string, online bool) {
	partners, err := h.service.RecentPartners(h.ctx, userID)
	if err != nil {
		log.Printf("Failed to get partners for %s: %v", userID, err)
		return
	}

	record, err := h.service.Presence(h.ctx, userID)
	if err != nil {
		log.Printf("Failed to read presence for %s: %v", userID, err)
		return
	}

	env, err := realtime.NewEnvelope(realtime.EventPresence, realtime.PresenceEvent{
		UserID:   userID,
		Online:   online,
		LastSeen: record.LastSeen,
	})
	if err != nil {
		return
	}

	for _, partnerID := range partners {
		h.SendToUser(partnerID, env)
	}
}

// SendToUser delivers an envelope to a connected user. Returns false when
// the user has no open connection.
func (h *Hub) SendToUser(userID string, env realtime.Envelope) bool {
	h.clientsMux.RLock()
	client, exists := h.clients[userID]
	h.clientsMux.RUnlock()

	if !exists {
		return false
	}

	data, err := json.Marshal(env)
	if err != nil {
		return false
	}

	select {
	case client.send <- data:
		eventsRelayed.WithLabelValues(env.Event).Inc()
		return true
	default:
		// Writer is wedged; drop the connection
		go func() { h.unregister <- client }()
		return false
	}
}

// Relay forwards an event from one user to another, falling back to the
// offline notifier when the target has no connection
func (h *Hub) Relay(fromUserID, toUserID string, env realtime.Envelope, notifyKind, preview string) {
	if h.SendToUser(toUserID, env) {
		return
	}
	if notifyKind == "" {
		return
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.service.NotifyOffline(h.ctx, toUserID, fromUserID, notifyKind, preview)
	}()
}

func (h *Hub) IsUserOnline(userID string) bool {
	h.clientsMux.RLock()
	defer h.clientsMux.RUnlock()

	_, exists := h.clients[userID]
	return exists
}

func (h *Hub) ActiveConnections() int {
	h.clientsMux.RLock()
	defer h.clientsMux.RUnlock()
	return len(h.clients)
}

func (h *Hub) cleanup() {
	h.clientsMux.Lock()
	for _, client := range h.clients {
		client.Close()
	}
	h.clients = make(map[string]*Client)
	h.clientsMux.Unlock()

	h.wg.Wait()
}

func (h *Hub) Shutdown() {
	h.cancel()
}
