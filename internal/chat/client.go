// internal/chat/client.go

package chat

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/caresync/caresync-backend/internal/realtime"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB
)

// Client is one user's realtime connection
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	userID  string
	service Service

	closeOnce sync.Once
}

func NewClient(hub *Hub, conn *websocket.Conn, userID string, service Service) *Client {
	return &Client{
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, 256),
		userID:  userID,
		service: service,
	}
}

func (c *Client) Start() {
	go c.writePump()
	go c.readPump()
}

// Close releases the connection. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error for %s: %v", c.userID, err)
			}
			break
		}
		c.processEvent(message)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// processEvent routes one inbound envelope. The socket message path is
// relay-only: durability comes from the REST append, so a malformed or
// duplicate live frame costs nothing.
func (c *Client) processEvent(data []byte) {
	var env realtime.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Printf("Malformed event from %s: %v", c.userID, err)
		return
	}

	ctx := context.Background()

	switch env.Event {
	case realtime.EventJoinConversation:
		c.handleJoinConversation(ctx, env.Data)

	case realtime.EventMessage:
		c.handleMessage(env.Data)

	case realtime.EventTyping:
		c.handleTyping(env.Data)

	case realtime.EventMarkSeen:
		c.handleMarkSeen(ctx, env.Data)

	case realtime.EventCallSignal:
		c.handleCallSignal(env.Data)

	case realtime.EventCallJoin:
		c.handleCallJoin(env.Data)

	case realtime.EventCallEnd:
		c.handleCallEnd(env.Data)

	case realtime.EventCallMissed:
		c.handleCallMissed(env.Data)

	default:
		log.Printf("Unknown event type from %s: %s", c.userID, env.Event)
	}
}

// handleJoinConversation makes the conversation exist so later history
// fetches and seen-marks have a row to land on
func (c *Client) handleJoinConversation(ctx context.Context, data json.RawMessage) {
	var ev realtime.JoinConversationEvent
	if err := json.Unmarshal(data, &ev); err != nil || ev.WithUserID == "" {
		return
	}
	if _, err := c.service.EnsureConversation(ctx, c.userID, ev.WithUserID); err != nil {
		log.Printf("Failed to ensure conversation for %s/%s: %v", c.userID, ev.WithUserID, err)
	}
}

// handleMessage relays the live copy to the target. The sender id is always
// rewritten from the authenticated connection, never trusted from the frame.
func (c *Client) handleMessage(data json.RawMessage) {
	var ev realtime.MessageEvent
	if err := json.Unmarshal(data, &ev); err != nil || ev.ToUserID == "" {
		return
	}

	ev.FromUserID = c.userID
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	ev.ConversationID = DeriveConversationKey(c.userID, ev.ToUserID)

	env, err := realtime.NewEnvelope(realtime.EventMessage, ev)
	if err != nil {
		return
	}

	preview := ev.Content
	if preview == "" {
		preview = "Sent an attachment"
	}
	c.hub.Relay(c.userID, ev.ToUserID, env, NotifyKindMessage, preview)
}

func (c *Client) handleTyping(data json.RawMessage) {
	var ev realtime.TypingEvent
	if err := json.Unmarshal(data, &ev); err != nil || ev.ToUserID == "" {
		return
	}

	out := realtime.TypingEvent{FromUserID: c.userID, Typing: ev.Typing}
	env, err := realtime.NewEnvelope(realtime.EventTyping, out)
	if err != nil {
		return
	}
	c.hub.Relay(c.userID, ev.ToUserID, env, "", "")
}

func (c *Client) handleMarkSeen(ctx context.Context, data json.RawMessage) {
	var ev realtime.MarkSeenEvent
	if err := json.Unmarshal(data, &ev); err != nil || ev.ConversationID == "" {
		return
	}
	if err := c.service.MarkSeen(ctx, c.userID, ev.ConversationID); err != nil {
		log.Printf("Failed to mark %s seen for %s: %v", ev.ConversationID, c.userID, err)
	}
}

func (c *Client) handleCallSignal(data json.RawMessage) {
	var ev realtime.CallSignalEvent
	if err := json.Unmarshal(data, &ev); err != nil || ev.WithUserID == "" {
		return
	}

	out := realtime.CallSignalEvent{FromUserID: c.userID, Data: ev.Data}
	env, err := realtime.NewEnvelope(realtime.EventCallSignal, out)
	if err != nil {
		return
	}
	callSignals.WithLabelValues(realtime.EventCallSignal).Inc()
	c.hub.Relay(c.userID, ev.WithUserID, env, "", "")
}

// handleCallJoin tells the peer we are in the signaling room for the pair
func (c *Client) handleCallJoin(data json.RawMessage) {
	var ev realtime.CallJoinEvent
	if err := json.Unmarshal(data, &ev); err != nil || ev.WithUserID == "" {
		return
	}

	out := realtime.CallJoinEvent{FromUserID: c.userID}
	env, err := realtime.NewEnvelope(realtime.EventCallPeerJoined, out)
	if err != nil {
		return
	}
	callSignals.WithLabelValues(realtime.EventCallJoin).Inc()
	c.hub.Relay(c.userID, ev.WithUserID, env, "", "")
}

func (c *Client) handleCallEnd(data json.RawMessage) {
	var ev realtime.CallEndEvent
	if err := json.Unmarshal(data, &ev); err != nil || ev.WithUserID == "" {
		return
	}

	out := realtime.CallEndEvent{FromUserID: c.userID}
	env, err := realtime.NewEnvelope(realtime.EventCallEnd, out)
	if err != nil {
		return
	}
	callSignals.WithLabelValues(realtime.EventCallEnd).Inc()
	c.hub.Relay(c.userID, ev.WithUserID, env, "", "")
}

// handleCallMissed lets the callee's ring timeout reach the caller so both
// timelines record the miss. Falls back to an offline notification when the
// caller already disconnected.
func (c *Client) handleCallMissed(data json.RawMessage) {
	var ev realtime.CallMissedEvent
	if err := json.Unmarshal(data, &ev); err != nil || ev.WithUserID == "" {
		return
	}

	out := realtime.CallMissedEvent{FromUserID: c.userID}
	env, err := realtime.NewEnvelope(realtime.EventCallMissed, out)
	if err != nil {
		return
	}
	callSignals.WithLabelValues(realtime.EventCallMissed).Inc()
	c.hub.Relay(c.userID, ev.WithUserID, env, NotifyKindMissedCall, "")
}
