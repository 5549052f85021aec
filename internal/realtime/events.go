// internal/realtime/events.go
// Wire protocol shared by the hub and the client channel: one JSON envelope
// per websocket frame, tagged with the event name.

package realtime

import (
	"encoding/json"
	"time"
)

// Event names multiplexed over one channel connection
const (
	EventPresence         = "presence"
	EventTyping           = "typing"
	EventMessage          = "message"
	EventCallSignal       = "call_signal"
	EventCallJoin         = "call_join"
	EventCallEnd          = "call_end"
	EventCallMissed       = "call_missed"
	EventCallPeerJoined   = "call_peer_joined"
	EventJoinConversation = "join_conversation"
	EventMarkSeen         = "mark_seen"
)

// Envelope wraps every event sent over the channel
type Envelope struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
}

// NewEnvelope builds an envelope with a marshalled payload
func NewEnvelope(event string, payload interface{}) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: data, Timestamp: time.Now()}, nil
}

// PresenceEvent announces a user's online state change
type PresenceEvent struct {
	UserID   string    `json:"user_id"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"last_seen"`
}

// TypingEvent carries a typing indicator. Outbound frames set ToUserID,
// relayed frames carry FromUserID.
type TypingEvent struct {
	FromUserID string `json:"from_user_id,omitempty"`
	ToUserID   string `json:"to_user_id,omitempty"`
	Typing     bool   `json:"typing"`
}

// MessageEvent is the live copy of a chat message. Optimistic sends carry
// only a ClientRef; durable copies carry the store-assigned ID as well.
type MessageEvent struct {
	ID             int64      `json:"id,omitempty"`
	ClientRef      string     `json:"client_ref,omitempty"`
	ConversationID string     `json:"conversation_id,omitempty"`
	FromUserID     string     `json:"from_user_id,omitempty"`
	ToUserID       string     `json:"to_user_id,omitempty"`
	Content        string     `json:"content,omitempty"`
	MessageType    string     `json:"message_type,omitempty"`
	MediaURL       string     `json:"media_url,omitempty"`
	CreatedAt      time.Time  `json:"created_at,omitempty"`
	SeenAt         *time.Time `json:"seen_at,omitempty"`
}

// CallSignalEvent relays an opaque signaling payload between the two
// members of a call. Senders set WithUserID; the hub rewrites FromUserID.
type CallSignalEvent struct {
	FromUserID string          `json:"from_user_id,omitempty"`
	WithUserID string          `json:"with_user_id,omitempty"`
	Data       json.RawMessage `json:"data"`
}

// CallJoinEvent announces intent to join the signaling room for a pair
type CallJoinEvent struct {
	FromUserID string `json:"from_user_id,omitempty"`
	WithUserID string `json:"with_user_id,omitempty"`
}

// CallEndEvent ends or declines a call with a peer
type CallEndEvent struct {
	FromUserID string `json:"from_user_id,omitempty"`
	WithUserID string `json:"with_user_id,omitempty"`
}

// CallMissedEvent tells the caller their offer rang out unanswered
type CallMissedEvent struct {
	FromUserID string `json:"from_user_id,omitempty"`
	WithUserID string `json:"with_user_id,omitempty"`
}

// JoinConversationEvent subscribes the sender to live events for a pair
type JoinConversationEvent struct {
	WithUserID string `json:"with_user_id"`
}

// MarkSeenEvent marks a conversation as seen by the sender
type MarkSeenEvent struct {
	ConversationID string `json:"conversation_id"`
}
