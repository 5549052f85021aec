// internal/chat/models.go

package chat

import (
	"sort"
	"strings"
	"time"

	"github.com/caresync/caresync-backend/internal/realtime"
)

// Message types
const (
	MessageTypeText       = "text"
	MessageTypeImage      = "image"
	MessageTypeVideo      = "video"
	MessageTypeFile       = "file"
	MessageTypeMissedCall = "missed_call"
)

// Conversation is the durable per-pair thread. Its id is derived from the
// unordered user pair, so exactly one row exists per pair.
type Conversation struct {
	ID            string     `json:"id" db:"id"`
	UserA         string     `json:"user_a" db:"user_a"`
	UserB         string     `json:"user_b" db:"user_b"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty" db:"last_message_at"`
}

// Peer returns the other member of the conversation
func (c *Conversation) Peer(userID string) string {
	if c.UserA == userID {
		return c.UserB
	}
	return c.UserA
}

// Message is one durable chat entry. IDs are assigned by the store;
// ClientRef is the sender's optimistic reference and never replaces the id.
type Message struct {
	ID             int64      `json:"id" db:"id"`
	ConversationID string     `json:"conversation_id" db:"conversation_id"`
	FromUserID     string     `json:"from_user_id" db:"from_user_id"`
	ToUserID       string     `json:"to_user_id" db:"to_user_id"`
	Content        *string    `json:"content,omitempty" db:"content"`
	MessageType    string     `json:"message_type" db:"message_type"`
	MediaURL       *string    `json:"media_url,omitempty" db:"media_url"`
	ClientRef      *string    `json:"client_ref,omitempty" db:"client_ref"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	SeenAt         *time.Time `json:"seen_at,omitempty" db:"seen_at"`
}

// Event renders the message as its live wire representation
func (m *Message) Event() realtime.MessageEvent {
	ev := realtime.MessageEvent{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		FromUserID:     m.FromUserID,
		ToUserID:       m.ToUserID,
		MessageType:    m.MessageType,
		CreatedAt:      m.CreatedAt,
		SeenAt:         m.SeenAt,
	}
	if m.Content != nil {
		ev.Content = *m.Content
	}
	if m.MediaURL != nil {
		ev.MediaURL = *m.MediaURL
	}
	if m.ClientRef != nil {
		ev.ClientRef = *m.ClientRef
	}
	return ev
}

// PresenceRecord is the last known online state for a user
type PresenceRecord struct {
	UserID   string    `json:"user_id"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"last_seen,omitempty"`
}

// Contact holds the out-of-band reachability info the offline notifier uses
type Contact struct {
	UserID    string  `json:"user_id" db:"user_id"`
	Phone     *string `json:"phone,omitempty" db:"phone"`
	Email     *string `json:"email,omitempty" db:"email"`
	PushToken *string `json:"push_token,omitempty" db:"push_token"`
}

// DeriveConversationKey canonicalizes an unordered user pair into the
// conversation id. Order of arguments never matters.
func DeriveConversationKey(userA, userB string) string {
	pair := []string{userA, userB}
	sort.Strings(pair)
	return strings.Join(pair, ":")
}

// Request DTOs

type AppendMessageRequest struct {
	ToUserID    string `json:"to_user_id" validate:"required"`
	Content     string `json:"content" validate:"required_without=MediaURL"`
	MessageType string `json:"message_type" validate:"required,oneof=text image video file missed_call"`
	MediaURL    string `json:"media_url" validate:"omitempty,url"`
	ClientRef   string `json:"client_ref" validate:"omitempty,max=64"`
}

// HistoryResponse is the authoritative baseline for one pair
type HistoryResponse struct {
	ConversationID string     `json:"conversation_id"`
	Messages       []*Message `json:"messages"`
}
