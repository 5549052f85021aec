// internal/chat/repository.go

package chat

import (
	"context"
)

type Repository interface {
	// Conversations
	GetOrCreateConversation(ctx context.Context, userA, userB string) (*Conversation, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	TouchConversation(ctx context.Context, id string) error

	// Messages
	CreateMessage(ctx context.Context, message *Message) error
	GetConversationMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)
	MarkConversationSeen(ctx context.Context, conversationID, userID string) error

	// Contacts
	GetRecentPartners(ctx context.Context, userID string, limit int) ([]string, error)
	GetContact(ctx context.Context, userID string) (*Contact, error)
}
