// internal/chat/postgres.go

package chat

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
)

var ErrConversationNotFound = errors.New("conversation not found")

type postgresRepository struct {
	db *sqlx.DB
}

func NewPostgresRepository(db *sqlx.DB) Repository {
	return &postgresRepository{db: db}
}

// GetOrCreateConversation returns the conversation for the unordered pair,
// creating it lazily on first contact. The derived key makes the insert a
// no-op when a concurrent request created the row first.
func (r *postgresRepository) GetOrCreateConversation(ctx context.Context, userA, userB string) (*Conversation, error) {
	key := DeriveConversationKey(userA, userB)

	query := `
        INSERT INTO conversations (id, user_a, user_b, created_at)
        VALUES ($1, LEAST($2, $3), GREATEST($2, $3), NOW())
        ON CONFLICT (id) DO NOTHING`

	if _, err := r.db.ExecContext(ctx, query, key, userA, userB); err != nil {
		return nil, err
	}
	return r.GetConversation(ctx, key)
}

func (r *postgresRepository) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var conv Conversation
	query := `
        SELECT id, user_a, user_b, created_at, last_message_at
        FROM conversations
        WHERE id = $1`

	if err := r.db.GetContext(ctx, &conv, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	return &conv, nil
}

func (r *postgresRepository) TouchConversation(ctx context.Context, id string) error {
	query := `
        UPDATE conversations
        SET last_message_at = NOW()
        WHERE id = $1`

	_, err := r.db.ExecContext(ctx, query, id)
	return err
}

func (r *postgresRepository) CreateMessage(ctx context.Context, message *Message) error {
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now()
	}

	query := `
        INSERT INTO messages (
            conversation_id, from_user_id, to_user_id, content,
            message_type, media_url, client_ref, created_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        RETURNING id`

	return r.db.QueryRowContext(
		ctx, query,
		message.ConversationID, message.FromUserID, message.ToUserID,
		message.Content, message.MessageType, message.MediaURL,
		message.ClientRef, message.CreatedAt,
	).Scan(&message.ID)
}

// GetConversationMessages returns the full history in ascending time order,
// the order the client renders it in.
func (r *postgresRepository) GetConversationMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	query := `
        SELECT id, conversation_id, from_user_id, to_user_id, content,
               message_type, media_url, client_ref, created_at, seen_at
        FROM (
            SELECT * FROM messages
            WHERE conversation_id = $1
            ORDER BY created_at DESC, id DESC
            LIMIT $2
        ) recent
        ORDER BY created_at ASC, id ASC`

	messages := []*Message{}
	if err := r.db.SelectContext(ctx, &messages, query, conversationID, limit); err != nil {
		return nil, err
	}
	return messages, nil
}

// MarkConversationSeen stamps every unseen message addressed to userID
func (r *postgresRepository) MarkConversationSeen(ctx context.Context, conversationID, userID string) error {
	query := `
        UPDATE messages
        SET seen_at = NOW()
        WHERE conversation_id = $1 AND to_user_id = $2 AND seen_at IS NULL`

	_, err := r.db.ExecContext(ctx, query, conversationID, userID)
	return err
}

// GetRecentPartners lists users this user shares a conversation with,
// most recently active first. Presence changes fan out to these.
func (r *postgresRepository) GetRecentPartners(ctx context.Context, userID string, limit int) ([]string, error) {
	query := `
        SELECT CASE WHEN user_a = $1 THEN user_b ELSE user_a END AS partner
        FROM conversations
        WHERE user_a = $1 OR user_b = $1
        ORDER BY last_message_at DESC NULLS LAST
        LIMIT $2`

	partners := []string{}
	if err := r.db.SelectContext(ctx, &partners, query, userID, limit); err != nil {
		return nil, err
	}
	return partners, nil
}

func (r *postgresRepository) GetContact(ctx context.Context, userID string) (*Contact, error) {
	var contact Contact
	query := `
        SELECT user_id, phone, email, push_token
        FROM user_contacts
        WHERE user_id = $1`

	if err := r.db.GetContext(ctx, &contact, query, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &Contact{UserID: userID}, nil
		}
		return nil, err
	}
	return &contact, nil
}
