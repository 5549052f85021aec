// internal/chat/service.go

package chat

import (
	"context"
	"errors"
	"io"
	"log"
	"time"
)

var (
	ErrNotParticipant = errors.New("not a participant in this conversation")
	ErrEmptyMessage   = errors.New("message has neither content nor media")
)

const (
	historyLimit       = 500
	recentPartnerLimit = 100
	previewLength      = 80
)

type Service interface {
	// Conversation store operations consumed over REST
	History(ctx context.Context, selfID, peerID string) (*HistoryResponse, error)
	AppendMessage(ctx context.Context, fromUserID string, req *AppendMessageRequest) (*Message, error)
	MarkSeen(ctx context.Context, userID, conversationID string) error
	UploadMedia(ctx context.Context, file io.Reader, filename, contentType string) (string, error)

	// Presence
	Presence(ctx context.Context, userID string) (*PresenceRecord, error)
	SetOnlineStatus(ctx context.Context, userID string, online bool) error

	// Hub support
	EnsureConversation(ctx context.Context, userA, userB string) (*Conversation, error)
	RecentPartners(ctx context.Context, userID string) ([]string, error)
	NotifyOffline(ctx context.Context, toUserID, fromUserID, kind, preview string)
}

type chatService struct {
	repo     Repository
	presence PresenceStore
	storage  StorageService
	notifier Notifier
}

func NewService(repo Repository, presence PresenceStore, storage StorageService, notifier Notifier) Service {
	return &chatService{
		repo:     repo,
		presence: presence,
		storage:  storage,
		notifier: notifier,
	}
}

// History returns the full message list for the pair, creating the
// conversation lazily on first fetch.
func (s *chatService) History(ctx context.Context, selfID, peerID string) (*HistoryResponse, error) {
	conv, err := s.repo.GetOrCreateConversation(ctx, selfID, peerID)
	if err != nil {
		return nil, err
	}

	messages, err := s.repo.GetConversationMessages(ctx, conv.ID, historyLimit)
	if err != nil {
		return nil, err
	}

	return &HistoryResponse{ConversationID: conv.ID, Messages: messages}, nil
}

// AppendMessage is the durable half of the client's dual-write. The live
// copy travels over the channel independently; this call is what makes the
// message exist.
func (s *chatService) AppendMessage(ctx context.Context, fromUserID string, req *AppendMessageRequest) (*Message, error) {
	if req.Content == "" && req.MediaURL == "" {
		return nil, ErrEmptyMessage
	}

	conv, err := s.repo.GetOrCreateConversation(ctx, fromUserID, req.ToUserID)
	if err != nil {
		return nil, err
	}

	message := &Message{
		ConversationID: conv.ID,
		FromUserID:     fromUserID,
		ToUserID:       req.ToUserID,
		MessageType:    req.MessageType,
		CreatedAt:      time.Now(),
	}
	if req.Content != "" {
		message.Content = &req.Content
	}
	if req.MediaURL != "" {
		message.MediaURL = &req.MediaURL
	}
	if req.ClientRef != "" {
		message.ClientRef = &req.ClientRef
	}

	if err := s.repo.CreateMessage(ctx, message); err != nil {
		return nil, err
	}
	messagesPersisted.Inc()

	if err := s.repo.TouchConversation(ctx, conv.ID); err != nil {
		log.Printf("Failed to touch conversation %s: %v", conv.ID, err)
	}

	return message, nil
}

// MarkSeen is advisory; failures are the caller's to ignore
func (s *chatService) MarkSeen(ctx context.Context, userID, conversationID string) error {
	conv, err := s.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.UserA != userID && conv.UserB != userID {
		return ErrNotParticipant
	}
	return s.repo.MarkConversationSeen(ctx, conversationID, userID)
}

func (s *chatService) UploadMedia(ctx context.Context, file io.Reader, filename, contentType string) (string, error) {
	return s.storage.UploadMedia(ctx, file, filename, contentType)
}

func (s *chatService) Presence(ctx context.Context, userID string) (*PresenceRecord, error) {
	return s.presence.Get(ctx, userID)
}

func (s *chatService) SetOnlineStatus(ctx context.Context, userID string, online bool) error {
	if online {
		return s.presence.SetOnline(ctx, userID)
	}
	return s.presence.SetOffline(ctx, userID)
}

func (s *chatService) EnsureConversation(ctx context.Context, userA, userB string) (*Conversation, error) {
	return s.repo.GetOrCreateConversation(ctx, userA, userB)
}

func (s *chatService) RecentPartners(ctx context.Context, userID string) ([]string, error) {
	return s.repo.GetRecentPartners(ctx, userID, recentPartnerLimit)
}

// NotifyOffline hands an event for a disconnected user to the notifier.
// Best effort: errors are logged, never propagated to the relay path.
func (s *chatService) NotifyOffline(ctx context.Context, toUserID, fromUserID, kind, preview string) {
	if s.notifier == nil {
		return
	}

	contact, err := s.repo.GetContact(ctx, toUserID)
	if err != nil {
		log.Printf("Failed to resolve contact for %s: %v", toUserID, err)
		return
	}

	if len(preview) > previewLength {
		preview = preview[:previewLength]
	}

	offlineNotifications.WithLabelValues(kind).Inc()
	switch kind {
	case NotifyKindMissedCall:
		err = s.notifier.NotifyMissedCall(ctx, contact, fromUserID)
	default:
		err = s.notifier.NotifyMessage(ctx, contact, fromUserID, preview)
	}
	if err != nil {
		log.Printf("Offline notification to %s failed: %v", toUserID, err)
	}
}
