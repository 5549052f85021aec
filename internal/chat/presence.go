// internal/chat/presence.go
// Server-side presence store. Online state and last-seen live in Redis and
// are written only on hub register/unregister; the REST presence endpoint
// reads the same keys for point-in-time lookups.

package chat

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
)

type PresenceStore interface {
	SetOnline(ctx context.Context, userID string) error
	SetOffline(ctx context.Context, userID string) error
	Get(ctx context.Context, userID string) (*PresenceRecord, error)
}

type redisPresenceStore struct {
	client *redis.Client
}

func NewRedisPresenceStore(client *redis.Client) PresenceStore {
	return &redisPresenceStore{client: client}
}

func presenceKey(userID string) string {
	return "presence:" + userID
}

func (s *redisPresenceStore) SetOnline(ctx context.Context, userID string) error {
	return s.client.HSet(ctx, presenceKey(userID),
		"online", "1",
		"last_seen", time.Now().UTC().Format(time.RFC3339Nano),
	).Err()
}

func (s *redisPresenceStore) SetOffline(ctx context.Context, userID string) error {
	return s.client.HSet(ctx, presenceKey(userID),
		"online", "0",
		"last_seen", time.Now().UTC().Format(time.RFC3339Nano),
	).Err()
}

// Get returns the last known record. A user Redis has never seen yields
// an offline record with a zero last-seen, never an error the caller has
// to special-case.
func (s *redisPresenceStore) Get(ctx context.Context, userID string) (*PresenceRecord, error) {
	fields, err := s.client.HGetAll(ctx, presenceKey(userID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	record := &PresenceRecord{UserID: userID}
	if fields["online"] == "1" {
		record.Online = true
	}
	if raw, ok := fields["last_seen"]; ok {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			record.LastSeen = ts
		}
	}
	return record, nil
}
