// internal/session/presence.go
// Client-side presence tracker. Push-only: the map changes exclusively on
// channel events, and absence of updates means the last known state stands.

package session

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/caresync/caresync-backend/internal/realtime"
)

// Presence is the last known online state for a user. Known is false for
// users no event has ever mentioned.
type Presence struct {
	UserID   string
	Online   bool
	LastSeen time.Time
	Known    bool
}

// PresenceTracker maintains online/offline + last-seen per user id and
// notifies subscribers on change
type PresenceTracker struct {
	mu      sync.RWMutex
	records map[string]Presence
	subs    []func(Presence)
}

func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{records: make(map[string]Presence)}
}

// Bind subscribes the tracker to presence events on the channel
func (t *PresenceTracker) Bind(ch realtime.Channel) {
	ch.On(realtime.EventPresence, func(data json.RawMessage) {
		var ev realtime.PresenceEvent
		if err := json.Unmarshal(data, &ev); err != nil || ev.UserID == "" {
			return
		}
		t.Update(ev.UserID, ev.Online, ev.LastSeen)
	})
}

// Update applies one presence event, last write wins
func (t *PresenceTracker) Update(userID string, online bool, lastSeen time.Time) {
	record := Presence{UserID: userID, Online: online, LastSeen: lastSeen, Known: true}

	t.mu.Lock()
	t.records[userID] = record
	subs := make([]func(Presence), len(t.subs))
	copy(subs, t.subs)
	t.mu.Unlock()

	for _, fn := range subs {
		fn(record)
	}
}

// Get returns the last known record, or an unknown record. Never fails.
func (t *PresenceTracker) Get(userID string) Presence {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if record, ok := t.records[userID]; ok {
		return record
	}
	return Presence{UserID: userID}
}

// Subscribe registers a change callback
func (t *PresenceTracker) Subscribe(fn func(Presence)) {
	t.mu.Lock()
	t.subs = append(t.subs, fn)
	t.mu.Unlock()
}
