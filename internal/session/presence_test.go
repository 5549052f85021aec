package session

import (
	"testing"
	"time"

	"github.com/caresync/caresync-backend/internal/realtime"
)

func TestPresenceLastWriteWins(t *testing.T) {
	tracker := NewPresenceTracker()
	ch := newFakeChannel()
	tracker.Bind(ch)

	wentOnline := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	wentOffline := wentOnline.Add(5 * time.Minute)

	ch.deliver(t, realtime.EventPresence, realtime.PresenceEvent{
		UserID: "patient-1", Online: true, LastSeen: wentOnline,
	})
	ch.deliver(t, realtime.EventPresence, realtime.PresenceEvent{
		UserID: "patient-1", Online: false, LastSeen: wentOffline,
	})

	got := tracker.Get("patient-1")
	if got.Online || !got.LastSeen.Equal(wentOffline) {
		t.Fatalf("record = %+v, want offline at %v", got, wentOffline)
	}
	if !got.Known {
		t.Fatal("record not marked known")
	}
}

func TestPresenceUnknownUser(t *testing.T) {
	tracker := NewPresenceTracker()

	got := tracker.Get("never-seen")
	if got.Known {
		t.Fatalf("record = %+v, want unknown", got)
	}
	if got.UserID != "never-seen" {
		t.Fatalf("user id = %q", got.UserID)
	}
}

func TestPresenceSubscribers(t *testing.T) {
	tracker := NewPresenceTracker()

	var seen []Presence
	tracker.Subscribe(func(p Presence) { seen = append(seen, p) })

	tracker.Update("patient-1", true, time.Now())
	tracker.Update("patient-2", false, time.Now())

	if len(seen) != 2 {
		t.Fatalf("callbacks = %d, want 2", len(seen))
	}
	if seen[0].UserID != "patient-1" || !seen[0].Online {
		t.Fatalf("first callback = %+v", seen[0])
	}
}

func TestPresenceMalformedEventIgnored(t *testing.T) {
	tracker := NewPresenceTracker()
	ch := newFakeChannel()
	tracker.Bind(ch)

	ch.deliver(t, realtime.EventPresence, realtime.PresenceEvent{Online: true})

	if got := tracker.Get(""); got.Known {
		t.Fatalf("event without user id tracked: %+v", got)
	}
}
