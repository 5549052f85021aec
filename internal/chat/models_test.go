package chat

import (
	"testing"
	"time"
)

func TestDeriveConversationKey(t *testing.T) {
	tests := []struct {
		name  string
		userA string
		userB string
		want  string
	}{
		{"already ordered", "alice", "bob", "alice:bob"},
		{"reversed", "bob", "alice", "alice:bob"},
		{"numeric ids", "42", "17", "17:42"},
		{"uuid-ish ids", "b2c3", "a1f4", "a1f4:b2c3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DeriveConversationKey(tt.userA, tt.userB); got != tt.want {
				t.Errorf("DeriveConversationKey(%q, %q) = %q, want %q", tt.userA, tt.userB, got, tt.want)
			}
		})
	}
}

func TestDeriveConversationKeyOrderIndependent(t *testing.T) {
	if DeriveConversationKey("x", "y") != DeriveConversationKey("y", "x") {
		t.Fatal("key depends on argument order")
	}
}

func TestConversationPeer(t *testing.T) {
	conv := &Conversation{ID: "alice:bob", UserA: "alice", UserB: "bob"}

	if got := conv.Peer("alice"); got != "bob" {
		t.Errorf("Peer(alice) = %q, want bob", got)
	}
	if got := conv.Peer("bob"); got != "alice" {
		t.Errorf("Peer(bob) = %q, want alice", got)
	}
}

func TestMessageEvent(t *testing.T) {
	content := "see you at 3pm"
	ref := "ref-abc"
	created := time.Date(2026, 8, 30, 14, 0, 0, 0, time.UTC)

	msg := &Message{
		ID:             9,
		ConversationID: "alice:bob",
		FromUserID:     "alice",
		ToUserID:       "bob",
		Content:        &content,
		MessageType:    MessageTypeText,
		ClientRef:      &ref,
		CreatedAt:      created,
	}

	ev := msg.Event()
	if ev.ID != 9 || ev.Content != content || ev.ClientRef != ref {
		t.Fatalf("event = %+v", ev)
	}
	if ev.MediaURL != "" {
		t.Fatalf("nil media url rendered as %q", ev.MediaURL)
	}
	if !ev.CreatedAt.Equal(created) {
		t.Fatalf("created_at = %v", ev.CreatedAt)
	}
}
