// internal/session/manager.go
// Chat session manager: owns the active conversation selection, merges REST
// history with live channel events into one ordered duplicate-free list per
// peer, and drives the typing debounce and seen receipts.

package session

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/caresync/caresync-backend/internal/realtime"
)

// ErrNoActivePeer is returned by send operations before any peer is selected
var ErrNoActivePeer = errors.New("session: no active peer")

const (
	messageTypeText       = "text"
	messageTypeMissedCall = "missed_call"

	// DefaultTypingQuietWindow ends a typing burst after this much silence
	DefaultTypingQuietWindow = 1500 * time.Millisecond
)

// conversation is the per-peer client state. History replaces the list
// wholesale on load; live events append monotonically afterwards.
type conversation struct {
	id       string
	loaded   bool
	messages []Message
	ids      map[int64]struct{}
	refs     map[string]struct{}

	// Live events that arrived before the history baseline; merged, not
	// dropped, once the load completes.
	buffer []realtime.MessageEvent
}

// Manager produces a consistent timeline per peer and exposes send,
// media-send and draft-change operations for the active one.
type Manager struct {
	selfID string
	ch     realtime.Channel
	store  ConversationStore
	sched  Scheduler

	quietWindow time.Duration
	tracker     *PresenceTracker
	onUpdate    func(peerID string)

	mu            sync.Mutex
	activePeer    string
	conversations map[string]*conversation
	peers         []string
	typing        map[string]bool

	typingActive bool
	cancelTyping CancelFunc
}

// Option configures a Manager
type Option func(*Manager)

// WithTypingQuietWindow overrides the typing debounce quiet window
func WithTypingQuietWindow(d time.Duration) Option {
	return func(m *Manager) { m.quietWindow = d }
}

// WithPresenceTracker lets SelectPeer seed the tracker with the point-in-
// time presence fetched from the store
func WithPresenceTracker(t *PresenceTracker) Option {
	return func(m *Manager) { m.tracker = t }
}

// WithOnUpdate registers a callback fired after any timeline or typing
// state change, with the affected peer id
func WithOnUpdate(fn func(peerID string)) Option {
	return func(m *Manager) { m.onUpdate = fn }
}

func NewManager(selfID string, ch realtime.Channel, store ConversationStore, sched Scheduler, opts ...Option) *Manager {
	m := &Manager{
		selfID:        selfID,
		ch:            ch,
		store:         store,
		sched:         sched,
		quietWindow:   DefaultTypingQuietWindow,
		conversations: make(map[string]*conversation),
		typing:        make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}

	ch.On(realtime.EventMessage, m.handleMessage)
	ch.On(realtime.EventTyping, m.handleTyping)
	ch.OnConnect(m.handleReconnect)

	return m
}

// SelectPeer loads the authoritative history for a peer and joins its
// realtime room, in that order. A history fetch failure degrades to a
// live-only view: the error is returned for the UI, but the room is still
// joined.
func (m *Manager) SelectPeer(ctx context.Context, peerID string) error {
	m.mu.Lock()
	m.activePeer = peerID
	conv := m.ensureConversation(peerID)
	conv.loaded = false
	m.mu.Unlock()

	history, fetchErr := m.store.History(ctx, peerID)

	m.mu.Lock()
	if fetchErr == nil {
		conv.id = history.ConversationID
		conv.messages = make([]Message, 0, len(history.Messages))
		conv.ids = make(map[int64]struct{})
		conv.refs = make(map[string]struct{})
		for _, msg := range history.Messages {
			conv.messages = append(conv.messages, msg)
			if msg.ID != 0 {
				conv.ids[msg.ID] = struct{}{}
			}
			if msg.ClientRef != "" {
				conv.refs[msg.ClientRef] = struct{}{}
			}
		}
	}
	conv.loaded = true
	for _, ev := range conv.buffer {
		m.mergeLocked(conv, ev)
	}
	conv.buffer = nil
	conversationID := conv.id
	m.mu.Unlock()

	// History first, then join: events from here on are attributable, and
	// anything that raced the fetch sits in the dedupe sets' jurisdiction.
	if err := m.ch.Emit(realtime.EventJoinConversation, realtime.JoinConversationEvent{WithUserID: peerID}); err != nil {
		log.Printf("session: join_conversation for %s failed: %v", peerID, err)
	}

	// Seen receipt is advisory, fire-and-forget
	if conversationID != "" {
		if err := m.ch.Emit(realtime.EventMarkSeen, realtime.MarkSeenEvent{ConversationID: conversationID}); err != nil {
			log.Printf("session: mark_seen for %s failed: %v", conversationID, err)
		}
	}

	if m.tracker != nil {
		if p, err := m.store.Presence(ctx, peerID); err == nil && p.Known {
			m.tracker.Update(p.UserID, p.Online, p.LastSeen)
		}
	}

	m.notify(peerID)
	return fetchErr
}

// Send appends an optimistic entry, emits the live copy over the channel
// and persists through the store. The two writes are independent; the
// client ref ties the optimistic entry to the durable echo.
func (m *Manager) Send(ctx context.Context, text string) (string, error) {
	return m.send(ctx, text, "", messageTypeText)
}

// SendMedia sends an already-uploaded attachment by URL
func (m *Manager) SendMedia(ctx context.Context, mediaURL, mediaType string) (string, error) {
	return m.send(ctx, "", mediaURL, mediaType)
}

func (m *Manager) send(ctx context.Context, text, mediaURL, messageType string) (string, error) {
	m.mu.Lock()
	peerID := m.activePeer
	if peerID == "" {
		m.mu.Unlock()
		return "", ErrNoActivePeer
	}

	ref := uuid.NewString()
	localID := "local-" + ref
	conv := m.ensureConversation(peerID)
	entry := Message{
		LocalID:     localID,
		ClientRef:   ref,
		FromUserID:  m.selfID,
		ToUserID:    peerID,
		Content:     text,
		MediaURL:    mediaURL,
		MessageType: messageType,
		CreatedAt:   time.Now(),
		Pending:     true,
	}
	conv.messages = append(conv.messages, entry)
	conv.refs[ref] = struct{}{}
	m.mu.Unlock()
	m.notify(peerID)

	// Low-latency leg: best effort, the durable write below is what counts
	if err := m.ch.Emit(realtime.EventMessage, realtime.MessageEvent{
		ToUserID:    peerID,
		Content:     text,
		MediaURL:    mediaURL,
		MessageType: messageType,
		ClientRef:   ref,
		CreatedAt:   entry.CreatedAt,
	}); err != nil {
		log.Printf("session: live send to %s failed: %v", peerID, err)
	}

	durable, err := m.store.Append(ctx, &AppendRequest{
		ToUserID:    peerID,
		Content:     text,
		MediaURL:    mediaURL,
		MessageType: messageType,
		ClientRef:   ref,
	})
	if err != nil {
		// Entry stays pending; a later history reload converges the state
		return localID, err
	}

	m.mu.Lock()
	if conv.id == "" {
		conv.id = durable.ConversationID
	}
	for i := range conv.messages {
		if conv.messages[i].ClientRef == ref {
			conv.messages[i].ID = durable.ID
			conv.messages[i].ConversationID = durable.ConversationID
			conv.messages[i].Pending = false
			break
		}
	}
	conv.ids[durable.ID] = struct{}{}
	m.mu.Unlock()
	m.notify(peerID)

	return localID, nil
}

// OnDraftChange emits typing=true on the leading edge of a burst and
// typing=false after the quiet window, never per keystroke
func (m *Manager) OnDraftChange(text string) {
	m.mu.Lock()
	peerID := m.activePeer
	if peerID == "" {
		m.mu.Unlock()
		return
	}

	start := !m.typingActive
	m.typingActive = true
	if m.cancelTyping != nil {
		m.cancelTyping()
	}
	m.cancelTyping = m.sched.After(m.quietWindow, func() { m.stopTyping(peerID) })
	m.mu.Unlock()

	if start {
		if err := m.ch.Emit(realtime.EventTyping, realtime.TypingEvent{ToUserID: peerID, Typing: true}); err != nil {
			log.Printf("session: typing signal failed: %v", err)
		}
	}
}

func (m *Manager) stopTyping(peerID string) {
	m.mu.Lock()
	if !m.typingActive {
		m.mu.Unlock()
		return
	}
	m.typingActive = false
	m.cancelTyping = nil
	m.mu.Unlock()

	if err := m.ch.Emit(realtime.EventTyping, realtime.TypingEvent{ToUserID: peerID, Typing: false}); err != nil {
		log.Printf("session: typing signal failed: %v", err)
	}
}

// RecordMissedCall puts a synthetic missed-call entry in the timeline for
// the peer. Incoming distinguishes "they called me" from "my call rang
// out". Local-only: each side detects its own miss, so persisting would
// double the durable entries.
func (m *Manager) RecordMissedCall(peerID string, incoming bool) {
	from, to := m.selfID, peerID
	if incoming {
		from, to = peerID, m.selfID
	}

	m.mu.Lock()
	conv := m.ensureConversation(peerID)
	ref := uuid.NewString()
	conv.messages = append(conv.messages, Message{
		LocalID:     "local-" + ref,
		ClientRef:   ref,
		FromUserID:  from,
		ToUserID:    to,
		MessageType: messageTypeMissedCall,
		CreatedAt:   time.Now(),
	})
	conv.refs[ref] = struct{}{}
	m.mu.Unlock()

	m.notify(peerID)
}

// Messages returns a copy of the rendered timeline for a peer
func (m *Manager) Messages(peerID string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[peerID]
	if !ok {
		return nil
	}
	out := make([]Message, len(conv.messages))
	copy(out, conv.messages)
	return out
}

// Peers returns the known peers in first-seen order
func (m *Manager) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, len(m.peers))
	copy(out, m.peers)
	return out
}

// IsTyping reports whether the peer is currently typing
func (m *Manager) IsTyping(peerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.typing[peerID]
}

// ActivePeer returns the currently selected peer, if any
func (m *Manager) ActivePeer() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activePeer
}

func (m *Manager) handleMessage(data json.RawMessage) {
	var ev realtime.MessageEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return
	}

	// Echo of our own optimistic send; the ref reconciliation on the
	// durable append already owns this message.
	if ev.FromUserID == m.selfID {
		return
	}
	if ev.FromUserID == "" {
		return
	}

	peerID := ev.FromUserID
	m.mu.Lock()
	conv := m.ensureConversation(peerID)
	if !conv.loaded && m.activePeer == peerID {
		// History fetch in flight; merge once the baseline lands
		conv.buffer = append(conv.buffer, ev)
		m.mu.Unlock()
		return
	}
	m.mergeLocked(conv, ev)
	m.mu.Unlock()

	m.notify(peerID)
}

// mergeLocked applies one live event with the dedupe rules. Callers hold mu.
func (m *Manager) mergeLocked(conv *conversation, ev realtime.MessageEvent) {
	if ev.ID != 0 {
		if _, dup := conv.ids[ev.ID]; dup {
			return
		}
	}
	if ev.ClientRef != "" {
		if _, dup := conv.refs[ev.ClientRef]; dup {
			// Same logical message seen before; a durable id upgrades the
			// existing entry instead of appending a twin
			if ev.ID != 0 {
				for i := range conv.messages {
					if conv.messages[i].ClientRef == ev.ClientRef && conv.messages[i].ID == 0 {
						conv.messages[i].ID = ev.ID
						conv.messages[i].Pending = false
						conv.ids[ev.ID] = struct{}{}
						break
					}
				}
			}
			return
		}
	}

	if conv.id == "" && ev.ConversationID != "" {
		conv.id = ev.ConversationID
	}

	conv.messages = append(conv.messages, Message{
		ID:             ev.ID,
		ClientRef:      ev.ClientRef,
		ConversationID: ev.ConversationID,
		FromUserID:     ev.FromUserID,
		ToUserID:       ev.ToUserID,
		Content:        ev.Content,
		MediaURL:       ev.MediaURL,
		MessageType:    defaultType(ev.MessageType),
		CreatedAt:      ev.CreatedAt,
		SeenAt:         ev.SeenAt,
	})
	if ev.ID != 0 {
		conv.ids[ev.ID] = struct{}{}
	}
	if ev.ClientRef != "" {
		conv.refs[ev.ClientRef] = struct{}{}
	}
}

func (m *Manager) handleTyping(data json.RawMessage) {
	var ev realtime.TypingEvent
	if err := json.Unmarshal(data, &ev); err != nil || ev.FromUserID == "" {
		return
	}

	m.mu.Lock()
	m.typing[ev.FromUserID] = ev.Typing
	m.mu.Unlock()

	m.notify(ev.FromUserID)
}

// handleReconnect re-joins the active room after a transport drop. Local
// state is kept; replayed events collapse in the dedupe sets.
func (m *Manager) handleReconnect() {
	m.mu.Lock()
	peerID := m.activePeer
	conversationID := ""
	if conv, ok := m.conversations[peerID]; ok {
		conversationID = conv.id
	}
	m.mu.Unlock()

	if peerID == "" {
		return
	}
	if err := m.ch.Emit(realtime.EventJoinConversation, realtime.JoinConversationEvent{WithUserID: peerID}); err != nil {
		log.Printf("session: rejoin for %s failed: %v", peerID, err)
	}
	if conversationID != "" {
		m.ch.Emit(realtime.EventMarkSeen, realtime.MarkSeenEvent{ConversationID: conversationID})
	}
}

// ensureConversation returns the per-peer state, surfacing previously
// unknown peers in the peer list. Callers hold mu.
func (m *Manager) ensureConversation(peerID string) *conversation {
	if conv, ok := m.conversations[peerID]; ok {
		return conv
	}
	conv := &conversation{
		ids:  make(map[int64]struct{}),
		refs: make(map[string]struct{}),
	}
	m.conversations[peerID] = conv
	m.peers = append(m.peers, peerID)
	return conv
}

func (m *Manager) notify(peerID string) {
	if m.onUpdate != nil {
		m.onUpdate(peerID)
	}
}

func defaultType(messageType string) string {
	if messageType == "" {
		return messageTypeText
	}
	return messageType
}
