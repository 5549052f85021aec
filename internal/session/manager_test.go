package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/caresync/caresync-backend/internal/realtime"
)

type emitted struct {
	event   string
	payload interface{}
}

type fakeChannel struct {
	mu       sync.Mutex
	handlers map[string][]realtime.Handler
	connect  []func()
	emits    []emitted
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{handlers: make(map[string][]realtime.Handler)}
}

func (f *fakeChannel) On(event string, h realtime.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = append(f.handlers[event], h)
}

func (f *fakeChannel) OnConnect(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connect = append(f.connect, fn)
}

func (f *fakeChannel) Emit(event string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emits = append(f.emits, emitted{event: event, payload: payload})
	return nil
}

func (f *fakeChannel) Close() error { return nil }

func (f *fakeChannel) deliver(t *testing.T, event string, payload interface{}) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal %s payload: %v", event, err)
	}
	f.mu.Lock()
	handlers := append([]realtime.Handler(nil), f.handlers[event]...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(data)
	}
}

func (f *fakeChannel) reconnect() {
	f.mu.Lock()
	fns := append([]func(){}, f.connect...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (f *fakeChannel) events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.emits))
	for i, e := range f.emits {
		out[i] = e.event
	}
	return out
}

func (f *fakeChannel) emitsOf(event string) []emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []emitted
	for _, e := range f.emits {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

type fakeStore struct {
	mu         sync.Mutex
	history    *History
	historyErr error
	appendResp *Message
	appendErr  error
	appends    []AppendRequest
	presence   Presence

	// when set, History blocks until the channel closes
	block chan struct{}
}

func (f *fakeStore) History(ctx context.Context, peerID string) (*History, error) {
	f.mu.Lock()
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	if f.history == nil {
		return &History{}, nil
	}
	h := *f.history
	return &h, nil
}

func (f *fakeStore) Append(ctx context.Context, req *AppendRequest) (*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appends = append(f.appends, *req)
	if f.appendErr != nil {
		return nil, f.appendErr
	}
	if f.appendResp == nil {
		return &Message{ID: 1}, nil
	}
	resp := *f.appendResp
	resp.ClientRef = req.ClientRef
	return &resp, nil
}

func (f *fakeStore) UploadMedia(ctx context.Context, file io.Reader, filename, contentType string) (string, error) {
	return "https://cdn.example.com/" + filename, nil
}

func (f *fakeStore) Presence(ctx context.Context, userID string) (Presence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.presence.UserID == "" {
		return Presence{UserID: userID}, nil
	}
	return f.presence, nil
}

type fakeTimer struct {
	fn      func()
	stopped bool
}

type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (f *fakeScheduler) After(d time.Duration, fn func()) CancelFunc {
	f.mu.Lock()
	timer := &fakeTimer{fn: fn}
	f.timers = append(f.timers, timer)
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		timer.stopped = true
		f.mu.Unlock()
	}
}

func (f *fakeScheduler) fire() {
	f.mu.Lock()
	timers := f.timers
	f.timers = nil
	f.mu.Unlock()
	for _, timer := range timers {
		if !timer.stopped {
			timer.fn()
		}
	}
}

func newTestManager(store *fakeStore, opts ...Option) (*Manager, *fakeChannel, *fakeScheduler) {
	ch := newFakeChannel()
	sched := &fakeScheduler{}
	m := NewManager("doctor-1", ch, store, sched, opts...)
	return m, ch, sched
}

func TestSelectPeerLoadsHistoryThenJoins(t *testing.T) {
	store := &fakeStore{history: &History{
		ConversationID: "doctor-1:patient-1",
		Messages: []Message{
			{ID: 1, FromUserID: "patient-1", ToUserID: "doctor-1", Content: "hello"},
			{ID: 2, FromUserID: "doctor-1", ToUserID: "patient-1", Content: "hi"},
		},
	}}
	m, ch, _ := newTestManager(store)

	if err := m.SelectPeer(context.Background(), "patient-1"); err != nil {
		t.Fatalf("SelectPeer: %v", err)
	}

	if got := m.Messages("patient-1"); len(got) != 2 {
		t.Fatalf("messages = %d, want 2", len(got))
	}

	events := ch.events()
	if len(events) < 2 || events[0] != realtime.EventJoinConversation || events[1] != realtime.EventMarkSeen {
		t.Fatalf("emit order = %v, want join then mark_seen", events)
	}
}

func TestSelectPeerDegradesToLiveOnly(t *testing.T) {
	store := &fakeStore{historyErr: errors.New("store down")}
	m, ch, _ := newTestManager(store)

	if err := m.SelectPeer(context.Background(), "patient-1"); err == nil {
		t.Fatal("SelectPeer returned nil error with the store down")
	}

	// Room was still joined, live traffic still renders
	if got := len(ch.emitsOf(realtime.EventJoinConversation)); got != 1 {
		t.Fatalf("join emits = %d, want 1", got)
	}
	ch.deliver(t, realtime.EventMessage, realtime.MessageEvent{
		ID: 5, FromUserID: "patient-1", ToUserID: "doctor-1", Content: "still here",
	})
	if got := m.Messages("patient-1"); len(got) != 1 {
		t.Fatalf("live message lost: %d entries", len(got))
	}
}

func TestLiveEventsBufferedDuringLoad(t *testing.T) {
	block := make(chan struct{})
	store := &fakeStore{
		block: block,
		history: &History{
			ConversationID: "doctor-1:patient-1",
			Messages:       []Message{{ID: 1, FromUserID: "patient-1", Content: "old"}},
		},
	}
	m, ch, _ := newTestManager(store)

	done := make(chan error, 1)
	go func() { done <- m.SelectPeer(context.Background(), "patient-1") }()

	// Let the select set the active peer before racing it
	deadline := time.Now().Add(time.Second)
	for m.ActivePeer() != "patient-1" {
		if time.Now().After(deadline) {
			t.Fatal("SelectPeer never set the active peer")
		}
		time.Sleep(time.Millisecond)
	}

	ch.deliver(t, realtime.EventMessage, realtime.MessageEvent{
		ID: 2, FromUserID: "patient-1", Content: "racing the fetch",
	})

	close(block)
	if err := <-done; err != nil {
		t.Fatalf("SelectPeer: %v", err)
	}

	got := m.Messages("patient-1")
	if len(got) != 2 {
		t.Fatalf("messages = %d, want history + buffered live event", len(got))
	}
	if got[0].ID != 1 || got[1].ID != 2 {
		t.Fatalf("order = %d,%d, want baseline first", got[0].ID, got[1].ID)
	}
}

func TestSendReconcilesOptimisticEntry(t *testing.T) {
	store := &fakeStore{appendResp: &Message{ID: 42, ConversationID: "doctor-1:patient-1"}}
	m, ch, _ := newTestManager(store)

	if err := m.SelectPeer(context.Background(), "patient-1"); err != nil {
		t.Fatalf("SelectPeer: %v", err)
	}

	localID, err := m.Send(context.Background(), "take two daily")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if localID == "" {
		t.Fatal("Send returned empty local id")
	}

	got := m.Messages("patient-1")
	if len(got) != 1 {
		t.Fatalf("messages = %d, want 1", len(got))
	}
	if got[0].ID != 42 || got[0].Pending {
		t.Fatalf("entry = %+v, want durable id 42 and not pending", got[0])
	}

	// The live copy carried the client ref
	sent := ch.emitsOf(realtime.EventMessage)
	if len(sent) != 1 {
		t.Fatalf("live emits = %d, want 1", len(sent))
	}
	ev := sent[0].payload.(realtime.MessageEvent)
	if ev.ClientRef == "" || ev.ClientRef != got[0].ClientRef {
		t.Fatalf("live client_ref = %q, entry ref = %q", ev.ClientRef, got[0].ClientRef)
	}

	// The server echo of our own send must not duplicate the entry
	ch.deliver(t, realtime.EventMessage, realtime.MessageEvent{
		ID: 42, ClientRef: ev.ClientRef, FromUserID: "doctor-1", ToUserID: "patient-1", Content: "take two daily",
	})
	if got := m.Messages("patient-1"); len(got) != 1 {
		t.Fatalf("echo duplicated the message: %d entries", len(got))
	}
}

func TestSendKeepsPendingOnStoreFailure(t *testing.T) {
	store := &fakeStore{appendErr: errors.New("store down")}
	m, _, _ := newTestManager(store)

	if err := m.SelectPeer(context.Background(), "patient-1"); err != nil {
		t.Fatalf("SelectPeer: %v", err)
	}
	if _, err := m.Send(context.Background(), "hello"); err == nil {
		t.Fatal("Send returned nil with the store down")
	}

	got := m.Messages("patient-1")
	if len(got) != 1 || !got[0].Pending {
		t.Fatalf("entry = %+v, want it kept pending", got)
	}
}

func TestSendWithoutActivePeer(t *testing.T) {
	m, _, _ := newTestManager(&fakeStore{})
	if _, err := m.Send(context.Background(), "hello"); err != ErrNoActivePeer {
		t.Fatalf("Send = %v, want ErrNoActivePeer", err)
	}
}

func TestReceiverDedupe(t *testing.T) {
	m, ch, _ := newTestManager(&fakeStore{})
	if err := m.SelectPeer(context.Background(), "patient-1"); err != nil {
		t.Fatalf("SelectPeer: %v", err)
	}

	ev := realtime.MessageEvent{ID: 7, FromUserID: "patient-1", Content: "hello"}
	ch.deliver(t, realtime.EventMessage, ev)
	ch.deliver(t, realtime.EventMessage, ev)
	if got := m.Messages("patient-1"); len(got) != 1 {
		t.Fatalf("duplicate id appended: %d entries", len(got))
	}

	// Ref-only first copy, then the durable copy: one entry, upgraded
	ch.deliver(t, realtime.EventMessage, realtime.MessageEvent{
		ClientRef: "ref-1", FromUserID: "patient-1", Content: "second",
	})
	ch.deliver(t, realtime.EventMessage, realtime.MessageEvent{
		ID: 8, ClientRef: "ref-1", FromUserID: "patient-1", Content: "second",
	})

	got := m.Messages("patient-1")
	if len(got) != 2 {
		t.Fatalf("messages = %d, want 2", len(got))
	}
	if got[1].ID != 8 {
		t.Fatalf("ref entry not upgraded to durable id: %+v", got[1])
	}
}

func TestTypingDebounce(t *testing.T) {
	m, ch, sched := newTestManager(&fakeStore{})
	if err := m.SelectPeer(context.Background(), "patient-1"); err != nil {
		t.Fatalf("SelectPeer: %v", err)
	}

	m.OnDraftChange("h")
	m.OnDraftChange("he")
	m.OnDraftChange("hel")

	typingEmits := ch.emitsOf(realtime.EventTyping)
	if len(typingEmits) != 1 {
		t.Fatalf("typing emits = %d, want one leading edge", len(typingEmits))
	}
	if ev := typingEmits[0].payload.(realtime.TypingEvent); !ev.Typing {
		t.Fatalf("leading edge = %+v, want typing true", ev)
	}

	sched.fire()

	typingEmits = ch.emitsOf(realtime.EventTyping)
	if len(typingEmits) != 2 {
		t.Fatalf("typing emits = %d, want true then false", len(typingEmits))
	}
	if ev := typingEmits[1].payload.(realtime.TypingEvent); ev.Typing {
		t.Fatalf("quiet window emit = %+v, want typing false", ev)
	}

	// A new burst after the quiet window starts over
	m.OnDraftChange("again")
	if got := len(ch.emitsOf(realtime.EventTyping)); got != 3 {
		t.Fatalf("typing emits = %d, want new leading edge", got)
	}
}

func TestPeerTypingState(t *testing.T) {
	m, ch, _ := newTestManager(&fakeStore{})

	ch.deliver(t, realtime.EventTyping, realtime.TypingEvent{FromUserID: "patient-1", Typing: true})
	if !m.IsTyping("patient-1") {
		t.Fatal("typing=true not tracked")
	}
	ch.deliver(t, realtime.EventTyping, realtime.TypingEvent{FromUserID: "patient-1", Typing: false})
	if m.IsTyping("patient-1") {
		t.Fatal("typing=false not tracked")
	}
}

func TestUnknownPeerSurfaces(t *testing.T) {
	m, ch, _ := newTestManager(&fakeStore{})

	ch.deliver(t, realtime.EventMessage, realtime.MessageEvent{
		ID: 1, FromUserID: "stranger-9", Content: "new consult request",
	})

	peers := m.Peers()
	if len(peers) != 1 || peers[0] != "stranger-9" {
		t.Fatalf("peers = %v, want the stranger surfaced", peers)
	}
	if got := m.Messages("stranger-9"); len(got) != 1 {
		t.Fatalf("messages = %d, want 1", len(got))
	}
}

func TestOwnEchoIgnoredForUnloadedPeer(t *testing.T) {
	m, ch, _ := newTestManager(&fakeStore{})

	ch.deliver(t, realtime.EventMessage, realtime.MessageEvent{
		ID: 1, FromUserID: "doctor-1", ToUserID: "patient-1", Content: "own echo",
	})
	if got := m.Peers(); len(got) != 0 {
		t.Fatalf("own echo surfaced a peer: %v", got)
	}
}

func TestRecordMissedCallDirections(t *testing.T) {
	m, _, _ := newTestManager(&fakeStore{})

	m.RecordMissedCall("patient-1", true)
	m.RecordMissedCall("patient-1", false)

	got := m.Messages("patient-1")
	if len(got) != 2 {
		t.Fatalf("messages = %d, want 2", len(got))
	}
	if got[0].FromUserID != "patient-1" || got[0].MessageType != messageTypeMissedCall {
		t.Fatalf("incoming miss = %+v", got[0])
	}
	if got[1].FromUserID != "doctor-1" {
		t.Fatalf("outgoing miss = %+v", got[1])
	}
}

func TestReconnectRejoinsActivePeer(t *testing.T) {
	store := &fakeStore{history: &History{ConversationID: "doctor-1:patient-1"}}
	m, ch, _ := newTestManager(store)

	if err := m.SelectPeer(context.Background(), "patient-1"); err != nil {
		t.Fatalf("SelectPeer: %v", err)
	}
	before := len(ch.emitsOf(realtime.EventJoinConversation))

	ch.reconnect()

	if got := len(ch.emitsOf(realtime.EventJoinConversation)); got != before+1 {
		t.Fatalf("join emits after reconnect = %d, want %d", got, before+1)
	}
}
