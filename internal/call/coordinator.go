// internal/call/coordinator.go
// Call signaling state machine. One call at a time: the coordinator owns
// offer/answer exchange, candidate queueing, ring timeout and teardown,
// and leaves media negotiation to the peer connection underneath.

package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/caresync/caresync-backend/internal/realtime"
	"github.com/caresync/caresync-backend/internal/session"
)

// State is the coordinator's call state
type State int

const (
	// StateIdle means no call activity
	StateIdle State = iota
	// StateOffering means we sent an offer and are waiting for an answer
	StateOffering
	// StateRinging means we received an offer and have not accepted yet
	StateRinging
	// StateConnected means descriptions are exchanged on both sides
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOffering:
		return "offering"
	case StateRinging:
		return "ringing"
	case StateConnected:
		return "connected"
	}
	return "unknown"
}

// DefaultRingTimeout is how long an unanswered call rings before it is
// recorded as missed
const DefaultRingTimeout = 30 * time.Second

var (
	// ErrCallInProgress is returned by StartCall while another call is active
	ErrCallInProgress = errors.New("call: another call is in progress")
	// ErrNoIncomingCall is returned by Accept with no pending offer
	ErrNoIncomingCall = errors.New("call: no incoming call to accept")
)

// Timeline receives missed-call entries for the conversation view.
// Incoming distinguishes a call that rang out here from one that rang out
// on the other side.
type Timeline interface {
	RecordMissedCall(peerID string, incoming bool)
}

// Coordinator drives one call's signaling over the realtime channel
type Coordinator struct {
	selfID   string
	ch       realtime.Channel
	factory  Factory
	sched    session.Scheduler
	timeline Timeline

	ringTimeout time.Duration
	onState     func(peerID string, s State)
	onIncoming  func(peerID string)

	mu           sync.Mutex
	state        State
	peerID       string
	pc           PeerConnection
	localOffer   string
	pendingOffer string
	remoteSet    bool
	queued       []realtime.ICECandidate
	applied      map[string]struct{}
	cancelRing   session.CancelFunc
}

// CoordinatorOption configures a Coordinator
type CoordinatorOption func(*Coordinator)

// WithRingTimeout overrides the unanswered-call timeout
func WithRingTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.ringTimeout = d }
}

// WithOnStateChange registers a callback for call state transitions
func WithOnStateChange(fn func(peerID string, s State)) CoordinatorOption {
	return func(c *Coordinator) { c.onState = fn }
}

// WithOnIncomingCall registers a callback fired when a peer's offer arrives
func WithOnIncomingCall(fn func(peerID string)) CoordinatorOption {
	return func(c *Coordinator) { c.onIncoming = fn }
}

func NewCoordinator(selfID string, ch realtime.Channel, factory Factory, sched session.Scheduler, timeline Timeline, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		selfID:      selfID,
		ch:          ch,
		factory:     factory,
		sched:       sched,
		timeline:    timeline,
		ringTimeout: DefaultRingTimeout,
		applied:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	ch.On(realtime.EventCallSignal, c.handleSignal)
	ch.On(realtime.EventCallPeerJoined, c.handlePeerJoined)
	ch.On(realtime.EventCallEnd, c.handleCallEnd)
	ch.On(realtime.EventCallMissed, c.handleCallMissed)

	return c
}

// State returns the current call state and peer
func (c *Coordinator) State() (State, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.peerID
}

// StartCall joins the signaling room for the peer and sends an offer.
// Calling it again for the same peer while the offer is outstanding is a
// no-op; a second offer would desynchronize both engines.
func (c *Coordinator) StartCall(ctx context.Context, peerID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateOffering && c.peerID == peerID {
		return nil
	}
	if c.state != StateIdle {
		return ErrCallInProgress
	}

	if err := c.emitJoin(peerID); err != nil {
		return err
	}

	pc, err := c.newPeerConnLocked(ctx, peerID)
	if err != nil {
		return err
	}

	offer, err := pc.CreateOffer(ctx)
	if err != nil {
		pc.Close()
		return err
	}

	c.pc = pc
	c.peerID = peerID
	c.localOffer = offer
	c.setStateLocked(StateOffering)

	if err := c.emitSignal(peerID, realtime.SDPOffer{SDP: offer}); err != nil {
		c.teardownLocked()
		return err
	}

	c.armRingTimerLocked(peerID)
	return nil
}

// Accept answers the pending incoming call
func (c *Coordinator) Accept(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateRinging {
		return ErrNoIncomingCall
	}
	peerID := c.peerID

	if err := c.emitJoin(peerID); err != nil {
		return err
	}

	pc, err := c.newPeerConnLocked(ctx, peerID)
	if err != nil {
		// Media or engine failure aborts the call entirely
		c.teardownLocked()
		return err
	}
	if err := pc.SetRemoteOffer(c.pendingOffer); err != nil {
		pc.Close()
		c.teardownLocked()
		return fmt.Errorf("apply remote offer: %w", err)
	}

	c.pc = pc
	c.remoteSet = true
	c.drainCandidatesLocked()

	answer, err := pc.CreateAnswer(ctx)
	if err != nil {
		c.teardownLocked()
		return err
	}
	if err := c.emitSignal(peerID, realtime.SDPAnswer{SDP: answer}); err != nil {
		c.teardownLocked()
		return err
	}

	c.stopRingTimerLocked()
	c.setStateLocked(StateConnected)
	return nil
}

// EndCall hangs up or declines. In the idle state it does nothing; a
// stray hangup must not emit events or touch a connection that is not
// there.
func (c *Coordinator) EndCall() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateIdle {
		return nil
	}

	peerID := c.peerID
	c.teardownLocked()

	if err := c.ch.Emit(realtime.EventCallEnd, realtime.CallEndEvent{WithUserID: peerID}); err != nil {
		log.Printf("call: end signal to %s failed: %v", peerID, err)
	}
	return nil
}

func (c *Coordinator) handleSignal(data json.RawMessage) {
	var ev realtime.CallSignalEvent
	if err := json.Unmarshal(data, &ev); err != nil || ev.FromUserID == "" {
		return
	}
	sig, err := realtime.DecodeSignal(ev.Data)
	if err != nil {
		log.Printf("call: dropping signal from %s: %v", ev.FromUserID, err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch s := sig.(type) {
	case realtime.SDPOffer:
		c.handleOfferLocked(ev.FromUserID, s)
	case realtime.SDPAnswer:
		c.handleAnswerLocked(ev.FromUserID, s)
	case realtime.ICECandidate:
		c.handleCandidateLocked(ev.FromUserID, s)
	}
}

func (c *Coordinator) handleOfferLocked(from string, offer realtime.SDPOffer) {
	switch {
	case c.state == StateIdle:
		c.peerID = from
		c.pendingOffer = offer.SDP
		c.setStateLocked(StateRinging)
		c.armRingTimerLocked(from)
		if c.onIncoming != nil {
			go c.onIncoming(from)
		}
	case c.state == StateRinging && c.peerID == from:
		// Re-sent offer for the same call, keep the freshest copy
		c.pendingOffer = offer.SDP
	default:
		// Busy with another call, or offer glare with the current peer
		log.Printf("call: ignoring offer from %s in state %s", from, c.state)
	}
}

func (c *Coordinator) handleAnswerLocked(from string, answer realtime.SDPAnswer) {
	if c.state != StateOffering || c.peerID != from || c.pc == nil {
		log.Printf("call: ignoring answer from %s in state %s", from, c.state)
		return
	}

	if err := c.pc.SetRemoteAnswer(answer.SDP); err != nil {
		log.Printf("call: applying answer from %s failed: %v", from, err)
		c.teardownLocked()
		return
	}

	c.remoteSet = true
	c.drainCandidatesLocked()
	c.stopRingTimerLocked()
	c.setStateLocked(StateConnected)
}

func (c *Coordinator) handleCandidateLocked(from string, cand realtime.ICECandidate) {
	if c.peerID != from || c.state == StateIdle {
		return
	}
	if _, dup := c.applied[cand.Candidate]; dup {
		return
	}

	// Candidates before the remote description wait in arrival order
	if !c.remoteSet || c.pc == nil {
		c.queued = append(c.queued, cand)
		c.applied[cand.Candidate] = struct{}{}
		return
	}

	c.applied[cand.Candidate] = struct{}{}
	if err := c.pc.AddICECandidate(cand); err != nil {
		log.Printf("call: adding candidate from %s failed: %v", from, err)
	}
}

// drainCandidatesLocked flushes the queue in arrival order once the
// remote description exists
func (c *Coordinator) drainCandidatesLocked() {
	for _, cand := range c.queued {
		if err := c.pc.AddICECandidate(cand); err != nil {
			log.Printf("call: adding queued candidate failed: %v", err)
		}
	}
	c.queued = nil
}

// handlePeerJoined re-emits the outstanding offer so a callee who joined
// the room after the first send still receives it
func (c *Coordinator) handlePeerJoined(data json.RawMessage) {
	var ev realtime.CallJoinEvent
	if err := json.Unmarshal(data, &ev); err != nil || ev.FromUserID == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateOffering || c.peerID != ev.FromUserID {
		return
	}
	if err := c.emitSignal(c.peerID, realtime.SDPOffer{SDP: c.localOffer}); err != nil {
		log.Printf("call: re-sending offer to %s failed: %v", c.peerID, err)
	}
}

func (c *Coordinator) handleCallEnd(data json.RawMessage) {
	var ev realtime.CallEndEvent
	if err := json.Unmarshal(data, &ev); err != nil || ev.FromUserID == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateIdle || c.peerID != ev.FromUserID {
		return
	}
	c.teardownLocked()
}

func (c *Coordinator) handleCallMissed(data json.RawMessage) {
	var ev realtime.CallMissedEvent
	if err := json.Unmarshal(data, &ev); err != nil || ev.FromUserID == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateOffering || c.peerID != ev.FromUserID {
		return
	}
	peerID := c.peerID
	c.teardownLocked()

	if c.timeline != nil {
		c.timeline.RecordMissedCall(peerID, false)
	}
}

// ringExpired fires when a call rang for the full timeout unanswered.
// The callee detected the miss, so the callee tells the caller; the
// caller's own timer is a backstop that tears down silently.
func (c *Coordinator) ringExpired(peerID string) {
	c.mu.Lock()

	if c.peerID != peerID || (c.state != StateOffering && c.state != StateRinging) {
		c.mu.Unlock()
		return
	}

	wasRinging := c.state == StateRinging
	c.teardownLocked()
	c.mu.Unlock()

	if wasRinging {
		if err := c.ch.Emit(realtime.EventCallMissed, realtime.CallMissedEvent{WithUserID: peerID}); err != nil {
			log.Printf("call: missed signal to %s failed: %v", peerID, err)
		}
	}
	if c.timeline != nil {
		c.timeline.RecordMissedCall(peerID, wasRinging)
	}
}

// newPeerConnLocked builds a connection with its callbacks wired. The
// closures capture the connection so events from a torn-down call cannot
// act on its replacement.
func (c *Coordinator) newPeerConnLocked(ctx context.Context, peerID string) (PeerConnection, error) {
	pc, err := c.factory.NewPeerConnection(ctx)
	if err != nil {
		return nil, fmt.Errorf("peer connection: %w", err)
	}

	pc.OnICECandidate(func(cand realtime.ICECandidate) {
		c.mu.Lock()
		stale := c.pc != pc
		c.mu.Unlock()
		if stale {
			return
		}
		if err := c.emitSignal(peerID, cand); err != nil {
			log.Printf("call: candidate to %s failed: %v", peerID, err)
		}
	})

	pc.OnStateChange(func(s ConnState) {
		if !s.Terminal() {
			return
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.pc != pc {
			return
		}
		// Transport died on its own; tear down locally, no signaling
		c.teardownLocked()
	})

	return pc, nil
}

func (c *Coordinator) emitJoin(peerID string) error {
	return c.ch.Emit(realtime.EventCallJoin, realtime.CallJoinEvent{WithUserID: peerID})
}

func (c *Coordinator) emitSignal(peerID string, sig realtime.Signal) error {
	payload, err := realtime.EncodeSignal(sig)
	if err != nil {
		return err
	}
	return c.ch.Emit(realtime.EventCallSignal, realtime.CallSignalEvent{
		WithUserID: peerID,
		Data:       payload,
	})
}

func (c *Coordinator) armRingTimerLocked(peerID string) {
	c.stopRingTimerLocked()
	c.cancelRing = c.sched.After(c.ringTimeout, func() { c.ringExpired(peerID) })
}

func (c *Coordinator) stopRingTimerLocked() {
	if c.cancelRing != nil {
		c.cancelRing()
		c.cancelRing = nil
	}
}

func (c *Coordinator) setStateLocked(s State) {
	c.state = s
	if c.onState != nil {
		peerID := c.peerID
		go c.onState(peerID, s)
	}
}

// teardownLocked resets to idle and closes the connection if one exists
func (c *Coordinator) teardownLocked() {
	c.stopRingTimerLocked()
	if c.pc != nil {
		c.pc.Close()
		c.pc = nil
	}
	peerID := c.peerID
	c.peerID = ""
	c.localOffer = ""
	c.pendingOffer = ""
	c.remoteSet = false
	c.queued = nil
	c.applied = make(map[string]struct{})
	c.state = StateIdle
	if c.onState != nil {
		go c.onState(peerID, StateIdle)
	}
}
