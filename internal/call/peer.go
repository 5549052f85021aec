// internal/call/peer.go
// Peer connection surface the coordinator drives. The coordinator never
// touches the WebRTC library directly; the factory hides the engine so
// tests can substitute a scripted connection.

package call

import (
	"context"

	"github.com/caresync/caresync-backend/internal/realtime"
)

// ConnState is the transport-level connection state
type ConnState int

const (
	ConnStateNew ConnState = iota
	ConnStateConnecting
	ConnStateConnected
	ConnStateDisconnected
	ConnStateFailed
	ConnStateClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnStateNew:
		return "new"
	case ConnStateConnecting:
		return "connecting"
	case ConnStateConnected:
		return "connected"
	case ConnStateDisconnected:
		return "disconnected"
	case ConnStateFailed:
		return "failed"
	case ConnStateClosed:
		return "closed"
	}
	return "unknown"
}

// Terminal reports whether the connection cannot recover from this state
func (s ConnState) Terminal() bool {
	return s == ConnStateFailed || s == ConnStateClosed
}

// PeerConnection is one WebRTC connection to a peer
type PeerConnection interface {
	// CreateOffer produces and installs a local offer, returning its SDP
	CreateOffer(ctx context.Context) (string, error)
	// CreateAnswer produces and installs a local answer to the current
	// remote offer, returning its SDP
	CreateAnswer(ctx context.Context) (string, error)
	// SetRemoteOffer installs the peer's offer as the remote description
	SetRemoteOffer(sdp string) error
	// SetRemoteAnswer installs the peer's answer as the remote description
	SetRemoteAnswer(sdp string) error
	// AddICECandidate applies one remote candidate. Requires a remote
	// description; the coordinator queues candidates until then.
	AddICECandidate(c realtime.ICECandidate) error
	// OnICECandidate registers the local candidate callback
	OnICECandidate(fn func(realtime.ICECandidate))
	// OnStateChange registers the connection state callback
	OnStateChange(fn func(ConnState))
	Close() error
}

// Factory creates peer connections with local media already attached
type Factory interface {
	NewPeerConnection(ctx context.Context) (PeerConnection, error)
}
