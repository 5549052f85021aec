// internal/call/pion.go
// pion/webrtc adapter behind the PeerConnection interface.

package call

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/caresync/caresync-backend/internal/realtime"
)

// PionFactory builds real WebRTC peer connections. Every connection gets
// a local audio track and a video transceiver so offers negotiate both
// directions.
type PionFactory struct {
	config webrtc.Configuration
}

// NewPionFactory configures the engine with the given STUN/TURN URLs.
// With none, connections only succeed on directly reachable networks.
func NewPionFactory(iceServers []string) *PionFactory {
	config := webrtc.Configuration{}
	if len(iceServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	return &PionFactory{config: config}
}

func (f *PionFactory) NewPeerConnection(ctx context.Context) (PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", "caresync",
	)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("new audio track: %w", err)
	}
	if _, err := pc.AddTrack(audio); err != nil {
		pc.Close()
		return nil, fmt.Errorf("add audio track: %w", err)
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo); err != nil {
		pc.Close()
		return nil, fmt.Errorf("add video transceiver: %w", err)
	}

	return &pionPeerConnection{pc: pc}, nil
}

type pionPeerConnection struct {
	pc *webrtc.PeerConnection
}

func (p *pionPeerConnection) CreateOffer(ctx context.Context) (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local offer: %w", err)
	}
	return offer.SDP, nil
}

func (p *pionPeerConnection) CreateAnswer(ctx context.Context) (string, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local answer: %w", err)
	}
	return answer.SDP, nil
}

func (p *pionPeerConnection) SetRemoteOffer(sdp string) error {
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	})
}

func (p *pionPeerConnection) SetRemoteAnswer(sdp string) error {
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
}

func (p *pionPeerConnection) AddICECandidate(c realtime.ICECandidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	})
}

func (p *pionPeerConnection) OnICECandidate(fn func(realtime.ICECandidate)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			// End-of-candidates marker
			return
		}
		init := c.ToJSON()
		fn(realtime.ICECandidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})
}

func (p *pionPeerConnection) OnStateChange(fn func(ConnState)) {
	p.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		fn(mapConnState(s))
	})
}

func (p *pionPeerConnection) Close() error {
	return p.pc.Close()
}

func mapConnState(s webrtc.PeerConnectionState) ConnState {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return ConnStateNew
	case webrtc.PeerConnectionStateConnecting:
		return ConnStateConnecting
	case webrtc.PeerConnectionStateConnected:
		return ConnStateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return ConnStateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return ConnStateFailed
	case webrtc.PeerConnectionStateClosed:
		return ConnStateClosed
	}
	return ConnStateNew
}
