// internal/realtime/signal.go
// Call-signal payloads arrive as loose JSON distinguishing offer, answer and
// candidate only by which field is present. They are translated exactly once,
// here, into a tagged union so the coordinator switches on a type instead of
// duck-typing the payload.

package realtime

import (
	"encoding/json"
	"errors"
)

var ErrUnknownSignal = errors.New("realtime: unrecognized signal payload")

// Signal is one leg of the offer/answer/candidate exchange
type Signal interface {
	isSignal()
}

// SDPOffer starts or renegotiates a call
type SDPOffer struct {
	SDP string
}

// SDPAnswer completes the description exchange
type SDPAnswer struct {
	SDP string
}

// ICECandidate proposes one connectivity option. It must only be applied
// after the remote description is known.
type ICECandidate struct {
	Candidate     string
	SDPMid        *string
	SDPMLineIndex *uint16
}

func (SDPOffer) isSignal()     {}
func (SDPAnswer) isSignal()    {}
func (ICECandidate) isSignal() {}

type sdpPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type candidatePayload struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

type signalPayload struct {
	SDP       *sdpPayload       `json:"sdp,omitempty"`
	Candidate *candidatePayload `json:"candidate,omitempty"`
}

// DecodeSignal translates a wire payload into the tagged union
func DecodeSignal(raw json.RawMessage) (Signal, error) {
	var p signalPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}

	switch {
	case p.SDP != nil && p.SDP.Type == "offer":
		return SDPOffer{SDP: p.SDP.SDP}, nil
	case p.SDP != nil && p.SDP.Type == "answer":
		return SDPAnswer{SDP: p.SDP.SDP}, nil
	case p.Candidate != nil && p.Candidate.Candidate != "":
		return ICECandidate{
			Candidate:     p.Candidate.Candidate,
			SDPMid:        p.Candidate.SDPMid,
			SDPMLineIndex: p.Candidate.SDPMLineIndex,
		}, nil
	}
	return nil, ErrUnknownSignal
}

// EncodeSignal renders a tagged signal back into the wire payload
func EncodeSignal(sig Signal) (json.RawMessage, error) {
	var p signalPayload
	switch s := sig.(type) {
	case SDPOffer:
		p.SDP = &sdpPayload{Type: "offer", SDP: s.SDP}
	case SDPAnswer:
		p.SDP = &sdpPayload{Type: "answer", SDP: s.SDP}
	case ICECandidate:
		p.Candidate = &candidatePayload{
			Candidate:     s.Candidate,
			SDPMid:        s.SDPMid,
			SDPMLineIndex: s.SDPMLineIndex,
		}
	default:
		return nil, ErrUnknownSignal
	}
	return json.Marshal(p)
}
