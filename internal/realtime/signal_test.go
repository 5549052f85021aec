package realtime

import (
	"encoding/json"
	"testing"
)

func TestDecodeSignal(t *testing.T) {
	mid := "0"
	var line uint16 = 1

	tests := []struct {
		name string
		raw  string
		want Signal
	}{
		{
			name: "offer",
			raw:  `{"sdp":{"type":"offer","sdp":"v=0 offer"}}`,
			want: SDPOffer{SDP: "v=0 offer"},
		},
		{
			name: "answer",
			raw:  `{"sdp":{"type":"answer","sdp":"v=0 answer"}}`,
			want: SDPAnswer{SDP: "v=0 answer"},
		},
		{
			name: "candidate",
			raw:  `{"candidate":{"candidate":"candidate:1 udp","sdpMid":"0","sdpMLineIndex":1}}`,
			want: ICECandidate{Candidate: "candidate:1 udp", SDPMid: &mid, SDPMLineIndex: &line},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeSignal(json.RawMessage(tt.raw))
			if err != nil {
				t.Fatalf("DecodeSignal: %v", err)
			}
			switch want := tt.want.(type) {
			case SDPOffer:
				if got, ok := got.(SDPOffer); !ok || got.SDP != want.SDP {
					t.Fatalf("got %#v, want %#v", got, want)
				}
			case SDPAnswer:
				if got, ok := got.(SDPAnswer); !ok || got.SDP != want.SDP {
					t.Fatalf("got %#v, want %#v", got, want)
				}
			case ICECandidate:
				cand, ok := got.(ICECandidate)
				if !ok || cand.Candidate != want.Candidate {
					t.Fatalf("got %#v, want %#v", got, want)
				}
				if cand.SDPMid == nil || *cand.SDPMid != *want.SDPMid {
					t.Fatalf("sdpMid = %v", cand.SDPMid)
				}
				if cand.SDPMLineIndex == nil || *cand.SDPMLineIndex != *want.SDPMLineIndex {
					t.Fatalf("sdpMLineIndex = %v", cand.SDPMLineIndex)
				}
			}
		})
	}
}

func TestDecodeSignalRejectsUnknown(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"empty object", `{}`},
		{"unknown sdp type", `{"sdp":{"type":"rollback","sdp":"x"}}`},
		{"empty candidate", `{"candidate":{"candidate":""}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeSignal(json.RawMessage(tt.raw)); err == nil {
				t.Fatal("DecodeSignal accepted a payload it should reject")
			}
		})
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	mid := "audio"
	var line uint16 = 0

	signals := []Signal{
		SDPOffer{SDP: "v=0 offer"},
		SDPAnswer{SDP: "v=0 answer"},
		ICECandidate{Candidate: "candidate:2 tcp", SDPMid: &mid, SDPMLineIndex: &line},
	}

	for _, sig := range signals {
		raw, err := EncodeSignal(sig)
		if err != nil {
			t.Fatalf("EncodeSignal(%#v): %v", sig, err)
		}
		back, err := DecodeSignal(raw)
		if err != nil {
			t.Fatalf("DecodeSignal(%s): %v", raw, err)
		}
		switch s := sig.(type) {
		case SDPOffer:
			if got := back.(SDPOffer); got != s {
				t.Fatalf("round trip %#v != %#v", got, s)
			}
		case SDPAnswer:
			if got := back.(SDPAnswer); got != s {
				t.Fatalf("round trip %#v != %#v", got, s)
			}
		case ICECandidate:
			got := back.(ICECandidate)
			if got.Candidate != s.Candidate || *got.SDPMid != *s.SDPMid || *got.SDPMLineIndex != *s.SDPMLineIndex {
				t.Fatalf("round trip %#v != %#v", got, s)
			}
		}
	}
}
