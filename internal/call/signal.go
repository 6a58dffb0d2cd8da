package call

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Signal payload kinds. Payloads travel the room document as opaque JSON;
// only the peer wrapper interprets them.
const (
	signalOffer     = "offer"
	signalAnswer    = "answer"
	signalCandidate = "candidate"
)

// signalPayload is the wire shape of one offer, answer or trickled ICE
// candidate.
type signalPayload struct {
	Kind      string                     `json:"kind"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

func encodeSignal(p signalPayload) (json.RawMessage, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s signal: %w", p.Kind, err)
	}
	return b, nil
}

func decodeSignal(raw json.RawMessage) (signalPayload, error) {
	var p signalPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("decode signal: %w", err)
	}
	switch p.Kind {
	case signalOffer, signalAnswer:
		if p.SDP == nil {
			return p, fmt.Errorf("%s signal without sdp", p.Kind)
		}
	case signalCandidate:
		if p.Candidate == nil {
			return p, fmt.Errorf("candidate signal without candidate")
		}
	default:
		return p, fmt.Errorf("unknown signal kind %q", p.Kind)
	}
	return p, nil
}
