package webrtc

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/pion/webrtc/v3"
)

// signalKind discriminates the payloads relayed through the Signaler.
type signalKind uint8

const (
	signalOffer signalKind = iota + 1
	signalAnswer
	signalCandidate
)

func (k signalKind) String() string {
	switch k {
	case signalOffer:
		return "offer"
	case signalAnswer:
		return "answer"
	case signalCandidate:
		return "candidate"
	default:
		return "unknown"
	}
}

// iceCandidate is the relayed form of a gathered ICE candidate.
type iceCandidate struct {
	Candidate     string
	SDPMid        string
	SDPMLineIndex uint16
}

// signalPayload is the wire form of one signaling step. Offers and answers
// carry SDP; candidates trickle separately as gathering progresses.
type signalPayload struct {
	Kind      signalKind
	SDP       string
	Candidate iceCandidate
}

func encodeSignal(p signalPayload) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&p); err != nil {
		return nil, fmt.Errorf("failed to encode %s signal: %w", p.Kind, err)
	}
	return buf.Bytes(), nil
}

func decodeSignal(data []byte) (signalPayload, error) {
	var p signalPayload
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&p); err != nil {
		return signalPayload{}, fmt.Errorf("failed to decode signal: %w", err)
	}
	return p, nil
}

func candidateInit(c iceCandidate) webrtc.ICECandidateInit {
	mid := c.SDPMid
	index := c.SDPMLineIndex
	return webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &index,
	}
}
