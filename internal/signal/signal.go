// Package signal provides the out-of-band signaling relay used by the
// negotiated transport: a TCP server that forwards SDP payloads between
// registered nodes, and a client implementing transport.Signaler.
package signal

import (
	"bytes"
	"encoding/gob"

	"github.com/meshwire/meshwire/internal/protocol"
)

type frameKind uint8

const (
	frameRegister frameKind = iota + 1
	frameSignal
	framePeersReq
	framePeersRes
)

type frame struct {
	Kind    frameKind
	From    string
	To      string
	Payload []byte
	Peers   []string
}

func encodeFrame(f frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(f); err != nil {
		return nil, err
	}
	if buf.Len() > protocol.MaxFrameSize {
		return nil, bytes.ErrTooLarge
	}
	return buf.Bytes(), nil
}

func decodeFrame(data []byte) (frame, error) {
	var f frame
	err := gob.NewDecoder(bytes.NewReader(data)).Decode(&f)
	return f, err
}
