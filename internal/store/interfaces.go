package store

import (
	"github.com/meshwire/meshwire/internal/peer"
	"github.com/meshwire/meshwire/internal/protocol"
)

// QueueRepository defines persistence for store-and-forward envelopes.
type QueueRepository interface {
	SaveEnvelope(peerID string, env protocol.Envelope, queuedAt int64) error
	DeleteEnvelope(messageID string) error
	LoadEnvelopes() (map[string][]protocol.Envelope, error)
}

var (
	_ peer.BindingStore = (*PeerStore)(nil)
	_ QueueRepository   = (*QueueStore)(nil)
)
