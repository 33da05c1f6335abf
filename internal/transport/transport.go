// Package transport defines the closed set of link kinds and the contract
// every concrete transport implements.
package transport

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrDiscoveryUnavailable means the transport's discovery mechanism is
	// missing (hardware, permission). Non-fatal: the transport reports zero
	// capability and the selector excludes it.
	ErrDiscoveryUnavailable = errors.New("discovery unavailable")

	ErrOpenFailed = errors.New("transport open failed")
	ErrSendFailed = errors.New("transport send failed")
	ErrClosed     = errors.New("transport closed")
)

// DefaultOpenTimeout bounds how long Open may block before surfacing failure.
const DefaultOpenTimeout = 10 * time.Second

type Kind uint8

const (
	KindUnknown Kind = iota
	KindLocal
	KindNegotiated
	KindMem
)

func (k Kind) String() string {
	switch k {
	case KindLocal:
		return "local"
	case KindNegotiated:
		return "negotiated"
	case KindMem:
		return "mem"
	default:
		return "unknown"
	}
}

type RangeClass uint8

const (
	RangeLocalOnly RangeClass = iota
	RangeInternet
)

// Capabilities is a transport's static capability descriptor.
type Capabilities struct {
	Broadcast  bool
	Ordered    bool
	MaxPayload int
	Range      RangeClass
}

// Candidate is one peer surfaced by a discovery cycle.
type Candidate struct {
	PeerID      string
	DisplayName string
	PublicKey   []byte
	Addr        string
	RTT         time.Duration
}

// Session is an established channel to one peer. Recv's channel is closed
// when the session dies; exactly one consumer is expected.
type Session interface {
	PeerID() string
	Send(data []byte) error
	Recv() <-chan []byte
	Close() error
}

type Transport interface {
	Kind() Kind
	Capabilities() Capabilities

	// Discover returns the peers currently visible to this transport. A
	// transport whose discovery mechanism is unavailable returns an empty
	// set, not an error.
	Discover(ctx context.Context) ([]Candidate, error)

	// Open establishes a session to a peer at a discovery-supplied address.
	Open(ctx context.Context, peerID, addr string) (Session, error)

	// Accept yields inbound sessions.
	Accept() <-chan Session

	Close() error
}

// Signaler carries out-of-band negotiation payloads (session descriptions
// and ICE candidates) for transports that cannot discover addresses
// themselves.
type Signaler interface {
	SendSignal(ctx context.Context, peerID string, signal []byte) error
	RecvSignal() <-chan Signal
	Peers(ctx context.Context) ([]string, error)
	io.Closer
}

type Signal struct {
	PeerID  string
	Payload []byte
}
