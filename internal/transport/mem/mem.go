// Package mem provides an in-process transport. A Hub wires the transports
// of multiple nodes together so pipeline and node behavior can be exercised
// without sockets.
package mem

import (
	"context"
	"fmt"
	"sync"

	"github.com/meshwire/meshwire/internal/transport"
)

// Hub is the shared medium connecting attached transports.
type Hub struct {
	mu    sync.Mutex
	nodes map[string]*Transport
}

func NewHub() *Hub {
	return &Hub{nodes: make(map[string]*Transport)}
}

// Attach registers a node on the hub and returns its transport.
func (h *Hub) Attach(nodeID, displayName string, publicKey []byte) *Transport {
	t := &Transport{
		hub:         h,
		nodeID:      nodeID,
		displayName: displayName,
		publicKey:   publicKey,
		kind:        transport.KindMem,
		reachable:   true,
		incoming:    make(chan transport.Session, 16),
	}
	h.mu.Lock()
	h.nodes[nodeID] = t
	h.mu.Unlock()
	return t
}

// SetReachable simulates a node dropping off or rejoining the medium.
func (h *Hub) SetReachable(nodeID string, reachable bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.nodes[nodeID]; ok {
		t.mu.Lock()
		t.reachable = reachable
		t.mu.Unlock()
	}
}

func (h *Hub) lookup(nodeID string) *Transport {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.nodes[nodeID]
}

type Transport struct {
	hub         *Hub
	nodeID      string
	displayName string
	publicKey   []byte

	mu        sync.Mutex
	kind      transport.Kind
	reachable bool
	failSends bool
	closed    bool
	incoming  chan transport.Session
}

// SetKind overrides the reported kind so tests can model two distinct link
// domains with two hubs.
func (t *Transport) SetKind(k transport.Kind) {
	t.mu.Lock()
	t.kind = k
	t.mu.Unlock()
}

// FailSends forces Send errors on sessions opened by this transport.
func (t *Transport) FailSends(fail bool) {
	t.mu.Lock()
	t.failSends = fail
	t.mu.Unlock()
}

func (t *Transport) Kind() transport.Kind {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.kind
}

func (t *Transport) Capabilities() transport.Capabilities {
	return transport.Capabilities{
		Broadcast:  true,
		Ordered:    true,
		MaxPayload: 64 * 1024,
		Range:      transport.RangeLocalOnly,
	}
}

func (t *Transport) Discover(_ context.Context) ([]transport.Candidate, error) {
	t.hub.mu.Lock()
	defer t.hub.mu.Unlock()

	var out []transport.Candidate
	for id, other := range t.hub.nodes {
		if id == t.nodeID {
			continue
		}
		other.mu.Lock()
		reachable := other.reachable && !other.closed
		other.mu.Unlock()
		if !reachable {
			continue
		}
		out = append(out, transport.Candidate{
			PeerID:      id,
			DisplayName: other.displayName,
			PublicKey:   other.publicKey,
			Addr:        id,
		})
	}
	return out, nil
}

func (t *Transport) Open(_ context.Context, peerID, _ string) (transport.Session, error) {
	remote := t.hub.lookup(peerID)
	if remote == nil {
		return nil, fmt.Errorf("%w: unknown peer %s", transport.ErrOpenFailed, peerID)
	}
	remote.mu.Lock()
	reachable := remote.reachable && !remote.closed
	remote.mu.Unlock()
	if !reachable {
		return nil, fmt.Errorf("%w: peer %s unreachable", transport.ErrOpenFailed, peerID)
	}

	ab := make(chan []byte, 256)
	ba := make(chan []byte, 256)
	local := &pipeSession{peerID: peerID, owner: t, in: ba, out: ab, done: make(chan struct{})}
	far := &pipeSession{peerID: t.nodeID, owner: remote, in: ab, out: ba, done: make(chan struct{})}

	select {
	case remote.incoming <- far:
	default:
		return nil, fmt.Errorf("%w: peer %s not accepting", transport.ErrOpenFailed, peerID)
	}
	return local, nil
}

func (t *Transport) Accept() <-chan transport.Session {
	return t.incoming
}

func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

type pipeSession struct {
	peerID string
	owner  *Transport
	in     chan []byte
	out    chan []byte
	done   chan struct{}
	once   sync.Once
}

func (s *pipeSession) PeerID() string { return s.peerID }

func (s *pipeSession) Send(data []byte) error {
	s.owner.mu.Lock()
	failing := s.owner.failSends
	s.owner.mu.Unlock()
	if failing {
		return fmt.Errorf("%w: injected failure", transport.ErrSendFailed)
	}

	cp := append([]byte(nil), data...)
	select {
	case <-s.done:
		return transport.ErrClosed
	case s.out <- cp:
		return nil
	default:
		return fmt.Errorf("%w: peer buffer full", transport.ErrSendFailed)
	}
}

func (s *pipeSession) Recv() <-chan []byte { return s.in }

func (s *pipeSession) Close() error {
	s.once.Do(func() {
		close(s.done)
		close(s.out)
	})
	return nil
}
