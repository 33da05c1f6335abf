// Package webrtc implements the negotiated data-channel transport. Session
// descriptions travel through a Signaler; media never does.
package webrtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"

	"github.com/meshwire/meshwire/internal/transport"
)

const (
	maxPayload = 16 * 1024

	// Backoff for failed -> negotiating retries.
	backoffBase    = 1 * time.Second
	backoffFactor  = 2
	maxOpenRetries = 5
)

var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
}

type Config struct {
	Signaler    transport.Signaler
	STUNServers []string
	Logger      *logrus.Logger
}

type Transport struct {
	config   webrtc.Configuration
	signaler transport.Signaler
	log      *logrus.Entry

	mu          sync.RWMutex
	connections map[string]*connection
	incoming    chan transport.Session
	done        chan struct{}
	closed      bool
}

func New(cfg Config) *Transport {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	servers := cfg.STUNServers
	if len(servers) == 0 {
		servers = DefaultSTUNServers
	}
	iceServers := make([]webrtc.ICEServer, 0, len(servers))
	for _, server := range servers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{server}})
	}

	t := &Transport{
		config: webrtc.Configuration{
			ICEServers:         iceServers,
			ICETransportPolicy: webrtc.ICETransportPolicyAll,
		},
		signaler:    cfg.Signaler,
		log:         cfg.Logger.WithField("transport", "negotiated"),
		connections: make(map[string]*connection),
		incoming:    make(chan transport.Session, 16),
		done:        make(chan struct{}),
	}
	go t.pumpSignals()
	return t
}

func (t *Transport) Kind() transport.Kind { return transport.KindNegotiated }

func (t *Transport) Capabilities() transport.Capabilities {
	return transport.Capabilities{
		Broadcast:  false,
		Ordered:    true,
		MaxPayload: maxPayload,
		Range:      transport.RangeInternet,
	}
}

// Discover reports the peers currently registered with the signaling relay.
// Signaling-addressed peers have no dialable address beyond their ID.
func (t *Transport) Discover(ctx context.Context) ([]transport.Candidate, error) {
	ids, err := t.signaler.Peers(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transport.ErrDiscoveryUnavailable, err)
	}
	out := make([]transport.Candidate, 0, len(ids))
	for _, id := range ids {
		out = append(out, transport.Candidate{PeerID: id, Addr: id})
	}
	return out, nil
}

// Open negotiates a data channel to the peer, retrying failed negotiations
// with exponential backoff (base 1s, factor 2) up to maxOpenRetries before
// reporting failure to the caller.
func (t *Transport) Open(ctx context.Context, peerID, _ string) (transport.Session, error) {
	delay := backoffBase
	var lastErr error
	for attempt := 0; attempt < maxOpenRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", transport.ErrOpenFailed, ctx.Err())
			}
			delay *= backoffFactor
		}

		conn, err := t.negotiate(ctx, peerID)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		t.log.WithError(err).WithField("peer", peerID).Debug("negotiation attempt failed")
	}
	return nil, fmt.Errorf("%w: %s after %d attempts: %v", transport.ErrOpenFailed, peerID, maxOpenRetries, lastErr)
}

func (t *Transport) negotiate(ctx context.Context, peerID string) (*connection, error) {
	pc, err := webrtc.NewPeerConnection(t.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	conn := newConnection(peerID, pc, t.signaler, t.log, true)
	t.track(peerID, conn)

	if err := conn.createDataChannel(); err != nil {
		t.drop(peerID, conn)
		return nil, err
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.drop(peerID, conn)
		return nil, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		t.drop(peerID, conn)
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	payload, err := encodeSignal(signalPayload{Kind: signalOffer, SDP: offer.SDP})
	if err != nil {
		t.drop(peerID, conn)
		return nil, err
	}
	if err := t.signaler.SendSignal(ctx, peerID, payload); err != nil {
		t.drop(peerID, conn)
		return nil, fmt.Errorf("failed to send offer: %w", err)
	}

	openCtx, cancel := context.WithTimeout(ctx, transport.DefaultOpenTimeout)
	defer cancel()
	if err := conn.waitOpen(openCtx); err != nil {
		t.drop(peerID, conn)
		return nil, err
	}
	return conn, nil
}

func (t *Transport) Accept() <-chan transport.Session {
	return t.incoming
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conns := make([]*connection, 0, len(t.connections))
	for _, conn := range t.connections {
		conns = append(conns, conn)
	}
	t.connections = make(map[string]*connection)
	t.mu.Unlock()

	close(t.done)
	for _, conn := range conns {
		_ = conn.Close()
	}
	return t.signaler.Close()
}

func (t *Transport) pumpSignals() {
	for {
		select {
		case <-t.done:
			return
		case sig, ok := <-t.signaler.RecvSignal():
			if !ok {
				return
			}
			if err := t.handleSignal(sig); err != nil {
				t.log.WithError(err).WithField("peer", sig.PeerID).Warn("signal handling failed")
			}
		}
	}
}

func (t *Transport) handleSignal(signal transport.Signal) error {
	t.mu.RLock()
	conn, exists := t.connections[signal.PeerID]
	t.mu.RUnlock()

	if !exists {
		pc, err := webrtc.NewPeerConnection(t.config)
		if err != nil {
			return fmt.Errorf("failed to create peer connection: %w", err)
		}
		conn = newConnection(signal.PeerID, pc, t.signaler, t.log, false)
		conn.onOpen = func() {
			select {
			case t.incoming <- conn:
			case <-t.done:
			}
		}
		t.track(signal.PeerID, conn)
	}

	return conn.handleSignal(signal.Payload)
}

func (t *Transport) track(peerID string, conn *connection) {
	t.mu.Lock()
	if old, ok := t.connections[peerID]; ok && old != conn {
		_ = old.Close()
	}
	t.connections[peerID] = conn
	t.mu.Unlock()
}

func (t *Transport) drop(peerID string, conn *connection) {
	_ = conn.Close()
	t.mu.Lock()
	if t.connections[peerID] == conn {
		delete(t.connections, peerID)
	}
	t.mu.Unlock()
}
