package webrtc

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/meshwire/meshwire/internal/transport"
)

// signalHub relays signals between in-process transports the way the relay
// server does over TCP.
type signalHub struct {
	mu    sync.Mutex
	nodes map[string]*hubSignaler
}

func newSignalHub() *signalHub {
	return &signalHub{nodes: make(map[string]*hubSignaler)}
}

func (h *signalHub) attach(id string) *hubSignaler {
	s := &hubSignaler{id: id, hub: h, recv: make(chan transport.Signal, 64)}
	h.mu.Lock()
	h.nodes[id] = s
	h.mu.Unlock()
	return s
}

type hubSignaler struct {
	id   string
	hub  *signalHub
	recv chan transport.Signal
	once sync.Once
}

func (s *hubSignaler) SendSignal(ctx context.Context, peerID string, payload []byte) error {
	s.hub.mu.Lock()
	dst, ok := s.hub.nodes[peerID]
	s.hub.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown peer %s", peerID)
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	select {
	case dst.recv <- transport.Signal{PeerID: s.id, Payload: buf}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *hubSignaler) RecvSignal() <-chan transport.Signal { return s.recv }

func (s *hubSignaler) Peers(ctx context.Context) ([]string, error) {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	out := make([]string, 0, len(s.hub.nodes)-1)
	for id := range s.hub.nodes {
		if id != s.id {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *hubSignaler) Close() error {
	s.once.Do(func() { close(s.recv) })
	return nil
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func TestOpenNegotiatesDataChannel(t *testing.T) {
	hub := newSignalHub()
	a := New(Config{Signaler: hub.attach("alice"), Logger: quietLogger()})
	b := New(Config{Signaler: hub.attach("bob"), Logger: quietLogger()})
	defer a.Close()
	defer b.Close()

	accepted := make(chan transport.Session, 1)
	go func() {
		accepted <- <-b.Accept()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sess, err := a.Open(ctx, "bob", "")
	require.NoError(t, err)
	require.Equal(t, "bob", sess.PeerID())

	var bSess transport.Session
	select {
	case bSess = <-accepted:
	case <-ctx.Done():
		t.Fatal("answerer never surfaced the session")
	}
	require.Equal(t, "alice", bSess.PeerID())

	require.NoError(t, sess.Send([]byte("hello over the channel")))
	select {
	case got := <-bSess.Recv():
		require.Equal(t, []byte("hello over the channel"), got)
	case <-ctx.Done():
		t.Fatal("frame never arrived at the answerer")
	}

	require.NoError(t, bSess.Send([]byte("and back")))
	select {
	case got := <-sess.Recv():
		require.Equal(t, []byte("and back"), got)
	case <-ctx.Done():
		t.Fatal("frame never arrived at the initiator")
	}
}

func TestSignalCodecRoundTrip(t *testing.T) {
	in := signalPayload{
		Kind: signalCandidate,
		Candidate: iceCandidate{
			Candidate:     "candidate:1 1 udp 2130706431 192.0.2.1 54321 typ host",
			SDPMid:        "0",
			SDPMLineIndex: 0,
		},
	}
	data, err := encodeSignal(in)
	require.NoError(t, err)

	out, err := decodeSignal(data)
	require.NoError(t, err)
	require.Equal(t, in, out)

	_, err = decodeSignal([]byte("not a signal"))
	require.Error(t, err)
}

func TestCandidateBeforeOfferIsBuffered(t *testing.T) {
	hub := newSignalHub()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	defer pc.Close()

	conn := newConnection("alice", pc, hub.attach("bob"), quietLogger().WithField("transport", "negotiated"), false)

	payload, err := encodeSignal(signalPayload{
		Kind: signalCandidate,
		Candidate: iceCandidate{
			Candidate:     "candidate:1 1 udp 2130706431 192.0.2.1 54321 typ host",
			SDPMid:        "0",
			SDPMLineIndex: 0,
		},
	})
	require.NoError(t, err)

	// No remote description yet: the candidate must park, not fail.
	require.NoError(t, conn.handleSignal(payload))

	conn.mu.Lock()
	buffered := len(conn.pending)
	conn.mu.Unlock()
	require.Equal(t, 1, buffered)
}

func TestEnqueueFrameDropsWhenBufferFull(t *testing.T) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	defer pc.Close()

	conn := newConnection("bob", pc, newSignalHub().attach("alice"), quietLogger().WithField("transport", "negotiated"), true)

	for i := 0; i < cap(conn.recvChan); i++ {
		conn.enqueueFrame([]byte{byte(i)})
	}

	done := make(chan struct{})
	go func() {
		conn.enqueueFrame([]byte("overflow"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("enqueue blocked on a full buffer")
	}
	require.Len(t, conn.recvChan, cap(conn.recvChan))
}
