package webrtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"

	"github.com/meshwire/meshwire/internal/transport"
)

// connState tracks the negotiation lifecycle of one peer connection.
type connState int

const (
	stateIdle connState = iota
	stateNegotiating
	stateOpen
	stateClosed
	stateFailed
)

func (s connState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateNegotiating:
		return "negotiating"
	case stateOpen:
		return "open"
	case stateClosed:
		return "closed"
	case stateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type connection struct {
	peerID      string
	pc          *webrtc.PeerConnection
	dc          *webrtc.DataChannel
	signaler    transport.Signaler
	log         *logrus.Entry
	recvChan    chan []byte
	isInitiator bool
	onOpen      func()

	mu       sync.Mutex
	state    connState
	pending  []webrtc.ICECandidateInit
	opened   chan struct{}
	recvOnce sync.Once
}

func newConnection(peerID string, pc *webrtc.PeerConnection, signaler transport.Signaler, log *logrus.Entry, isInitiator bool) *connection {
	conn := &connection{
		peerID:      peerID,
		pc:          pc,
		signaler:    signaler,
		log:         log.WithField("peer", peerID),
		recvChan:    make(chan []byte, 256),
		isInitiator: isInitiator,
		state:       stateIdle,
		opened:      make(chan struct{}),
	}

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateFailed:
			conn.setState(stateFailed)
			conn.closeRecv()
		case webrtc.PeerConnectionStateClosed:
			conn.setState(stateClosed)
			conn.closeRecv()
		}
	})

	// Candidates trickle to the remote side as they are gathered, so the
	// offer and answer never wait for gathering to complete.
	pc.OnICECandidate(func(ice *webrtc.ICECandidate) {
		if ice == nil {
			return
		}
		init := ice.ToJSON()
		payload := signalPayload{
			Kind: signalCandidate,
			Candidate: iceCandidate{
				Candidate: init.Candidate,
			},
		}
		if init.SDPMid != nil {
			payload.Candidate.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			payload.Candidate.SDPMLineIndex = *init.SDPMLineIndex
		}
		if err := conn.sendSignal(payload); err != nil {
			conn.log.WithError(err).Warn("failed to send ICE candidate")
		}
	})

	if !isInitiator {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			conn.setupDataChannel(dc)
		})
	}

	return conn
}

func (c *connection) sendSignal(p signalPayload) error {
	data, err := encodeSignal(p)
	if err != nil {
		return err
	}
	return c.signaler.SendSignal(context.Background(), c.peerID, data)
}

func (c *connection) createDataChannel() error {
	c.setState(stateNegotiating)
	ordered := true
	dc, err := c.pc.CreateDataChannel("data", &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
	if err != nil {
		c.setState(stateFailed)
		return fmt.Errorf("failed to create data channel: %w", err)
	}
	c.setupDataChannel(dc)
	return nil
}

func (c *connection) setupDataChannel(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()

	dc.OnOpen(func() {
		c.mu.Lock()
		c.state = stateOpen
		select {
		case <-c.opened:
		default:
			close(c.opened)
		}
		c.mu.Unlock()
		if c.onOpen != nil {
			c.onOpen()
		}
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.enqueueFrame(msg.Data)
	})

	dc.OnClose(func() {
		c.setState(stateClosed)
		c.closeRecv()
	})
}

// enqueueFrame hands an inbound frame to the consumer. The pion read loop
// must never block, so a full buffer drops the frame and says so.
func (c *connection) enqueueFrame(data []byte) {
	select {
	case c.recvChan <- data:
	default:
		c.log.WithField("bytes", len(data)).Warn("receive buffer full, dropping inbound frame")
	}
}

// waitOpen blocks until the data channel opens, the negotiation fails, or
// the context expires.
func (c *connection) waitOpen(ctx context.Context) error {
	select {
	case <-c.opened:
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("negotiation timed out in state %s: %w", state, ctx.Err())
	}
}

func (c *connection) handleSignal(payload []byte) error {
	sig, err := decodeSignal(payload)
	if err != nil {
		return err
	}

	switch sig.Kind {
	case signalOffer, signalAnswer:
		return c.handleDescription(sig)
	case signalCandidate:
		return c.handleRemoteCandidate(candidateInit(sig.Candidate))
	default:
		return fmt.Errorf("unknown signal kind %d", sig.Kind)
	}
}

func (c *connection) handleDescription(sig signalPayload) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Renegotiation is not supported; a second description is ignored.
	if c.pc.RemoteDescription() != nil {
		return nil
	}
	c.state = stateNegotiating

	desc := webrtc.SessionDescription{SDP: sig.SDP}
	if sig.Kind == signalAnswer {
		desc.Type = webrtc.SDPTypeAnswer
	} else {
		desc.Type = webrtc.SDPTypeOffer
	}

	if err := c.pc.SetRemoteDescription(desc); err != nil {
		c.state = stateFailed
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	c.flushPendingLocked()

	if sig.Kind == signalOffer {
		answer, err := c.pc.CreateAnswer(nil)
		if err != nil {
			c.state = stateFailed
			return fmt.Errorf("failed to create answer: %w", err)
		}
		if err := c.pc.SetLocalDescription(answer); err != nil {
			c.state = stateFailed
			return fmt.Errorf("failed to set local description: %w", err)
		}
		if err := c.sendSignal(signalPayload{Kind: signalAnswer, SDP: answer.SDP}); err != nil {
			c.state = stateFailed
			return fmt.Errorf("failed to send answer: %w", err)
		}
	}

	return nil
}

// handleRemoteCandidate applies a trickled candidate, buffering those that
// arrive before the remote description.
func (c *connection) handleRemoteCandidate(init webrtc.ICECandidateInit) error {
	c.mu.Lock()
	if c.pc.RemoteDescription() == nil {
		c.pending = append(c.pending, init)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("failed to add ICE candidate: %w", err)
	}
	return nil
}

func (c *connection) flushPendingLocked() {
	for _, init := range c.pending {
		if err := c.pc.AddICECandidate(init); err != nil {
			c.log.WithError(err).Warn("failed to add buffered ICE candidate")
		}
	}
	c.pending = nil
}

func (c *connection) PeerID() string {
	return c.peerID
}

func (c *connection) Send(data []byte) error {
	c.mu.Lock()
	dc := c.dc
	state := c.state
	c.mu.Unlock()

	if dc == nil || state != stateOpen {
		return fmt.Errorf("%w: data channel not open", transport.ErrSendFailed)
	}
	if err := dc.Send(data); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrSendFailed, err)
	}
	return nil
}

func (c *connection) Recv() <-chan []byte {
	return c.recvChan
}

func (c *connection) Close() error {
	c.mu.Lock()
	if c.state != stateFailed {
		c.state = stateClosed
	}
	dc := c.dc
	c.mu.Unlock()

	if dc != nil {
		_ = dc.Close()
	}
	err := c.pc.Close()
	c.closeRecv()
	return err
}

func (c *connection) setState(s connState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *connection) closeRecv() {
	c.recvOnce.Do(func() { close(c.recvChan) })
}
