// Package local implements the short-range transport: peers are discovered
// through periodic UDP broadcast beacons and data flows over QUIC sessions
// on the same LAN.
package local

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"

	"github.com/meshwire/meshwire/internal/protocol"
	"github.com/meshwire/meshwire/internal/transport"
)

const (
	DefaultBroadcastPort = 48620
	DefaultInterval      = 30 * time.Second

	maxPayload = 32 * 1024
)

type Config struct {
	NodeID        string
	DisplayName   string
	PublicKey     []byte
	BroadcastPort int
	Interval      time.Duration
	Logger        *logrus.Logger
}

type beaconEntry struct {
	candidate transport.Candidate
	seenAt    time.Time
}

// Transport broadcasts a beacon every Interval and collects beacons from
// other nodes. If the broadcast socket cannot be opened (missing permission,
// no interface) the transport stays up but reports zero discovery
// capability, so the selector excludes it.
type Transport struct {
	cfg   Config
	codec *protocol.Codec
	log   *logrus.Entry

	udp       *net.UDPConn
	listener  *quic.Listener
	tlsConf   *tls.Config
	quicPort  uint16
	available bool

	mu       sync.Mutex
	seen     map[string]beaconEntry
	incoming chan transport.Session
	done     chan struct{}
	closed   bool
}

func New(cfg Config) (*Transport, error) {
	if cfg.BroadcastPort == 0 {
		cfg.BroadcastPort = DefaultBroadcastPort
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	t := &Transport{
		cfg:      cfg,
		codec:    protocol.NewCodec(),
		log:      cfg.Logger.WithField("transport", "local"),
		seen:     make(map[string]beaconEntry),
		incoming: make(chan transport.Session, 16),
		done:     make(chan struct{}),
	}

	tlsConf, err := transport.DefaultTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transport.ErrOpenFailed, err)
	}
	t.tlsConf = tlsConf
	listener, err := quic.ListenAddr("0.0.0.0:0", tlsConf, transport.DefaultQUICConfig())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transport.ErrOpenFailed, err)
	}
	t.listener = listener
	t.quicPort = uint16(listener.Addr().(*net.UDPAddr).Port)

	udp, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: cfg.BroadcastPort})
	if err != nil {
		// Degraded mode: sessions can still be accepted, but discovery
		// reports nothing.
		t.log.WithError(err).Warn("broadcast socket unavailable, discovery disabled")
	} else {
		t.udp = udp
		t.available = true
		go t.beaconLoop()
		go t.listenBeacons()
	}

	go t.acceptLoop()
	return t, nil
}

func (t *Transport) Kind() transport.Kind { return transport.KindLocal }

func (t *Transport) Capabilities() transport.Capabilities {
	return transport.Capabilities{
		Broadcast:  t.available,
		Ordered:    true,
		MaxPayload: maxPayload,
		Range:      transport.RangeLocalOnly,
	}
}

// Discover returns peers whose beacons arrived within the last two beacon
// intervals.
func (t *Transport) Discover(_ context.Context) ([]transport.Candidate, error) {
	if !t.available {
		return nil, nil
	}
	horizon := time.Now().Add(-2 * t.cfg.Interval)

	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]transport.Candidate, 0, len(t.seen))
	for id, entry := range t.seen {
		if entry.seenAt.Before(horizon) {
			delete(t.seen, id)
			continue
		}
		out = append(out, entry.candidate)
	}
	return out, nil
}

func (t *Transport) Open(ctx context.Context, peerID, addr string) (transport.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, transport.DefaultOpenTimeout)
	defer cancel()

	conn, err := quic.DialAddr(ctx, addr, t.tlsConf, transport.DefaultQUICConfig())
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", transport.ErrOpenFailed, addr, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, fmt.Errorf("%w: stream: %v", transport.ErrOpenFailed, err)
	}

	hello, err := t.codec.EncodeToBytes(&protocol.Hello{NodeID: t.cfg.NodeID, PublicKey: t.cfg.PublicKey})
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, fmt.Errorf("%w: %v", transport.ErrOpenFailed, err)
	}
	if err := protocol.WriteFrame(stream, hello); err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, fmt.Errorf("%w: hello: %v", transport.ErrOpenFailed, err)
	}

	return newSession(peerID, conn, stream), nil
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
	t.mu.Unlock()

	close(t.done)
	if t.udp != nil {
		_ = t.udp.Close()
	}
	return t.listener.Close()
}

func (t *Transport) beaconLoop() {
	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()

	t.broadcastBeacon()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.broadcastBeacon()
		}
	}
}

func (t *Transport) broadcastBeacon() {
	beacon := &protocol.Beacon{
		NodeID:      t.cfg.NodeID,
		DisplayName: t.cfg.DisplayName,
		PublicKey:   t.cfg.PublicKey,
		Port:        t.quicPort,
	}
	data, err := t.codec.EncodeToBytes(beacon)
	if err != nil {
		t.log.WithError(err).Warn("failed to encode beacon")
		return
	}
	dst := &net.UDPAddr{IP: net.IPv4bcast, Port: t.cfg.BroadcastPort}
	if _, err := t.udp.WriteToUDP(data, dst); err != nil {
		t.log.WithError(err).Debug("beacon broadcast failed")
	}
}

func (t *Transport) listenBeacons() {
	buf := make([]byte, protocol.MaxFrameSize)
	for {
		n, src, err := t.udp.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.done:
				return
			default:
			}
			t.log.WithError(err).Debug("beacon read failed")
			return
		}

		msg, err := t.codec.DecodeFromBytes(buf[:n])
		if err != nil {
			continue
		}
		beacon, ok := msg.(*protocol.Beacon)
		if !ok || beacon.NodeID == t.cfg.NodeID {
			continue
		}

		addr := net.JoinHostPort(src.IP.String(), fmt.Sprintf("%d", beacon.Port))
		t.mu.Lock()
		t.seen[beacon.NodeID] = beaconEntry{
			candidate: transport.Candidate{
				PeerID:      beacon.NodeID,
				DisplayName: beacon.DisplayName,
				PublicKey:   beacon.PublicKey,
				Addr:        addr,
			},
			seenAt: time.Now(),
		}
		t.mu.Unlock()
	}
}

func (t *Transport) acceptLoop() {
	ctx := context.Background()
	for {
		conn, err := t.listener.Accept(ctx)
		if err != nil {
			select {
			case <-t.done:
			default:
				t.log.WithError(err).Debug("accept failed")
			}
			return
		}
		go t.handshakeInbound(conn)
	}
}

// handshakeInbound reads the dialer's hello frame and surfaces the session.
func (t *Transport) handshakeInbound(conn quic.Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), transport.DefaultOpenTimeout)
	defer cancel()

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return
	}
	frame, err := protocol.ReadFrame(stream)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return
	}
	msg, err := t.codec.DecodeFromBytes(frame)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return
	}
	hello, ok := msg.(*protocol.Hello)
	if !ok {
		_ = conn.CloseWithError(0, "")
		return
	}

	select {
	case t.incoming <- newSession(hello.NodeID, conn, stream):
	case <-t.done:
		_ = conn.CloseWithError(0, "")
	}
}
