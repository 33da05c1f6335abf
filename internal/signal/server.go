package signal

import (
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/meshwire/meshwire/internal/protocol"
)

// Server relays signaling frames between registered nodes. It sees SDP
// offers and answers but never message content.
type Server struct {
	ln  net.Listener
	log *logrus.Entry

	mu      sync.Mutex
	clients map[string]net.Conn
	done    chan struct{}
	closed  bool
}

func NewServer(addr string, log *logrus.Logger) (*Server, error) {
	if log == nil {
		log = logrus.New()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Server{
		ln:      ln,
		log:     log.WithField("component", "signal-server"),
		clients: make(map[string]net.Conn),
		done:    make(chan struct{}),
	}, nil
}

func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Start accepts connections until Close. It blocks.
func (s *Server) Start() error {
	s.log.WithField("addr", s.Addr()).Info("signaling relay listening")
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
				return err
			}
		}
		go s.handleConn(conn)
	}
}

func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]net.Conn, 0, len(s.clients))
	for _, c := range s.clients {
		conns = append(conns, c)
	}
	s.clients = make(map[string]net.Conn)
	s.mu.Unlock()

	close(s.done)
	for _, c := range conns {
		_ = c.Close()
	}
	return s.ln.Close()
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	// First frame must register the node.
	data, err := protocol.ReadFrame(conn)
	if err != nil {
		return
	}
	f, err := decodeFrame(data)
	if err != nil || f.Kind != frameRegister || f.From == "" {
		return
	}
	nodeID := f.From

	s.mu.Lock()
	if old, ok := s.clients[nodeID]; ok {
		_ = old.Close()
	}
	s.clients[nodeID] = conn
	s.mu.Unlock()
	s.log.WithField("node", nodeID).Info("node registered")

	defer func() {
		s.mu.Lock()
		if s.clients[nodeID] == conn {
			delete(s.clients, nodeID)
		}
		s.mu.Unlock()
		s.log.WithField("node", nodeID).Info("node departed")
	}()

	for {
		data, err := protocol.ReadFrame(conn)
		if err != nil {
			return
		}
		f, err := decodeFrame(data)
		if err != nil {
			continue
		}

		switch f.Kind {
		case frameSignal:
			s.forward(nodeID, f)
		case framePeersReq:
			s.sendPeers(nodeID, conn)
		}
	}
}

func (s *Server) forward(from string, f frame) {
	s.mu.Lock()
	dst, ok := s.clients[f.To]
	s.mu.Unlock()
	if !ok {
		s.log.WithFields(logrus.Fields{"from": from, "to": f.To}).Debug("signal for unknown node dropped")
		return
	}

	out, err := encodeFrame(frame{Kind: frameSignal, From: from, Payload: f.Payload})
	if err != nil {
		return
	}
	if err := protocol.WriteFrame(dst, out); err != nil {
		s.log.WithError(err).WithField("to", f.To).Warn("signal forward failed")
	}
}

func (s *Server) sendPeers(nodeID string, conn net.Conn) {
	s.mu.Lock()
	peers := make([]string, 0, len(s.clients))
	for id := range s.clients {
		if id != nodeID {
			peers = append(peers, id)
		}
	}
	s.mu.Unlock()

	out, err := encodeFrame(frame{Kind: framePeersRes, Peers: peers})
	if err != nil {
		return
	}
	_ = protocol.WriteFrame(conn, out)
}
