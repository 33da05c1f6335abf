package local

import (
	"fmt"
	"sync"

	"github.com/quic-go/quic-go"

	"github.com/meshwire/meshwire/internal/protocol"
	"github.com/meshwire/meshwire/internal/transport"
)

// session wraps one QUIC stream as a framed, ordered channel to a peer.
type session struct {
	peerID string
	conn   quic.Connection
	stream quic.Stream

	writeMu sync.Mutex
	recv    chan []byte
	once    sync.Once
}

func newSession(peerID string, conn quic.Connection, stream quic.Stream) *session {
	s := &session{
		peerID: peerID,
		conn:   conn,
		stream: stream,
		recv:   make(chan []byte, 256),
	}
	go s.readLoop()
	return s
}

func (s *session) PeerID() string { return s.peerID }

func (s *session) Send(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := protocol.WriteFrame(s.stream, data); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrSendFailed, err)
	}
	return nil
}

func (s *session) Recv() <-chan []byte { return s.recv }

func (s *session) Close() error {
	var err error
	s.once.Do(func() {
		_ = s.stream.Close()
		err = s.conn.CloseWithError(0, "")
	})
	return err
}

func (s *session) readLoop() {
	defer close(s.recv)
	for {
		frame, err := protocol.ReadFrame(s.stream)
		if err != nil {
			return
		}
		s.recv <- frame
	}
}
