package signal

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/meshwire/meshwire/internal/protocol"
	"github.com/meshwire/meshwire/internal/transport"
)

var errClientClosed = errors.New("signal client closed")

// Client connects a node to the relay and implements transport.Signaler.
type Client struct {
	conn   net.Conn
	nodeID string

	writeMu sync.Mutex
	recv    chan transport.Signal

	mu        sync.Mutex
	peersWait chan []string
	closed    bool
	done      chan struct{}
}

func Dial(addr, nodeID string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	c := &Client{
		conn:   conn,
		nodeID: nodeID,
		recv:   make(chan transport.Signal, 64),
		done:   make(chan struct{}),
	}
	if err := c.write(frame{Kind: frameRegister, From: nodeID}); err != nil {
		_ = conn.Close()
		return nil, err
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) SendSignal(_ context.Context, peerID string, payload []byte) error {
	return c.write(frame{Kind: frameSignal, To: peerID, Payload: payload})
}

func (c *Client) RecvSignal() <-chan transport.Signal {
	return c.recv
}

// Peers asks the relay for the currently registered nodes. One outstanding
// query at a time.
func (c *Client) Peers(ctx context.Context) ([]string, error) {
	wait := make(chan []string, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errClientClosed
	}
	if c.peersWait != nil {
		c.mu.Unlock()
		return nil, errors.New("peers query already in flight")
	}
	c.peersWait = wait
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.peersWait = nil
		c.mu.Unlock()
	}()

	if err := c.write(frame{Kind: framePeersReq, From: c.nodeID}); err != nil {
		return nil, err
	}

	select {
	case peers := <-wait:
		return peers, nil
	case <-c.done:
		return nil, errClientClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	close(c.done)
	return c.conn.Close()
}

func (c *Client) write(f frame) error {
	data, err := encodeFrame(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.WriteFrame(c.conn, data)
}

func (c *Client) readLoop() {
	defer close(c.recv)
	for {
		data, err := protocol.ReadFrame(c.conn)
		if err != nil {
			return
		}
		f, err := decodeFrame(data)
		if err != nil {
			continue
		}

		switch f.Kind {
		case frameSignal:
			select {
			case c.recv <- transport.Signal{PeerID: f.From, Payload: f.Payload}:
			case <-c.done:
				return
			}
		case framePeersRes:
			c.mu.Lock()
			wait := c.peersWait
			c.mu.Unlock()
			if wait != nil {
				select {
				case wait <- f.Peers:
				default:
				}
			}
		}
	}
}
