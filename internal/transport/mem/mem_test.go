package mem

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/meshwire/meshwire/internal/transport"
)

func TestDiscoverListsReachableNodes(t *testing.T) {
	hub := NewHub()
	a := hub.Attach("a", "alice", []byte{0x01})
	hub.Attach("b", "bob", []byte{0x02})
	hub.Attach("c", "carol", []byte{0x03})

	candidates, err := a.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if len(candidates) != 2 {
		t.Fatalf("Expected 2 candidates, got %d", len(candidates))
	}

	hub.SetReachable("b", false)
	candidates, err = a.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if len(candidates) != 1 || candidates[0].PeerID != "c" {
		t.Errorf("Expected only carol, got %v", candidates)
	}
}

func TestOpenDeliversPairedSession(t *testing.T) {
	hub := NewHub()
	a := hub.Attach("a", "alice", nil)
	b := hub.Attach("b", "bob", nil)

	sess, err := a.Open(context.Background(), "b", "")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if sess.PeerID() != "b" {
		t.Errorf("Expected session to b, got %s", sess.PeerID())
	}

	var remote transport.Session
	select {
	case remote = <-b.Accept():
	case <-time.After(time.Second):
		t.Fatal("Remote side never accepted")
	}
	if remote.PeerID() != "a" {
		t.Errorf("Expected inbound session from a, got %s", remote.PeerID())
	}

	if err := sess.Send([]byte("ping")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	select {
	case data := <-remote.Recv():
		if string(data) != "ping" {
			t.Errorf("Expected ping, got %q", data)
		}
	case <-time.After(time.Second):
		t.Fatal("Payload never arrived")
	}
}

func TestFailSendsInjectsErrors(t *testing.T) {
	hub := NewHub()
	a := hub.Attach("a", "alice", nil)
	hub.Attach("b", "bob", nil)

	sess, err := a.Open(context.Background(), "b", "")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	a.FailSends(true)
	if err := sess.Send([]byte("x")); !errors.Is(err, transport.ErrSendFailed) {
		t.Fatalf("Expected ErrSendFailed, got %v", err)
	}

	a.FailSends(false)
	if err := sess.Send([]byte("x")); err != nil {
		t.Fatalf("Expected send to recover, got %v", err)
	}
}

func TestOpenUnknownPeer(t *testing.T) {
	hub := NewHub()
	a := hub.Attach("a", "alice", nil)

	if _, err := a.Open(context.Background(), "nobody", ""); !errors.Is(err, transport.ErrOpenFailed) {
		t.Fatalf("Expected ErrOpenFailed, got %v", err)
	}
}
