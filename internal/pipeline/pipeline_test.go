package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/meshwire/meshwire/internal/crypto"
	"github.com/meshwire/meshwire/internal/health"
	"github.com/meshwire/meshwire/internal/peer"
	"github.com/meshwire/meshwire/internal/protocol"
	"github.com/meshwire/meshwire/internal/selector"
	"github.com/meshwire/meshwire/internal/transport"
	"github.com/meshwire/meshwire/internal/transport/mem"
)

// stack is one full mesh participant over in-memory links.
type stack struct {
	id       string
	registry *peer.Registry
	engine   *crypto.Engine
	sel      *selector.Selector
	monitor  *health.Monitor
	pipe     *Pipeline
	links    []*mem.Transport
}

func newStack(t *testing.T, id string, queueCap int, hubs ...*mem.Hub) *stack {
	t.Helper()

	engine, err := crypto.NewEngine(time.Hour)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	registry, err := peer.NewRegistry(peer.DefaultRegistryConfig(), nil)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	sel := selector.New(selector.DefaultConfig(), nil)
	monitor := health.NewMonitor(health.DefaultThresholds(), registry, sel)

	cfg := DefaultConfig(id)
	cfg.QueueCap = queueCap
	cfg.JanitorInterval = time.Hour
	pipe, err := New(cfg, registry, engine, sel, monitor)
	if err != nil {
		t.Fatalf("New pipeline failed: %v", err)
	}

	// With two hubs the links model distinct kinds; the kind must be set
	// before registration because the selector keys transports by kind.
	kinds := []transport.Kind{transport.KindLocal, transport.KindNegotiated}
	s := &stack{id: id, registry: registry, engine: engine, sel: sel, monitor: monitor, pipe: pipe}
	for i, hub := range hubs {
		link := hub.Attach(id, id, engine.ExportPublicKey())
		if len(hubs) > 1 {
			link.SetKind(kinds[i])
		}
		s.links = append(s.links, link)
		sel.Register(link)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		pipe.Stop()
	})
	pipe.Start(ctx)

	for _, link := range s.links {
		link := link
		go func() {
			for sess := range link.Accept() {
				if kept := sel.StoreSession(sess.PeerID(), link.Kind(), sess); kept == sess {
					pipe.AttachSession(link.Kind(), sess)
				}
			}
		}()
	}
	return s
}

// connect exchanges keys and capability records both ways.
func connect(t *testing.T, a, b *stack) {
	t.Helper()
	link := func(from, to *stack) {
		if _, err := from.registry.Upsert(to.id, to.id, to.engine.ExportPublicKey()); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
		if err := from.engine.ImportPeerKey(to.id, to.engine.ExportPublicKey()); err != nil {
			t.Fatalf("ImportPeerKey failed: %v", err)
		}
		for _, l := range from.links {
			from.sel.UpdateRecord(to.id, l.Kind(), l.Capabilities(), "", time.Millisecond)
		}
	}
	link(a, b)
	link(b, a)
}

func waitState(t *testing.T, p *Pipeline, msgID string, want DeliveryState) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if got, ok := p.Status(msgID); ok && got == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	got, _ := p.Status(msgID)
	t.Fatalf("Message %s never reached %s, stuck at %s", msgID, want, got)
}

func waitConversation(t *testing.T, p *Pipeline, peerID string, n int) []Message {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if msgs := p.Conversation(peerID); len(msgs) >= n {
			return msgs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Conversation with %s never reached %d messages", peerID, n)
	return nil
}

func TestSubmitDeliversEndToEnd(t *testing.T) {
	hub := mem.NewHub()
	a := newStack(t, "alice", 0, hub)
	b := newStack(t, "bob", 0, hub)
	connect(t, a, b)

	msgID, err := a.pipe.Submit(context.Background(), "bob", "hello bob", 0)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	// The receiver's ack drives sent -> delivered on the sender.
	waitState(t, a.pipe, msgID, StateDelivered)

	msgs := waitConversation(t, b.pipe, "alice", 1)
	if msgs[0].Content != "hello bob" {
		t.Errorf("Expected decrypted content, got %q", msgs[0].Content)
	}
	if msgs[0].Direction != DirectionInbound || msgs[0].State != StateDelivered {
		t.Errorf("Inbound message in wrong state: %+v", msgs[0])
	}
}

func TestReadReceiptReachesSender(t *testing.T) {
	hub := mem.NewHub()
	a := newStack(t, "alice", 0, hub)
	b := newStack(t, "bob", 0, hub)
	connect(t, a, b)

	msgID, err := a.pipe.Submit(context.Background(), "bob", "read me", 0)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	waitState(t, a.pipe, msgID, StateDelivered)
	waitConversation(t, b.pipe, "alice", 1)

	if err := b.pipe.MarkRead(context.Background(), msgID); err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}
	waitState(t, a.pipe, msgID, StateRead)
}

func TestReceiveIsIdempotent(t *testing.T) {
	hub := mem.NewHub()
	a := newStack(t, "alice", 0, hub)
	b := newStack(t, "bob", 0, hub)
	connect(t, a, b)

	sealed, err := a.engine.Encrypt("bob", []byte("once"), aadFor("dup-1", "alice"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	env := &protocol.Envelope{
		MessageID:  "dup-1",
		SenderID:   "alice",
		Ciphertext: sealed.Ciphertext,
		Nonce:      sealed.Nonce,
		Algorithm:  sealed.Algorithm,
		Epoch:      sealed.Epoch,
		TTLSeconds: 600,
		Timestamp:  time.Now().Unix(),
	}
	data, err := protocol.NewCodec().EncodeToBytes(env)
	if err != nil {
		t.Fatalf("EncodeToBytes failed: %v", err)
	}

	sess, err := a.links[0].Open(context.Background(), "bob", "")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := sess.Send(data); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if err := sess.Send(data); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	waitConversation(t, b.pipe, "alice", 1)
	time.Sleep(50 * time.Millisecond)
	if got := len(b.pipe.Conversation("alice")); got != 1 {
		t.Errorf("Duplicate envelope appended: %d messages", got)
	}
}

func TestTamperedEnvelopeDropped(t *testing.T) {
	hub := mem.NewHub()
	a := newStack(t, "alice", 0, hub)
	b := newStack(t, "bob", 0, hub)
	connect(t, a, b)

	sealed, err := a.engine.Encrypt("bob", []byte("secret"), aadFor("tam-1", "alice"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	sealed.Ciphertext[0] ^= 0xff

	env := &protocol.Envelope{
		MessageID:  "tam-1",
		SenderID:   "alice",
		Ciphertext: sealed.Ciphertext,
		Nonce:      sealed.Nonce,
		Algorithm:  sealed.Algorithm,
		Epoch:      sealed.Epoch,
		TTLSeconds: 600,
		Timestamp:  time.Now().Unix(),
	}
	data, err := protocol.NewCodec().EncodeToBytes(env)
	if err != nil {
		t.Fatalf("EncodeToBytes failed: %v", err)
	}
	sess, err := a.links[0].Open(context.Background(), "bob", "")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := sess.Send(data); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.monitor.Snapshot().AuthFailures > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if b.monitor.Snapshot().AuthFailures == 0 {
		t.Fatal("Expected an auth failure to be recorded")
	}
	if got := len(b.pipe.Conversation("alice")); got != 0 {
		t.Errorf("Tampered message reached the conversation: %d messages", got)
	}
	if p, _ := b.registry.Get("alice"); p.TrustScore >= 0.5 {
		t.Errorf("Expected trust penalty, trust still %v", p.TrustScore)
	}
}

func TestUnreachablePeerQueuesThenFlushes(t *testing.T) {
	hub := mem.NewHub()
	a := newStack(t, "alice", 0, hub)
	b := newStack(t, "bob", 0, hub)
	connect(t, a, b)

	// Drop the capability record so bob has no viable transport.
	a.sel.MarkUnreachable("bob", a.links[0].Kind())
	hub.SetReachable("bob", false)

	msgID, err := a.pipe.Submit(context.Background(), "bob", "catch up later", 0)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	waitState(t, a.pipe, msgID, StateQueued)
	if got := a.pipe.QueueLen("bob"); got != 1 {
		t.Fatalf("Expected 1 queued envelope, got %d", got)
	}

	// A discovery round finds bob again.
	hub.SetReachable("bob", true)
	a.sel.UpdateRecord("bob", a.links[0].Kind(), a.links[0].Capabilities(), "", time.Millisecond)
	a.pipe.PeerReachable(context.Background(), "bob")

	waitState(t, a.pipe, msgID, StateDelivered)
	waitConversation(t, b.pipe, "alice", 1)
	if got := a.pipe.QueueLen("bob"); got != 0 {
		t.Errorf("Expected empty queue after flush, got %d", got)
	}
}

func TestQueueOverflowEvictsOldest(t *testing.T) {
	hub := mem.NewHub()
	a := newStack(t, "alice", 3, hub)
	b := newStack(t, "bob", 0, hub)
	connect(t, a, b)

	a.sel.MarkUnreachable("bob", a.links[0].Kind())
	hub.SetReachable("bob", false)

	var ids []string
	for i := 0; i < 4; i++ {
		id, err := a.pipe.Submit(context.Background(), "bob", "backlog", 0)
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		ids = append(ids, id)
	}

	// Capacity 3: the first submission is evicted and reported failed.
	waitState(t, a.pipe, ids[0], StateFailed)
	if got := a.pipe.QueueLen("bob"); got != 3 {
		t.Errorf("Expected queue at capacity 3, got %d", got)
	}
	for _, id := range ids[1:] {
		if state, _ := a.pipe.Status(id); state != StateQueued {
			t.Errorf("Expected %s queued, got %s", id, state)
		}
	}
}

func TestFailoverToSecondTransport(t *testing.T) {
	localHub := mem.NewHub()
	negHub := mem.NewHub()

	a := newStack(t, "alice", 0, localHub, negHub)
	b := newStack(t, "bob", 0, localHub, negHub)
	connect(t, a, b)

	// Preferred link starts failing sends; failover must land the message
	// on the other transport within the same submission.
	a.links[0].FailSends(true)

	msgID, err := a.pipe.Submit(context.Background(), "bob", "take the long way", 0)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	waitState(t, a.pipe, msgID, StateDelivered)
	waitConversation(t, b.pipe, "alice", 1)
}

func TestSubmitValidation(t *testing.T) {
	hub := mem.NewHub()
	a := newStack(t, "alice", 0, hub)

	if _, err := a.pipe.Submit(context.Background(), "stranger", "hi", 0); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("Expected ErrUnknownPeer, got %v", err)
	}

	b := newStack(t, "bob", 0, hub)
	connect(t, a, b)

	oversize := strings.Repeat("x", protocol.MaxContentSize+1)
	if _, err := a.pipe.Submit(context.Background(), "bob", oversize, 0); !errors.Is(err, ErrContentTooLarge) {
		t.Fatalf("Expected ErrContentTooLarge, got %v", err)
	}
}

func TestQueuedMessagesExpire(t *testing.T) {
	hub := mem.NewHub()
	a := newStack(t, "alice", 0, hub)
	b := newStack(t, "bob", 0, hub)
	connect(t, a, b)

	a.sel.MarkUnreachable("bob", a.links[0].Kind())
	hub.SetReachable("bob", false)

	msgID, err := a.pipe.Submit(context.Background(), "bob", "too late", time.Second)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	waitState(t, a.pipe, msgID, StateQueued)

	// The janitor interval is an hour in tests, so drive expiry by hand.
	a.pipe.now = func() time.Time { return time.Now().Add(time.Minute) }
	a.pipe.expireMessages()

	waitState(t, a.pipe, msgID, StateFailed)
	if got := a.pipe.QueueLen("bob"); got != 0 {
		t.Errorf("Expected expired entry removed from queue, got %d", got)
	}
}

func TestStateChangeEvents(t *testing.T) {
	hub := mem.NewHub()
	a := newStack(t, "alice", 0, hub)
	b := newStack(t, "bob", 0, hub)
	connect(t, a, b)

	events := make(chan Event, 16)
	a.pipe.Subscribe(func(ev Event) {
		select {
		case events <- ev:
		default:
		}
	})

	msgID, err := a.pipe.Submit(context.Background(), "bob", "watch me", 0)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	waitState(t, a.pipe, msgID, StateDelivered)

	var states []DeliveryState
	deadline := time.After(2 * time.Second)
	for len(states) < 2 {
		select {
		case ev := <-events:
			if ev.Type == EventStateChanged && ev.MessageID == msgID {
				states = append(states, ev.State)
			}
		case <-deadline:
			t.Fatalf("Saw states %v before timeout", states)
		}
	}
	if states[0] != StateSent || states[1] != StateDelivered {
		t.Errorf("Expected sent then delivered, got %v", states)
	}
}

func TestEvictionReportsQueueOverflow(t *testing.T) {
	hub := mem.NewHub()
	a := newStack(t, "alice", 2, hub)
	b := newStack(t, "bob", 0, hub)
	connect(t, a, b)

	a.sel.MarkUnreachable("bob", a.links[0].Kind())
	hub.SetReachable("bob", false)

	events := make(chan Event, 16)
	a.pipe.Subscribe(func(ev Event) {
		select {
		case events <- ev:
		default:
		}
	})

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := a.pipe.Submit(context.Background(), "bob", "backlog", 0)
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		ids = append(ids, id)
	}
	waitState(t, a.pipe, ids[0], StateFailed)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == EventStateChanged && ev.MessageID == ids[0] && ev.State == StateFailed {
				if ev.Reason != ErrQueueOverflow.Error() {
					t.Fatalf("Expected reason %q, got %q", ErrQueueOverflow.Error(), ev.Reason)
				}
				return
			}
		case <-deadline:
			t.Fatal("Never saw the eviction event")
		}
	}
}

func TestExpiryReportsTTLExpired(t *testing.T) {
	hub := mem.NewHub()
	a := newStack(t, "alice", 0, hub)
	b := newStack(t, "bob", 0, hub)
	connect(t, a, b)

	a.sel.MarkUnreachable("bob", a.links[0].Kind())
	hub.SetReachable("bob", false)

	events := make(chan Event, 16)
	a.pipe.Subscribe(func(ev Event) {
		select {
		case events <- ev:
		default:
		}
	})

	msgID, err := a.pipe.Submit(context.Background(), "bob", "too late", time.Second)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	waitState(t, a.pipe, msgID, StateQueued)

	a.pipe.now = func() time.Time { return time.Now().Add(time.Minute) }
	a.pipe.expireMessages()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == EventStateChanged && ev.MessageID == msgID && ev.State == StateFailed {
				if ev.Reason != ErrTTLExpired.Error() {
					t.Fatalf("Expected reason %q, got %q", ErrTTLExpired.Error(), ev.Reason)
				}
				return
			}
		case <-deadline:
			t.Fatal("Never saw the expiry event")
		}
	}
}

func TestPongFeedsLatencyRanking(t *testing.T) {
	hub := mem.NewHub()
	a := newStack(t, "alice", 0, hub)
	b := newStack(t, "bob", 0, hub)
	connect(t, a, b)

	msgID, err := a.pipe.Submit(context.Background(), "bob", "measure me", 0)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	waitState(t, a.pipe, msgID, StateDelivered)

	// The attach-time ping's pong replaces the placeholder RTT from
	// connect() with a measured round trip.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		recs := a.sel.Records("bob")
		if len(recs) == 1 && recs[0].RTT > 0 && recs[0].RTT != time.Millisecond {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Selector never recorded a measured RTT: %+v", a.sel.Records("bob"))
}

func TestGroupSubmitFansOut(t *testing.T) {
	hub := mem.NewHub()
	a := newStack(t, "alice", 0, hub)
	b := newStack(t, "bob", 0, hub)
	c := newStack(t, "carol", 0, hub)
	connect(t, a, b)
	connect(t, a, c)

	// The roster includes the sender; the fan-out must skip it.
	msgID, err := a.pipe.SubmitGroup(context.Background(), "team", []string{"bob", "carol", "alice"}, "standup at nine", 0)
	if err != nil {
		t.Fatalf("SubmitGroup failed: %v", err)
	}
	waitState(t, a.pipe, msgID, StateDelivered)

	for _, member := range []*stack{b, c} {
		msgs := waitConversation(t, member.pipe, "team", 1)
		if msgs[0].Content != "standup at nine" {
			t.Errorf("Expected group content on %s, got %q", member.id, msgs[0].Content)
		}
		if msgs[0].SenderID != "alice" {
			t.Errorf("Expected sender alice on %s, got %s", member.id, msgs[0].SenderID)
		}
	}

	msgs := a.pipe.Conversation("team")
	if len(msgs) != 1 || msgs[0].ID != msgID {
		t.Errorf("Expected the sender's copy in the group conversation, got %+v", msgs)
	}

	if _, err := a.pipe.SubmitGroup(context.Background(), "ghosts", []string{"nobody"}, "hello?", 0); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("Expected ErrUnknownPeer for a roster of strangers, got %v", err)
	}
}
