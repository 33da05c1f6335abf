// Package pipeline implements the message pipeline: encrypt, select a
// transport, send with failover, track delivery state, and queue for peers
// that are temporarily unreachable.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/meshwire/meshwire/internal/crypto"
	"github.com/meshwire/meshwire/internal/health"
	"github.com/meshwire/meshwire/internal/peer"
	"github.com/meshwire/meshwire/internal/protocol"
	"github.com/meshwire/meshwire/internal/selector"
	"github.com/meshwire/meshwire/internal/store"
	"github.com/meshwire/meshwire/internal/transport"
)

var (
	ErrContentTooLarge = errors.New("message content exceeds size limit")
	ErrUnknownPeer     = errors.New("unknown peer")

	// ErrQueueOverflow marks the oldest queued message evicted when a
	// peer's store-and-forward queue hits its cap.
	ErrQueueOverflow = errors.New("queue overflow")

	// ErrTTLExpired marks a message whose time-to-live lapsed before it
	// reached a terminal state.
	ErrTTLExpired = errors.New("ttl expired")
)

// Event reasons surfaced on failed transitions.
const (
	reasonCancelled   = "cancelled"
	reasonEncryption  = "encryption failed"
	reasonNoTransport = "no viable transport"
)

type Config struct {
	NodeID          string
	QueueCap        int
	DefaultTTL      time.Duration
	JanitorInterval time.Duration
	Logger          *logrus.Logger
	Queue           store.QueueRepository
}

func DefaultConfig(nodeID string) Config {
	return Config{
		NodeID:          nodeID,
		QueueCap:        DefaultQueueCap,
		DefaultTTL:      10 * time.Minute,
		JanitorInterval: time.Second,
	}
}

type inboundFrame struct {
	kind transport.Kind
	sess transport.Session
	data []byte
}

type Pipeline struct {
	cfg   Config
	log   *logrus.Entry
	codec *protocol.Codec

	registry *peer.Registry
	engine   *crypto.Engine
	selector *selector.Selector
	monitor  *health.Monitor

	mu            sync.Mutex
	messages      map[string]*Message
	conversations map[string][]*Message
	seen          map[string]struct{}
	queues        map[string]*queue
	attached      map[transport.Session]struct{}
	pings         map[transport.Session]time.Time
	handlers      []Handler

	inbound chan inboundFrame
	done    chan struct{}
	once    sync.Once
	now     func() time.Time
}

func New(cfg Config, registry *peer.Registry, engine *crypto.Engine, sel *selector.Selector, monitor *health.Monitor) (*Pipeline, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 10 * time.Minute
	}
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = time.Second
	}

	p := &Pipeline{
		cfg:           cfg,
		log:           cfg.Logger.WithField("component", "pipeline"),
		codec:         protocol.NewCodec(),
		registry:      registry,
		engine:        engine,
		selector:      sel,
		monitor:       monitor,
		messages:      make(map[string]*Message),
		conversations: make(map[string][]*Message),
		seen:          make(map[string]struct{}),
		queues:        make(map[string]*queue),
		attached:      make(map[transport.Session]struct{}),
		pings:         make(map[transport.Session]time.Time),
		inbound:       make(chan inboundFrame, 256),
		done:          make(chan struct{}),
		now:           time.Now,
	}

	if cfg.Queue != nil {
		if err := p.restoreQueues(); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// restoreQueues rebuilds store-and-forward state after a restart. Restored
// entries carry only ciphertext; the plaintext never survives the process.
func (p *Pipeline) restoreQueues() error {
	byPeer, err := p.cfg.Queue.LoadEnvelopes()
	if err != nil {
		return err
	}
	for peerID, envs := range byPeer {
		q := newQueue(p.cfg.QueueCap)
		for _, env := range envs {
			msg := &Message{
				ID:        env.MessageID,
				PeerID:    peerID,
				SenderID:  env.SenderID,
				Timestamp: time.Unix(env.Timestamp, 0),
				TTL:       time.Duration(env.TTLSeconds) * time.Second,
				Direction: DirectionOutbound,
				State:     StateQueued,
			}
			p.messages[env.MessageID] = msg
			q.push(queuedEntry{env: env, queuedAt: p.now()})
		}
		p.queues[peerID] = q
	}
	return nil
}

// Start launches the single-consumer receive loop and the janitor.
func (p *Pipeline) Start(ctx context.Context) {
	go p.consumeLoop(ctx)
	go p.janitor(ctx)
}

func (p *Pipeline) Stop() {
	p.once.Do(func() { close(p.done) })
}

func (p *Pipeline) Subscribe(h Handler) {
	p.mu.Lock()
	p.handlers = append(p.handlers, h)
	p.mu.Unlock()
}

// Submit encrypts and sends a message, tracking its delivery state. The
// returned identifier correlates later state-changed events. The send
// itself runs synchronously; ctx can cancel it before a transport commits.
func (p *Pipeline) Submit(ctx context.Context, recipientID, content string, ttl time.Duration) (string, error) {
	if len(content) > protocol.MaxContentSize {
		return "", fmt.Errorf("%w: %d > %d bytes", ErrContentTooLarge, len(content), protocol.MaxContentSize)
	}
	if _, ok := p.registry.Get(recipientID); !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownPeer, recipientID)
	}
	if ttl <= 0 {
		ttl = p.cfg.DefaultTTL
	}

	msg := &Message{
		ID:        uuid.NewString(),
		PeerID:    recipientID,
		SenderID:  p.cfg.NodeID,
		Content:   content,
		Timestamp: p.now(),
		TTL:       ttl,
		Direction: DirectionOutbound,
		State:     StatePending,
	}

	p.mu.Lock()
	p.messages[msg.ID] = msg
	p.conversations[recipientID] = append(p.conversations[recipientID], msg)
	p.mu.Unlock()

	sealed, err := p.engine.Encrypt(recipientID, []byte(content), aadFor(msg.ID, p.cfg.NodeID))
	if err != nil {
		// Never retried with the same key/nonce pair.
		p.transition(msg.ID, StateFailed, reasonEncryption)
		return msg.ID, nil
	}

	env := protocol.Envelope{
		MessageID:  msg.ID,
		SenderID:   p.cfg.NodeID,
		Ciphertext: sealed.Ciphertext,
		Nonce:      sealed.Nonce,
		Algorithm:  sealed.Algorithm,
		Epoch:      sealed.Epoch,
		TTLSeconds: uint32(ttl / time.Second),
		Timestamp:  msg.Timestamp.Unix(),
		Hops:       0,
	}

	p.dispatch(ctx, msg.ID, recipientID, env, true)
	return msg.ID, nil
}

// SubmitGroup fans a message out to every known member of a group. Keys
// stay pairwise: each member gets its own sealed copy, all sharing one
// message ID so delivery events correlate. The tracked state reflects the
// furthest any copy has progressed.
func (p *Pipeline) SubmitGroup(ctx context.Context, groupID string, members []string, content string, ttl time.Duration) (string, error) {
	if len(content) > protocol.MaxContentSize {
		return "", fmt.Errorf("%w: %d > %d bytes", ErrContentTooLarge, len(content), protocol.MaxContentSize)
	}
	known := make([]string, 0, len(members))
	for _, id := range members {
		if id == p.cfg.NodeID {
			continue
		}
		if _, ok := p.registry.Get(id); ok {
			known = append(known, id)
		}
	}
	if len(known) == 0 {
		return "", fmt.Errorf("%w: no known members in group %s", ErrUnknownPeer, groupID)
	}
	if ttl <= 0 {
		ttl = p.cfg.DefaultTTL
	}

	msg := &Message{
		ID:        uuid.NewString(),
		PeerID:    groupID,
		SenderID:  p.cfg.NodeID,
		Content:   content,
		Timestamp: p.now(),
		TTL:       ttl,
		Direction: DirectionOutbound,
		State:     StatePending,
	}

	p.mu.Lock()
	p.messages[msg.ID] = msg
	p.conversations[groupID] = append(p.conversations[groupID], msg)
	p.mu.Unlock()

	sealedAny := false
	for _, member := range known {
		sealed, err := p.engine.Encrypt(member, []byte(content), aadFor(msg.ID, p.cfg.NodeID))
		if err != nil {
			p.log.WithFields(logrus.Fields{"peer": member, "group": groupID}).Warn("group copy not encryptable, skipping member")
			continue
		}
		sealedAny = true

		env := protocol.Envelope{
			MessageID:  msg.ID,
			SenderID:   p.cfg.NodeID,
			GroupID:    groupID,
			Ciphertext: sealed.Ciphertext,
			Nonce:      sealed.Nonce,
			Algorithm:  sealed.Algorithm,
			Epoch:      sealed.Epoch,
			TTLSeconds: uint32(ttl / time.Second),
			Timestamp:  msg.Timestamp.Unix(),
			Hops:       0,
		}
		p.dispatch(ctx, msg.ID, member, env, true)
	}
	if !sealedAny {
		p.transition(msg.ID, StateFailed, reasonEncryption)
	}
	return msg.ID, nil
}

// dispatch runs the failover loop: try the best transport, exclude it for
// this message on failure, retry up to the selector's attempt bound, then
// queue (or fail) on exhaustion.
func (p *Pipeline) dispatch(ctx context.Context, msgID, peerID string, env protocol.Envelope, allowQueue bool) {
	exclude := make(map[transport.Kind]bool)

	for attempt := 0; attempt < p.selector.MaxAttempts(); attempt++ {
		// Cancellation is honored only before a transport commits.
		select {
		case <-ctx.Done():
			p.transition(msgID, StateFailed, reasonCancelled)
			return
		default:
		}

		choice, err := p.selector.Select(peerID, exclude, true)
		if err != nil {
			break
		}
		kind := choice.Transport.Kind()

		sess, err := p.selector.Lease(ctx, peerID, choice)
		if err != nil {
			p.log.WithError(err).WithFields(logrus.Fields{"peer": peerID, "kind": kind.String()}).Debug("session lease failed")
			exclude[kind] = true
			p.monitor.ObserveSend(false)
			continue
		}
		p.AttachSession(kind, sess)

		data, err := p.codec.EncodeToBytes(&env)
		if err != nil {
			p.transition(msgID, StateFailed, "encode failed")
			return
		}
		if err := sess.Send(data); err != nil {
			p.log.WithError(err).WithFields(logrus.Fields{"peer": peerID, "kind": kind.String()}).Debug("send failed, failing over")
			p.selector.DropSession(peerID, kind, sess)
			exclude[kind] = true
			p.monitor.ObserveSend(false)
			continue
		}

		p.monitor.ObserveSend(true)
		p.transition(msgID, StateSent, "")
		return
	}

	if allowQueue {
		p.enqueue(msgID, peerID, env)
		return
	}
	p.transition(msgID, StateFailed, reasonNoTransport)
}

// enqueue parks the envelope for store-and-forward. Overflow evicts the
// oldest entry and reports it as a failed delivery.
func (p *Pipeline) enqueue(msgID, peerID string, env protocol.Envelope) {
	p.mu.Lock()
	q, ok := p.queues[peerID]
	if !ok {
		q = newQueue(p.cfg.QueueCap)
		p.queues[peerID] = q
	}
	evicted, didEvict := q.push(queuedEntry{env: env, queuedAt: p.now()})
	p.mu.Unlock()

	if p.cfg.Queue != nil {
		if err := p.cfg.Queue.SaveEnvelope(peerID, env, p.now().Unix()); err != nil {
			p.log.WithError(err).Warn("failed to persist queued envelope")
		}
	}

	p.transition(msgID, StateQueued, "")

	if didEvict {
		p.forgetPersisted(evicted.env.MessageID)
		p.transition(evicted.env.MessageID, StateFailed, ErrQueueOverflow.Error())
	}
}

// PeerReachable flushes the peer's queue after a discovery event showed the
// peer online. Entries that still cannot be sent are re-queued.
func (p *Pipeline) PeerReachable(ctx context.Context, peerID string) {
	p.mu.Lock()
	q, ok := p.queues[peerID]
	if !ok || q.len() == 0 {
		p.mu.Unlock()
		return
	}
	entries := q.drain()
	p.mu.Unlock()

	for _, entry := range entries {
		p.forgetPersisted(entry.env.MessageID)
		p.dispatch(ctx, entry.env.MessageID, peerID, entry.env, true)
	}
}

// AttachSession starts pumping a session's inbound frames into the receive
// loop. Attaching the same session twice is a no-op.
func (p *Pipeline) AttachSession(kind transport.Kind, sess transport.Session) {
	p.mu.Lock()
	if _, ok := p.attached[sess]; ok {
		p.mu.Unlock()
		return
	}
	p.attached[sess] = struct{}{}
	p.mu.Unlock()

	p.sendPing(sess)

	go func() {
		for data := range sess.Recv() {
			select {
			case p.inbound <- inboundFrame{kind: kind, sess: sess, data: data}:
			case <-p.done:
				return
			}
		}
		p.selector.DropSession(sess.PeerID(), kind, sess)
		p.mu.Lock()
		delete(p.attached, sess)
		delete(p.pings, sess)
		p.mu.Unlock()
	}()
}

// sendPing measures the session round trip once per attach. The pong
// feeds the selector's latency ranking for this peer and kind.
func (p *Pipeline) sendPing(sess transport.Session) {
	data, err := p.codec.EncodeToBytes(&protocol.Ping{})
	if err != nil {
		return
	}
	p.mu.Lock()
	p.pings[sess] = time.Now()
	p.mu.Unlock()
	if err := sess.Send(data); err != nil {
		p.mu.Lock()
		delete(p.pings, sess)
		p.mu.Unlock()
	}
}

func (p *Pipeline) consumeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case f := <-p.inbound:
			p.handleFrame(f)
		}
	}
}

func (p *Pipeline) handleFrame(f inboundFrame) {
	msg, err := p.codec.DecodeFromBytes(f.data)
	if err != nil {
		p.log.WithError(err).Debug("undecodable frame dropped")
		return
	}

	switch m := msg.(type) {
	case *protocol.Envelope:
		p.handleEnvelope(f, m)
	case *protocol.Ack:
		p.transition(m.MessageID, StateDelivered, "")
	case *protocol.ReadReceipt:
		p.transition(m.MessageID, StateRead, "")
	case *protocol.Ping:
		p.reply(f.sess, &protocol.Pong{})
	case *protocol.Pong:
		p.mu.Lock()
		start, ok := p.pings[f.sess]
		delete(p.pings, f.sess)
		p.mu.Unlock()
		if ok {
			p.selector.ObserveRTT(f.sess.PeerID(), f.kind, time.Since(start))
		}
	case *protocol.Error:
		p.log.WithFields(logrus.Fields{"peer": f.sess.PeerID(), "code": m.Code.String()}).Debug("peer reported error")
	default:
		p.log.WithField("type", msg.Type().String()).Debug("unexpected frame type")
	}
}

func (p *Pipeline) handleEnvelope(f inboundFrame, env *protocol.Envelope) {
	p.registry.Touch(env.SenderID)

	ttl := time.Duration(env.TTLSeconds) * time.Second
	if ttl > 0 && p.now().Sub(time.Unix(env.Timestamp, 0)) > ttl {
		p.log.WithField("msg", env.MessageID).Debug("expired envelope dropped")
		p.reply(f.sess, &protocol.Error{Code: protocol.ErrExpired, Message: env.MessageID})
		return
	}

	p.mu.Lock()
	_, dup := p.seen[env.MessageID]
	p.mu.Unlock()
	if dup {
		// Idempotent receive: acknowledge again, append nothing.
		p.reply(f.sess, &protocol.Ack{MessageID: env.MessageID, SenderID: p.cfg.NodeID})
		return
	}

	sealed := crypto.Sealed{
		Ciphertext: env.Ciphertext,
		Nonce:      env.Nonce,
		Algorithm:  env.Algorithm,
		Epoch:      env.Epoch,
	}
	plaintext, err := p.engine.Decrypt(env.SenderID, sealed, aadFor(env.MessageID, env.SenderID))
	if err != nil {
		// Possible tampering or stale keys. Dropped, surfaced as a health
		// signal, never appended to the conversation.
		p.log.WithFields(logrus.Fields{"peer": env.SenderID, "msg": env.MessageID}).Warn("authentication failure on inbound message")
		p.registry.Penalize(env.SenderID)
		p.monitor.ObserveAuthFailure()
		return
	}

	// Group copies land in the group's conversation, direct messages in
	// the sender's.
	convKey := env.SenderID
	if env.GroupID != "" {
		convKey = env.GroupID
	}

	msg := &Message{
		ID:        env.MessageID,
		PeerID:    convKey,
		SenderID:  env.SenderID,
		Content:   string(plaintext),
		Timestamp: time.Unix(env.Timestamp, 0),
		TTL:       ttl,
		Direction: DirectionInbound,
		State:     StateDelivered,
	}

	p.mu.Lock()
	p.seen[env.MessageID] = struct{}{}
	p.messages[env.MessageID] = msg
	p.conversations[convKey] = append(p.conversations[convKey], msg)
	p.mu.Unlock()

	p.registry.Reward(env.SenderID)
	p.reply(f.sess, &protocol.Ack{MessageID: env.MessageID, SenderID: p.cfg.NodeID})
	p.emit(Event{Type: EventIncoming, PeerID: convKey, MessageID: msg.ID, State: msg.State, Message: *msg})
	p.monitor.Recompute()
}

// MarkRead marks an inbound message read locally and sends the sender a
// read receipt, best effort.
func (p *Pipeline) MarkRead(ctx context.Context, messageID string) error {
	p.mu.Lock()
	msg, ok := p.messages[messageID]
	if !ok || msg.Direction != DirectionInbound {
		p.mu.Unlock()
		return fmt.Errorf("unknown inbound message %s", messageID)
	}
	peerID := msg.PeerID
	p.mu.Unlock()

	p.transition(messageID, StateRead, "")

	choice, err := p.selector.Select(peerID, nil, true)
	if err != nil {
		return nil
	}
	sess, err := p.selector.Lease(ctx, peerID, choice)
	if err != nil {
		return nil
	}
	p.AttachSession(choice.Transport.Kind(), sess)
	data, err := p.codec.EncodeToBytes(&protocol.ReadReceipt{MessageID: messageID, SenderID: p.cfg.NodeID})
	if err != nil {
		return nil
	}
	_ = sess.Send(data)
	return nil
}

// Conversation returns the append-only message sequence for a peer, in
// local causal order.
func (p *Pipeline) Conversation(peerID string) []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Message, 0, len(p.conversations[peerID]))
	for _, m := range p.conversations[peerID] {
		out = append(out, *m)
	}
	return out
}

// Status reports the delivery state of a tracked message.
func (p *Pipeline) Status(messageID string) (DeliveryState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	msg, ok := p.messages[messageID]
	if !ok {
		return "", false
	}
	return msg.State, true
}

// QueueLen reports the store-and-forward backlog for a peer.
func (p *Pipeline) QueueLen(peerID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	q, ok := p.queues[peerID]
	if !ok {
		return 0
	}
	return q.len()
}

// janitor expires messages so nothing stays in a non-terminal state past
// its TTL.
func (p *Pipeline) janitor(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case <-ticker.C:
			p.expireMessages()
		}
	}
}

func (p *Pipeline) expireMessages() {
	now := p.now()

	var expired []string
	p.mu.Lock()
	for id, msg := range p.messages {
		if msg.Direction != DirectionOutbound || msg.State.Terminal() || msg.State == StateQueued {
			continue
		}
		if msg.TTL > 0 && now.Sub(msg.Timestamp) > msg.TTL {
			expired = append(expired, id)
		}
	}
	for _, q := range p.queues {
		for _, entry := range q.expire(now) {
			expired = append(expired, entry.env.MessageID)
			p.forgetPersisted(entry.env.MessageID)
		}
	}
	p.mu.Unlock()

	for _, id := range expired {
		p.transition(id, StateFailed, ErrTTLExpired.Error())
	}
}

func (p *Pipeline) transition(messageID string, to DeliveryState, reason string) {
	p.mu.Lock()
	msg, ok := p.messages[messageID]
	if !ok || msg.State == to || !canTransition(msg.State, to) {
		p.mu.Unlock()
		return
	}
	msg.State = to
	snapshot := *msg
	p.mu.Unlock()

	p.emit(Event{
		Type:      EventStateChanged,
		PeerID:    snapshot.PeerID,
		MessageID: snapshot.ID,
		State:     to,
		Message:   snapshot,
		Reason:    reason,
	})
	p.monitor.Recompute()
}

// EmitKeyChanged surfaces a trust-on-first-use key conflict to subscribers.
func (p *Pipeline) EmitKeyChanged(peerID string) {
	p.emit(Event{Type: EventKeyChanged, PeerID: peerID, Reason: "public key conflicts with pinned binding"})
}

func (p *Pipeline) emit(ev Event) {
	p.mu.Lock()
	handlers := make([]Handler, len(p.handlers))
	copy(handlers, p.handlers)
	p.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

func (p *Pipeline) reply(sess transport.Session, msg protocol.Message) {
	data, err := p.codec.EncodeToBytes(msg)
	if err != nil {
		return
	}
	if err := sess.Send(data); err != nil {
		p.log.WithError(err).Debug("reply send failed")
	}
}

func (p *Pipeline) forgetPersisted(messageID string) {
	if p.cfg.Queue == nil {
		return
	}
	if err := p.cfg.Queue.DeleteEnvelope(messageID); err != nil {
		p.log.WithError(err).Debug("failed to delete persisted envelope")
	}
}

func aadFor(messageID, senderID string) []byte {
	return []byte(messageID + "|" + senderID)
}
