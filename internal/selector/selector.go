// Package selector owns the per-peer transport capability records and picks
// which transport carries each message.
package selector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meshwire/meshwire/internal/transport"
)

var ErrNoViableTransport = errors.New("no viable transport")

// Record is a Transport Capability Record for one (peer, kind) pair.
// Written by discovery, read by the pipeline through Select.
type Record struct {
	Kind      transport.Kind
	Addr      string
	Reachable bool
	RTT       time.Duration
	Caps      transport.Capabilities
	UpdatedAt time.Time
}

type Config struct {
	// DiscoveryInterval drives staleness: a record older than twice this
	// is excluded from ranking.
	DiscoveryInterval time.Duration

	// MaxAttempts bounds transport failover attempts per message.
	MaxAttempts int

	// MaxConcurrentOpens bounds simultaneous session negotiations.
	MaxConcurrentOpens int
}

func DefaultConfig() Config {
	return Config{
		DiscoveryInterval:  30 * time.Second,
		MaxAttempts:        2,
		MaxConcurrentOpens: 8,
	}
}

// Choice is a ranked selection result.
type Choice struct {
	Transport transport.Transport
	Record    Record
	// HasSession reports whether an open session already exists, making
	// this choice a warm path.
	HasSession bool
}

type Selector struct {
	cfg Config
	log *logrus.Entry

	mu         sync.RWMutex
	transports map[transport.Kind]transport.Transport
	records    map[string]map[transport.Kind]*Record
	sessions   map[string]map[transport.Kind]transport.Session

	openSem chan struct{}
	now     func() time.Time
}

func New(cfg Config, log *logrus.Logger) *Selector {
	if log == nil {
		log = logrus.New()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.DiscoveryInterval <= 0 {
		cfg.DiscoveryInterval = DefaultConfig().DiscoveryInterval
	}
	if cfg.MaxConcurrentOpens <= 0 {
		cfg.MaxConcurrentOpens = DefaultConfig().MaxConcurrentOpens
	}
	return &Selector{
		cfg:        cfg,
		log:        log.WithField("component", "selector"),
		transports: make(map[transport.Kind]transport.Transport),
		records:    make(map[string]map[transport.Kind]*Record),
		sessions:   make(map[string]map[transport.Kind]transport.Session),
		openSem:    make(chan struct{}, cfg.MaxConcurrentOpens),
		now:        time.Now,
	}
}

func (s *Selector) MaxAttempts() int { return s.cfg.MaxAttempts }

func (s *Selector) Register(t transport.Transport) {
	s.mu.Lock()
	s.transports[t.Kind()] = t
	s.mu.Unlock()
}

func (s *Selector) Transports() []transport.Transport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]transport.Transport, 0, len(s.transports))
	for _, t := range s.transports {
		out = append(out, t)
	}
	return out
}

// UpdateRecord merges a discovery observation. Concurrent updates from two
// transports for the same peer land on distinct kinds under one lock, so
// they merge rather than race.
func (s *Selector) UpdateRecord(peerID string, kind transport.Kind, caps transport.Capabilities, addr string, rtt time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byKind, ok := s.records[peerID]
	if !ok {
		byKind = make(map[transport.Kind]*Record)
		s.records[peerID] = byKind
	}
	rec, ok := byKind[kind]
	if !ok {
		rec = &Record{Kind: kind}
		byKind[kind] = rec
	}
	rec.Addr = addr
	rec.Reachable = true
	rec.Caps = caps
	if rtt > 0 {
		rec.RTT = rtt
	}
	rec.UpdatedAt = s.now()
}

// ObserveRTT folds a measured round trip into an existing record.
// Discovery owns record creation; a measurement for an unknown pair is
// ignored.
func (s *Selector) ObserveRTT(peerID string, kind transport.Kind, rtt time.Duration) {
	if rtt <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[peerID][kind]; ok {
		rec.RTT = rtt
		rec.UpdatedAt = s.now()
	}
}

// MarkUnreachable records a hard reachability failure for the pair. A
// single failed send never lands here; only sustained failures (session
// death, open exhaustion) do.
func (s *Selector) MarkUnreachable(peerID string, kind transport.Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[peerID][kind]; ok {
		rec.Reachable = false
		rec.UpdatedAt = s.now()
	}
}

// Records returns fresh (non-stale) records for a peer.
func (s *Selector) Records(peerID string) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.records[peerID]))
	for _, rec := range s.records[peerID] {
		if s.freshLocked(rec) {
			out = append(out, *rec)
		}
	}
	return out
}

// Select ranks the peer's fresh records and returns the best choice not in
// the exclude set. Ranking: open session beats cold open, then lower RTT,
// then ordered-delivery capability for non-broadcast messages.
func (s *Selector) Select(peerID string, exclude map[transport.Kind]bool, needOrdered bool) (Choice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var choices []Choice
	for kind, rec := range s.records[peerID] {
		if exclude[kind] || !s.freshLocked(rec) {
			continue
		}
		tr, ok := s.transports[kind]
		if !ok {
			continue
		}
		_, hasSession := s.sessions[peerID][kind]
		choices = append(choices, Choice{Transport: tr, Record: *rec, HasSession: hasSession})
	}
	if len(choices) == 0 {
		return Choice{}, fmt.Errorf("%w: peer %s", ErrNoViableTransport, peerID)
	}

	sort.SliceStable(choices, func(i, j int) bool {
		a, b := choices[i], choices[j]
		if a.HasSession != b.HasSession {
			return a.HasSession
		}
		if a.Record.RTT != b.Record.RTT {
			return a.Record.RTT < b.Record.RTT
		}
		if needOrdered && a.Record.Caps.Ordered != b.Record.Caps.Ordered {
			return a.Record.Caps.Ordered
		}
		return a.Record.Kind < b.Record.Kind
	})
	return choices[0], nil
}

// Lease returns the open session for the choice, or opens one. Opens are
// bounded by the concurrency gate and the transport's own timeout.
func (s *Selector) Lease(ctx context.Context, peerID string, choice Choice) (transport.Session, error) {
	kind := choice.Transport.Kind()
	s.mu.RLock()
	sess := s.sessions[peerID][kind]
	s.mu.RUnlock()
	if sess != nil {
		return sess, nil
	}

	select {
	case s.openSem <- struct{}{}:
		defer func() { <-s.openSem }()
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", transport.ErrOpenFailed, ctx.Err())
	}

	opened, err := choice.Transport.Open(ctx, peerID, choice.Record.Addr)
	if err != nil {
		return nil, err
	}
	s.StoreSession(peerID, kind, opened)
	return opened, nil
}

// StoreSession registers an established session, including inbound accepts.
// An existing session for the pair is kept and the new one closed, keeping
// one canonical session per (peer, kind).
func (s *Selector) StoreSession(peerID string, kind transport.Kind, sess transport.Session) transport.Session {
	s.mu.Lock()
	byKind, ok := s.sessions[peerID]
	if !ok {
		byKind = make(map[transport.Kind]transport.Session)
		s.sessions[peerID] = byKind
	}
	if existing, ok := byKind[kind]; ok && existing != sess {
		s.mu.Unlock()
		_ = sess.Close()
		return existing
	}
	byKind[kind] = sess
	s.mu.Unlock()
	return sess
}

func (s *Selector) Session(peerID string, kind transport.Kind) transport.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[peerID][kind]
}

// DropSession forgets a dead session. Only the exact session is dropped so
// a replacement stored concurrently survives.
func (s *Selector) DropSession(peerID string, kind transport.Kind, sess transport.Session) {
	s.mu.Lock()
	if cur, ok := s.sessions[peerID][kind]; ok && cur == sess {
		delete(s.sessions[peerID], kind)
	}
	s.mu.Unlock()
	_ = sess.Close()
}

// Redundancy counts peers reachable through more than one fresh transport.
func (s *Selector) Redundancy() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, byKind := range s.records {
		fresh := 0
		for _, rec := range byKind {
			if s.freshLocked(rec) {
				fresh++
			}
		}
		if fresh > 1 {
			n++
		}
	}
	return n
}

// MeanRTT averages the measured latency across all fresh records with a
// measurement.
func (s *Selector) MeanRTT() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sum time.Duration
	var n int
	for _, byKind := range s.records {
		for _, rec := range byKind {
			if s.freshLocked(rec) && rec.RTT > 0 {
				sum += rec.RTT
				n++
			}
		}
	}
	if n == 0 {
		return 0
	}
	return sum / time.Duration(n)
}

func (s *Selector) freshLocked(rec *Record) bool {
	if !rec.Reachable {
		return false
	}
	return s.now().Sub(rec.UpdatedAt) <= 2*s.cfg.DiscoveryInterval
}
