package peer

import (
	"bytes"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrKeyChanged is returned when a discovery update carries a public key
// that conflicts with the one already bound to the peer ID. The existing
// binding is kept; callers must surface the event, never retry silently.
var ErrKeyChanged = errors.New("peer public key changed")

const (
	initialTrust = 0.5
	trustReward  = 0.05
	trustPenalty = 0.2
)

// BindingStore persists peer records so key bindings survive restarts.
type BindingStore interface {
	SavePeer(p Peer) error
	LoadPeers() ([]Peer, error)
}

type RegistryConfig struct {
	AwayAfter    time.Duration
	OfflineAfter time.Duration
}

func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		AwayAfter:    2 * time.Minute,
		OfflineAfter: 10 * time.Minute,
	}
}

// Registry is the single writer for peer state. Discovery updates from
// concurrent transports merge through Upsert under one lock.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]*Peer
	cfg   RegistryConfig
	store BindingStore
	now   func() time.Time
}

func NewRegistry(cfg RegistryConfig, store BindingStore) (*Registry, error) {
	r := &Registry{
		peers: make(map[string]*Peer),
		cfg:   cfg,
		store: store,
		now:   time.Now,
	}
	if store != nil {
		persisted, err := store.LoadPeers()
		if err != nil {
			return nil, err
		}
		for _, p := range persisted {
			cp := p
			cp.Status = StatusOffline
			r.peers[p.ID] = &cp
		}
	}
	return r, nil
}

// Upsert merges a discovery or heartbeat observation. The first sighting
// binds the public key; later sightings refresh liveness only. A key
// mismatch returns ErrKeyChanged and leaves the stored binding untouched.
func (r *Registry) Upsert(id, displayName string, publicKey []byte) (Peer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	existing, ok := r.peers[id]
	if !ok {
		p := &Peer{
			ID:          id,
			DisplayName: displayName,
			PublicKey:   append([]byte(nil), publicKey...),
			LastSeen:    now,
			Status:      StatusOnline,
			TrustScore:  initialTrust,
		}
		r.peers[id] = p
		r.persist(p)
		return *p, nil
	}

	if len(existing.PublicKey) > 0 && len(publicKey) > 0 && !bytes.Equal(existing.PublicKey, publicKey) {
		return *existing, ErrKeyChanged
	}
	if len(existing.PublicKey) == 0 && len(publicKey) > 0 {
		existing.PublicKey = append([]byte(nil), publicKey...)
	}
	if displayName != "" {
		existing.DisplayName = displayName
	}
	existing.LastSeen = now
	existing.Status = StatusOnline
	r.persist(existing)
	return *existing, nil
}

// Touch refreshes liveness without key material (e.g. traffic on an open
// session).
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[id]; ok {
		p.LastSeen = r.now()
		p.Status = StatusOnline
	}
}

func (r *Registry) Get(id string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// List returns all known peers sorted by ID. Peers are never hard-deleted.
func (r *Registry) List() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Sweep demotes peers that have gone quiet: away after AwayAfter, offline
// after OfflineAfter.
func (r *Registry) Sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for _, p := range r.peers {
		idle := now.Sub(p.LastSeen)
		switch {
		case idle >= r.cfg.OfflineAfter:
			p.Status = StatusOffline
		case idle >= r.cfg.AwayAfter:
			if p.Status == StatusOnline {
				p.Status = StatusAway
			}
		}
	}
}

// Reward nudges the trust score up after a verified interaction.
func (r *Registry) Reward(id string) {
	r.adjustTrust(id, trustReward)
}

// Penalize drops the trust score after a security-relevant failure
// (authentication failure, key conflict).
func (r *Registry) Penalize(id string) {
	r.adjustTrust(id, -trustPenalty)
}

func (r *Registry) adjustTrust(id string, delta float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[id]
	if !ok {
		return
	}
	p.TrustScore += delta
	if p.TrustScore > 1 {
		p.TrustScore = 1
	}
	if p.TrustScore < 0 {
		p.TrustScore = 0
	}
	r.persist(p)
}

func (r *Registry) persist(p *Peer) {
	if r.store == nil {
		return
	}
	// Persistence errors are non-fatal for the in-memory registry.
	_ = r.store.SavePeer(*p)
}
