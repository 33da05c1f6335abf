// Package health derives a mesh-quality snapshot from the peer registry and
// the selector's capability records. It observes, it never mutates.
package health

import (
	"sync"
	"time"

	"github.com/meshwire/meshwire/internal/peer"
	"github.com/meshwire/meshwire/internal/selector"
)

type Label string

const (
	LabelGood Label = "good"
	LabelFair Label = "fair"
	LabelPoor Label = "poor"
)

// Thresholds on the connectivity ratio are policy, not control flow:
// nothing but the label derivation reads them.
type Thresholds struct {
	Good float64
	Fair float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{Good: 0.7, Fair: 0.3}
}

// Snapshot is derived, never mutated in place.
type Snapshot struct {
	KnownPeers        int
	OnlinePeers       int
	ConnectivityRatio float64
	MeanLatency       time.Duration
	Redundancy        int
	Sends             uint64
	SendFailures      uint64
	AuthFailures      uint64
	Label             Label
	ComputedAt        time.Time
}

type Monitor struct {
	thresholds Thresholds
	registry   *peer.Registry
	selector   *selector.Selector

	mu           sync.RWMutex
	snapshot     Snapshot
	sends        uint64
	sendFailures uint64
	authFailures uint64

	now func() time.Time
}

func NewMonitor(th Thresholds, registry *peer.Registry, sel *selector.Selector) *Monitor {
	m := &Monitor{
		thresholds: th,
		registry:   registry,
		selector:   sel,
		now:        time.Now,
	}
	m.Recompute()
	return m
}

// ObserveSend counts an outbound attempt and refreshes the snapshot.
func (m *Monitor) ObserveSend(ok bool) {
	m.mu.Lock()
	m.sends++
	if !ok {
		m.sendFailures++
	}
	m.mu.Unlock()
	m.Recompute()
}

// ObserveAuthFailure counts a decrypt authentication failure, a signal of
// tampering or stale keys on the path from that peer.
func (m *Monitor) ObserveAuthFailure() {
	m.mu.Lock()
	m.authFailures++
	m.mu.Unlock()
	m.Recompute()
}

// Recompute rebuilds the snapshot from current registry and selector state.
func (m *Monitor) Recompute() Snapshot {
	peers := m.registry.List()
	known := len(peers)
	online := 0
	for _, p := range peers {
		if p.Status == peer.StatusOnline {
			online++
		}
	}

	ratio := 0.0
	if known > 0 {
		ratio = float64(online) / float64(known)
	}

	snap := Snapshot{
		KnownPeers:        known,
		OnlinePeers:       online,
		ConnectivityRatio: ratio,
		MeanLatency:       m.selector.MeanRTT(),
		Redundancy:        m.selector.Redundancy(),
		Label:             m.label(ratio),
		ComputedAt:        m.now(),
	}

	m.mu.Lock()
	snap.Sends = m.sends
	snap.SendFailures = m.sendFailures
	snap.AuthFailures = m.authFailures
	m.snapshot = snap
	m.mu.Unlock()
	return snap
}

func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}

func (m *Monitor) label(ratio float64) Label {
	switch {
	case ratio >= m.thresholds.Good:
		return LabelGood
	case ratio >= m.thresholds.Fair:
		return LabelFair
	default:
		return LabelPoor
	}
}
