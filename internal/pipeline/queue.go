package pipeline

import (
	"time"

	"github.com/meshwire/meshwire/internal/protocol"
)

// DefaultQueueCap bounds the store-and-forward queue per peer.
const DefaultQueueCap = 100

type queuedEntry struct {
	env      protocol.Envelope
	queuedAt time.Time
}

// queue is a bounded FIFO of envelopes awaiting a reachable peer. Push past
// capacity evicts the oldest entry; the caller must report the eviction as
// a failed delivery.
type queue struct {
	entries []queuedEntry
	cap     int
}

func newQueue(capacity int) *queue {
	if capacity <= 0 {
		capacity = DefaultQueueCap
	}
	return &queue{cap: capacity}
}

func (q *queue) push(entry queuedEntry) (evicted queuedEntry, didEvict bool) {
	if len(q.entries) >= q.cap {
		evicted = q.entries[0]
		q.entries = q.entries[1:]
		didEvict = true
	}
	q.entries = append(q.entries, entry)
	return evicted, didEvict
}

// drain removes and returns all entries, oldest first.
func (q *queue) drain() []queuedEntry {
	out := q.entries
	q.entries = nil
	return out
}

// expire removes entries whose TTL elapsed relative to now.
func (q *queue) expire(now time.Time) []queuedEntry {
	var expired []queuedEntry
	kept := q.entries[:0]
	for _, e := range q.entries {
		ttl := time.Duration(e.env.TTLSeconds) * time.Second
		if ttl > 0 && now.Sub(time.Unix(e.env.Timestamp, 0)) > ttl {
			expired = append(expired, e)
			continue
		}
		kept = append(kept, e)
	}
	q.entries = kept
	return expired
}

func (q *queue) len() int { return len(q.entries) }
