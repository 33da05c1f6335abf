package pipeline

// DeliveryState is the per-message delivery state machine:
// pending -> sent -> delivered -> read, with failed reachable from pending
// and sent, and queued reachable when no transport is currently viable.
type DeliveryState string

const (
	StatePending   DeliveryState = "pending"
	StateSent      DeliveryState = "sent"
	StateDelivered DeliveryState = "delivered"
	StateRead      DeliveryState = "read"
	StateQueued    DeliveryState = "queued"
	StateFailed    DeliveryState = "failed"
)

// Terminal reports whether no further transition is possible.
func (s DeliveryState) Terminal() bool {
	return s == StateRead || s == StateFailed
}

var transitions = map[DeliveryState][]DeliveryState{
	StatePending:   {StateSent, StateQueued, StateFailed},
	StateSent:      {StateDelivered, StateFailed},
	StateDelivered: {StateRead},
	StateQueued:    {StateSent, StateFailed},
}

func canTransition(from, to DeliveryState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
