package pipeline

import "time"

type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

// Message is the pipeline's per-message record. For restored queued
// messages only the ciphertext survives a restart, so Content may be empty.
type Message struct {
	ID        string
	PeerID    string
	SenderID  string
	Content   string
	Timestamp time.Time
	TTL       time.Duration
	Direction Direction
	State     DeliveryState
}

type EventType string

const (
	// EventIncoming fires when a decrypted message lands in a conversation.
	EventIncoming EventType = "incoming"

	// EventStateChanged fires on every delivery-state transition.
	EventStateChanged EventType = "state-changed"

	// EventKeyChanged fires when a peer presents a key conflicting with its
	// trust-on-first-use binding. Never silent.
	EventKeyChanged EventType = "key-changed"
)

type Event struct {
	Type      EventType
	PeerID    string
	MessageID string
	State     DeliveryState
	Message   Message
	Reason    string
}

// Handler receives pipeline events. Handlers run on pipeline goroutines and
// must not block.
type Handler func(Event)
