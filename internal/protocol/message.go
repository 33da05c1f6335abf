package protocol

type Message interface {
	Type() MessageType
}

// Envelope is the encrypted wire form of a chat message. The recipient is
// transport-addressed and intentionally absent from the header; the AEAD tag
// is appended to Ciphertext. Hops is 0 for locally originated messages and 1
// for direct delivery; nothing relays today.
type Envelope struct {
	MessageID string
	SenderID  string

	// GroupID is set on group fan-out copies; empty for direct messages.
	GroupID    string
	Ciphertext []byte
	Nonce      []byte
	Algorithm  uint8
	Epoch      uint32
	TTLSeconds uint32
	Timestamp  int64
	Hops       uint8
}

func (Envelope) Type() MessageType { return MsgEnvelope }

// Ack confirms delivery of the identified message to the sender.
type Ack struct {
	MessageID string
	SenderID  string
}

func (Ack) Type() MessageType { return MsgAck }

// ReadReceipt promotes a delivered message to read on the sender side.
type ReadReceipt struct {
	MessageID string
	SenderID  string
}

func (ReadReceipt) Type() MessageType { return MsgReadReceipt }

// Beacon is broadcast on the local discovery socket. PublicKey is the
// announcing node's X25519 key; Port is where its QUIC listener accepts
// data sessions.
type Beacon struct {
	NodeID      string
	DisplayName string
	PublicKey   []byte
	Port        uint16
}

func (Beacon) Type() MessageType { return MsgBeacon }

// Hello is the first frame on a freshly opened data session and identifies
// the dialing node.
type Hello struct {
	NodeID    string
	PublicKey []byte
}

func (Hello) Type() MessageType { return MsgHello }

type Error struct {
	Code    ErrorCode
	Message string
}

func (Error) Type() MessageType { return MsgError }

type Ping struct{}

func (Ping) Type() MessageType { return MsgPing }

type Pong struct{}

func (Pong) Type() MessageType { return MsgPong }
