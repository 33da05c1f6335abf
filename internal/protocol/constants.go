package protocol

const (
	// MaxContentSize bounds plaintext message content. Larger payloads are
	// rejected at submit time, before encryption.
	MaxContentSize = 1024

	// MaxFrameSize bounds a single wire frame on length-prefixed streams.
	MaxFrameSize = 64 * 1024
)

// AEAD algorithm identifiers carried in the Envelope header.
const (
	AlgoXChaCha20Poly1305 uint8 = 0x01
)

type MessageType uint16

const (
	MsgEnvelope    MessageType = 0x0010
	MsgAck         MessageType = 0x0011
	MsgReadReceipt MessageType = 0x0012
	MsgBeacon      MessageType = 0x0020
	MsgHello       MessageType = 0x0021
	MsgError       MessageType = 0x00FF
	MsgPing        MessageType = 0x0001
	MsgPong        MessageType = 0x0002
)

func (t MessageType) String() string {
	switch t {
	case MsgEnvelope:
		return "ENVELOPE"
	case MsgAck:
		return "ACK"
	case MsgReadReceipt:
		return "READ_RECEIPT"
	case MsgBeacon:
		return "BEACON"
	case MsgHello:
		return "HELLO"
	case MsgError:
		return "ERROR"
	case MsgPing:
		return "PING"
	case MsgPong:
		return "PONG"
	default:
		return "UNKNOWN"
	}
}

type ErrorCode uint16

const (
	ErrUnknown       ErrorCode = 0x0000
	ErrInvalidMsg    ErrorCode = 0x0001
	ErrUnsupported   ErrorCode = 0x0002
	ErrExpired       ErrorCode = 0x0003
	ErrContentTooBig ErrorCode = 0x0004
	ErrInternal      ErrorCode = 0x00FF
)

func (e ErrorCode) String() string {
	switch e {
	case ErrInvalidMsg:
		return "INVALID_MESSAGE"
	case ErrUnsupported:
		return "UNSUPPORTED_ALGORITHM"
	case ErrExpired:
		return "TTL_EXPIRED"
	case ErrContentTooBig:
		return "CONTENT_TOO_BIG"
	case ErrInternal:
		return "INTERNAL_ERROR"
	default:
		return "UNKNOWN"
	}
}
