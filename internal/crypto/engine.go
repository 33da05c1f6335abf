// Package crypto implements the pairwise encryption engine: XChaCha20-Poly1305
// sessions keyed by X25519 agreement, with epoch-based key rotation.
package crypto

import (
	"bytes"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/meshwire/meshwire/internal/protocol"
)

var (
	// ErrEncryption marks a failed encrypt. The message is never retried
	// with the same key/nonce pair.
	ErrEncryption = errors.New("encryption failed")

	// ErrAuthentication is the uniform decrypt failure. It deliberately does
	// not distinguish corruption, tampering, or a wrong key.
	ErrAuthentication = errors.New("message authentication failed")

	// ErrKeyChanged is returned when an imported key conflicts with the one
	// already bound to the peer. The session is invalidated, not replaced.
	ErrKeyChanged = errors.New("peer key changed")
)

const (
	KeySize   = chacha20poly1305.KeySize
	NonceSize = chacha20poly1305.NonceSizeX

	DefaultRotationInterval = time.Hour

	kdfInfo = "meshwire/session-key"
)

// Sealed is the output of Encrypt: ciphertext with the 128-bit tag appended,
// the per-message nonce, and the key epoch it was sealed under.
type Sealed struct {
	Ciphertext []byte
	Nonce      []byte
	Algorithm  uint8
	Epoch      uint32
}

type session struct {
	mu        sync.Mutex
	peerPub   []byte
	shared    []byte
	key       []byte
	prevKey   []byte
	epoch     uint32
	rotatedAt time.Time
}

type Engine struct {
	priv     *ecdh.PrivateKey
	rotation time.Duration

	mu       sync.RWMutex
	sessions map[string]*session

	now func() time.Time
}

func NewEngine(rotation time.Duration) (*Engine, error) {
	if rotation <= 0 {
		rotation = DefaultRotationInterval
	}
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Engine{
		priv:     priv,
		rotation: rotation,
		sessions: make(map[string]*session),
		now:      time.Now,
	}, nil
}

// NewEngineFromKey rebuilds an engine around a persisted X25519 private
// key, keeping the node's identity stable across restarts.
func NewEngineFromKey(privKey []byte, rotation time.Duration) (*Engine, error) {
	if rotation <= 0 {
		rotation = DefaultRotationInterval
	}
	priv, err := ecdh.X25519().NewPrivateKey(privKey)
	if err != nil {
		return nil, err
	}
	return &Engine{
		priv:     priv,
		rotation: rotation,
		sessions: make(map[string]*session),
		now:      time.Now,
	}, nil
}

// ExportPublicKey returns the node's X25519 public key for beacons and
// first-contact exchange.
func (e *Engine) ExportPublicKey() []byte {
	return e.priv.PublicKey().Bytes()
}

// ExportPrivateKey returns the raw private key for persistence.
func (e *Engine) ExportPrivateKey() []byte {
	return e.priv.Bytes()
}

// ImportPeerKey binds a peer's public key and derives the epoch-0 session
// key. Re-importing the same key is a no-op; a different key invalidates the
// session and returns ErrKeyChanged.
func (e *Engine) ImportPeerKey(peerID string, pub []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if s, ok := e.sessions[peerID]; ok {
		s.mu.Lock()
		defer s.mu.Unlock()
		if bytes.Equal(s.peerPub, pub) {
			return nil
		}
		s.key = nil
		s.prevKey = nil
		s.shared = nil
		delete(e.sessions, peerID)
		return ErrKeyChanged
	}

	peerKey, err := ecdh.X25519().NewPublicKey(pub)
	if err != nil {
		return err
	}
	shared, err := e.priv.ECDH(peerKey)
	if err != nil {
		return err
	}
	key, err := deriveKey(shared, 0)
	if err != nil {
		return err
	}
	e.sessions[peerID] = &session{
		peerPub:   append([]byte(nil), pub...),
		shared:    shared,
		key:       key,
		epoch:     0,
		rotatedAt: e.now(),
	}
	return nil
}

// Encrypt seals plaintext for the peer under the current key epoch. The
// per-session lock makes rotation mutually exclusive with in-flight
// encrypts, so a single message never mixes epochs. The nonce is 24 random
// bytes, fresh per call.
func (e *Engine) Encrypt(peerID string, plaintext, aad []byte) (Sealed, error) {
	s := e.session(peerID)
	if s == nil {
		return Sealed{}, ErrEncryption
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := e.maybeRotateLocked(s); err != nil {
		return Sealed{}, ErrEncryption
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return Sealed{}, ErrEncryption
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return Sealed{}, ErrEncryption
	}
	return Sealed{
		Ciphertext: aead.Seal(nil, nonce, plaintext, aad),
		Nonce:      nonce,
		Algorithm:  protocol.AlgoXChaCha20Poly1305,
		Epoch:      s.epoch,
	}, nil
}

// Decrypt opens a sealed message. The current key is tried first, then the
// previous epoch's key to cover messages sealed just before a rotation.
// Every failure path returns the same ErrAuthentication.
func (e *Engine) Decrypt(peerID string, sealed Sealed, aad []byte) ([]byte, error) {
	if sealed.Algorithm != protocol.AlgoXChaCha20Poly1305 || len(sealed.Nonce) != NonceSize {
		return nil, ErrAuthentication
	}
	s := e.session(peerID)
	if s == nil {
		return nil, ErrAuthentication
	}
	s.mu.Lock()
	keys := [][]byte{s.key}
	if s.prevKey != nil {
		keys = append(keys, s.prevKey)
	}
	s.mu.Unlock()

	for _, key := range keys {
		aead, err := chacha20poly1305.NewX(key)
		if err != nil {
			continue
		}
		plaintext, err := aead.Open(nil, sealed.Nonce, sealed.Ciphertext, aad)
		if err == nil {
			return plaintext, nil
		}
	}
	return nil, ErrAuthentication
}

// Rotate forces a key rotation for the peer regardless of the interval.
func (e *Engine) Rotate(peerID string) error {
	s := e.session(peerID)
	if s == nil {
		return ErrEncryption
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return e.rotateLocked(s)
}

// Epoch reports the current key epoch for a peer, for observability.
func (e *Engine) Epoch(peerID string) (uint32, bool) {
	s := e.session(peerID)
	if s == nil {
		return 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch, true
}

func (e *Engine) session(peerID string) *session {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sessions[peerID]
}

func (e *Engine) maybeRotateLocked(s *session) error {
	if e.now().Sub(s.rotatedAt) < e.rotation {
		return nil
	}
	return e.rotateLocked(s)
}

// rotateLocked atomically supersedes the current key. The previous key is
// kept for one epoch so in-flight messages sealed under it still open.
func (e *Engine) rotateLocked(s *session) error {
	next, err := deriveKey(s.shared, s.epoch+1)
	if err != nil {
		return err
	}
	s.prevKey = s.key
	s.key = next
	s.epoch++
	s.rotatedAt = e.now()
	return nil
}

func deriveKey(shared []byte, epoch uint32) ([]byte, error) {
	salt := make([]byte, 4)
	binary.BigEndian.PutUint32(salt, epoch)
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, []byte(kdfInfo)), key); err != nil {
		return nil, err
	}
	return key, nil
}
