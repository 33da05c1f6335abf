// Package store persists peer key bindings and queued envelopes so
// trust-on-first-use and store-and-forward survive restarts.
package store

import (
	"errors"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/meshwire/meshwire/internal/peer"
	"github.com/meshwire/meshwire/internal/protocol"
)

// PeerRecord is the persisted form of a registry entry. The key binding is
// the part that matters across restarts.
type PeerRecord struct {
	ID          string `gorm:"primaryKey"`
	DisplayName string
	PublicKey   []byte
	LastSeen    int64
	Status      string
	TrustScore  float64
}

// NodeIdentity pins this node's own ID and private key. A single row;
// restarts reuse it so the identity peers have pinned stays valid.
type NodeIdentity struct {
	ID         uint `gorm:"primaryKey"`
	NodeID     string
	PrivateKey []byte
}

// QueuedEnvelope is a store-and-forward entry. Only ciphertext is persisted.
type QueuedEnvelope struct {
	MessageID  string `gorm:"primaryKey"`
	PeerID     string `gorm:"index"`
	SenderID   string
	GroupID    string
	Ciphertext []byte
	Nonce      []byte
	Algorithm  uint8
	Epoch      uint32
	TTLSeconds uint32
	Timestamp  int64
	QueuedAt   int64
}

func NewDB(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		PrepareStmt: true,
		Logger:      logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&PeerRecord{}, &QueuedEnvelope{}, &NodeIdentity{}); err != nil {
		return nil, err
	}
	return db, nil
}

type PeerStore struct {
	DB *gorm.DB
}

func NewPeerStore(db *gorm.DB) *PeerStore {
	return &PeerStore{DB: db}
}

func (ps *PeerStore) SavePeer(p peer.Peer) error {
	rec := PeerRecord{
		ID:          p.ID,
		DisplayName: p.DisplayName,
		PublicKey:   p.PublicKey,
		LastSeen:    p.LastSeen.Unix(),
		Status:      string(p.Status),
		TrustScore:  p.TrustScore,
	}
	return ps.DB.Save(&rec).Error
}

func (ps *PeerStore) LoadPeers() ([]peer.Peer, error) {
	var recs []PeerRecord
	if err := ps.DB.Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]peer.Peer, 0, len(recs))
	for _, rec := range recs {
		out = append(out, peer.Peer{
			ID:          rec.ID,
			DisplayName: rec.DisplayName,
			PublicKey:   rec.PublicKey,
			LastSeen:    unixTime(rec.LastSeen),
			Status:      peer.Status(rec.Status),
			TrustScore:  rec.TrustScore,
		})
	}
	return out, nil
}

type IdentityStore struct {
	DB *gorm.DB
}

func NewIdentityStore(db *gorm.DB) *IdentityStore {
	return &IdentityStore{DB: db}
}

func (is *IdentityStore) SaveIdentity(nodeID string, privateKey []byte) error {
	rec := NodeIdentity{ID: 1, NodeID: nodeID, PrivateKey: privateKey}
	return is.DB.Save(&rec).Error
}

// LoadIdentity returns the stored identity, or an empty node ID when none
// has been saved yet.
func (is *IdentityStore) LoadIdentity() (string, []byte, error) {
	var rec NodeIdentity
	err := is.DB.First(&rec, 1).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, err
	}
	return rec.NodeID, rec.PrivateKey, nil
}

type QueueStore struct {
	DB *gorm.DB
}

func NewQueueStore(db *gorm.DB) *QueueStore {
	return &QueueStore{DB: db}
}

func (qs *QueueStore) SaveEnvelope(peerID string, env protocol.Envelope, queuedAt int64) error {
	rec := QueuedEnvelope{
		MessageID:  env.MessageID,
		PeerID:     peerID,
		SenderID:   env.SenderID,
		GroupID:    env.GroupID,
		Ciphertext: env.Ciphertext,
		Nonce:      env.Nonce,
		Algorithm:  env.Algorithm,
		Epoch:      env.Epoch,
		TTLSeconds: env.TTLSeconds,
		Timestamp:  env.Timestamp,
		QueuedAt:   queuedAt,
	}
	return qs.DB.Save(&rec).Error
}

func (qs *QueueStore) DeleteEnvelope(messageID string) error {
	return qs.DB.Delete(&QueuedEnvelope{}, "message_id = ?", messageID).Error
}

func (qs *QueueStore) LoadEnvelopes() (map[string][]protocol.Envelope, error) {
	var recs []QueuedEnvelope
	if err := qs.DB.Order("queued_at asc").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make(map[string][]protocol.Envelope)
	for _, rec := range recs {
		out[rec.PeerID] = append(out[rec.PeerID], protocol.Envelope{
			MessageID:  rec.MessageID,
			SenderID:   rec.SenderID,
			GroupID:    rec.GroupID,
			Ciphertext: rec.Ciphertext,
			Nonce:      rec.Nonce,
			Algorithm:  rec.Algorithm,
			Epoch:      rec.Epoch,
			TTLSeconds: rec.TTLSeconds,
			Timestamp:  rec.Timestamp,
		})
	}
	return out, nil
}
