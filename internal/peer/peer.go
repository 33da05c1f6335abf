// Package peer maintains the registry of known peers and their
// trust-on-first-use key bindings.
package peer

import "time"

type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
)

// Peer is the registry's view of a remote node. PublicKey is bound to ID on
// first contact and never rebound; a conflicting key on a later update is a
// security event, not an update.
type Peer struct {
	ID          string
	DisplayName string
	PublicKey   []byte
	LastSeen    time.Time
	Status      Status
	TrustScore  float64
}
