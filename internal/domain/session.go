package domain

import (
	"time"

	"github.com/google/uuid"
)

// SessionState is the lifecycle position of one peer session.
type SessionState int

const (
	SessionNegotiating SessionState = iota + 1
	SessionActive
	SessionRotatingPending
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionNegotiating:
		return "negotiating"
	case SessionActive:
		return "active"
	case SessionRotatingPending:
		return "rotating-pending"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SessionKeyMaterial is the output of a completed handshake for one peer.
// SendKey and ReceiveKey are never equal. Counters are tracked by the
// session manager per installed key.
type SessionKeyMaterial struct {
	Peer       UserID
	Initiator  bool
	SendKey    SymmetricKey
	ReceiveKey SymmetricKey
	// Binding is the transcript hash of the handshake that produced the keys.
	Binding [32]byte
	// ExpiresAt and MessageBudget bound the key's use. Zero values take the
	// manager policy defaults.
	ExpiresAt     time.Time
	MessageBudget uint64
}

// Wipe zeroes both directional keys.
func (k *SessionKeyMaterial) Wipe() {
	if k == nil {
		return
	}
	for i := range k.SendKey {
		k.SendKey[i] = 0
	}
	for i := range k.ReceiveKey {
		k.ReceiveKey[i] = 0
	}
}

// SessionHandle names one peer session. It stays valid across key rotations
// and becomes stale once the session is closed.
type SessionHandle struct {
	ID   uuid.UUID
	Peer UserID
}

func (h SessionHandle) String() string {
	return string(h.Peer) + "/" + h.ID.String()
}

// RotationPolicy overrides when a session's keys are replaced. Zero fields
// fall back to the key material and manager defaults.
type RotationPolicy struct {
	MessageBudget uint64
	Lifetime      time.Duration
}
