package handshake

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"heron/internal/crypto"
	"heron/internal/domain"
)

// Role is the side a State plays in the handshake.
type Role int

const (
	RoleInitiator Role = iota + 1
	RoleResponder
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	default:
		return "unknown"
	}
}

// Step is the protocol position of a State.
type Step int

const (
	StepAwaitHello Step = iota + 1
	StepAwaitReply
	StepComplete
	StepClosed
)

func (s Step) String() string {
	switch s {
	case StepAwaitHello:
		return "await-hello"
	case StepAwaitReply:
		return "await-reply"
	case StepComplete:
		return "complete"
	case StepClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// State is one in-flight handshake attempt. It is never persisted, and its
// ephemeral secrets are zeroed when the attempt completes or aborts.
type State struct {
	mu sync.Mutex

	id    uuid.UUID
	role  Role
	step  Step
	local domain.LocalIdentity
	peer  domain.UserID
	// negotiating is set while the attempt is registered with the registry
	negotiating bool

	ephPriv domain.X25519Private
	ephPub  domain.X25519Public
	kem     *crypto.KEMKeyPair
	nonce   [nonceSize]byte
	// hello is the raw step-1 message, kept for the reply transcript
	hello []byte

	deadline time.Time
	err      error
}

// ID identifies the attempt in logs.
func (s *State) ID() uuid.UUID { return s.id }

func (s *State) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

func (s *State) Step() Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.step
}

// Peer returns the claimed or expected peer, empty for a responder that
// accepts anyone and has not seen a Hello yet.
func (s *State) Peer() domain.UserID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

// Deadline is when the current step times out.
func (s *State) Deadline() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deadline
}

// Err returns why the attempt was aborted, or nil.
func (s *State) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *State) wipeLocked() {
	crypto.Wipe(s.ephPriv[:])
	s.kem.Wipe()
	s.kem = nil
	s.hello = nil
}

func (s *State) finished() bool {
	return s.step == StepComplete || s.step == StepClosed
}
