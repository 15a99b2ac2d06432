package directory

import (
	"context"
	"crypto/subtle"
	"fmt"
	"sync"

	"heron/internal/domain"
)

// Memory is an in-process trust store. As a Registry it also keeps the
// digest of each user's unregister token.
type Memory struct {
	mu     sync.RWMutex
	keys   map[domain.UserID]domain.Ed25519Public
	tokens map[domain.UserID]domain.TokenDigest
}

func NewMemory() *Memory {
	return &Memory{
		keys:   make(map[domain.UserID]domain.Ed25519Public),
		tokens: make(map[domain.UserID]domain.TokenDigest),
	}
}

// Trust binds user to pub. Re-trusting the same key is a no-op.
func (m *Memory) Trust(_ context.Context, user domain.UserID, pub domain.Ed25519Public) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.keys[user]; ok && cur != pub {
		return fmt.Errorf("%w: %q is bound to another key", domain.ErrIdentityMismatch, user)
	}
	m.keys[user] = pub
	return nil
}

func (m *Memory) LookupIdentity(_ context.Context, user domain.UserID) (domain.Ed25519Public, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pub, ok := m.keys[user]
	if !ok {
		return domain.Ed25519Public{}, fmt.Errorf("%w: %q", domain.ErrUnknownIdentity, user)
	}
	return pub, nil
}

// SetToken replaces the unregister token digest of a known user.
func (m *Memory) SetToken(_ context.Context, user domain.UserID, d domain.TokenDigest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[user]; !ok {
		return fmt.Errorf("%w: %q", domain.ErrUnknownIdentity, user)
	}
	m.tokens[user] = d
	return nil
}

// Withdraw forgets user if d matches the stored token digest.
func (m *Memory) Withdraw(_ context.Context, user domain.UserID, d domain.TokenDigest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[user]; !ok {
		return fmt.Errorf("%w: %q", domain.ErrUnknownIdentity, user)
	}
	cur, ok := m.tokens[user]
	if !ok || subtle.ConstantTimeCompare(cur[:], d[:]) != 1 {
		return fmt.Errorf("%w: unregister %q", domain.ErrTokenRejected, user)
	}
	delete(m.keys, user)
	delete(m.tokens, user)
	return nil
}

// Forget removes user's binding.
func (m *Memory) Forget(user domain.UserID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, user)
	delete(m.tokens, user)
}

var _ Registry = (*Memory)(nil)
