package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"sync"

	"heron/internal/domain"
)

// GenerateEd25519 returns a new Ed25519 signing key pair.
func GenerateEd25519() (priv domain.Ed25519Private, pub domain.Ed25519Public, err error) {
	pk, sk, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return priv, pub, err
	}
	copy(priv[:], sk)
	copy(pub[:], pk)
	Wipe(sk)
	return priv, pub, nil
}

// SignEd25519 signs msg with priv and returns the signature.
func SignEd25519(priv domain.Ed25519Private, msg []byte) []byte {
	return ed25519.Sign(ed25519.PrivateKey(priv[:]), msg)
}

// VerifyEd25519 verifies sig over msg with pub.
func VerifyEd25519(pub domain.Ed25519Public, msg, sig []byte) bool {
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub[:]), msg, sig)
}

// Signer holds an Ed25519 private key and only ever exposes signatures.
type Signer struct {
	mu    sync.RWMutex
	pub   domain.Ed25519Public
	priv  domain.Ed25519Private
	wiped bool
}

// NewSigner copies priv into a new signing handle.
func NewSigner(priv domain.Ed25519Private, pub domain.Ed25519Public) *Signer {
	return &Signer{priv: priv, pub: pub}
}

func (s *Signer) Public() domain.Ed25519Public { return s.pub }

// Sign fails with domain.ErrIdentityUnavailable once the handle was wiped.
func (s *Signer) Sign(msg []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.wiped {
		return nil, domain.ErrIdentityUnavailable
	}
	return SignEd25519(s.priv, msg), nil
}

// Wipe zeroes the private key; later Sign calls fail.
func (s *Signer) Wipe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	Wipe(s.priv[:])
	s.wiped = true
}

var _ domain.Signer = (*Signer)(nil)
