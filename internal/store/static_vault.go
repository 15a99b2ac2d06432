package store

import (
	"context"

	"heron/internal/crypto"
	"heron/internal/domain"
)

// StaticVault serves an identity that is already unlocked in memory.
type StaticVault struct {
	id     domain.LocalIdentity
	signer *crypto.Signer
}

// NewStaticVault wraps id; the private key is only reachable through the
// returned vault's signer.
func NewStaticVault(id domain.Identity) *StaticVault {
	s := crypto.NewSigner(id.EdPriv, id.EdPub)
	return &StaticVault{
		id:     domain.LocalIdentity{User: id.User, Public: id.EdPub, Signer: s},
		signer: s,
	}
}

func (v *StaticVault) Identity(ctx context.Context) (domain.LocalIdentity, error) {
	if err := ctx.Err(); err != nil {
		return domain.LocalIdentity{}, err
	}
	return v.id, nil
}

// Lock wipes the signing key; later handshakes fail with
// domain.ErrIdentityUnavailable.
func (v *StaticVault) Lock() { v.signer.Wipe() }

var _ domain.CredentialVault = (*StaticVault)(nil)
