package directory

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"heron/internal/crypto"
	"heron/internal/domain"
)

// Pinned answers from a local trust store and falls back to a remote
// directory for users it has never seen, pinning the fetched key.
type Pinned struct {
	local  domain.TrustStore
	remote domain.IdentityDirectory
	log    *zap.Logger
}

func NewPinned(local domain.TrustStore, remote domain.IdentityDirectory, log *zap.Logger) *Pinned {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pinned{local: local, remote: remote, log: log}
}

func (p *Pinned) LookupIdentity(ctx context.Context, user domain.UserID) (domain.Ed25519Public, error) {
	pub, err := p.local.LookupIdentity(ctx, user)
	if err == nil || !errors.Is(err, domain.ErrUnknownIdentity) || p.remote == nil {
		return pub, err
	}
	pub, err = p.remote.LookupIdentity(ctx, user)
	if err != nil {
		return domain.Ed25519Public{}, err
	}
	if err := p.local.Trust(ctx, user, pub); err != nil {
		return domain.Ed25519Public{}, fmt.Errorf("pin %q: %w", user, err)
	}
	p.log.Info("identity pinned on first use",
		zap.String("user", string(user)),
		zap.String("fingerprint", string(crypto.Fingerprint(pub[:]))))
	return pub, nil
}

// Trust records pub for user in the local store.
func (p *Pinned) Trust(ctx context.Context, user domain.UserID, pub domain.Ed25519Public) error {
	return p.local.Trust(ctx, user, pub)
}

var _ domain.TrustStore = (*Pinned)(nil)
