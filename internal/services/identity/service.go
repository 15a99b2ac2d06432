package identity

import (
	"context"
	"errors"
	"fmt"
	"unicode"

	"heron/internal/crypto"
	"heron/internal/domain"
)

const (
	// minPassphraseLength defines the minimum number of characters required for a passphrase.
	minPassphraseLength = 12
	maxUserLength       = 64
)

var (
	// ErrWeakPassphrase is returned when the passphrase fails the strength policy.
	ErrWeakPassphrase = fmt.Errorf(
		"passphrase is too weak (must be at least %d characters and include upper, lower, "+
			"number, and symbol)",
		minPassphraseLength,
	)
	// ErrInvalidUser is returned for identifiers outside [a-z0-9._-]{1,64}.
	ErrInvalidUser = errors.New("user id must be 1-64 characters of a-z, 0-9, '.', '_' or '-'")
)

// Publisher makes a public key discoverable under a user identifier and
// returns a token that can later withdraw it.
type Publisher interface {
	Publish(ctx context.Context, user domain.UserID, signer domain.Signer) (string, error)
}

// Service manages the local identity using a backing store.
type Service struct {
	store domain.IdentityStore
}

// New returns an identity service backed by the given store.
func New(s domain.IdentityStore) *Service { return &Service{store: s} }

// Generate creates a new identity for user, saves it sealed with the
// passphrase and returns it with the fingerprint of its public key. The
// caller must wipe the returned private key.
func (s *Service) Generate(passphrase string, user domain.UserID) (domain.Identity, domain.Fingerprint, error) {
	if err := ValidateUser(user); err != nil {
		return domain.Identity{}, "", err
	}
	if !isSecurePassphrase(passphrase) {
		return domain.Identity{}, "", ErrWeakPassphrase
	}

	priv, pub, err := crypto.GenerateEd25519()
	if err != nil {
		return domain.Identity{}, "", err
	}
	id := domain.Identity{User: user, EdPub: pub, EdPriv: priv}
	crypto.Wipe(priv[:])
	if err := s.store.SaveIdentity(passphrase, id); err != nil {
		crypto.Wipe(id.EdPriv[:])
		return domain.Identity{}, "", err
	}
	return id, crypto.Fingerprint(pub[:]), nil
}

// Fingerprint returns the fingerprint of the stored identity's public key.
func (s *Service) Fingerprint(passphrase string) (domain.Fingerprint, error) {
	id, err := s.store.LoadIdentity(passphrase)
	if err != nil {
		return "", err
	}
	crypto.Wipe(id.EdPriv[:])
	return crypto.Fingerprint(id.EdPub[:]), nil
}

// Publish registers the stored identity with p and returns the user and
// the unregister token p issued.
func (s *Service) Publish(ctx context.Context, passphrase string, p Publisher) (domain.UserID, string, error) {
	id, err := s.store.LoadIdentity(passphrase)
	if err != nil {
		return "", "", err
	}
	signer := crypto.NewSigner(id.EdPriv, id.EdPub)
	crypto.Wipe(id.EdPriv[:])
	defer signer.Wipe()
	token, err := p.Publish(ctx, id.User, signer)
	if err != nil {
		return "", "", fmt.Errorf("publish %q: %w", id.User, err)
	}
	return id.User, token, nil
}

// ValidateUser checks the identifier format.
func ValidateUser(user domain.UserID) error {
	if len(user) == 0 || len(user) > maxUserLength {
		return ErrInvalidUser
	}
	for _, r := range user {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
		default:
			return ErrInvalidUser
		}
	}
	return nil
}

// isSecurePassphrase enforces a basic strength policy.
func isSecurePassphrase(passphrase string) bool {
	var hasUpper, hasLower, hasDigit, hasSymbol bool
	if len(passphrase) < minPassphraseLength {
		return false
	}
	for _, r := range passphrase {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r), unicode.IsSymbol(r):
			hasSymbol = true
		}
	}
	return hasUpper && hasLower && hasDigit && hasSymbol
}

// Compile-time assertion that Service implements domain.IdentityService.
var _ domain.IdentityService = (*Service)(nil)
