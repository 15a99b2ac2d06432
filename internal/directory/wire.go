package directory

import (
	"context"
	"crypto/rand"

	"github.com/mr-tron/base58"
	"lukechampine.com/blake3"

	"heron/internal/domain"
)

const (
	publishLabel = "heron/directory/v1/publish"
	tokenLabel   = "heron/directory/v1/token"
	tokenSize    = 32
)

// record is the JSON form exchanged with the directory service.
type record struct {
	User        string `json:"user"`
	Public      []byte `json:"public"`
	Signature   []byte `json:"signature,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Token       string `json:"token,omitempty"`
}

// publishMessage is what a user signs to prove control of the published key.
func publishMessage(user domain.UserID, pub domain.Ed25519Public) []byte {
	b := append([]byte(publishLabel), 0)
	b = append(b, user...)
	b = append(b, 0)
	return append(b, pub[:]...)
}

// DigestToken hashes a bearer token for storage and comparison.
func DigestToken(token string) domain.TokenDigest {
	return blake3.Sum256(append([]byte(tokenLabel+"\x00"), token...))
}

func newToken() (string, error) {
	b := make([]byte, tokenSize)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base58.Encode(b), nil
}

// Registry is the directory service's store: published keys plus the
// digest of the token that may withdraw each of them.
type Registry interface {
	domain.TrustStore
	// SetToken replaces user's token digest. Unknown users fail with
	// domain.ErrUnknownIdentity.
	SetToken(ctx context.Context, user domain.UserID, d domain.TokenDigest) error
	// Withdraw removes user and its token when d matches, and fails with
	// domain.ErrTokenRejected otherwise.
	Withdraw(ctx context.Context, user domain.UserID, d domain.TokenDigest) error
}
