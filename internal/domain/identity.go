package domain

import "context"

// UserID is the stable identifier of a registered user. Identifiers are
// compared byte-wise, which also decides who initiates under glare.
type UserID string

// Fingerprint is a short, human-comparable digest of a public key.
type Fingerprint string

// Identity is the long-term signing identity as held by the vault.
// The private half never leaves the store package in cleartext.
type Identity struct {
	User   UserID
	EdPub  Ed25519Public
	EdPriv Ed25519Private
}

// Signer is a handle to a long-term private key that can sign but never
// export the key itself.
type Signer interface {
	Public() Ed25519Public
	Sign(msg []byte) ([]byte, error)
}

// LocalIdentity is what the vault hands to the handshake engine.
type LocalIdentity struct {
	User   UserID
	Public Ed25519Public
	Signer Signer
}

// CredentialVault supplies the local identity. Identity may block on storage
// I/O and must not be called while holding a per-session lock.
type CredentialVault interface {
	Identity(ctx context.Context) (LocalIdentity, error)
}

// IdentityStore persists the sealed identity under a passphrase.
type IdentityStore interface {
	SaveIdentity(passphrase string, id Identity) error
	LoadIdentity(passphrase string) (Identity, error)
}

// TokenStore keeps bearer tokens issued to the local identity, sealed
// like the identity itself.
type TokenStore interface {
	SaveToken(name string, token []byte) error
	Token(name string) ([]byte, error)
	DeleteToken(name string) error
}

// TokenDigest is what a directory keeps of a bearer token it issued.
type TokenDigest [32]byte

// IdentityDirectory resolves a user to its known long-term public key.
// Unknown users yield ErrUnknownIdentity.
type IdentityDirectory interface {
	LookupIdentity(ctx context.Context, user UserID) (Ed25519Public, error)
}

// TrustStore is a directory that can also record new trusted keys.
// Trust fails with ErrIdentityMismatch when user is already bound to a
// different key.
type TrustStore interface {
	IdentityDirectory
	Trust(ctx context.Context, user UserID, pub Ed25519Public) error
}

// IdentityService manages the local identity lifecycle.
type IdentityService interface {
	Generate(passphrase string, user UserID) (Identity, Fingerprint, error)
	Fingerprint(passphrase string) (Fingerprint, error)
}
