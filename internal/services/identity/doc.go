// Package identity manages creation, sealing and publication of the local
// long-term signing identity.
//
// It enforces the passphrase policy and the user identifier format,
// generates the Ed25519 key pair, persists it via the domain.IdentityStore
// and publishes the public half to an identity directory.
package identity
