// Package domain defines the core types and interfaces shared by heron's
// protocol, session and storage layers.
//
// It holds:
//   - fixed-size key types (X25519, Ed25519) with byte-slice helpers
//   - identities, the signer handle and the vault/directory contracts
//   - session key material, handles and the per-peer session state machine
//   - the tunable Policy with its defaults
//   - the error taxonomy and the caller-facing Outcome classification
//
// The package has no dependencies on concrete storage, transport or crypto
// implementations so every layer can depend on it.
package domain
