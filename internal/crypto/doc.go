// Package crypto exposes the primitives used by heron.
//
// Contents
//
//   - X25519 key generation, clamping and Diffie–Hellman (GenerateX25519, DH)
//   - Ed25519 key generation, signing, verification and a non-exporting
//     signing handle (GenerateEd25519, SignEd25519, VerifyEd25519, Signer)
//   - ChaCha20-Poly1305 sealing with sequence nonces (Seal, Open, SequenceNonce)
//   - HKDF-SHA256 key derivation (HKDF)
//   - ML-KEM-768 encapsulation for hybrid handshakes (GenerateKEM, Encapsulate)
//   - Best-effort memory wiping for sensitive byte slices (Wipe)
//   - Short public-key fingerprints for display/logging (Fingerprint)
//
// Provider bundles these behind domain.Primitives.
//
// # Notes
//
// Key types are the fixed-size arrays defined in internal/domain. Callers
// should treat returned secrets as sensitive and rely on Wipe when practical
// to reduce lifetime in memory.
package crypto
