// Package store persists the local identity and the set of trusted peer
// identities.
//
// Vault seals the long-term signing key in a single file under the
// configured home directory. The file is JSON holding scrypt parameters, a
// random salt and a ChaCha20-Poly1305 ciphertext; the salt is bound as
// associated data. A Vault is both the domain.IdentityStore used by the
// identity service and the domain.CredentialVault the handshake engine signs
// through.
//
// SQLiteDirectory is the persistent trust store (user to Ed25519 key) and
// StaticVault serves an identity that is already in memory, as the in-process
// demo does.
package store
