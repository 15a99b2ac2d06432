package domain

// Primitives is the cryptographic capability used by the handshake engine
// and the frame codec. Signing goes through the vault's Signer instead.
type Primitives interface {
	// Seal and Open are AEAD operations. Open fails with
	// ErrAuthenticationFailed when the tag does not verify.
	Seal(key, nonce, plaintext, aad []byte) ([]byte, error)
	Open(key, nonce, ciphertext, aad []byte) ([]byte, error)
	Verify(pub Ed25519Public, msg, sig []byte) bool
	GenerateKeyExchange() (X25519Private, X25519Public, error)
	KeyExchange(priv X25519Private, pub X25519Public) ([32]byte, error)
	// KDF expands ikm into n bytes bound to salt and info.
	KDF(ikm, salt, info []byte, n int) ([]byte, error)
	Random(n int) ([]byte, error)
}
