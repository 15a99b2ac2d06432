package crypto

import (
	"crypto/rand"

	"heron/internal/domain"
)

// Provider is the default primitive provider backed by x/crypto.
type Provider struct{}

// Default is the process-wide primitive provider.
var Default domain.Primitives = Provider{}

func (Provider) Seal(key, nonce, plaintext, aad []byte) ([]byte, error) {
	return Seal(key, nonce, plaintext, aad)
}

func (Provider) Open(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	return Open(key, nonce, ciphertext, aad)
}

func (Provider) Verify(pub domain.Ed25519Public, msg, sig []byte) bool {
	return VerifyEd25519(pub, msg, sig)
}

func (Provider) GenerateKeyExchange() (domain.X25519Private, domain.X25519Public, error) {
	return GenerateX25519()
}

func (Provider) KeyExchange(priv domain.X25519Private, pub domain.X25519Public) ([32]byte, error) {
	return DH(priv, pub)
}

func (Provider) KDF(ikm, salt, info []byte, n int) ([]byte, error) {
	return HKDF(ikm, salt, info, n)
}

func (Provider) Random(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}
