package crypto

import (
	"fmt"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/mlkem/mlkem768"

	"heron/internal/domain"
)

var kemScheme kem.Scheme = mlkem768.Scheme()

// KEMPublicKeySize and KEMCiphertextSize are the ML-KEM-768 wire sizes.
var (
	KEMPublicKeySize  = kemScheme.PublicKeySize()
	KEMCiphertextSize = kemScheme.CiphertextSize()
)

// KEMKeyPair is an ephemeral ML-KEM-768 key pair used for hybrid handshakes.
type KEMKeyPair struct {
	Public  []byte
	private kem.PrivateKey
}

// GenerateKEM returns a fresh ML-KEM-768 key pair.
func GenerateKEM() (*KEMKeyPair, error) {
	pk, sk, err := kemScheme.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	pub, err := pk.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return &KEMKeyPair{Public: pub, private: sk}, nil
}

// Encapsulate produces a ciphertext for pub and the shared secret it carries.
func Encapsulate(pub []byte) (ct, shared []byte, err error) {
	if len(pub) != KEMPublicKeySize {
		return nil, nil, fmt.Errorf("%w: kem public key size %d", domain.ErrMalformedMessage, len(pub))
	}
	pk, err := kemScheme.UnmarshalBinaryPublicKey(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", domain.ErrMalformedMessage, err)
	}
	return kemScheme.Encapsulate(pk)
}

// Decapsulate recovers the shared secret from ct.
func (k *KEMKeyPair) Decapsulate(ct []byte) ([]byte, error) {
	if k == nil || k.private == nil {
		return nil, domain.ErrHandshakeClosed
	}
	if len(ct) != KEMCiphertextSize {
		return nil, fmt.Errorf("%w: kem ciphertext size %d", domain.ErrMalformedMessage, len(ct))
	}
	return kemScheme.Decapsulate(k.private, ct)
}

// Wipe drops the private key reference.
func (k *KEMKeyPair) Wipe() {
	if k == nil {
		return
	}
	k.private = nil
}
