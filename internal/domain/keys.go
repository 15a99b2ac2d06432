package domain

import "fmt"

// ------------- X25519 -------------

type X25519Private [32]byte
type X25519Public [32]byte

func (k X25519Private) Slice() []byte { return k[:] }
func (k X25519Public) Slice() []byte  { return k[:] }

func MustX25519Public(b []byte) X25519Public {
	if len(b) != 32 {
		panic(fmt.Errorf("X25519 public: want 32 bytes, got %d", len(b)))
	}
	var out X25519Public
	copy(out[:], b)
	return out
}

// ------------- Ed25519 -------------

type Ed25519Private [64]byte
type Ed25519Public [32]byte

func (k Ed25519Private) Slice() []byte { return k[:] }
func (k Ed25519Public) Slice() []byte  { return k[:] }

// ParseEd25519Public copies b into an Ed25519Public, rejecting wrong lengths.
func ParseEd25519Public(b []byte) (Ed25519Public, error) {
	var out Ed25519Public
	if len(b) != len(out) {
		return out, fmt.Errorf("%w: ed25519 public key: want %d bytes, got %d", ErrMalformedMessage, len(out), len(b))
	}
	copy(out[:], b)
	return out, nil
}

// ------------- Symmetric -------------

// SymmetricKey is a 256-bit AEAD key.
type SymmetricKey [32]byte

func (k SymmetricKey) Slice() []byte { return k[:] }

// IsZero reports whether every byte of k is zero.
func (k SymmetricKey) IsZero() bool {
	var acc byte
	for _, b := range k {
		acc |= b
	}
	return acc == 0
}
