package frame

import (
	"fmt"

	"heron/internal/crypto"
	"heron/internal/domain"
)

// KeyRing gives the codec scoped access to a session's keys. Both methods
// run fn under the session's lock so a rotation can never be observed
// half-applied.
type KeyRing interface {
	// WithSendKey calls fn with the active send key and the next sequence
	// number. The sequence is consumed only when fn succeeds.
	WithSendKey(h domain.SessionHandle, fn func(key []byte, seq uint64) error) error
	// WithReceiveKeys calls open with the active receive key and then the
	// previous one while its grace window lasts. It enforces the replay
	// watermark of whichever key authenticated the frame.
	WithReceiveKeys(h domain.SessionHandle, seq uint64, open func(key []byte) ([]byte, error)) ([]byte, error)
}

// Codec encrypts and authenticates application messages for a session.
type Codec struct {
	keys KeyRing
	prim domain.Primitives
}

// NewCodec returns a Codec over keys. A nil prim uses crypto.Default.
func NewCodec(keys KeyRing, prim domain.Primitives) *Codec {
	if prim == nil {
		prim = crypto.Default
	}
	return &Codec{keys: keys, prim: prim}
}

// Encode seals plaintext under the session's active send key.
func (c *Codec) Encode(h domain.SessionHandle, plaintext, ad []byte) (Frame, error) {
	if len(ad) > MaxAssociatedData {
		return Frame{}, fmt.Errorf("associated data too large: %d bytes", len(ad))
	}
	var out Frame
	err := c.keys.WithSendKey(h, func(key []byte, seq uint64) error {
		f := Frame{Sequence: seq, AssociatedData: ad}
		ct, err := c.prim.Seal(key, crypto.SequenceNonce(seq), plaintext, f.header())
		if err != nil {
			return err
		}
		f.Ciphertext = ct
		out = f
		return nil
	})
	if err != nil {
		return Frame{}, err
	}
	return out, nil
}

// Decode authenticates and decrypts f.
func (c *Codec) Decode(h domain.SessionHandle, f Frame) ([]byte, error) {
	if len(f.AssociatedData) > MaxAssociatedData {
		return nil, fmt.Errorf("%w: associated data too large: %d bytes", domain.ErrMalformedMessage, len(f.AssociatedData))
	}
	aad := f.header()
	nonce := crypto.SequenceNonce(f.Sequence)
	return c.keys.WithReceiveKeys(h, f.Sequence, func(key []byte) ([]byte, error) {
		return c.prim.Open(key, nonce, f.Ciphertext, aad)
	})
}
