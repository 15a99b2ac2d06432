package frame

import (
	"encoding/binary"
	"fmt"

	"heron/internal/domain"
)

const (
	// HeaderSize is the fixed prefix: 8-byte sequence and 2-byte AD length.
	HeaderSize = 10
	// MaxAssociatedData is the largest AD the length field can carry.
	MaxAssociatedData = 0xFFFF
)

// Frame is one encrypted application message.
//
// Wire layout:
//
//	[sequence: 8 bytes BE][adLen: 2 bytes BE][ad][ciphertext-and-tag]
type Frame struct {
	Sequence       uint64
	AssociatedData []byte
	Ciphertext     []byte
}

// Marshal returns the wire encoding of f.
func (f Frame) Marshal() []byte {
	out := make([]byte, 0, HeaderSize+len(f.AssociatedData)+len(f.Ciphertext))
	out = f.appendHeader(out)
	return append(out, f.Ciphertext...)
}

// header is the authenticated prefix used as AEAD additional data.
func (f Frame) header() []byte {
	return f.appendHeader(make([]byte, 0, HeaderSize+len(f.AssociatedData)))
}

func (f Frame) appendHeader(b []byte) []byte {
	b = binary.BigEndian.AppendUint64(b, f.Sequence)
	b = binary.BigEndian.AppendUint16(b, uint16(len(f.AssociatedData)))
	return append(b, f.AssociatedData...)
}

// Parse decodes a wire frame. The returned frame aliases b.
func Parse(b []byte) (Frame, error) {
	if len(b) < HeaderSize {
		return Frame{}, fmt.Errorf("%w: frame shorter than header", domain.ErrMalformedMessage)
	}
	seq := binary.BigEndian.Uint64(b[0:8])
	adLen := int(binary.BigEndian.Uint16(b[8:10]))
	if len(b) < HeaderSize+adLen {
		return Frame{}, fmt.Errorf("%w: associated data overruns frame", domain.ErrMalformedMessage)
	}
	f := Frame{
		Sequence:   seq,
		Ciphertext: b[HeaderSize+adLen:],
	}
	if adLen > 0 {
		f.AssociatedData = b[HeaderSize : HeaderSize+adLen]
	}
	return f, nil
}
