package handshake

import (
	"crypto/sha256"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"heron/internal/domain"
)

type msgType uint64

const (
	msgHello msgType = 1
	msgReply msgType = 2
)

const (
	fieldType      protowire.Number = 1
	fieldFrom      protowire.Number = 2
	fieldTo        protowire.Number = 3
	fieldSignPub   protowire.Number = 4
	fieldEphemeral protowire.Number = 5
	fieldNonce     protowire.Number = 6
	fieldTimestamp protowire.Number = 7
	fieldKEM       protowire.Number = 8
	fieldSignature protowire.Number = 15
)

const (
	nonceSize     = 32
	signatureSize = 64

	helloLabel      = "heron/handshake/v1/hello"
	replyLabel      = "heron/handshake/v1/reply"
	transcriptLabel = "heron/handshake/v1/transcript"
	keysInfo        = "heron/handshake/v1/session-keys"
)

// hello is step 1: the initiator's ephemeral key and signed challenge.
type hello struct {
	From      domain.UserID
	To        domain.UserID
	SignPub   domain.Ed25519Public
	Ephemeral domain.X25519Public
	Nonce     [nonceSize]byte
	// Timestamp is the sender's clock in unix milliseconds.
	Timestamp int64
	// KEMPublic is set in hybrid mode only.
	KEMPublic []byte
	Signature []byte
}

func (h *hello) body() []byte {
	b := protowire.AppendTag(nil, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(msgHello))
	b = appendBytes(b, fieldFrom, []byte(h.From))
	b = appendBytes(b, fieldTo, []byte(h.To))
	b = appendBytes(b, fieldSignPub, h.SignPub[:])
	b = appendBytes(b, fieldEphemeral, h.Ephemeral[:])
	b = appendBytes(b, fieldNonce, h.Nonce[:])
	b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.Timestamp))
	if len(h.KEMPublic) > 0 {
		b = appendBytes(b, fieldKEM, h.KEMPublic)
	}
	return b
}

func (h *hello) signedBytes() []byte {
	return append([]byte(helloLabel), h.body()...)
}

func (h *hello) marshal() []byte {
	return appendBytes(h.body(), fieldSignature, h.Signature)
}

// reply is step 2: the responder's ephemeral key and signed confirmation.
// Its signature also covers the hash of the hello it answers.
type reply struct {
	From          domain.UserID
	To            domain.UserID
	SignPub       domain.Ed25519Public
	Ephemeral     domain.X25519Public
	Nonce         [nonceSize]byte
	KEMCiphertext []byte
	Signature     []byte
}

func (r *reply) body() []byte {
	b := protowire.AppendTag(nil, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(msgReply))
	b = appendBytes(b, fieldFrom, []byte(r.From))
	b = appendBytes(b, fieldTo, []byte(r.To))
	b = appendBytes(b, fieldSignPub, r.SignPub[:])
	b = appendBytes(b, fieldEphemeral, r.Ephemeral[:])
	b = appendBytes(b, fieldNonce, r.Nonce[:])
	if len(r.KEMCiphertext) > 0 {
		b = appendBytes(b, fieldKEM, r.KEMCiphertext)
	}
	return b
}

func (r *reply) signedBytes(helloRaw []byte) []byte {
	sum := sha256.Sum256(helloRaw)
	out := append([]byte(replyLabel), sum[:]...)
	return append(out, r.body()...)
}

func (r *reply) marshal() []byte {
	return appendBytes(r.body(), fieldSignature, r.Signature)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// fields is the generic decoded form of either message.
type fields struct {
	typ       msgType
	from      []byte
	to        []byte
	signPub   []byte
	ephemeral []byte
	nonce     []byte
	timestamp uint64
	kem       []byte
	signature []byte
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{domain.ErrMalformedMessage}, args...)...)
}

func parseFields(b []byte) (fields, error) {
	var f fields
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return f, malformed("tag: %v", protowire.ParseError(n))
		}
		b = b[n:]

		if typ == protowire.VarintType && (num == fieldType || num == fieldTimestamp) {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return f, malformed("field %d: %v", num, protowire.ParseError(n))
			}
			b = b[n:]
			if num == fieldType {
				f.typ = msgType(v)
			} else {
				f.timestamp = v
			}
			continue
		}

		if typ == protowire.BytesType {
			var dst *[]byte
			switch num {
			case fieldFrom:
				dst = &f.from
			case fieldTo:
				dst = &f.to
			case fieldSignPub:
				dst = &f.signPub
			case fieldEphemeral:
				dst = &f.ephemeral
			case fieldNonce:
				dst = &f.nonce
			case fieldKEM:
				dst = &f.kem
			case fieldSignature:
				dst = &f.signature
			}
			if dst != nil {
				v, n := protowire.ConsumeBytes(b)
				if n < 0 {
					return f, malformed("field %d: %v", num, protowire.ParseError(n))
				}
				*dst = v
				b = b[n:]
				continue
			}
		}

		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return f, malformed("field %d: %v", num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return f, nil
}

// common checks the fields shared by hello and reply.
func (f *fields) common() error {
	switch {
	case len(f.from) == 0 || len(f.to) == 0:
		return malformed("missing identity")
	case len(f.signPub) != 32:
		return malformed("signing key length %d", len(f.signPub))
	case len(f.ephemeral) != 32:
		return malformed("ephemeral key length %d", len(f.ephemeral))
	case len(f.nonce) != nonceSize:
		return malformed("nonce length %d", len(f.nonce))
	case len(f.signature) != signatureSize:
		return malformed("signature length %d", len(f.signature))
	}
	return nil
}

func (f *fields) hello() (*hello, error) {
	if err := f.common(); err != nil {
		return nil, err
	}
	h := &hello{
		From:      domain.UserID(f.from),
		To:        domain.UserID(f.to),
		Ephemeral: domain.MustX25519Public(f.ephemeral),
		Timestamp: int64(f.timestamp),
		KEMPublic: f.kem,
		Signature: f.signature,
	}
	copy(h.SignPub[:], f.signPub)
	copy(h.Nonce[:], f.nonce)
	return h, nil
}

func (f *fields) reply() (*reply, error) {
	if err := f.common(); err != nil {
		return nil, err
	}
	r := &reply{
		From:          domain.UserID(f.from),
		To:            domain.UserID(f.to),
		Ephemeral:     domain.MustX25519Public(f.ephemeral),
		KEMCiphertext: f.kem,
		Signature:     f.signature,
	}
	copy(r.SignPub[:], f.signPub)
	copy(r.Nonce[:], f.nonce)
	return r, nil
}

// transcript lists every public input bound into the session keys.
type transcript struct {
	initiator, responder         domain.UserID
	initiatorSign, responderSign domain.Ed25519Public
	initiatorEph, responderEph   domain.X25519Public
	initiatorNonce               [nonceSize]byte
	responderNonce               [nonceSize]byte
}

// salt returns the KDF salt: a hash over the length-prefixed transcript.
func (t *transcript) salt() [32]byte {
	b := []byte(transcriptLabel)
	for _, v := range [][]byte{
		[]byte(t.initiator), []byte(t.responder),
		t.initiatorSign[:], t.responderSign[:],
		t.initiatorEph[:], t.responderEph[:],
		t.initiatorNonce[:], t.responderNonce[:],
	} {
		b = protowire.AppendBytes(b, v)
	}
	return sha256.Sum256(b)
}
