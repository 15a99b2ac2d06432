package crypto_test

import (
	"bytes"
	"errors"
	"testing"

	"heron/internal/crypto"
	"heron/internal/domain"
)

func TestDH_Agrees(t *testing.T) {
	aPriv, aPub, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519: %v", err)
	}
	bPriv, bPub, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519: %v", err)
	}
	ab, err := crypto.DH(aPriv, bPub)
	if err != nil {
		t.Fatalf("DH: %v", err)
	}
	ba, err := crypto.DH(bPriv, aPub)
	if err != nil {
		t.Fatalf("DH: %v", err)
	}
	if ab != ba {
		t.Fatal("shared secrets differ")
	}
}

func TestDH_RejectsLowOrderPoint(t *testing.T) {
	priv, _, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519: %v", err)
	}
	if _, err := crypto.DH(priv, domain.X25519Public{}); err == nil {
		t.Fatal("expected error for all-zero public key")
	}
}

func TestSealOpen_TamperFails(t *testing.T) {
	key := bytes.Repeat([]byte{7}, 32)
	nonce := crypto.SequenceNonce(3)
	ct, err := crypto.Seal(key, nonce, []byte("payload"), []byte("hdr"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	pt, err := crypto.Open(key, nonce, ct, []byte("hdr"))
	if err != nil || string(pt) != "payload" {
		t.Fatalf("Open: %q, %v", pt, err)
	}
	ct[0] ^= 1
	if _, err := crypto.Open(key, nonce, ct, []byte("hdr")); !errors.Is(err, domain.ErrAuthenticationFailed) {
		t.Fatalf("tampered open: got %v", err)
	}
}

func TestSequenceNonce_Layout(t *testing.T) {
	n := crypto.SequenceNonce(0x0102)
	want := []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1, 2}
	if !bytes.Equal(n, want) {
		t.Fatalf("nonce = %x, want %x", n, want)
	}
}

func TestSigner_WipeBlocksSigning(t *testing.T) {
	priv, pub, err := crypto.GenerateEd25519()
	if err != nil {
		t.Fatalf("GenerateEd25519: %v", err)
	}
	s := crypto.NewSigner(priv, pub)
	sig, err := s.Sign([]byte("m"))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !crypto.VerifyEd25519(s.Public(), []byte("m"), sig) {
		t.Fatal("signature does not verify")
	}
	s.Wipe()
	if _, err := s.Sign([]byte("m")); !errors.Is(err, domain.ErrIdentityUnavailable) {
		t.Fatalf("sign after wipe: got %v", err)
	}
}

func TestKEM_RoundTrip(t *testing.T) {
	kp, err := crypto.GenerateKEM()
	if err != nil {
		t.Fatalf("GenerateKEM: %v", err)
	}
	if len(kp.Public) != crypto.KEMPublicKeySize {
		t.Fatalf("public size = %d", len(kp.Public))
	}
	ct, ss, err := crypto.Encapsulate(kp.Public)
	if err != nil {
		t.Fatalf("Encapsulate: %v", err)
	}
	got, err := kp.Decapsulate(ct)
	if err != nil {
		t.Fatalf("Decapsulate: %v", err)
	}
	if !bytes.Equal(got, ss) {
		t.Fatal("kem shared secrets differ")
	}
	kp.Wipe()
	if _, err := kp.Decapsulate(ct); !errors.Is(err, domain.ErrHandshakeClosed) {
		t.Fatalf("decapsulate after wipe: got %v", err)
	}
}

func TestFingerprint_Stable(t *testing.T) {
	a := crypto.Fingerprint([]byte("key"))
	b := crypto.Fingerprint([]byte("key"))
	if a != b || a == "" {
		t.Fatalf("fingerprints %q %q", a, b)
	}
	if crypto.Fingerprint([]byte("other")) == a {
		t.Fatal("distinct keys share a fingerprint")
	}
}

func TestWipe(t *testing.T) {
	a, b := []byte{1, 2, 3}, []byte{4, 5}
	crypto.Wipe(a, nil, b)
	if !bytes.Equal(a, []byte{0, 0, 0}) || !bytes.Equal(b, []byte{0, 0}) {
		t.Fatalf("not wiped: %v %v", a, b)
	}
}
