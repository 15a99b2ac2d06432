package store

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"

	"heron/internal/crypto"
)

// envelopeVersion is the current sealed-file format.
const envelopeVersion = 1

const envelopeLabel = "heron/vault/v1"

var errWrongPassphrase = errors.New("wrong passphrase or corrupted vault")

// scryptParams are the key derivation costs recorded next to the ciphertext.
type scryptParams struct {
	N, R, P int
}

func defaultScrypt() scryptParams { return scryptParams{N: 1 << 15, R: 8, P: 1} }

// Upper bounds on the costs accepted from a vault file. scrypt needs about
// 128*N*R bytes, so maxScryptMemory keeps a tampered file below 256 MiB.
const (
	maxScryptN      = 1 << 20
	maxScryptR      = 16
	maxScryptP      = 4
	maxScryptMemory = 1 << 21
)

func (p scryptParams) check() error {
	if p.N < 2 || p.N > maxScryptN || p.N&(p.N-1) != 0 ||
		p.R < 1 || p.R > maxScryptR ||
		p.P < 1 || p.P > maxScryptP ||
		p.N*p.R > maxScryptMemory {
		return fmt.Errorf("unsupported kdf parameters N=%d r=%d p=%d", p.N, p.R, p.P)
	}
	return nil
}

// envelope is the on-disk JSON structure of a sealed secret.
type envelope struct {
	V      int    `json:"v"`
	Salt   []byte `json:"salt"`
	N      int    `json:"scrypt_N"`
	R      int    `json:"scrypt_r"`
	P      int    `json:"scrypt_p"`
	Cipher []byte `json:"cipher"`
}

func (e *envelope) aad() []byte {
	return append([]byte(envelopeLabel), e.Salt...)
}

// seal encrypts raw under a key derived from passphrase. Each call draws a
// fresh salt, so the all-zero nonce is never reused under one key.
func seal(passphrase string, raw []byte, kp scryptParams) ([]byte, error) {
	env := envelope{V: envelopeVersion, Salt: make([]byte, 16), N: kp.N, R: kp.R, P: kp.P}
	if _, err := rand.Read(env.Salt); err != nil {
		return nil, err
	}
	key, err := scrypt.Key([]byte(passphrase), env.Salt, kp.N, kp.R, kp.P, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	defer crypto.Wipe(key)

	var nonce [chacha20poly1305.NonceSize]byte
	if env.Cipher, err = crypto.Seal(key, nonce[:], raw, env.aad()); err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// open reverses seal.
func open(passphrase string, b []byte) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decode vault: %w", err)
	}
	if env.V < 1 || env.V > envelopeVersion {
		return nil, fmt.Errorf("unsupported vault version %d", env.V)
	}
	if err := (scryptParams{N: env.N, R: env.R, P: env.P}).check(); err != nil {
		return nil, err
	}
	key, err := scrypt.Key([]byte(passphrase), env.Salt, env.N, env.R, env.P, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	defer crypto.Wipe(key)

	var nonce [chacha20poly1305.NonceSize]byte
	pt, err := crypto.Open(key, nonce[:], env.Cipher, env.aad())
	if err != nil {
		return nil, errWrongPassphrase
	}
	return pt, nil
}
