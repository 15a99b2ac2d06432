package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"heron/internal/crypto"
	"heron/internal/domain"
)

const (
	identityFilename = "identity.sealed"
	tokensFilename   = "tokens.sealed"
)

// ErrTokenNotFound is returned by Token for a name with no stored token.
var ErrTokenNotFound = errors.New("token not found")

// identityRecord is the plaintext inside the sealed identity file.
type identityRecord struct {
	User    string `json:"user"`
	Public  []byte `json:"public"`
	Private []byte `json:"private"`
}

// Vault keeps the long-term identity, and the tokens services issued to
// it, sealed on disk under a passphrase.
//
// As a domain.CredentialVault it unlocks the identity once with the
// passphrase it was configured with and then only hands out a signing
// handle; the private key never leaves the package.
type Vault struct {
	path       string
	tokensPath string
	passphrase string
	kdf        scryptParams

	mu     sync.Mutex
	id     *domain.LocalIdentity
	signer *crypto.Signer
}

// VaultOption configures a Vault.
type VaultOption func(*Vault)

// WithPassphrase sets the passphrase Identity unlocks with.
func WithPassphrase(p string) VaultOption { return func(v *Vault) { v.passphrase = p } }

// WithScryptCost overrides the scrypt N parameter for newly sealed files.
func WithScryptCost(n int) VaultOption { return func(v *Vault) { v.kdf.N = n } }

// NewVault returns a Vault whose sealed file lives in dir.
func NewVault(dir string, opts ...VaultOption) *Vault {
	v := &Vault{
		path:       filepath.Join(dir, identityFilename),
		tokensPath: filepath.Join(dir, tokensFilename),
		kdf:        defaultScrypt(),
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Path is the sealed identity file.
func (v *Vault) Path() string { return v.path }

// Exists reports whether an identity has been sealed.
func (v *Vault) Exists() bool {
	b, err := readFile(v.path)
	return err == nil && b != nil
}

// SaveIdentity seals id under passphrase, replacing any previous identity.
func (v *Vault) SaveIdentity(passphrase string, id domain.Identity) error {
	if id.User == "" {
		return errors.New("save identity: empty user")
	}
	rec := identityRecord{User: string(id.User), Public: id.EdPub[:], Private: id.EdPriv[:]}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	defer crypto.Wipe(raw)

	sealed, err := seal(passphrase, raw, v.kdf)
	if err != nil {
		return fmt.Errorf("seal identity: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if err := writeFile(v.path, sealed, 0o600); err != nil {
		return fmt.Errorf("write identity: %w", err)
	}
	v.lockLocked()
	return nil
}

// LoadIdentity unseals the identity. The caller must wipe EdPriv.
func (v *Vault) LoadIdentity(passphrase string) (domain.Identity, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.loadLocked(passphrase)
}

func (v *Vault) loadLocked(passphrase string) (domain.Identity, error) {
	b, err := readFile(v.path)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %v", domain.ErrIdentityUnavailable, err)
	}
	if b == nil {
		return domain.Identity{}, fmt.Errorf("%w: no identity at %s", domain.ErrIdentityUnavailable, v.path)
	}
	raw, err := open(passphrase, b)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %w", domain.ErrIdentityUnavailable, err)
	}
	defer crypto.Wipe(raw)

	var rec identityRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return domain.Identity{}, fmt.Errorf("%w: decode identity: %v", domain.ErrIdentityUnavailable, err)
	}
	defer crypto.Wipe(rec.Private)

	var id domain.Identity
	if len(rec.Public) != len(id.EdPub) || len(rec.Private) != len(id.EdPriv) ||
		!bytes.Equal(rec.Private[32:], rec.Public) || rec.User == "" {
		return domain.Identity{}, fmt.Errorf("%w: corrupted identity record", domain.ErrIdentityUnavailable)
	}
	id.User = domain.UserID(rec.User)
	copy(id.EdPub[:], rec.Public)
	copy(id.EdPriv[:], rec.Private)
	return id, nil
}

// Identity unlocks the vault with its configured passphrase on first use.
func (v *Vault) Identity(ctx context.Context) (domain.LocalIdentity, error) {
	if err := ctx.Err(); err != nil {
		return domain.LocalIdentity{}, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.id != nil {
		return *v.id, nil
	}
	id, err := v.loadLocked(v.passphrase)
	if err != nil {
		return domain.LocalIdentity{}, err
	}
	v.signer = crypto.NewSigner(id.EdPriv, id.EdPub)
	crypto.Wipe(id.EdPriv[:])
	v.id = &domain.LocalIdentity{User: id.User, Public: id.EdPub, Signer: v.signer}
	return *v.id, nil
}

// Lock wipes the unlocked signing key. Signers handed out earlier stop
// working; the next Identity call unseals the file again.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.lockLocked()
}

func (v *Vault) lockLocked() {
	if v.signer != nil {
		v.signer.Wipe()
	}
	v.signer, v.id = nil, nil
}

// SaveToken seals token under name with the configured passphrase,
// replacing any token of the same name.
func (v *Vault) SaveToken(name string, token []byte) error {
	if name == "" || len(token) == 0 {
		return errors.New("save token: empty name or token")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	tokens, err := v.tokensLocked()
	if err != nil {
		return err
	}
	defer wipeTokens(tokens)
	tokens[name] = bytes.Clone(token)
	return v.writeTokensLocked(tokens)
}

// Token returns a copy of the token stored under name.
func (v *Vault) Token(name string) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	tokens, err := v.tokensLocked()
	if err != nil {
		return nil, err
	}
	defer wipeTokens(tokens)
	tok, ok := tokens[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTokenNotFound, name)
	}
	return bytes.Clone(tok), nil
}

// DeleteToken removes the token stored under name. Deleting a missing
// token is not an error.
func (v *Vault) DeleteToken(name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	tokens, err := v.tokensLocked()
	if err != nil {
		return err
	}
	defer wipeTokens(tokens)
	if _, ok := tokens[name]; !ok {
		return nil
	}
	crypto.Wipe(tokens[name])
	delete(tokens, name)
	return v.writeTokensLocked(tokens)
}

// tokensLocked unseals the token file; a missing file is an empty set.
func (v *Vault) tokensLocked() (map[string][]byte, error) {
	b, err := readFile(v.tokensPath)
	if err != nil {
		return nil, fmt.Errorf("read tokens: %w", err)
	}
	tokens := make(map[string][]byte)
	if b == nil {
		return tokens, nil
	}
	raw, err := open(v.passphrase, b)
	if err != nil {
		return nil, fmt.Errorf("%w: tokens: %w", domain.ErrIdentityUnavailable, err)
	}
	defer crypto.Wipe(raw)
	if err := json.Unmarshal(raw, &tokens); err != nil {
		return nil, fmt.Errorf("%w: decode tokens: %v", domain.ErrIdentityUnavailable, err)
	}
	return tokens, nil
}

func (v *Vault) writeTokensLocked(tokens map[string][]byte) error {
	raw, err := json.Marshal(tokens)
	if err != nil {
		return err
	}
	defer crypto.Wipe(raw)
	sealed, err := seal(v.passphrase, raw, v.kdf)
	if err != nil {
		return fmt.Errorf("seal tokens: %w", err)
	}
	if err := writeFile(v.tokensPath, sealed, 0o600); err != nil {
		return fmt.Errorf("write tokens: %w", err)
	}
	return nil
}

func wipeTokens(tokens map[string][]byte) {
	for _, t := range tokens {
		crypto.Wipe(t)
	}
}

var (
	_ domain.IdentityStore   = (*Vault)(nil)
	_ domain.CredentialVault = (*Vault)(nil)
	_ domain.TokenStore      = (*Vault)(nil)
)
