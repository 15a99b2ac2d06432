package store_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"heron/internal/crypto"
	"heron/internal/domain"
	"heron/internal/store"
)

// lowCost keeps scrypt fast in tests.
const lowCost = 1 << 10

func makeIdentity(t *testing.T, user domain.UserID) domain.Identity {
	t.Helper()
	priv, pub, err := crypto.GenerateEd25519()
	if err != nil {
		t.Fatalf("GenerateEd25519: %v", err)
	}
	return domain.Identity{User: user, EdPub: pub, EdPriv: priv}
}

func TestVault_SaveLoad_OK(t *testing.T) {
	var ids domain.IdentityStore = store.NewVault(t.TempDir(), store.WithScryptCost(lowCost))
	id := makeIdentity(t, "alice")

	if err := ids.SaveIdentity("pass", id); err != nil {
		t.Fatalf("save identity: %v", err)
	}
	got, err := ids.LoadIdentity("pass")
	if err != nil {
		t.Fatalf("load identity: %v", err)
	}
	if got.User != id.User || got.EdPub != id.EdPub || got.EdPriv != id.EdPriv {
		t.Fatal("mismatch after load")
	}
}

func TestVault_WrongPassphrase_Fails(t *testing.T) {
	v := store.NewVault(t.TempDir(), store.WithScryptCost(lowCost))
	if err := v.SaveIdentity("correct", makeIdentity(t, "alice")); err != nil {
		t.Fatalf("save identity: %v", err)
	}
	if _, err := v.LoadIdentity("wrong"); !errors.Is(err, domain.ErrIdentityUnavailable) {
		t.Fatalf("wrong passphrase: got %v", err)
	}
}

func TestVault_FileIsPrivateAndSealed(t *testing.T) {
	v := store.NewVault(t.TempDir(), store.WithScryptCost(lowCost))
	if v.Exists() {
		t.Fatal("empty vault reports an identity")
	}
	if err := v.SaveIdentity("pass", makeIdentity(t, "alice")); err != nil {
		t.Fatalf("save identity: %v", err)
	}
	fi, err := os.Stat(v.Path())
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if fi.Mode().Perm() != 0o600 {
		t.Fatalf("mode = %v", fi.Mode().Perm())
	}
	b, _ := os.ReadFile(v.Path())
	if len(b) == 0 || !v.Exists() {
		t.Fatal("sealed file missing")
	}
	for _, needle := range []string{"alice", "private"} {
		if contains(b, needle) {
			t.Fatalf("sealed file leaks %q", needle)
		}
	}
}

func contains(b []byte, s string) bool {
	for i := 0; i+len(s) <= len(b); i++ {
		if string(b[i:i+len(s)]) == s {
			return true
		}
	}
	return false
}

func TestVault_TamperedFile(t *testing.T) {
	v := store.NewVault(t.TempDir(), store.WithScryptCost(lowCost))
	if err := v.SaveIdentity("pass", makeIdentity(t, "alice")); err != nil {
		t.Fatalf("save identity: %v", err)
	}
	if err := os.WriteFile(v.Path(), []byte(`{"v":1,"salt":"AAAA","scrypt_N":1024,"scrypt_r":8,"scrypt_p":1,"cipher":"AAAA"}`), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := v.LoadIdentity("pass"); !errors.Is(err, domain.ErrIdentityUnavailable) {
		t.Fatalf("tampered file: got %v", err)
	}
}

func TestVault_CredentialVault(t *testing.T) {
	dir := t.TempDir()
	id := makeIdentity(t, "alice")
	if err := store.NewVault(dir, store.WithScryptCost(lowCost)).SaveIdentity("pass", id); err != nil {
		t.Fatalf("save identity: %v", err)
	}

	v := store.NewVault(dir, store.WithPassphrase("pass"))
	local, err := v.Identity(context.Background())
	if err != nil {
		t.Fatalf("Identity: %v", err)
	}
	if local.User != "alice" || local.Public != id.EdPub {
		t.Fatalf("unexpected identity %q", local.User)
	}
	sig, err := local.Signer.Sign([]byte("msg"))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !crypto.VerifyEd25519(id.EdPub, []byte("msg"), sig) {
		t.Fatal("signature does not verify")
	}

	v.Lock()
	if _, err := local.Signer.Sign([]byte("msg")); !errors.Is(err, domain.ErrIdentityUnavailable) {
		t.Fatalf("Sign after Lock: got %v", err)
	}
	if _, err := v.Identity(context.Background()); err != nil {
		t.Fatalf("Identity after Lock: %v", err)
	}
}

func TestVault_MissingIdentity(t *testing.T) {
	v := store.NewVault(t.TempDir(), store.WithPassphrase("pass"))
	if _, err := v.Identity(context.Background()); !errors.Is(err, domain.ErrIdentityUnavailable) {
		t.Fatalf("missing identity: got %v", err)
	}
}

func TestVault_RejectsExcessiveKDFCost(t *testing.T) {
	v := store.NewVault(t.TempDir(), store.WithScryptCost(lowCost))
	if err := v.SaveIdentity("pass", makeIdentity(t, "alice")); err != nil {
		t.Fatalf("save identity: %v", err)
	}
	b, err := os.ReadFile(v.Path())
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	for _, tc := range []struct {
		field string
		value int
	}{
		{"scrypt_N", 1 << 30},
		{"scrypt_N", 1000},
		{"scrypt_r", 1 << 12},
		{"scrypt_p", 0},
	} {
		var env map[string]any
		if err := json.Unmarshal(b, &env); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		env[tc.field] = tc.value
		tampered, _ := json.Marshal(env)
		if err := os.WriteFile(v.Path(), tampered, 0o600); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
		if _, err := v.LoadIdentity("pass"); !errors.Is(err, domain.ErrIdentityUnavailable) {
			t.Fatalf("%s=%d: got %v", tc.field, tc.value, err)
		}
	}
}

func TestVault_Tokens(t *testing.T) {
	dir := t.TempDir()
	v := store.NewVault(dir, store.WithPassphrase("pass"), store.WithScryptCost(lowCost))

	if _, err := v.Token("directory"); !errors.Is(err, store.ErrTokenNotFound) {
		t.Fatalf("empty vault: got %v", err)
	}
	if err := v.SaveToken("directory", []byte("s3cret-token")); err != nil {
		t.Fatalf("SaveToken: %v", err)
	}
	if err := v.SaveToken("other", []byte("second")); err != nil {
		t.Fatalf("SaveToken: %v", err)
	}

	b, err := os.ReadFile(filepath.Join(dir, "tokens.sealed"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if contains(b, "s3cret") || contains(b, "directory") {
		t.Fatal("sealed token file leaks its contents")
	}

	reopened := store.NewVault(dir, store.WithPassphrase("pass"), store.WithScryptCost(lowCost))
	tok, err := reopened.Token("directory")
	if err != nil || string(tok) != "s3cret-token" {
		t.Fatalf("Token: %q, %v", tok, err)
	}
	if _, err := store.NewVault(dir, store.WithPassphrase("wrong")).Token("directory"); !errors.Is(err, domain.ErrIdentityUnavailable) {
		t.Fatalf("wrong passphrase: got %v", err)
	}

	if err := reopened.DeleteToken("directory"); err != nil {
		t.Fatalf("DeleteToken: %v", err)
	}
	if err := reopened.DeleteToken("directory"); err != nil {
		t.Fatalf("DeleteToken twice: %v", err)
	}
	if _, err := reopened.Token("directory"); !errors.Is(err, store.ErrTokenNotFound) {
		t.Fatalf("after delete: got %v", err)
	}
	if tok, err := reopened.Token("other"); err != nil || string(tok) != "second" {
		t.Fatalf("unrelated token: %q, %v", tok, err)
	}
}
