package directory_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap/zaptest"

	"heron/internal/crypto"
	"heron/internal/directory"
	"heron/internal/domain"
)

func newSigner(t *testing.T) *crypto.Signer {
	t.Helper()
	priv, pub, err := crypto.GenerateEd25519()
	if err != nil {
		t.Fatalf("GenerateEd25519: %v", err)
	}
	return crypto.NewSigner(priv, pub)
}

func startServer(t *testing.T) (*directory.Memory, *directory.HTTPClient) {
	t.Helper()
	keys := directory.NewMemory()
	srv := httptest.NewServer(directory.NewServer(keys, zaptest.NewLogger(t)))
	t.Cleanup(srv.Close)
	return keys, directory.NewHTTPClient(srv.URL + "/")
}

func TestMemory_TrustAndLookup(t *testing.T) {
	m := directory.NewMemory()
	ctx := context.Background()
	s := newSigner(t)

	if _, err := m.LookupIdentity(ctx, "alice"); !errors.Is(err, domain.ErrUnknownIdentity) {
		t.Fatalf("unknown: got %v", err)
	}
	if err := m.Trust(ctx, "alice", s.Public()); err != nil {
		t.Fatalf("Trust: %v", err)
	}
	if err := m.Trust(ctx, "alice", newSigner(t).Public()); !errors.Is(err, domain.ErrIdentityMismatch) {
		t.Fatalf("rebind: got %v", err)
	}
	m.Forget("alice")
	if _, err := m.LookupIdentity(ctx, "alice"); !errors.Is(err, domain.ErrUnknownIdentity) {
		t.Fatalf("after Forget: got %v", err)
	}
}

func TestHTTP_PublishLookup(t *testing.T) {
	_, c := startServer(t)
	ctx := context.Background()
	alice := newSigner(t)

	if _, err := c.Publish(ctx, "alice", alice); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if _, err := c.Publish(ctx, "alice", alice); err != nil {
		t.Fatalf("re-Publish same key: %v", err)
	}
	got, err := c.LookupIdentity(ctx, "alice")
	if err != nil {
		t.Fatalf("LookupIdentity: %v", err)
	}
	if got != alice.Public() {
		t.Fatal("directory returned a different key")
	}
}

func TestHTTP_Errors(t *testing.T) {
	_, c := startServer(t)
	ctx := context.Background()

	if _, err := c.LookupIdentity(ctx, "nobody"); !errors.Is(err, domain.ErrUnknownIdentity) {
		t.Fatalf("unknown user: got %v", err)
	}
	if _, err := c.Publish(ctx, "alice", newSigner(t)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if _, err := c.Publish(ctx, "alice", newSigner(t)); !errors.Is(err, domain.ErrIdentityMismatch) {
		t.Fatalf("key takeover: got %v", err)
	}
	if _, err := c.Publish(ctx, "bob", forgingSigner{pub: newSigner(t).Public()}); !errors.Is(err, domain.ErrSignatureInvalid) {
		t.Fatalf("forged publish: got %v", err)
	}
}

func TestHTTP_UnregisterWithToken(t *testing.T) {
	keys, c := startServer(t)
	ctx := context.Background()
	alice := newSigner(t)

	first, err := c.Publish(ctx, "alice", alice)
	if err != nil || first == "" {
		t.Fatalf("Publish: %q, %v", first, err)
	}
	// publishing again refreshes the token
	second, err := c.Publish(ctx, "alice", alice)
	if err != nil || second == first {
		t.Fatalf("re-Publish: %q, %v", second, err)
	}
	if err := c.Unregister(ctx, "alice", first); !errors.Is(err, domain.ErrTokenRejected) {
		t.Fatalf("stale token: got %v", err)
	}
	if err := c.Unregister(ctx, "alice", ""); !errors.Is(err, domain.ErrTokenRejected) {
		t.Fatalf("missing token: got %v", err)
	}
	if err := c.Unregister(ctx, "alice", second); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if _, err := keys.LookupIdentity(ctx, "alice"); !errors.Is(err, domain.ErrUnknownIdentity) {
		t.Fatalf("after unregister: got %v", err)
	}
	if err := c.Unregister(ctx, "alice", second); !errors.Is(err, domain.ErrUnknownIdentity) {
		t.Fatalf("unregister twice: got %v", err)
	}

	// the name is free again, and for another key
	if _, err := c.Publish(ctx, "alice", newSigner(t)); err != nil {
		t.Fatalf("Publish after unregister: %v", err)
	}
}

// forgingSigner claims a key it cannot sign for.
type forgingSigner struct{ pub domain.Ed25519Public }

func (f forgingSigner) Public() domain.Ed25519Public { return f.pub }
func (f forgingSigner) Sign([]byte) ([]byte, error) { return make([]byte, 64), nil }

func TestPinned_TrustOnFirstUse(t *testing.T) {
	remoteKeys, c := startServer(t)
	ctx := context.Background()
	alice := newSigner(t)
	if _, err := c.Publish(ctx, "alice", alice); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	local := directory.NewMemory()
	p := directory.NewPinned(local, c, zaptest.NewLogger(t))
	got, err := p.LookupIdentity(ctx, "alice")
	if err != nil || got != alice.Public() {
		t.Fatalf("first lookup: %v", err)
	}
	if pinned, err := local.LookupIdentity(ctx, "alice"); err != nil || pinned != alice.Public() {
		t.Fatalf("key not pinned: %v", err)
	}

	// the directory swaps the key; the pin wins
	remoteKeys.Forget("alice")
	if err := remoteKeys.Trust(ctx, "alice", newSigner(t).Public()); err != nil {
		t.Fatalf("swap: %v", err)
	}
	got, err = p.LookupIdentity(ctx, "alice")
	if err != nil || got != alice.Public() {
		t.Fatal("pinned key was replaced")
	}

	if _, err := p.LookupIdentity(ctx, "nobody"); !errors.Is(err, domain.ErrUnknownIdentity) {
		t.Fatalf("unknown user: got %v", err)
	}
}
