package app_test

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"heron/internal/app"
	"heron/internal/domain"
	"heron/internal/services/message"
)

const pass = "Correct-Horse-9"

func TestLoadPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	body := "step_timeout: 5s\nmessage_budget: 128\nhybrid_kem: true\nhello_max_skew: 1m\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	p, err := app.LoadPolicy(path)
	if err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}
	if p.StepTimeout != 5*time.Second || p.MessageBudget != 128 || !p.HybridKEM || p.HelloMaxSkew != time.Minute {
		t.Fatalf("policy = %+v", p)
	}
	def := domain.DefaultPolicy()
	if p.GraceWindow != def.GraceWindow || p.FailureThreshold != def.FailureThreshold {
		t.Fatal("unset keys lost their defaults")
	}
}

func TestLoadPolicy_Errors(t *testing.T) {
	if p, err := app.LoadPolicy(""); err != nil || p != domain.DefaultPolicy() {
		t.Fatalf("empty path: %+v, %v", p, err)
	}
	cases := map[string]string{
		"bad duration": "grace_window: soon\n",
		"zero budget":  "message_budget: 0\n",
		"not yaml":     "step_timeout: [\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "policy.yaml")
			if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
				t.Fatalf("WriteFile: %v", err)
			}
			if _, err := app.LoadPolicy(path); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
	if _, err := app.LoadPolicy(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("missing file accepted")
	}
}

func newWire(t *testing.T, user domain.UserID) *app.Wire {
	t.Helper()
	w, err := app.NewWire(app.Config{
		Home:       t.TempDir(),
		Passphrase: pass,
		Logger:     zaptest.NewLogger(t).Named(string(user)),
	})
	if err != nil {
		t.Fatalf("NewWire: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })
	if _, _, err := w.Identity.Generate(pass, user); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return w
}

func TestWire_DialAccept(t *testing.T) {
	alice, bob := newWire(t, "alice"), newWire(t, "bob")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// exchange public keys out of band
	for _, pair := range [][2]*app.Wire{{alice, bob}, {bob, alice}} {
		self, err := pair[0].Self(ctx)
		if err != nil {
			t.Fatalf("Self: %v", err)
		}
		if err := pair[1].Directory.Trust(ctx, self.User, self.Public); err != nil {
			t.Fatalf("Trust: %v", err)
		}
	}

	a, b := net.Pipe()
	var ac, bc *message.Conn
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) { bc, err = bob.Accept(gctx, b, ""); return err })
	g.Go(func() (err error) { ac, err = alice.Dial(gctx, a, "bob"); return err })
	if err := g.Wait(); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	defer ac.Close()
	defer bc.Close()

	go func() { _ = ac.Send(ctx, []byte("hi bob"), nil) }()
	m, err := bc.Receive(ctx)
	if err != nil || string(m.Plaintext) != "hi bob" {
		t.Fatalf("Receive: %q, %v", m.Plaintext, err)
	}
	if alice.Sessions.Len() != 1 || bob.Sessions.Len() != 1 {
		t.Fatal("sessions not registered")
	}
}

func TestWire_UntrustedPeerRejected(t *testing.T) {
	alice, bob := newWire(t, "alice"), newWire(t, "bob")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a, b := net.Pipe()
	var acceptErr error
	var g errgroup.Group
	g.Go(func() error {
		_, acceptErr = bob.Accept(ctx, b, "")
		return nil
	})
	g.Go(func() error {
		_, _ = alice.Dial(ctx, a, "bob")
		return nil
	})
	_ = g.Wait()
	if got := domain.Classify(acceptErr); got.Reason != domain.ErrUnknownIdentity {
		t.Fatalf("Accept from unknown peer: %v (%v)", acceptErr, got.Reason)
	}
}
