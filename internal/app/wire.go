package app

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"heron/internal/directory"
	"heron/internal/domain"
	"heron/internal/metrics"
	"heron/internal/protocol/frame"
	"heron/internal/protocol/handshake"
	identitysvc "heron/internal/services/identity"
	"heron/internal/services/session"
	"heron/internal/store"
)

const trustFilename = "trust.db"

// Wire bundles all stores, services, and clients for the CLI.
type Wire struct {
	Policy  domain.Policy
	Log     *zap.Logger
	Metrics *metrics.Collectors
	Clock   clock.Clock

	Vault    *store.Vault
	Identity *identitysvc.Service
	// Trusted is the local trust store; Directory layers the remote
	// directory over it when one is configured.
	Trusted   *store.SQLiteDirectory
	Remote    *directory.HTTPClient
	Directory domain.TrustStore

	Engine   *handshake.Engine
	Sessions *session.Manager
	Codec    *frame.Codec
	HTTP     *http.Client
}

// NewWire constructs the dependency graph from cfg.
func NewWire(cfg Config) (*Wire, error) {
	if cfg.Home == "" {
		return nil, errors.New("app: home directory is required")
	}
	if err := os.MkdirAll(cfg.Home, 0o700); err != nil {
		return nil, fmt.Errorf("app: create home: %w", err)
	}
	policy, err := LoadPolicy(cfg.PolicyPath)
	if err != nil {
		return nil, err
	}

	w := &Wire{
		Policy:  policy,
		Log:     cfg.Logger,
		Metrics: metrics.New(cfg.Registerer),
		Clock:   cfg.Clock,
		HTTP:    cfg.HTTP,
	}
	if w.Log == nil {
		w.Log = zap.NewNop()
	}
	if w.Clock == nil {
		w.Clock = clock.New()
	}
	if w.HTTP == nil {
		w.HTTP = http.DefaultClient
	}

	// Sealed identity and trust stores
	w.Vault = store.NewVault(cfg.Home, store.WithPassphrase(cfg.Passphrase))
	w.Identity = identitysvc.New(w.Vault)
	if w.Trusted, err = store.OpenSQLiteDirectory(filepath.Join(cfg.Home, trustFilename)); err != nil {
		return nil, err
	}
	w.Directory = w.Trusted
	if cfg.DirectoryURL != "" {
		w.Remote = directory.NewHTTPClient(cfg.DirectoryURL)
		w.Remote.HTTP = w.HTTP
		w.Directory = directory.NewPinned(w.Trusted, w.Remote, w.Log.Named("directory"))
	}

	// Session layer and handshake engine
	w.Sessions = session.New(policy,
		session.WithClock(w.Clock),
		session.WithLogger(w.Log.Named("session")),
		session.WithMetrics(w.Metrics))
	w.Engine, err = handshake.New(w.Vault, w.Directory,
		handshake.WithPolicy(policy),
		handshake.WithClock(w.Clock),
		handshake.WithLogger(w.Log.Named("handshake")),
		handshake.WithMetrics(w.Metrics),
		handshake.WithRegistry(w.Sessions))
	if err != nil {
		_ = w.Trusted.Close()
		return nil, err
	}
	w.Codec = frame.NewCodec(w.Sessions, nil)
	return w, nil
}

// Close tears down every session, locks the vault and closes the stores.
func (w *Wire) Close() error {
	w.Sessions.Close()
	w.Vault.Lock()
	return w.Trusted.Close()
}
