package app

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"heron/internal/domain"
)

// Config holds runtime wiring options for building the app.
type Config struct {
	Home         string // state directory, e.g. $HOME/.heron
	DirectoryURL string // identity directory base URL; empty means local trust only
	Passphrase   string // unlocks the sealed identity
	PolicyPath   string // optional YAML policy file

	HTTP       *http.Client          // optional; defaults to http.DefaultClient
	Logger     *zap.Logger           // optional; defaults to a no-op logger
	Registerer prometheus.Registerer // optional; metrics are not exported when nil
	Clock      clock.Clock           // optional; defaults to the wall clock
}

// policyFile is the YAML layout of a policy file. Absent keys keep their
// defaults.
type policyFile struct {
	StepTimeout        *string  `yaml:"step_timeout"`
	GraceWindow        *string  `yaml:"grace_window"`
	GraceMessages      *uint64  `yaml:"grace_messages"`
	MessageBudget      *uint64  `yaml:"message_budget"`
	KeyLifetime        *string  `yaml:"key_lifetime"`
	FailureThreshold   *int     `yaml:"failure_threshold"`
	FailureWindow      *string  `yaml:"failure_window"`
	HelloMaxSkew       *string  `yaml:"hello_max_skew"`
	ChallengeCacheSize *int     `yaml:"challenge_cache_size"`
	HandshakeRate      *float64 `yaml:"handshake_rate"`
	HandshakeBurst     *int     `yaml:"handshake_burst"`
	HybridKEM          *bool    `yaml:"hybrid_kem"`
}

// LoadPolicy reads the YAML policy at path over domain.DefaultPolicy. An
// empty path returns the defaults.
func LoadPolicy(path string) (domain.Policy, error) {
	p := domain.DefaultPolicy()
	if path == "" {
		return p, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("read policy: %w", err)
	}
	var f policyFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return p, fmt.Errorf("parse policy %s: %w", path, err)
	}

	durations := []struct {
		src *string
		dst *time.Duration
	}{
		{f.StepTimeout, &p.StepTimeout},
		{f.GraceWindow, &p.GraceWindow},
		{f.KeyLifetime, &p.KeyLifetime},
		{f.FailureWindow, &p.FailureWindow},
		{f.HelloMaxSkew, &p.HelloMaxSkew},
	}
	for _, d := range durations {
		if d.src == nil {
			continue
		}
		v, err := time.ParseDuration(*d.src)
		if err != nil {
			return p, fmt.Errorf("parse policy %s: %w", path, err)
		}
		*d.dst = v
	}
	set(&p.GraceMessages, f.GraceMessages)
	set(&p.MessageBudget, f.MessageBudget)
	set(&p.FailureThreshold, f.FailureThreshold)
	set(&p.ChallengeCacheSize, f.ChallengeCacheSize)
	set(&p.HandshakeRate, f.HandshakeRate)
	set(&p.HandshakeBurst, f.HandshakeBurst)
	set(&p.HybridKEM, f.HybridKEM)

	if err := validatePolicy(p); err != nil {
		return p, fmt.Errorf("policy %s: %w", path, err)
	}
	return p, nil
}

func set[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

func validatePolicy(p domain.Policy) error {
	for name, d := range map[string]time.Duration{
		"step_timeout":   p.StepTimeout,
		"grace_window":   p.GraceWindow,
		"key_lifetime":   p.KeyLifetime,
		"failure_window": p.FailureWindow,
		"hello_max_skew": p.HelloMaxSkew,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	switch {
	case p.GraceMessages == 0:
		return errors.New("grace_messages must be positive")
	case p.MessageBudget == 0:
		return errors.New("message_budget must be positive")
	case p.FailureThreshold <= 0:
		return errors.New("failure_threshold must be positive")
	case p.ChallengeCacheSize <= 0:
		return errors.New("challenge_cache_size must be positive")
	case p.HandshakeRate <= 0 || p.HandshakeBurst <= 0:
		return errors.New("handshake_rate and handshake_burst must be positive")
	}
	return nil
}
