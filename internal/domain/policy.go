package domain

import "time"

// Policy holds every protocol and lifecycle tunable.
type Policy struct {
	// StepTimeout bounds the wait for each handshake step.
	StepTimeout time.Duration
	// GraceWindow and GraceMessages bound how long a superseded key may still
	// decode, whichever is reached first.
	GraceWindow   time.Duration
	GraceMessages uint64
	// MessageBudget and KeyLifetime decide when rotation is triggered.
	MessageBudget uint64
	KeyLifetime   time.Duration
	// FailureThreshold decode failures within FailureWindow force teardown.
	FailureThreshold int
	FailureWindow    time.Duration
	// HelloMaxSkew bounds the accepted clock difference of a Hello and the
	// lifetime of its nonce in the replay cache.
	HelloMaxSkew       time.Duration
	ChallengeCacheSize int
	// HandshakeRate (per second) and HandshakeBurst limit Hello admission
	// per claimed peer.
	HandshakeRate  float64
	HandshakeBurst int
	// HybridKEM mixes an ML-KEM-768 secret into the session keys.
	HybridKEM bool
}

// DefaultPolicy returns the stock protocol parameters.
func DefaultPolicy() Policy {
	return Policy{
		StepTimeout:        10 * time.Second,
		GraceWindow:        30 * time.Second,
		GraceMessages:      64,
		MessageBudget:      64,
		KeyLifetime:        time.Hour,
		FailureThreshold:   5,
		FailureWindow:      60 * time.Second,
		HelloMaxSkew:       2 * time.Minute,
		ChallengeCacheSize: 4096,
		HandshakeRate:      1,
		HandshakeBurst:     5,
	}
}

// WithDefaults fills zero fields of p from DefaultPolicy.
func (p Policy) WithDefaults() Policy {
	d := DefaultPolicy()
	if p.StepTimeout <= 0 {
		p.StepTimeout = d.StepTimeout
	}
	if p.GraceWindow <= 0 {
		p.GraceWindow = d.GraceWindow
	}
	if p.GraceMessages == 0 {
		p.GraceMessages = d.GraceMessages
	}
	if p.MessageBudget == 0 {
		p.MessageBudget = d.MessageBudget
	}
	if p.KeyLifetime <= 0 {
		p.KeyLifetime = d.KeyLifetime
	}
	if p.FailureThreshold <= 0 {
		p.FailureThreshold = d.FailureThreshold
	}
	if p.FailureWindow <= 0 {
		p.FailureWindow = d.FailureWindow
	}
	if p.HelloMaxSkew <= 0 {
		p.HelloMaxSkew = d.HelloMaxSkew
	}
	if p.ChallengeCacheSize <= 0 {
		p.ChallengeCacheSize = d.ChallengeCacheSize
	}
	if p.HandshakeRate <= 0 {
		p.HandshakeRate = d.HandshakeRate
	}
	if p.HandshakeBurst <= 0 {
		p.HandshakeBurst = d.HandshakeBurst
	}
	return p
}
