package domain

import (
	"context"
	"errors"
)

var (
	// ErrIdentityUnavailable is returned when the vault cannot supply the
	// local signing key.
	ErrIdentityUnavailable = errors.New("identity unavailable")
	// ErrSignatureInvalid is returned when a handshake signature does not verify.
	ErrSignatureInvalid = errors.New("signature invalid")
	// ErrIdentityMismatch is returned when a peer's key or identifier does not
	// match what the directory or the caller expects.
	ErrIdentityMismatch = errors.New("identity mismatch")
	// ErrTimeout is returned when a handshake step exceeds its deadline.
	ErrTimeout = errors.New("handshake step timed out")
	// ErrReplayDetected is returned for a frame at or below the receive
	// watermark and for a re-used or stale handshake challenge.
	ErrReplayDetected = errors.New("replay detected")
	// ErrAuthenticationFailed is returned when no installed key opens a frame.
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrSessionNotActive is returned when no usable key is installed.
	ErrSessionNotActive = errors.New("session not active")
	// ErrTransportClosed is returned when the underlying stream is gone.
	ErrTransportClosed = errors.New("transport closed")

	// ErrSessionClosed is returned when a session was torn down, for example
	// after repeated decode failures.
	ErrSessionClosed = errors.New("session closed")
	// ErrHandshakeClosed is returned when a finished or aborted handshake
	// state is used again.
	ErrHandshakeClosed = errors.New("handshake closed")
	// ErrMalformedMessage is returned for undecodable handshake messages or frames.
	ErrMalformedMessage = errors.New("malformed message")
	// ErrUnknownIdentity is returned by directories for unregistered users.
	ErrUnknownIdentity = errors.New("unknown identity")
	// ErrRateLimited is returned when a peer starts handshakes too quickly.
	ErrRateLimited = errors.New("handshake rate limited")
	// ErrTokenRejected is returned by directories when an unregister token
	// is missing or does not match the one issued at registration.
	ErrTokenRejected = errors.New("token rejected")
	// ErrSessionBusy is returned when a peer connects while another of its
	// connections still holds a live session.
	ErrSessionBusy = errors.New("peer already has a live session")
)

// IsSecurityEvent reports whether err must be surfaced as a security event.
func IsSecurityEvent(err error) bool {
	return errors.Is(err, ErrSignatureInvalid) ||
		errors.Is(err, ErrIdentityMismatch) ||
		errors.Is(err, ErrReplayDetected) ||
		errors.Is(err, ErrAuthenticationFailed)
}

// SecurityEventKind returns a stable label for a security event error, or ""
// when err is not one.
func SecurityEventKind(err error) string {
	switch {
	case errors.Is(err, ErrSignatureInvalid):
		return "signature_invalid"
	case errors.Is(err, ErrIdentityMismatch):
		return "identity_mismatch"
	case errors.Is(err, ErrReplayDetected):
		return "replay_detected"
	case errors.Is(err, ErrAuthenticationFailed):
		return "authentication_failed"
	default:
		return ""
	}
}

// OutcomeKind is the small set of results callers act on.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	// OutcomeRetry means the operation failed but the session (or a fresh,
	// explicitly started attempt) can still succeed.
	OutcomeRetry
	// OutcomeFatal means the session is closed or can never be established
	// with the current identities.
	OutcomeFatal
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetry:
		return "needs-retry"
	case OutcomeFatal:
		return "fatal-session-closed"
	default:
		return "unknown"
	}
}

// Outcome is what a caller sees instead of a raw error. Reason is the
// taxonomy sentinel that caused it.
type Outcome struct {
	Kind   OutcomeKind
	Reason error
}

// Classify maps any error from this module onto an Outcome.
func Classify(err error) Outcome {
	if err == nil {
		return Outcome{Kind: OutcomeSuccess}
	}
	fatal := []error{
		ErrSessionClosed,
		ErrIdentityMismatch,
		ErrSessionNotActive,
		ErrHandshakeClosed,
	}
	for _, s := range fatal {
		if errors.Is(err, s) {
			return Outcome{Kind: OutcomeFatal, Reason: s}
		}
	}
	retry := []error{
		ErrTimeout,
		ErrSignatureInvalid,
		ErrReplayDetected,
		ErrAuthenticationFailed,
		ErrTransportClosed,
		ErrIdentityUnavailable,
		ErrUnknownIdentity,
		ErrMalformedMessage,
		ErrRateLimited,
		ErrSessionBusy,
	}
	for _, s := range retry {
		if errors.Is(err, s) {
			return Outcome{Kind: OutcomeRetry, Reason: s}
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Outcome{Kind: OutcomeRetry, Reason: ErrTimeout}
	}
	if errors.Is(err, context.Canceled) {
		return Outcome{Kind: OutcomeRetry, Reason: context.Canceled}
	}
	return Outcome{Kind: OutcomeFatal, Reason: ErrSessionClosed}
}
