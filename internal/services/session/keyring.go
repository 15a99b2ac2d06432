package session

import (
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"heron/internal/crypto"
	"heron/internal/domain"
	"heron/internal/protocol/frame"
)

// WithSendKey runs fn with the active send key and the next send sequence
// under the session lock. The sequence advances only when fn succeeds. A
// send that exceeds the key's budget fires the rotation trigger once.
func (m *Manager) WithSendKey(h domain.SessionHandle, fn func(key []byte, seq uint64) error) error {
	e, err := m.lookup(h)
	if err != nil {
		m.metrics.Frame("out", "not_active")
		return err
	}
	defer e.mu.Unlock()

	s := e.active
	if s == nil {
		m.metrics.Frame("out", "not_active")
		return domain.ErrSessionNotActive
	}
	if s.nextSend == math.MaxUint64 {
		return fmt.Errorf("%w: send sequence exhausted", domain.ErrSessionNotActive)
	}
	if err := fn(s.material.SendKey[:], s.nextSend); err != nil {
		m.metrics.Frame("out", "error")
		return err
	}
	s.nextSend++
	s.sent++
	m.metrics.Frame("out", "ok")

	if e.rotation != nil && e.rotation.fired != s.generation && s.sent > s.budget {
		m.fireRotationLocked(e, "budget")
	}
	return nil
}

// WithReceiveKeys tries the active receive key and then, during the grace
// window, the previous one. Authentication is checked before the replay
// watermark of the key that opened the frame. Replay and authentication
// failures count towards forced teardown.
func (m *Manager) WithReceiveKeys(h domain.SessionHandle, seq uint64, open func(key []byte) ([]byte, error)) ([]byte, error) {
	e, err := m.lookup(h)
	if err != nil {
		m.metrics.Frame("in", "not_active")
		return nil, err
	}
	defer e.mu.Unlock()

	now := m.clock.Now()
	candidates := make([]*keySlot, 0, 2)
	if e.active != nil {
		candidates = append(candidates, e.active)
	}
	if m.graceOpenLocked(e, now) {
		candidates = append(candidates, e.previous)
	}
	if len(candidates) == 0 {
		m.metrics.Frame("in", "not_active")
		return nil, domain.ErrSessionNotActive
	}

	for _, s := range candidates {
		pt, err := open(s.material.ReceiveKey[:])
		if errors.Is(err, domain.ErrAuthenticationFailed) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if s.seen && seq <= s.highest {
			crypto.Wipe(pt)
			return nil, m.failLocked(e, domain.ErrReplayDetected, now)
		}
		s.highest, s.seen = seq, true

		if e.previous != nil {
			e.graceLeft--
			if e.graceLeft == 0 {
				m.dropPreviousLocked(e)
			}
		}
		m.metrics.Frame("in", "ok")
		return pt, nil
	}
	return nil, m.failLocked(e, domain.ErrAuthenticationFailed, now)
}

// failLocked reports a per-frame security event and escalates to teardown
// once the failure threshold is reached inside the failure window.
func (m *Manager) failLocked(e *entry, cause error, now time.Time) error {
	kind := domain.SecurityEventKind(cause)
	m.metrics.Frame("in", kind)
	m.metrics.SecurityEvent(kind)
	m.log.Warn("security event", append(sessionFields(e.handle), zap.String("kind", kind))...)

	cutoff := now.Add(-m.policy.FailureWindow)
	kept := e.failures[:0]
	for _, t := range e.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	e.failures = append(kept, now)

	if len(e.failures) >= m.policy.FailureThreshold {
		m.metrics.SecurityEvent("forced_teardown")
		m.log.Warn("security event", append(sessionFields(e.handle),
			zap.String("kind", "forced_teardown"),
			zap.Int("failures", len(e.failures)))...)
		m.closeLocked(e, "decode_failures")
		return wrapClosed(cause)
	}
	return cause
}

var _ frame.KeyRing = (*Manager)(nil)
