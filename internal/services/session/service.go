package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"heron/internal/domain"
	"heron/internal/metrics"
)

// Manager owns the key material of every peer session.
//
// Each peer has its own entry guarded by its own mutex. The manager-wide
// mutex only protects the peer map and is never held while waiting for an
// entry lock, so unrelated peers proceed independently.
type Manager struct {
	policy  domain.Policy
	clock   clock.Clock
	log     *zap.Logger
	metrics *metrics.Collectors

	mu    sync.Mutex
	peers map[domain.UserID]*entry
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clock.Clock) Option { return func(m *Manager) { m.clock = c } }

// WithLogger sets the logger used for lifecycle and security events.
func WithLogger(l *zap.Logger) Option { return func(m *Manager) { m.log = l } }

// WithMetrics sets the Prometheus collectors.
func WithMetrics(c *metrics.Collectors) Option { return func(m *Manager) { m.metrics = c } }

// New returns a Manager using p, with zero fields taken from the defaults.
func New(p domain.Policy, opts ...Option) *Manager {
	m := &Manager{
		policy: p.WithDefaults(),
		clock:  clock.New(),
		log:    zap.NewNop(),
		peers:  make(map[domain.UserID]*entry),
	}
	for _, o := range opts {
		o(m)
	}
	if m.log == nil {
		m.log = zap.NewNop()
	}
	return m
}

// keySlot is one installed key pair plus its counters.
type keySlot struct {
	material   domain.SessionKeyMaterial
	generation uint64
	activated  time.Time
	expiresAt  time.Time
	budget     uint64

	nextSend uint64
	sent     uint64
	// highest accepted receive sequence, valid once seen is set
	highest uint64
	seen    bool
}

func (k *keySlot) wipe() {
	k.material.Wipe()
}

type rotation struct {
	policy  domain.RotationPolicy
	trigger func(domain.SessionHandle)
	// generation of the key the trigger last fired for
	fired uint64
}

type entry struct {
	mu     sync.Mutex
	handle domain.SessionHandle
	state  domain.SessionState

	active   *keySlot
	previous *keySlot
	// generation counts installed keys for this peer
	generation uint64

	graceUntil time.Time
	graceLeft  uint64
	graceTimer *clock.Timer

	rotation      *rotation
	rotationTimer *clock.Timer

	// negotiations counts handshakes in flight; completed counts finished
	// handshakes whose keys are not installed yet
	negotiations    int
	completed       int
	activationTimer *clock.Timer

	failures       []time.Time
	transportTimer *clock.Timer
}

// acquire returns the live entry for peer with its lock held, creating one
// in Negotiating state when create is set. It returns nil when there is no
// entry and create is false.
func (m *Manager) acquire(peer domain.UserID, create bool) *entry {
	for {
		m.mu.Lock()
		e, ok := m.peers[peer]
		if !ok {
			if !create {
				m.mu.Unlock()
				return nil
			}
			e = &entry{
				handle: domain.SessionHandle{ID: uuid.New(), Peer: peer},
				state:  domain.SessionNegotiating,
			}
			m.peers[peer] = e
		}
		m.mu.Unlock()

		e.mu.Lock()
		if e.state != domain.SessionClosed {
			return e
		}
		// closed entries are already gone from the map
		e.mu.Unlock()
	}
}

// lookup returns the entry named by h with its lock held.
func (m *Manager) lookup(h domain.SessionHandle) (*entry, error) {
	m.mu.Lock()
	e := m.peers[h.Peer]
	m.mu.Unlock()
	if e == nil {
		return nil, domain.ErrSessionNotActive
	}
	e.mu.Lock()
	if e.handle.ID != h.ID || e.state == domain.SessionClosed {
		e.mu.Unlock()
		return nil, domain.ErrSessionNotActive
	}
	return e, nil
}

// BeginNegotiation records a handshake in flight for peer. A peer without a
// session enters Negotiating; an existing session is left untouched.
func (m *Manager) BeginNegotiation(peer domain.UserID) {
	e := m.acquire(peer, true)
	defer e.mu.Unlock()
	e.negotiations++
}

// EndNegotiation records the end of a handshake for peer. A completed
// handshake is owed an activation; a Negotiating session whose keys do not
// arrive within the step timeout is closed. An aborted last handshake of a
// session that never became active, with no completed one pending, closes
// it.
func (m *Manager) EndNegotiation(peer domain.UserID, completed bool) {
	e := m.acquire(peer, false)
	if e == nil {
		return
	}
	defer e.mu.Unlock()
	if e.negotiations > 0 {
		e.negotiations--
	}
	if completed {
		e.completed++
		if e.state == domain.SessionNegotiating && e.activationTimer == nil {
			var t *clock.Timer
			t = m.clock.AfterFunc(m.policy.StepTimeout, func() {
				e.mu.Lock()
				defer e.mu.Unlock()
				if e.activationTimer == t && e.state == domain.SessionNegotiating {
					m.closeLocked(e, "activation_timeout")
				}
			})
			e.activationTimer = t
		}
		return
	}
	if e.negotiations == 0 && e.completed == 0 && e.state == domain.SessionNegotiating {
		m.closeLocked(e, "handshake_aborted")
	}
}

func checkKeys(km domain.SessionKeyMaterial) error {
	if km.Peer == "" {
		return errors.New("activate: key material has no peer")
	}
	if km.SendKey.IsZero() || km.ReceiveKey.IsZero() || km.SendKey == km.ReceiveKey {
		return errors.New("activate: send and receive keys must be distinct and non-zero")
	}
	return nil
}

// Activate installs km as the active key for km.Peer and returns the
// session handle. An existing active key becomes the previous key, usable
// for receiving only until the grace window ends. The caller keeps
// ownership of its own copy of km.
func (m *Manager) Activate(km domain.SessionKeyMaterial) (domain.SessionHandle, error) {
	defer km.Wipe()
	if err := checkKeys(km); err != nil {
		return domain.SessionHandle{}, err
	}
	e := m.acquire(km.Peer, true)
	defer e.mu.Unlock()
	m.activateLocked(e, &km)
	return e.handle, nil
}

// Open installs km as the first key of a new connection to km.Peer. It
// fails with domain.ErrSessionBusy while another connection holds a live
// session with the peer. A session whose transport was lost is closed and
// replaced by a fresh one with a new handle.
func (m *Manager) Open(km domain.SessionKeyMaterial) (domain.SessionHandle, error) {
	defer km.Wipe()
	if err := checkKeys(km); err != nil {
		return domain.SessionHandle{}, err
	}
	e := m.acquire(km.Peer, true)
	if e.active != nil && e.transportTimer != nil {
		negotiations, completed := e.negotiations, e.completed
		m.closeLocked(e, "superseded")
		e.mu.Unlock()

		e = m.acquire(km.Peer, true)
		e.negotiations += negotiations
		e.completed += completed
	}
	defer e.mu.Unlock()
	if e.active != nil {
		if e.completed > 0 {
			e.completed--
		}
		m.log.Info("second connection refused",
			zap.String("peer", string(km.Peer)),
			zap.Stringer("session", e.handle.ID))
		return domain.SessionHandle{}, domain.ErrSessionBusy
	}
	m.activateLocked(e, &km)
	return e.handle, nil
}

// Rotate installs km as the new active key of the session named by h. It
// fails with domain.ErrSessionNotActive when h is stale.
func (m *Manager) Rotate(h domain.SessionHandle, km domain.SessionKeyMaterial) (domain.SessionHandle, error) {
	defer km.Wipe()
	if err := checkKeys(km); err != nil {
		return domain.SessionHandle{}, err
	}
	if km.Peer != h.Peer {
		return domain.SessionHandle{}, fmt.Errorf("%w: keys for %q on session with %q", domain.ErrIdentityMismatch, km.Peer, h.Peer)
	}
	e, err := m.lookup(h)
	if err != nil {
		return domain.SessionHandle{}, err
	}
	defer e.mu.Unlock()
	m.activateLocked(e, &km)
	return e.handle, nil
}

// activateLocked installs a copy of km and consumes one pending activation.
func (m *Manager) activateLocked(e *entry, km *domain.SessionKeyMaterial) {
	if e.completed > 0 {
		e.completed--
	}
	if e.activationTimer != nil {
		e.activationTimer.Stop()
		e.activationTimer = nil
	}

	now := m.clock.Now()
	e.generation++
	slot := &keySlot{material: *km, generation: e.generation, activated: now}

	if e.active == nil {
		e.state = domain.SessionActive
		m.metrics.SessionOpened()
		m.log.Info("session activated",
			zap.String("peer", string(km.Peer)),
			zap.Stringer("session", e.handle.ID),
			zap.Bool("initiator", km.Initiator))
	} else {
		// at most two live keys: the one leaving grace early is dropped
		if e.previous != nil {
			e.previous.wipe()
		}
		e.previous = e.active
		e.graceUntil = now.Add(m.policy.GraceWindow)
		e.graceLeft = m.policy.GraceMessages
		if e.graceTimer != nil {
			e.graceTimer.Stop()
		}
		prev := e.previous
		e.graceTimer = m.clock.AfterFunc(m.policy.GraceWindow, func() { m.graceElapsed(e, prev) })
		e.state = domain.SessionRotatingPending
		m.metrics.Rotation()
		m.log.Info("session key rotated",
			zap.String("peer", string(km.Peer)),
			zap.Stringer("session", e.handle.ID),
			zap.Uint64("generation", slot.generation))
	}
	e.active = slot
	m.armRotationLocked(e)
}

// ScheduleRotation registers trigger to be called, on its own goroutine,
// once per installed key when that key's message budget is exceeded or its
// lifetime ends. The key stays usable until the caller activates a new one.
func (m *Manager) ScheduleRotation(h domain.SessionHandle, p domain.RotationPolicy, trigger func(domain.SessionHandle)) error {
	if trigger == nil {
		return errors.New("schedule rotation: nil trigger")
	}
	e, err := m.lookup(h)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()
	e.rotation = &rotation{policy: p, trigger: trigger}
	m.armRotationLocked(e)
	return nil
}

// armRotationLocked recomputes the active key's limits and restarts its
// lifetime timer.
func (m *Manager) armRotationLocked(e *entry) {
	s := e.active
	if s == nil {
		return
	}
	var rp domain.RotationPolicy
	if e.rotation != nil {
		rp = e.rotation.policy
	}
	switch {
	case rp.MessageBudget > 0:
		s.budget = rp.MessageBudget
	case s.material.MessageBudget > 0:
		s.budget = s.material.MessageBudget
	default:
		s.budget = m.policy.MessageBudget
	}
	switch {
	case rp.Lifetime > 0:
		s.expiresAt = s.activated.Add(rp.Lifetime)
	case !s.material.ExpiresAt.IsZero():
		s.expiresAt = s.material.ExpiresAt
	default:
		s.expiresAt = s.activated.Add(m.policy.KeyLifetime)
	}

	if e.rotationTimer != nil {
		e.rotationTimer.Stop()
		e.rotationTimer = nil
	}
	if e.rotation == nil || e.rotation.fired == s.generation {
		return
	}
	if s.sent > s.budget {
		m.fireRotationLocked(e, "budget")
		return
	}
	d := s.expiresAt.Sub(m.clock.Now())
	if d < 0 {
		d = 0
	}
	m.armTimerLocked(e, d, "lifetime")
}

func (m *Manager) armTimerLocked(e *entry, d time.Duration, cause string) {
	gen := e.active.generation
	e.rotationTimer = m.clock.AfterFunc(d, func() { m.rotationDue(e, gen, cause) })
}

func (m *Manager) rotationDue(e *entry, gen uint64, cause string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == domain.SessionClosed || e.active == nil || e.active.generation != gen {
		return
	}
	if e.rotation == nil || e.rotation.fired == gen {
		return
	}
	m.fireRotationLocked(e, cause)
}

// RotationFailed re-arms the rotation trigger of h after the rotation it
// asked for did not complete. The trigger fires again on the next send
// over budget, or after at least one step timeout otherwise.
func (m *Manager) RotationFailed(h domain.SessionHandle) {
	e, err := m.lookup(h)
	if err != nil {
		return
	}
	defer e.mu.Unlock()
	s := e.active
	if s == nil || e.rotation == nil || e.rotation.fired != s.generation {
		return
	}
	e.rotation.fired = 0
	if e.rotationTimer != nil {
		e.rotationTimer.Stop()
	}
	cause, d := "lifetime", s.expiresAt.Sub(m.clock.Now())
	if s.sent > s.budget {
		cause, d = "budget", 0
	}
	if d < m.policy.StepTimeout {
		d = m.policy.StepTimeout
	}
	m.armTimerLocked(e, d, cause)
	m.log.Info("session rotation re-armed",
		zap.String("peer", string(h.Peer)),
		zap.Stringer("session", h.ID),
		zap.Duration("retry_in", d))
}

func (m *Manager) fireRotationLocked(e *entry, cause string) {
	e.rotation.fired = e.active.generation
	if e.rotationTimer != nil {
		e.rotationTimer.Stop()
		e.rotationTimer = nil
	}
	m.log.Info("session rotation due",
		zap.String("peer", string(e.handle.Peer)),
		zap.Stringer("session", e.handle.ID),
		zap.String("cause", cause),
		zap.Uint64("sent", e.active.sent))
	go e.rotation.trigger(e.handle)
}

func (m *Manager) graceElapsed(e *entry, prev *keySlot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.previous == prev {
		m.dropPreviousLocked(e)
	}
}

// graceOpenLocked reports whether the previous key may still decode,
// dropping it when the window has ended.
func (m *Manager) graceOpenLocked(e *entry, now time.Time) bool {
	if e.previous == nil {
		return false
	}
	if !now.Before(e.graceUntil) || e.graceLeft == 0 {
		m.dropPreviousLocked(e)
		return false
	}
	return true
}

func (m *Manager) dropPreviousLocked(e *entry) {
	if e.previous == nil {
		return
	}
	e.previous.wipe()
	e.previous = nil
	if e.graceTimer != nil {
		e.graceTimer.Stop()
		e.graceTimer = nil
	}
	if e.state == domain.SessionRotatingPending {
		e.state = domain.SessionActive
	}
	m.log.Debug("previous session key retired",
		zap.String("peer", string(e.handle.Peer)),
		zap.Stringer("session", e.handle.ID))
}

// Teardown zeroes all key material of the session and closes it. It is a
// no-op for stale or already closed handles.
func (m *Manager) Teardown(h domain.SessionHandle) {
	m.mu.Lock()
	e := m.peers[h.Peer]
	m.mu.Unlock()
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handle.ID == h.ID {
		m.closeLocked(e, "explicit")
	}
}

// closeLocked moves e to Closed and removes it from the peer map. Lock
// order is entry then map.
func (m *Manager) closeLocked(e *entry, reason string) {
	if e.state == domain.SessionClosed {
		return
	}
	hadKeys := e.active != nil
	for _, t := range []*clock.Timer{e.graceTimer, e.rotationTimer, e.transportTimer, e.activationTimer} {
		if t != nil {
			t.Stop()
		}
	}
	e.graceTimer, e.rotationTimer, e.transportTimer, e.activationTimer = nil, nil, nil, nil
	if e.active != nil {
		e.active.wipe()
		e.active = nil
	}
	if e.previous != nil {
		e.previous.wipe()
		e.previous = nil
	}
	e.rotation = nil
	e.state = domain.SessionClosed

	m.mu.Lock()
	if m.peers[e.handle.Peer] == e {
		delete(m.peers, e.handle.Peer)
	}
	m.mu.Unlock()

	if hadKeys {
		m.metrics.SessionClosed()
	}
	m.metrics.Teardown(reason)
	m.log.Info("session closed",
		zap.String("peer", string(e.handle.Peer)),
		zap.Stringer("session", e.handle.ID),
		zap.String("reason", reason))
}

// TransportClosed starts the grace countdown after which the session is
// closed unless Reattach is called first.
func (m *Manager) TransportClosed(h domain.SessionHandle) {
	e, err := m.lookup(h)
	if err != nil {
		return
	}
	defer e.mu.Unlock()
	if e.transportTimer != nil {
		return
	}
	m.log.Info("transport closed, grace countdown started",
		zap.String("peer", string(h.Peer)),
		zap.Stringer("session", h.ID),
		zap.Duration("grace", m.policy.GraceWindow))
	var t *clock.Timer
	t = m.clock.AfterFunc(m.policy.GraceWindow, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.transportTimer == t {
			m.closeLocked(e, "transport_closed")
		}
	})
	e.transportTimer = t
}

// Reattach cancels a pending transport-loss countdown.
func (m *Manager) Reattach(h domain.SessionHandle) error {
	e, err := m.lookup(h)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()
	if e.transportTimer != nil {
		e.transportTimer.Stop()
		e.transportTimer = nil
	}
	return nil
}

// State returns the session's lifecycle state; stale handles report Closed.
func (m *Manager) State(h domain.SessionHandle) domain.SessionState {
	e, err := m.lookup(h)
	if err != nil {
		return domain.SessionClosed
	}
	defer e.mu.Unlock()
	return e.state
}

// Lookup returns the handle of peer's live session.
func (m *Manager) Lookup(peer domain.UserID) (domain.SessionHandle, bool) {
	e := m.acquire(peer, false)
	if e == nil {
		return domain.SessionHandle{}, false
	}
	defer e.mu.Unlock()
	return e.handle, true
}

// Len returns the number of live peer sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.peers)
}

// Close tears down every session.
func (m *Manager) Close() {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.peers))
	for _, e := range m.peers {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		m.closeLocked(e, "shutdown")
		e.mu.Unlock()
	}
}

// Policy returns the effective policy.
func (m *Manager) Policy() domain.Policy { return m.policy }

func sessionFields(h domain.SessionHandle) []zap.Field {
	return []zap.Field{
		zap.String("peer", string(h.Peer)),
		zap.Stringer("session", h.ID),
	}
}

func wrapClosed(err error) error {
	return fmt.Errorf("%w: %w", err, domain.ErrSessionClosed)
}
