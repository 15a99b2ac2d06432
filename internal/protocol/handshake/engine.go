package handshake

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"heron/internal/crypto"
	"heron/internal/domain"
	"heron/internal/metrics"
)

// Registry is told about handshakes so the session layer can track the
// Negotiating state of a peer.
type Registry interface {
	BeginNegotiation(peer domain.UserID)
	EndNegotiation(peer domain.UserID, completed bool)
}

// Result is what one processed message yields. Outbound, when set, must be
// delivered to the peer. Keys is set once this side has derived the
// session keys; the caller owns and must wipe it.
type Result struct {
	Outbound []byte
	Keys     *domain.SessionKeyMaterial
}

// Engine runs handshakes for the local identity held by a vault.
type Engine struct {
	vault    domain.CredentialVault
	dir      domain.IdentityDirectory
	prim     domain.Primitives
	policy   domain.Policy
	clock    clock.Clock
	log      *zap.Logger
	metrics  *metrics.Collectors
	registry Registry

	// challenges remembers Hello nonces inside the skew window
	challenges *lru.Cache[[nonceSize]byte, time.Time]

	limMu    sync.Mutex
	limiters *lru.Cache[domain.UserID, *rate.Limiter]
}

// Option configures an Engine.
type Option func(*Engine)

// WithPolicy sets the protocol parameters; zero fields take the defaults.
func WithPolicy(p domain.Policy) Option { return func(e *Engine) { e.policy = p } }

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clock.Clock) Option { return func(e *Engine) { e.clock = c } }

// WithLogger sets the logger used for handshake and security events.
func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.log = l } }

// WithMetrics sets the Prometheus collectors.
func WithMetrics(c *metrics.Collectors) Option { return func(e *Engine) { e.metrics = c } }

// WithRegistry sets the session registry told about handshakes in flight.
func WithRegistry(r Registry) Option { return func(e *Engine) { e.registry = r } }

// WithPrimitives replaces the cryptographic primitives.
func WithPrimitives(p domain.Primitives) Option { return func(e *Engine) { e.prim = p } }

const limiterCacheSize = 1024

// New returns an Engine that signs with vault's identity and checks peers
// against dir.
func New(vault domain.CredentialVault, dir domain.IdentityDirectory, opts ...Option) (*Engine, error) {
	if vault == nil || dir == nil {
		return nil, errors.New("handshake: vault and directory are required")
	}
	e := &Engine{
		vault:  vault,
		dir:    dir,
		prim:   crypto.Default,
		policy: domain.DefaultPolicy(),
		clock:  clock.New(),
		log:    zap.NewNop(),
	}
	for _, o := range opts {
		o(e)
	}
	e.policy = e.policy.WithDefaults()
	if e.log == nil {
		e.log = zap.NewNop()
	}

	var err error
	if e.challenges, err = lru.New[[nonceSize]byte, time.Time](e.policy.ChallengeCacheSize); err != nil {
		return nil, fmt.Errorf("handshake: challenge cache: %w", err)
	}
	if e.limiters, err = lru.New[domain.UserID, *rate.Limiter](limiterCacheSize); err != nil {
		return nil, fmt.Errorf("handshake: limiter cache: %w", err)
	}
	return e, nil
}

// Policy returns the effective policy.
func (e *Engine) Policy() domain.Policy { return e.policy }

// Begin starts a handshake towards peer and returns the state plus the
// Hello to send. It fails with domain.ErrIdentityUnavailable when the vault
// cannot supply the signing key.
func (e *Engine) Begin(ctx context.Context, peer domain.UserID) (*State, []byte, error) {
	if peer == "" {
		return nil, nil, errors.New("handshake: empty peer")
	}
	// Vault access may block on storage; no state exists yet to lock.
	local, err := e.localIdentity(ctx)
	if err != nil {
		return nil, nil, err
	}
	if peer == local.User {
		return nil, nil, fmt.Errorf("%w: cannot handshake with self", domain.ErrIdentityMismatch)
	}

	now := e.clock.Now()
	st := &State{
		id:       uuid.New(),
		role:     RoleInitiator,
		step:     StepAwaitReply,
		local:    local,
		peer:     peer,
		deadline: now.Add(e.policy.StepTimeout),
	}
	fail := func(err error) (*State, []byte, error) {
		st.wipeLocked()
		st.step, st.err = StepClosed, err
		return nil, nil, err
	}

	if err := e.newEphemeral(st); err != nil {
		return fail(err)
	}
	if e.policy.HybridKEM {
		if st.kem, err = crypto.GenerateKEM(); err != nil {
			return fail(err)
		}
	}

	h := &hello{
		From:      local.User,
		To:        peer,
		SignPub:   local.Public,
		Ephemeral: st.ephPub,
		Nonce:     st.nonce,
		Timestamp: now.UnixMilli(),
	}
	if st.kem != nil {
		h.KEMPublic = st.kem.Public
	}
	if h.Signature, err = local.Signer.Sign(h.signedBytes()); err != nil {
		return fail(fmt.Errorf("%w: sign hello: %v", domain.ErrIdentityUnavailable, err))
	}
	st.hello = h.marshal()
	e.register(st)

	e.log.Debug("handshake started",
		zap.Stringer("attempt", st.id),
		zap.String("peer", string(peer)))
	return st, bytes.Clone(st.hello), nil
}

// Listen prepares a responder state. An empty expectedPeer accepts a Hello
// from any identity the directory knows.
func (e *Engine) Listen(ctx context.Context, expectedPeer domain.UserID) (*State, error) {
	local, err := e.localIdentity(ctx)
	if err != nil {
		return nil, err
	}
	st := &State{
		id:       uuid.New(),
		role:     RoleResponder,
		step:     StepAwaitHello,
		local:    local,
		peer:     expectedPeer,
		deadline: e.clock.Now().Add(e.policy.StepTimeout),
	}
	if expectedPeer != "" {
		e.register(st)
	}
	return st, nil
}

// Process advances st with one message from the peer. Every error aborts
// the attempt: ephemeral material is zeroed and st is closed. A Result
// without Outbound and Keys means the message was a glare Hello this side
// ignores as the keeping initiator.
func (e *Engine) Process(ctx context.Context, st *State, in []byte) (Result, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.finished() {
		return Result{}, domain.ErrHandshakeClosed
	}
	if !e.clock.Now().Before(st.deadline) {
		return Result{}, e.abortLocked(st, domain.ErrTimeout)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, e.abortLocked(st, err)
	}

	f, err := parseFields(in)
	if err != nil {
		return Result{}, e.abortLocked(st, err)
	}
	switch f.typ {
	case msgHello:
		h, err := f.hello()
		if err != nil {
			return Result{}, e.abortLocked(st, err)
		}
		if st.step == StepAwaitReply {
			return e.glareLocked(ctx, st, h, in)
		}
		return e.respondLocked(ctx, st, h, in)
	case msgReply:
		if st.step != StepAwaitReply {
			return Result{}, e.abortLocked(st, malformed("unexpected reply"))
		}
		r, err := f.reply()
		if err != nil {
			return Result{}, e.abortLocked(st, err)
		}
		return e.finishLocked(ctx, st, r)
	default:
		return Result{}, e.abortLocked(st, malformed("unknown message type %d", f.typ))
	}
}

// Cancel aborts st. It is safe to call at any time and more than once;
// finished attempts are left alone.
func (e *Engine) Cancel(st *State) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.finished() {
		return
	}
	_ = e.abortLocked(st, context.Canceled)
}

// Expire aborts st with domain.ErrTimeout unless it already completed, in
// which case it returns nil.
func (e *Engine) Expire(st *State) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	switch st.step {
	case StepComplete:
		return nil
	case StepClosed:
		return st.err
	}
	return e.abortLocked(st, domain.ErrTimeout)
}

// glareLocked handles a Hello arriving while st waits for a reply.
func (e *Engine) glareLocked(ctx context.Context, st *State, h *hello, raw []byte) (Result, error) {
	if h.From != st.peer || h.To != st.local.User {
		return Result{}, e.abortLocked(st, fmt.Errorf("%w: unexpected hello from %q", domain.ErrIdentityMismatch, h.From))
	}
	if st.local.User < h.From {
		e.log.Debug("handshake glare, keeping initiator role",
			zap.Stringer("attempt", st.id),
			zap.String("peer", string(h.From)))
		return Result{}, nil
	}
	e.log.Debug("handshake glare, answering as responder",
		zap.Stringer("attempt", st.id),
		zap.String("peer", string(h.From)))
	e.metrics.Handshake(RoleInitiator.String(), "yielded")
	st.wipeLocked()
	st.role, st.step = RoleResponder, StepAwaitHello
	return e.respondLocked(ctx, st, h, raw)
}

// respondLocked is step 2.
func (e *Engine) respondLocked(ctx context.Context, st *State, h *hello, raw []byte) (Result, error) {
	switch {
	case st.peer != "" && h.From != st.peer:
		return Result{}, e.abortLocked(st, fmt.Errorf("%w: hello from %q, expected %q", domain.ErrIdentityMismatch, h.From, st.peer))
	case h.To != st.local.User:
		return Result{}, e.abortLocked(st, fmt.Errorf("%w: hello addressed to %q", domain.ErrIdentityMismatch, h.To))
	case h.From == st.local.User:
		return Result{}, e.abortLocked(st, fmt.Errorf("%w: hello from self", domain.ErrIdentityMismatch))
	}

	now := e.clock.Now()
	skew := now.Sub(time.UnixMilli(h.Timestamp))
	if skew < 0 {
		skew = -skew
	}
	if skew > e.policy.HelloMaxSkew {
		return Result{}, e.abortLocked(st, fmt.Errorf("%w: hello timestamp off by %s", domain.ErrReplayDetected, skew))
	}

	known, err := e.dir.LookupIdentity(ctx, h.From)
	if err != nil {
		return Result{}, e.abortLocked(st, fmt.Errorf("lookup %q: %w", h.From, err))
	}
	if !e.prim.Verify(h.SignPub, h.signedBytes(), h.Signature) {
		return Result{}, e.abortLocked(st, fmt.Errorf("%w: hello from %q", domain.ErrSignatureInvalid, h.From))
	}
	if h.SignPub != known {
		return Result{}, e.abortLocked(st, fmt.Errorf("%w: %q signed with a key the directory does not know", domain.ErrIdentityMismatch, h.From))
	}
	if !e.allow(h.From, now) {
		return Result{}, e.abortLocked(st, domain.ErrRateLimited)
	}
	if seen, _ := e.challenges.ContainsOrAdd(h.Nonce, now); seen {
		return Result{}, e.abortLocked(st, fmt.Errorf("%w: hello challenge re-used", domain.ErrReplayDetected))
	}
	if (len(h.KEMPublic) > 0) != e.policy.HybridKEM {
		return Result{}, e.abortLocked(st, malformed("hybrid mode mismatch"))
	}

	if st.peer == "" {
		st.peer = h.From
		e.register(st)
	}
	if err := e.newEphemeral(st); err != nil {
		return Result{}, e.abortLocked(st, err)
	}

	var kemCT, kemSecret []byte
	if e.policy.HybridKEM {
		if kemCT, kemSecret, err = crypto.Encapsulate(h.KEMPublic); err != nil {
			return Result{}, e.abortLocked(st, err)
		}
		defer crypto.Wipe(kemSecret)
	}

	r := &reply{
		From:          st.local.User,
		To:            h.From,
		SignPub:       st.local.Public,
		Ephemeral:     st.ephPub,
		Nonce:         st.nonce,
		KEMCiphertext: kemCT,
	}
	if r.Signature, err = st.local.Signer.Sign(r.signedBytes(raw)); err != nil {
		return Result{}, e.abortLocked(st, fmt.Errorf("%w: sign reply: %v", domain.ErrIdentityUnavailable, err))
	}
	out := r.marshal()

	tr := transcript{
		initiator: h.From, responder: st.local.User,
		initiatorSign: h.SignPub, responderSign: st.local.Public,
		initiatorEph: h.Ephemeral, responderEph: st.ephPub,
		initiatorNonce: h.Nonce, responderNonce: st.nonce,
	}
	keys, err := e.deriveLocked(st, h.Ephemeral, &tr, kemSecret, raw, out)
	if err != nil {
		return Result{}, e.abortLocked(st, err)
	}
	e.completeLocked(st)
	return Result{Outbound: out, Keys: keys}, nil
}

// finishLocked is step 3.
func (e *Engine) finishLocked(ctx context.Context, st *State, r *reply) (Result, error) {
	if r.From != st.peer || r.To != st.local.User {
		return Result{}, e.abortLocked(st, fmt.Errorf("%w: reply from %q to %q", domain.ErrIdentityMismatch, r.From, r.To))
	}
	known, err := e.dir.LookupIdentity(ctx, r.From)
	if err != nil {
		return Result{}, e.abortLocked(st, fmt.Errorf("lookup %q: %w", r.From, err))
	}
	if !e.prim.Verify(r.SignPub, r.signedBytes(st.hello), r.Signature) {
		return Result{}, e.abortLocked(st, fmt.Errorf("%w: reply from %q", domain.ErrSignatureInvalid, r.From))
	}
	if r.SignPub != known {
		return Result{}, e.abortLocked(st, fmt.Errorf("%w: %q signed with a key the directory does not know", domain.ErrIdentityMismatch, r.From))
	}
	if (len(r.KEMCiphertext) > 0) != (st.kem != nil) {
		return Result{}, e.abortLocked(st, malformed("hybrid mode mismatch"))
	}

	var kemSecret []byte
	if st.kem != nil {
		if kemSecret, err = st.kem.Decapsulate(r.KEMCiphertext); err != nil {
			return Result{}, e.abortLocked(st, err)
		}
		defer crypto.Wipe(kemSecret)
	}

	tr := transcript{
		initiator: st.local.User, responder: r.From,
		initiatorSign: st.local.Public, responderSign: r.SignPub,
		initiatorEph: st.ephPub, responderEph: r.Ephemeral,
		initiatorNonce: st.nonce, responderNonce: r.Nonce,
	}
	keys, err := e.deriveLocked(st, r.Ephemeral, &tr, kemSecret, st.hello, r.marshal())
	if err != nil {
		return Result{}, e.abortLocked(st, err)
	}
	e.completeLocked(st)
	return Result{Keys: keys}, nil
}

// deriveLocked computes the directional session keys.
func (e *Engine) deriveLocked(st *State, peerEph domain.X25519Public, tr *transcript, kemSecret, helloRaw, replyRaw []byte) (*domain.SessionKeyMaterial, error) {
	shared, err := e.prim.KeyExchange(st.ephPriv, peerEph)
	if err != nil {
		return nil, fmt.Errorf("%w: key exchange: %v", domain.ErrMalformedMessage, err)
	}
	ikm := make([]byte, 0, len(shared)+len(kemSecret))
	ikm = append(append(ikm, shared[:]...), kemSecret...)
	crypto.Wipe(shared[:])
	defer crypto.Wipe(ikm)

	salt := tr.salt()
	okm, err := e.prim.KDF(ikm, salt[:], []byte(keysInfo), 64)
	if err != nil {
		return nil, err
	}
	defer crypto.Wipe(okm)

	km := &domain.SessionKeyMaterial{Peer: st.peer, Initiator: st.role == RoleInitiator}
	i2r, r2i := okm[:32], okm[32:]
	if km.Initiator {
		copy(km.SendKey[:], i2r)
		copy(km.ReceiveKey[:], r2i)
	} else {
		copy(km.SendKey[:], r2i)
		copy(km.ReceiveKey[:], i2r)
	}
	if km.SendKey == km.ReceiveKey {
		km.Wipe()
		return nil, errors.New("handshake: derived identical directional keys")
	}
	km.Binding = sha256.Sum256(append(bytes.Clone(helloRaw), replyRaw...))
	return km, nil
}

func (e *Engine) completeLocked(st *State) {
	st.wipeLocked()
	st.step = StepComplete
	if st.negotiating {
		st.negotiating = false
		e.registry.EndNegotiation(st.peer, true)
	}
	e.metrics.Handshake(st.role.String(), "ok")
	e.log.Info("handshake complete",
		zap.Stringer("attempt", st.id),
		zap.String("peer", string(st.peer)),
		zap.Stringer("role", st.role))
}

// abortLocked zeroes st, closes it and reports err.
func (e *Engine) abortLocked(st *State, err error) error {
	if st.finished() {
		return err
	}
	st.wipeLocked()
	st.step, st.err = StepClosed, err
	if st.negotiating {
		st.negotiating = false
		e.registry.EndNegotiation(st.peer, false)
	}

	fields := []zap.Field{
		zap.Stringer("attempt", st.id),
		zap.String("peer", string(st.peer)),
		zap.Stringer("role", st.role),
		zap.Error(err),
	}
	if kind := domain.SecurityEventKind(err); kind != "" {
		e.metrics.Handshake(st.role.String(), kind)
		e.metrics.SecurityEvent(kind)
		e.log.Warn("security event", append(fields, zap.String("kind", kind))...)
		return err
	}
	result := "aborted"
	if errors.Is(err, domain.ErrTimeout) {
		result = "timeout"
	}
	e.metrics.Handshake(st.role.String(), result)
	e.log.Info("handshake aborted", fields...)
	return err
}

func (e *Engine) newEphemeral(st *State) error {
	priv, pub, err := e.prim.GenerateKeyExchange()
	if err != nil {
		return err
	}
	nonce, err := e.prim.Random(nonceSize)
	if err != nil {
		crypto.Wipe(priv[:])
		return err
	}
	st.ephPriv, st.ephPub = priv, pub
	crypto.Wipe(priv[:])
	copy(st.nonce[:], nonce)
	return nil
}

func (e *Engine) register(st *State) {
	if e.registry == nil || st.negotiating {
		return
	}
	st.negotiating = true
	e.registry.BeginNegotiation(st.peer)
}

func (e *Engine) localIdentity(ctx context.Context) (domain.LocalIdentity, error) {
	id, err := e.vault.Identity(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrIdentityUnavailable) {
			return domain.LocalIdentity{}, err
		}
		return domain.LocalIdentity{}, fmt.Errorf("%w: %v", domain.ErrIdentityUnavailable, err)
	}
	if id.Signer == nil || id.User == "" {
		return domain.LocalIdentity{}, domain.ErrIdentityUnavailable
	}
	return id, nil
}

// allow applies the per-peer Hello admission limit.
func (e *Engine) allow(peer domain.UserID, now time.Time) bool {
	e.limMu.Lock()
	defer e.limMu.Unlock()
	l, ok := e.limiters.Get(peer)
	if !ok {
		l = rate.NewLimiter(rate.Limit(e.policy.HandshakeRate), e.policy.HandshakeBurst)
		e.limiters.Add(peer, l)
	}
	return l.AllowN(now, 1)
}
