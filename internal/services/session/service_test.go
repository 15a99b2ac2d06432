package session_test

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"heron/internal/crypto"
	"heron/internal/domain"
	"heron/internal/protocol/frame"
	"heron/internal/services/session"
)

// pair is one side of an established channel.
type pair struct {
	mgr    *session.Manager
	codec  *frame.Codec
	handle domain.SessionHandle
}

func randomKey(t *testing.T) domain.SymmetricKey {
	t.Helper()
	b, err := crypto.Default.Random(32)
	if err != nil {
		t.Fatalf("Random: %v", err)
	}
	var k domain.SymmetricKey
	copy(k[:], b)
	return k
}

// keyMaterial returns mirrored key material for alice (towards bob) and bob
// (towards alice).
func keyMaterial(t *testing.T) (alice, bob domain.SessionKeyMaterial) {
	t.Helper()
	i2r, r2i := randomKey(t), randomKey(t)
	alice = domain.SessionKeyMaterial{Peer: "bob", Initiator: true, SendKey: i2r, ReceiveKey: r2i}
	bob = domain.SessionKeyMaterial{Peer: "alice", SendKey: r2i, ReceiveKey: i2r}
	return alice, bob
}

func newPair(t *testing.T, clk clock.Clock, p domain.Policy, log *zap.Logger) (alice, bob *pair) {
	t.Helper()
	aliceKM, bobKM := keyMaterial(t)
	alice = &pair{mgr: session.New(p, session.WithClock(clk), session.WithLogger(log))}
	bob = &pair{mgr: session.New(p, session.WithClock(clk), session.WithLogger(log))}
	alice.codec = frame.NewCodec(alice.mgr, nil)
	bob.codec = frame.NewCodec(bob.mgr, nil)

	var err error
	if alice.handle, err = alice.mgr.Activate(aliceKM); err != nil {
		t.Fatalf("activate alice: %v", err)
	}
	if bob.handle, err = bob.mgr.Activate(bobKM); err != nil {
		t.Fatalf("activate bob: %v", err)
	}
	return alice, bob
}

// rotate installs fresh mirrored keys on both sides.
func rotate(t *testing.T, alice, bob *pair) {
	t.Helper()
	aliceKM, bobKM := keyMaterial(t)
	h, err := alice.mgr.Activate(aliceKM)
	if err != nil {
		t.Fatalf("rotate alice: %v", err)
	}
	if h != alice.handle {
		t.Fatalf("handle changed across rotation: %v != %v", h, alice.handle)
	}
	if _, err := bob.mgr.Activate(bobKM); err != nil {
		t.Fatalf("rotate bob: %v", err)
	}
}

func encode(t *testing.T, p *pair, msg string) frame.Frame {
	t.Helper()
	f, err := p.codec.Encode(p.handle, []byte(msg), []byte("ad"))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return f
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestCodec_RoundTripAndOrdering(t *testing.T) {
	alice, bob := newPair(t, clock.NewMock(), domain.DefaultPolicy(), zaptest.NewLogger(t))

	for i := 0; i < 10; i++ {
		f := encode(t, alice, fmt.Sprintf("msg-%d", i))
		if f.Sequence != uint64(i) {
			t.Fatalf("sequence = %d, want %d", f.Sequence, i)
		}
		parsed, err := frame.Parse(f.Marshal())
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		pt, err := bob.codec.Decode(bob.handle, parsed)
		if err != nil {
			t.Fatalf("Decode %d: %v", i, err)
		}
		if string(pt) != fmt.Sprintf("msg-%d", i) {
			t.Fatalf("plaintext = %q", pt)
		}
	}
}

func TestCodec_WatermarkOnlyAdvances(t *testing.T) {
	alice, bob := newPair(t, clock.NewMock(), domain.DefaultPolicy(), zaptest.NewLogger(t))

	f0 := encode(t, alice, "zero")
	f1 := encode(t, alice, "one")
	f2 := encode(t, alice, "two")

	if _, err := bob.codec.Decode(bob.handle, f0); err != nil {
		t.Fatalf("decode f0: %v", err)
	}
	// skipping ahead is accepted and moves the watermark
	if _, err := bob.codec.Decode(bob.handle, f2); err != nil {
		t.Fatalf("decode f2: %v", err)
	}
	if _, err := bob.codec.Decode(bob.handle, f1); !errors.Is(err, domain.ErrReplayDetected) {
		t.Fatalf("late frame below watermark: got %v", err)
	}
}

func TestCodec_ReplayDetected(t *testing.T) {
	alice, bob := newPair(t, clock.NewMock(), domain.DefaultPolicy(), zaptest.NewLogger(t))

	f := encode(t, alice, "once")
	wire := f.Marshal()
	if _, err := bob.codec.Decode(bob.handle, f); err != nil {
		t.Fatalf("first decode: %v", err)
	}
	replayed, err := frame.Parse(wire)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := bob.codec.Decode(bob.handle, replayed); !errors.Is(err, domain.ErrReplayDetected) {
		t.Fatalf("replay: got %v", err)
	}
}

func TestCodec_BitFlipAlwaysFailsAuthentication(t *testing.T) {
	p := domain.DefaultPolicy()
	p.FailureThreshold = 1 << 20
	alice, bob := newPair(t, clock.NewMock(), p, zap.NewNop())

	f := encode(t, alice, "integrity")
	wire := f.Marshal()
	for bit := 0; bit < len(wire)*8; bit++ {
		mutated := bytes.Clone(wire)
		mutated[bit/8] ^= 1 << (bit % 8)
		mf, err := frame.Parse(mutated)
		if err != nil {
			// a flipped AD length can make the frame unparseable
			continue
		}
		pt, err := bob.codec.Decode(bob.handle, mf)
		if err == nil {
			t.Fatalf("bit %d: accepted tampered frame %q", bit, pt)
		}
		if !errors.Is(err, domain.ErrAuthenticationFailed) {
			t.Fatalf("bit %d: got %v", bit, err)
		}
	}
	if _, err := bob.codec.Decode(bob.handle, f); err != nil {
		t.Fatalf("original after tampering: %v", err)
	}
}

func TestCodec_NoActiveKey(t *testing.T) {
	m := session.New(domain.DefaultPolicy())
	c := frame.NewCodec(m, nil)
	h := domain.SessionHandle{Peer: "nobody"}
	if _, err := c.Encode(h, []byte("x"), nil); !errors.Is(err, domain.ErrSessionNotActive) {
		t.Fatalf("encode: got %v", err)
	}
	if _, err := c.Decode(h, frame.Frame{}); !errors.Is(err, domain.ErrSessionNotActive) {
		t.Fatalf("decode: got %v", err)
	}
}

func TestGrace_PreviousKeyUntilWindowEnds(t *testing.T) {
	clk := clock.NewMock()
	alice, bob := newPair(t, clk, domain.DefaultPolicy(), zaptest.NewLogger(t))

	early := encode(t, alice, "early")
	late := encode(t, alice, "late")
	rotate(t, alice, bob)

	if got := bob.mgr.State(bob.handle); got != domain.SessionRotatingPending {
		t.Fatalf("state = %v, want rotating-pending", got)
	}
	if _, err := bob.codec.Decode(bob.handle, early); err != nil {
		t.Fatalf("previous key during grace: %v", err)
	}
	fresh := encode(t, alice, "fresh")
	if fresh.Sequence != 0 {
		t.Fatalf("new key sequence = %d, want 0", fresh.Sequence)
	}
	if _, err := bob.codec.Decode(bob.handle, fresh); err != nil {
		t.Fatalf("new key: %v", err)
	}

	clk.Add(31 * time.Second)
	_, err := bob.codec.Decode(bob.handle, late)
	if !errors.Is(err, domain.ErrAuthenticationFailed) && !errors.Is(err, domain.ErrSessionNotActive) {
		t.Fatalf("previous key after grace: got %v", err)
	}
	if got := bob.mgr.State(bob.handle); got != domain.SessionActive {
		t.Fatalf("state after grace = %v, want active", got)
	}
}

func TestGrace_EndsAfterMessageCount(t *testing.T) {
	p := domain.DefaultPolicy()
	p.GraceMessages = 2
	alice, bob := newPair(t, clock.NewMock(), p, zaptest.NewLogger(t))

	old := encode(t, alice, "old")
	rotate(t, alice, bob)
	for i := 0; i < 2; i++ {
		if _, err := bob.codec.Decode(bob.handle, encode(t, alice, "new")); err != nil {
			t.Fatalf("decode new %d: %v", i, err)
		}
	}
	if _, err := bob.codec.Decode(bob.handle, old); !errors.Is(err, domain.ErrAuthenticationFailed) {
		t.Fatalf("previous key after message grace: got %v", err)
	}
}

func TestGrace_PreviousNeverUsedForSend(t *testing.T) {
	alice, bob := newPair(t, clock.NewMock(), domain.DefaultPolicy(), zaptest.NewLogger(t))
	rotate(t, alice, bob)

	f := encode(t, bob, "reply")
	if _, err := alice.codec.Decode(alice.handle, f); err != nil {
		t.Fatalf("decode with new keys: %v", err)
	}
}

func TestRotation_BudgetTriggersOnMessage65(t *testing.T) {
	alice, bob := newPair(t, clock.NewMock(), domain.DefaultPolicy(), zaptest.NewLogger(t))

	due := make(chan domain.SessionHandle, 1)
	if err := alice.mgr.ScheduleRotation(alice.handle, domain.RotationPolicy{}, func(h domain.SessionHandle) {
		due <- h
	}); err != nil {
		t.Fatalf("ScheduleRotation: %v", err)
	}

	for i := 1; i <= 65; i++ {
		f := encode(t, alice, fmt.Sprintf("m%d", i))
		if _, err := bob.codec.Decode(bob.handle, f); err != nil {
			t.Fatalf("decode %d: %v", i, err)
		}
		if i == 64 {
			time.Sleep(10 * time.Millisecond)
			select {
			case <-due:
				t.Fatal("rotation triggered before budget was exceeded")
			default:
			}
		}
	}
	select {
	case h := <-due:
		if h != alice.handle {
			t.Fatalf("trigger handle = %v", h)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message 65 did not trigger rotation")
	}

	// the old key keeps working until the new one is installed
	if _, err := bob.codec.Decode(bob.handle, encode(t, alice, "m66")); err != nil {
		t.Fatalf("decode after trigger: %v", err)
	}
	select {
	case <-due:
		t.Fatal("trigger fired twice for one key")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestRotation_LifetimeTriggers(t *testing.T) {
	clk := clock.NewMock()
	alice, _ := newPair(t, clk, domain.DefaultPolicy(), zaptest.NewLogger(t))

	due := make(chan struct{}, 1)
	err := alice.mgr.ScheduleRotation(alice.handle, domain.RotationPolicy{Lifetime: time.Minute}, func(domain.SessionHandle) {
		due <- struct{}{}
	})
	if err != nil {
		t.Fatalf("ScheduleRotation: %v", err)
	}
	clk.Add(time.Minute)
	select {
	case <-due:
	case <-time.After(2 * time.Second):
		t.Fatal("lifetime did not trigger rotation")
	}
}

func TestRotation_RearmsAfterFailure(t *testing.T) {
	clk := clock.NewMock()
	p := domain.DefaultPolicy()
	alice, bob := newPair(t, clk, p, zaptest.NewLogger(t))

	due := make(chan struct{}, 4)
	err := alice.mgr.ScheduleRotation(alice.handle, domain.RotationPolicy{MessageBudget: 2}, func(domain.SessionHandle) {
		due <- struct{}{}
	})
	if err != nil {
		t.Fatalf("ScheduleRotation: %v", err)
	}
	expect := func(what string) {
		t.Helper()
		select {
		case <-due:
		case <-time.After(2 * time.Second):
			t.Fatalf("%s did not trigger rotation", what)
		}
	}
	send := func(msg string) {
		t.Helper()
		if _, err := bob.codec.Decode(bob.handle, encode(t, alice, msg)); err != nil {
			t.Fatalf("decode %s: %v", msg, err)
		}
	}

	for i := 0; i < 3; i++ {
		send(fmt.Sprintf("m%d", i))
	}
	expect("third send")

	// the rekey failed: the next send over budget asks again
	alice.mgr.RotationFailed(alice.handle)
	send("m3")
	expect("send after failed rotation")

	// with no traffic, the retry waits one step timeout
	alice.mgr.RotationFailed(alice.handle)
	clk.Add(p.StepTimeout)
	expect("retry timer")

	// a stale report does not re-arm a key that already rotated
	rotate(t, alice, bob)
	alice.mgr.RotationFailed(alice.handle)
	clk.Add(p.StepTimeout)
	select {
	case <-due:
		t.Fatal("fresh key triggered rotation")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestOpen_OneLiveSessionPerPeer(t *testing.T) {
	clk := clock.NewMock()
	m := session.New(domain.DefaultPolicy(), session.WithClock(clk))

	first, _ := keyMaterial(t)
	h, err := m.Open(first)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	second, _ := keyMaterial(t)
	if _, err := m.Open(second); !errors.Is(err, domain.ErrSessionBusy) {
		t.Fatalf("second Open: got %v", err)
	}
	if got := m.State(h); got != domain.SessionActive {
		t.Fatalf("refused connection disturbed the session: %v", got)
	}

	rotated, _ := keyMaterial(t)
	if got, err := m.Rotate(h, rotated); err != nil || got != h {
		t.Fatalf("Rotate: %v, %v", got, err)
	}

	// a connection whose transport is gone gives way to a new one
	m.TransportClosed(h)
	third, _ := keyMaterial(t)
	h2, err := m.Open(third)
	if err != nil {
		t.Fatalf("Open after transport loss: %v", err)
	}
	if h2.ID == h.ID {
		t.Fatal("superseding session reused the old handle")
	}
	if got := m.State(h); got != domain.SessionClosed {
		t.Fatalf("superseded state = %v", got)
	}

	// the old owner can no longer touch the new session
	m.Teardown(h)
	m.TransportClosed(h)
	stale, _ := keyMaterial(t)
	if _, err := m.Rotate(h, stale); !errors.Is(err, domain.ErrSessionNotActive) {
		t.Fatalf("Rotate with stale handle: got %v", err)
	}
	clk.Add(time.Minute)
	time.Sleep(10 * time.Millisecond)
	if got := m.State(h2); got != domain.SessionActive {
		t.Fatalf("new session state = %v", got)
	}
}

func TestTeardown_IdempotentAndZeroes(t *testing.T) {
	alice, bob := newPair(t, clock.NewMock(), domain.DefaultPolicy(), zaptest.NewLogger(t))
	f := encode(t, alice, "before")

	bob.mgr.Teardown(bob.handle)
	bob.mgr.Teardown(bob.handle)

	if got := bob.mgr.State(bob.handle); got != domain.SessionClosed {
		t.Fatalf("state = %v, want closed", got)
	}
	if _, err := bob.codec.Decode(bob.handle, f); !errors.Is(err, domain.ErrSessionNotActive) {
		t.Fatalf("decode after teardown: got %v", err)
	}
	if _, err := bob.codec.Encode(bob.handle, []byte("x"), nil); !errors.Is(err, domain.ErrSessionNotActive) {
		t.Fatalf("encode after teardown: got %v", err)
	}

	// a new session for the same peer gets a fresh handle
	_, bobKM := keyMaterial(t)
	h, err := bob.mgr.Activate(bobKM)
	if err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	if h.ID == bob.handle.ID {
		t.Fatal("closed handle was reused")
	}
	bob.mgr.Teardown(bob.handle)
	if got := bob.mgr.State(h); got != domain.SessionActive {
		t.Fatalf("stale teardown closed the new session: %v", got)
	}
}

func TestActivate_RejectsEqualKeys(t *testing.T) {
	m := session.New(domain.DefaultPolicy())
	k := randomKey(t)
	_, err := m.Activate(domain.SessionKeyMaterial{Peer: "bob", SendKey: k, ReceiveKey: k})
	if err == nil {
		t.Fatal("expected error for equal send and receive keys")
	}
}

func TestFailures_EscalateToTeardown(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	clk := clock.NewMock()
	alice, bob := newPair(t, clk, domain.DefaultPolicy(), zap.New(core))

	f := encode(t, alice, "x")
	f.Ciphertext = bytes.Clone(f.Ciphertext)
	f.Ciphertext[0] ^= 0xFF

	for i := 1; i <= 4; i++ {
		_, err := bob.codec.Decode(bob.handle, f)
		if !errors.Is(err, domain.ErrAuthenticationFailed) || errors.Is(err, domain.ErrSessionClosed) {
			t.Fatalf("failure %d: got %v", i, err)
		}
	}
	_, err := bob.codec.Decode(bob.handle, f)
	if !errors.Is(err, domain.ErrSessionClosed) {
		t.Fatalf("fifth failure: got %v", err)
	}
	if domain.Classify(err).Kind != domain.OutcomeFatal {
		t.Fatalf("classified as %v", domain.Classify(err).Kind)
	}
	if got := bob.mgr.State(bob.handle); got != domain.SessionClosed {
		t.Fatalf("state = %v, want closed", got)
	}
	if n := logs.FilterMessage("security event").Len(); n != 6 {
		t.Fatalf("security event logs = %d, want 6", n)
	}
}

func TestFailures_OutsideWindowDoNotEscalate(t *testing.T) {
	clk := clock.NewMock()
	alice, bob := newPair(t, clk, domain.DefaultPolicy(), zaptest.NewLogger(t))

	f := encode(t, alice, "x")
	f.Ciphertext = bytes.Clone(f.Ciphertext)
	f.Ciphertext[0] ^= 0xFF

	for i := 0; i < 4; i++ {
		_, _ = bob.codec.Decode(bob.handle, f)
	}
	clk.Add(61 * time.Second)
	if _, err := bob.codec.Decode(bob.handle, f); errors.Is(err, domain.ErrSessionClosed) {
		t.Fatal("failures outside the window escalated")
	}
	if got := bob.mgr.State(bob.handle); got != domain.SessionActive {
		t.Fatalf("state = %v, want active", got)
	}
}

func TestTransportClosed_GraceThenClose(t *testing.T) {
	clk := clock.NewMock()
	_, bob := newPair(t, clk, domain.DefaultPolicy(), zaptest.NewLogger(t))

	bob.mgr.TransportClosed(bob.handle)
	clk.Add(10 * time.Second)
	if got := bob.mgr.State(bob.handle); got != domain.SessionActive {
		t.Fatalf("closed before grace ended: %v", got)
	}
	clk.Add(21 * time.Second)
	eventually(t, func() bool { return bob.mgr.State(bob.handle) == domain.SessionClosed })
}

func TestTransportClosed_Reattach(t *testing.T) {
	clk := clock.NewMock()
	_, bob := newPair(t, clk, domain.DefaultPolicy(), zaptest.NewLogger(t))

	bob.mgr.TransportClosed(bob.handle)
	if err := bob.mgr.Reattach(bob.handle); err != nil {
		t.Fatalf("Reattach: %v", err)
	}
	clk.Add(time.Minute)
	time.Sleep(10 * time.Millisecond)
	if got := bob.mgr.State(bob.handle); got != domain.SessionActive {
		t.Fatalf("state = %v, want active", got)
	}
}

func TestNegotiation_AbortClosesOnlyUnestablished(t *testing.T) {
	m := session.New(domain.DefaultPolicy())

	m.BeginNegotiation("carol")
	h, ok := m.Lookup("carol")
	if !ok || m.State(h) != domain.SessionNegotiating {
		t.Fatalf("carol not negotiating")
	}
	m.EndNegotiation("carol", false)
	if _, ok := m.Lookup("carol"); ok {
		t.Fatal("aborted negotiation left a session behind")
	}

	aliceKM, _ := keyMaterial(t)
	active, err := m.Activate(aliceKM)
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	m.BeginNegotiation("bob")
	m.EndNegotiation("bob", false)
	if got := m.State(active); got != domain.SessionActive {
		t.Fatalf("aborted rotation handshake changed active session: %v", got)
	}
}

func TestNegotiation_OverlappingAttempts(t *testing.T) {
	m := session.New(domain.DefaultPolicy())

	m.BeginNegotiation("bob")
	m.BeginNegotiation("bob")
	h, ok := m.Lookup("bob")
	if !ok {
		t.Fatal("bob not negotiating")
	}
	m.EndNegotiation("bob", true)
	m.EndNegotiation("bob", false)
	if m.Len() != 1 {
		t.Fatal("abort of one attempt dropped the other's completed handshake")
	}

	km, _ := keyMaterial(t)
	got, err := m.Activate(km)
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if got != h {
		t.Fatalf("activation opened a new session: %v != %v", got, h)
	}
	if m.State(h) != domain.SessionActive {
		t.Fatalf("state = %v", m.State(h))
	}
}

func TestNegotiation_CompletedButNeverActivated(t *testing.T) {
	clk := clock.NewMock()
	p := domain.DefaultPolicy()
	m := session.New(p, session.WithClock(clk))

	m.BeginNegotiation("bob")
	m.EndNegotiation("bob", true)
	clk.Add(p.StepTimeout - time.Second)
	if m.Len() != 1 {
		t.Fatal("pending activation closed early")
	}
	clk.Add(2 * time.Second)
	eventually(t, func() bool { return m.Len() == 0 })
}

func TestPeers_AreIndependent(t *testing.T) {
	m := session.New(domain.DefaultPolicy())
	c := frame.NewCodec(m, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		peer := domain.UserID(fmt.Sprintf("peer-%d", i))
		km := domain.SessionKeyMaterial{Peer: peer, SendKey: randomKey(t), ReceiveKey: randomKey(t)}
		h, err := m.Activate(km)
		if err != nil {
			t.Fatalf("Activate: %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if _, err := c.Encode(h, []byte("x"), nil); err != nil {
					t.Errorf("Encode %s: %v", h.Peer, err)
					return
				}
			}
		}()
	}
	wg.Wait()
	if m.Len() != 8 {
		t.Fatalf("sessions = %d", m.Len())
	}
	m.Close()
	if m.Len() != 0 {
		t.Fatalf("sessions after Close = %d", m.Len())
	}
}
