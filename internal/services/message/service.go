package message

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"heron/internal/domain"
	"heron/internal/protocol/frame"
	"heron/internal/protocol/handshake"
	"heron/internal/services/session"
)

const (
	kindHandshake byte = 1
	kindFrame     byte = 2

	inboxSize  = 64
	outboxSize = 64
)

// Stream is a message-oriented byte stream, usually a *transport.Stream.
type Stream interface {
	Send(ctx context.Context, b []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// Deps are the collaborators a Conn needs. Engine must report to Manager
// as its registry. Codec, Clock and Logger are optional.
type Deps struct {
	Engine  *handshake.Engine
	Manager *session.Manager
	Codec   *frame.Codec
	Clock   clock.Clock
	Logger  *zap.Logger
}

// Message is one decoded application message.
type Message struct {
	Sequence       uint64
	AssociatedData []byte
	Plaintext      []byte
}

type inbound struct {
	msg Message
	err error
}

type outbound struct {
	ctx  context.Context
	b    []byte
	errc chan error
}

// pending is a handshake attempt some caller waits for.
type pending struct {
	st     *handshake.State
	done   chan struct{}
	once   sync.Once
	handle domain.SessionHandle
	err    error
}

// Conn is an encrypted conversation with one peer.
type Conn struct {
	engine  *handshake.Engine
	manager *session.Manager
	codec   *frame.Codec
	clock   clock.Clock
	log     *zap.Logger
	stream  Stream

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	peer   domain.UserID
	handle domain.SessionHandle

	hsMu    sync.Mutex
	pending *pending

	// sendMu orders key use with the bytes put on the wire
	sendMu sync.Mutex

	inbox   chan inbound
	out     chan outbound
	rekeyCh chan struct{}

	closed     chan struct{}
	closeOnce  sync.Once
	readerDone chan struct{}
	readErr    error
	wg         sync.WaitGroup
}

func newConn(stream Stream, deps Deps) (*Conn, error) {
	if stream == nil || deps.Engine == nil || deps.Manager == nil {
		return nil, errors.New("message: stream, engine and manager are required")
	}
	c := &Conn{
		engine:     deps.Engine,
		manager:    deps.Manager,
		codec:      deps.Codec,
		clock:      deps.Clock,
		log:        deps.Logger,
		stream:     stream,
		inbox:      make(chan inbound, inboxSize),
		out:        make(chan outbound, outboxSize),
		rekeyCh:    make(chan struct{}, 1),
		closed:     make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	if c.codec == nil {
		c.codec = frame.NewCodec(c.manager, nil)
	}
	if c.clock == nil {
		c.clock = clock.New()
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

func (c *Conn) start() {
	c.wg.Add(3)
	go func() { defer c.wg.Done(); c.readLoop() }()
	go func() { defer c.wg.Done(); c.writeLoop() }()
	go func() { defer c.wg.Done(); c.rekeyLoop() }()
}

// Dial runs the handshake as initiator towards peer and returns the
// established Conn. The Conn owns stream from here on; it is closed when
// Dial fails.
func Dial(ctx context.Context, stream Stream, peer domain.UserID, deps Deps) (*Conn, error) {
	c, err := newConn(stream, deps)
	if err != nil {
		return nil, err
	}
	c.peer = peer
	p, hello, err := c.begin(ctx)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	c.start()
	if err := c.enqueue(ctx, hello); err != nil {
		c.engine.Cancel(p.st)
		_ = c.Close()
		return nil, err
	}
	if _, err := c.await(ctx, p); err != nil {
		_ = c.Close()
		return nil, err
	}
	c.log.Info("connection established",
		zap.String("peer", string(peer)),
		zap.Stringer("role", handshake.RoleInitiator))
	return c, nil
}

// Accept waits for a peer's handshake and returns the established Conn. An
// empty expectedPeer accepts any identity the directory knows.
func Accept(ctx context.Context, stream Stream, expectedPeer domain.UserID, deps Deps) (*Conn, error) {
	c, err := newConn(stream, deps)
	if err != nil {
		return nil, err
	}
	st, err := c.engine.Listen(ctx, expectedPeer)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	p := &pending{st: st, done: make(chan struct{})}
	c.pending = p
	c.start()
	if _, err := c.await(ctx, p); err != nil {
		_ = c.Close()
		return nil, err
	}
	c.log.Info("connection established",
		zap.String("peer", string(c.Peer())),
		zap.Stringer("role", handshake.RoleResponder))
	return c, nil
}

// Peer returns the remote identity, empty before an Accept completes.
func (c *Conn) Peer() domain.UserID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer
}

// Handle returns the current session handle.
func (c *Conn) Handle() domain.SessionHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle
}

// Send encrypts pt with ad bound as associated data and writes the frame.
func (c *Conn) Send(ctx context.Context, pt, ad []byte) error {
	c.sendMu.Lock()
	f, err := c.codec.Encode(c.Handle(), pt, ad)
	if err != nil {
		c.sendMu.Unlock()
		return err
	}
	errc := make(chan error, 1)
	err = c.push(ctx, outbound{ctx: ctx, b: append([]byte{kindFrame}, f.Marshal()...), errc: errc})
	c.sendMu.Unlock()
	if err != nil {
		return err
	}
	select {
	case err := <-errc:
		return err
	case <-c.closed:
		return domain.ErrTransportClosed
	}
}

// Receive returns the next message from the peer. A frame that fails to
// decode is reported as an error and the conversation continues; see
// domain.Classify for which errors end it.
func (c *Conn) Receive(ctx context.Context) (Message, error) {
	select {
	case in := <-c.inbox:
		return in.msg, in.err
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-c.readerDone:
		select {
		case in := <-c.inbox:
			return in.msg, in.err
		default:
		}
		return Message{}, c.readErr
	}
}

// Rekey runs a rotation handshake and returns once the new key is
// installed. A rotation already in flight is joined rather than restarted.
func (c *Conn) Rekey(ctx context.Context) error {
	c.hsMu.Lock()
	p := c.pending
	c.hsMu.Unlock()
	if p == nil {
		var hello []byte
		var err error
		if p, hello, err = c.begin(ctx); err != nil {
			return err
		}
		if err := c.enqueue(ctx, hello); err != nil {
			c.engine.Cancel(p.st)
			c.settle(p, domain.SessionHandle{}, err)
			return err
		}
	}
	_, err := c.await(ctx, p)
	return err
}

// Close ends the conversation, tears the session down and closes the
// stream.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.cancel()
		err = c.stream.Close()
		c.wg.Wait()

		c.hsMu.Lock()
		p := c.pending
		c.hsMu.Unlock()
		if p != nil {
			c.engine.Cancel(p.st)
			c.settle(p, domain.SessionHandle{}, domain.ErrTransportClosed)
		}
		if h := c.Handle(); h.ID != uuid.Nil {
			c.manager.Teardown(h)
		}
		if c.readErr != nil && !errors.Is(c.readErr, domain.ErrTransportClosed) {
			err = multierr.Append(err, c.readErr)
		}
	})
	return err
}

// begin starts an initiator attempt and makes it the pending one.
func (c *Conn) begin(ctx context.Context) (*pending, []byte, error) {
	c.hsMu.Lock()
	defer c.hsMu.Unlock()
	if c.pending != nil {
		return nil, nil, errors.New("message: handshake already in progress")
	}
	st, hello, err := c.engine.Begin(ctx, c.Peer())
	if err != nil {
		return nil, nil, err
	}
	p := &pending{st: st, done: make(chan struct{})}
	c.pending = p
	return p, hello, nil
}

// await blocks until p settles, its step deadline passes, ctx ends or the
// Conn closes.
func (c *Conn) await(ctx context.Context, p *pending) (domain.SessionHandle, error) {
	timer := c.clock.Timer(p.st.Deadline().Sub(c.clock.Now()))
	defer timer.Stop()

	select {
	case <-p.done:
	case <-timer.C:
		c.abandon(p, c.engine.Expire(p.st))
	case <-ctx.Done():
		c.engine.Cancel(p.st)
		c.abandon(p, ctx.Err())
	case <-c.closed:
		c.engine.Cancel(p.st)
		c.abandon(p, domain.ErrTransportClosed)
	case <-c.readerDone:
		c.engine.Cancel(p.st)
		c.abandon(p, c.readErr)
	}
	return p.handle, p.err
}

// abandon settles p with err unless the reader completed it first.
func (c *Conn) abandon(p *pending, err error) {
	if p.st.Step() == handshake.StepComplete {
		// the reader settles every attempt it completes
		<-p.done
		return
	}
	if err == nil {
		err = domain.ErrHandshakeClosed
	}
	c.settle(p, domain.SessionHandle{}, err)
}

func (c *Conn) settle(p *pending, h domain.SessionHandle, err error) {
	p.once.Do(func() {
		p.handle, p.err = h, err
		close(p.done)
	})
	c.hsMu.Lock()
	if c.pending == p {
		c.pending = nil
	}
	c.hsMu.Unlock()
}

func (c *Conn) readLoop() {
	defer close(c.readerDone)
	for {
		msg, err := c.stream.Receive(c.ctx)
		if err != nil {
			c.readFailed(err)
			return
		}
		if len(msg) == 0 {
			c.deliver(inbound{err: fmt.Errorf("%w: empty message", domain.ErrMalformedMessage)})
			continue
		}
		switch msg[0] {
		case kindHandshake:
			c.onHandshake(msg[1:])
		case kindFrame:
			if err := c.onFrame(msg[1:]); errors.Is(err, domain.ErrSessionClosed) {
				c.readErr = err
				_ = c.stream.Close()
				return
			}
		default:
			c.deliver(inbound{err: fmt.Errorf("%w: unknown message kind %d", domain.ErrMalformedMessage, msg[0])})
		}
	}
}

func (c *Conn) readFailed(err error) {
	select {
	case <-c.closed:
		c.readErr = domain.ErrTransportClosed
		return
	default:
	}
	c.readErr = err
	if h := c.Handle(); h.ID != uuid.Nil && errors.Is(err, domain.ErrTransportClosed) {
		c.manager.TransportClosed(h)
	}
	c.log.Info("connection lost", zap.String("peer", string(c.Peer())), zap.Error(err))
}

func (c *Conn) onHandshake(in []byte) {
	c.hsMu.Lock()
	p := c.pending
	if p == nil {
		// no local attempt may start until the answer is queued
		defer c.hsMu.Unlock()
		c.answer(in)
		return
	}
	c.hsMu.Unlock()

	res, err := c.engine.Process(c.ctx, p.st, in)
	if err != nil {
		c.settle(p, domain.SessionHandle{}, err)
		return
	}
	if res.Keys == nil {
		return
	}
	h, err := c.install(res)
	c.settle(p, h, err)
}

// answer responds to a rotation the peer started.
func (c *Conn) answer(in []byte) {
	st, err := c.engine.Listen(c.ctx, c.Peer())
	if err != nil {
		c.log.Warn("cannot answer peer handshake", zap.Error(err))
		return
	}
	res, err := c.engine.Process(c.ctx, st, in)
	if err != nil {
		c.log.Info("peer handshake rejected",
			zap.String("peer", string(c.Peer())),
			zap.Error(err))
		return
	}
	if res.Keys == nil {
		return
	}
	if _, err := c.install(res); err != nil {
		c.log.Warn("cannot install rotated keys", zap.Error(err))
	}
}

// install activates the derived keys and queues the reply, if any, so that
// no frame under the new key is written before it. The first install opens
// the session; later ones rotate the session this Conn owns.
func (c *Conn) install(res handshake.Result) (domain.SessionHandle, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	cur := c.Handle()
	var h domain.SessionHandle
	var err error
	if cur.ID == uuid.Nil {
		h, err = c.manager.Open(*res.Keys)
	} else {
		h, err = c.manager.Rotate(cur, *res.Keys)
	}
	res.Keys.Wipe()
	if err != nil {
		return domain.SessionHandle{}, err
	}
	if res.Outbound != nil {
		if err := c.enqueue(c.ctx, res.Outbound); err != nil {
			return h, err
		}
	}

	c.mu.Lock()
	changed := c.handle != h
	c.handle, c.peer = h, h.Peer
	c.mu.Unlock()
	if changed {
		if err := c.manager.ScheduleRotation(h, domain.RotationPolicy{}, c.requestRekey); err != nil {
			return h, err
		}
	}
	return h, nil
}

func (c *Conn) onFrame(b []byte) error {
	f, err := frame.Parse(b)
	if err != nil {
		c.deliver(inbound{err: err})
		return err
	}
	pt, err := c.codec.Decode(c.Handle(), f)
	if err != nil {
		c.deliver(inbound{err: err})
		return err
	}
	c.deliver(inbound{msg: Message{Sequence: f.Sequence, AssociatedData: f.AssociatedData, Plaintext: pt}})
	return nil
}

func (c *Conn) deliver(in inbound) {
	select {
	case c.inbox <- in:
	case <-c.closed:
	}
}

// enqueue queues a handshake message without waiting for the write.
func (c *Conn) enqueue(ctx context.Context, b []byte) error {
	return c.push(ctx, outbound{ctx: c.ctx, b: append([]byte{kindHandshake}, b...)})
}

func (c *Conn) push(ctx context.Context, o outbound) error {
	select {
	case c.out <- o:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return domain.ErrTransportClosed
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case o := <-c.out:
			err := c.stream.Send(o.ctx, o.b)
			if o.errc != nil {
				o.errc <- err
			} else if err != nil {
				c.log.Debug("handshake message not sent", zap.Error(err))
			}
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) requestRekey(h domain.SessionHandle) {
	if h != c.Handle() {
		return
	}
	select {
	case c.rekeyCh <- struct{}{}:
	default:
	}
}

func (c *Conn) rekeyLoop() {
	for {
		select {
		case <-c.rekeyCh:
			if err := c.Rekey(c.ctx); err != nil {
				c.log.Warn("session rotation failed",
					zap.String("peer", string(c.Peer())),
					zap.Error(err))
				c.manager.RotationFailed(c.Handle())
			}
		case <-c.closed:
			return
		}
	}
}
