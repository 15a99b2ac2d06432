package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/libp2p/go-msgio"

	"heron/internal/domain"
)

// DefaultMaxMessageSize bounds a single message on the wire.
const DefaultMaxMessageSize = 1 << 20

type deadliner interface {
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
}

// Stream sends and receives length-prefixed messages. Send and Receive may
// be used from different goroutines.
type Stream struct {
	conn io.ReadWriteCloser
	r    msgio.ReadCloser
	w    msgio.WriteCloser

	wmu sync.Mutex
	rmu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// NewStream wraps conn. A non-positive maxSize selects DefaultMaxMessageSize.
func NewStream(conn io.ReadWriteCloser, maxSize int) *Stream {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	return &Stream{
		conn: conn,
		r:    msgio.NewReaderSize(conn, maxSize),
		w:    msgio.NewWriter(conn),
	}
}

// Send writes b as one message. The context deadline, when present, bounds
// the write on connections that support deadlines.
func (s *Stream) Send(ctx context.Context, b []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if d, ok := s.conn.(deadliner); ok {
		dl, _ := ctx.Deadline()
		_ = d.SetWriteDeadline(dl)
	}
	if err := s.w.WriteMsg(b); err != nil {
		return classify(err)
	}
	return nil
}

// Receive blocks until the next message arrives. The returned slice is
// owned by the caller.
func (s *Stream) Receive(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.rmu.Lock()
	defer s.rmu.Unlock()
	if d, ok := s.conn.(deadliner); ok {
		dl, _ := ctx.Deadline()
		_ = d.SetReadDeadline(dl)
	}
	msg, err := s.r.ReadMsg()
	if err != nil {
		return nil, classify(err)
	}
	out := make([]byte, len(msg))
	copy(out, msg)
	s.r.ReleaseMsg(msg)
	return out, nil
}

// Close closes the underlying connection. Further calls return the first
// result.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() { s.closeErr = s.conn.Close() })
	return s.closeErr
}

func classify(err error) error {
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, net.ErrClosed):
		return fmt.Errorf("%w: %v", domain.ErrTransportClosed, err)
	case errors.Is(err, msgio.ErrMsgTooLarge):
		return fmt.Errorf("%w: %v", domain.ErrMalformedMessage, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrTransportClosed, err)
}
