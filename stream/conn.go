package stream

import (
	"context"
	"errors"
	"sync"
)

// ErrConnClosed is returned by Next after Close.
var ErrConnClosed = errors.New("stream connection closed")

// Dialer opens the push connection for an execution.
type Dialer interface {
	Dial(ctx context.Context, executionID string) (Conn, error)
}

// Conn is an open push connection.
type Conn interface {
	// Next blocks until the next event arrives, the connection fails or
	// ctx is done.
	Next(ctx context.Context) (Event, error)

	// Close releases the connection. It is safe to call more than once.
	Close() error
}

// frame is one decoded read result.
type frame struct {
	ev  Event
	err error
}

// reader adapts a blocking read loop to Next with context support. The
// loop goroutine is started by the transport and stops once done closes.
type reader struct {
	frames chan frame
	done   chan struct{}

	closeOnce sync.Once
	closeFn   func() error
	closeErr  error
}

func newReader(closeFn func() error) *reader {
	return &reader{
		frames:  make(chan frame),
		done:    make(chan struct{}),
		closeFn: closeFn,
	}
}

// deliver hands a read result to Next. Returns false once closed.
func (r *reader) deliver(f frame) bool {
	select {
	case r.frames <- f:
		return true
	case <-r.done:
		return false
	}
}

func (r *reader) Next(ctx context.Context) (Event, error) {
	select {
	case f := <-r.frames:
		return f.ev, f.err
	case <-r.done:
		return nil, ErrConnClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *reader) Close() error {
	r.closeOnce.Do(func() {
		close(r.done)
		if r.closeFn != nil {
			r.closeErr = r.closeFn()
		}
	})
	return r.closeErr
}
