package stream

import (
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/dispatchkit/errors"
	"github.com/vinayprograms/dispatchkit/logging"
	"github.com/vinayprograms/dispatchkit/tracker"
)

// DefaultInactivityTimeout fails a session whose connection stays silent.
const DefaultInactivityTimeout = 2 * time.Minute

// ProgressConnected is the progress note emitted when the stream opens.
const ProgressConnected = "connected"

// Handler receives non-terminal stream activity in arrival order.
type Handler interface {
	// Progress reports a free-text status note.
	Progress(text string)

	// State reports that the worker moved to pending or processing.
	State(status tracker.Status)

	// Chunk reports an incremental piece of output.
	Chunk(text string)
}

// HandlerFuncs adapts functions to Handler. Nil fields are ignored.
type HandlerFuncs struct {
	OnProgress func(text string)
	OnState    func(status tracker.Status)
	OnChunk    func(text string)
}

func (h HandlerFuncs) Progress(text string) {
	if h.OnProgress != nil {
		h.OnProgress(text)
	}
}

func (h HandlerFuncs) State(status tracker.Status) {
	if h.OnState != nil {
		h.OnState(status)
	}
}

func (h HandlerFuncs) Chunk(text string) {
	if h.OnChunk != nil {
		h.OnChunk(text)
	}
}

// Outcome is how a session ended.
type Outcome struct {
	// Status is completed or error.
	Status tracker.Status

	// Result and DurationMs are set on completion.
	Result     string
	DurationMs int64

	// Kind and Err are set on error.
	Kind tracker.ErrorKind
	Err  error

	// Output is every chunk received, in order.
	Output string

	// Received reports whether any data arrived before the session ended.
	Received bool
}

// Message returns the human-readable error text, or "".
func (o Outcome) Message() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// SessionConfig configures a Session.
type SessionConfig struct {
	TaskID      string
	ExecutionID string
	Transport   string

	Dialer  Dialer
	Handler Handler

	// InactivityTimeout fails the session when no event arrives for this
	// long. Zero disables the check.
	InactivityTimeout time.Duration

	// Release runs exactly once when the session ends, after the
	// connection is closed.
	Release func(Outcome)

	Logger *logging.Logger
}

// Session is one task's push connection. Sessions are never reused.
type Session struct {
	cfg    SessionConfig
	logger *logging.Logger

	started     atomic.Bool
	canceled    atomic.Bool
	cancelCh    chan struct{}
	cancelOnce  sync.Once
	releaseOnce sync.Once
}

// NewSession creates a session. Handler may be nil.
func NewSession(cfg SessionConfig) *Session {
	if cfg.Handler == nil {
		cfg.Handler = HandlerFuncs{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.New()
	}
	return &Session{
		cfg:      cfg,
		logger:   logger.WithComponent("stream"),
		cancelCh: make(chan struct{}),
	}
}

// Cancel tears the session down. Run returns a canceled outcome.
func (s *Session) Cancel() {
	s.cancelOnce.Do(func() {
		s.canceled.Store(true)
		close(s.cancelCh)
	})
}

// Run opens the connection and reads events until a result or error
// arrives, or the connection ends. The end marker is not awaited after a
// result. Non-terminal activity goes to Handler.
func (s *Session) Run(ctx context.Context) (out Outcome) {
	if !s.started.CompareAndSwap(false, true) {
		return Outcome{
			Status: tracker.StatusError,
			Kind:   tracker.KindInternal,
			Err:    errors.Internal("stream session reused", errors.WithTaskID(s.cfg.TaskID)),
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.cancelCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	var output strings.Builder
	defer func() {
		out.Output = output.String()
		s.release(out)
	}()

	conn, err := s.cfg.Dialer.Dial(ctx, s.cfg.ExecutionID)
	if err != nil {
		return s.failure(ctx, err, false, false)
	}
	defer conn.Close()

	s.logger.StreamOpened(s.cfg.TaskID, s.cfg.Transport)
	s.cfg.Handler.Progress(ProgressConnected)

	var received bool
	for {
		ev, err := s.next(ctx, conn)
		if err != nil {
			if IsDecodeError(err) {
				s.logger.Warn("skipping stream event", map[string]interface{}{
					"task":  s.cfg.TaskID,
					"error": err.Error(),
				})
				continue
			}
			return s.failure(ctx, err, received, stderrors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil)
		}

		switch e := ev.(type) {
		case Connected:
		case Status:
			received = true
			if e.State != "" {
				s.cfg.Handler.State(e.State)
			}
			if e.Text != "" {
				s.cfg.Handler.Progress(e.Text)
			}
		case Chunk:
			received = true
			output.WriteString(e.Text)
			s.cfg.Handler.Chunk(e.Text)
		case Result:
			result := e.Output
			if result == "" {
				result = output.String()
			}
			s.logger.StreamClosed(s.cfg.TaskID, "result")
			return Outcome{
				Status:     tracker.StatusCompleted,
				Result:     result,
				DurationMs: e.DurationMs,
				Received:   true,
			}
		case Failure:
			s.logger.StreamClosed(s.cfg.TaskID, "execution failed")
			return Outcome{
				Status:   tracker.StatusError,
				Kind:     tracker.KindExecution,
				Err:      errors.Execution(s.cfg.TaskID, e.Message),
				Received: true,
			}
		case End:
			s.logger.StreamClosed(s.cfg.TaskID, "end")
			return Outcome{
				Status:   tracker.StatusError,
				Kind:     tracker.KindConnection,
				Err:      errors.Connection(s.cfg.TaskID, "stream ended without a result"),
				Received: received,
			}
		}
	}
}

// next reads one event, bounded by the inactivity timeout.
func (s *Session) next(ctx context.Context, conn Conn) (Event, error) {
	if s.cfg.InactivityTimeout <= 0 {
		return conn.Next(ctx)
	}
	nctx, cancel := context.WithTimeout(ctx, s.cfg.InactivityTimeout)
	defer cancel()
	return conn.Next(nctx)
}

// failure classifies a connection-level error.
func (s *Session) failure(ctx context.Context, err error, received, timedOut bool) Outcome {
	out := Outcome{Status: tracker.StatusError, Received: received}
	switch {
	case s.canceled.Load() || ctx.Err() != nil:
		out.Kind = tracker.KindCanceled
		out.Err = errors.Canceled(s.cfg.TaskID)
		s.logger.StreamClosed(s.cfg.TaskID, "canceled")
	case timedOut:
		out.Kind = tracker.KindTimeout
		out.Err = errors.Timeout(s.cfg.TaskID, s.cfg.InactivityTimeout)
		s.logger.StreamClosed(s.cfg.TaskID, "inactivity timeout")
	case !received:
		out.Kind = tracker.KindSubmission
		out.Err = errors.Submission(s.cfg.TaskID, "push connection failed before any data", errors.WithCause(err))
		s.logger.StreamClosed(s.cfg.TaskID, "connection failed")
	default:
		out.Kind = tracker.KindConnection
		out.Err = errors.Connection(s.cfg.TaskID, "push connection lost", errors.WithCause(err))
		s.logger.StreamClosed(s.cfg.TaskID, "connection lost")
	}
	return out
}

func (s *Session) release(out Outcome) {
	s.releaseOnce.Do(func() {
		if s.cfg.Release != nil {
			s.cfg.Release(out)
		}
	})
}
