package shutdown

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"
)

// Phases used by the dispatch stack. Any int works; lower runs first.
const (
	PhaseIntake    = 10 // stop accepting work: listeners, HTTP servers
	PhaseDispatch  = 20 // cancel and drain in-flight tasks
	PhaseTransport = 30 // event bus, relays, backend connections
	PhaseStorage   = 40 // conversation stores, indexes
	PhaseNetwork   = 45 // shared connections the stores depend on
	PhaseTelemetry = 50 // flush trace exporters last
)

var (
	// ErrTimeout is returned when the context ends before every phase ran.
	ErrTimeout = errors.New("shutdown timeout exceeded")

	// ErrStepFailed wraps the first step error.
	ErrStepFailed = errors.New("shutdown step failed")
)

// StepFunc tears down one component.
type StepFunc func(ctx context.Context) error

// Close adapts an io.Closer style method.
func Close(fn func() error) StepFunc {
	return func(context.Context) error { return fn() }
}

// StepResult reports one step.
type StepResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// Config configures a Sequence.
type Config struct {
	// Timeout is used by RunWithTimeout when given zero. Default 30s.
	Timeout time.Duration

	// ContinueOnError runs later phases after a failed step.
	ContinueOnError bool

	// OnStep is called after each step completes.
	OnStep func(StepResult)
}

type step struct {
	name  string
	phase int
	fn    StepFunc
	order int
}

// Sequence is an ordered set of teardown steps.
type Sequence struct {
	cfg Config

	mu    sync.Mutex
	steps []step

	once    sync.Once
	done    chan struct{}
	err     error
	results []StepResult
}

// New creates an empty sequence.
func New(cfg Config) *Sequence {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Sequence{cfg: cfg, done: make(chan struct{})}
}

// Add registers fn under phase. A nil fn is ignored.
func (s *Sequence) Add(phase int, name string, fn StepFunc) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, step{name: name, phase: phase, fn: fn, order: len(s.steps)})
}

// Run executes every phase in order. It runs once; later calls wait for
// and return the first run's error.
func (s *Sequence) Run(ctx context.Context) error {
	s.once.Do(func() {
		s.err = s.run(ctx)
		close(s.done)
	})
	<-s.done
	return s.err
}

// RunWithTimeout calls Run with a deadline. Zero uses the configured timeout.
func (s *Sequence) RunWithTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = s.cfg.Timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Run(ctx)
}

// Done is closed once Run finishes.
func (s *Sequence) Done() <-chan struct{} {
	return s.done
}

// Results returns per-step results in execution order, or nil before
// Run finishes.
func (s *Sequence) Results() []StepResult {
	select {
	case <-s.done:
		out := make([]StepResult, len(s.results))
		copy(out, s.results)
		return out
	default:
		return nil
	}
}

func (s *Sequence) run(ctx context.Context) error {
	s.mu.Lock()
	steps := make([]step, len(s.steps))
	copy(steps, s.steps)
	s.mu.Unlock()

	sort.SliceStable(steps, func(i, j int) bool {
		if steps[i].phase != steps[j].phase {
			return steps[i].phase < steps[j].phase
		}
		return steps[i].order < steps[j].order
	})

	var first error
	for start := 0; start < len(steps); {
		end := start
		for end < len(steps) && steps[end].phase == steps[start].phase {
			end++
		}
		if ctx.Err() != nil {
			return ErrTimeout
		}

		results := s.runPhase(ctx, steps[start:end])
		s.results = append(s.results, results...)
		for _, r := range results {
			if r.Err != nil && first == nil {
				first = errors.Join(ErrStepFailed, r.Err)
			}
		}
		if first != nil && !s.cfg.ContinueOnError {
			return first
		}
		start = end
	}
	return first
}

func (s *Sequence) runPhase(ctx context.Context, steps []step) []StepResult {
	results := make([]StepResult, len(steps))
	var wg sync.WaitGroup
	for i, st := range steps {
		wg.Add(1)
		go func() {
			defer wg.Done()
			began := time.Now()
			err := st.fn(ctx)
			results[i] = StepResult{
				Name:     st.name,
				Phase:    st.phase,
				Duration: time.Since(began),
				Err:      err,
			}
			if s.cfg.OnStep != nil {
				s.cfg.OnStep(results[i])
			}
		}()
	}
	wg.Wait()
	return results
}

// SignalContext returns a context canceled on SIGINT or SIGTERM.
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
