package dispatch

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/vinayprograms/dispatchkit/backend"
	"github.com/vinayprograms/dispatchkit/conversation"
	"github.com/vinayprograms/dispatchkit/errors"
	"github.com/vinayprograms/dispatchkit/events"
	"github.com/vinayprograms/dispatchkit/logging"
	"github.com/vinayprograms/dispatchkit/slots"
	"github.com/vinayprograms/dispatchkit/stream"
	"github.com/vinayprograms/dispatchkit/taskid"
	"github.com/vinayprograms/dispatchkit/telemetry"
	"github.com/vinayprograms/dispatchkit/tracker"
)

// ErrClosed is returned by operations on a closed Dispatcher.
var ErrClosed = stderrors.New("dispatcher closed")

// appendTimeout bounds one conversation store append.
const appendTimeout = 10 * time.Second

// Submitter sends a task to the execution backend.
type Submitter interface {
	Submit(ctx context.Context, req backend.SubmitRequest) (backend.SubmitResponse, error)
}

// Request describes a task to dispatch.
type Request struct {
	AgentID        string
	AgentName      string
	AgentEmoji     string
	InstanceID     string
	ConversationID string
	InputText      string
	WorkingDir     string
	Provider       string
}

// Validate checks required fields.
func (r Request) Validate() error {
	switch {
	case r.AgentID == "":
		return errors.InvalidInput("agent id is required")
	case r.InstanceID == "":
		return errors.InvalidInput("instance id is required")
	case strings.TrimSpace(r.InputText) == "":
		return errors.InvalidInput("input text is required")
	}
	return nil
}

// Config holds dispatcher settings.
type Config struct {
	// Capacity is the number of tasks executing at once. Non-positive
	// means slots.DefaultCapacity.
	Capacity int

	// InactivityTimeout fails a running task whose push connection is
	// silent for this long. Zero disables the check.
	InactivityTimeout time.Duration

	// Retention is how long terminal tasks stay queryable. Zero keeps
	// them forever.
	Retention time.Duration

	// Transport names the push transport in logs and spans.
	Transport string
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Capacity:          slots.DefaultCapacity,
		InactivityTimeout: stream.DefaultInactivityTimeout,
		Retention:         30 * time.Minute,
		Transport:         "sse",
	}
}

// Stats is a snapshot of dispatcher load.
type Stats struct {
	Capacity int
	Occupied int
	Waiting  int
	Tracked  int
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithSubmitter sets the backend submission client. Required.
func WithSubmitter(s Submitter) Option {
	return func(d *Dispatcher) {
		d.submitter = s
	}
}

// WithDialer sets the push connection dialer. Required.
func WithDialer(dl stream.Dialer) Option {
	return func(d *Dispatcher) {
		d.dialer = dl
	}
}

// WithStore sets the conversation store completed tasks are appended to.
func WithStore(s conversation.Store) Option {
	return func(d *Dispatcher) {
		d.store = s
	}
}

// WithBus publishes events on an existing bus. The caller owns it.
func WithBus(b *events.Bus) Option {
	return func(d *Dispatcher) {
		d.bus = b
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = l
	}
}

// WithTracer sets the tracer used for task spans.
func WithTracer(t *telemetry.Tracer) Option {
	return func(d *Dispatcher) {
		d.tracer = t
	}
}

// WithIDGenerator overrides task identifier allocation.
func WithIDGenerator(fn func() string) Option {
	return func(d *Dispatcher) {
		d.newID = fn
	}
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		d.now = now
	}
}

// Dispatcher is the task execution coordinator.
//
// mu serializes every tracker mutation with the event it publishes, so
// subscribers see each task's events in the order they were applied.
// Slot pool calls are made with mu held; the pool's callbacks rely on it.
type Dispatcher struct {
	cfg       Config
	submitter Submitter
	dialer    stream.Dialer
	store     conversation.Store
	bus       *events.Bus
	ownsBus   bool
	tracker   *tracker.Tracker
	slots     *slots.Manager
	logger    *logging.Logger
	tracer    *telemetry.Tracer
	newID     func() string
	now       func() time.Time

	mu     sync.Mutex
	runs   map[string]*run
	spans  map[string]taskSpan
	closed bool
	wg     sync.WaitGroup
}

// run is one task's execution goroutine. canceled is guarded by
// Dispatcher.mu; done closes once the outcome is recorded.
type run struct {
	taskID     string
	ctx        context.Context
	cancel     context.CancelFunc
	canceled   bool
	done       chan struct{}
	finishOnce sync.Once
}

type taskSpan struct {
	ctx  context.Context
	span trace.Span
}

// New creates a Dispatcher.
func New(cfg Config, opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{
		cfg:   cfg,
		runs:  make(map[string]*run),
		spans: make(map[string]taskSpan),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.submitter == nil {
		return nil, fmt.Errorf("dispatch: submitter required")
	}
	if d.dialer == nil {
		return nil, fmt.Errorf("dispatch: dialer required")
	}
	if d.logger == nil {
		d.logger = logging.New().WithComponent("dispatch")
	}
	if d.tracer == nil {
		d.tracer = telemetry.GetTracer()
	}
	if d.newID == nil {
		d.newID = taskid.New
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.bus == nil {
		d.bus = events.NewBus()
		d.ownsBus = true
	}
	if d.cfg.Transport == "" {
		d.cfg.Transport = DefaultConfig().Transport
	}

	d.tracker = tracker.New(
		tracker.WithRetention(cfg.Retention),
		tracker.WithClock(d.now),
	)
	d.slots = slots.New(cfg.Capacity,
		slots.WithStarter(d.startLocked),
		slots.WithPositionObserver(d.queuePositionLocked),
		slots.WithCancelHook(d.stopRunLocked),
		slots.WithLogger(d.logger.WithComponent("slots")),
	)
	return d, nil
}

// Dispatch records a task and starts it, or queues it when every slot is
// busy. It returns the task ID without waiting for execution.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	id := d.newID()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return "", ErrClosed
	}

	task, err := d.tracker.Create(tracker.Task{
		TaskID:         id,
		AgentID:        req.AgentID,
		AgentName:      req.AgentName,
		AgentEmoji:     req.AgentEmoji,
		InstanceID:     req.InstanceID,
		ConversationID: req.ConversationID,
		InputText:      req.InputText,
		WorkingDir:     req.WorkingDir,
		Provider:       req.Provider,
	})
	if err != nil {
		return "", errors.Wrap(err, "record task", errors.WithTaskID(id))
	}
	d.logger.TaskCreated(id, req.AgentID, req.InstanceID)
	d.publish(events.FromTransition(tracker.Transition{
		Task:    task,
		To:      task.Status,
		Changed: true,
		Created: true,
	}))

	spanCtx, span := d.tracer.StartTaskSpan(context.WithoutCancel(ctx), telemetry.TaskSpanOptions{
		TaskID:         id,
		AgentID:        req.AgentID,
		InstanceID:     req.InstanceID,
		ConversationID: req.ConversationID,
		Input:          req.InputText,
	})
	d.spans[id] = taskSpan{ctx: spanCtx, span: span}

	if grant, _ := d.slots.TryAcquire(id); grant == slots.Granted {
		d.startLocked(id)
	}
	return id, nil
}

// Cancel stops a waiting or running task and records it as canceled.
// For a running task it returns once the push connection is closed and
// the slot is released. Returns tracker.ErrTaskNotFound or
// tracker.ErrAlreadyTerminal.
func (d *Dispatcher) Cancel(taskID string) error {
	d.mu.Lock()
	task, err := d.tracker.Get(taskID)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	if task.IsTerminal() {
		d.mu.Unlock()
		return tracker.ErrAlreadyTerminal
	}

	if r, ok := d.runs[taskID]; ok {
		if r.canceled {
			d.mu.Unlock()
			return tracker.ErrAlreadyTerminal
		}
		r.canceled = true
		r.cancel()
		d.mu.Unlock()
		<-r.done
		return nil
	}
	defer d.mu.Unlock()

	tr, err := d.tracker.Cancel(taskID)
	if err != nil {
		return err
	}
	d.slots.Cancel(taskID)
	d.publish(events.FromTransition(tr))
	d.endSpanLocked(tr.Task)
	d.logger.TaskTerminal(taskID, string(tr.To), time.Duration(tr.Task.DurationMs)*time.Millisecond, tr.Task.Error)
	return nil
}

// Ingest applies an out-of-band push event. Unknown tasks are created
// from the event; terminal tasks are left untouched. A local task moved
// to a terminal state gives up its slot.
func (d *Dispatcher) Ingest(u tracker.Update) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}
	tr, err := d.tracker.Apply(u)
	if err != nil {
		return err
	}
	if !tr.Changed {
		return nil
	}

	if tr.StatusChanged() {
		d.publish(events.FromTransition(tr))
	}
	if u.Progress != "" {
		d.publish(events.FromTask(events.KindProgress, tr.Task))
	}
	if u.Chunk != "" {
		ev := events.FromTask(events.KindChunk, tr.Task)
		ev.Chunk = u.Chunk
		d.publish(ev)
	}

	if tr.To.IsTerminal() && !tr.Created {
		// A running task keeps its slot until its connection is closed.
		if _, running := d.runs[u.TaskID]; running {
			d.stopRunLocked(u.TaskID)
		} else {
			d.slots.Cancel(u.TaskID)
		}
		d.endSpanLocked(tr.Task)
	}
	return nil
}

// Subscribe returns events matching f and a function that stops delivery.
// Only events published after the call are delivered.
func (d *Dispatcher) Subscribe(f events.Filter) (<-chan events.Event, func()) {
	sub := d.bus.Subscribe()
	return sub.Filtered(f), func() { d.bus.Unsubscribe(sub) }
}

// Bus returns the event bus the dispatcher publishes on.
func (d *Dispatcher) Bus() *events.Bus {
	return d.bus
}

// Get returns a copy of a task.
func (d *Dispatcher) Get(taskID string) (*tracker.Task, error) {
	return d.tracker.Get(taskID)
}

// List returns copies of the tasks matching f, oldest first.
func (d *Dispatcher) List(f tracker.Filter) []*tracker.Task {
	return d.tracker.List(f)
}

// Stats returns a snapshot of slot usage and tracked tasks.
func (d *Dispatcher) Stats() Stats {
	s := d.slots.Stats()
	return Stats{
		Capacity: s.Capacity,
		Occupied: s.Occupied,
		Waiting:  s.Waiting,
		Tracked:  d.tracker.Len(),
	}
}

// Close cancels every waiting and running task and waits for execution
// goroutines to exit. Later calls to Dispatch return ErrClosed.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true

	for _, id := range d.slots.Drain() {
		tr, err := d.tracker.Cancel(id)
		if err != nil {
			continue
		}
		d.publish(events.FromTransition(tr))
		d.endSpanLocked(tr.Task)
	}
	for _, r := range d.runs {
		r.canceled = true
		r.cancel()
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	if d.ownsBus {
		if berr := d.bus.Close(); err == nil {
			err = berr
		}
	}
	return err
}

// startLocked launches the execution goroutine for a task holding a slot.
func (d *Dispatcher) startLocked(taskID string) {
	if tr, err := d.tracker.MarkQueued(taskID, 0); err == nil && tr.Changed {
		d.publish(events.FromTask(events.KindQueue, tr.Task))
	}
	task, err := d.tracker.Get(taskID)
	if err != nil {
		task = &tracker.Task{TaskID: taskID, Status: tracker.StatusError}
	}

	base := context.Background()
	if sp, ok := d.spans[taskID]; ok {
		base = sp.ctx
		d.tracer.TaskStarted(sp.span)
	}
	ctx, cancel := context.WithCancel(base)
	r := &run{taskID: taskID, ctx: ctx, cancel: cancel, done: make(chan struct{})}
	d.runs[taskID] = r

	d.wg.Add(1)
	go d.execute(r, task)
}

// queuePositionLocked records a waiter's new position.
func (d *Dispatcher) queuePositionLocked(taskID string, position int) {
	tr, err := d.tracker.MarkQueued(taskID, position)
	if err != nil || !tr.Changed {
		return
	}
	d.publish(events.FromTask(events.KindQueue, tr.Task))
	if sp, ok := d.spans[taskID]; ok && position > 0 {
		d.tracer.TaskQueued(sp.span, position)
	}
}

// stopRunLocked tears down a running task's session.
func (d *Dispatcher) stopRunLocked(taskID string) {
	if r, ok := d.runs[taskID]; ok {
		r.cancel()
	}
}

// execute submits the task, then follows its push stream to the end.
func (d *Dispatcher) execute(r *run, task *tracker.Task) {
	defer d.wg.Done()
	defer func() {
		if p := recover(); p != nil {
			d.logger.Error("task execution panicked", map[string]interface{}{
				"task":  r.taskID,
				"panic": fmt.Sprint(p),
			})
			d.finish(r, stream.Outcome{
				Status: tracker.StatusError,
				Kind:   tracker.KindInternal,
				Err:    errors.Internal(fmt.Sprintf("task execution panicked: %v", p), errors.WithTaskID(r.taskID)),
			})
		}
	}()

	if task.IsTerminal() {
		d.finish(r, stream.Outcome{Status: task.Status, Kind: task.ErrorKind})
		return
	}

	subCtx, subSpan := d.tracer.StartSubmitSpan(r.ctx, task.TaskID)
	resp, err := d.submitter.Submit(subCtx, backend.SubmitRequest{
		TaskID:           task.TaskID,
		AgentID:          task.AgentID,
		InstanceID:       task.InstanceID,
		ConversationID:   task.ConversationID,
		InputText:        task.InputText,
		WorkingDirectory: task.WorkingDir,
		Provider:         task.Provider,
	})
	d.tracer.EndSubmitSpan(subSpan, resp.ExecutionID, err)
	if err == nil && r.ctx.Err() != nil {
		err = errors.Canceled(task.TaskID)
	}
	if err != nil {
		d.finish(r, submitFailure(r.ctx, task.TaskID, err))
		return
	}

	d.mu.Lock()
	tr, err := d.tracker.MarkSubmitted(task.TaskID, resp.ExecutionID)
	if err == nil && tr.Changed {
		d.publish(events.FromTransition(tr))
	}
	d.mu.Unlock()
	if err != nil {
		d.finish(r, stream.Outcome{
			Status: tracker.StatusError,
			Kind:   tracker.KindCanceled,
			Err:    errors.Canceled(task.TaskID),
		})
		return
	}
	d.logger.TaskStarted(task.TaskID, resp.ExecutionID)

	streamCtx, streamSpan := d.tracer.StartStreamSpan(r.ctx, resp.ExecutionID, d.cfg.Transport)
	session := stream.NewSession(stream.SessionConfig{
		TaskID:      task.TaskID,
		ExecutionID: resp.ExecutionID,
		Transport:   d.cfg.Transport,
		Dialer:      d.dialer,
		Handler: stream.HandlerFuncs{
			OnProgress: func(text string) { d.progress(task.TaskID, text) },
			OnState:    func(s tracker.Status) { d.state(task.TaskID, s) },
			OnChunk:    func(text string) { d.chunk(task.TaskID, text) },
		},
		InactivityTimeout: d.cfg.InactivityTimeout,
		Release: func(out stream.Outcome) {
			streamSpan.End()
			d.finish(r, out)
		},
		Logger: d.logger,
	})
	session.Run(streamCtx)
}

// submitFailure classifies a submission error.
func submitFailure(ctx context.Context, taskID string, err error) stream.Outcome {
	if ctx.Err() != nil || errors.Is(err, errors.ErrCodeCanceled) {
		return stream.Outcome{
			Status: tracker.StatusError,
			Kind:   tracker.KindCanceled,
			Err:    errors.Canceled(taskID),
		}
	}
	return stream.Outcome{
		Status: tracker.StatusError,
		Kind:   tracker.KindSubmission,
		Err:    err,
	}
}

func (d *Dispatcher) state(taskID string, s tracker.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var (
		tr  tracker.Transition
		err error
	)
	switch s {
	case tracker.StatusPending:
		tr, err = d.tracker.MarkPending(taskID)
	case tracker.StatusProcessing:
		tr, err = d.tracker.MarkProcessing(taskID)
	default:
		return
	}
	if err == nil && tr.StatusChanged() {
		d.publish(events.FromTransition(tr))
	}
}

func (d *Dispatcher) progress(taskID, text string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	tr, err := d.tracker.SetProgress(taskID, text)
	if err == nil && tr.Changed {
		d.publish(events.FromTask(events.KindProgress, tr.Task))
	}
}

func (d *Dispatcher) chunk(taskID, text string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	tr, err := d.tracker.AppendOutput(taskID, text)
	if err == nil && tr.Changed {
		ev := events.FromTask(events.KindChunk, tr.Task)
		ev.Chunk = text
		d.publish(ev)
	}
}

// finish records the terminal outcome once, frees the slot, then
// broadcasts.
func (d *Dispatcher) finish(r *run, out stream.Outcome) {
	r.finishOnce.Do(func() {
		defer close(r.done)

		d.mu.Lock()
		var (
			tr  tracker.Transition
			err error
		)
		switch {
		case r.canceled:
			tr, err = d.tracker.Cancel(r.taskID)
		case out.Status == tracker.StatusCompleted:
			tr, err = d.tracker.Complete(r.taskID, out.Result, time.Duration(out.DurationMs)*time.Millisecond)
		case out.Kind == tracker.KindCanceled:
			tr, err = d.tracker.Cancel(r.taskID)
		default:
			kind := out.Kind
			if kind == "" {
				kind = tracker.KindInternal
			}
			msg := out.Message()
			if msg == "" {
				msg = errors.ErrCodeInternal.Description()
			}
			tr, err = d.tracker.Fail(r.taskID, kind, msg)
		}
		d.slots.Release(r.taskID)
		delete(d.runs, r.taskID)
		r.cancel()
		if err == nil {
			d.publish(events.FromTransition(tr))
			d.endSpanLocked(tr.Task)
		}
		d.mu.Unlock()

		if err != nil {
			return
		}
		task := tr.Task
		if task.Status == tracker.StatusCompleted {
			d.appendConversation(task)
		}
		d.logger.TaskTerminal(task.TaskID, string(task.Status), time.Duration(task.DurationMs)*time.Millisecond, task.Error)
	})
}

// appendConversation records a completed exchange. Failures are logged
// and never change the task's outcome.
func (d *Dispatcher) appendConversation(task *tracker.Task) {
	if d.store == nil || task.ConversationID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
	defer cancel()

	ex := conversation.Exchange{
		ConversationID: task.ConversationID,
		TaskID:         task.TaskID,
		AgentID:        task.AgentID,
		InstanceID:     task.InstanceID,
		Input:          task.InputText,
		Result:         task.Result,
		CompletedAt:    task.CompletedAt,
		DurationMs:     task.DurationMs,
	}
	if err := d.store.Append(ctx, task.ConversationID, ex.Records()...); err != nil {
		d.logger.ConversationAppendFailed(task.TaskID, task.ConversationID, err)
	}
}

func (d *Dispatcher) endSpanLocked(task *tracker.Task) {
	sp, ok := d.spans[task.TaskID]
	if !ok {
		return
	}
	delete(d.spans, task.TaskID)

	var err error
	if task.Status == tracker.StatusError {
		err = stderrors.New(task.Error)
	}
	d.tracer.EndTaskSpan(sp.span, telemetry.TaskResult{
		Status:     string(task.Status),
		ErrorKind:  string(task.ErrorKind),
		DurationMs: task.DurationMs,
		Result:     task.Result,
	}, err)
}

func (d *Dispatcher) publish(ev events.Event) {
	if err := d.bus.Publish(ev); err != nil {
		d.logger.Debug("event dropped", map[string]interface{}{
			"task":  ev.TaskID,
			"kind":  string(ev.Kind),
			"error": err.Error(),
		})
	}
}
