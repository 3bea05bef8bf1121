package tracker

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Option configures a Tracker.
type Option func(*Tracker)

// WithRetention sets how long terminal tasks are kept. Zero keeps them forever.
func WithRetention(d time.Duration) Option {
	return func(t *Tracker) {
		t.retention = d
	}
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// Tracker is the in-memory map from task ID to task record.
type Tracker struct {
	mu         sync.RWMutex
	tasks      map[string]*Task
	tombstones map[string]time.Time
	retention  time.Duration
	now        func() time.Time
}

// New creates an empty Tracker.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		tasks:      make(map[string]*Task),
		tombstones: make(map[string]time.Time),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Create records a new task in the inputted state.
func (t *Tracker) Create(task Task) (*Task, error) {
	if task.TaskID == "" {
		return nil, fmt.Errorf("%w: task id required", ErrInvalidTask)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.purgeLocked(now)

	if _, exists := t.tasks[task.TaskID]; exists {
		return nil, ErrDuplicateTask
	}

	rec := task.Clone()
	rec.Status = StatusInputted
	rec.CreatedAt = now
	rec.UpdatedAt = now
	rec.ExecutionID = ""
	rec.QueuePosition = 0
	rec.Progress = ""
	rec.Output = ""
	rec.Result = ""
	rec.Error = ""
	rec.ErrorKind = ""
	rec.Canceled = false
	rec.Remote = false
	rec.CompletedAt = time.Time{}
	rec.DurationMs = 0
	t.tasks[rec.TaskID] = rec

	return rec.Clone(), nil
}

// MarkSubmitted records the backend's acknowledgement.
func (t *Tracker) MarkSubmitted(id, executionID string) (Transition, error) {
	return t.mutate(id, func(rec *Task) bool {
		changed := rec.ExecutionID != executionID || rec.QueuePosition != 0
		rec.ExecutionID = executionID
		rec.QueuePosition = 0
		return advance(rec, StatusSubmitted) || changed
	})
}

// MarkQueued records the task's wait list position. Position 0 clears it.
// Only tasks that have not been submitted can be queued.
func (t *Tracker) MarkQueued(id string, position int) (Transition, error) {
	return t.mutate(id, func(rec *Task) bool {
		if rec.Status != StatusInputted || rec.QueuePosition == position {
			return false
		}
		rec.QueuePosition = position
		return true
	})
}

// MarkPending records that a remote worker was assigned.
func (t *Tracker) MarkPending(id string) (Transition, error) {
	return t.mutate(id, func(rec *Task) bool {
		return advance(rec, StatusPending)
	})
}

// MarkProcessing records that the remote worker started executing.
func (t *Tracker) MarkProcessing(id string) (Transition, error) {
	return t.mutate(id, func(rec *Task) bool {
		return advance(rec, StatusProcessing)
	})
}

// SetProgress replaces the progress note without changing status.
func (t *Tracker) SetProgress(id, text string) (Transition, error) {
	return t.mutate(id, func(rec *Task) bool {
		if rec.Progress == text {
			return false
		}
		rec.Progress = text
		return true
	})
}

// AppendOutput appends a streamed chunk to the task's output.
func (t *Tracker) AppendOutput(id, chunk string) (Transition, error) {
	return t.mutate(id, func(rec *Task) bool {
		if chunk == "" {
			return false
		}
		rec.Output += chunk
		return true
	})
}

// Complete moves the task to completed. A positive serverDuration is
// preferred over the locally measured duration.
func (t *Tracker) Complete(id, result string, serverDuration time.Duration) (Transition, error) {
	return t.mutate(id, func(rec *Task) bool {
		t.completeLocked(rec, result, serverDuration.Milliseconds())
		return true
	})
}

// Fail moves the task to error.
func (t *Tracker) Fail(id string, kind ErrorKind, message string) (Transition, error) {
	return t.mutate(id, func(rec *Task) bool {
		t.failLocked(rec, kind, message)
		return true
	})
}

// Cancel moves the task to error with the cancellation message.
func (t *Tracker) Cancel(id string) (Transition, error) {
	return t.mutate(id, func(rec *Task) bool {
		t.failLocked(rec, KindCanceled, CancelMessage)
		rec.Canceled = true
		return true
	})
}

// Apply applies an inbound push event. Unknown task IDs get a new entry
// reflecting the event. Terminal entries are never modified and stale
// or duplicate events are not errors.
func (t *Tracker) Apply(u Update) (Transition, error) {
	if u.TaskID == "" {
		return Transition{}, fmt.Errorf("%w: task id required", ErrInvalidTask)
	}
	if u.Status != "" && !u.Status.Valid() {
		return Transition{}, fmt.Errorf("%w: unknown status %q", ErrInvalidTask, u.Status)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	rec, ok := t.tasks[u.TaskID]
	if !ok {
		if _, gone := t.tombstones[u.TaskID]; gone {
			return Transition{}, nil
		}
		rec = &Task{
			TaskID:         u.TaskID,
			AgentID:        u.AgentID,
			InstanceID:     u.InstanceID,
			ConversationID: u.ConversationID,
			Status:         StatusInputted,
			Remote:         true,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		t.tasks[u.TaskID] = rec
		t.applyLocked(rec, u)
		if u.Status == "" {
			rec.Status = StatusSubmitted
		}
		rec.UpdatedAt = now
		return Transition{Task: rec.Clone(), To: rec.Status, Changed: true, Created: true}, nil
	}

	from := rec.Status
	if from.IsTerminal() {
		return Transition{Task: rec.Clone(), From: from, To: from}, nil
	}
	changed := t.applyLocked(rec, u)
	if changed {
		rec.UpdatedAt = now
	}
	return Transition{Task: rec.Clone(), From: from, To: rec.Status, Changed: changed}, nil
}

func (t *Tracker) applyLocked(rec *Task, u Update) bool {
	changed := false
	if rec.AgentID == "" && u.AgentID != "" {
		rec.AgentID = u.AgentID
		changed = true
	}
	if rec.ConversationID == "" && u.ConversationID != "" {
		rec.ConversationID = u.ConversationID
		changed = true
	}
	if u.Progress != "" && rec.Progress != u.Progress {
		rec.Progress = u.Progress
		changed = true
	}
	if u.Chunk != "" {
		rec.Output += u.Chunk
		changed = true
	}

	switch u.Status {
	case "":
	case StatusCompleted:
		t.completeLocked(rec, u.Result, u.DurationMs)
		changed = true
	case StatusError:
		kind := u.ErrorKind
		if kind == "" {
			kind = KindExecution
		}
		msg := u.Error
		if msg == "" {
			msg = "remote execution failed"
		}
		t.failLocked(rec, kind, msg)
		rec.Canceled = kind == KindCanceled
		changed = true
	default:
		if advance(rec, u.Status) {
			rec.QueuePosition = 0
			changed = true
		}
	}
	return changed
}

// Get returns a copy of the task.
func (t *Tracker) Get(id string) (*Task, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, ok := t.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return rec.Clone(), nil
}

// List returns copies of the tasks matching f, oldest first.
func (t *Tracker) List(f Filter) []*Task {
	t.mu.Lock()
	t.purgeLocked(t.now())
	result := make([]*Task, 0, len(t.tasks))
	for _, rec := range t.tasks {
		if f.Match(rec) {
			result = append(result, rec.Clone())
		}
	}
	t.mu.Unlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].TaskID < result[j].TaskID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// Len returns the number of tracked tasks.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.tasks)
}

// Purge removes terminal tasks that completed more than the retention
// window before now. Returns the number removed.
func (t *Tracker) Purge(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.purgeLocked(now)
}

func (t *Tracker) purgeLocked(now time.Time) int {
	if t.retention <= 0 {
		return 0
	}
	removed := 0
	for id, rec := range t.tasks {
		if rec.Status.IsTerminal() && now.Sub(rec.CompletedAt) > t.retention {
			delete(t.tasks, id)
			t.tombstones[id] = now
			removed++
		}
	}
	for id, at := range t.tombstones {
		if now.Sub(at) > t.retention {
			delete(t.tombstones, id)
		}
	}
	return removed
}

func (t *Tracker) mutate(id string, fn func(rec *Task) bool) (Transition, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.tasks[id]
	if !ok {
		return Transition{}, ErrTaskNotFound
	}
	from := rec.Status
	if from.IsTerminal() {
		return Transition{Task: rec.Clone(), From: from, To: from}, ErrAlreadyTerminal
	}

	changed := fn(rec)
	if changed {
		rec.UpdatedAt = t.now()
	}
	return Transition{Task: rec.Clone(), From: from, To: rec.Status, Changed: changed}, nil
}

func (t *Tracker) completeLocked(rec *Task, result string, serverMs int64) {
	now := t.now()
	rec.Status = StatusCompleted
	rec.Result = result
	rec.Error = ""
	rec.ErrorKind = ""
	rec.QueuePosition = 0
	rec.CompletedAt = now
	if serverMs > 0 {
		rec.DurationMs = serverMs
	} else {
		rec.DurationMs = now.Sub(rec.CreatedAt).Milliseconds()
	}
}

func (t *Tracker) failLocked(rec *Task, kind ErrorKind, message string) {
	now := t.now()
	rec.Status = StatusError
	rec.Result = ""
	rec.Error = message
	rec.ErrorKind = kind
	rec.QueuePosition = 0
	rec.CompletedAt = now
	rec.DurationMs = now.Sub(rec.CreatedAt).Milliseconds()
}

// advance moves rec forward to s. Returns false when s is not later.
func advance(rec *Task, s Status) bool {
	if !rec.Status.Before(s) {
		return false
	}
	rec.Status = s
	return true
}
