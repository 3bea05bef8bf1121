package tracker

import (
	"errors"
	"time"
)

// Common errors.
var (
	// ErrTaskNotFound indicates the requested task does not exist.
	ErrTaskNotFound = errors.New("task not found")

	// ErrDuplicateTask indicates a task with the same ID already exists.
	ErrDuplicateTask = errors.New("task already exists")

	// ErrAlreadyTerminal indicates the task is completed or errored.
	ErrAlreadyTerminal = errors.New("task already terminal")

	// ErrInvalidTask indicates the task is missing required fields.
	ErrInvalidTask = errors.New("invalid task")
)

// CancelMessage is the error text recorded for user cancellation.
const CancelMessage = "canceled by user"

// Status is a task lifecycle state.
type Status string

const (
	// StatusInputted is the local state before any network call.
	StatusInputted Status = "inputted"

	// StatusSubmitted means the backend accepted the task.
	StatusSubmitted Status = "submitted"

	// StatusPending means a remote worker has been assigned.
	StatusPending Status = "pending"

	// StatusProcessing means the remote worker is executing.
	StatusProcessing Status = "processing"

	// StatusCompleted is terminal success.
	StatusCompleted Status = "completed"

	// StatusError is terminal failure, including cancellation.
	StatusError Status = "error"
)

var statusRank = map[Status]int{
	StatusInputted:   0,
	StatusSubmitted:  1,
	StatusPending:    2,
	StatusProcessing: 3,
	StatusCompleted:  4,
	StatusError:      4,
}

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsTerminal returns true for completed and error.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// Before reports whether s comes strictly earlier in the lifecycle than o.
func (s Status) Before(o Status) bool {
	return statusRank[s] < statusRank[o]
}

// ErrorKind classifies why a task ended in error.
type ErrorKind string

const (
	KindSubmission ErrorKind = "submission"
	KindConnection ErrorKind = "connection"
	KindExecution  ErrorKind = "execution"
	KindCanceled   ErrorKind = "canceled"
	KindTimeout    ErrorKind = "timeout"
	KindInternal   ErrorKind = "internal"
)

// Task is one unit of dispatched work.
type Task struct {
	TaskID         string
	AgentID        string
	AgentName      string
	AgentEmoji     string
	InstanceID     string
	ConversationID string

	// InputText is the instruction; it never changes after creation.
	InputText string

	// Execution hints forwarded to the backend.
	WorkingDir string
	Provider   string

	Status Status

	// ExecutionID is the server handle returned by submission.
	ExecutionID string

	// QueuePosition is the 1-based wait list position, 0 when not waiting.
	QueuePosition int

	// Progress is the latest status note.
	Progress string

	// Output accumulates streamed chunks in arrival order. It is kept on
	// failure as historical context.
	Output string

	Result    string
	Error     string
	ErrorKind ErrorKind
	Canceled  bool

	// Remote is set when the entry was created from an inbound event.
	Remote bool

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt time.Time
	DurationMs  int64
}

// Clone returns a copy of the task.
func (t *Task) Clone() *Task {
	clone := *t
	return &clone
}

// IsTerminal reports whether the task is completed or errored.
func (t *Task) IsTerminal() bool {
	return t.Status.IsTerminal()
}

// Transition describes the effect of one tracker operation.
type Transition struct {
	// Task is a copy of the task after the operation.
	Task *Task

	// From and To are the statuses before and after.
	From Status
	To   Status

	// Changed is true when any field of the record was modified.
	Changed bool

	// Created is true when the operation created the entry.
	Created bool
}

// StatusChanged reports whether the operation moved the task to a new status.
func (tr Transition) StatusChanged() bool {
	return tr.Created || tr.From != tr.To
}

// Update is an inbound push event keyed by task ID.
type Update struct {
	TaskID         string
	AgentID        string
	InstanceID     string
	ConversationID string

	// Status is the status the event reports. Empty means no status change.
	Status Status

	Progress   string
	Chunk      string
	Result     string
	Error      string
	ErrorKind  ErrorKind
	DurationMs int64

	Timestamp time.Time
}

// Filter selects tasks in List. Empty fields match everything.
type Filter struct {
	TaskID         string
	AgentID        string
	InstanceID     string
	ConversationID string
	Statuses       []Status
}

// Match reports whether the task satisfies the filter.
func (f Filter) Match(t *Task) bool {
	if f.TaskID != "" && t.TaskID != f.TaskID {
		return false
	}
	if f.AgentID != "" && t.AgentID != f.AgentID {
		return false
	}
	if f.InstanceID != "" && t.InstanceID != f.InstanceID {
		return false
	}
	if f.ConversationID != "" && t.ConversationID != f.ConversationID {
		return false
	}
	if len(f.Statuses) > 0 {
		for _, s := range f.Statuses {
			if t.Status == s {
				return true
			}
		}
		return false
	}
	return true
}
