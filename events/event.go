package events

import (
	"time"
	"unicode/utf8"

	"github.com/vinayprograms/dispatchkit/tracker"
)

// Kind distinguishes what an event reports.
type Kind string

const (
	// KindTransition reports a status change.
	KindTransition Kind = "transition"

	// KindProgress reports a new progress note.
	KindProgress Kind = "progress"

	// KindChunk reports a streamed content chunk.
	KindChunk Kind = "chunk"

	// KindQueue reports a new wait list position.
	KindQueue Kind = "queue"
)

// SummaryLimit caps ResultSummary in runes.
const SummaryLimit = 200

// Event is the payload delivered to subscribers.
type Event struct {
	Kind           Kind           `json:"kind"`
	TaskID         string         `json:"taskId"`
	AgentID        string         `json:"agentId"`
	InstanceID     string         `json:"instanceId"`
	ConversationID string         `json:"conversationId,omitempty"`
	Status         tracker.Status `json:"status"`
	Previous       tracker.Status `json:"previous,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`

	DurationMs    int64             `json:"durationMs,omitempty"`
	ResultSummary string            `json:"resultSummary,omitempty"`
	Error         string            `json:"error,omitempty"`
	ErrorKind     tracker.ErrorKind `json:"errorKind,omitempty"`
	Canceled      bool              `json:"canceled,omitempty"`
	QueuePosition int               `json:"queuePosition,omitempty"`
	Progress      string            `json:"progress,omitempty"`
	Chunk         string            `json:"chunk,omitempty"`

	// Origin names the coordinator that produced the event.
	Origin string `json:"origin,omitempty"`
}

// FromTask builds an event of the given kind from a task snapshot.
func FromTask(kind Kind, task *tracker.Task) Event {
	ev := Event{
		Kind:           kind,
		TaskID:         task.TaskID,
		AgentID:        task.AgentID,
		InstanceID:     task.InstanceID,
		ConversationID: task.ConversationID,
		Status:         task.Status,
		Timestamp:      task.UpdatedAt,
		QueuePosition:  task.QueuePosition,
	}
	switch kind {
	case KindProgress:
		ev.Progress = task.Progress
	case KindTransition:
		switch task.Status {
		case tracker.StatusCompleted:
			ev.DurationMs = task.DurationMs
			ev.ResultSummary = Summarize(task.Result)
		case tracker.StatusError:
			ev.DurationMs = task.DurationMs
			ev.Error = task.Error
			ev.ErrorKind = task.ErrorKind
			ev.Canceled = task.Canceled
		}
	}
	return ev
}

// FromTransition builds the transition event for tr.
func FromTransition(tr tracker.Transition) Event {
	ev := FromTask(KindTransition, tr.Task)
	ev.Previous = tr.From
	return ev
}

// Summarize truncates s to SummaryLimit runes.
func Summarize(s string) string {
	if utf8.RuneCountInString(s) <= SummaryLimit {
		return s
	}
	runes := []rune(s)
	return string(runes[:SummaryLimit]) + "…"
}

// Update converts the event into a tracker update for ingestion.
// Queue events are local to the coordinator that produced them and
// convert to ok=false.
func (e Event) Update() (tracker.Update, bool) {
	u := tracker.Update{
		TaskID:         e.TaskID,
		AgentID:        e.AgentID,
		InstanceID:     e.InstanceID,
		ConversationID: e.ConversationID,
		Timestamp:      e.Timestamp,
	}
	switch e.Kind {
	case KindTransition:
		u.Status = e.Status
		if e.Status == tracker.StatusInputted {
			u.Status = ""
		}
		u.Result = e.ResultSummary
		u.Error = e.Error
		u.ErrorKind = e.ErrorKind
		u.DurationMs = e.DurationMs
	case KindProgress:
		u.Progress = e.Progress
	case KindChunk:
		u.Chunk = e.Chunk
	default:
		return tracker.Update{}, false
	}
	return u, true
}

// Filter selects events on the subscriber side. Empty fields match all.
type Filter struct {
	TaskID         string
	AgentID        string
	InstanceID     string
	ConversationID string
	Kinds          []Kind
}

// Match reports whether ev passes the filter.
func (f Filter) Match(ev Event) bool {
	if f.TaskID != "" && ev.TaskID != f.TaskID {
		return false
	}
	if f.AgentID != "" && ev.AgentID != f.AgentID {
		return false
	}
	if f.InstanceID != "" && ev.InstanceID != f.InstanceID {
		return false
	}
	if f.ConversationID != "" && ev.ConversationID != f.ConversationID {
		return false
	}
	if len(f.Kinds) > 0 {
		for _, k := range f.Kinds {
			if ev.Kind == k {
				return true
			}
		}
		return false
	}
	return true
}
