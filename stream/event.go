package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/vinayprograms/dispatchkit/tracker"
)

// Wire event names.
const (
	NameConnected = "connected"
	NameStatus    = "status"
	NameChunk     = "chunk"
	NameResult    = "result"
	NameError     = "error"
	NameEnd       = "end"
)

// Decode errors. A session skips events that fail with either.
var (
	// ErrUnknownEvent is returned for unrecognised event names.
	ErrUnknownEvent = errors.New("unknown stream event")

	// ErrMalformedEvent is returned for payloads that do not decode.
	ErrMalformedEvent = errors.New("malformed stream event")
)

// Event is an inbound push event. The set of implementations is closed.
type Event interface {
	// Name returns the wire event name.
	Name() string
	isEvent()
}

// Connected acknowledges that the stream is open.
type Connected struct {
	ExecutionID string `json:"executionId,omitempty"`
}

// Status is a free-text progress notice. State, when set, reports that
// the worker moved to pending or processing.
type Status struct {
	Text  string         `json:"text,omitempty"`
	State tracker.Status `json:"state,omitempty"`
}

// Chunk is an incremental piece of output.
type Chunk struct {
	Text string `json:"text"`
}

// Result is the final output of a successful execution.
type Result struct {
	Output     string `json:"output"`
	DurationMs int64  `json:"durationMs,omitempty"`
}

// Failure is a remote execution error.
type Failure struct {
	Message string `json:"message"`
}

// End marks the end of the stream.
type End struct{}

func (Connected) Name() string { return NameConnected }
func (Status) Name() string    { return NameStatus }
func (Chunk) Name() string     { return NameChunk }
func (Result) Name() string    { return NameResult }
func (Failure) Name() string   { return NameError }
func (End) Name() string       { return NameEnd }

func (Connected) isEvent() {}
func (Status) isEvent()    {}
func (Chunk) isEvent()     {}
func (Result) isEvent()    {}
func (Failure) isEvent()   {}
func (End) isEvent()       {}

// Decode parses a named event with a JSON payload. An empty payload is
// accepted for every event.
func Decode(name string, data []byte) (Event, error) {
	var ev Event
	switch name {
	case NameConnected:
		var e Connected
		if err := unmarshal(data, &e); err != nil {
			return nil, err
		}
		ev = e
	case NameStatus:
		var e Status
		if err := unmarshal(data, &e); err != nil {
			return nil, err
		}
		if e.State != "" && e.State != tracker.StatusPending && e.State != tracker.StatusProcessing {
			return nil, fmt.Errorf("%w: status state %q", ErrMalformedEvent, e.State)
		}
		ev = e
	case NameChunk:
		var e Chunk
		if err := unmarshal(data, &e); err != nil {
			return nil, err
		}
		ev = e
	case NameResult:
		var e Result
		if err := unmarshal(data, &e); err != nil {
			return nil, err
		}
		ev = e
	case NameError:
		var e Failure
		if err := unmarshal(data, &e); err != nil {
			return nil, err
		}
		if e.Message == "" {
			e.Message = "remote execution failed"
		}
		ev = e
	case NameEnd:
		ev = End{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, name)
	}
	return ev, nil
}

func unmarshal(data []byte, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return nil
}

// Encode returns the wire name and JSON payload of ev.
func Encode(ev Event) (string, []byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return "", nil, err
	}
	return ev.Name(), data, nil
}

// WriteSSE writes ev as one server-sent event.
func WriteSSE(w io.Writer, ev Event) error {
	name, data, err := Encode(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}

// Frame is the WebSocket envelope for an event.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame wraps ev in a Frame.
func NewFrame(ev Event) (Frame, error) {
	name, data, err := Encode(ev)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Event: name, Data: data}, nil
}

// IsDecodeError reports whether err concerns a single event rather than
// the connection.
func IsDecodeError(err error) bool {
	return errors.Is(err, ErrUnknownEvent) || errors.Is(err, ErrMalformedEvent)
}
