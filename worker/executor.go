package worker

import (
	"context"
	"strings"
	"time"

	"github.com/vinayprograms/dispatchkit/backend"
)

// Emitter receives an execution's intermediate output.
type Emitter interface {
	// Status reports a progress note.
	Status(text string)

	// Chunk reports a piece of output.
	Chunk(text string)
}

// Executor runs one task and returns its final output.
type Executor interface {
	Execute(ctx context.Context, req backend.SubmitRequest, emit Emitter) (string, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req backend.SubmitRequest, emit Emitter) (string, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, req backend.SubmitRequest, emit Emitter) (string, error) {
	return f(ctx, req, emit)
}

// Echo returns an executor that streams the input back word by word,
// pausing delay between words.
func Echo(delay time.Duration) Executor {
	return ExecutorFunc(func(ctx context.Context, req backend.SubmitRequest, emit Emitter) (string, error) {
		words := strings.Fields(req.InputText)
		for i, w := range words {
			if i > 0 {
				w = " " + w
			}
			if delay > 0 {
				select {
				case <-ctx.Done():
					return "", ctx.Err()
				case <-time.After(delay):
				}
			}
			emit.Chunk(w)
		}
		return strings.Join(words, " "), nil
	})
}
