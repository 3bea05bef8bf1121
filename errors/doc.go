// Package errors provides the structured error taxonomy used across
// dispatchkit.
//
// # Error Kinds
//
// Task failures fall into a small set of codes that mirror how the
// coordinator surfaces them to observers:
//
//   - SUBMISSION_FAILED: the task never started remotely; safe to retry
//     with a brand-new task id
//   - CONNECTION_LOST: the push channel failed before or during streaming
//   - EXECUTION_FAILED: the remote worker reported failure
//   - CANCELED: the operator cancelled the task
//   - TIMEOUT: the push channel went silent for longer than allowed
//
// Programming and lookup errors (INVALID_INPUT, NOT_FOUND, ALREADY_TERMINAL,
// CLOSED, INTERNAL) are returned directly to callers of the coordinator API.
//
// # Usage
//
//	err := errors.New(errors.ErrCodeSubmission, "backend rejected task",
//	    errors.WithTaskID(id))
//
//	if errors.Is(err, errors.ErrCodeCanceled) {
//	    // render without alarming failure language
//	}
//
// # JSON Serialization
//
// Errors marshal to JSON so worker processes can report structured failures
// over the push channel:
//
//	data, _ := json.Marshal(err)
package errors
