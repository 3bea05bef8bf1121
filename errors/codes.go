package errors

// ErrorCategory classifies errors by their retry semantics.
type ErrorCategory string

const (
	// CategoryTransient indicates failures where a retry with a new task may succeed.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures a retry will not fix.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryInternal indicates bugs or corrupted state.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	return c == CategoryTransient
}

// ErrorCode identifies a specific failure.
type ErrorCode string

const (
	// Task failure codes
	ErrCodeSubmission ErrorCode = "SUBMISSION_FAILED" // Backend never accepted the task
	ErrCodeConnection ErrorCode = "CONNECTION_LOST"   // Push channel failed
	ErrCodeExecution  ErrorCode = "EXECUTION_FAILED"  // Worker reported failure
	ErrCodeCanceled   ErrorCode = "CANCELED"          // Operator cancelled
	ErrCodeTimeout    ErrorCode = "TIMEOUT"           // Push channel went silent

	// API errors
	ErrCodeInvalidInput    ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound        ErrorCode = "NOT_FOUND"
	ErrCodeAlreadyTerminal ErrorCode = "ALREADY_TERMINAL"
	ErrCodeClosed          ErrorCode = "CLOSED"
	ErrCodeInternal        ErrorCode = "INTERNAL"
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeSubmission, ErrCodeConnection, ErrCodeTimeout:
		return CategoryTransient
	case ErrCodeExecution, ErrCodeCanceled, ErrCodeInvalidInput, ErrCodeNotFound,
		ErrCodeAlreadyTerminal, ErrCodeClosed:
		return CategoryPermanent
	default:
		return CategoryInternal
	}
}

var codeDescriptions = map[ErrorCode]string{
	ErrCodeSubmission:      "task submission failed",
	ErrCodeConnection:      "event stream connection lost",
	ErrCodeExecution:       "task execution failed",
	ErrCodeCanceled:        "canceled by user",
	ErrCodeTimeout:         "no events received within the inactivity window",
	ErrCodeInvalidInput:    "invalid input provided",
	ErrCodeNotFound:        "task not found",
	ErrCodeAlreadyTerminal: "task already finished",
	ErrCodeClosed:          "coordinator closed",
	ErrCodeInternal:        "internal error",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
