package errors

import (
	"context"
	"errors"
	"fmt"
)

// Wrap wraps err with a message while keeping its code.
// Context errors map to CANCELED and TIMEOUT; anything else becomes INTERNAL.
// Wrap returns nil if err is nil.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	var se *Error
	if errors.As(err, &se) {
		wrapped := &Error{
			code:      se.code,
			category:  se.category,
			message:   message,
			cause:     err,
			metadata:  se.Metadata(),
			timestamp: se.timestamp,
			taskID:    se.taskID,
			agentID:   se.agentID,
		}
		return wrapped.with(opts...)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return New(ErrCodeTimeout, message, append(opts, WithCause(err))...)
	}
	if errors.Is(err, context.Canceled) {
		return New(ErrCodeCanceled, message, append(opts, WithCause(err))...)
	}

	return New(ErrCodeInternal, message, append(opts, WithCause(err))...)
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, format string, args ...interface{}) *Error {
	return Wrap(err, fmt.Sprintf(format, args...))
}

// WrapWithCode wraps an error with a specific error code.
func WrapWithCode(err error, code ErrorCode, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	return New(code, message, append(opts, WithCause(err))...)
}

// As extracts an *Error from an error chain, or nil.
func As(err error) *Error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	return nil
}

// Is checks if any error in the chain has the given code.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		var se *Error
		if !errors.As(err, &se) {
			return false
		}
		if se.code == code {
			return true
		}
		err = se.cause
	}
	return false
}

// IsRetryable checks if the error is retryable. Plain errors are not.
func IsRetryable(err error) bool {
	if se := As(err); se != nil {
		return se.Retryable()
	}
	return false
}

// Code extracts the error code, or "" for plain errors.
func Code(err error) ErrorCode {
	if se := As(err); se != nil {
		return se.code
	}
	return ""
}

// Category extracts the error category, or "" for plain errors.
func Category(err error) ErrorCategory {
	if se := As(err); se != nil {
		return se.category
	}
	return ""
}
