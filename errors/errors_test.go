package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"
)

// ============================================================================
// 1. Creation and categories
// ============================================================================

func TestNew(t *testing.T) {
	tests := []struct {
		name         string
		code         ErrorCode
		wantCategory ErrorCategory
		wantRetry    bool
	}{
		{"submission", ErrCodeSubmission, CategoryTransient, true},
		{"connection", ErrCodeConnection, CategoryTransient, true},
		{"timeout", ErrCodeTimeout, CategoryTransient, true},
		{"execution", ErrCodeExecution, CategoryPermanent, false},
		{"canceled", ErrCodeCanceled, CategoryPermanent, false},
		{"not_found", ErrCodeNotFound, CategoryPermanent, false},
		{"internal", ErrCodeInternal, CategoryInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code, "msg")
			if err.Code() != tt.code {
				t.Errorf("Code() = %v, want %v", err.Code(), tt.code)
			}
			if err.Category() != tt.wantCategory {
				t.Errorf("Category() = %v, want %v", err.Category(), tt.wantCategory)
			}
			if err.Retryable() != tt.wantRetry {
				t.Errorf("Retryable() = %v, want %v", err.Retryable(), tt.wantRetry)
			}
			if err.Timestamp().IsZero() {
				t.Error("Timestamp() should not be zero")
			}
		})
	}
}

func TestCanceled_UsesDescription(t *testing.T) {
	err := Canceled("task-1")
	if err.Error() != "canceled by user" {
		t.Errorf("Error() = %q, want %q", err.Error(), "canceled by user")
	}
	if err.TaskID() != "task-1" {
		t.Errorf("TaskID() = %q, want task-1", err.TaskID())
	}
}

func TestTimeout_Message(t *testing.T) {
	err := Timeout("task-1", 90*time.Second)
	if err.Error() != "no events received for 1m30s" {
		t.Errorf("Error() = %q", err.Error())
	}
	if err.TaskID() != "task-1" {
		t.Errorf("TaskID() = %q, want task-1", err.TaskID())
	}
}

func TestWithCategoryOverride(t *testing.T) {
	err := New(ErrCodeExecution, "flaky", WithCategory(CategoryTransient))
	if !err.Retryable() {
		t.Error("category override should make error retryable")
	}
}

func TestMetadata_IsCopy(t *testing.T) {
	err := New(ErrCodeSubmission, "x", WithMetadata("status", "503"))
	md := err.Metadata()
	md["status"] = "mutated"
	if err.Metadata()["status"] != "503" {
		t.Error("Metadata() should return a copy")
	}
}

// ============================================================================
// 2. Wrapping
// ============================================================================

func TestWrap_PreservesCode(t *testing.T) {
	base := Connection("task-1", "stream reset")
	wrapped := Wrap(base, "reading events")

	if wrapped.Code() != ErrCodeConnection {
		t.Errorf("Code() = %v, want %v", wrapped.Code(), ErrCodeConnection)
	}
	if wrapped.TaskID() != "task-1" {
		t.Errorf("TaskID() = %q, want task-1", wrapped.TaskID())
	}
	if !errors.Is(wrapped, base) {
		t.Error("wrapped error should unwrap to base")
	}
}

func TestWrap_ContextErrors(t *testing.T) {
	if got := Wrap(context.Canceled, "stop").Code(); got != ErrCodeCanceled {
		t.Errorf("context.Canceled -> %v, want %v", got, ErrCodeCanceled)
	}
	if got := Wrap(context.DeadlineExceeded, "slow").Code(); got != ErrCodeTimeout {
		t.Errorf("context.DeadlineExceeded -> %v, want %v", got, ErrCodeTimeout)
	}
	if got := Wrap(fmt.Errorf("boom"), "x").Code(); got != ErrCodeInternal {
		t.Errorf("plain error -> %v, want %v", got, ErrCodeInternal)
	}
}

func TestWrap_Nil(t *testing.T) {
	if Wrap(nil, "x") != nil {
		t.Error("Wrap(nil) should be nil")
	}
	if WrapWithCode(nil, ErrCodeInternal, "x") != nil {
		t.Error("WrapWithCode(nil) should be nil")
	}
}

func TestIs_WalksChain(t *testing.T) {
	inner := New(ErrCodeTimeout, "silent")
	outer := WrapWithCode(inner, ErrCodeConnection, "stream failed")

	if !Is(outer, ErrCodeConnection) {
		t.Error("Is(outer, CONNECTION_LOST) = false")
	}
	if !Is(outer, ErrCodeTimeout) {
		t.Error("Is(outer, TIMEOUT) = false, want true via cause chain")
	}
	if Is(outer, ErrCodeCanceled) {
		t.Error("Is(outer, CANCELED) = true, want false")
	}
	if Is(fmt.Errorf("plain"), ErrCodeInternal) {
		t.Error("plain errors have no code")
	}
}

func TestHelpers_PlainErrors(t *testing.T) {
	plain := fmt.Errorf("plain")
	if IsRetryable(plain) {
		t.Error("plain errors are not retryable")
	}
	if Code(plain) != "" {
		t.Errorf("Code(plain) = %q, want empty", Code(plain))
	}
	if Category(plain) != "" {
		t.Errorf("Category(plain) = %q, want empty", Category(plain))
	}
	if As(plain) != nil {
		t.Error("As(plain) should be nil")
	}
}

// ============================================================================
// 3. JSON
// ============================================================================

func TestJSONRoundTrip(t *testing.T) {
	orig := Execution("task-9", "worker crashed",
		WithAgentID("writer"),
		WithMetadata("exit", "137"),
		WithCause(fmt.Errorf("oom")))

	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	var got Error
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}

	if got.Code() != ErrCodeExecution {
		t.Errorf("Code() = %v, want %v", got.Code(), ErrCodeExecution)
	}
	if got.TaskID() != "task-9" || got.AgentID() != "writer" {
		t.Errorf("ids = %q/%q", got.TaskID(), got.AgentID())
	}
	if got.Error() != "worker crashed: oom" {
		t.Errorf("Error() = %q", got.Error())
	}
	if got.Metadata()["exit"] != "137" {
		t.Errorf("metadata exit = %q", got.Metadata()["exit"])
	}
}

func TestUnmarshal_DefaultsCategory(t *testing.T) {
	var got Error
	if err := json.Unmarshal([]byte(`{"code":"CONNECTION_LOST","message":"reset"}`), &got); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if got.Category() != CategoryTransient {
		t.Errorf("Category() = %v, want %v", got.Category(), CategoryTransient)
	}
}
