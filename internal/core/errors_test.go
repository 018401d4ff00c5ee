package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestOJSError_Error(t *testing.T) {
	err := &OJSError{Code: "not_found", Message: "Thread 'abc' not found."}
	got := err.Error()
	want := "[not_found] Thread 'abc' not found."
	if got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestOJSError_IsMatchesCode(t *testing.T) {
	thread := ThreadAddress(Address{1}, "t")
	err := fmt.Errorf("crank: %w", NewTriggerNotDueError(thread))

	if !errors.Is(err, ErrTriggerNotDue) {
		t.Error("errors.Is(err, ErrTriggerNotDue) = false, want true")
	}
	if errors.Is(err, ErrThreadPaused) {
		t.Error("errors.Is(err, ErrThreadPaused) = true, want false")
	}
}

func TestNewInstructionFailedError_WrapsCause(t *testing.T) {
	cause := errors.New("downstream account empty")
	err := NewInstructionFailedError(Address{2}, 3, cause)

	if err.Code != ErrCodeInstructionFailed {
		t.Errorf("Code = %q, want %q", err.Code, ErrCodeInstructionFailed)
	}
	if err.Details["index"] != uint32(3) {
		t.Errorf("Details[index] = %v, want 3", err.Details["index"])
	}
	if !errors.Is(err, cause) {
		t.Error("expected the underlying cause to be reachable with errors.Is")
	}
	if !err.Retryable {
		t.Error("expected instruction failures to be retryable")
	}
}

func TestNewInsufficientBalanceError(t *testing.T) {
	err := NewInsufficientBalanceError(Address{3}, 5, 10)
	if err.Code != ErrCodeInsufficientBalance {
		t.Errorf("Code = %q, want %q", err.Code, ErrCodeInsufficientBalance)
	}
	if err.Details["balance"] != uint64(5) || err.Details["required"] != uint64(10) {
		t.Errorf("Details = %v, want balance=5 required=10", err.Details)
	}
}

func TestNewDuplicateError_ReportsDerivedAddress(t *testing.T) {
	authority := Address{4}
	err := NewDuplicateError(authority, "payroll")
	if err.Code != ErrCodeDuplicate {
		t.Errorf("Code = %q, want %q", err.Code, ErrCodeDuplicate)
	}
	want := ThreadAddress(authority, "payroll").String()
	if err.Details["thread"] != want {
		t.Errorf("Details[thread] = %v, want %q", err.Details["thread"], want)
	}
}

func TestNewStaleStateError(t *testing.T) {
	err := NewStaleStateError(Address{5})
	if err.Code != ErrCodeConflict {
		t.Errorf("Code = %q, want %q", err.Code, ErrCodeConflict)
	}
	if !err.Retryable {
		t.Error("expected stale state to be retryable")
	}
}

func TestNewNotFoundError(t *testing.T) {
	err := NewNotFoundError("Thread", "123")
	if err.Code != ErrCodeNotFound {
		t.Errorf("Code = %q, want %q", err.Code, ErrCodeNotFound)
	}
	if err.Details["resource_type"] != "Thread" {
		t.Errorf("Details[resource_type] = %v, want %q", err.Details["resource_type"], "Thread")
	}
	if err.Details["resource_id"] != "123" {
		t.Errorf("Details[resource_id] = %v, want %q", err.Details["resource_id"], "123")
	}
}

func TestNewInternalError(t *testing.T) {
	err := NewInternalError("something broke")
	if err.Code != ErrCodeInternalError {
		t.Errorf("Code = %q, want %q", err.Code, ErrCodeInternalError)
	}
	if !err.Retryable {
		t.Error("expected Retryable = true for internal errors")
	}
}

func TestAsOJSError(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", NewThreadBusyError(Address{6}, "update"))
	e, ok := AsOJSError(wrapped)
	if !ok {
		t.Fatal("AsOJSError() ok = false, want true")
	}
	if e.Code != ErrCodeThreadBusy {
		t.Errorf("Code = %q, want %q", e.Code, ErrCodeThreadBusy)
	}

	if _, ok := AsOJSError(errors.New("plain")); ok {
		t.Error("AsOJSError(plain) ok = true, want false")
	}
}
