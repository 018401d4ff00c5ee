package core

import (
	"errors"
	"fmt"
)

// Error codes.
const (
	ErrCodeTriggerNotDue              = "trigger_not_due"
	ErrCodeTriggerConditionUnreadable = "trigger_condition_unreadable"
	ErrCodeThreadPaused               = "thread_paused"
	ErrCodeThreadBusy                 = "thread_busy"
	ErrCodeInsufficientBalance        = "insufficient_thread_balance"
	ErrCodeWorkerNotAuthorized        = "worker_not_authorized"
	ErrCodeInstructionFailed          = "instruction_execution_failed"
	ErrCodeQueueExhausted             = "queue_exhausted_unexpectedly"

	ErrCodeInvalidRequest     = "invalid_request"
	ErrCodeNotFound           = "not_found"
	ErrCodeDuplicate          = "duplicate"
	ErrCodeConflict           = "conflict"
	ErrCodeUnauthorized       = "unauthorized"
	ErrCodeFeeCeilingExceeded = "fee_ceiling_exceeded"
	ErrCodeInternalError      = "internal_error"
)

// OJSError is the error type returned by every engine operation.
type OJSError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`

	cause error
}

func (e *OJSError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *OJSError) Unwrap() error {
	return e.cause
}

// Is matches any *OJSError with the same code.
func (e *OJSError) Is(target error) bool {
	var t *OJSError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is comparisons.
var (
	ErrTriggerNotDue              = &OJSError{Code: ErrCodeTriggerNotDue}
	ErrTriggerConditionUnreadable = &OJSError{Code: ErrCodeTriggerConditionUnreadable}
	ErrThreadPaused               = &OJSError{Code: ErrCodeThreadPaused}
	ErrThreadBusy                 = &OJSError{Code: ErrCodeThreadBusy}
	ErrInsufficientBalance        = &OJSError{Code: ErrCodeInsufficientBalance}
	ErrWorkerNotAuthorized        = &OJSError{Code: ErrCodeWorkerNotAuthorized}
	ErrInstructionFailed          = &OJSError{Code: ErrCodeInstructionFailed}
	ErrQueueExhausted             = &OJSError{Code: ErrCodeQueueExhausted}
	ErrNotFound                   = &OJSError{Code: ErrCodeNotFound}
	ErrDuplicate                  = &OJSError{Code: ErrCodeDuplicate}
	ErrConflict                   = &OJSError{Code: ErrCodeConflict}
	ErrUnauthorized               = &OJSError{Code: ErrCodeUnauthorized}
	ErrFeeCeilingExceeded         = &OJSError{Code: ErrCodeFeeCeilingExceeded}
)

// AsOJSError extracts an *OJSError from err's chain.
func AsOJSError(err error) (*OJSError, bool) {
	var e *OJSError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// NewTriggerNotDueError reports that the thread's trigger has not fired.
func NewTriggerNotDueError(thread Address) *OJSError {
	return &OJSError{
		Code:      ErrCodeTriggerNotDue,
		Message:   "Thread trigger is not due.",
		Retryable: true,
		Details:   map[string]any{"thread": thread.String()},
	}
}

// NewTriggerUnreadableError reports that the account watched by a trigger
// is missing or too short for the watched window.
func NewTriggerUnreadableError(account Address, reason string) *OJSError {
	return &OJSError{
		Code:      ErrCodeTriggerConditionUnreadable,
		Message:   fmt.Sprintf("Trigger account %s is unreadable: %s.", account, reason),
		Retryable: true,
		Details:   map[string]any{"account": account.String(), "reason": reason},
	}
}

// NewThreadPausedError reports that a paused thread cannot start an activation.
func NewThreadPausedError(thread Address) *OJSError {
	return &OJSError{
		Code:    ErrCodeThreadPaused,
		Message: "Thread is paused.",
		Details: map[string]any{"thread": thread.String()},
	}
}

// NewThreadBusyError reports a mutation attempted mid-activation.
func NewThreadBusyError(thread Address, op string) *OJSError {
	return &OJSError{
		Code:      ErrCodeThreadBusy,
		Message:   fmt.Sprintf("Cannot %s thread while an activation is in progress.", op),
		Retryable: true,
		Details:   map[string]any{"thread": thread.String(), "operation": op},
	}
}

// NewInsufficientBalanceError reports a balance that cannot cover the fee.
func NewInsufficientBalanceError(thread Address, balance, required uint64) *OJSError {
	return &OJSError{
		Code:      ErrCodeInsufficientBalance,
		Message:   fmt.Sprintf("Thread balance %d cannot cover required %d.", balance, required),
		Retryable: true,
		Details: map[string]any{
			"thread":   thread.String(),
			"balance":  balance,
			"required": required,
		},
	}
}

// NewWorkerNotAuthorizedError reports a worker rejected by the authorization gate.
func NewWorkerNotAuthorizedError(worker, thread Address) *OJSError {
	return &OJSError{
		Code:    ErrCodeWorkerNotAuthorized,
		Message: fmt.Sprintf("Worker %s is not authorized to crank this thread.", worker),
		Details: map[string]any{"worker": worker.String(), "thread": thread.String()},
	}
}

// NewInstructionFailedError reports the instruction at index failing.
func NewInstructionFailedError(thread Address, index uint32, cause error) *OJSError {
	return &OJSError{
		Code:      ErrCodeInstructionFailed,
		Message:   fmt.Sprintf("Instruction %d failed: %v", index, cause),
		Retryable: true,
		Details:   map[string]any{"thread": thread.String(), "index": index},
		cause:     cause,
	}
}

// NewQueueExhaustedError reports a cursor outside the instruction queue.
func NewQueueExhaustedError(thread Address, index uint32, length int) *OJSError {
	return &OJSError{
		Code:    ErrCodeQueueExhausted,
		Message: fmt.Sprintf("Cursor %d is outside a queue of %d instructions.", index, length),
		Details: map[string]any{"thread": thread.String(), "index": index, "length": length},
	}
}

// NewInvalidRequestError creates an invalid request error.
func NewInvalidRequestError(message string, details map[string]any) *OJSError {
	return &OJSError{
		Code:    ErrCodeInvalidRequest,
		Message: message,
		Details: details,
	}
}

// NewNotFoundError creates a not-found error.
func NewNotFoundError(resourceType, resourceID string) *OJSError {
	return &OJSError{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s '%s' not found.", resourceType, resourceID),
		Details: map[string]any{
			"resource_type": resourceType,
			"resource_id":   resourceID,
		},
	}
}

// NewDuplicateError reports an id already in use by the same authority.
func NewDuplicateError(authority Address, id string) *OJSError {
	return &OJSError{
		Code:    ErrCodeDuplicate,
		Message: fmt.Sprintf("Thread id '%s' is already in use.", id),
		Details: map[string]any{
			"authority": authority.String(),
			"id":        id,
			"thread":    ThreadAddress(authority, id).String(),
		},
	}
}

// NewConflictError creates a conflict error.
func NewConflictError(message string, details map[string]any) *OJSError {
	return &OJSError{
		Code:    ErrCodeConflict,
		Message: message,
		Details: details,
	}
}

// NewStaleStateError reports a write built against an outdated thread state.
func NewStaleStateError(thread Address) *OJSError {
	return &OJSError{
		Code:      ErrCodeConflict,
		Message:   "Thread state changed concurrently; re-read and retry.",
		Retryable: true,
		Details:   map[string]any{"thread": thread.String(), "reason": "stale_state"},
	}
}

// NewUnauthorizedError reports a signer that is not the thread's authority.
func NewUnauthorizedError(signer Address) *OJSError {
	return &OJSError{
		Code:    ErrCodeUnauthorized,
		Message: fmt.Sprintf("Signer %s is not the thread authority.", signer),
		Details: map[string]any{"signer": signer.String()},
	}
}

// NewFeeCeilingError reports a fee above the configured ceiling.
func NewFeeCeilingError(fee, ceiling uint64) *OJSError {
	return &OJSError{
		Code:    ErrCodeFeeCeilingExceeded,
		Message: fmt.Sprintf("Fee %d exceeds the ceiling of %d.", fee, ceiling),
		Details: map[string]any{"fee": fee, "ceiling": ceiling},
	}
}

// NewInternalError creates an internal error.
func NewInternalError(message string) *OJSError {
	return &OJSError{
		Code:      ErrCodeInternalError,
		Message:   message,
		Retryable: true,
	}
}
