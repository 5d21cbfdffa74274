package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting. The first block mirrors the
// error kinds surfaced to callers in run state; the second block is
// engine-internal.
const (
	ErrCodeTransientExternal = "TRANSIENT_EXTERNAL"
	ErrCodePermanentExternal = "PERMANENT_EXTERNAL"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeInvalidTaskOutput = "INVALID_TASK_OUTPUT"

	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeTaskFailed        = "TASK_FAILED"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeStore             = "STORE_ERROR"
)

// PipelineError is the structured error type for all bidflow operations.
type PipelineError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Task    string         `json:"task,omitempty"`
	Cause   error          `json:"-"`
}

func (e *PipelineError) Error() string {
	if e.Task != "" {
		return fmt.Sprintf("[%s] task %s: %s", e.Code, e.Task, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// NewError creates a new PipelineError.
func NewError(code, message string) *PipelineError {
	return &PipelineError{Code: code, Message: message}
}

// NewErrorf creates a new PipelineError with a formatted message.
func NewErrorf(code, format string, args ...any) *PipelineError {
	return &PipelineError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithTask attaches a task name to the error.
func (e *PipelineError) WithTask(task string) *PipelineError {
	e.Task = task
	return e
}

// WithCause attaches an underlying cause.
func (e *PipelineError) WithCause(err error) *PipelineError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *PipelineError) WithDetails(details map[string]any) *PipelineError {
	e.Details = details
	return e
}

// IsRetryable reports whether the error kind is safe to retry.
// Only transient external failures and timeouts qualify; circuit-open,
// permanent, validation and cancellation errors never do.
func (e *PipelineError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeTransientExternal, ErrCodeTimeout:
		return true
	default:
		return false
	}
}

// CodeOf extracts the error code from any error. Non-PipelineError values
// map to TASK_FAILED so callers always observe a known kind.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ErrCodeTaskFailed
}
