package core

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors for handling decisions.
type ErrorCategory string

const (
	ErrCatValidation ErrorCategory = "validation" // Invalid input
	ErrCatExecution  ErrorCategory = "execution"  // Runtime failure
	ErrCatTimeout    ErrorCategory = "timeout"    // Operation timed out
	ErrCatState      ErrorCategory = "state"      // State corruption/conflict
	ErrCatScope      ErrorCategory = "scope"      // Write-scope policy rejection
	ErrCatNotFound   ErrorCategory = "not_found"  // Resource not found
	ErrCatInternal   ErrorCategory = "internal"   // Unexpected internal error
)

// DomainError represents a structured error from the domain layer.
type DomainError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Retryable bool
	Cause     error
	Details   map[string]interface{}
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (%v)", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches a target.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Category == t.Category && e.Code == t.Code
}

// WithCause wraps an underlying error.
func (e *DomainError) WithCause(cause error) *DomainError {
	e.Cause = cause
	return e
}

// WithDetail adds contextual information.
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ErrValidation creates a validation error.
func ErrValidation(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatValidation,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrExecution creates an execution error.
func ErrExecution(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatExecution,
		Code:      code,
		Message:   message,
		Retryable: true,
	}
}

// ErrTimeout creates a timeout error.
func ErrTimeout(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatTimeout,
		Code:      "TIMEOUT",
		Message:   message,
		Retryable: true,
	}
}

// ErrState creates a state error.
func ErrState(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatState,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrScope creates a scope-policy error.
func ErrScope(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatScope,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrNotFound creates a not found error.
func ErrNotFound(resource, id string) *DomainError {
	return &DomainError{
		Category:  ErrCatNotFound,
		Code:      "NOT_FOUND",
		Message:   fmt.Sprintf("%s not found: %s", resource, id),
		Retryable: false,
	}
}

// ErrCancelled creates a cancellation error.
func ErrCancelled(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatState,
		Code:      "CANCELLED",
		Message:   message,
		Retryable: false,
	}
}

// IsCancelled reports whether err represents a requested cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled(""))
}

// IsNotFound reports whether err is a not found error.
func IsNotFound(err error) bool {
	return GetCategory(err) == ErrCatNotFound
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Retryable
	}
	return false
}

// GetCategory extracts the error category.
func GetCategory(err error) ErrorCategory {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Category
	}
	return ErrCatInternal
}

// Predefined error codes
const (
	CodeRunNotFound       = "RUN_NOT_FOUND"
	CodeTaskNotFound      = "TASK_NOT_FOUND"
	CodeInvalidState      = "INVALID_STATE"
	CodeStateCorrupted    = "STATE_CORRUPTED"
	CodeLockAcquireFailed = "LOCK_ACQUIRE_FAILED"

	// Validation error codes
	CodeEmptyBatch       = "EMPTY_BATCH"
	CodeDuplicateTask    = "DUPLICATE_TASK"
	CodeEmptyDescription = "EMPTY_DESCRIPTION"
	CodeInvalidTimeout   = "INVALID_TIMEOUT"
	CodeInvalidGlob      = "INVALID_GLOB"

	// Execution error codes
	CodeAgentFailed     = "AGENT_FAILED"
	CodePreflightFailed = "PREFLIGHT_FAILED"
	CodeApplyFailed     = "APPLY_FAILED"
	CodeWorktreeFailed  = "WORKTREE_FAILED"
)

// FailureReason is the per-task error field persisted in the run manifest.
// Exactly one of these is recorded for every failed attempt.
type FailureReason string

const (
	FailTimeout           FailureReason = "timeout"
	FailCancelled         FailureReason = "cancelled"
	FailMissingAllowlist  FailureReason = "missing_allowlist"
	FailScopeViolation    FailureReason = "scope_violation"
	FailAllowlistTooBroad FailureReason = "allowlist_too_broad"
	FailApply             FailureReason = "apply_failed"
	FailNoChanges         FailureReason = "no_changes"
	FailWorktree          FailureReason = "worktree_failed"
	FailExecutor          FailureReason = "executor_error"
)
