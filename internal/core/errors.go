package core

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors for handling decisions.
type ErrorCategory string

const (
	ErrCatValidation ErrorCategory = "validation" // Invalid input
	ErrCatExecution  ErrorCategory = "execution"  // Stage or agent failure
	ErrCatTimeout    ErrorCategory = "timeout"    // Operation timed out
	ErrCatState      ErrorCategory = "state"      // State corruption/conflict
	ErrCatInfra      ErrorCategory = "infra"      // Broker/DB transient failure
	ErrCatNotFound   ErrorCategory = "not_found"  // Resource not found
	ErrCatCancelled  ErrorCategory = "cancelled"  // Job revoked
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

// ErrStageFailure creates an error for a failed stage executor. Stage
// failures are terminal for the run and never auto-retried.
func ErrStageFailure(stage Stage, cause error) *DomainError {
	return &DomainError{
		Category:  ErrCatExecution,
		Code:      CodeStageFailed,
		Message:   fmt.Sprintf("stage %s failed", stage),
		Retryable: false,
		Cause:     cause,
		Details:   map[string]interface{}{"stage": string(stage)},
	}
}

// ErrRouteUndefined creates the fatal error for an unmapped
// (stage, outcome) pair. Never a silent no-op.
func ErrRouteUndefined(stage Stage) *DomainError {
	return &DomainError{
		Category:  ErrCatState,
		Code:      CodeRouteUndefined,
		Message:   fmt.Sprintf("no route defined from stage %s", stage),
		Retryable: false,
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

// ErrInfra creates a transient infrastructure error (broker or DB).
// These are retried with backoff and stay invisible to business logic
// when a retry succeeds.
func ErrInfra(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatInfra,
		Code:      code,
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

// ErrNotFound creates a not found error.
func ErrNotFound(resource, id string) *DomainError {
	return &DomainError{
		Category:  ErrCatNotFound,
		Code:      "NOT_FOUND",
		Message:   fmt.Sprintf("%s not found: %s", resource, id),
		Retryable: false,
	}
}

// ErrCancelled creates an error for a revoked job.
func ErrCancelled(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatCancelled,
		Code:      "JOB_REVOKED",
		Message:   message,
		Retryable: false,
	}
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

// IsCategory checks if an error belongs to a category.
func IsCategory(err error, cat ErrorCategory) bool {
	return GetCategory(err) == cat
}

// Predefined error codes
const (
	CodeRunNotFound      = "RUN_NOT_FOUND"
	CodeCheckpointBroken = "CHECKPOINT_CORRUPTED"
	CodeInvalidState     = "INVALID_STATE"
	CodeRouteUndefined   = "ROUTE_UNDEFINED"
	CodeStageFailed      = "STAGE_FAILED"
	CodeNotSuspended     = "RUN_NOT_SUSPENDED"
	CodeBrokerFailed     = "BROKER_UNAVAILABLE"
	CodeStoreFailed      = "STORE_UNAVAILABLE"

	// Validation error codes
	CodeRunIDRequired  = "RUN_ID_REQUIRED"
	CodeEmptyRequest   = "EMPTY_REQUEST"
	CodeInvalidConfig  = "INVALID_CONFIG"
	CodeInvalidIntent  = "INVALID_INTENT"
	CodeEmptyFramework = "EMPTY_FRAMEWORK"
	CodeInvalidConcept = "INVALID_CONCEPT"
)

// MaxErrorMessageLength bounds persisted error messages.
const MaxErrorMessageLength = 500

// TruncateError bounds an error message for persistence.
func TruncateError(msg string) string {
	if len(msg) <= MaxErrorMessageLength {
		return msg
	}
	return msg[:MaxErrorMessageLength]
}
