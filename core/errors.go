package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Standard sentinel errors for comparison using errors.Is().
// These are generic errors that can be wrapped with additional context.
var (
	// Lifecycle errors
	ErrBusStopped     = errors.New("event bus is not running")
	ErrAlreadyStarted = errors.New("already started")
	ErrNotInitialized = errors.New("not initialized")

	// Resource errors
	ErrResourceExhausted = errors.New("resource limit exceeded")
	ErrComponentUnknown  = errors.New("component not registered")

	// Operation errors
	ErrTimeout            = errors.New("operation timeout")
	ErrContextCanceled    = errors.New("context canceled")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
	ErrTransient          = errors.New("transient failure")

	// Reliability errors
	ErrCircuitOpen       = errors.New("circuit breaker is open")
	ErrInvalidDependency = errors.New("invalid breaker dependency")

	// State errors
	ErrStateConflict    = errors.New("state version conflict")
	ErrSnapshotNotFound = errors.New("snapshot not found")
	ErrPhaseNotFound    = errors.New("phase not found")
	ErrNestingTooDeep   = errors.New("phase nesting too deep")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// Invariant violations
	ErrInternal = errors.New("internal invariant violated")
)

// ErrorKind classifies a failure for callers. Kinds, not types: the same
// underlying error may surface under different kinds depending on where it
// was observed.
type ErrorKind string

const (
	KindTransient         ErrorKind = "TransientFailure"
	KindResourceExhausted ErrorKind = "ResourceExhausted"
	KindTimeout           ErrorKind = "Timeout"
	KindCircuitOpen       ErrorKind = "CircuitOpen"
	KindValidationFailure ErrorKind = "ValidationFailure"
	KindStateConflict     ErrorKind = "StateConflict"
	KindConfiguration     ErrorKind = "ConfigurationError"
	KindFatalInternal     ErrorKind = "FatalInternal"
)

// ClassifyError maps an error to its kind. Unrecognized errors are treated
// as transient so callers retry bounded rather than give up.
func ClassifyError(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCircuitOpen):
		return KindCircuitOpen
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrResourceExhausted):
		return KindResourceExhausted
	case errors.Is(err, ErrStateConflict):
		return KindStateConflict
	case errors.Is(err, ErrInvalidConfiguration), errors.Is(err, ErrMissingConfiguration), errors.Is(err, ErrInvalidDependency), errors.Is(err, ErrNestingTooDeep):
		return KindConfiguration
	case errors.Is(err, ErrInternal):
		return KindFatalInternal
	default:
		return KindTransient
	}
}

// IsRetryable reports whether an error may be retried within a component.
// Timeout and CircuitOpen are never silently retried; that decision belongs
// to the caller.
func IsRetryable(err error) bool {
	return ClassifyError(err) == KindTransient
}

// IsConfigurationError checks if an error is configuration-related
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}

// IsStateError checks if an error is related to invalid lifecycle state
func IsStateError(err error) bool {
	return errors.Is(err, ErrAlreadyStarted) ||
		errors.Is(err, ErrNotInitialized) ||
		errors.Is(err, ErrBusStopped)
}

// OperationError is the structured failure returned to callers. The core
// never surfaces raw stack traces; every failure carries a request id and a
// kind so callers can decide on retry without string matching.
type OperationError struct {
	Status    string    `json:"status"`
	Message   string    `json:"error"`
	Kind      ErrorKind `json:"error_type"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
	Err       error     `json:"-"`
}

// Error returns the string representation of the error
func (e *OperationError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("%s [%s]: %s", e.Kind, e.RequestID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *OperationError) Unwrap() error {
	return e.Err
}

// ToMap renders the error as the canonical caller-facing payload.
func (e *OperationError) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"status":     e.Status,
		"error":      e.Message,
		"error_type": string(e.Kind),
		"request_id": e.RequestID,
		"timestamp":  e.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

// NewOperationError wraps err with its classified kind and a fresh request id
// when none is supplied.
func NewOperationError(err error, requestID string) *OperationError {
	if requestID == "" {
		requestID = uuid.New().String()
	}
	return &OperationError{
		Status:    "error",
		Message:   err.Error(),
		Kind:      ClassifyError(err),
		RequestID: requestID,
		Timestamp: time.Now(),
		Err:       err,
	}
}
