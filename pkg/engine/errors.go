package engine

import (
	"errors"
	"fmt"
)

// ErrorClass drives the retry decision taken for an error.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: a locked database, a transport timeout.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates the receiving side asked to slow down.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates concurrent writers touched the same hierarchy.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates retrying cannot help.
	// Examples: no spec depends on the event, an unknown task id.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Error codes.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeNoMatchingSpec     = "NO_MATCHING_SPEC"
	ErrCodePersistenceFailure = "PERSISTENCE_FAILURE"
	ErrCodeTransportFailure   = "TRANSPORT_FAILURE"
	ErrCodeInvalidStatus      = "INVALID_STATUS"
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeInternal           = "INTERNAL_ERROR"
)

// EngineError is a classified error with the context it was raised in.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code identifies the failure for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the event or task id involved, if any.
	Resource string `json:"resource,omitempty"`

	// Operation is the engine operation that failed.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying cause.
	Err error `json:"-"`

	// Details holds extra context such as the event type.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	switch {
	case e.Resource != "" && e.Operation != "":
		msg = fmt.Sprintf("%s (resource=%s, operation=%s)", msg, e.Resource, e.Operation)
	case e.Resource != "":
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	case e.Operation != "":
		msg = fmt.Sprintf("%s (operation=%s)", msg, e.Operation)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is matches on class and code so sentinel comparisons work with errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

func newError(class ErrorClass, message string, err error) *EngineError {
	return &EngineError{Class: class, Message: message, Err: err}
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return newError(ErrorClassTransient, message, err)
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return newError(ErrorClassThrottled, message, err)
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return newError(ErrorClassConflict, message, err)
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return newError(ErrorClassPermanent, message, err)
}

// NewNoMatchingSpecError reports that no spec tree depends on eventType.
func NewNoMatchingSpecError(eventType string) *EngineError {
	return NewPermanentError("no spec depends on event type", nil).
		WithCode(ErrCodeNoMatchingSpec).
		WithOperation("match").
		WithDetail("event_type", eventType)
}

// NewPersistenceError reports a failed save of instance trees.
func NewPersistenceError(operation string, err error) *EngineError {
	return NewTransientError("failed to persist instances", err).
		WithCode(ErrCodePersistenceFailure).
		WithOperation(operation)
}

// NewNotFoundError reports an unknown task id.
func NewNotFoundError(taskID string) *EngineError {
	return NewPermanentError("task not found", nil).
		WithCode(ErrCodeNotFound).
		WithResource(taskID)
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func classOf(err error) (ErrorClass, bool) {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class, true
	}
	return "", false
}

// ClassOf returns the class of err, or "unclassified" for foreign errors.
func ClassOf(err error) string {
	if c, ok := classOf(err); ok {
		return string(c)
	}
	return "unclassified"
}

// CodeOf returns the code of err, or "" for foreign errors.
func CodeOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassTransient
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassThrottled
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassConflict
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassPermanent
}

// IsRetryable returns true if the error can be retried.
// Transient, throttled, and conflict errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err) || IsConflict(err)
}

// IsNoMatchingSpec reports whether err says no spec depends on an event.
func IsNoMatchingSpec(err error) bool {
	return CodeOf(err) == ErrCodeNoMatchingSpec
}

// IsNotFound reports whether err is a NOT_FOUND error.
func IsNotFound(err error) bool {
	return CodeOf(err) == ErrCodeNotFound
}
