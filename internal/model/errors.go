package model

import (
	"errors"
	"fmt"
)

// ErrorKind identifies a category in the orchestrator error taxonomy.
// Every error surfaced to callers or persisted on a record carries one.
type ErrorKind string

const (
	ErrInvalidDefinition   ErrorKind = "ErrInvalidDefinition"
	ErrUnresolvedReference ErrorKind = "ErrUnresolvedReference"
	ErrSelectorTimeout     ErrorKind = "ErrSelectorTimeout"
	ErrNavigation          ErrorKind = "ErrNavigation"
	ErrDriverCrashed       ErrorKind = "ErrDriverCrashed"
	ErrTimeout             ErrorKind = "ErrTimeout"
	ErrScript              ErrorKind = "ErrScript"
	ErrCancelled           ErrorKind = "ErrCancelled"
	ErrStateConflict       ErrorKind = "ErrStateConflict"
	ErrExecutionTimeout    ErrorKind = "ErrExecutionTimeout"
	ErrExecutionFailed     ErrorKind = "ErrExecutionFailed"
	ErrOrphaned            ErrorKind = "ErrOrphaned"
	ErrStoreUnavailable    ErrorKind = "ErrStoreUnavailable"
	ErrNotFound            ErrorKind = "ErrNotFound"
	ErrTerminal            ErrorKind = "ErrTerminal"
	ErrRateLimited         ErrorKind = "ErrRateLimited"
)

// retryableKinds are the error kinds a TaskRunner may retry.
var retryableKinds = map[ErrorKind]bool{
	ErrSelectorTimeout:  true,
	ErrNavigation:       true,
	ErrDriverCrashed:    true,
	ErrTimeout:          true,
	ErrStoreUnavailable: true,
}

// Error is the structured error carried on executions, task runs and events.
type Error struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError builds an Error with the retryable bit derived from the kind.
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{
		Kind:      kind,
		Message:   fmt.Sprintf(format, args...),
		Retryable: retryableKinds[kind],
	}
}

// AsError extracts a *Error from an error chain, or nil.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// Classify maps an arbitrary error into the taxonomy. Already-classified
// errors pass through unchanged; everything else becomes a non-retryable
// ErrExecutionFailed.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	if e := AsError(err); e != nil {
		return e
	}
	return NewError(ErrExecutionFailed, "%v", err)
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind ErrorKind) bool {
	e := AsError(err)
	return e != nil && e.Kind == kind
}

// IsRetryable reports whether err may be retried by a TaskRunner.
func IsRetryable(err error) bool {
	e := AsError(err)
	return e != nil && e.Retryable
}
