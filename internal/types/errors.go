package types

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies engine errors into the handling categories the
// pipeline and HTTP boundary act on.
type ErrorKind int

const (
	// KindConfig marks startup-time configuration problems. Fatal.
	KindConfig ErrorKind = iota + 1
	// KindValidation marks bad request input. Surfaced as 4xx.
	KindValidation
	// KindType marks a value that cannot be coerced per its field
	// schema. A validation subclass.
	KindType
	// KindMissingKey marks a message whose key field did not resolve.
	// A validation subclass.
	KindMissingKey
	// KindPersistenceTransient marks a persistence failure worth one
	// retry (connectivity, lock contention).
	KindPersistenceTransient
	// KindPersistencePermanent marks a persistence failure that will
	// not succeed on retry. Surfaced as 5xx.
	KindPersistencePermanent
	// KindTimeout marks a counter query that exceeded its deadline.
	// Degrades the counter silently; recorded in metrics only.
	KindTimeout
	// KindNoWorkers marks a query submission that found no free worker
	// within the acquire timeout. Recorded in metrics.info.
	KindNoWorkers
	// KindInternal marks unexpected failures. Surfaced as 5xx.
	KindInternal
)

func (k ErrorKind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindValidation:
		return "validation"
	case KindType:
		return "type"
	case KindMissingKey:
		return "missing_key"
	case KindPersistenceTransient:
		return "persistence_transient"
	case KindPersistencePermanent:
		return "persistence_permanent"
	case KindTimeout:
		return "timeout"
	case KindNoWorkers:
		return "no_workers"
	case KindInternal:
		return "internal"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is the engine's error type. Kind drives handling; Err carries
// the wrapped cause when there is one.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Msg != "" {
			return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// NewConfigError reports a startup configuration problem.
func NewConfigError(format string, args ...any) *Error {
	return &Error{Kind: KindConfig, Msg: fmt.Sprintf(format, args...)}
}

// NewValidationError reports bad request input.
func NewValidationError(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

// NewTypeError reports a failed field coercion.
func NewTypeError(field string, value any, want string) *Error {
	return &Error{Kind: KindType, Msg: fmt.Sprintf("field %q: cannot coerce %v (%T) to %s", field, value, value, want)}
}

// NewMissingKeyError reports a message with no resolvable key field.
func NewMissingKeyError(t int) *Error {
	return &Error{Kind: KindMissingKey, Msg: fmt.Sprintf("message type %d: no key field resolved", t)}
}

// NewPersistenceError wraps a storage failure. Transient failures are
// retried once by the pipeline.
func NewPersistenceError(transient bool, op string, err error) *Error {
	kind := KindPersistencePermanent
	if transient {
		kind = KindPersistenceTransient
	}
	return &Error{Kind: kind, Msg: op, Err: err}
}

// NewTimeoutError reports a counter query deadline.
func NewTimeoutError(queryID string) *Error {
	return &Error{Kind: KindTimeout, Msg: fmt.Sprintf("query %s timed out", queryID)}
}

// NewNoWorkersError reports worker-pool exhaustion at submission.
func NewNoWorkersError() *Error {
	return &Error{Kind: KindNoWorkers, Msg: "no query workers available"}
}

// NewInternalError wraps an unexpected failure.
func NewInternalError(err error) *Error {
	return &Error{Kind: KindInternal, Msg: "unexpected error", Err: err}
}

// KindOf extracts the ErrorKind from err, or KindInternal when err is
// not an engine error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsValidation reports whether err is user input at fault (validation,
// type coercion, or missing key).
func IsValidation(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindType, KindMissingKey:
		return true
	}
	return false
}

// IsTransient reports whether err is a retryable persistence failure.
func IsTransient(err error) bool {
	return KindOf(err) == KindPersistenceTransient
}

// IsTimeout reports whether err is a query timeout.
func IsTimeout(err error) bool {
	return KindOf(err) == KindTimeout
}

// IsNoWorkers reports whether err is worker-pool exhaustion.
func IsNoWorkers(err error) bool {
	return KindOf(err) == KindNoWorkers
}

// HTTPStatus maps err to the response status the boundary returns.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if IsValidation(err) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
