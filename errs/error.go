// Package errs defines the structured error vocabulary shared across every
// Athena component (store, retrieval, consolidation, prospective memory).
package errs

import (
	"errors"
	"fmt"
)

// Code identifies a class of failure independent of the component that
// raised it, so callers can branch on behavior (retry, surface to caller,
// escalate) without inspecting component-specific error types.
type Code string

const (
	// StoreUnavailable means the durable store (or its connection pool)
	// could not serve the request; callers may retry with backoff.
	StoreUnavailable Code = "STORE_UNAVAILABLE"

	// Conflict means an optimistic-concurrency precondition failed, e.g. a
	// task claim CAS that lost to a concurrent claimant.
	Conflict Code = "CONFLICT"

	// NotFound means the referenced entity does not exist in the scope
	// searched.
	NotFound Code = "NOT_FOUND"

	// Invalid means the caller supplied a malformed or out-of-range
	// argument; never retryable without changing the input.
	Invalid Code = "INVALID"

	// EmbeddingUnavailable means the embedding service could not produce a
	// vector for the request within its retry budget.
	EmbeddingUnavailable Code = "EMBEDDING_UNAVAILABLE"

	// ConsolidationBusy means a consolidation run is already in progress
	// for the scope and the new request was rejected rather than queued.
	ConsolidationBusy Code = "CONSOLIDATION_BUSY"

	// ConsolidationRejected means the System 2 validator declined to
	// promote a candidate fact (failed recall/consistency thresholds).
	ConsolidationRejected Code = "CONSOLIDATION_REJECTED"

	// AlreadyClaimed means a task claim attempt found the task already
	// held by a non-expired owner.
	AlreadyClaimed Code = "ALREADY_CLAIMED"

	// DeadlineExceeded means a context deadline elapsed before the
	// operation completed.
	DeadlineExceeded Code = "DEADLINE_EXCEEDED"

	// Cancelled means the caller's context was cancelled.
	Cancelled Code = "CANCELLED"

	// IngestBusy means the episodic ingest soft cap was reached and the
	// caller should shed load or retry later.
	IngestBusy Code = "INGEST_BUSY"

	// SchemaMismatch means stored data carries a schema version the
	// running build does not know how to read.
	SchemaMismatch Code = "SCHEMA_MISMATCH"

	// Unauthorized means the caller presented no valid credential, or the
	// credential's project scope does not match the scope being accessed.
	Unauthorized Code = "UNAUTHORIZED"

	// Internal means an in-process dependency (e.g. a tokenizer encoding
	// table) failed to initialize; not attributable to caller input or
	// store availability.
	Internal Code = "INTERNAL"
)

// Error is the structured error type returned by every Athena package.
// It wraps an underlying cause (if any) and carries a Code callers can
// switch on plus a Retryable hint for transport-level retry policies.
type Error struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Cause     error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap exposes the cause to errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message, Retryable: defaultRetryable(code)}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates an Error that carries cause as its underlying error.
func Wrap(code Code, cause error, message string) *Error {
	return New(code, message).WithCause(cause)
}

// WithCause attaches an underlying error and returns the receiver for
// chaining.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable overrides the default retryability for the code.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// defaultRetryable gives each code a sensible retry default; callers can
// override per-instance with WithRetryable.
func defaultRetryable(code Code) bool {
	switch code {
	case StoreUnavailable, EmbeddingUnavailable, ConsolidationBusy, IngestBusy, DeadlineExceeded:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether err is an *Error marked retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetCode extracts the Code carried by err, or "" if err is not an *Error.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Is reports whether err's code (or any wrapped *Error's code) equals code.
func Is(err error, code Code) bool {
	return GetCode(err) == code
}
