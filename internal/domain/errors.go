package domain

import (
	"errors"
	"fmt"
)

// ErrJobNotFound is a sentinel error returned when a job is not found. Store
// unavailability is never reported through it; see ErrorKindStore.
var ErrJobNotFound = errors.New("job not found")

// ErrorKind classifies a pipeline failure. The values are part of the stable
// API contract: clients branch on the kind reported in a failed job.
type ErrorKind string

const (
	// ErrorKindValidation covers malformed requests and downstream 4xx
	// rejections. Never retried, never counted against a circuit breaker.
	ErrorKindValidation ErrorKind = "validation"
	// ErrorKindTransient covers transport failures and downstream 5xx
	// responses. Retried by the stage client, counted against the breaker.
	ErrorKindTransient ErrorKind = "transient_service"
	// ErrorKindUnavailable means the circuit breaker refused the call
	// without a network attempt.
	ErrorKindUnavailable ErrorKind = "service_unavailable"
	// ErrorKindTimeout means the polling budget elapsed before the
	// downstream job reached a terminal status; its eventual outcome is
	// unknown.
	ErrorKindTimeout ErrorKind = "timeout"
	// ErrorKindStore means the job store itself was unreachable.
	ErrorKindStore ErrorKind = "store"
)

// Error is the tagged failure type returned from every stage client and
// coordinator call. The kind is part of the signature rather than something
// discovered by introspecting wrapped causes.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewValidationError builds a validation-class error.
func NewValidationError(format string, args ...any) *Error {
	return &Error{Kind: ErrorKindValidation, Message: fmt.Sprintf(format, args...)}
}

// NewTransientError builds a retryable transport/server-class error.
func NewTransientError(format string, args ...any) *Error {
	return &Error{Kind: ErrorKindTransient, Message: fmt.Sprintf(format, args...)}
}

// NewUnavailableError builds the error returned when a breaker is open.
func NewUnavailableError(service string) *Error {
	return &Error{Kind: ErrorKindUnavailable, Message: fmt.Sprintf("service %s unavailable: circuit breaker open", service)}
}

// NewTimeoutError builds a polling or cancellation timeout error.
func NewTimeoutError(format string, args ...any) *Error {
	return &Error{Kind: ErrorKindTimeout, Message: fmt.Sprintf(format, args...)}
}

// NewStoreError builds an error signalling that the job store is unreachable.
func NewStoreError(format string, args ...any) *Error {
	return &Error{Kind: ErrorKindStore, Message: fmt.Sprintf(format, args...)}
}

// AsError extracts the tagged error from err, classifying unknown errors as
// transient so an unexpected failure is never silently treated as permanent.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged
	}
	return NewTransientError("%s", err.Error())
}

// IsKind reports whether err carries the given classification.
func IsKind(err error, kind ErrorKind) bool {
	var tagged *Error
	return errors.As(err, &tagged) && tagged.Kind == kind
}
