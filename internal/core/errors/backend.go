package errors

import (
	"context"
	"errors"
	"fmt"
)

// Reason is the machine-readable cause attached to a backend rejection.
type Reason string

const (
	ReasonQuotaExceeded    Reason = "quota_exceeded"
	ReasonCapacityExceeded Reason = "capacity_exceeded"
	ReasonTimeout          Reason = "timeout"
	ReasonAuthDenied       Reason = "auth_denied"
	ReasonUnknown          Reason = "unknown"
)

// BackendError is a failure reported by the pub/sub transport.
type BackendError struct {
	Reason  Reason
	Message string
	Err     error
}

func (e *BackendError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		return fmt.Sprintf("backend error: %s", e.Reason)
	}
	return fmt.Sprintf("backend error: %s: %s", e.Reason, msg)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrForbidden) match backend authorization denials.
func (e *BackendError) Is(target error) bool {
	return target == ErrForbidden && e.Reason == ReasonAuthDenied
}

// NewBackendError builds a BackendError; an empty reason becomes ReasonUnknown.
func NewBackendError(reason Reason, message string) *BackendError {
	if reason == "" {
		reason = ReasonUnknown
	}
	return &BackendError{Reason: reason, Message: message}
}

// Class partitions failures by how the realtime layer reacts to them.
type Class int

const (
	// ClassTransient failures are retried with backoff and never surfaced.
	ClassTransient Class = iota
	// ClassAuthorization failures are surfaced once and never retried.
	ClassAuthorization
	// ClassProtocol failures drop a single malformed message.
	ClassProtocol
	// ClassProgramming failures come from consumer callbacks.
	ClassProgramming
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassAuthorization:
		return "authorization"
	case ClassProtocol:
		return "protocol"
	case ClassProgramming:
		return "programming"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Classify maps an error to its Class. Anything unrecognised is transient:
// retrying an unknown failure is safer than dropping a subscription.
func Classify(err error) Class {
	var callbackErr *CallbackError
	var protocolErr *ProtocolError
	switch {
	case err == nil:
		return ClassTransient
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrUnauthorized):
		return ClassAuthorization
	case errors.As(err, &protocolErr), errors.Is(err, ErrMalformedEvent), errors.Is(err, ErrUnknownEvent):
		return ClassProtocol
	case errors.As(err, &callbackErr):
		return ClassProgramming
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	default:
		return ClassTransient
	}
}

// ReasonOf extracts the backend reason, or ReasonUnknown.
func ReasonOf(err error) Reason {
	var backendErr *BackendError
	if errors.As(err, &backendErr) {
		return backendErr.Reason
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	return ReasonUnknown
}
