package errors

import (
	"errors"
	"fmt"
)

// Domain errors - these represent realtime rule violations
var (
	// Authorization
	ErrForbidden    = errors.New("action forbidden")
	ErrUnauthorized = errors.New("unauthorized")

	// Topics & channels
	ErrInvalidTopic  = errors.New("invalid topic")
	ErrNotJoined     = errors.New("channel is not joined")
	ErrChannelClosed = errors.New("channel closed by backend")
	ErrNotSubscribed = errors.New("not subscribed to topic")

	// Events
	ErrMalformedEvent = errors.New("malformed event payload")
	ErrUnknownEvent   = errors.New("unknown event kind")

	// Lifecycle
	ErrShutdown  = errors.New("realtime manager is shut down")
	ErrSignedOut = errors.New("credentials signed out")

	// Generic
	ErrNotFound    = errors.New("resource not found")
	ErrBadRequest  = errors.New("bad request")
	ErrRateLimited = errors.New("rate limit exceeded")
)

// AppError wraps errors with additional context for HTTP responses
type AppError struct {
	Err        error  // The underlying error
	Message    string // User-friendly message
	Code       string // Machine-readable error code
	StatusCode int    // HTTP status code
	Details    map[string]interface{}
}

func (e *AppError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Err.Error()
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Error constructors for common cases
func NewBadRequestError(err error, message string) *AppError {
	return &AppError{
		Err:        err,
		Message:    message,
		Code:       "BAD_REQUEST",
		StatusCode: 400,
	}
}

func NewUnauthorizedError(message string) *AppError {
	return &AppError{
		Err:        ErrUnauthorized,
		Message:    message,
		Code:       "UNAUTHORIZED",
		StatusCode: 401,
	}
}

func NewForbiddenError(message string) *AppError {
	return &AppError{
		Err:        ErrForbidden,
		Message:    message,
		Code:       "FORBIDDEN",
		StatusCode: 403,
	}
}

func NewNotFoundError(err error, message string) *AppError {
	return &AppError{
		Err:        err,
		Message:    message,
		Code:       "NOT_FOUND",
		StatusCode: 404,
	}
}

func NewRateLimitError() *AppError {
	return &AppError{
		Err:        ErrRateLimited,
		Message:    "Too many requests. Please try again later.",
		Code:       "RATE_LIMITED",
		StatusCode: 429,
	}
}

func NewInternalError(err error) *AppError {
	return &AppError{
		Err:        err,
		Message:    "An unexpected error occurred",
		Code:       "INTERNAL_ERROR",
		StatusCode: 500,
	}
}

// ProtocolError reports a single inbound message that could not be decoded.
// The message is dropped; the channel it arrived on is unaffected.
type ProtocolError struct {
	Event string
	Err   error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error on %q: %v", e.Event, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// NewProtocolError wraps a decode failure, always matching ErrMalformedEvent.
func NewProtocolError(event string, err error) *ProtocolError {
	if err == nil {
		err = ErrMalformedEvent
	} else if !errors.Is(err, ErrMalformedEvent) && !errors.Is(err, ErrUnknownEvent) {
		err = fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return &ProtocolError{Event: event, Err: err}
}

// CallbackError reports a consumer callback that panicked during delivery.
type CallbackError struct {
	Callback string
	Value    any
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("consumer callback %s panicked: %v", e.Callback, e.Value)
}

// ValidationErrors holds multiple field validation errors
type ValidationErrors struct {
	Errors map[string][]string `json:"errors"`
}

func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{
		Errors: make(map[string][]string),
	}
}

func (v *ValidationErrors) Add(field, message string) {
	v.Errors[field] = append(v.Errors[field], message)
}

func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

func (v *ValidationErrors) Error() string {
	return fmt.Sprintf("validation failed: %d field(s) have errors", len(v.Errors))
}
