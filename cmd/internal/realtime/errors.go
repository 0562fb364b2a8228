package realtime

import (
	"errors"
	"fmt"

	v1 "hearth/shared/contracts/realtime/v1"
)

var (
	// ErrAuthenticationRequired is returned when a guarded event arrives on an anonymous connection.
	ErrAuthenticationRequired = errors.New("authentication required")

	// ErrRateLimitExceeded is returned when a per-kind threshold is hit.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrValidation is returned for malformed payloads and invalid state (e.g. not a member).
	ErrValidation = errors.New("validation error")

	// ErrNotFound is returned for unknown rooms and denied room access.
	ErrNotFound = errors.New("not found")

	// ErrDeliveryFailure is returned when a transport emit failed or timed out.
	ErrDeliveryFailure = errors.New("delivery failure")

	// ErrPersistenceFailure is returned when the message service rejected a write.
	ErrPersistenceFailure = errors.New("persistence failure")

	// ErrConnectionClosed is returned when emitting to a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
)

// Error is a handler failure carrying its taxonomy kind and a client-safe message.
type Error struct {
	Kind    error
	Message string
	Err     error
}

func newError(kind error, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Err: cause}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Code maps the kind to the wire error code.
func (e *Error) Code() string { return CodeOf(e.Kind) }

// CodeOf maps any error to a wire error code. Unknown errors are internal.
func CodeOf(err error) string {
	switch {
	case errors.Is(err, ErrAuthenticationRequired):
		return v1.CodeAuthenticationRequired
	case errors.Is(err, ErrRateLimitExceeded):
		return v1.CodeRateLimitExceeded
	case errors.Is(err, ErrValidation), errors.Is(err, v1.ErrInvalidPayload):
		return v1.CodeValidation
	case errors.Is(err, ErrNotFound):
		return v1.CodeNotFound
	case errors.Is(err, ErrDeliveryFailure), errors.Is(err, ErrConnectionClosed):
		return v1.CodeDeliveryFailure
	case errors.Is(err, ErrPersistenceFailure):
		return v1.CodePersistenceFailure
	default:
		return v1.CodeInternal
	}
}

// clientMessage returns the text sent to the caller. Internal causes are not leaked.
func clientMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	if errors.Is(err, v1.ErrInvalidPayload) {
		return err.Error()
	}
	return "internal error"
}
