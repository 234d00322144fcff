package core

import (
	"errors"
	"fmt"
)

// Error is the engine-wide error type. Every failure that crosses a package
// boundary carries a Kind so callers can branch on the category rather than
// on message text.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Cause   error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error {
	return e.Cause
}

// ErrorKind categorizes errors.
type ErrorKind string

const (
	// ErrPermissionDenied means the user refused microphone access.
	ErrPermissionDenied ErrorKind = "permission_denied"
	// ErrDeviceUnavailable means no usable capture device exists.
	ErrDeviceUnavailable ErrorKind = "device_unavailable"
	// ErrCredentialFetch means the ephemeral credential or one-shot token
	// could not be obtained from the backend.
	ErrCredentialFetch ErrorKind = "credential_fetch_failed"
	// ErrNegotiation means the offer/answer exchange failed (non-2xx or
	// malformed SDP).
	ErrNegotiation ErrorKind = "negotiation_failed"
	// ErrChannel is a transport fault after the session channel opened.
	ErrChannel ErrorKind = "channel_error"
	// ErrToolExecution means a tool-call round trip failed. Recovered
	// locally: reported back to the model, never surfaced to the user.
	ErrToolExecution ErrorKind = "tool_execution_failed"
	// ErrPersistence means the transcript save failed. Logged, non-fatal.
	ErrPersistence ErrorKind = "persistence_failed"
	// ErrInvalidRequest means the caller violated the engine contract
	// (missing agent selection, missing workspace context, and so on).
	ErrInvalidRequest ErrorKind = "invalid_request"
)

// NewPermissionDeniedError creates a microphone permission error.
func NewPermissionDeniedError(message string) *Error {
	return &Error{Kind: ErrPermissionDenied, Message: message}
}

// NewDeviceUnavailableError creates a capture device error.
func NewDeviceUnavailableError(message string, cause error) *Error {
	return &Error{Kind: ErrDeviceUnavailable, Message: message, Cause: cause}
}

// NewCredentialFetchError creates a credential/token fetch error.
func NewCredentialFetchError(message string, cause error) *Error {
	return &Error{Kind: ErrCredentialFetch, Message: message, Cause: cause}
}

// NewNegotiationError creates an offer/answer exchange error.
func NewNegotiationError(message string, cause error) *Error {
	return &Error{Kind: ErrNegotiation, Message: message, Cause: cause}
}

// NewChannelError creates a post-connection transport error.
func NewChannelError(message string, cause error) *Error {
	return &Error{Kind: ErrChannel, Message: message, Cause: cause}
}

// NewToolExecutionError creates a tool round-trip error.
func NewToolExecutionError(message string, cause error) *Error {
	return &Error{Kind: ErrToolExecution, Message: message, Cause: cause}
}

// NewPersistenceError creates a transcript-save error.
func NewPersistenceError(message string, cause error) *Error {
	return &Error{Kind: ErrPersistence, Message: message, Cause: cause}
}

// NewInvalidRequestError creates a contract-violation error.
func NewInvalidRequestError(message string) *Error {
	return &Error{Kind: ErrInvalidRequest, Message: message}
}

// KindOf returns the ErrorKind of err, or "" when err is not an engine Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsFatalToSession reports whether an error should abort the session and
// tear down resources. Tool and persistence failures are recovered in place.
func IsFatalToSession(err error) bool {
	switch KindOf(err) {
	case ErrToolExecution, ErrPersistence:
		return false
	default:
		return true
	}
}

// UserMessage maps an error to actionable guidance for the UI. The two
// categories a user can actually act on are distinguished from the rest.
func UserMessage(err error) string {
	switch KindOf(err) {
	case ErrPermissionDenied:
		return "Microphone access is blocked. Allow microphone access and try again."
	case ErrDeviceUnavailable:
		return "No microphone was found. Connect one and try again."
	default:
		return "Connection failed. Please try again."
	}
}
