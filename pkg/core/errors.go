// Package core holds the error vocabulary shared across the rectoc module.
package core

import (
	"fmt"
)

// Error represents a session or collaborator error.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Code    string    `json:"code,omitempty"`
	Err     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Kind, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error for error wrapping.
func (e *Error) Unwrap() error {
	return e.Err
}

// ErrorKind categorizes errors.
type ErrorKind string

const (
	// ErrMediaAcquisition means the microphone was denied or absent. Fatal to
	// the connect attempt; no automatic retry.
	ErrMediaAcquisition ErrorKind = "media_acquisition_error"
	// ErrCredential means the ephemeral token mint failed. Retryable by
	// calling Connect again.
	ErrCredential ErrorKind = "credential_error"
	// ErrSignaling means the offer/answer exchange returned non-2xx or a
	// malformed answer. Retryable by calling Connect again.
	ErrSignaling ErrorKind = "signaling_error"
	// ErrTransport means the peer connection failed after it was established.
	// The session tears down; reconnection is a caller decision.
	ErrTransport ErrorKind = "transport_error"
	// ErrDecode means an inbound control frame could not be parsed. Logged
	// and dropped, never fatal to the session.
	ErrDecode ErrorKind = "decode_error"
	// ErrRemote is an error event sent by the remote endpoint.
	ErrRemote ErrorKind = "remote_error"
	// ErrChannelClosed means a send was attempted without an open control
	// channel. Reported as a no-op, never thrown.
	ErrChannelClosed ErrorKind = "channel_closed_error"
	// ErrInvalidRequest covers caller mistakes (nil config, empty fields).
	ErrInvalidRequest ErrorKind = "invalid_request_error"
)

// NewMediaAcquisitionError creates a microphone acquisition error.
func NewMediaAcquisitionError(message string, err error) *Error {
	return &Error{Kind: ErrMediaAcquisition, Message: message, Err: err}
}

// NewCredentialError creates a token mint error.
func NewCredentialError(message string, err error) *Error {
	return &Error{Kind: ErrCredential, Message: message, Err: err}
}

// NewSignalingError creates an offer/answer exchange error.
func NewSignalingError(message string, err error) *Error {
	return &Error{Kind: ErrSignaling, Message: message, Err: err}
}

// NewTransportError creates a post-connect transport failure.
func NewTransportError(message string, err error) *Error {
	return &Error{Kind: ErrTransport, Message: message, Err: err}
}

// NewDecodeError creates an inbound frame decode error.
func NewDecodeError(message string, err error) *Error {
	return &Error{Kind: ErrDecode, Message: message, Err: err}
}

// NewRemoteError creates an error from a server-sent error event.
func NewRemoteError(message, code string) *Error {
	return &Error{Kind: ErrRemote, Message: message, Code: code}
}

// NewChannelClosedError creates a send-on-closed-channel error.
func NewChannelClosedError(message string) *Error {
	return &Error{Kind: ErrChannelClosed, Message: message}
}

// NewInvalidRequestError creates an invalid request error.
func NewInvalidRequestError(message string) *Error {
	return &Error{Kind: ErrInvalidRequest, Message: message}
}

// IsRetryable returns true when re-invoking the failed operation may succeed.
func (e *Error) IsRetryable() bool {
	switch e.Kind {
	case ErrCredential, ErrSignaling, ErrTransport:
		return true
	default:
		return false
	}
}
