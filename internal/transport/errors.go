package transport

import (
	"errors"
	"fmt"
)

// ErrorKind is the category of a transport failure.
type ErrorKind string

const (
	KindBrowserIncompatible ErrorKind = "browser-incompatible"
	KindDisconnected        ErrorKind = "disconnected"
	KindInvalidID           ErrorKind = "invalid-id"
	KindInvalidKey          ErrorKind = "invalid-key"
	KindNetwork             ErrorKind = "network"
	KindPeerUnavailable     ErrorKind = "peer-unavailable"
	KindSSLUnavailable      ErrorKind = "ssl-unavailable"
	KindServerError         ErrorKind = "server-error"
	KindSocketError         ErrorKind = "socket-error"
	KindSocketClosed        ErrorKind = "socket-closed"
	KindUnavailableID       ErrorKind = "unavailable-id"
	KindWebRTC              ErrorKind = "webrtc"
)

// Error is a transport failure with its kind.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// NewError creates a transport error.
func NewError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error for error chain inspection
func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of a transport error anywhere in err's chain, or
// "" when err is not a transport error.
func KindOf(err error) ErrorKind {
	var transportErr *Error
	if errors.As(err, &transportErr) {
		return transportErr.Kind
	}
	return ""
}

var (
	// ErrNotOpen is returned by Send on a connection that is not open.
	ErrNotOpen = errors.New("connection not open")

	// ErrDestroyed is returned by operations on a destroyed peer.
	ErrDestroyed = errors.New("peer destroyed")
)
