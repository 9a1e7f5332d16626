package buttplug

import (
	"errors"
	"fmt"
)

// ErrorCode is the Buttplug error class.
type ErrorCode int

const (
	ErrorUnknown ErrorCode = iota
	ErrorInit
	ErrorPing
	ErrorMessage
	ErrorDevice
)

// String returns a human-readable name for the error code
func (c ErrorCode) String() string {
	switch c {
	case ErrorUnknown:
		return "Unknown Error"
	case ErrorInit:
		return "Init Error"
	case ErrorPing:
		return "Ping Error"
	case ErrorMessage:
		return "Message Error"
	case ErrorDevice:
		return "Device Error"
	default:
		return fmt.Sprintf("ErrorCode(%d)", c)
	}
}

// Error is a failure reported by the server or detected by the client.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for error chain inspection
func (e *Error) Unwrap() error {
	return e.Err
}

var (
	// ErrNotConnected is returned when no server connection exists.
	ErrNotConnected = errors.New("not connected to a Buttplug server")

	// ErrAlreadyConnected is returned by Connect on a connected client.
	ErrAlreadyConnected = errors.New("already connected to a Buttplug server")

	// ErrUnknownDevice is returned for a device index the server has not
	// announced.
	ErrUnknownDevice = errors.New("unknown device")
)

// IsDeviceError checks if err is a device-level failure, which callers
// treat as the device having gone away.
func IsDeviceError(err error) bool {
	if errors.Is(err, ErrUnknownDevice) {
		return true
	}
	var bpErr *Error
	return errors.As(err, &bpErr) && bpErr.Code == ErrorDevice
}
