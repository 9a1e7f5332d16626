package session

import (
	"errors"
	"fmt"

	"github.com/muurk/rtc2/internal/transport"
)

// Category decides how a session error can be recovered from.
type Category int

const (
	// CategoryTerminal errors are shown but not offered a retry.
	CategoryTerminal Category = iota
	// CategoryRecoverable errors can be retried by the user.
	CategoryRecoverable
)

// String returns a human-readable name for the category
func (c Category) String() string {
	switch c {
	case CategoryTerminal:
		return "terminal"
	case CategoryRecoverable:
		return "recoverable"
	default:
		return fmt.Sprintf("Category(%d)", c)
	}
}

// Classification is the outcome of classifying a session error.
type Classification struct {
	Kind      transport.ErrorKind
	Category  Category
	Message   string
	Retryable bool
}

// recoverable lists the transport kinds a user retry can fix.
var recoverable = map[transport.ErrorKind]bool{
	transport.KindNetwork:         true,
	transport.KindServerError:     true,
	transport.KindSocketError:     true,
	transport.KindSocketClosed:    true,
	transport.KindUnavailableID:   true,
	transport.KindPeerUnavailable: true,
}

// Classify maps an error raised by the transport to a category. Unknown
// kinds and errors that are not transport errors are terminal.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Category: CategoryTerminal}
	}

	var transportErr *transport.Error
	if !errors.As(err, &transportErr) {
		return Classification{
			Category: CategoryTerminal,
			Message:  err.Error(),
		}
	}

	c := Classification{
		Kind:     transportErr.Kind,
		Category: CategoryTerminal,
		Message:  transportErr.Message,
	}
	if c.Message == "" && transportErr.Err != nil {
		c.Message = transportErr.Err.Error()
	}
	if recoverable[transportErr.Kind] {
		c.Category = CategoryRecoverable
		c.Retryable = true
	}
	return c
}

// IsRetryable checks if an error should be offered a retry
func IsRetryable(err error) bool {
	return Classify(err).Retryable
}

// ShortMessage returns a concise, user-friendly error message
func ShortMessage(c Classification) string {
	switch c.Kind {
	case transport.KindNetwork:
		return "Cannot reach the signaling server - check your connection"
	case transport.KindServerError:
		return "The signaling server reported an error"
	case transport.KindSocketError, transport.KindSocketClosed:
		return "Lost connection to the signaling server"
	case transport.KindUnavailableID:
		return "That peer id is already in use"
	case transport.KindPeerUnavailable:
		return "The other peer is not online - check the pairing link"
	case transport.KindBrowserIncompatible:
		return "WebRTC is not supported here"
	case transport.KindSSLUnavailable:
		return "The signaling server requires TLS"
	case transport.KindInvalidID:
		return "Invalid peer id"
	case transport.KindInvalidKey:
		return "Invalid signaling API key"
	case transport.KindWebRTC:
		return "Peer connection failed"
	}
	if c.Message != "" {
		return c.Message
	}
	return "Unknown error"
}
