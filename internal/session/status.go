package session

import "github.com/muurk/rtc2/internal/transport"

// Status is the externally visible session state. The set of
// implementations is closed.
type Status interface {
	status()
}

// Connecting means no id has been assigned yet.
type Connecting struct{}

// Connected means the relay assigned ID. PeerID is set while a link is
// pending or open; Linked reports whether it is open.
type Connected struct {
	ID     string
	PeerID string
	Linked bool
}

// Errored is terminal for the session that raised it.
type Errored struct {
	Kind     transport.ErrorKind
	Category Category
	Message  string
}

func (Connecting) status() {}
func (Connected) status()  {}
func (Errored) status()    {}

// Retryable reports whether Retry will accept this error.
func (e Errored) Retryable() bool {
	return e.Category == CategoryRecoverable
}

// StatusName returns a short label for s.
func StatusName(s Status) string {
	switch s := s.(type) {
	case Connecting:
		return "connecting"
	case Connected:
		if s.Linked {
			return "linked"
		}
		if s.PeerID != "" {
			return "linking"
		}
		return "connected"
	case Errored:
		return "errored"
	default:
		return "unknown"
	}
}
