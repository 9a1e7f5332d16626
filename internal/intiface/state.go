package intiface

// State is the controller's connection state. The set of implementations
// is closed.
type State interface {
	state()
}

// Disconnected is the initial state. Err is the last connection failure,
// if any.
type Disconnected struct {
	Err string
}

// Connecting means a Connect call is in flight.
type Connecting struct{}

// Connected means the server handshake completed and scanning started.
type Connected struct{}

func (Disconnected) state() {}
func (Connecting) state()   {}
func (Connected) state()    {}

// StateName returns a short label for s.
func StateName(s State) string {
	switch s.(type) {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}
