package transport

import "context"

// Peer is one registration with the signaling layer. A Peer is used for a
// single session and is not reusable once destroyed.
type Peer interface {
	// ID returns the id assigned by the signaling layer, or "" before open.
	ID() string

	// Subscribe registers listener for peer events.
	Subscribe(listener PeerHandler) Subscription

	// Connect starts an ordered, reliable link to targetID. The returned
	// connection raises its open event once the link is usable. Failure to
	// reach the target is reported as a peer error.
	Connect(ctx context.Context, targetID string) (Conn, error)

	// Disconnect closes the signaling registration while keeping existing
	// links.
	Disconnect() error

	// Destroy closes the signaling registration and every link.
	Destroy() error
}

// Conn is one data channel to a remote peer.
type Conn interface {
	// PeerID returns the remote peer's id.
	PeerID() string

	// Subscribe registers listener for connection events.
	Subscribe(listener ConnHandler) Subscription

	// Send transmits one message. Delivery is ordered and reliable.
	Send(data []byte) error

	// Close closes the channel. Both sides observe a close event.
	Close() error
}

// PeerHandler receives peer events. Nil fields are ignored.
type PeerHandler struct {
	OnOpen         func(id string)
	OnConnection   func(conn Conn)
	OnDisconnected func()
	OnError        func(err *Error)
}

// ConnHandler receives connection events. Nil fields are ignored.
type ConnHandler struct {
	OnOpen  func()
	OnData  func(data []byte)
	OnClose func()
	OnError func(err error)
}

// Subscription releases a listener registration.
type Subscription interface {
	Unsubscribe()
}

// Factory creates a fresh peer. A session manager calls it once per session.
type Factory func() Peer

// Subscriptions owns a set of registrations so they can be released
// together.
type Subscriptions struct {
	subs []Subscription
}

// Add takes ownership of sub.
func (s *Subscriptions) Add(sub Subscription) {
	s.subs = append(s.subs, sub)
}

// Release unsubscribes everything and empties the set.
func (s *Subscriptions) Release() {
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	s.subs = nil
}
