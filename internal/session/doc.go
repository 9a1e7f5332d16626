// Package session implements the peer session state machine.
//
// A [Manager] owns one session at a time. A session is one transport peer:
// it starts [Connecting], becomes [Connected] once the relay assigns an id,
// and holds at most one link to a remote peer. Over that link the manager
// pushes full snapshots of the local controllable devices and receives the
// remote peer's snapshots into a mirror. Dispatch messages from the remote
// peer are applied to the local registry.
//
// Transitions:
//
//   - open: Connected{ID}. With a pairing target, connect to it.
//   - inbound connection while a link exists: close the newcomer.
//   - disconnected, or the link closing: tear the session down, call
//     OnDisconnected and start a fresh session with no target.
//   - error: Errored with a [Classification]. Only [Manager.Retry] leaves
//     this state, and only for recoverable categories.
//
// All state is owned by the goroutine running [Manager.Run]. Transport
// callbacks only enqueue events, each bound to the session that subscribed;
// events from a session that is no longer current are dropped.
package session
