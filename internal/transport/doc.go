// Package transport provides the peer-to-peer link between two rtc2 peers.
//
// The package mirrors the shape of a browser peer library: a [Peer] registers
// with a signaling relay and is assigned an addressable id, can [Peer.Connect]
// to another id, and receives inbound connections. Each [Conn] is a single
// ordered, reliable message channel.
//
// Events are delivered to listeners registered with Subscribe. Every
// subscription returns a [Subscription] that must be released when its owner
// is done; releasing all of them is how a session detaches from an abandoned
// peer. Events raised before the first listener subscribes are buffered and
// replayed to it, so a caller never misses the open event of a connection it
// has not subscribed to yet.
//
// Two implementations exist:
//
//   - [WebRTCPeer] signals through the rtc2 relay over a WebSocket and carries
//     data over pion/webrtc data channels. Signaling is vanilla ICE: all
//     candidates are gathered before an offer or answer is sent, so one
//     round-trip establishes the link.
//   - [MemoryNetwork] connects peers in-process for tests, with fault
//     injection for disconnects and errors.
//
// Failures are reported as [*Error] values carrying an [ErrorKind].
package transport
