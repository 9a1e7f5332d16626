// Package server implements the rtc2 signaling relay.
//
// Peers open a WebSocket to /peerjs, optionally asking for an id with
// ?id=. The relay answers with OPEN carrying the assigned id in dst, or
// ID-TAKEN when another peer holds it. After that a peer sends OFFER,
// ANSWER and LEAVE messages addressed by dst; the relay stamps src and
// forwards them. An OFFER for an unknown peer comes back as EXPIRE with
// the offer's connectionId, which the sender reports as peer-unavailable.
// HEARTBEAT keeps the registration alive.
//
// # Multiple Instances
//
// With a Redis address the relay claims ids with SET NX under
// rtc2:peer:<id> and subscribes to rtc2:relay:<instance>. Messages for a
// peer on another instance are published on that instance's channel.
// Without Redis the relay keeps its id table in memory.
//
// # Usage Example
//
//	srv, err := server.New(&server.Config{Listen: ":9000", MDNS: true})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Start blocks until SIGINT/SIGTERM or a serve error
//	if err := srv.Start(); err != nil {
//	    log.Fatal(err)
//	}
//
// # Graceful Shutdown
//
// On SIGINT or SIGTERM the relay:
//  1. Withdraws its mDNS advertisement
//  2. Stops accepting new connections
//  3. Sends a close frame to every registered peer
//  4. Waits for the read and write pumps to finish
//
// # Thread Safety
//
// A single hub goroutine owns the id table. Each peer has its own read and
// write pump.
package server
