// Package discovery finds rtc2 signaling relays on the local network.
//
// Relays advertise themselves over multicast DNS with the "_rtc2-signal._tcp"
// service type. A peer started with --discover browses for that type and
// uses the first relay that answers instead of a configured signal URL.
//
// # Usage Example
//
//	relay, err := discovery.NewScanner().FindRelay(ctx)
//	if err != nil {
//	    return err
//	}
//	fmt.Println(relay.URL()) // ws://192.168.1.20:9000/peerjs
//
// The relay side calls Advertise with its instance name, port and TXT
// records, and shuts the returned server down on exit.
//
// # Network Requirements
//
// - Requires multicast support on the network interface
// - Peers and relay must be on the same local network segment
// - Firewall must allow mDNS (UDP port 5353)
package discovery
