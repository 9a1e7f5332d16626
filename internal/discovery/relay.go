package discovery

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// DefaultPath is the relay's WebSocket path when the TXT record omits one.
const DefaultPath = "/peerjs"

// Relay represents a signaling relay discovered on the network
type Relay struct {
	// Instance is the advertised service instance name (e.g., "rtc2-signal-kitchen")
	Instance string

	// Host is the mDNS hostname (e.g., "kitchen.local.")
	Host string

	// IP is the relay address, IPv4 when available
	IP string

	// Port is the relay's HTTP port
	Port int

	// Metadata contains the mDNS TXT record data
	// Common fields: "path=/peerjs", "version=1.0.0"
	Metadata map[string]string

	// DiscoveredAt is when the relay was discovered
	DiscoveredAt time.Time
}

// String returns a human-readable string representation of the relay
func (r *Relay) String() string {
	return fmt.Sprintf("Relay %s (%s) at %s", r.Instance, r.Host, net.JoinHostPort(r.IP, strconv.Itoa(r.Port)))
}

// URL returns the WebSocket signaling URL of the relay
func (r *Relay) URL() string {
	path := r.GetMetadata("path")
	if path == "" {
		path = DefaultPath
	}
	return "ws://" + net.JoinHostPort(r.IP, strconv.Itoa(r.Port)) + path
}

// GetMetadata retrieves a metadata value by key, or returns empty string if not found
func (r *Relay) GetMetadata(key string) string {
	if r.Metadata == nil {
		return ""
	}
	return r.Metadata[key]
}
