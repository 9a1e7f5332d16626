package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/muurk/rtc2/internal/logging"
	"github.com/muurk/rtc2/internal/protocol"
)

const (
	// DefaultIntifaceURL is where Intiface Central listens out of the box.
	DefaultIntifaceURL = "ws://localhost:12345"

	// DefaultSignalURL is a relay started with rtc2-signal serve on this machine.
	DefaultSignalURL = "ws://localhost:9000/peerjs"

	// DefaultRelayListen is the relay's default listen address.
	DefaultRelayListen = ":9000"

	// DefaultSTUNServer is written into a fresh config file.
	DefaultSTUNServer = "stun:stun.l.google.com:19302"
)

// Registry represents the entire user configuration file.
// It stores connection settings and remembered peers; no session state.
type Registry struct {
	Version     int              `yaml:"version"`
	IntifaceURL string           `yaml:"intiface_url"`
	SignalURL   string           `yaml:"signal_url"`
	PairBaseURL string           `yaml:"pair_base_url,omitempty"`
	Codec       string           `yaml:"codec"`
	LogLevel    string           `yaml:"log_level,omitempty"`
	ICEServers  []ICEServer      `yaml:"ice_servers,omitempty"`
	Peers       map[string]*Peer `yaml:"peers,omitempty"` // Keyed by peer id
	Preferences *Preferences     `yaml:"preferences,omitempty"`
	Relay       *Relay           `yaml:"relay,omitempty"`
}

// ICEServer is one STUN or TURN server handed to WebRTC.
type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

// Peer represents a remembered remote peer.
type Peer struct {
	Nickname   string    `yaml:"nickname,omitempty"`    // User-friendly name
	LastLinked time.Time `yaml:"last_linked,omitempty"` // Last time a link opened
}

// Preferences represents application-wide user preferences.
type Preferences struct {
	AutoDiscover    bool `yaml:"auto_discover"`    // Find a relay over mDNS when no signal URL is given
	DiscoverTimeout int  `yaml:"discover_timeout"` // mDNS discovery timeout in seconds
}

// Relay holds the rtc2-signal settings.
type Relay struct {
	Listen    string `yaml:"listen"`
	RedisAddr string `yaml:"redis_addr,omitempty"`
	MDNS      bool   `yaml:"mdns"`
	Instance  string `yaml:"instance,omitempty"`
}

func defaultPreferences() *Preferences {
	return &Preferences{
		AutoDiscover:    false,
		DiscoverTimeout: 5,
	}
}

func defaultRelay() *Relay {
	return &Relay{
		Listen: DefaultRelayListen,
		MDNS:   true,
	}
}

// NewRegistry creates a new Registry with default values.
func NewRegistry() *Registry {
	return &Registry{
		Version:     1,
		IntifaceURL: DefaultIntifaceURL,
		SignalURL:   DefaultSignalURL,
		Codec:       protocol.CodecJSON,
		Peers:       make(map[string]*Peer),
		Preferences: defaultPreferences(),
		Relay:       defaultRelay(),
	}
}

// applyDefaults fills fields a hand-written file may leave out.
func (r *Registry) applyDefaults() {
	if r.IntifaceURL == "" {
		r.IntifaceURL = DefaultIntifaceURL
	}
	if r.SignalURL == "" {
		r.SignalURL = DefaultSignalURL
	}
	if r.Codec == "" {
		r.Codec = protocol.CodecJSON
	}
	if r.Peers == nil {
		r.Peers = make(map[string]*Peer)
	}
	if r.Preferences == nil {
		r.Preferences = defaultPreferences()
	}
	if r.Relay == nil {
		r.Relay = defaultRelay()
	}
	if r.Relay.Listen == "" {
		r.Relay.Listen = DefaultRelayListen
	}
}

// Validate checks URLs, the codec name and the ICE server list.
func (r *Registry) Validate() error {
	if r.Version != 1 {
		return fmt.Errorf("unsupported config version: %d (expected 1)", r.Version)
	}
	if err := validateURL("intiface_url", r.IntifaceURL, "ws", "wss"); err != nil {
		return err
	}
	if err := validateURL("signal_url", r.SignalURL, "ws", "wss"); err != nil {
		return err
	}
	if r.PairBaseURL != "" {
		if _, err := url.Parse(r.PairBaseURL); err != nil {
			return fmt.Errorf("pair_base_url: %w", err)
		}
	}
	if _, err := protocol.NewCodec(r.Codec); err != nil {
		return fmt.Errorf("codec: %w", err)
	}
	if r.LogLevel != "" {
		if _, err := logging.ParseLevel(r.LogLevel); err != nil {
			return fmt.Errorf("log_level: %w", err)
		}
	}
	for i, server := range r.ICEServers {
		if len(server.URLs) == 0 {
			return fmt.Errorf("ice_servers[%d]: no urls", i)
		}
		for _, u := range server.URLs {
			if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "stuns:") &&
				!strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
				return fmt.Errorf("ice_servers[%d]: %q is not a stun or turn URL", i, u)
			}
		}
	}
	if r.Preferences != nil && r.Preferences.DiscoverTimeout < 0 {
		return fmt.Errorf("preferences.discover_timeout must not be negative")
	}
	return nil
}

func validateURL(field string, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	for _, scheme := range schemes {
		if u.Scheme == scheme && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s: %q must be a %s URL", field, raw, strings.Join(schemes, " or "))
}

// WebRTCICEServers converts the configured servers for pion.
func (r *Registry) WebRTCICEServers() []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(r.ICEServers))
	for _, s := range r.ICEServers {
		server := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			server.Credential = s.Credential
		}
		servers = append(servers, server)
	}
	return servers
}

// DiscoverTimeout returns the mDNS timeout as a duration.
func (r *Registry) DiscoverTimeout() time.Duration {
	if r.Preferences == nil || r.Preferences.DiscoverTimeout == 0 {
		return 5 * time.Second
	}
	return time.Duration(r.Preferences.DiscoverTimeout) * time.Second
}

// GetPeer retrieves a remembered peer by id.
// Returns nil if the peer isn't remembered.
func (r *Registry) GetPeer(id string) *Peer {
	return r.Peers[id]
}

// EnsurePeer ensures a peer entry exists in the registry.
// Returns the peer entry (existing or newly created).
func (r *Registry) EnsurePeer(id string) *Peer {
	if r.Peers == nil {
		r.Peers = make(map[string]*Peer)
	}
	if peer, exists := r.Peers[id]; exists {
		return peer
	}
	peer := &Peer{}
	r.Peers[id] = peer
	return peer
}

// UpdatePeerLastLinked records that a link to id just opened.
func (r *Registry) UpdatePeerLastLinked(id string) {
	r.EnsurePeer(id).LastLinked = time.Now()
}

// SetPeerNickname sets a user-friendly nickname for a peer.
func (r *Registry) SetPeerNickname(id, nickname string) {
	r.EnsurePeer(id).Nickname = nickname
}

// ResolvePeer maps a nickname to its peer id. Anything else is returned
// unchanged.
func (r *Registry) ResolvePeer(nameOrID string) string {
	if _, ok := r.Peers[nameOrID]; ok {
		return nameOrID
	}
	for id, peer := range r.Peers {
		if peer != nil && peer.Nickname != "" && peer.Nickname == nameOrID {
			return id
		}
	}
	return nameOrID
}
