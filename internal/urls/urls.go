package urls

import (
	"fmt"
	"net/url"
	"strings"
)

// Documentation URLs shown in help and error text.

// IntifaceCentral is where users get the server that owns their devices.
const IntifaceCentral = "https://intiface.com/central/"

// ButtplugSpec documents the device protocol spoken to Intiface.
const ButtplugSpec = "https://buttplug-spec.docs.buttplug.io/"

// DefaultPairBaseURL is used when no pair_base_url is configured. The
// fragment is all that matters to another rtc2 peer.
const DefaultPairBaseURL = "rtc2://pair/"

// PairingLink returns base with id as its fragment. An empty base uses
// DefaultPairBaseURL.
func PairingLink(base string, id string) (string, error) {
	if id == "" {
		return "", fmt.Errorf("empty peer id")
	}
	if base == "" {
		base = DefaultPairBaseURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid pairing base URL %q: %w", base, err)
	}
	u.Fragment = id
	return u.String(), nil
}

// ParsePairingTarget extracts the peer id from a pairing link or a bare id.
// It reports false when s carries no id, which means "not paired".
func ParsePairingTarget(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}

	if !strings.Contains(s, "#") && !strings.Contains(s, "://") {
		return s, true
	}

	u, err := url.Parse(s)
	if err != nil {
		// Fall back to the raw fragment text.
		_, fragment, _ := strings.Cut(s, "#")
		fragment = strings.TrimSpace(fragment)
		return fragment, fragment != ""
	}
	return u.Fragment, u.Fragment != ""
}
