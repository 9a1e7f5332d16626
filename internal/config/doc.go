// Package config provides user configuration management for rtc2.
//
// This package manages a YAML-based configuration file holding connection
// settings (Intiface and relay URLs, wire codec, ICE servers), relay
// settings for rtc2-signal, and remembered peers with nicknames. Session
// state is never written here. The configuration follows OS-specific
// conventions for storage location.
//
// # Configuration File Location
//
// The configuration file is stored in platform-appropriate locations:
//   - Linux: $XDG_CONFIG_HOME/rtc2/config.yaml or $HOME/.config/rtc2/config.yaml
//   - macOS: $HOME/.config/rtc2/config.yaml
//   - Windows: %LOCALAPPDATA%\rtc2\config.yaml
//
// # Usage Example
//
//	registry, err := config.LoadRegistry()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	registry.SetPeerNickname("3f0c1a2e", "studio")
//
//	// Save changes atomically
//	if err := registry.Save(); err != nil {
//	    log.Fatal(err)
//	}
//
// # Thread Safety
//
// The global registry uses sync.Once for safe initialization across goroutines.
// File operations are protected by a mutex to ensure atomic writes.
package config
