// Package logging provides structured logging for the rtc2 peer and relay.
//
// This package wraps a zap logger with package-level convenience functions so
// that every component logs the same way without passing a logger around. It
// also provides a few domain helpers for the events that matter when debugging
// a pairing: connection lifecycle changes and peer messages.
//
// # Log Levels
//
//   - Debug: Wire traffic, snapshot pushes, registry reductions
//   - Info: Connections, pairing, state changes
//   - Warn: Dropped messages, rejected connections, cleanup failures
//   - Error: Startup failures, transport errors
//
// # Structured Logging
//
//	logging.Info("Peer link opened",
//	    zap.String("peer", "4f1c..."),
//	    zap.String("session", "9b2e..."),
//	)
//
// # Configuration
//
//	if err := logging.Initialize("debug"); err != nil {
//	    log.Fatal(err)
//	}
//	defer logging.Sync()
//
// When no level is given, RTC2_LOG_LEVEL is consulted. When neither is set the
// logger is a no-op, which keeps CLI output clean. InitializeFile sends output
// to a file instead of stdout; the terminal dashboard uses it so log lines do
// not tear the screen.
//
// # Thread Safety
//
// All logging functions are safe for concurrent use.
package logging
