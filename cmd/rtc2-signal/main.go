// Rtc2-signal is the signaling relay for rtc2 peers.
//
// Peers register over a WebSocket, get an id and exchange WebRTC offers and
// answers through the relay. Once the data channel is up the relay is out of
// the path. Several relays can share one id space through Redis, and a relay
// can advertise itself on the LAN over mDNS.
//
// Usage:
//
//	rtc2-signal serve [flags]
//
// See 'rtc2-signal serve --help' for available options.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/muurk/rtc2/internal/config"
	"github.com/muurk/rtc2/internal/logging"
	"github.com/muurk/rtc2/internal/server"
	"github.com/muurk/rtc2/internal/ui"
	"github.com/muurk/rtc2/internal/version"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "rtc2-signal",
	Short: "rtc2 signaling relay",
	Long: `A WebSocket signaling relay for rtc2 peers.

Peers register at /peerjs, receive an id and exchange WebRTC session
descriptions through the relay. /healthz reports the relay's state.`,
	Version:      version.Version,
	SilenceUsage: true,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

// Serve command flags
var (
	configPath string
	listenAddr string
	redisAddr  string
	instance   string
	logLevel   string
	mdns       bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the signaling relay",
	Long: `Start the rtc2 signaling relay.

Defaults come from the relay section of the rtc2 config file; flags override
them. With --redis the relay claims peer ids in Redis and forwards messages
for peers on other relays through Redis pub/sub.`,
	Example: `  # Listen on :9000 and advertise over mDNS
  rtc2-signal serve

  # Public relay without mDNS
  rtc2-signal serve --listen :443 --mdns=false

  # One of several relays sharing a Redis
  rtc2-signal serve --redis redis.internal:6379 --log-level debug`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "", "Config file (default is the platform config dir)")
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "Address to listen on (default :9000)")
	serveCmd.Flags().StringVar(&redisAddr, "redis", "", "Redis address for multi-relay mode")
	serveCmd.Flags().StringVar(&instance, "instance", "", "mDNS instance name (default rtc2-signal-<hostname>)")
	serveCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	serveCmd.Flags().BoolVar(&mdns, "mdns", true, "Advertise the relay over mDNS")
}

func loadRelayConfig(cmd *cobra.Command) (*server.Config, error) {
	var (
		reg *config.Registry
		err error
	)
	if configPath != "" {
		reg, err = config.LoadFile(configPath)
	} else {
		reg, err = config.LoadRegistry()
	}
	if err != nil {
		return nil, err
	}

	cfg := &server.Config{
		Listen:    reg.Relay.Listen,
		RedisAddr: reg.Relay.RedisAddr,
		MDNS:      reg.Relay.MDNS,
		Instance:  reg.Relay.Instance,
	}
	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.Listen = listenAddr
	}
	if flags.Changed("redis") {
		cfg.RedisAddr = redisAddr
	}
	if flags.Changed("instance") {
		cfg.Instance = instance
	}
	if flags.Changed("mdns") {
		cfg.MDNS = mdns
	}
	if cfg.Listen == "" {
		cfg.Listen = config.DefaultRelayListen
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := logging.Initialize(logLevel); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logging.Sync()

	cfg, err := loadRelayConfig(cmd)
	if err != nil {
		return err
	}

	p := ui.NewPrinter(cmd.OutOrStdout())
	redis := "off"
	if cfg.RedisAddr != "" {
		redis = cfg.RedisAddr
	}
	p.PrintHeader("Signaling relay", "rtc2-signal serve",
		ui.Param{Key: "Listen", Value: cfg.Listen},
		ui.Param{Key: "Path", Value: server.SignalPath},
		ui.Param{Key: "Redis", Value: redis},
		ui.Param{Key: "mDNS", Value: fmt.Sprintf("%t", cfg.MDNS)},
	)

	srv, err := server.New(cfg)
	if err != nil {
		p.PrintError("Relay not started", err, []string{
			"Check that Redis is reachable at " + cfg.RedisAddr,
			"Run without --redis for a single relay",
		})
		return fmt.Errorf("failed to create relay: %w", err)
	}

	return srv.Start()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "rtc2-signal %s (commit: %s)\n", version.Version, version.Commit)
	},
}
