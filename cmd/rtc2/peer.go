package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/muurk/rtc2/internal/buttplug"
	"github.com/muurk/rtc2/internal/config"
	"github.com/muurk/rtc2/internal/device"
	"github.com/muurk/rtc2/internal/discovery"
	"github.com/muurk/rtc2/internal/intiface"
	"github.com/muurk/rtc2/internal/logging"
	"github.com/muurk/rtc2/internal/protocol"
	"github.com/muurk/rtc2/internal/session"
	"github.com/muurk/rtc2/internal/transport"
	"github.com/muurk/rtc2/internal/tui"
	"github.com/muurk/rtc2/internal/ui"
	"github.com/muurk/rtc2/internal/urls"
	"github.com/muurk/rtc2/internal/version"
)

const (
	intifaceConnectTimeout = 15 * time.Second
	shutdownTimeout        = 5 * time.Second

	// retryDelay is how long the line-mode peer waits before retrying a
	// recoverable session error.
	retryDelay = 5 * time.Second
)

// Peer command flags
var (
	pairLink     string
	intifaceURL  string
	signalURL    string
	codecName    string
	logLevel     string
	logFile      string
	peerNickname string
	useDiscovery bool
	useTUI       bool
)

var peerCmd = &cobra.Command{
	Use:   "peer",
	Short: "Start a session and share local devices",
	Long: `Connect to Intiface, register with the signaling relay and wait for a
remote peer, or link to one directly with --pair.

Without --tui the peer prints status lines and retries recoverable errors on
its own. With --tui it opens a dashboard for sharing local devices and
driving remote ones; logs then go to --log-file.`,
	Example: `  # Start a session and print the pairing link
  rtc2 peer

  # Join a partner's session and remember them as "sam"
  rtc2 peer --pair 'rtc2://pair/#3f6c...' --remember sam

  # Join a remembered partner with the dashboard
  rtc2 peer --pair sam --tui

  # Use the first relay found on the LAN
  rtc2 peer --discover`,
	RunE: runPeer,
}

func init() {
	peerCmd.Flags().StringVar(&pairLink, "pair", "", "Pairing link, peer id or remembered nickname to link with")
	peerCmd.Flags().StringVar(&intifaceURL, "intiface", "", "Intiface server URL (overrides config)")
	peerCmd.Flags().StringVar(&signalURL, "signal", "", "Signaling relay URL (overrides config)")
	peerCmd.Flags().StringVar(&codecName, "codec", "", "Link codec: json or cbor (overrides config)")
	peerCmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	peerCmd.Flags().StringVar(&logFile, "log-file", "", "Write logs to this file (default for --tui: rtc2.log in the config dir)")
	peerCmd.Flags().StringVar(&peerNickname, "remember", "", "Remember the --pair peer under this nickname")
	peerCmd.Flags().BoolVar(&useDiscovery, "discover", false, "Find the relay over mDNS")
	peerCmd.Flags().BoolVar(&useTUI, "tui", false, "Open the interactive dashboard")

	rootCmd.AddCommand(peerCmd)
}

// applyPeerFlags lets flags override the config file.
func applyPeerFlags(cmd *cobra.Command, reg *config.Registry) {
	flags := cmd.Flags()
	if flags.Changed("intiface") {
		reg.IntifaceURL = intifaceURL
	}
	if flags.Changed("signal") {
		reg.SignalURL = signalURL
	}
	if flags.Changed("codec") {
		reg.Codec = codecName
	}
	if flags.Changed("log-level") {
		reg.LogLevel = logLevel
	}
}

func initPeerLogging(level string) error {
	if !useTUI {
		return logging.InitializeFile(level, logFile)
	}

	// The dashboard owns the terminal, so logs never go to stdout.
	path := logFile
	if path == "" {
		dir, err := config.GetConfigDir()
		if err != nil {
			return err
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
		path = filepath.Join(dir, "rtc2.log")
	}
	return logging.InitializeFile(level, path)
}

func runPeer(cmd *cobra.Command, args []string) error {
	reg, path, err := loadConfig()
	if err != nil {
		return err
	}
	applyPeerFlags(cmd, reg)
	if err := reg.Validate(); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	if useTUI && !ui.IsTerminal() {
		return errors.New("--tui needs an interactive terminal")
	}

	if err := initPeerLogging(reg.LogLevel); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logging.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := ui.NewPrinter(cmd.OutOrStdout())

	if useDiscovery || (reg.Preferences.AutoDiscover && !cmd.Flags().Changed("signal")) {
		scanner := &discovery.Scanner{Timeout: reg.DiscoverTimeout()}
		relay, err := scanner.FindRelay(ctx)
		if err != nil {
			p.PrintWarning("No relay found over mDNS",
				ui.Param{Key: "Falling back", Value: reg.SignalURL},
				ui.Param{Key: "Reason", Value: err.Error()},
			)
		} else {
			logging.Info("Discovered relay", zap.String("relay", relay.String()))
			reg.SignalURL = relay.URL()
		}
	}

	target := ""
	if pairLink != "" {
		id, ok := urls.ParsePairingTarget(pairLink)
		if !ok {
			return fmt.Errorf("pairing link %q has no peer id", pairLink)
		}
		target = reg.ResolvePeer(id)
	}
	if peerNickname != "" && target == "" {
		return errors.New("--remember needs --pair")
	}

	codec, err := protocol.NewCodec(reg.Codec)
	if err != nil {
		return err
	}

	registry := device.NewRegistry("local")
	defer registry.Close()

	client := buttplug.NewClient(version.UserAgent("rtc2"))
	defer client.Close()

	controller := intiface.NewController(client, registry)

	peerConfig := transport.WebRTCConfig{
		SignalURL:  reg.SignalURL,
		ICEServers: reg.WebRTCICEServers(),
	}
	manager, err := session.NewManager(session.Options{
		Peers:       func() transport.Peer { return transport.NewWebRTCPeer(peerConfig) },
		Local:       registry,
		Codec:       codec,
		Target:      target,
		PairBaseURL: reg.PairBaseURL,
		OnDisconnected: func() {
			stopLocalDevices(registry)
		},
		OnLinked: func(peerID string) {
			rememberPeer(reg, path, peerID, target)
		},
	})
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := controller.Run(runCtx); err != nil {
			logging.Error("Intiface controller stopped", zap.Error(err))
		}
	}()
	go func() {
		defer wg.Done()
		if err := manager.Run(runCtx); err != nil {
			logging.Error("Session manager stopped", zap.Error(err))
		}
	}()

	if !useTUI {
		p.PrintHeader("rtc2 peer", "rtc2 "+strings.Join(os.Args[1:], " "),
			ui.Param{Key: "Intiface", Value: reg.IntifaceURL},
			ui.Param{Key: "Relay", Value: reg.SignalURL},
			ui.Param{Key: "Codec", Value: codec.Name()},
			ui.Param{Key: "Pair with", Value: orNone(target)},
		)
	}

	connectCtx, connectCancel := context.WithTimeout(runCtx, intifaceConnectTimeout)
	if err := controller.Connect(connectCtx, reg.IntifaceURL); err != nil {
		logging.Warn("Intiface connection failed", zap.String("url", reg.IntifaceURL), zap.Error(err))
		if !useTUI {
			p.PrintError("Intiface not connected", err, []string{
				"Start Intiface Central (" + urls.IntifaceCentral + ") and its server",
				"Check the server address: " + reg.IntifaceURL,
				"With --tui, press c to reconnect without restarting",
			})
		}
	}
	connectCancel()

	if useTUI {
		err = tui.Run(runCtx, tui.Options{Session: manager, Local: controller, IntifaceURL: reg.IntifaceURL})
	} else {
		err = reportStatus(runCtx, p, manager, controller, reg.SignalURL)
	}

	stopLocalDevices(registry)
	if _, ok := controller.State().(intiface.Connected); ok {
		dctx, dcancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if derr := controller.Disconnect(dctx); derr != nil {
			logging.Warn("Intiface disconnect failed", zap.Error(derr))
		}
		dcancel()
	}
	cancel()
	wg.Wait()
	return err
}

// stopLocalDevices zeroes every local device. It runs when the remote peer
// goes away and on exit.
func stopLocalDevices(registry *device.Registry) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := registry.Dispatch(ctx, device.StopAll{}); err != nil && !errors.Is(err, device.ErrRegistryClosed) {
		logging.Warn("Stopping local devices failed", zap.Error(err))
	}
}

// rememberPeer records a link in the config file. Called from the session
// manager goroutine, which is the only writer of reg once the peer runs.
func rememberPeer(reg *config.Registry, path string, peerID string, target string) {
	reg.UpdatePeerLastLinked(peerID)
	if peerNickname != "" && peerID == target {
		reg.SetPeerNickname(peerID, peerNickname)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		logging.Warn("Cannot create config directory", zap.Error(err))
		return
	}
	if err := reg.SaveFile(path); err != nil {
		logging.Warn("Cannot remember peer", zap.String("peer", peerID), zap.Error(err))
	}
}

// reportStatus prints session and Intiface changes as lines until ctx is
// done. Recoverable session errors are retried after retryDelay; terminal
// ones end the command.
func reportStatus(ctx context.Context, p *ui.Printer, manager *session.Manager, controller *intiface.Controller, relayURL string) error {
	watcher := controller.Watch()
	defer watcher.Close()

	var (
		lastStatus session.Status
		lastState  intiface.State
		lastLocal  string
		lastRemote string
		retryTimer *time.Timer
		retryC     <-chan time.Time
	)
	stamp := func() string { return time.Now().Format("15:04:05") }
	defer func() {
		if retryTimer != nil {
			retryTimer.Stop()
		}
	}()

	report := func() error {
		if state := controller.State(); state != lastState {
			lastState = state
			switch s := state.(type) {
			case intiface.Connected:
				p.Printf("%s  Intiface connected\n", stamp())
			case intiface.Disconnected:
				if s.Err != "" {
					p.Printf("%s  Intiface disconnected: %s\n", stamp(), s.Err)
				}
			}
		}

		status := manager.Status()
		if status != lastStatus {
			lastStatus = status
			switch s := status.(type) {
			case session.Connecting:
				p.Printf("%s  Connecting to relay %s\n", stamp(), relayURL)
			case session.Connected:
				switch {
				case s.Linked:
					p.Printf("%s  Linked with %s\n", stamp(), s.PeerID)
				case s.PeerID != "":
					p.Printf("%s  Linking with %s\n", stamp(), s.PeerID)
				default:
					p.PrintSuccess("Registered with relay",
						ui.Param{Key: "Peer id", Value: s.ID},
						ui.Param{Key: "Pairing link", Value: manager.PairingLink()},
					)
					p.Println("Send the pairing link to your partner, then wait here.")
				}
			case session.Errored:
				if !s.Retryable() {
					p.PrintError("Session failed", errors.New(s.Message), nil)
					return fmt.Errorf("session failed: %s", s.Message)
				}
				p.Printf("%s  %s (retrying in %s)\n", stamp(), s.Message, retryDelay)
				retryTimer = time.NewTimer(retryDelay)
				retryC = retryTimer.C
			}
		}

		if remote := describeDevices(manager.Remote(), false); remote != lastRemote {
			lastRemote = remote
			if remote != "" {
				p.Printf("%s  Remote devices: %s\n", stamp(), remote)
			}
		}
		return nil
	}

	if err := report(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-manager.Changes():
		case <-controller.Changes():
		case devices := <-watcher.C():
			if local := describeDevices(devices, true); local != lastLocal {
				lastLocal = local
				if local != "" {
					p.Printf("%s  Local devices: %s\n", stamp(), local)
				}
			}
			continue
		case <-retryC:
			retryC = nil
			if err := manager.Retry(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logging.Warn("Retry failed", zap.Error(err))
			}
			continue
		}
		if err := report(); err != nil {
			return err
		}
	}
}

// describeDevices lists device titles in index order. With markPrivate the
// ones not shared with the remote peer are marked.
func describeDevices(devices device.Devices, markPrivate bool) string {
	entries := devices.Entries()
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Info.Title()
		if markPrivate && !entry.Info.Controllable {
			name += " (private)"
		}
		names = append(names, name)
	}
	return strings.Join(names, ", ")
}
