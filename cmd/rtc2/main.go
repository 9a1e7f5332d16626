// Rtc2 links the sex toys attached to this machine with a remote peer's.
//
// It connects to a local Intiface server for the devices, registers with an
// rtc2-signal relay and opens a WebRTC data channel to the peer named by a
// pairing link. Each side sees the devices the other shares and can drive
// them.
//
// Usage:
//
//	rtc2 peer [--pair LINK] [--tui]
//	rtc2 config init|show|path
//	rtc2 discover
//	rtc2 version
//
// See 'rtc2 --help' for available commands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/muurk/rtc2/internal/config"
	"github.com/muurk/rtc2/internal/urls"
	"github.com/muurk/rtc2/internal/version"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var configPath string

var rootCmd = &cobra.Command{
	Use:   "rtc2",
	Short: "Share Intiface devices with a remote peer",
	Long: `rtc2 links the devices on your Intiface server with a remote peer's over
a WebRTC data channel.

Start a session with 'rtc2 peer' and send the printed pairing link to your
partner, or join theirs with 'rtc2 peer --pair LINK'.

Devices are reached through Intiface's Buttplug protocol:
  ` + urls.ButtplugSpec,
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	// Disable automatic completion command generation
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default is the platform config dir)")

	rootCmd.AddCommand(versionCmd)
}

// loadConfig loads the config file named by --config, or the platform
// default, and returns it with the path it should be saved to.
func loadConfig() (*config.Registry, string, error) {
	if configPath != "" {
		reg, err := config.LoadFile(configPath)
		return reg, configPath, err
	}
	path, err := config.GetConfigPath()
	if err != nil {
		return nil, "", err
	}
	reg, err := config.LoadRegistry()
	return reg, path, err
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "rtc2 %s\n", version.Full())
	},
}
