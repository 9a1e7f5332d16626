package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/muurk/rtc2/internal/config"
	"github.com/muurk/rtc2/internal/ui"
)

var (
	forceInit bool
	rawShow   bool
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the rtc2 config file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	Long: `Write a config file with default URLs and a public STUN server.

An existing file is left alone unless --force is given, in which case you are
asked to confirm before it is replaced.`,
	RunE: runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE:  runConfigShow,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file location",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := resolveConfigPath()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&forceInit, "force", false, "Replace an existing config file")
	configShowCmd.Flags().BoolVar(&rawShow, "raw", false, "Print the configuration as YAML")

	configCmd.AddCommand(configInitCmd, configShowCmd, configPathCmd)
	rootCmd.AddCommand(configCmd)
}

func resolveConfigPath() (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	return config.GetConfigPath()
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	p := ui.NewPrinter(cmd.OutOrStdout())

	path, err := resolveConfigPath()
	if err != nil {
		return err
	}
	if configPath == "" {
		path, err = config.CreateDefaultConfig()
	} else {
		err = config.WriteDefaultConfig(path, false)
	}

	if errors.Is(err, config.ErrConfigExists) && forceInit {
		confirmed := ui.Confirm(cmd.InOrStdin(), cmd.OutOrStdout(), "Replace config file",
			[]string{
				"The file at " + path + " will be overwritten",
				"Remembered peers and ICE servers in it are lost",
			},
			"Replace it?")
		if !confirmed {
			return nil
		}
		err = config.WriteDefaultConfig(path, true)
	}

	if err != nil {
		p.PrintError("Config not written", err, []string{
			"Use 'rtc2 config show' to inspect the current file",
			"Pass --force to replace it",
		})
		return err
	}

	p.PrintSuccess("Config written",
		ui.Param{Key: "Path", Value: path},
		ui.Param{Key: "Intiface", Value: config.DefaultIntifaceURL},
		ui.Param{Key: "Relay", Value: config.DefaultSignalURL},
	)
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	reg, path, err := loadConfig()
	if err != nil {
		return err
	}

	if rawShow {
		data, err := yaml.Marshal(reg)
		if err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	}

	exists := "yes"
	if _, err := os.Stat(path); err != nil {
		exists = "no (defaults)"
	}

	p := ui.NewPrinter(cmd.OutOrStdout())
	p.PrintHeader("Configuration", "rtc2 config show",
		ui.Param{Key: "File", Value: path},
		ui.Param{Key: "Exists", Value: exists},
	)
	p.PrintDetails(
		ui.Param{Key: "Intiface", Value: reg.IntifaceURL},
		ui.Param{Key: "Relay", Value: reg.SignalURL},
		ui.Param{Key: "Pair base", Value: orNone(reg.PairBaseURL)},
		ui.Param{Key: "Codec", Value: reg.Codec},
		ui.Param{Key: "Log level", Value: orNone(reg.LogLevel)},
		ui.Param{Key: "Discover", Value: fmt.Sprintf("%t (%s)", reg.Preferences.AutoDiscover, reg.DiscoverTimeout())},
	)

	p.Newline()
	p.Println(ui.HeaderTitleStyle.PaddingLeft(0).Render("ICE servers"))
	if len(reg.ICEServers) == 0 {
		p.Println("  none (LAN only)")
	}
	for _, server := range reg.ICEServers {
		line := "  " + strings.Join(server.URLs, ", ")
		if server.Username != "" {
			line += " (user " + server.Username + ")"
		}
		p.Println(line)
	}

	p.Newline()
	p.Println(ui.HeaderTitleStyle.PaddingLeft(0).Render("Remembered peers"))
	if len(reg.Peers) == 0 {
		p.Println("  none")
	}
	ids := make([]string, 0, len(reg.Peers))
	for id := range reg.Peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		peer := reg.Peers[id]
		line := "  " + id
		if peer.Nickname != "" {
			line += " (" + peer.Nickname + ")"
		}
		if !peer.LastLinked.IsZero() {
			line += ", last linked " + peer.LastLinked.Local().Format("2006-01-02 15:04")
		}
		p.Println(line)
	}

	p.Newline()
	p.Println(ui.HeaderTitleStyle.PaddingLeft(0).Render("Relay (rtc2-signal)"))
	p.PrintDetails(
		ui.Param{Key: "Listen", Value: reg.Relay.Listen},
		ui.Param{Key: "Redis", Value: orNone(reg.Relay.RedisAddr)},
		ui.Param{Key: "mDNS", Value: fmt.Sprintf("%t", reg.Relay.MDNS)},
	)
	return nil
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
