package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/muurk/rtc2/internal/discovery"
	"github.com/muurk/rtc2/internal/ui"
)

var discoverTimeout int

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Find rtc2-signal relays on the local network",
	Long: `Browse mDNS for rtc2-signal relays and list their signaling URLs.

Pass a URL to 'rtc2 peer --signal', or use 'rtc2 peer --discover' to pick the
first relay that answers.`,
	Example: `  # Scan for 5 seconds (default)
  rtc2 discover

  # Longer scan on a busy network
  rtc2 discover --timeout 15`,
	RunE: runDiscover,
}

func init() {
	discoverCmd.Flags().IntVar(&discoverTimeout, "timeout", 0, "Scan timeout in seconds (default from config, 5)")
	rootCmd.AddCommand(discoverCmd)
}

func runDiscover(cmd *cobra.Command, args []string) error {
	reg, _, err := loadConfig()
	if err != nil {
		return err
	}

	scanner := discovery.NewScanner()
	scanner.Timeout = reg.DiscoverTimeout()
	if discoverTimeout > 0 {
		scanner.Timeout = time.Duration(discoverTimeout) * time.Second
	}

	p := ui.NewPrinter(cmd.OutOrStdout())
	p.Printf("Scanning for relays (timeout: %s)...\n\n", scanner.Timeout)

	relays, err := scanner.ScanForRelays(context.Background())
	if err != nil {
		p.PrintError("Scan failed", err, []string{
			"mDNS needs multicast on the local network",
			"Some VPNs and firewalls block port 5353/udp",
		})
		return err
	}

	if len(relays) == 0 {
		p.PrintWarning("No relays found",
			ui.Param{Key: "Service", Value: discovery.ServiceType},
			ui.Param{Key: "Timeout", Value: scanner.Timeout.String()},
		)
		p.Println("Start one with 'rtc2-signal serve' or pass --signal to 'rtc2 peer'.")
		return nil
	}

	p.Printf("Found %d relay(s):\n\n", len(relays))
	for i, relay := range relays {
		p.Printf("%d. %s\n", i+1, relay.Instance)
		p.PrintDetails(
			ui.Param{Key: "   URL", Value: relay.URL()},
			ui.Param{Key: "   Host", Value: relay.Host},
		)
		if v := relay.GetMetadata("version"); v != "" {
			p.PrintDetails(ui.Param{Key: "   Version", Value: v})
		}
		p.Newline()
	}
	p.Println(fmt.Sprintf("Use 'rtc2 peer --signal %s' to connect through the first one.", relays[0].URL()))
	return nil
}
