package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "webrp",
	Short: "Expose private HTTP services through a reverse tunnel",
	Long: `webrp tunnels public HTTP(S) and WebSocket traffic to services behind
NAT or firewalls over a single outbound control connection, with no inbound
firewall holes.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
