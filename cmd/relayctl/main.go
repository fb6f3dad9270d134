// Command relayctl talks to a relayd node's admin API.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	token     string
	timeout   time.Duration
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "relayctl",
		Short: "Command line interface for the relayd admin API",
		Long: `relayctl inspects and administers a running relayd node over its
admin HTTP API: node status, connection and session listings, and
token issuance.`,
	}

	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8443", "relayd admin API URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "API token (from relayctl token)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")

	rootCmd.AddCommand(newTokenCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newConnectionsCommand())
	rootCmd.AddCommand(newSessionsCommand())
	rootCmd.AddCommand(newHealthCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
