package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "flowgate",
	Short: "Flowgate - local multi-account iFlow API gateway",
	Long: `Flowgate is a local gateway that exposes an OpenAI-compatible API
and routes each request to one of several configured iFlow accounts.

It provides:
  - Client-key based routing to accounts or account pools
  - Round-robin and least-busy load balancing
  - Circuit breaking and automatic failover between accounts
  - OAuth credential refresh with mid-request expiry recovery
  - Token usage accounting per account and model`,
	Version: Version,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", defaultConfigPath(), "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

// defaultConfigPath resolves the config location under the user's home.
// A missing file is fine; the gateway runs on defaults.
func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return home + "/.flowgate/config.yaml"
}
