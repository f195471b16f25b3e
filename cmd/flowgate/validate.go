package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"flowgate-hq/flowgate/pkg/config"
	"flowgate-hq/flowgate/pkg/routing"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration and the routing store",
	Long: `Check the gateway configuration file and the routing store for errors.

The routing store is validated for structural problems: routes that
reference missing accounts, pools with no members, and out-of-range
resilience tuning.

Examples:
  # Validate the default config and store
  flowgate validate

  # Validate a specific config file
  flowgate validate --config /etc/flowgate/config.yaml`,
	RunE: validateConfig,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func validateConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigWithEnvOverrides(cfgFile)
	if err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}
	fmt.Printf("✓ Configuration valid (%s)\n", cfgFile)

	store := routing.NewStore(cfg.Routing.StorePath)
	rc, err := store.Load()
	if err != nil {
		return fmt.Errorf("routing store invalid: %w", err)
	}

	source := store.Path()
	if store.ReadOnly() {
		source = "environment (" + routing.EnvInlineJSON + ")"
	}
	fmt.Printf("✓ Routing store valid (%s)\n", source)

	enabled := 0
	for _, acc := range rc.Accounts {
		if acc.Enabled {
			enabled++
		}
	}
	fmt.Printf("  accounts: %d (%d enabled)\n", len(rc.Accounts), enabled)
	fmt.Printf("  client keys: %d\n", len(rc.Keys))
	if rc.Default != nil {
		fmt.Println("  default route: configured")
	}
	if cfg.Fallback.APIKey == "" && enabled == 0 {
		fmt.Println("  warning: no enabled accounts and no fallback credential")
	}

	return nil
}
