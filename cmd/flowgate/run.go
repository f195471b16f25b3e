package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"flowgate-hq/flowgate/pkg/config"
	"flowgate-hq/flowgate/pkg/gateway"
	"flowgate-hq/flowgate/pkg/oauth"
	"flowgate-hq/flowgate/pkg/refresher"
	"flowgate-hq/flowgate/pkg/routing"
	"flowgate-hq/flowgate/pkg/server"
	"flowgate-hq/flowgate/pkg/telemetry/logging"
	"flowgate-hq/flowgate/pkg/telemetry/metrics"
	"flowgate-hq/flowgate/pkg/usage"
)

var runFlags struct {
	listenAddress string
	logLevel      string
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the gateway server",
	Long: `Start the gateway server with the specified configuration.

The server exposes an OpenAI-compatible API on the configured address and
routes each request to one of the accounts in the routing store.

Examples:
  # Start with default config
  flowgate run

  # Start with custom config
  flowgate run --config /etc/flowgate/config.yaml

  # Override listen address
  flowgate run --listen 0.0.0.0:8080`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runFlags.listenAddress, "listen", "l", "", "override listen address")
	runCmd.Flags().StringVar(&runFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigWithEnvOverrides(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if runFlags.listenAddress != "" {
		cfg.Server.ListenAddress = runFlags.listenAddress
	}
	if runFlags.logLevel != "" {
		cfg.Telemetry.Logging.Level = runFlags.logLevel
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}

	logger, err := logging.New(logging.Config{
		Level:         cfg.Telemetry.Logging.Level,
		Format:        cfg.Telemetry.Logging.Format,
		AddSource:     cfg.Telemetry.Logging.AddSource,
		RedactSecrets: cfg.Telemetry.Logging.RedactSecrets,
	})
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	store := routing.NewStore(cfg.Routing.StorePath)
	if store.ReadOnly() {
		logger.Info("routing store loaded from environment, write-backs disabled")
	}

	var mtr *metrics.Metrics
	if cfg.Telemetry.Metrics.Enabled {
		mtr = metrics.New(cfg.Telemetry.Metrics.Namespace)
	}

	var tracker *usage.Tracker
	if cfg.Usage.Enabled {
		tracker, err = usage.Open(cfg.Usage.DBPath, logger)
		if err != nil {
			return fmt.Errorf("failed to open usage database: %w", err)
		}
		defer tracker.Close()
	}

	manager, err := gateway.NewManager(gateway.Options{
		Store:   store,
		Config:  cfg,
		OAuth:   oauth.NewClient(),
		Usage:   usageRecorder(tracker),
		Logger:  logger,
		Metrics: mtr,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize gateway: %w", err)
	}
	defer manager.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Routing.Watch && !store.ReadOnly() {
		watcher := routing.NewWatcher(cfg.Routing.StorePath, manager.NotifyChange, logger)
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("routing store watcher unavailable", "error", err)
		} else {
			defer watcher.Close()
		}
	}

	if cfg.Refresher.Enabled {
		ref := refresher.New(manager, store, cfg.Refresher, logger)
		if err := ref.Start(ctx); err != nil {
			return fmt.Errorf("failed to start credential refresher: %w", err)
		}
		defer ref.Stop()
	}

	srv := server.New(server.Options{
		Config:  cfg,
		Manager: manager,
		Tracker: tracker,
		Metrics: mtr,
		Logger:  logger,
	})

	// Start blocks until SIGINT/SIGTERM or a listener error, then drains.
	return srv.Start(ctx)
}

// usageRecorder converts a possibly-nil tracker into the recorder
// interface without producing a non-nil interface around a nil pointer.
func usageRecorder(t *usage.Tracker) gateway.UsageRecorder {
	if t == nil {
		return nil
	}
	return t
}
