package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validate checks the configuration for errors.
// It returns a descriptive error for the first problem found.
func Validate(cfg *Config) error {
	if err := validateServer(&cfg.Server); err != nil {
		return err
	}

	if cfg.Routing.StorePath == "" {
		return fmt.Errorf("routing.store_path cannot be empty")
	}

	if cfg.Fallback.APIKey != "" && !strings.HasPrefix(cfg.Fallback.BaseURL, "http") {
		return fmt.Errorf("fallback.base_url %q is not an http(s) URL", cfg.Fallback.BaseURL)
	}

	if cfg.Upstream.ConnectTimeout < 0 || cfg.Upstream.RequestTimeout < 0 {
		return fmt.Errorf("upstream timeouts must not be negative")
	}

	if cfg.Refresher.Enabled {
		if _, err := cron.ParseStandard(cfg.Refresher.Schedule); err != nil {
			return fmt.Errorf("invalid refresher.schedule %q: %w", cfg.Refresher.Schedule, err)
		}
		if cfg.Refresher.RefreshBuffer < 0 {
			return fmt.Errorf("refresher.refresh_buffer must not be negative")
		}
	}

	if cfg.Usage.Enabled && cfg.Usage.DBPath == "" {
		return fmt.Errorf("usage.db_path cannot be empty when usage tracking is enabled")
	}

	switch cfg.Telemetry.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid telemetry.logging.level %q", cfg.Telemetry.Logging.Level)
	}
	switch cfg.Telemetry.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid telemetry.logging.format %q", cfg.Telemetry.Logging.Format)
	}

	if cfg.Telemetry.Metrics.Enabled && !strings.HasPrefix(cfg.Telemetry.Metrics.Path, "/") {
		return fmt.Errorf("telemetry.metrics.path %q must start with /", cfg.Telemetry.Metrics.Path)
	}

	return nil
}

// validateServer checks the HTTP server section.
func validateServer(cfg *ServerConfig) error {
	if cfg.ListenAddress == "" {
		return fmt.Errorf("server.listen_address cannot be empty")
	}
	if _, _, err := net.SplitHostPort(cfg.ListenAddress); err != nil {
		return fmt.Errorf("invalid server.listen_address %q: %w", cfg.ListenAddress, err)
	}
	if cfg.MaxHeaderBytes < 0 {
		return fmt.Errorf("server.max_header_bytes must not be negative")
	}
	return nil
}
