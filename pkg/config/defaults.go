package config

import (
	"os"
	"path/filepath"
	"time"
)

// DefaultBaseURL is the upstream endpoint used when an account or the
// fallback credential does not specify one.
const DefaultBaseURL = "https://apis.iflow.cn/v1"

// ApplyDefaults fills in default values for any unset configuration fields.
// It is called automatically by LoadConfig before validation.
func ApplyDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.ListenAddress == "" {
		cfg.Server.ListenAddress = "127.0.0.1:8000"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	// WriteTimeout intentionally defaults to zero: a non-zero value would
	// cut off long streaming responses.
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 120 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Server.MaxHeaderBytes == 0 {
		cfg.Server.MaxHeaderBytes = 1 << 20 // 1MB
	}
	if cfg.Server.CORS.AllowedOrigins == nil {
		cfg.Server.CORS.Enabled = true
		cfg.Server.CORS.AllowedOrigins = []string{"*"}
	}

	// Routing store defaults
	if cfg.Routing.StorePath == "" {
		cfg.Routing.StorePath = filepath.Join(configDir(), "routing.json")
		cfg.Routing.Watch = true
	}

	// Fallback defaults
	if cfg.Fallback.BaseURL == "" {
		cfg.Fallback.BaseURL = DefaultBaseURL
	}

	// Upstream defaults
	if cfg.Upstream.ConnectTimeout == 0 {
		cfg.Upstream.ConnectTimeout = 10 * time.Second
	}
	if cfg.Upstream.ResponseHeaderTimeout == 0 {
		cfg.Upstream.ResponseHeaderTimeout = 60 * time.Second
	}
	if cfg.Upstream.RequestTimeout == 0 {
		cfg.Upstream.RequestTimeout = 20 * time.Minute
	}
	if cfg.Upstream.UserAgent == "" {
		cfg.Upstream.UserAgent = "iFlow-Cli"
	}
	if cfg.Upstream.ModelCacheTTL == 0 {
		cfg.Upstream.ModelCacheTTL = 5 * time.Minute
	}

	// Refresher defaults
	if cfg.Refresher.Schedule == "" {
		cfg.Refresher.Enabled = true
		cfg.Refresher.Schedule = "*/15 * * * *"
	}
	if cfg.Refresher.RefreshBuffer == 0 {
		cfg.Refresher.RefreshBuffer = 5 * time.Minute
	}

	// Usage defaults
	if cfg.Usage.DBPath == "" {
		cfg.Usage.Enabled = true
		cfg.Usage.DBPath = filepath.Join(configDir(), "usage.db")
	}

	// Telemetry defaults
	if cfg.Telemetry.Logging.Level == "" {
		cfg.Telemetry.Logging.Level = "info"
	}
	if cfg.Telemetry.Logging.Format == "" {
		cfg.Telemetry.Logging.Format = "json"
		cfg.Telemetry.Logging.RedactSecrets = true
	}
	if cfg.Telemetry.Metrics.Path == "" {
		cfg.Telemetry.Metrics.Enabled = true
		cfg.Telemetry.Metrics.Path = "/metrics"
	}
	if cfg.Telemetry.Metrics.Namespace == "" {
		cfg.Telemetry.Metrics.Namespace = "flowgate"
	}
}

// DefaultConfig returns a configuration populated entirely with defaults.
func DefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// configDir returns the per-user configuration directory.
func configDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flowgate"
	}
	return filepath.Join(home, ".flowgate")
}
