package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	if cfg.Server.ListenAddress != "127.0.0.1:8000" {
		t.Errorf("ListenAddress = %q, want default", cfg.Server.ListenAddress)
	}
	if cfg.Upstream.UserAgent != "iFlow-Cli" {
		t.Errorf("UserAgent = %q, want default", cfg.Upstream.UserAgent)
	}
	if !cfg.Telemetry.Metrics.Enabled {
		t.Error("metrics should be enabled by default")
	}
}

func TestLoadConfig_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  listen_address: "0.0.0.0:9999"
  read_timeout: 45s
routing:
  store_path: /tmp/routing.json
  watch: false
upstream:
  request_timeout: 5m
telemetry:
  logging:
    level: debug
    format: text
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	if cfg.Server.ListenAddress != "0.0.0.0:9999" {
		t.Errorf("ListenAddress = %q", cfg.Server.ListenAddress)
	}
	if cfg.Server.ReadTimeout != 45*time.Second {
		t.Errorf("ReadTimeout = %v", cfg.Server.ReadTimeout)
	}
	if cfg.Routing.StorePath != "/tmp/routing.json" {
		t.Errorf("StorePath = %q", cfg.Routing.StorePath)
	}
	if cfg.Routing.Watch {
		t.Error("Watch should be false")
	}
	if cfg.Upstream.RequestTimeout != 5*time.Minute {
		t.Errorf("RequestTimeout = %v", cfg.Upstream.RequestTimeout)
	}
	if cfg.Telemetry.Logging.Level != "debug" {
		t.Errorf("Level = %q", cfg.Telemetry.Logging.Level)
	}
	// Unspecified sections still get defaults.
	if cfg.Server.ShutdownTimeout != 30*time.Second {
		t.Errorf("ShutdownTimeout = %v, want default", cfg.Server.ShutdownTimeout)
	}
}

func TestLoadConfigWithEnvOverrides(t *testing.T) {
	t.Setenv("FLOWGATE_SERVER_LISTEN_ADDRESS", "127.0.0.1:7777")
	t.Setenv("FLOWGATE_ROUTING_STORE_PATH", "/tmp/other.json")
	t.Setenv("FLOWGATE_LOG_LEVEL", "warn")

	cfg, err := LoadConfigWithEnvOverrides(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadConfigWithEnvOverrides() error: %v", err)
	}
	if cfg.Server.ListenAddress != "127.0.0.1:7777" {
		t.Errorf("ListenAddress = %q", cfg.Server.ListenAddress)
	}
	if cfg.Routing.StorePath != "/tmp/other.json" {
		t.Errorf("StorePath = %q", cfg.Routing.StorePath)
	}
	if cfg.Telemetry.Logging.Level != "warn" {
		t.Errorf("Level = %q", cfg.Telemetry.Logging.Level)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "defaults are valid",
			mutate:  func(cfg *Config) {},
			wantErr: false,
		},
		{
			name:    "bad listen address",
			mutate:  func(cfg *Config) { cfg.Server.ListenAddress = "no-port" },
			wantErr: true,
		},
		{
			name:    "empty store path",
			mutate:  func(cfg *Config) { cfg.Routing.StorePath = "" },
			wantErr: true,
		},
		{
			name:    "bad cron schedule",
			mutate:  func(cfg *Config) { cfg.Refresher.Schedule = "whenever" },
			wantErr: true,
		},
		{
			name:    "bad log level",
			mutate:  func(cfg *Config) { cfg.Telemetry.Logging.Level = "loud" },
			wantErr: true,
		},
		{
			name:    "fallback with non-http base url",
			mutate: func(cfg *Config) {
				cfg.Fallback.APIKey = "sk-test"
				cfg.Fallback.BaseURL = "ftp://example.com"
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := Validate(cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
