package config

import "time"

// Config is the root configuration structure for the flowgate gateway.
// It covers the HTTP server, the routing store location, upstream HTTP
// tuning, the background credential refresher, usage tracking, and
// telemetry. Per-account credentials and routes live in the routing
// store (see pkg/routing), not here.
type Config struct {
	// Server contains HTTP server configuration including listen address
	// and timeouts.
	Server ServerConfig `yaml:"server"`

	// Routing contains the routing store location and reload behavior.
	Routing RoutingStoreConfig `yaml:"routing"`

	// Fallback contains the legacy single-account upstream credential used
	// when the routing store has no accounts or a request cannot be routed.
	Fallback FallbackConfig `yaml:"fallback"`

	// Upstream contains HTTP tuning applied to every upstream account client.
	Upstream UpstreamConfig `yaml:"upstream"`

	// Refresher contains configuration for the background OAuth refresher.
	Refresher RefresherConfig `yaml:"refresher"`

	// Usage contains configuration for token usage tracking.
	Usage UsageConfig `yaml:"usage"`

	// Telemetry contains logging and metrics configuration.
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig contains configuration for the HTTP server.
type ServerConfig struct {
	// ListenAddress is the address and port to listen on.
	// Format: "host:port". Default: "127.0.0.1:8000"
	ListenAddress string `yaml:"listen_address"`

	// ReadTimeout is the maximum duration for reading the entire request.
	// Streaming responses are unaffected. Default: 30s
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout is the maximum duration before timing out response
	// writes. Zero disables it, which streaming responses require.
	// Default: 0
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// IdleTimeout is the keep-alive idle timeout. Default: 120s
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// ShutdownTimeout is the maximum duration to wait for graceful
	// shutdown. Default: 30s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// MaxHeaderBytes limits request header size. Default: 1MB
	MaxHeaderBytes int `yaml:"max_header_bytes"`

	// CORS contains Cross-Origin Resource Sharing configuration.
	CORS CORSConfig `yaml:"cors"`
}

// CORSConfig contains CORS configuration for browser-based clients.
type CORSConfig struct {
	// Enabled controls whether CORS headers are emitted. Default: true
	Enabled bool `yaml:"enabled"`

	// AllowedOrigins is the list of allowed origins. Default: ["*"]
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// RoutingStoreConfig locates the durable routing store.
//
// The store itself is a JSON document (accounts, routes, resilience
// tuning) owned by pkg/routing. When FLOWGATE_ROUTING_JSON is set in
// the environment, the store is read from it verbatim and treated as
// immutable: the watcher is disabled and write-backs are skipped.
type RoutingStoreConfig struct {
	// StorePath is the path to the routing store JSON file.
	// Default: "$HOME/.flowgate/routing.json"
	StorePath string `yaml:"store_path"`

	// Watch enables a filesystem watcher that triggers an immediate
	// reload check when the store file changes. Modification-time
	// comparison on request entry remains the authoritative check.
	// Default: true
	Watch bool `yaml:"watch"`
}

// FallbackConfig is the legacy single-account upstream credential.
// Used only when no routing-store account can serve a request.
type FallbackConfig struct {
	// APIKey is the upstream API key. Empty disables the fallback.
	APIKey string `yaml:"api_key"`

	// BaseURL is the upstream base endpoint.
	// Default: "https://apis.iflow.cn/v1"
	BaseURL string `yaml:"base_url"`
}

// UpstreamConfig contains HTTP tuning shared by all upstream clients.
type UpstreamConfig struct {
	// ConnectTimeout bounds TCP connect + TLS handshake. Default: 10s
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// ResponseHeaderTimeout bounds the wait for upstream response
	// headers (time to first byte). Default: 60s
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout"`

	// RequestTimeout bounds an entire non-streaming request. Streaming
	// requests are bounded by context cancellation instead.
	// Default: 20m
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// UserAgent is sent on every upstream call. Some upstream models are
	// only served to the CLI user agent. Default: "iFlow-Cli"
	UserAgent string `yaml:"user_agent"`

	// ModelCacheTTL is how long a per-account model listing is cached.
	// Default: 5m
	ModelCacheTTL time.Duration `yaml:"model_cache_ttl"`
}

// RefresherConfig contains configuration for the background OAuth refresher.
type RefresherConfig struct {
	// Enabled controls whether the refresher runs. Default: true
	Enabled bool `yaml:"enabled"`

	// Schedule is a standard cron expression for refresh sweeps.
	// Default: "*/15 * * * *" (every 15 minutes)
	Schedule string `yaml:"schedule"`

	// RefreshBuffer refreshes tokens that expire within this window.
	// Default: 5m
	RefreshBuffer time.Duration `yaml:"refresh_buffer"`
}

// UsageConfig contains configuration for token usage tracking.
type UsageConfig struct {
	// Enabled controls whether usage is recorded. Default: true
	Enabled bool `yaml:"enabled"`

	// DBPath is the SQLite database file path.
	// Default: "$HOME/.flowgate/usage.db"
	DBPath string `yaml:"db_path"`
}

// TelemetryConfig contains logging and metrics configuration.
type TelemetryConfig struct {
	// Logging contains structured logging configuration.
	Logging LoggingConfig `yaml:"logging"`

	// Metrics contains Prometheus metrics configuration.
	Metrics MetricsConfig `yaml:"metrics"`
}

// LoggingConfig contains structured logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level ("debug", "info", "warn", "error").
	// Default: "info"
	Level string `yaml:"level"`

	// Format is the output format ("json", "text"). Default: "json"
	Format string `yaml:"format"`

	// AddSource includes file:line in log output. Default: false
	AddSource bool `yaml:"add_source"`

	// RedactSecrets redacts credentials from log output. Default: true
	RedactSecrets bool `yaml:"redact_secrets"`
}

// MetricsConfig contains Prometheus metrics configuration.
type MetricsConfig struct {
	// Enabled controls whether the metrics endpoint is exposed.
	// Default: true
	Enabled bool `yaml:"enabled"`

	// Path is the metrics endpoint path. Default: "/metrics"
	Path string `yaml:"path"`

	// Namespace is the metric name prefix. Default: "flowgate"
	Namespace string `yaml:"namespace"`
}
