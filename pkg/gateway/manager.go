package gateway

import (
	"context"
	"sync"
	"time"

	"flowgate-hq/flowgate/pkg/catalog"
	"flowgate-hq/flowgate/pkg/config"
	"flowgate-hq/flowgate/pkg/oauth"
	"flowgate-hq/flowgate/pkg/routing"
	"flowgate-hq/flowgate/pkg/telemetry/logging"
	"flowgate-hq/flowgate/pkg/telemetry/metrics"
	"flowgate-hq/flowgate/pkg/upstream"
)

// fallbackClientID keys the client built from the process-level
// fallback credential rather than a routed account.
const fallbackClientID = "__fallback__"

// UsageRecorder receives per-request accounting. Implemented by
// pkg/usage; a nil recorder disables tracking.
type UsageRecorder interface {
	Record(ctx context.Context, accountID, model string, promptTokens, completionTokens int64)
}

// Options wires a Manager's collaborators.
type Options struct {
	Store   *routing.Store
	Config  *config.Config
	OAuth   oauth.Client
	Usage   UsageRecorder
	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

// Manager is the gateway's request orchestrator: it resolves client
// tokens to routes, balances across account pools, applies circuit
// breaking and failover, and keeps per-account upstream clients alive
// across requests.
//
// The routing config is hot-reloaded: any external change to the store
// file is picked up before the next request via mtime comparison, with
// the file watcher only accelerating the check.
type Manager struct {
	store   *routing.Store
	cfg     *config.Config
	oauth   oauth.Client
	usage   UsageRecorder
	logger  *logging.Logger
	metrics *metrics.Metrics

	mu           sync.Mutex
	routing      *routing.Config
	routingMtime time.Time
	clients      map[string]*upstream.Client

	health   *healthTracker
	balancer *balancer

	refreshMu    sync.Mutex
	refreshLocks map[string]*sync.Mutex

	// sleep is swapped out in tests to keep backoff instant.
	sleep func(time.Duration)
}

// NewManager loads the routing store and returns a ready manager.
func NewManager(opts Options) (*Manager, error) {
	cfg, err := opts.Store.Load()
	if err != nil {
		return nil, err
	}
	m := &Manager{
		store:        opts.Store,
		cfg:          opts.Config,
		oauth:        opts.OAuth,
		usage:        opts.Usage,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		routing:      cfg,
		routingMtime: opts.Store.ModTime(),
		clients:      make(map[string]*upstream.Client),
		health:       newHealthTracker(),
		balancer:     newBalancer(),
		refreshLocks: make(map[string]*sync.Mutex),
		sleep:        time.Sleep,
	}
	return m, nil
}

// Routing returns the current routing config. Callers must treat it as
// read-only; edits go through the store and a reload.
func (m *Manager) Routing() *routing.Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.routing
}

// NotifyChange forces a reload check, called by the store watcher.
func (m *Manager) NotifyChange() {
	m.maybeReload()
}

// maybeReload swaps in a fresh routing config when the store file has
// changed. A store that fails to parse keeps the old config in place
// but still advances the mtime so a broken file does not trigger a
// reload per request.
func (m *Manager) maybeReload() {
	mtime := m.store.ModTime()
	if mtime.IsZero() {
		return
	}

	m.mu.Lock()
	if !mtime.After(m.routingMtime) {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	newCfg, err := m.store.Load()

	m.mu.Lock()
	if !mtime.After(m.routingMtime) {
		// Another goroutine won the race.
		m.mu.Unlock()
		return
	}
	m.routingMtime = mtime
	if err != nil {
		m.mu.Unlock()
		m.logger.Error("routing store reload failed, keeping previous config", "error", err)
		return
	}

	oldClients := m.clients
	m.clients = make(map[string]*upstream.Client)
	m.routing = newCfg
	m.mu.Unlock()

	m.health.reset()
	m.balancer.reset()
	m.metrics.Reset()

	m.refreshMu.Lock()
	m.refreshLocks = make(map[string]*sync.Mutex)
	m.refreshMu.Unlock()

	for _, c := range oldClients {
		c.Close()
	}
	m.logger.Info("routing config reloaded",
		"accounts", len(newCfg.Accounts), "keys", len(newCfg.Keys))
}

// clientFor returns the cached upstream client for an account, building
// one on first use.
func (m *Manager) clientFor(accountID string, acc *routing.Account) *upstream.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.clients[accountID]; ok {
		return c
	}
	c := upstream.NewClient(upstream.Options{
		AccountID:             accountID,
		APIKey:                acc.APIKey,
		BaseURL:               acc.BaseURL,
		MaxConcurrency:        acc.MaxConcurrency,
		UserAgent:             m.cfg.Upstream.UserAgent,
		ConnectTimeout:        m.cfg.Upstream.ConnectTimeout,
		ResponseHeaderTimeout: m.cfg.Upstream.ResponseHeaderTimeout,
		RequestTimeout:        m.cfg.Upstream.RequestTimeout,
		ModelCacheTTL:         m.cfg.Upstream.ModelCacheTTL,
		Logger:                m.logger,
	})
	m.clients[accountID] = c
	return c
}

// fallbackClient returns the client for the process-level fallback
// credential, or a ConfigError when none is configured.
func (m *Manager) fallbackClient() (*upstream.Client, error) {
	if m.cfg.Fallback.APIKey == "" {
		return nil, &ConfigError{Reason: "no upstream accounts available and no fallback credential configured"}
	}
	acc := &routing.Account{
		APIKey:  m.cfg.Fallback.APIKey,
		BaseURL: m.cfg.Fallback.BaseURL,
	}
	return m.clientFor(fallbackClientID, acc), nil
}

// inFlight returns the in-flight count for least-busy balancing.
// Accounts without a built client are idle by definition.
func (m *Manager) inFlight(accountID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.clients[accountID]; ok {
		return c.InFlight()
	}
	return 0
}

// ListModels serves the model listing: the first account's upstream
// listing when available, the built-in catalog otherwise.
func (m *Manager) ListModels(ctx context.Context) map[string]any {
	m.maybeReload()

	m.mu.Lock()
	rc := m.routing
	m.mu.Unlock()

	for _, id := range routing.SortedAccountIDs(rc.Accounts) {
		acc := rc.Accounts[id]
		if !acc.Enabled {
			continue
		}
		models, err := m.clientFor(id, acc).ListModels(ctx)
		if err != nil {
			m.logger.Warn("upstream model listing failed", "account", id, "error", err)
			continue
		}
		if len(models) > 0 {
			data := make([]upstream.Model, len(models))
			copy(data, models)
			for i := range data {
				if data[i].Object == "" {
					data[i].Object = "model"
				}
			}
			return map[string]any{"object": "list", "data": data}
		}
	}

	return catalog.OpenAIList(catalog.KnownModels(), time.Now().Unix())
}

// AccountMetrics is the per-account diagnostics document. Secrets are
// masked.
type AccountMetrics struct {
	Label                 string `json:"label"`
	Enabled               bool   `json:"enabled"`
	APIKeyMask            string `json:"api_key_mask"`
	BaseURL               string `json:"base_url"`
	InFlight              int64  `json:"in_flight"`
	MaxConcurrency        int    `json:"max_concurrency"`
	ConsecutiveFailures   int    `json:"consecutive_failures"`
	CircuitOpen           bool   `json:"circuit_open"`
	CircuitOpenForSeconds int    `json:"circuit_open_for_seconds"`
	LastError             string `json:"last_error"`
}

// AccountsSnapshot returns health diagnostics for every account.
func (m *Manager) AccountsSnapshot() map[string]AccountMetrics {
	m.maybeReload()

	m.mu.Lock()
	rc := m.routing
	m.mu.Unlock()

	out := make(map[string]AccountMetrics, len(rc.Accounts))
	for id, acc := range rc.Accounts {
		failures, openFor, lastErr := m.health.snapshot(id)
		label := acc.Label
		if label == "" {
			label = id
		}
		mask := ""
		if n := len(acc.APIKey); n >= 4 {
			mask = "..." + acc.APIKey[n-4:]
		}
		inFlight := m.inFlight(id)
		m.metrics.SetInFlight(id, inFlight)
		m.metrics.SetCircuitOpen(id, openFor > 0)
		out[id] = AccountMetrics{
			Label:                 label,
			Enabled:               acc.Enabled,
			APIKeyMask:            mask,
			BaseURL:               acc.BaseURL,
			InFlight:              inFlight,
			MaxConcurrency:        acc.MaxConcurrency,
			ConsecutiveFailures:   failures,
			CircuitOpen:           openFor > 0,
			CircuitOpenForSeconds: int(openFor / time.Second),
			LastError:             lastErr,
		}
	}
	return out
}

// Close releases all upstream clients.
func (m *Manager) Close() {
	m.mu.Lock()
	clients := m.clients
	m.clients = make(map[string]*upstream.Client)
	m.mu.Unlock()
	for _, c := range clients {
		c.Close()
	}
}
