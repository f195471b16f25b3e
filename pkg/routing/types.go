package routing

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Strategy selects how a pooled route picks among its accounts.
type Strategy string

const (
	// StrategyRoundRobin cycles through the pool in order.
	StrategyRoundRobin Strategy = "round_robin"

	// StrategyLeastBusy picks the account with the fewest in-flight
	// upstream requests.
	StrategyLeastBusy Strategy = "least_busy"
)

// Account is one upstream credential set the gateway can route to.
//
// The account id is the key under Config.Accounts and is immutable once
// created; everything else may be edited by the admin surface or
// replaced by a credential refresh.
type Account struct {
	// APIKey is the upstream API key. Never logged unredacted.
	APIKey string `json:"api_key"`

	// BaseURL is the upstream base endpoint for this account.
	BaseURL string `json:"base_url"`

	// MaxConcurrency caps simultaneous in-flight upstream calls.
	// 0 means unlimited.
	MaxConcurrency int `json:"max_concurrency"`

	// Enabled controls whether this account may be selected.
	Enabled bool `json:"enabled"`

	// Label is a human-readable name (e.g. the account's phone number).
	Label string `json:"label,omitempty"`

	// CreatedAt records when the account was added.
	CreatedAt *time.Time `json:"created_at,omitempty"`

	// AuthType is "oauth" for refreshable accounts, "api-key" otherwise.
	AuthType string `json:"auth_type,omitempty"`

	// OAuth material; empty for plain api-key accounts.
	OAuthAccessToken  string     `json:"oauth_access_token,omitempty"`
	OAuthRefreshToken string     `json:"oauth_refresh_token,omitempty"`
	OAuthExpiresAt    *time.Time `json:"oauth_expires_at,omitempty"`

	// Refresh bookkeeping, written by the credential refresher.
	LastRefreshAt    *time.Time `json:"last_refresh_at,omitempty"`
	LastRefreshError string     `json:"last_refresh_error,omitempty"`
	RefreshFailures  int        `json:"refresh_failures,omitempty"`
}

// UnmarshalJSON applies field defaults before decoding so that omitted
// booleans keep their documented defaults (enabled accounts stay enabled).
func (a *Account) UnmarshalJSON(data []byte) error {
	type alias Account
	tmp := alias{Enabled: true}
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	*a = Account(tmp)
	return nil
}

// Route maps one inbound client token to upstream accounts.
// Exactly one of Account or Accounts must be set.
type Route struct {
	// Account is a single fixed upstream account id.
	Account string `json:"account,omitempty"`

	// Accounts is a pool of upstream account ids.
	Accounts []string `json:"accounts,omitempty"`

	// Strategy selects among pooled accounts. Ignored for single-account
	// routes. Default: least_busy.
	Strategy Strategy `json:"strategy,omitempty"`
}

// UnmarshalJSON applies the default strategy before decoding.
func (r *Route) UnmarshalJSON(data []byte) error {
	type alias Route
	tmp := alias{Strategy: StrategyLeastBusy}
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	*r = Route(tmp)
	return nil
}

// CandidateIDs returns the account ids this route may use, in order.
func (r *Route) CandidateIDs() []string {
	if r.Account != "" {
		return []string{r.Account}
	}
	return r.Accounts
}

// normalize checks the single-vs-pool invariant.
func (r *Route) normalize() error {
	if r.Account != "" && len(r.Accounts) > 0 {
		return fmt.Errorf("route must specify either 'account' or 'accounts', not both")
	}
	if r.Account == "" && len(r.Accounts) == 0 {
		return fmt.Errorf("route must specify 'account' or 'accounts'")
	}
	switch r.Strategy {
	case "", StrategyRoundRobin, StrategyLeastBusy:
	default:
		return fmt.Errorf("unknown strategy %q", r.Strategy)
	}
	return nil
}

// AuthConfig controls client-token checking.
type AuthConfig struct {
	// Enabled controls whether inbound tokens are looked at.
	Enabled bool `json:"enabled"`

	// Required rejects requests whose token is missing or unmapped.
	// When false, such requests fall through to the default route.
	Required bool `json:"required"`
}

// ResilienceConfig tunes circuit breaking and failover.
type ResilienceConfig struct {
	// Enabled turns circuit breaking and cross-account retries on.
	Enabled bool `json:"enabled"`

	// FailureThreshold is the number of consecutive failures that opens
	// an account's circuit. Minimum 1.
	FailureThreshold int `json:"failure_threshold"`

	// CoolDownSeconds is how long an opened circuit stays open.
	// Minimum 1.
	CoolDownSeconds int `json:"cool_down_seconds"`

	// RetryAttempts is the number of extra attempts on other accounts
	// for non-streaming calls.
	RetryAttempts int `json:"retry_attempts"`

	// RetryBackoffMs is the pause between failover attempts.
	RetryBackoffMs int `json:"retry_backoff_ms"`

	// RetryStatusCodes are the HTTP status codes that trigger failover.
	RetryStatusCodes []int `json:"retry_status_codes"`
}

// DefaultResilienceConfig returns the resilience defaults applied when
// the routing store omits the section.
func DefaultResilienceConfig() ResilienceConfig {
	return ResilienceConfig{
		Enabled:          true,
		FailureThreshold: 3,
		CoolDownSeconds:  30,
		RetryAttempts:    1,
		RetryBackoffMs:   200,
		RetryStatusCodes: []int{429, 500, 502, 503, 504},
	}
}

// UnmarshalJSON applies resilience defaults before decoding.
func (rc *ResilienceConfig) UnmarshalJSON(data []byte) error {
	type alias ResilienceConfig
	tmp := alias(DefaultResilienceConfig())
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	*rc = ResilienceConfig(tmp)
	return nil
}

// CoolDown returns the cool-down window as a duration.
func (rc *ResilienceConfig) CoolDown() time.Duration {
	return time.Duration(rc.CoolDownSeconds) * time.Second
}

// RetryBackoff returns the inter-attempt backoff as a duration.
func (rc *ResilienceConfig) RetryBackoff() time.Duration {
	return time.Duration(rc.RetryBackoffMs) * time.Millisecond
}

// Config is the root routing store document: upstream accounts, client
// token routes, and resilience tuning.
//
// Unknown fields in the stored JSON are tolerated for forward
// compatibility but are not carried into this structure.
type Config struct {
	Auth       AuthConfig          `json:"auth"`
	Resilience ResilienceConfig    `json:"resilience"`
	Accounts   map[string]*Account `json:"accounts"`
	Keys       map[string]*Route   `json:"keys"`
	Default    *Route              `json:"default,omitempty"`
}

// NewConfig returns an empty routing config with defaults applied.
func NewConfig() *Config {
	return &Config{
		Resilience: DefaultResilienceConfig(),
		Accounts:   make(map[string]*Account),
		Keys:       make(map[string]*Route),
	}
}

// Validate checks route invariants and referential integrity.
// A route referencing a missing account is a fatal configuration error.
func (c *Config) Validate() error {
	routes := make([]*Route, 0, len(c.Keys)+1)
	for token, route := range c.Keys {
		if route == nil {
			return fmt.Errorf("route for token %s is null", maskToken(token))
		}
		if err := route.normalize(); err != nil {
			return fmt.Errorf("route for token %s: %w", maskToken(token), err)
		}
		routes = append(routes, route)
	}
	if c.Default != nil {
		if err := c.Default.normalize(); err != nil {
			return fmt.Errorf("default route: %w", err)
		}
		routes = append(routes, c.Default)
	}

	missing := make(map[string]bool)
	for _, route := range routes {
		for _, id := range route.CandidateIDs() {
			if _, ok := c.Accounts[id]; !ok {
				missing[id] = true
			}
		}
	}
	if len(missing) > 0 {
		ids := make([]string, 0, len(missing))
		for id := range missing {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		return fmt.Errorf("routing config references missing accounts: %v", ids)
	}

	if c.Resilience.FailureThreshold < 1 {
		return fmt.Errorf("resilience.failure_threshold must be >= 1")
	}
	if c.Resilience.CoolDownSeconds < 1 {
		return fmt.Errorf("resilience.cool_down_seconds must be >= 1")
	}
	if c.Resilience.RetryAttempts < 0 {
		return fmt.Errorf("resilience.retry_attempts must be >= 0")
	}
	if c.Resilience.RetryBackoffMs < 0 {
		return fmt.Errorf("resilience.retry_backoff_ms must be >= 0")
	}

	for id, acc := range c.Accounts {
		if acc == nil {
			return fmt.Errorf("account %q is null", id)
		}
		if acc.MaxConcurrency < 0 {
			return fmt.Errorf("account %q: max_concurrency must be >= 0", id)
		}
	}

	return nil
}

// RetryableStatus reports whether the status code is in the configured
// retryable set.
func (c *Config) RetryableStatus(status int) bool {
	for _, code := range c.Resilience.RetryStatusCodes {
		if code == status {
			return true
		}
	}
	return false
}

// maskToken renders a client token safe for error messages.
func maskToken(token string) string {
	if len(token) <= 6 {
		return "***"
	}
	return token[:3] + "***" + token[len(token)-3:]
}
