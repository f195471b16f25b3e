package gateway

import (
	"context"
	"errors"
	"time"

	"flowgate-hq/flowgate/pkg/resilience"
	"flowgate-hq/flowgate/pkg/routing"
	"flowgate-hq/flowgate/pkg/upstream"
)

// prepareBody applies the request-level normalizations every chat call
// gets: canonical model id and default thinking.
func prepareBody(body map[string]any) {
	if model, ok := body["model"].(string); ok {
		body["model"] = NormalizeModelID(model)
	}
	applyDefaultThinking(body)
}

// resolveRoute maps a client token to its route under the auth rules.
// A nil route with nil error means "use the fallback credential".
func resolveRoute(rc *routing.Config, token string) (*routing.Route, error) {
	if rc.Auth.Enabled {
		if token == "" {
			if rc.Auth.Required {
				return nil, &AuthError{Reason: "missing Authorization: Bearer <api-key>"}
			}
		} else if route, ok := rc.Keys[token]; ok {
			return route, nil
		} else if rc.Auth.Required {
			return nil, &AuthError{Reason: "invalid API key"}
		}
	}
	if rc.Default != nil {
		return rc.Default, nil
	}
	return nil, nil
}

// enabledCandidates filters the route's accounts down to ones that
// exist and are enabled, preserving order.
func enabledCandidates(rc *routing.Config, route *routing.Route) []string {
	var out []string
	for _, id := range route.CandidateIDs() {
		if acc, ok := rc.Accounts[id]; ok && acc.Enabled {
			out = append(out, id)
		}
	}
	return out
}

// pickAccount selects the next account to try. Preference order:
// healthy and untried, then untried, then the whole candidate list.
func (m *Manager) pickAccount(rc *routing.Config, candidates []string, strategy routing.Strategy, tried map[string]bool) string {
	var healthy []string
	if rc.Resilience.Enabled {
		for _, id := range candidates {
			if !tried[id] && m.health.available(id) {
				healthy = append(healthy, id)
			}
		}
	}
	pool := healthy
	if len(pool) == 0 {
		for _, id := range candidates {
			if !tried[id] {
				pool = append(pool, id)
			}
		}
	}
	if len(pool) == 0 {
		pool = candidates
	}

	if strategy == routing.StrategyRoundRobin {
		return m.balancer.pickRoundRobin(candidates, pool)
	}
	return pickLeastBusy(pool, m.inFlight)
}

func (m *Manager) recordSuccess(accountID string) {
	m.health.recordSuccess(accountID)
	m.metrics.SetCircuitOpen(accountID, false)
}

func (m *Manager) recordFailure(rc *routing.Config, accountID string, err error) {
	// A caller hanging up is not the account's fault.
	if errors.Is(err, context.Canceled) {
		return
	}
	threshold := 0
	var coolDown time.Duration
	if rc.Resilience.Enabled {
		threshold = rc.Resilience.FailureThreshold
		coolDown = rc.Resilience.CoolDown()
	}
	m.health.recordFailure(accountID, truncateError(err), threshold, coolDown)
	_, openFor, _ := m.health.snapshot(accountID)
	m.metrics.SetCircuitOpen(accountID, openFor > 0)
}

// retryable decides whether a failed attempt justifies moving to
// another account.
func retryable(rc *routing.Config, err error) bool {
	var mismatch *ModelMismatchError
	if errors.As(err, &mismatch) {
		return true
	}
	if resilience.IsModelNotSupported(err) {
		return true
	}
	return resilience.IsRetryable(err, rc.Resilience.RetryStatusCodes)
}

// ChatCompletion performs a non-streaming chat call with failover. The
// body is mutated in place by normalization and forwarded as-is
// otherwise, so unknown client fields survive the trip.
func (m *Manager) ChatCompletion(ctx context.Context, token string, body map[string]any) (map[string]any, error) {
	prepareBody(body)
	m.maybeReload()

	m.mu.Lock()
	rc := m.routing
	m.mu.Unlock()

	route, err := resolveRoute(rc, token)
	if err != nil {
		return nil, err
	}

	var candidates []string
	if route != nil && len(rc.Accounts) > 0 {
		candidates = enabledCandidates(rc, route)
	}
	if len(candidates) == 0 {
		client, err := m.fallbackClient()
		if err != nil {
			return nil, err
		}
		return client.ChatCompletion(ctx, body)
	}

	requestedModel, _ := body["model"].(string)
	start := time.Now()
	tried := make(map[string]bool)
	var lastErr error

	// Every candidate gets at least one try; the break conditions below
	// stop early on non-retryable failures.
	for i := 0; i < len(candidates); i++ {
		accountID := m.pickAccount(rc, candidates, route.Strategy, tried)
		tried[accountID] = true
		if i > 0 {
			m.metrics.RecordFailover(accountID)
		}

		result, err := m.callOnce(ctx, rc, accountID, body)
		if err == nil {
			if returned, _ := result["model"].(string); !modelStrictMatch(requestedModel, returned) {
				err = &ModelMismatchError{Requested: requestedModel, Returned: returned}
			}
		}
		if err == nil {
			m.recordSuccess(accountID)
			m.finishRequest(ctx, accountID, requestedModel, "success", start, false, result)
			return result, nil
		}

		m.recordFailure(rc, accountID, err)
		lastErr = err
		m.logger.Warn("chat completion attempt failed",
			"account", accountID, "attempt", i+1, "error", err)

		if !rc.Resilience.Enabled && !resilience.IsModelNotSupported(err) {
			break
		}
		if !retryable(rc, err) {
			break
		}
		if len(tried) >= len(candidates) {
			break
		}
		if backoff := rc.Resilience.RetryBackoff(); rc.Resilience.Enabled && backoff > 0 && i < len(candidates)-1 {
			m.sleep(backoff)
		}
	}

	m.finishRequest(ctx, "", requestedModel, "error", start, false, nil)
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, &ConfigError{Reason: "upstream error"}
}

// callOnce performs one upstream call, refreshing the account's
// credential and retrying the same account once when the upstream
// reports an expired token.
func (m *Manager) callOnce(ctx context.Context, rc *routing.Config, accountID string, body map[string]any) (map[string]any, error) {
	acc := rc.Accounts[accountID]
	client := m.clientFor(accountID, acc)
	result, err := client.ChatCompletion(ctx, body)
	if err != nil && resilience.IsCredentialExpiry(err) && m.refreshAccount(ctx, accountID) {
		return m.clientForCurrent(accountID).ChatCompletion(ctx, body)
	}
	return result, err
}

// clientForCurrent re-resolves the client for an account against the
// current routing config, used after a refresh may have swapped keys.
func (m *Manager) clientForCurrent(accountID string) *upstream.Client {
	m.mu.Lock()
	rc := m.routing
	m.mu.Unlock()
	acc := rc.Accounts[accountID]
	if acc == nil {
		acc = &routing.Account{}
	}
	return m.clientFor(accountID, acc)
}

// finishRequest records metrics and usage for one completed request.
func (m *Manager) finishRequest(ctx context.Context, accountID, model, outcome string, start time.Time, stream bool, result map[string]any) {
	account := accountID
	if account == "" {
		account = "none"
	}
	m.metrics.RecordRequest(account, model, outcome, time.Since(start).Seconds(), stream)
	if outcome != "success" || accountID == "" {
		return
	}

	var prompt, completion int64
	if usage, ok := result["usage"].(map[string]any); ok {
		prompt = usageCount(usage["prompt_tokens"])
		completion = usageCount(usage["completion_tokens"])
	}
	m.metrics.RecordTokens(accountID, prompt, completion)
	if m.usage != nil {
		m.usage.Record(ctx, accountID, model, prompt, completion)
	}
}

func usageCount(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int:
		return int64(n)
	case int64:
		return n
	}
	return 0
}

// truncateError renders an error for health state, bounded so one huge
// upstream payload cannot bloat diagnostics.
func truncateError(err error) string {
	s := err.Error()
	if len(s) > 180 {
		return s[:180]
	}
	return s
}
