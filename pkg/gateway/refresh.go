package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"flowgate-hq/flowgate/pkg/routing"
)

// refreshLock returns the per-account mutex serializing credential
// refreshes, so a burst of expired-token failures triggers exactly one
// upstream refresh.
func (m *Manager) refreshLock(accountID string) *sync.Mutex {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()
	lock, ok := m.refreshLocks[accountID]
	if !ok {
		lock = &sync.Mutex{}
		m.refreshLocks[accountID] = lock
	}
	return lock
}

// RefreshAccount refreshes one account's OAuth credential and persists
// the result. Best-effort: returns false on any failure so request flow
// can continue with its normal failover.
func (m *Manager) RefreshAccount(ctx context.Context, accountID string) bool {
	return m.refreshAccount(ctx, accountID)
}

func (m *Manager) refreshAccount(ctx context.Context, accountID string) bool {
	if m.oauth == nil {
		return false
	}
	lock := m.refreshLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	// Another caller may have refreshed (or the store may have been
	// edited) while we waited on the lock.
	m.maybeReload()

	m.mu.Lock()
	rc := m.routing
	m.mu.Unlock()

	acc, ok := rc.Accounts[accountID]
	if !ok || acc.OAuthRefreshToken == "" {
		return false
	}

	newKey, refreshErr := m.exchangeCredential(ctx, acc)
	now := time.Now().UTC()
	if refreshErr != nil {
		acc.RefreshFailures++
		acc.LastRefreshError = truncateError(refreshErr)
		m.metrics.RecordRefresh(accountID, "error")
		m.logger.Warn("credential refresh failed",
			"account", accountID, "failures", acc.RefreshFailures, "error", refreshErr)
	} else {
		acc.LastRefreshAt = &now
		acc.RefreshFailures = 0
		acc.LastRefreshError = ""
		m.metrics.RecordRefresh(accountID, "success")
		m.logger.Info("credential refreshed", "account", accountID)
	}

	m.persistRouting(rc)

	if refreshErr == nil && newKey != "" {
		m.mu.Lock()
		client := m.clients[accountID]
		m.mu.Unlock()
		if client != nil {
			client.SetAPIKey(newKey)
		}
	}
	return refreshErr == nil
}

// exchangeCredential runs the refresh-token exchange and user-info
// lookup, updating the account in place on success.
func (m *Manager) exchangeCredential(ctx context.Context, acc *routing.Account) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	token, err := m.oauth.Refresh(ctx, acc.OAuthRefreshToken)
	if err != nil {
		return "", err
	}
	info, err := m.oauth.GetUserInfo(ctx, token.AccessToken)
	if err != nil {
		return "", err
	}

	acc.APIKey = info.APIKey
	if acc.AuthType == "" {
		acc.AuthType = "oauth"
	}
	acc.OAuthAccessToken = token.AccessToken
	if token.RefreshToken != "" {
		acc.OAuthRefreshToken = token.RefreshToken
	}
	if !token.ExpiresAt.IsZero() {
		expiresAt := token.ExpiresAt.UTC()
		acc.OAuthExpiresAt = &expiresAt
	}
	if info.Phone != "" && acc.Label == "" {
		acc.Label = info.Phone
	}
	return info.APIKey, nil
}

// persistRouting writes the routing config back to the store and
// advances the manager's mtime so the write does not look like an
// external edit. Read-only stores keep the change in memory only.
func (m *Manager) persistRouting(rc *routing.Config) {
	err := m.store.Save(rc)
	switch {
	case err == nil:
		m.mu.Lock()
		m.routingMtime = m.store.ModTime()
		m.mu.Unlock()
	case errors.Is(err, routing.ErrReadOnly):
	default:
		m.logger.Error("failed to persist routing store", "error", err)
	}
}
