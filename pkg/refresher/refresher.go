// Package refresher keeps OAuth account credentials fresh on a cron
// schedule so the gateway can run unattended long-term.
package refresher

import (
	"context"

	"github.com/robfig/cron/v3"

	"flowgate-hq/flowgate/pkg/config"
	"flowgate-hq/flowgate/pkg/gateway"
	"flowgate-hq/flowgate/pkg/oauth"
	"flowgate-hq/flowgate/pkg/routing"
	"flowgate-hq/flowgate/pkg/telemetry/logging"
)

// Refresher periodically sweeps the routing accounts and refreshes any
// OAuth credential that is expired or inside the refresh buffer. The
// actual refresh and persistence go through the gateway manager, which
// serializes per-account refreshes with the request path.
type Refresher struct {
	manager *gateway.Manager
	store   *routing.Store
	cfg     config.RefresherConfig
	logger  *logging.Logger

	cron *cron.Cron
}

// New builds a refresher; call Start to begin sweeping.
func New(manager *gateway.Manager, store *routing.Store, cfg config.RefresherConfig, logger *logging.Logger) *Refresher {
	return &Refresher{
		manager: manager,
		store:   store,
		cfg:     cfg,
		logger:  logger,
	}
}

// Start schedules the sweep. Returns without starting when the store is
// read-only: refreshed credentials could not be persisted, so the
// request-path refresh (which at least keeps them in memory) is the
// better tool there.
func (r *Refresher) Start(ctx context.Context) error {
	if r.store.ReadOnly() {
		r.logger.Info("credential refresher disabled for read-only routing store")
		return nil
	}

	c := cron.New()
	_, err := c.AddFunc(r.cfg.Schedule, func() { r.Sweep(ctx) })
	if err != nil {
		return err
	}
	r.cron = c
	c.Start()
	r.logger.Info("credential refresher started", "schedule", r.cfg.Schedule)
	return nil
}

// Sweep refreshes every account whose credential is expired or will
// expire within the buffer. An account with a refresh token but no
// known expiry is refreshed too; better one redundant exchange than an
// expired key at request time.
func (r *Refresher) Sweep(ctx context.Context) {
	rc := r.manager.Routing()
	for _, id := range routing.SortedAccountIDs(rc.Accounts) {
		acc := rc.Accounts[id]
		if acc.OAuthRefreshToken == "" {
			continue
		}
		needs := acc.OAuthExpiresAt == nil ||
			oauth.IsTokenExpired(acc.OAuthExpiresAt, r.cfg.RefreshBuffer)
		if !needs {
			continue
		}
		if r.manager.RefreshAccount(ctx, id) {
			r.logger.Info("refreshed account credential", "account", id)
		} else {
			r.logger.Warn("account credential refresh failed", "account", id)
		}
	}
}

// Stop halts the schedule and waits for a running sweep to finish.
func (r *Refresher) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
}
