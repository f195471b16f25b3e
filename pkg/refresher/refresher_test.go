package refresher

import (
	"context"
	"io"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"flowgate-hq/flowgate/pkg/config"
	"flowgate-hq/flowgate/pkg/gateway"
	"flowgate-hq/flowgate/pkg/oauth"
	"flowgate-hq/flowgate/pkg/routing"
	"flowgate-hq/flowgate/pkg/telemetry/logging"
)

type countingOAuth struct {
	refreshes atomic.Int64
}

func (c *countingOAuth) Refresh(ctx context.Context, refreshToken string) (*oauth.Token, error) {
	c.refreshes.Add(1)
	return &oauth.Token{AccessToken: "at", RefreshToken: "rt", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (c *countingOAuth) GetUserInfo(ctx context.Context, accessToken string) (*oauth.UserInfo, error) {
	return &oauth.UserInfo{APIKey: "sk-new"}, nil
}

func TestSweepRefreshesOnlyExpiringAccounts(t *testing.T) {
	logger, err := logging.New(logging.Config{Level: "error", Format: "text", Writer: io.Discard})
	if err != nil {
		t.Fatal(err)
	}

	fresh := time.Now().Add(2 * time.Hour)
	stale := time.Now().Add(time.Minute)

	rc := routing.NewConfig()
	rc.Accounts["fresh"] = &routing.Account{
		APIKey: "sk-1", Enabled: true,
		OAuthRefreshToken: "rt-1", OAuthExpiresAt: &fresh,
	}
	rc.Accounts["stale"] = &routing.Account{
		APIKey: "sk-2", Enabled: true,
		OAuthRefreshToken: "rt-2", OAuthExpiresAt: &stale,
	}
	rc.Accounts["no-expiry"] = &routing.Account{
		APIKey: "sk-3", Enabled: true,
		OAuthRefreshToken: "rt-3",
	}
	rc.Accounts["no-oauth"] = &routing.Account{APIKey: "sk-4", Enabled: true}

	path := filepath.Join(t.TempDir(), "routing.json")
	store := routing.NewStore(path)
	if err := store.Save(rc); err != nil {
		t.Fatal(err)
	}

	oc := &countingOAuth{}
	manager, err := gateway.NewManager(gateway.Options{
		Store:  store,
		Config: config.DefaultConfig(),
		OAuth:  oc,
		Logger: logger,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer manager.Close()

	r := New(manager, store, config.RefresherConfig{
		Enabled:       true,
		Schedule:      "*/15 * * * *",
		RefreshBuffer: 5 * time.Minute,
	}, logger)

	r.Sweep(context.Background())

	// "stale" is inside the 5m buffer and "no-expiry" has an unknown
	// expiry; "fresh" and "no-oauth" are left alone.
	if got := oc.refreshes.Load(); got != 2 {
		t.Errorf("refreshes = %d, want 2", got)
	}

	saved, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if saved.Accounts["stale"].APIKey != "sk-new" {
		t.Errorf("stale account key = %q, want refreshed", saved.Accounts["stale"].APIKey)
	}
	if saved.Accounts["fresh"].APIKey != "sk-1" {
		t.Errorf("fresh account key = %q, want untouched", saved.Accounts["fresh"].APIKey)
	}
}
