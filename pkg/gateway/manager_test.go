package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"flowgate-hq/flowgate/pkg/config"
	"flowgate-hq/flowgate/pkg/oauth"
	"flowgate-hq/flowgate/pkg/routing"
	"flowgate-hq/flowgate/pkg/telemetry/logging"
)

// fakeOAuth satisfies the refresh flow without network access.
type fakeOAuth struct {
	token    *oauth.Token
	info     *oauth.UserInfo
	err      error
	refreshes atomic.Int64
}

func (f *fakeOAuth) Refresh(ctx context.Context, refreshToken string) (*oauth.Token, error) {
	f.refreshes.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.token, nil
}

func (f *fakeOAuth) GetUserInfo(ctx context.Context, accessToken string) (*oauth.UserInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.info, nil
}

// chatHandler builds an upstream double that counts calls and responds
// per the configured behavior.
type upstreamDouble struct {
	srv   *httptest.Server
	calls atomic.Int64

	status     atomic.Int64 // 0 means 200 with a valid completion
	modelEcho  atomic.Value // string; model id to return
	holdUntil  chan struct{} // non-nil: block response until closed
	wantAPIKey atomic.Value  // string; non-empty: 439 unless Bearer matches
}

func newUpstreamDouble(t *testing.T, model string) *upstreamDouble {
	t.Helper()
	d := &upstreamDouble{}
	d.modelEcho.Store(model)
	d.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d.calls.Add(1)
		if d.holdUntil != nil {
			<-d.holdUntil
		}
		if want, _ := d.wantAPIKey.Load().(string); want != "" && r.Header.Get("Authorization") != "Bearer "+want {
			w.WriteHeader(200)
			io.WriteString(w, `{"status": 439, "message": "Your API Token has expired"}`)
			return
		}
		if status := d.status.Load(); status != 0 {
			w.WriteHeader(int(status))
			io.WriteString(w, `{"error": {"message": "upstream unavailable"}}`)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id":    "chatcmpl-1",
			"model": d.modelEcho.Load(),
			"choices": []any{map[string]any{
				"message": map[string]any{"role": "assistant", "content": "ok"},
			}},
			"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
		})
	}))
	t.Cleanup(d.srv.Close)
	return d
}

func writeRoutingFile(t *testing.T, path string, rc *routing.Config) {
	t.Helper()
	if err := routing.NewStore(path).Save(rc); err != nil {
		t.Fatal(err)
	}
}

func newTestManager(t *testing.T, rc *routing.Config, oc oauth.Client) (*Manager, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "routing.json")
	writeRoutingFile(t, path, rc)

	logger, err := logging.New(logging.Config{Level: "error", Format: "text", Writer: io.Discard})
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.DefaultConfig()
	cfg.Upstream.RequestTimeout = 10 * time.Second

	m, err := NewManager(Options{
		Store:  routing.NewStore(path),
		Config: cfg,
		OAuth:  oc,
		Logger: logger,
	})
	if err != nil {
		t.Fatal(err)
	}
	m.sleep = func(time.Duration) {}
	t.Cleanup(m.Close)
	return m, path
}

func twoAccountConfig(a, b *upstreamDouble, strategy routing.Strategy) *routing.Config {
	rc := routing.NewConfig()
	rc.Auth = routing.AuthConfig{Enabled: true, Required: true}
	rc.Accounts["acc1"] = &routing.Account{APIKey: "sk-a", BaseURL: a.srv.URL, Enabled: true}
	rc.Accounts["acc2"] = &routing.Account{APIKey: "sk-b", BaseURL: b.srv.URL, Enabled: true}
	rc.Keys["sk-flow-test"] = &routing.Route{Accounts: []string{"acc1", "acc2"}, Strategy: strategy}
	return rc
}

func chatBody() map[string]any {
	return map[string]any{
		"model":    "glm-5",
		"messages": []any{map[string]any{"role": "user", "content": "hi"}},
	}
}

func TestRoundRobinRotation(t *testing.T) {
	a := newUpstreamDouble(t, "glm-5")
	b := newUpstreamDouble(t, "glm-5")
	m, _ := newTestManager(t, twoAccountConfig(a, b, routing.StrategyRoundRobin), nil)

	for i := 0; i < 4; i++ {
		if _, err := m.ChatCompletion(context.Background(), "sk-flow-test", chatBody()); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	if a.calls.Load() != 2 || b.calls.Load() != 2 {
		t.Errorf("calls = acc1:%d acc2:%d, want 2 each", a.calls.Load(), b.calls.Load())
	}
}

func TestLeastBusyPrefersIdleAccount(t *testing.T) {
	a := newUpstreamDouble(t, "glm-5")
	b := newUpstreamDouble(t, "glm-5")
	a.holdUntil = make(chan struct{})
	m, _ := newTestManager(t, twoAccountConfig(a, b, routing.StrategyLeastBusy), nil)

	// Occupy acc1 with a hanging request. Least busy scans in pool
	// order, so the first call lands on acc1 (both idle).
	errCh := make(chan error, 1)
	go func() {
		_, err := m.ChatCompletion(context.Background(), "sk-flow-test", chatBody())
		errCh <- err
	}()
	deadline := time.Now().Add(2 * time.Second)
	for a.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if a.calls.Load() == 0 {
		t.Fatal("first request never reached acc1")
	}

	if _, err := m.ChatCompletion(context.Background(), "sk-flow-test", chatBody()); err != nil {
		t.Fatalf("second request: %v", err)
	}
	if b.calls.Load() != 1 {
		t.Errorf("acc2 calls = %d, want 1 (least busy)", b.calls.Load())
	}

	close(a.holdUntil)
	if err := <-errCh; err != nil {
		t.Fatalf("held request: %v", err)
	}
}

func TestFailoverOnRetryableStatus(t *testing.T) {
	a := newUpstreamDouble(t, "glm-5")
	b := newUpstreamDouble(t, "glm-5")
	a.status.Store(503)
	m, _ := newTestManager(t, twoAccountConfig(a, b, routing.StrategyRoundRobin), nil)

	result, err := m.ChatCompletion(context.Background(), "sk-flow-test", chatBody())
	if err != nil {
		t.Fatalf("ChatCompletion() error: %v", err)
	}
	if result["id"] != "chatcmpl-1" {
		t.Errorf("result = %v", result)
	}
	if a.calls.Load() != 1 || b.calls.Load() != 1 {
		t.Errorf("calls = acc1:%d acc2:%d, want 1 each", a.calls.Load(), b.calls.Load())
	}

	failures, _, lastErr := m.health.snapshot("acc1")
	if failures != 1 {
		t.Errorf("acc1 failures = %d, want 1", failures)
	}
	if lastErr == "" {
		t.Error("acc1 last error not recorded")
	}
}

func TestNoFailoverOnNonRetryableStatus(t *testing.T) {
	a := newUpstreamDouble(t, "glm-5")
	b := newUpstreamDouble(t, "glm-5")
	a.status.Store(401)
	rc := twoAccountConfig(a, b, routing.StrategyRoundRobin)
	m, _ := newTestManager(t, rc, nil)

	_, err := m.ChatCompletion(context.Background(), "sk-flow-test", chatBody())
	if err == nil {
		t.Fatal("expected error")
	}
	if b.calls.Load() != 0 {
		t.Errorf("acc2 calls = %d, want 0 (no failover on 401)", b.calls.Load())
	}
}

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	a := newUpstreamDouble(t, "glm-5")
	b := newUpstreamDouble(t, "glm-5")
	a.status.Store(503)
	rc := twoAccountConfig(a, b, routing.StrategyRoundRobin)
	rc.Resilience.FailureThreshold = 2
	rc.Resilience.CoolDownSeconds = 30
	m, _ := newTestManager(t, rc, nil)

	now := time.Now()
	m.health.now = func() time.Time { return now }

	// Two failures on acc1 open its circuit; each request still
	// succeeds by failing over.
	for i := 0; i < 2; i++ {
		if _, err := m.ChatCompletion(context.Background(), "sk-flow-test", chatBody()); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	if m.health.available("acc1") {
		t.Fatal("acc1 circuit should be open after 2 failures")
	}

	// With the circuit open, acc1 is skipped entirely.
	before := a.calls.Load()
	for i := 0; i < 3; i++ {
		if _, err := m.ChatCompletion(context.Background(), "sk-flow-test", chatBody()); err != nil {
			t.Fatalf("request during cooldown: %v", err)
		}
	}
	if got := a.calls.Load(); got != before {
		t.Errorf("acc1 calls grew from %d to %d while circuit open", before, got)
	}

	// After the cool-down, acc1 is eligible again and one success
	// closes the circuit.
	now = now.Add(31 * time.Second)
	a.status.Store(0)
	for i := 0; i < 2; i++ {
		if _, err := m.ChatCompletion(context.Background(), "sk-flow-test", chatBody()); err != nil {
			t.Fatalf("request after cooldown: %v", err)
		}
	}
	if a.calls.Load() == before {
		t.Error("acc1 never retried after cooldown")
	}
	failures, _, _ := m.health.snapshot("acc1")
	if failures != 0 {
		t.Errorf("acc1 failures = %d, want 0 after success", failures)
	}
}

func TestAuthHandling(t *testing.T) {
	a := newUpstreamDouble(t, "glm-5")
	b := newUpstreamDouble(t, "glm-5")

	t.Run("required rejects missing token", func(t *testing.T) {
		m, _ := newTestManager(t, twoAccountConfig(a, b, routing.StrategyRoundRobin), nil)
		_, err := m.ChatCompletion(context.Background(), "", chatBody())
		var authErr *AuthError
		if !errors.As(err, &authErr) {
			t.Errorf("error = %v, want AuthError", err)
		}
	})

	t.Run("required rejects unmapped token", func(t *testing.T) {
		m, _ := newTestManager(t, twoAccountConfig(a, b, routing.StrategyRoundRobin), nil)
		_, err := m.ChatCompletion(context.Background(), "sk-flow-wrong", chatBody())
		var authErr *AuthError
		if !errors.As(err, &authErr) {
			t.Errorf("error = %v, want AuthError", err)
		}
	})

	t.Run("optional falls back to default route", func(t *testing.T) {
		rc := twoAccountConfig(a, b, routing.StrategyRoundRobin)
		rc.Auth.Required = false
		rc.Default = &routing.Route{Account: "acc2"}
		m, _ := newTestManager(t, rc, nil)
		if _, err := m.ChatCompletion(context.Background(), "sk-flow-unmapped", chatBody()); err != nil {
			t.Fatalf("ChatCompletion() error: %v", err)
		}
	})
}

func TestNoAccountsNoFallbackIsConfigError(t *testing.T) {
	rc := routing.NewConfig()
	rc.Default = nil
	m, _ := newTestManager(t, rc, nil)

	_, err := m.ChatCompletion(context.Background(), "", chatBody())
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Errorf("error = %v, want ConfigError", err)
	}
}

func TestDisabledAccountsAreSkipped(t *testing.T) {
	a := newUpstreamDouble(t, "glm-5")
	b := newUpstreamDouble(t, "glm-5")
	rc := twoAccountConfig(a, b, routing.StrategyRoundRobin)
	rc.Accounts["acc1"].Enabled = false
	m, _ := newTestManager(t, rc, nil)

	for i := 0; i < 2; i++ {
		if _, err := m.ChatCompletion(context.Background(), "sk-flow-test", chatBody()); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	if a.calls.Load() != 0 {
		t.Errorf("disabled acc1 received %d calls", a.calls.Load())
	}
	if b.calls.Load() != 2 {
		t.Errorf("acc2 calls = %d, want 2", b.calls.Load())
	}
}

func TestStrictModelMismatchFailsOver(t *testing.T) {
	a := newUpstreamDouble(t, "some-other-model")
	b := newUpstreamDouble(t, "glm-5")
	m, _ := newTestManager(t, twoAccountConfig(a, b, routing.StrategyRoundRobin), nil)

	result, err := m.ChatCompletion(context.Background(), "sk-flow-test", chatBody())
	if err != nil {
		t.Fatalf("ChatCompletion() error: %v", err)
	}
	if result["model"] != "glm-5" {
		t.Errorf("model = %v", result["model"])
	}
	if b.calls.Load() != 1 {
		t.Errorf("acc2 calls = %d, want 1", b.calls.Load())
	}
}

func TestStrictModelMismatchEverywhereIsAnError(t *testing.T) {
	a := newUpstreamDouble(t, "other-a")
	b := newUpstreamDouble(t, "other-b")
	m, _ := newTestManager(t, twoAccountConfig(a, b, routing.StrategyRoundRobin), nil)

	_, err := m.ChatCompletion(context.Background(), "sk-flow-test", chatBody())
	var mismatch *ModelMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("error = %v, want ModelMismatchError", err)
	}
}

func TestCredentialExpiryTriggersSingleRefresh(t *testing.T) {
	a := newUpstreamDouble(t, "glm-5")
	b := newUpstreamDouble(t, "glm-5")
	a.wantAPIKey.Store("sk-fresh")

	fake := &fakeOAuth{
		token: &oauth.Token{AccessToken: "at-new", RefreshToken: "rt-new", ExpiresAt: time.Now().Add(time.Hour)},
		info:  &oauth.UserInfo{APIKey: "sk-fresh"},
	}
	rc := twoAccountConfig(a, b, routing.StrategyRoundRobin)
	rc.Accounts["acc1"].AuthType = "oauth"
	rc.Accounts["acc1"].OAuthRefreshToken = "rt-old"
	m, path := newTestManager(t, rc, fake)

	result, err := m.ChatCompletion(context.Background(), "sk-flow-test", chatBody())
	if err != nil {
		t.Fatalf("ChatCompletion() error: %v", err)
	}
	if result["id"] != "chatcmpl-1" {
		t.Errorf("result = %v", result)
	}
	if fake.refreshes.Load() != 1 {
		t.Errorf("refreshes = %d, want 1", fake.refreshes.Load())
	}
	// Expired call plus retried call, all on acc1.
	if a.calls.Load() != 2 {
		t.Errorf("acc1 calls = %d, want 2", a.calls.Load())
	}
	if b.calls.Load() != 0 {
		t.Errorf("acc2 calls = %d, want 0", b.calls.Load())
	}

	// The rotated credential was persisted.
	saved, err := routing.NewStore(path).Load()
	if err != nil {
		t.Fatal(err)
	}
	acc := saved.Accounts["acc1"]
	if acc.APIKey != "sk-fresh" || acc.OAuthRefreshToken != "rt-new" {
		t.Errorf("persisted account = %+v", acc)
	}
	if acc.LastRefreshAt == nil {
		t.Error("LastRefreshAt not set")
	}
}

func TestReloadPicksUpStoreChanges(t *testing.T) {
	a := newUpstreamDouble(t, "glm-5")
	b := newUpstreamDouble(t, "glm-5")
	rc := twoAccountConfig(a, b, routing.StrategyRoundRobin)
	m, path := newTestManager(t, rc, nil)

	if _, err := m.ChatCompletion(context.Background(), "sk-flow-test", chatBody()); err != nil {
		t.Fatalf("first request: %v", err)
	}

	// Route everything to acc2 and bump the mtime well past the
	// original.
	rc.Keys["sk-flow-test"] = &routing.Route{Account: "acc2"}
	writeRoutingFile(t, path, rc)
	future := time.Now().Add(5 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}

	before := a.calls.Load()
	for i := 0; i < 3; i++ {
		if _, err := m.ChatCompletion(context.Background(), "sk-flow-test", chatBody()); err != nil {
			t.Fatalf("post-reload request: %v", err)
		}
	}
	if got := a.calls.Load(); got != before {
		t.Errorf("acc1 calls grew from %d to %d after reroute", before, got)
	}
}

func TestAccountsSnapshotMasksSecrets(t *testing.T) {
	a := newUpstreamDouble(t, "glm-5")
	b := newUpstreamDouble(t, "glm-5")
	rc := twoAccountConfig(a, b, routing.StrategyRoundRobin)
	rc.Accounts["acc1"].APIKey = "sk-supersecret-abcd"
	rc.Accounts["acc1"].Label = "138****0001"
	m, _ := newTestManager(t, rc, nil)

	snap := m.AccountsSnapshot()
	acc1 := snap["acc1"]
	if acc1.APIKeyMask != "...abcd" {
		t.Errorf("APIKeyMask = %q", acc1.APIKeyMask)
	}
	if acc1.Label != "138****0001" {
		t.Errorf("Label = %q", acc1.Label)
	}
	if acc2 := snap["acc2"]; acc2.Label != "acc2" {
		t.Errorf("acc2 label = %q, want account id fallback", acc2.Label)
	}
}
