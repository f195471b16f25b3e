// Package usage persists per-request token accounting in SQLite,
// bucketed by total, day, model, and account.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"flowgate-hq/flowgate/pkg/telemetry/logging"
)

const busyTimeoutMs = 5000

const schema = `
CREATE TABLE IF NOT EXISTS usage_buckets (
	scope             TEXT NOT NULL,
	bucket            TEXT NOT NULL,
	requests          INTEGER NOT NULL DEFAULT 0,
	prompt_tokens     INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens      INTEGER NOT NULL DEFAULT 0,
	updated_at        TEXT NOT NULL,
	PRIMARY KEY (scope, bucket)
);
`

// Bucket is one accumulation of usage counters.
type Bucket struct {
	Requests         int64 `json:"requests"`
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Stats is the full usage snapshot served by the diagnostics surface.
type Stats struct {
	UpdatedAt time.Time         `json:"updated_at"`
	Totals    Bucket            `json:"totals"`
	Days      map[string]Bucket `json:"days"`
	Models    map[string]Bucket `json:"models"`
	Accounts  map[string]Bucket `json:"accounts"`
}

// Tracker records usage into a SQLite database. Safe for concurrent
// use; recording failures are logged, never propagated into the
// request path.
type Tracker struct {
	db     *sql.DB
	logger *logging.Logger
	now    func() time.Time
}

// Open creates (or opens) the usage database at path.
func Open(path string, logger *logging.Logger) (*Tracker, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create usage db directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d&_synchronous=NORMAL", path, busyTimeoutMs)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open usage db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create usage schema: %w", err)
	}

	return &Tracker{db: db, logger: logger, now: time.Now}, nil
}

// Record accumulates one request into the total, day, model, and
// account buckets. Never returns request-path errors; failures are
// logged and dropped.
func (t *Tracker) Record(ctx context.Context, accountID, model string, promptTokens, completionTokens int64) {
	if promptTokens < 0 {
		promptTokens = 0
	}
	if completionTokens < 0 {
		completionTokens = 0
	}
	total := promptTokens + completionTokens

	model = strings.TrimSpace(model)
	if model == "" {
		model = "unknown"
	}

	now := t.now().UTC()
	day := now.Format("2006-01-02")

	buckets := [][2]string{
		{"total", ""},
		{"day", day},
		{"model", model},
	}
	if accountID != "" {
		buckets = append(buckets, [2]string{"account", accountID})
	}

	for _, b := range buckets {
		if err := t.bump(ctx, b[0], b[1], promptTokens, completionTokens, total, now); err != nil {
			t.logger.Warn("usage recording failed", "scope", b[0], "bucket", b[1], "error", err)
			return
		}
	}
}

func (t *Tracker) bump(ctx context.Context, scope, bucket string, prompt, completion, total int64, now time.Time) error {
	_, err := t.db.ExecContext(ctx, `
INSERT INTO usage_buckets (scope, bucket, requests, prompt_tokens, completion_tokens, total_tokens, updated_at)
VALUES (?, ?, 1, ?, ?, ?, ?)
ON CONFLICT (scope, bucket) DO UPDATE SET
	requests = requests + 1,
	prompt_tokens = prompt_tokens + excluded.prompt_tokens,
	completion_tokens = completion_tokens + excluded.completion_tokens,
	total_tokens = total_tokens + excluded.total_tokens,
	updated_at = excluded.updated_at`,
		scope, bucket, prompt, completion, total, now.Format(time.RFC3339))
	return err
}

// Snapshot returns the full usage stats.
func (t *Tracker) Snapshot(ctx context.Context) (*Stats, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT scope, bucket, requests, prompt_tokens, completion_tokens, total_tokens, updated_at FROM usage_buckets`)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	stats := &Stats{
		Days:     make(map[string]Bucket),
		Models:   make(map[string]Bucket),
		Accounts: make(map[string]Bucket),
	}
	for rows.Next() {
		var scope, bucket, updatedAt string
		var b Bucket
		if err := rows.Scan(&scope, &bucket, &b.Requests, &b.PromptTokens, &b.CompletionTokens, &b.TotalTokens, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan usage row: %w", err)
		}
		if ts, err := time.Parse(time.RFC3339, updatedAt); err == nil && ts.After(stats.UpdatedAt) {
			stats.UpdatedAt = ts
		}
		switch scope {
		case "total":
			stats.Totals = b
		case "day":
			stats.Days[bucket] = b
		case "model":
			stats.Models[bucket] = b
		case "account":
			stats.Accounts[bucket] = b
		}
	}
	return stats, rows.Err()
}

// Reset drops all accumulated usage.
func (t *Tracker) Reset(ctx context.Context) error {
	_, err := t.db.ExecContext(ctx, `DELETE FROM usage_buckets`)
	return err
}

// Close releases the database handle.
func (t *Tracker) Close() error {
	return t.db.Close()
}
