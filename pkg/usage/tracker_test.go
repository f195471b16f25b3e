package usage

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"flowgate-hq/flowgate/pkg/telemetry/logging"
)

func openTestTracker(t *testing.T) *Tracker {
	t.Helper()
	logger, err := logging.New(logging.Config{Level: "error", Format: "text", Writer: io.Discard})
	if err != nil {
		t.Fatal(err)
	}
	tr, err := Open(filepath.Join(t.TempDir(), "usage.db"), logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestRecordAndSnapshot(t *testing.T) {
	tr := openTestTracker(t)
	ctx := context.Background()

	tr.Record(ctx, "acc1", "glm-5", 100, 25)
	tr.Record(ctx, "acc1", "glm-5", 50, 10)
	tr.Record(ctx, "acc2", "kimi-k2.5", 30, 5)
	tr.Record(ctx, "acc2", "", 0, 0)

	stats, err := tr.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot() error: %v", err)
	}

	if stats.Totals.Requests != 4 {
		t.Errorf("total requests = %d, want 4", stats.Totals.Requests)
	}
	if stats.Totals.PromptTokens != 180 || stats.Totals.CompletionTokens != 40 {
		t.Errorf("totals = %+v", stats.Totals)
	}
	if stats.Totals.TotalTokens != 220 {
		t.Errorf("total tokens = %d, want 220", stats.Totals.TotalTokens)
	}

	glm := stats.Models["glm-5"]
	if glm.Requests != 2 || glm.PromptTokens != 150 {
		t.Errorf("glm-5 bucket = %+v", glm)
	}
	if _, ok := stats.Models["unknown"]; !ok {
		t.Error("empty model should be bucketed as unknown")
	}

	acc1 := stats.Accounts["acc1"]
	if acc1.Requests != 2 || acc1.TotalTokens != 185 {
		t.Errorf("acc1 bucket = %+v", acc1)
	}

	day := time.Now().UTC().Format("2006-01-02")
	if stats.Days[day].Requests != 4 {
		t.Errorf("day bucket = %+v", stats.Days[day])
	}
	if stats.UpdatedAt.IsZero() {
		t.Error("UpdatedAt not set")
	}
}

func TestReset(t *testing.T) {
	tr := openTestTracker(t)
	ctx := context.Background()

	tr.Record(ctx, "acc1", "glm-5", 10, 5)
	if err := tr.Reset(ctx); err != nil {
		t.Fatalf("Reset() error: %v", err)
	}

	stats, err := tr.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot() error: %v", err)
	}
	if stats.Totals.Requests != 0 {
		t.Errorf("requests after reset = %d, want 0", stats.Totals.Requests)
	}
	if len(stats.Models) != 0 {
		t.Errorf("models after reset = %v", stats.Models)
	}
}

func TestNegativeTokensClamped(t *testing.T) {
	tr := openTestTracker(t)
	ctx := context.Background()

	tr.Record(ctx, "acc1", "glm-5", -5, -1)

	stats, err := tr.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot() error: %v", err)
	}
	if stats.Totals.PromptTokens != 0 || stats.Totals.CompletionTokens != 0 {
		t.Errorf("negative tokens not clamped: %+v", stats.Totals)
	}
	if stats.Totals.Requests != 1 {
		t.Errorf("requests = %d, want 1", stats.Totals.Requests)
	}
}
