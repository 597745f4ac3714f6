package quota

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/rapidtriage/triage/internal/store"
	"github.com/rapidtriage/triage/internal/store/sqlite"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCutoffRespectsRetention(t *testing.T) {
	p := NewPruner(nil, 90, "", discardLogger())
	p.now = func() time.Time { return time.Date(2026, 9, 15, 0, 0, 0, 0, time.UTC) }

	// 90 days before mid-September lands in June.
	if got := p.Cutoff(); got != "2026-06" {
		t.Errorf("cutoff: got %q, want 2026-06", got)
	}
}

func TestCutoffNeverTouchesPreviousPeriod(t *testing.T) {
	// With a tiny retention the cutoff would land inside the current
	// period; it must be clamped to the previous one.
	p := NewPruner(nil, 1, "", discardLogger())
	p.now = func() time.Time { return time.Date(2026, 9, 15, 0, 0, 0, 0, time.UTC) }

	if got := p.Cutoff(); got != "2026-08" {
		t.Errorf("cutoff: got %q, want 2026-08", got)
	}
}

func TestRunPrunesOnlyStaleCounters(t *testing.T) {
	s, err := sqlite.New("")
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	for _, period := range []string{"2026-03", "2026-08", "2026-09"} {
		if _, _, err := s.TryConsume(ctx, "p1", period, 1, 10); err != nil {
			t.Fatalf("TryConsume: %v", err)
		}
	}

	p := NewPruner(s, 90, "", discardLogger())
	p.now = func() time.Time { return time.Date(2026, 9, 15, 0, 0, 0, 0, time.UTC) }
	p.Run(ctx)

	if _, err := s.GetQuotaCounter(ctx, "p1", "2026-03"); err != store.ErrNotFound {
		t.Errorf("2026-03 should be pruned, got %v", err)
	}
	for _, period := range []string{"2026-08", "2026-09"} {
		if _, err := s.GetQuotaCounter(ctx, "p1", period); err != nil {
			t.Errorf("%s should survive: %v", period, err)
		}
	}
}
