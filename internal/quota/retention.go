package quota

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rapidtriage/triage/internal/store"
)

// Pruner deletes quota counters past the retention horizon on a cron
// schedule. The current and previous periods are never touched, whatever
// the configured horizon.
type Pruner struct {
	store         store.Store
	retentionDays int
	schedule      string
	cron          *cron.Cron
	logger        *slog.Logger
	now           func() time.Time
}

// NewPruner creates a Pruner. schedule is a standard cron expression;
// empty disables scheduling (Run can still be called directly).
func NewPruner(s store.Store, retentionDays int, schedule string, logger *slog.Logger) *Pruner {
	return &Pruner{
		store:         s,
		retentionDays: retentionDays,
		schedule:      schedule,
		cron:          cron.New(),
		logger:        logger,
		now:           time.Now,
	}
}

// Start begins scheduled pruning. It returns immediately; the cron runner
// stops when ctx is cancelled.
func (p *Pruner) Start(ctx context.Context) error {
	if p.schedule == "" {
		p.logger.Info("quota retention schedule not configured, pruning disabled")
		return nil
	}

	if _, err := cron.ParseStandard(p.schedule); err != nil {
		return err
	}

	if _, err := p.cron.AddFunc(p.schedule, func() { p.Run(ctx) }); err != nil {
		return err
	}
	p.cron.Start()
	p.logger.Info("quota retention scheduler started",
		"schedule", p.schedule,
		"retention_days", p.retentionDays,
	)

	go func() {
		<-ctx.Done()
		p.cron.Stop()
	}()
	return nil
}

// Run executes one pruning cycle.
func (p *Pruner) Run(ctx context.Context) {
	cutoff := p.Cutoff()

	deleted, err := p.store.PruneQuotaCounters(ctx, cutoff)
	if err != nil {
		p.logger.Error("quota pruning failed", "error", err)
		return
	}
	if deleted > 0 {
		p.logger.Info("pruned stale quota counters", "deleted", deleted, "cutoff_period", cutoff)
	}
}

// Cutoff computes the period below which counters may be deleted: the
// retention horizon, clamped so the current and previous periods always
// survive.
func (p *Pruner) Cutoff() string {
	now := p.now().UTC()
	horizon := PeriodID(now.AddDate(0, 0, -p.retentionDays))
	previous := PeriodID(now.AddDate(0, -1, 0))
	if horizon > previous {
		return previous
	}
	return horizon
}
