// Package quota implements the monthly consumption ledger. The ledger is
// tier-agnostic: callers resolve a ceiling from the principal's tier and
// pass it in.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/rapidtriage/triage/internal/model"
	"github.com/rapidtriage/triage/internal/store"
)

// Result reports the outcome of one consumption attempt.
type Result struct {
	Allowed bool

	// Consumed is the counter value after the attempt (unchanged when
	// denied).
	Consumed int64

	// Remaining is what is left under the ceiling; -1 when the ceiling is
	// unlimited.
	Remaining int64

	// PeriodReset is when the current period rolls over and the counter
	// starts fresh.
	PeriodReset time.Time
}

// Ledger wraps the store's atomic counter with period bookkeeping.
type Ledger struct {
	store store.Store
	now   func() time.Time
}

// NewLedger creates a Ledger over the given store.
func NewLedger(s store.Store) *Ledger {
	return &Ledger{store: s, now: time.Now}
}

// TryConsume attempts to consume amount units for the principal in the
// current period. The check and increment happen as one atomic store
// operation; concurrent calls can never jointly overshoot the ceiling.
func (l *Ledger) TryConsume(ctx context.Context, principalID string, amount, ceiling int64) (Result, error) {
	if amount <= 0 {
		return Result{}, fmt.Errorf("consume amount must be positive, got %d", amount)
	}

	now := l.now().UTC()
	period := PeriodID(now)

	consumed, allowed, err := l.store.TryConsume(ctx, principalID, period, amount, ceiling)
	if err != nil {
		return Result{}, err
	}

	remaining := model.UnlimitedCeiling
	if ceiling >= 0 {
		remaining = ceiling - consumed
		if remaining < 0 {
			remaining = 0
		}
	}
	return Result{
		Allowed:     allowed,
		Consumed:    consumed,
		Remaining:   remaining,
		PeriodReset: PeriodReset(now),
	}, nil
}

// Usage returns the current-period counter for a principal. A principal
// with no consumption this period gets a zero counter.
func (l *Ledger) Usage(ctx context.Context, principalID string) (*model.QuotaCounter, error) {
	now := l.now().UTC()
	period := PeriodID(now)

	c, err := l.store.GetQuotaCounter(ctx, principalID, period)
	if err == store.ErrNotFound {
		return &model.QuotaCounter{PrincipalID: principalID, PeriodID: period}, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// PeriodID encodes a time's year and month as "YYYY-MM". Zero padding
// keeps lexicographic and chronological order aligned.
func PeriodID(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// PeriodReset returns the instant the period containing t rolls over: the
// first moment of the following month, UTC.
func PeriodReset(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}
