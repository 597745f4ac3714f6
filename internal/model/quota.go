package model

import "time"

// UnlimitedCeiling is the sentinel ceiling meaning no quota enforcement.
const UnlimitedCeiling int64 = -1

// QuotaCounter is the per-principal, per-calendar-period consumption
// counter. PeriodID encodes year and month as "YYYY-MM".
type QuotaCounter struct {
	PrincipalID    string
	PeriodID       string
	Consumed       int64
	LastConsumedAt time.Time
}
