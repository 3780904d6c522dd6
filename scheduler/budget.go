package scheduler

import "time"

// Budget tracks the execution time charged in one run
type Budget struct {
	Total   time.Duration
	PerUnit time.Duration
	Spent   time.Duration
}

// CanAdmit reports whether a full per-unit allowance still fits
func (b Budget) CanAdmit() bool {
	return b.Spent+b.PerUnit <= b.Total
}

// Charge adds elapsed, capped at PerUnit, to Spent and returns the amount charged
func (b *Budget) Charge(elapsed time.Duration) time.Duration {
	charge := min(max(elapsed, 0), b.PerUnit)
	b.Spent += charge
	return charge
}

// Remaining returns the uncharged part of Total
func (b Budget) Remaining() time.Duration {
	return max(b.Total-b.Spent, 0)
}
