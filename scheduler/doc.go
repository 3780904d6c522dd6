// Package scheduler runs a queue of units under a global wall-clock budget.
//
// Units run one at a time in queue order. Before each unit the scheduler
// checks that a full per-unit allowance still fits in the budget; after it,
// the budget is charged with the time the unit actually used, capped at the
// allowance. Environment provisioning is not charged.
//
// Every admitted unit produces exactly one dataset.Record, whatever happens
// inside it. The only exception is a unit aborted because the caller's
// context was cancelled: it is left unrecorded and Run returns ctx.Err().
package scheduler
