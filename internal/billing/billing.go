// Package billing implements the core's one owned corner of billing: the
// record_usage hook and a simple, swappable quota check. The billing
// policy itself (plan tiers, overage rules, invoicing) is an external
// collaborator per the coordination core's scope; this package exists so
// the core has a concrete, runnable implementation of the hook rather
// than a bare interface with no behavior behind it.
package billing

import (
	"fmt"
	"time"

	"github.com/voxstream/ttscore/internal/store"
)

// Ledger is the persistence the default quota/usage implementation needs.
// internal/store.Store satisfies it.
type Ledger interface {
	RecordUsage(r *store.UsageRecord) error
	UsageSince(userID string, since time.Time) (int64, error)
}

// ModelMultiplier resolves the per-model billing multiplier applied to
// character count. Unknown models default to 1.0.
type ModelMultiplier func(modelSlug string) float64

// Billing is the core's record_usage/check_quota hook. It is deliberately
// narrow: quota POLICY (plan tiers, grace periods, alerts) is out of
// scope — this is a single period-bucketed character budget per user,
// standing in for whatever real billing system the core is wired to in
// production.
type Billing struct {
	ledger     Ledger
	multiplier ModelMultiplier
	period     time.Duration
	quotaUnits int64 // 0 disables quota enforcement
}

// New builds a Billing hook. quotaUnits is the number of billable units
// (characters × multiplier, rounded) a user may consume per period; 0
// disables quota enforcement entirely (record_usage still runs).
func New(ledger Ledger, multiplier ModelMultiplier, period time.Duration, quotaUnits int64) *Billing {
	if multiplier == nil {
		multiplier = func(string) float64 { return 1.0 }
	}
	if period <= 0 {
		period = 30 * 24 * time.Hour
	}
	return &Billing{ledger: ledger, multiplier: multiplier, period: period, quotaUnits: quotaUnits}
}

// BillableUnits computes chars(text) × model_multiplier as specified,
// rounded to the nearest whole unit for ledger storage.
func (b *Billing) BillableUnits(text, modelSlug string) int64 {
	chars := float64(len([]rune(text)))
	units := chars * b.multiplier(modelSlug)
	return int64(units + 0.5)
}

// CheckQuota reports whether userID has remaining quota this period. A
// zero quotaUnits means unmetered (always ok).
func (b *Billing) CheckQuota(userID string) (ok bool, spent, limit int64, err error) {
	if b.quotaUnits <= 0 {
		return true, 0, 0, nil
	}
	since := time.Now().Add(-b.period)
	spent, err = b.ledger.UsageSince(userID, since)
	if err != nil {
		return false, 0, b.quotaUnits, fmt.Errorf("billing: check quota for %s: %w", userID, err)
	}
	return spent < b.quotaUnits, spent, b.quotaUnits, nil
}

// RecordUsage appends exactly one ledger entry. A billing entry is
// recorded iff the result was successfully finalized — the consumer must
// not call this for cache hits, duplicates, or errors, per the exactly-
// once guarantee anchored at the inflight dedup-claim boundary.
func (b *Billing) RecordUsage(jobID, fingerprint, userID, modelSlug, text string) error {
	err := b.ledger.RecordUsage(&store.UsageRecord{
		JobID:         jobID,
		Fingerprint:   fingerprint,
		UserID:        userID,
		ModelSlug:     modelSlug,
		BillableUnits: b.BillableUnits(text, modelSlug),
		RecordedAt:    time.Now(),
	})
	if err != nil {
		return fmt.Errorf("billing: record usage for job %s: %w", jobID, err)
	}
	return nil
}
