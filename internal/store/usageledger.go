package store

import (
	"fmt"
	"time"
)

// UsageRecord is a single billable-usage event, written exactly once per
// finalized job by the result consumer.
type UsageRecord struct {
	JobID         string
	Fingerprint   string
	UserID        string
	ModelSlug     string
	BillableUnits int64
	CacheHit      bool
	RecordedAt    time.Time
}

// RecordUsage appends a usage-ledger row. Idempotency is the caller's
// responsibility: the result consumer only calls this once per job,
// guarded by the inflight dedup delete succeeding.
func (s *Store) RecordUsage(r *UsageRecord) error {
	cacheHit := 0
	if r.CacheHit {
		cacheHit = 1
	}
	_, err := s.writer.Exec(`
		INSERT INTO usage_ledger (
			job_id, fingerprint, user_id, model_slug, billable_units, cache_hit, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.JobID, r.Fingerprint, r.UserID, r.ModelSlug, r.BillableUnits, cacheHit,
		r.RecordedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("store: record usage %s: %w", r.JobID, err)
	}
	return nil
}

// UsageSince sums billable units recorded for userID at or after since,
// used by the billing quota check.
func (s *Store) UsageSince(userID string, since time.Time) (int64, error) {
	var total int64
	err := s.reader.QueryRow(`
		SELECT COALESCE(SUM(billable_units), 0) FROM usage_ledger
		WHERE user_id = ? AND recorded_at >= ?`,
		userID, since.UTC().Format(time.RFC3339),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("store: usage since for %s: %w", userID, err)
	}
	return total, nil
}

// TotalBillableUnits sums billable units recorded across all users at or
// after since, for the dashboard's aggregate usage view.
func (s *Store) TotalBillableUnits(since time.Time) (int64, error) {
	var total int64
	err := s.reader.QueryRow(`
		SELECT COALESCE(SUM(billable_units), 0) FROM usage_ledger
		WHERE recorded_at >= ?`,
		since.UTC().Format(time.RFC3339),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("store: total billable units: %w", err)
	}
	return total, nil
}

// RecentUsage returns the most recently recorded usage-ledger entries,
// newest first, for the dashboard's billing activity view.
func (s *Store) RecentUsage(limit, offset int) ([]*UsageRecord, error) {
	rows, err := s.reader.Query(`
		SELECT job_id, fingerprint, user_id, model_slug, billable_units, cache_hit, recorded_at
		FROM usage_ledger
		ORDER BY id DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("store: recent usage: %w", err)
	}
	defer rows.Close()

	var out []*UsageRecord
	for rows.Next() {
		r := &UsageRecord{}
		var cacheHit int
		var recordedAt string
		if err := rows.Scan(&r.JobID, &r.Fingerprint, &r.UserID, &r.ModelSlug, &r.BillableUnits, &cacheHit, &recordedAt); err != nil {
			return nil, fmt.Errorf("store: scan usage row: %w", err)
		}
		r.CacheHit = cacheHit != 0
		r.RecordedAt, _ = time.Parse(time.RFC3339, recordedAt)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: recent usage iteration: %w", err)
	}
	return out, nil
}
