package store

import (
	"fmt"
	"time"

	"github.com/voxstream/ttscore/internal/domain"
)

// UpsertBlockVariant inserts or updates the durable (document, block,
// model, voice) record so a reconnecting client can reconcile state
// without re-synthesizing.
func (s *Store) UpsertBlockVariant(r *domain.BlockVariantRecord) error {
	_, err := s.writer.Exec(`
		INSERT INTO block_variants (
			document_id, block_idx, model_slug, voice_slug, fingerprint,
			duration_ms, status, error_reason, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(document_id, block_idx, model_slug, voice_slug) DO UPDATE SET
			fingerprint = excluded.fingerprint,
			duration_ms = excluded.duration_ms,
			status = excluded.status,
			error_reason = excluded.error_reason,
			updated_at = excluded.updated_at`,
		r.DocumentID, r.BlockIdx, r.ModelSlug, r.VoiceSlug, r.Fingerprint,
		r.DurationMs, string(r.Status), r.ErrorReason, r.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("store: upsert block variant (%s,%d,%s,%s): %w",
			r.DocumentID, r.BlockIdx, r.ModelSlug, r.VoiceSlug, err)
	}
	return nil
}

// GetBlockVariant retrieves a single block-variant record. Returns
// sql.ErrNoRows (wrapped) if it does not exist.
func (s *Store) GetBlockVariant(documentID string, blockIdx int, modelSlug, voiceSlug string) (*domain.BlockVariantRecord, error) {
	r := &domain.BlockVariantRecord{}
	var status, updatedAt string
	err := s.reader.QueryRow(`
		SELECT document_id, block_idx, model_slug, voice_slug, fingerprint,
		       duration_ms, status, error_reason, updated_at
		FROM block_variants
		WHERE document_id = ? AND block_idx = ? AND model_slug = ? AND voice_slug = ?`,
		documentID, blockIdx, modelSlug, voiceSlug,
	).Scan(
		&r.DocumentID, &r.BlockIdx, &r.ModelSlug, &r.VoiceSlug, &r.Fingerprint,
		&r.DurationMs, &status, &r.ErrorReason, &updatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("store: get block variant: %w", err)
	}
	r.Status = domain.Status(status)
	r.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return r, nil
}

// ListBlockVariants returns every block-variant record for a document,
// ordered by block index, for reconciling a reconnecting session.
func (s *Store) ListBlockVariants(documentID string) ([]*domain.BlockVariantRecord, error) {
	rows, err := s.reader.Query(`
		SELECT document_id, block_idx, model_slug, voice_slug, fingerprint,
		       duration_ms, status, error_reason, updated_at
		FROM block_variants
		WHERE document_id = ?
		ORDER BY block_idx ASC`, documentID)
	if err != nil {
		return nil, fmt.Errorf("store: list block variants: %w", err)
	}
	defer rows.Close()

	var out []*domain.BlockVariantRecord
	for rows.Next() {
		r := &domain.BlockVariantRecord{}
		var status, updatedAt string
		if err := rows.Scan(
			&r.DocumentID, &r.BlockIdx, &r.ModelSlug, &r.VoiceSlug, &r.Fingerprint,
			&r.DurationMs, &status, &r.ErrorReason, &updatedAt,
		); err != nil {
			return nil, fmt.Errorf("store: scan block variant row: %w", err)
		}
		r.Status = domain.Status(status)
		r.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list block variants iteration: %w", err)
	}
	return out, nil
}

// dlqEntry is the durable mirror of a queue.DeadLetterEntry, persisted so
// dead-lettered jobs survive a process restart until their retention
// expires.
type dlqEntry struct {
	JobID      string
	Fingerprint string
	ModelSlug  string
	DocumentID string
	BlockIdx   int
	Reason     string
	DeadAt     time.Time
	ExpiresAt  time.Time
}

// RecordDeadLetter persists a terminally-failed job as the SQL mirror of
// the queue substrate's in-memory dead-letter registry, so a dead-lettered
// job remains visible across a process restart until its retention
// expires. The in-memory registry remains authoritative for Run-time
// SweepDeadLetters/DeadLetters lookups and the dashboard; nothing in the
// module reads this mirror back, and PruneDeadLetters removes its expired
// rows.
func (s *Store) RecordDeadLetter(job domain.Job, reason string, deadAt, expiresAt time.Time) error {
	return s.InsertDeadLetter(&dlqEntry{
		JobID:       job.JobID,
		Fingerprint: job.Fingerprint,
		ModelSlug:   job.ModelSlug,
		DocumentID:  job.DocumentID,
		BlockIdx:    job.BlockIdx,
		Reason:      reason,
		DeadAt:      deadAt,
		ExpiresAt:   expiresAt,
	})
}

// InsertDeadLetter persists a terminally-failed job.
func (s *Store) InsertDeadLetter(e *dlqEntry) error {
	_, err := s.writer.Exec(`
		INSERT INTO dead_letters (
			job_id, fingerprint, model_slug, document_id, block_idx,
			reason, dead_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.JobID, e.Fingerprint, e.ModelSlug, e.DocumentID, e.BlockIdx,
		e.Reason, e.DeadAt.UTC().Format(time.RFC3339), e.ExpiresAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("store: insert dead letter %s: %w", e.JobID, err)
	}
	return nil
}

// PruneDeadLetters removes dead-letter rows past their retention window,
// returning the number of rows removed.
func (s *Store) PruneDeadLetters() (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	result, err := s.writer.Exec(`DELETE FROM dead_letters WHERE expires_at < ?`, now)
	if err != nil {
		return 0, fmt.Errorf("store: prune dead letters: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: prune dead letters rows affected: %w", err)
	}
	return n, nil
}
