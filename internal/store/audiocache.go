package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/voxstream/ttscore/internal/audiocache"
	"github.com/voxstream/ttscore/internal/domain"
)

// Compile-time assertion that Store implements the audiocache blob tier.
var _ audiocache.BlobStore = (*Store)(nil)

// GetBlob retrieves an audio cache entry by fingerprint.
func (s *Store) GetBlob(fingerprint string) (*audiocache.Entry, error) {
	var (
		codec      string
		durationMs int
		sizeBytes  int64
		lastAccess string
		audio      []byte
	)
	err := s.reader.QueryRow(`
		SELECT codec, duration_ms, size_bytes, last_access, audio
		FROM audio_cache WHERE fingerprint = ?`, fingerprint,
	).Scan(&codec, &durationMs, &sizeBytes, &lastAccess, &audio)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get blob %s: %w", fingerprint, err)
	}

	accessedAt, err := time.Parse(time.RFC3339, lastAccess)
	if err != nil {
		accessedAt = time.Now().UTC()
	}

	return &audiocache.Entry{
		Meta: domain.CacheEntryMeta{
			Fingerprint: fingerprint,
			Codec:       codec,
			DurationMs:  durationMs,
			SizeBytes:   sizeBytes,
			LastAccess:  accessedAt,
		},
		Audio: audio,
	}, nil
}

// PutBlob inserts or replaces an audio cache entry.
func (s *Store) PutBlob(e *audiocache.Entry) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.writer.Exec(`
		INSERT OR REPLACE INTO audio_cache (
			fingerprint, codec, duration_ms, size_bytes, created_at, last_access, audio
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Meta.Fingerprint, e.Meta.Codec, e.Meta.DurationMs, e.Meta.SizeBytes, now, now, e.Audio,
	)
	if err != nil {
		return fmt.Errorf("store: put blob %s: %w", e.Meta.Fingerprint, err)
	}
	return nil
}

// TouchBlob updates the last-access timestamp for fingerprint. A miss
// (fingerprint already swept) is not an error: the caller's in-memory
// tier may be momentarily ahead of the persistent one.
func (s *Store) TouchBlob(fingerprint string, accessedAt time.Time) error {
	_, err := s.writer.Exec(`
		UPDATE audio_cache SET last_access = ? WHERE fingerprint = ?`,
		accessedAt.UTC().Format(time.RFC3339), fingerprint,
	)
	if err != nil {
		return fmt.Errorf("store: touch blob %s: %w", fingerprint, err)
	}
	return nil
}

// DeleteBlob removes a single audio cache entry.
func (s *Store) DeleteBlob(fingerprint string) error {
	_, err := s.writer.Exec(`DELETE FROM audio_cache WHERE fingerprint = ?`, fingerprint)
	if err != nil {
		return fmt.Errorf("store: delete blob %s: %w", fingerprint, err)
	}
	return nil
}

// TotalSize returns the sum of size_bytes across all cached audio.
func (s *Store) TotalSize() (int64, error) {
	var total sql.NullInt64
	err := s.reader.QueryRow(`SELECT SUM(size_bytes) FROM audio_cache`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("store: total blob size: %w", err)
	}
	return total.Int64, nil
}

// EvictLRU deletes audio cache rows in ascending last_access order until at
// least toFree bytes have been removed, returning the evicted fingerprints.
func (s *Store) EvictLRU(toFree int64) ([]string, error) {
	rows, err := s.reader.Query(`
		SELECT fingerprint, size_bytes FROM audio_cache ORDER BY last_access ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: evict lru scan: %w", err)
	}

	type candidate struct {
		fingerprint string
		size        int64
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.fingerprint, &c.size); err != nil {
			rows.Close()
			return nil, fmt.Errorf("store: evict lru row: %w", err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("store: evict lru rows: %w", err)
	}
	rows.Close()

	var freed int64
	var evicted []string
	for _, c := range candidates {
		if freed >= toFree {
			break
		}
		if _, err := s.writer.Exec(`DELETE FROM audio_cache WHERE fingerprint = ?`, c.fingerprint); err != nil {
			return evicted, fmt.Errorf("store: evict lru delete %s: %w", c.fingerprint, err)
		}
		freed += c.size
		evicted = append(evicted, c.fingerprint)
	}
	return evicted, nil
}
