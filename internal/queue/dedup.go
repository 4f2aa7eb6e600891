package queue

import (
	"sync"
	"time"
)

// dedupRegistry implements the inflight dedup key: a set-if-absent,
// delete-if-present primitive keyed by fingerprint. It is the single
// source of truth for "someone is working on F" and must never be cleared
// except by the first successful finalize (or TTL expiry bounding an
// orphaned claim).
type dedupRegistry struct {
	mu      sync.Mutex
	entries map[string]time.Time // fingerprint -> expiry
}

func newDedupRegistry() *dedupRegistry {
	return &dedupRegistry{entries: make(map[string]time.Time)}
}

// SetInflightDedup sets the key for fingerprint only if absent (or
// expired), returning whether this call won the race.
func (s *Substrate) SetInflightDedup(fingerprint string, ttl time.Duration) bool {
	d := s.dedup
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if exp, ok := d.entries[fingerprint]; ok && now.Before(exp) {
		return false
	}
	d.entries[fingerprint] = now.Add(ttl)
	return true
}

// DeleteInflightDedup atomically deletes the key for fingerprint, returning
// whether it existed (and was unexpired) immediately before the delete.
// This is the "first deleter wins" primitive the result consumer uses to
// guarantee at most one finalize per fingerprint.
func (s *Substrate) DeleteInflightDedup(fingerprint string) bool {
	d := s.dedup
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	exp, ok := d.entries[fingerprint]
	if ok {
		delete(d.entries, fingerprint)
	}
	return ok && now.Before(exp)
}

// SweepExpiredDedup drops expired entries so the map does not grow
// unbounded with orphaned keys. Nothing in the module calls it; it is a bookkeeping convenience and plays
// no role in correctness (expired entries are already treated as absent
// by SetInflightDedup).
func (s *Substrate) SweepExpiredDedup() int {
	d := s.dedup
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for f, exp := range d.entries {
		if now.After(exp) {
			delete(d.entries, f)
			removed++
		}
	}
	return removed
}
