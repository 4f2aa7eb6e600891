package queue

import (
	"sync"
	"time"

	"github.com/voxstream/ttscore/internal/domain"
)

// DeadLetterEntry is a terminally-failed job retained for inspection and
// support tooling, bounded by a retention TTL.
type DeadLetterEntry struct {
	Job       domain.Job
	Reason    string
	DeadAt    time.Time
	ExpiresAt time.Time
}

type deadLetterRegistry struct {
	mu      sync.Mutex
	byModel map[string][]DeadLetterEntry
}

func newDeadLetterRegistry() *deadLetterRegistry {
	return &deadLetterRegistry{byModel: make(map[string][]DeadLetterEntry)}
}

// MoveToDeadLetter appends job to its model's dead-letter queue with the
// given reason and retention window. Called by the visibility scanner once
// a job exceeds max_retries.
func (s *Substrate) MoveToDeadLetter(job domain.Job, reason string, retention time.Duration) {
	d := s.dlq
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()
	d.byModel[job.ModelSlug] = append(d.byModel[job.ModelSlug], DeadLetterEntry{
		Job:       job,
		Reason:    reason,
		DeadAt:    now,
		ExpiresAt: now.Add(retention),
	})
}

// DeadLetters returns a snapshot of model's dead-letter queue, including
// entries past their retention (callers that need a live view should call
// SweepDeadLetters first).
func (s *Substrate) DeadLetters(model string) []DeadLetterEntry {
	d := s.dlq
	d.mu.Lock()
	defer d.mu.Unlock()

	src := d.byModel[model]
	out := make([]DeadLetterEntry, len(src))
	copy(out, src)
	return out
}

// SweepDeadLetters drops dead-letter entries past their retention window
// across all models, returning the number removed.
func (s *Substrate) SweepDeadLetters() int {
	d := s.dlq
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for model, entries := range d.byModel {
		kept := entries[:0]
		for _, e := range entries {
			if now.After(e.ExpiresAt) {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		d.byModel[model] = kept
	}
	return removed
}
