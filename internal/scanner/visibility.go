// Package scanner implements the two periodic housekeeping goroutines
// that keep the queue substrate live and bounded: the visibility scanner
// (§4.7), which recovers jobs stuck in a crashed or stalled worker's
// in-flight set, and the overflow scanner (§4.8), which hands jobs that
// have waited too long locally off to a serverless backend. Both follow
// the teacher's periodic-ticker-goroutine shape.
package scanner

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/voxstream/ttscore/internal/domain"
	"github.com/voxstream/ttscore/internal/queue"
)

// errStalled is the error attached to a published Result when a job is
// dead-lettered after exhausting its retries.
var errStalled = errors.New("scanner: job stalled past visibility timeout")

// VisibilitySubstrate is the slice of the queue substrate the visibility
// scanner needs.
type VisibilitySubstrate interface {
	VisitInflight(fn func(queue.InflightSnapshot))
	RemoveInflight(workerID, jobID string)
	Enqueue(model string, job *domain.Job)
	MoveToDeadLetter(job domain.Job, reason string, retention time.Duration)
	PublishResult(result domain.Result)
}

// DeadLetterStore persists a SQL mirror of dead-lettered jobs so they
// remain visible across a process restart. Optional: a nil DeadLetterStore
// leaves the in-memory queue substrate registry as the sole source of
// dead-letter state, matching the coordination core's non-goal of
// surviving total infrastructure loss.
type DeadLetterStore interface {
	RecordDeadLetter(job domain.Job, reason string, deadAt, expiresAt time.Time) error
}

// VisibilityConfig tunes the visibility scanner. ModelTimeouts overrides
// DefaultTimeout per model (fast models time out sooner than slow ones).
type VisibilityConfig struct {
	Interval       time.Duration
	DefaultTimeout time.Duration
	ModelTimeouts  map[string]time.Duration
	MaxRetries     int
	DeadLetterTTL  time.Duration
}

func (c VisibilityConfig) timeoutFor(model string) time.Duration {
	if t, ok := c.ModelTimeouts[model]; ok {
		return t
	}
	return c.DefaultTimeout
}

// VisibilityScanner recovers jobs whose worker appears to have stalled or
// crashed: jobs under max_retries are requeued without touching the
// inflight dedup key (it still protects the fingerprint); jobs at the
// retry ceiling are moved to the dead-letter queue and an error result is
// published so the result consumer notifies subscribers.
type VisibilityScanner struct {
	substrate VisibilitySubstrate
	store     DeadLetterStore
	cfg       VisibilityConfig
}

// NewVisibilityScanner builds a VisibilityScanner, filling in defaults
// (15s interval, 30s timeout, 3 retries, 7-day dead-letter retention) for
// any zero-valued config fields. store may be nil to skip the SQL mirror.
func NewVisibilityScanner(substrate VisibilitySubstrate, store DeadLetterStore, cfg VisibilityConfig) *VisibilityScanner {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.DeadLetterTTL <= 0 {
		cfg.DeadLetterTTL = 7 * 24 * time.Hour
	}
	return &VisibilityScanner{substrate: substrate, store: store, cfg: cfg}
}

// Run ticks every cfg.Interval until ctx is cancelled, sweeping stalled
// in-flight jobs on each tick.
func (v *VisibilityScanner) Run(ctx context.Context) {
	ticker := time.NewTicker(v.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v.sweep()
		}
	}
}

func (v *VisibilityScanner) sweep() {
	now := time.Now()
	var stalled []queue.InflightSnapshot

	v.substrate.VisitInflight(func(snap queue.InflightSnapshot) {
		timeout := v.cfg.timeoutFor(snap.Job.ModelSlug)
		if now.Sub(snap.Job.StartedAt) >= timeout {
			stalled = append(stalled, snap)
		}
	})

	for _, snap := range stalled {
		v.recover(snap)
	}
}

func (v *VisibilityScanner) recover(snap queue.InflightSnapshot) {
	job := snap.Job
	v.substrate.RemoveInflight(snap.WorkerID, job.JobID)

	if job.RetryCount < v.cfg.MaxRetries {
		job.RetryCount++
		job.QueuedAt = time.Now()
		job.StartedAt = time.Time{}
		job.WorkerID = ""
		log.Warn().Str("job_id", job.JobID).Int("retry_count", job.RetryCount).
			Msg("scanner: requeuing stalled job")
		v.substrate.Enqueue(job.ModelSlug, &job)
		return
	}

	log.Error().Str("job_id", job.JobID).Str("fingerprint", job.Fingerprint).
		Msg("scanner: retries exhausted, moving to dead letter")
	reason := "visibility timeout: retries exhausted"
	deadAt := time.Now()
	v.substrate.MoveToDeadLetter(job, reason, v.cfg.DeadLetterTTL)
	if v.store != nil {
		if err := v.store.RecordDeadLetter(job, reason, deadAt, deadAt.Add(v.cfg.DeadLetterTTL)); err != nil {
			log.Error().Err(err).Str("job_id", job.JobID).Msg("scanner: failed to persist dead letter to store")
		}
	}
	v.substrate.PublishResult(domain.Result{
		Job:       job,
		Err:       errStalled,
		ErrReason: "job exceeded visibility timeout after max retries",
	})
}
