package scanner

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/voxstream/ttscore/internal/domain"
)

// errOverflowTimeout is attached to a published Result when the
// serverless backend never reports completion within PollTimeout.
var errOverflowTimeout = errors.New("scanner: overflow backend poll timed out")

// OverflowSubstrate is the slice of the queue substrate the overflow
// scanner needs.
type OverflowSubstrate interface {
	ExtractAged(model string, cutoff time.Time) []*domain.Job
	RemovePending(user, doc string, blockIdx int)
	PublishResult(result domain.Result)
}

// OverflowBackend is the serverless synthesis collaborator: submit a job's
// text/voice/params and poll until the audio is ready. No library in the
// pack wraps a specific serverless provider, so this is a thin interface
// a concrete HTTP-based implementation (grounded on the dispatcher
// package's pooled-client shape) satisfies per deployment.
type OverflowBackend interface {
	Submit(ctx context.Context, job domain.Job) (taskID string, err error)
	Poll(ctx context.Context, taskID string) (audio []byte, codec string, durationMs int, done bool, err error)
}

// OverflowConfig tunes the overflow scanner.
type OverflowConfig struct {
	Interval       time.Duration
	AgeThreshold   time.Duration
	PollInterval   time.Duration
	PollTimeout    time.Duration
	OverflowModels []string
}

// OverflowScanner hands jobs that have waited too long in a local queue
// off to a serverless backend, funneling the eventual result back through
// PublishResult so it reaches the result consumer on the same path as a
// local worker's result — the dedup guard in the consumer makes the two
// backends indistinguishable downstream.
type OverflowScanner struct {
	substrate OverflowSubstrate
	backend   OverflowBackend
	cfg       OverflowConfig
}

// NewOverflowScanner builds an OverflowScanner, filling in defaults (5s
// interval, 30s age threshold, 2s poll interval, 2min poll timeout).
func NewOverflowScanner(substrate OverflowSubstrate, backend OverflowBackend, cfg OverflowConfig) *OverflowScanner {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.AgeThreshold <= 0 {
		cfg.AgeThreshold = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 2 * time.Minute
	}
	return &OverflowScanner{substrate: substrate, backend: backend, cfg: cfg}
}

// Run ticks every cfg.Interval until ctx is cancelled, submitting aged
// jobs to the serverless backend on each tick.
func (o *OverflowScanner) Run(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.sweep(ctx)
		}
	}
}

func (o *OverflowScanner) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-o.cfg.AgeThreshold)
	for _, model := range o.cfg.OverflowModels {
		for _, job := range o.substrate.ExtractAged(model, cutoff) {
			o.substrate.RemovePending(job.UserID, job.DocumentID, job.BlockIdx)
			go o.handOff(ctx, *job)
		}
	}
}

func (o *OverflowScanner) handOff(ctx context.Context, job domain.Job) {
	taskID, err := o.backend.Submit(ctx, job)
	if err != nil {
		log.Error().Err(err).Str("job_id", job.JobID).Msg("scanner: overflow submit failed")
		o.substrate.PublishResult(domain.Result{Job: job, Err: err, ErrReason: "overflow submit failed: " + err.Error()})
		return
	}

	deadline := time.Now().Add(o.cfg.PollTimeout)
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			audio, codec, durationMs, done, err := o.backend.Poll(ctx, taskID)
			if err != nil {
				log.Error().Err(err).Str("job_id", job.JobID).Msg("scanner: overflow poll failed")
				o.substrate.PublishResult(domain.Result{Job: job, Err: err, ErrReason: "overflow poll failed: " + err.Error()})
				return
			}
			if done {
				o.substrate.PublishResult(domain.Result{Job: job, AudioBytes: audio, Codec: codec, DurationMs: durationMs})
				return
			}
			if time.Now().After(deadline) {
				log.Error().Str("job_id", job.JobID).Msg("scanner: overflow poll timed out")
				o.substrate.PublishResult(domain.Result{Job: job, Err: errOverflowTimeout, ErrReason: "overflow backend poll timed out"})
				return
			}
		}
	}
}
