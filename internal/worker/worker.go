// Package worker implements the local-worker protocol from the
// coordination core's component design: a stateless pull loop over the
// queue substrate that invokes a pluggable synthesis backend and
// publishes exactly one result per claimed job.
package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/voxstream/ttscore/internal/domain"
)

// Synthesizer is the model-specific synthesis backend a Worker drives.
// Implementations are black boxes from the core's point of view: they
// consume a text job and produce encoded audio bytes.
type Synthesizer interface {
	Synthesize(ctx context.Context, job domain.Job) (audio []byte, codec string, durationMs int, err error)
}

// Substrate is the slice of the queue substrate a worker needs.
type Substrate interface {
	ClaimOldest(ctx context.Context, model, workerID string, timeout time.Duration) (*domain.Job, bool)
	PublishResult(result domain.Result)
}

// Worker pulls jobs for a single model and drives them through a
// Synthesizer. Concurrency is one job per Worker instance; replicas
// scale by running more instances, per the protocol's "worker
// concurrency is one job per slot" note.
type Worker struct {
	id          string
	model       string
	substrate   Substrate
	synth       Synthesizer
	claimTimeout time.Duration
}

// New builds a Worker for model, claiming jobs under workerID. claimTimeout
// is the per-ClaimOldest block duration (spec example: 5s).
func New(workerID, model string, substrate Substrate, synth Synthesizer, claimTimeout time.Duration) *Worker {
	if claimTimeout <= 0 {
		claimTimeout = 5 * time.Second
	}
	return &Worker{id: workerID, model: model, substrate: substrate, synth: synth, claimTimeout: claimTimeout}
}

// Run loops claim→synthesize→publish until ctx is cancelled. A claim
// timeout is not an error: the worker simply loops and claims again,
// giving ctx.Done() a chance to be observed between iterations.
func (w *Worker) Run(ctx context.Context) {
	log.Info().Str("worker_id", w.id).Str("model", w.model).Msg("worker: starting")
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("worker_id", w.id).Msg("worker: stopping")
			return
		default:
		}

		job, ok := w.substrate.ClaimOldest(ctx, w.model, w.id, w.claimTimeout)
		if !ok {
			continue
		}
		w.process(ctx, *job)
	}
}

// process synthesizes a single job and publishes its result. A crash
// between claim and publish is recovered by the visibility scanner,
// which finds the job still in the worker's in-flight set past its
// timeout — workers themselves carry no durable state.
func (w *Worker) process(ctx context.Context, job domain.Job) {
	audio, codec, durationMs, err := w.synth.Synthesize(ctx, job)
	if err != nil {
		log.Warn().Err(err).Str("job_id", job.JobID).Str("model", w.model).Msg("worker: synthesis failed")
		w.substrate.PublishResult(domain.Result{Job: job, Err: err, ErrReason: err.Error()})
		return
	}
	w.substrate.PublishResult(domain.Result{
		Job:        job,
		AudioBytes: audio,
		Codec:      codec,
		DurationMs: durationMs,
	})
}
