// Package consumer implements the single result consumer (§4.6): the only
// place a fingerprint's work is finalized. Exactly one goroutine should
// drain the results stream — the atomic inflight-dedup delete is what
// gives invariant 2 ("at most one record_usage call per successful
// synthesis of F") its teeth, and that only holds if finalize itself is
// never run concurrently for the same result.
package consumer

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/voxstream/ttscore/internal/domain"
)

// Substrate is the slice of the queue substrate the consumer needs.
type Substrate interface {
	DeleteInflightDedup(fingerprint string) bool
	RemoveInflight(workerID, jobID string)
	RemovePending(user, doc string, blockIdx int)
	PopSubscribers(fingerprint string) []string
	Publish(sessionID string, event []byte)
	Results() <-chan domain.Result
}

// Cache is the slice of the audio cache the consumer writes through.
type Cache interface {
	Put(fingerprint, codec string, durationMs int, audio []byte) error
}

// Store is the slice of the durable store the consumer updates.
type Store interface {
	UpsertBlockVariant(r *domain.BlockVariantRecord) error
}

// Billing records usage for successfully finalized results only — never
// for cache hits, duplicates, or errors (spec.md §4.6 step 6).
type Billing interface {
	RecordUsage(jobID, fingerprint, userID, modelSlug, text string) error
}

// AudioURL builds the addressable URL a client uses to fetch cached audio
// for a fingerprint.
type AudioURL func(fingerprint string) string

// Metrics is the optional counters collaborator. A nil Metrics is valid;
// Consumer skips recording rather than requiring a no-op implementation.
type Metrics interface {
	RecordFinalize(modelSlug string, status domain.Status)
}

// Consumer drains the shared results stream and finalizes each result
// exactly once.
type Consumer struct {
	substrate Substrate
	cache     Cache
	store     Store
	billing   Billing
	audioURL  AudioURL
	metrics   Metrics
}

// New builds a Consumer. metrics may be nil.
func New(substrate Substrate, cache Cache, store Store, billing Billing, audioURL AudioURL, metrics Metrics) *Consumer {
	return &Consumer{substrate: substrate, cache: cache, store: store, billing: billing, audioURL: audioURL, metrics: metrics}
}

// Run ranges over the results stream until it closes. Call this from
// exactly one goroutine.
func (c *Consumer) Run() {
	for result := range c.substrate.Results() {
		c.finalize(result)
	}
}

func (c *Consumer) finalize(result domain.Result) {
	job := result.Job

	if !c.substrate.DeleteInflightDedup(job.Fingerprint) {
		log.Debug().Str("fingerprint", job.Fingerprint).Str("job_id", job.JobID).
			Msg("consumer: dedup key already gone, dropping result (double-billing guard)")
		return
	}

	c.substrate.RemoveInflight(job.WorkerID, job.JobID)
	c.substrate.RemovePending(job.UserID, job.DocumentID, job.BlockIdx)

	switch {
	case result.Err != nil:
		c.finalizeError(job, result.ErrReason)
	case len(result.AudioBytes) == 0:
		c.finalizeSkipped(job)
	default:
		c.finalizeSuccess(job, result)
	}
}

func (c *Consumer) finalizeError(job domain.Job, reason string) {
	c.notifySubscribers(job, domain.StatusError, reason)
	c.updateRecord(job, domain.StatusError, reason, 0)
	c.record(job.ModelSlug, domain.StatusError)
}

func (c *Consumer) finalizeSkipped(job domain.Job) {
	c.notifySubscribers(job, domain.StatusSkipped, "")
	c.updateRecord(job, domain.StatusSkipped, "", 0)
	c.record(job.ModelSlug, domain.StatusSkipped)
}

func (c *Consumer) record(modelSlug string, status domain.Status) {
	if c.metrics != nil {
		c.metrics.RecordFinalize(modelSlug, status)
	}
}

func (c *Consumer) finalizeSuccess(job domain.Job, result domain.Result) {
	if err := c.cache.Put(job.Fingerprint, result.Codec, result.DurationMs, result.AudioBytes); err != nil {
		log.Error().Err(err).Str("fingerprint", job.Fingerprint).Msg("consumer: cache write failed")
		c.finalizeError(job, "cache write failed")
		return
	}

	// Order matters: the cache write above must land before subscribers
	// are told "cached", so a client fetching the URL always finds bytes.
	c.updateRecord(job, domain.StatusCached, "", result.DurationMs)
	c.notifySubscribersWithURL(job, c.audioURL(job.Fingerprint))

	if err := c.billing.RecordUsage(job.JobID, job.Fingerprint, job.UserID, job.ModelSlug, job.Text); err != nil {
		log.Error().Err(err).Str("job_id", job.JobID).Msg("consumer: record usage failed")
	}
	c.record(job.ModelSlug, domain.StatusCached)
}

func (c *Consumer) notifySubscribers(job domain.Job, status domain.Status, reason string) {
	ev := domain.NewStatusEvent(job.DocumentID, job.BlockIdx, status, job.ModelSlug, job.VoiceSlug)
	ev.Error = reason
	c.publish(job.Fingerprint, ev)
}

func (c *Consumer) notifySubscribersWithURL(job domain.Job, audioURL string) {
	ev := domain.NewStatusEvent(job.DocumentID, job.BlockIdx, domain.StatusCached, job.ModelSlug, job.VoiceSlug)
	ev.AudioURL = audioURL
	c.publish(job.Fingerprint, ev)
}

func (c *Consumer) publish(fingerprint string, ev domain.StatusEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Msg("consumer: marshal status event failed")
		return
	}
	for _, sessionID := range c.substrate.PopSubscribers(fingerprint) {
		c.substrate.Publish(sessionID, payload)
	}
}

func (c *Consumer) updateRecord(job domain.Job, status domain.Status, reason string, durationMs int) {
	record := &domain.BlockVariantRecord{
		DocumentID:  job.DocumentID,
		BlockIdx:    job.BlockIdx,
		ModelSlug:   job.ModelSlug,
		VoiceSlug:   job.VoiceSlug,
		Fingerprint: job.Fingerprint,
		DurationMs:  durationMs,
		Status:      status,
		ErrorReason: reason,
		UpdatedAt:   time.Now(),
	}
	if err := c.store.UpsertBlockVariant(record); err != nil {
		log.Error().Err(err).Str("job_id", job.JobID).Msg("consumer: durable record write failed")
	}
}
