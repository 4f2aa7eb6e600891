// Package admission implements the dedup & admission algorithm (§4.3): for
// each requested block, check quota, compute the fingerprint, short-circuit
// on a cache hit, register the session as a subscriber, and race for the
// inflight dedup key before enqueuing. Ordering between concurrent
// admissions for the same fingerprint is resolved entirely by the
// substrate's atomic inflight-key set — this package never arbitrates that
// race itself.
package admission

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/voxstream/ttscore/internal/audiocache"
	"github.com/voxstream/ttscore/internal/domain"
)

// dedupTTL bounds how long an inflight key can survive without a matching
// job actually landing in the queue (crash between winning the race and
// enqueuing). See spec note on TTL vs. visibility-scanner coupling.
const dedupTTL = 10 * time.Minute

// Substrate is the slice of the queue substrate admission needs.
type Substrate interface {
	AddSubscriber(fingerprint, sessionID string)
	SetInflightDedup(fingerprint string, ttl time.Duration) bool
	AddPending(user, doc string, blockIdx int)
	Enqueue(model string, job *domain.Job)
	Publish(sessionID string, event []byte)
}

// Cache is the slice of the audio cache admission needs for its cache-hit
// short-circuit.
type Cache interface {
	Get(fingerprint string) (*audiocache.Entry, bool)
}

// Store is the slice of the durable store admission needs to keep the
// block-variant record consistent with what it tells the client.
type Store interface {
	UpsertBlockVariant(r *domain.BlockVariantRecord) error
}

// Quota is the billing collaborator's quota-check half (§6); record_usage
// is the result consumer's concern, not admission's.
type Quota interface {
	CheckQuota(userID string) (ok bool, spent, limit int64, err error)
}

// AudioURL builds the addressable URL a client uses to fetch cached audio
// for a fingerprint.
type AudioURL func(fingerprint string) string

// Metrics is the optional counters collaborator. A nil Metrics is valid;
// Admitter skips recording rather than requiring a no-op implementation.
type Metrics interface {
	RecordAdmission(modelSlug string, cacheHit bool)
}

// Admitter runs the dedup & admission algorithm against one set of
// collaborators.
type Admitter struct {
	substrate Substrate
	cache     Cache
	store     Store
	quota     Quota
	audioURL  AudioURL
	metrics   Metrics
}

// New builds an Admitter. metrics may be nil.
func New(substrate Substrate, cache Cache, store Store, quota Quota, audioURL AudioURL, metrics Metrics) *Admitter {
	return &Admitter{substrate: substrate, cache: cache, store: store, quota: quota, audioURL: audioURL, metrics: metrics}
}

// Request is one synthesize invocation: a batch of blocks, all sharing the
// same model/voice/params, requested by one session.
type Request struct {
	SessionID  string
	UserID     string
	DocumentID string
	ModelSlug  string
	VoiceSlug  string
	Speed      float64
	Params     map[string]string
	Blocks     []domain.Block
}

// Admit processes every block in req, in input order, per §4.3. Admission
// errors are per-block (surfaced as a status event) and never abort the
// remaining blocks in the batch. The Substrate methods report no errors, so
// this method currently always returns nil.
func (a *Admitter) Admit(req Request) error {
	variant := domain.Variant{
		ModelSlug: req.ModelSlug,
		VoiceSlug: req.VoiceSlug,
		Speed:     req.Speed,
		Params:    req.Params,
	}

	for _, block := range req.Blocks {
		a.admitOne(req, block, variant)
	}
	return nil
}

func (a *Admitter) admitOne(req Request, block domain.Block, variant domain.Variant) {
	ok, _, _, err := a.quota.CheckQuota(req.UserID)
	if err != nil {
		log.Error().Err(err).Str("user_id", req.UserID).Msg("admission: quota check failed")
		a.emitError(req.SessionID, req.DocumentID, block.BlockIdx, "quota check unavailable", req.ModelSlug, req.VoiceSlug)
		return
	}
	if !ok {
		a.emitError(req.SessionID, req.DocumentID, block.BlockIdx, "usage quota exhausted", req.ModelSlug, req.VoiceSlug)
		return
	}

	fingerprint := domain.Fingerprint(block.Text, variant)

	if entry, hit := a.cache.Get(fingerprint); hit {
		a.record(req.ModelSlug, true)
		a.markCached(req.DocumentID, block.BlockIdx, req.ModelSlug, req.VoiceSlug, fingerprint, entry.Meta.DurationMs)
		ev := domain.NewStatusEvent(req.DocumentID, block.BlockIdx, domain.StatusCached, req.ModelSlug, req.VoiceSlug)
		ev.AudioURL = a.audioURL(fingerprint)
		a.emit(req.SessionID, ev)
		return
	}
	a.record(req.ModelSlug, false)

	a.substrate.AddSubscriber(fingerprint, req.SessionID)

	if !a.substrate.SetInflightDedup(fingerprint, dedupTTL) {
		a.emit(req.SessionID, domain.NewStatusEvent(req.DocumentID, block.BlockIdx, domain.StatusQueued, req.ModelSlug, req.VoiceSlug))
		return
	}

	job := &domain.Job{
		JobID:       uuid.New().String(),
		Fingerprint: fingerprint,
		UserID:      req.UserID,
		DocumentID:  req.DocumentID,
		BlockIdx:    block.BlockIdx,
		ModelSlug:   req.ModelSlug,
		VoiceSlug:   req.VoiceSlug,
		Variant:     variant,
		Text:        block.Text,
		QueuedAt:    time.Now(),
	}

	record := &domain.BlockVariantRecord{
		DocumentID:  req.DocumentID,
		BlockIdx:    block.BlockIdx,
		ModelSlug:   req.ModelSlug,
		VoiceSlug:   req.VoiceSlug,
		Fingerprint: fingerprint,
		Status:      domain.StatusQueued,
		UpdatedAt:   time.Now(),
	}
	if err := a.store.UpsertBlockVariant(record); err != nil {
		log.Error().Err(err).Str("job_id", job.JobID).Msg("admission: durable record write failed")
	}

	a.substrate.AddPending(req.UserID, req.DocumentID, block.BlockIdx)
	a.substrate.Enqueue(req.ModelSlug, job)

	a.emit(req.SessionID, domain.NewStatusEvent(req.DocumentID, block.BlockIdx, domain.StatusQueued, req.ModelSlug, req.VoiceSlug))
}

func (a *Admitter) record(modelSlug string, cacheHit bool) {
	if a.metrics != nil {
		a.metrics.RecordAdmission(modelSlug, cacheHit)
	}
}

func (a *Admitter) markCached(documentID string, blockIdx int, modelSlug, voiceSlug, fingerprint string, durationMs int) {
	record := &domain.BlockVariantRecord{
		DocumentID:  documentID,
		BlockIdx:    blockIdx,
		ModelSlug:   modelSlug,
		VoiceSlug:   voiceSlug,
		Fingerprint: fingerprint,
		DurationMs:  durationMs,
		Status:      domain.StatusCached,
		UpdatedAt:   time.Now(),
	}
	if err := a.store.UpsertBlockVariant(record); err != nil {
		log.Error().Err(err).Str("document_id", documentID).Int("block_idx", blockIdx).
			Msg("admission: durable record write failed on cache hit")
	}
}

func (a *Admitter) emitError(sessionID, documentID string, blockIdx int, reason, modelSlug, voiceSlug string) {
	ev := domain.NewStatusEvent(documentID, blockIdx, domain.StatusError, modelSlug, voiceSlug)
	ev.Error = reason
	a.emit(sessionID, ev)
}

func (a *Admitter) emit(sessionID string, ev domain.StatusEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Msg("admission: marshal status event failed")
		return
	}
	a.substrate.Publish(sessionID, payload)
}
