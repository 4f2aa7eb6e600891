// Package domain holds the core types shared across the job-coordination
// components: blocks, variants, fingerprints, jobs, and the durable
// block-variant record.
package domain

import "time"

// Block is the atomic unit of synthesis work handed to the core by the
// (out-of-scope) document pipeline. It is immutable once produced.
type Block struct {
	DocumentID    string
	BlockIdx      int
	Text          string
	EstDurationMs int
}

// Variant is the tuple of synthesis parameters that affects the resulting
// audio. Two blocks with identical text and an identical Variant share a
// Fingerprint and therefore share cached audio.
type Variant struct {
	ModelSlug string
	VoiceSlug string
	Speed     float64
	// Params carries model-specific knobs that affect audio (e.g. pitch,
	// style). Keys and values must be deterministically serializable since
	// they feed the fingerprint hash.
	Params map[string]string
}

// Status is the lifecycle state of a block-variant record, mirrored in
// status events sent to session subscribers.
type Status string

const (
	StatusPending    Status = "pending"
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCached     Status = "cached"
	StatusSkipped    Status = "skipped"
	StatusError      Status = "error"
	StatusEvicted    Status = "evicted"
)

// BlockVariantRecord is the durable (document_id, block_idx, model, voice)
// row that lets a reconnecting client reconcile state without
// re-synthesizing. It is owned by the store package.
type BlockVariantRecord struct {
	DocumentID  string
	BlockIdx    int
	ModelSlug   string
	VoiceSlug   string
	Fingerprint string
	DurationMs  int
	Status      Status
	ErrorReason string
	UpdatedAt   time.Time
}

// Job is a unit of queued work. JobID is a fresh identifier per enqueue,
// distinct from the Fingerprint, so the same fingerprint may be represented
// by several jobs across retries.
type Job struct {
	JobID       string
	Fingerprint string
	UserID      string
	DocumentID  string
	BlockIdx    int
	ModelSlug   string
	VoiceSlug   string
	Variant     Variant
	Text        string
	RetryCount  int
	QueuedAt    time.Time
	StartedAt   time.Time
	WorkerID    string
}

// Result is published by a worker or dispatcher once a job has been
// attempted. Exactly one of AudioBytes/Err determines how the consumer
// finalizes it; an empty AudioBytes with a nil Err means "skipped".
type Result struct {
	Job        Job
	AudioBytes []byte
	Codec      string
	DurationMs int
	Err        error
	ErrReason  string
}

// CacheEntryMeta is the metadata side of a content-addressed cache entry.
// The audio bytes themselves live in the audiocache blob store.
type CacheEntryMeta struct {
	Fingerprint string
	Codec       string
	DurationMs  int
	SizeBytes   int64
	LastAccess  time.Time
}
