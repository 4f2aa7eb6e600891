package domain

// Session-channel server→client messages (§4.9). Each carries its own
// "type" discriminator so the client can dispatch without a wrapper
// envelope; encoders marshal these directly to the pubsub byte stream.

// StatusEvent reports a block-variant's lifecycle transition. ModelSlug
// and VoiceSlug are always present so a client can discard a stale
// update that arrives after it has already switched voices.
type StatusEvent struct {
	Type       string `json:"type"`
	DocumentID string `json:"document_id"`
	BlockIdx   int    `json:"block_idx"`
	Status     Status `json:"status"`
	AudioURL   string `json:"audio_url,omitempty"`
	Error      string `json:"error,omitempty"`
	ModelSlug  string `json:"model_slug"`
	VoiceSlug  string `json:"voice_slug"`
}

// NewStatusEvent builds a StatusEvent with the type discriminator set.
func NewStatusEvent(documentID string, blockIdx int, status Status, modelSlug, voiceSlug string) StatusEvent {
	return StatusEvent{
		Type:       "status",
		DocumentID: documentID,
		BlockIdx:   blockIdx,
		Status:     status,
		ModelSlug:  modelSlug,
		VoiceSlug:  voiceSlug,
	}
}

// EvictedEvent reports that a cursor move cancelled queued-but-not-started
// blocks behind the cursor.
type EvictedEvent struct {
	Type         string `json:"type"`
	DocumentID   string `json:"document_id"`
	BlockIndices []int  `json:"block_indices"`
}

// NewEvictedEvent builds an EvictedEvent with the type discriminator set.
func NewEvictedEvent(documentID string, blockIndices []int) EvictedEvent {
	return EvictedEvent{Type: "evicted", DocumentID: documentID, BlockIndices: blockIndices}
}

// ErrorEvent reports a channel-level failure not tied to a single block.
type ErrorEvent struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// NewErrorEvent builds an ErrorEvent with the type discriminator set.
func NewErrorEvent(reason string) ErrorEvent {
	return ErrorEvent{Type: "error", Reason: reason}
}
