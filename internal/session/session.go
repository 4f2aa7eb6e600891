// Package session implements the bidirectional session channel (§4.9):
// one chi-routed SSE event stream per authenticated session plus JSON POST
// endpoints for the two client→server messages, grounded directly on the
// teacher's streaming-session handlers (create/send/events/delete over a
// StreamManager) and its SSEWriter.
package session

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/voxstream/ttscore/internal/admission"
	"github.com/voxstream/ttscore/internal/domain"
)

// Substrate is the slice of the queue substrate the session channel needs.
type Substrate interface {
	Subscribe(sessionID string, buffer int) <-chan []byte
	Unsubscribe(sessionID string)
	Publish(sessionID string, event []byte)

	RemovePendingBehind(user, doc string, cursor, window int) []int
}

// Admitter is the slice of the admission algorithm the session channel
// invokes on a synthesize message.
type Admitter interface {
	Admit(req admission.Request) error
}

// Handler wires the session channel's HTTP surface onto a chi router.
// EvictionWindow mirrors the queue substrate's cursor-eviction window.
type Handler struct {
	substrate      Substrate
	admitter       Admitter
	eventBuffer    int
	evictionWindow int
}

// New builds a session Handler.
func New(substrate Substrate, admitter Admitter, eventBuffer, evictionWindow int) *Handler {
	if eventBuffer <= 0 {
		eventBuffer = 64
	}
	if evictionWindow <= 0 {
		evictionWindow = 20
	}
	return &Handler{substrate: substrate, admitter: admitter, eventBuffer: eventBuffer, evictionWindow: evictionWindow}
}

// Routes mounts the session channel's endpoints under r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/sessions/{session_id}/events", h.HandleEvents)
	r.Post("/sessions/{session_id}/synthesize", h.HandleSynthesize)
	r.Post("/sessions/{session_id}/cursor", h.HandleCursorMoved)
}

// synthesizeRequest is the JSON body for the synthesize client message.
type synthesizeRequest struct {
	DocumentID   string            `json:"document_id"`
	BlockIndices []int             `json:"block_indices"`
	Cursor       int               `json:"cursor"`
	ModelSlug    string            `json:"model"`
	VoiceSlug    string            `json:"voice"`
	Speed        float64           `json:"speed"`
	Params       map[string]string `json:"params,omitempty"`
	// Texts carries the block text the out-of-scope document pipeline
	// already resolved for each requested index, keyed by block_idx as a
	// string (JSON object keys are always strings).
	Texts map[string]string `json:"texts"`
	// UserID identifies the caller; in a full deployment this is resolved
	// by the excluded auth collaborator from the session, not the body.
	UserID string `json:"user_id"`
}

// cursorMovedRequest is the JSON body for the cursor_moved client message.
type cursorMovedRequest struct {
	DocumentID string `json:"document_id"`
	Cursor     int    `json:"cursor"`
	UserID     string `json:"user_id"`
}

// HandleEvents is the SSE endpoint a client holds open to receive status,
// evicted, and error events for its session.
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := h.substrate.Subscribe(sessionID, h.eventBuffer)
	defer h.substrate.Unsubscribe(sessionID)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-events:
			if !ok {
				fmt.Fprintf(w, "event: close\ndata: {\"reason\":\"session_closed\"}\n\n")
				flusher.Flush()
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", msg)
			flusher.Flush()
		}
	}
}

// HandleSynthesize invokes admission for the requested blocks.
func (h *Handler) HandleSynthesize(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")

	var req synthesizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	defer r.Body.Close()

	if req.DocumentID == "" || req.ModelSlug == "" {
		writeJSONError(w, http.StatusBadRequest, "document_id and model are required")
		return
	}

	blocks := make([]domain.Block, 0, len(req.BlockIndices))
	for _, idx := range req.BlockIndices {
		text := req.Texts[fmt.Sprintf("%d", idx)]
		blocks = append(blocks, domain.Block{DocumentID: req.DocumentID, BlockIdx: idx, Text: text})
	}

	admitReq := admission.Request{
		SessionID:  sessionID,
		UserID:     req.UserID,
		DocumentID: req.DocumentID,
		ModelSlug:  req.ModelSlug,
		VoiceSlug:  req.VoiceSlug,
		Speed:      req.Speed,
		Params:     req.Params,
		Blocks:     blocks,
	}

	if err := h.admitter.Admit(admitReq); err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("session: admission failed")
		writeJSONError(w, http.StatusServiceUnavailable, "admission unavailable")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
}

// HandleCursorMoved evicts queued-but-not-started blocks that fall outside
// the eviction window on either side of the new cursor position and reports the eviction back on the same
// session's SSE stream.
func (h *Handler) HandleCursorMoved(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")

	var req cursorMovedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	defer r.Body.Close()

	evicted := h.substrate.RemovePendingBehind(req.UserID, req.DocumentID, req.Cursor, h.evictionWindow)

	if len(evicted) > 0 {
		h.notifyEvicted(sessionID, req.DocumentID, evicted)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{"evicted": evicted})
}

func (h *Handler) notifyEvicted(sessionID, documentID string, blockIndices []int) {
	ev := domain.NewEvictedEvent(documentID, blockIndices)
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Msg("session: marshal evicted event failed")
		return
	}
	h.substrate.Publish(sessionID, payload)
}

func writeJSONError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	resp := map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    "session_error",
		},
	}
	data, _ := json.Marshal(resp)
	_, _ = w.Write(data)
}
