package session

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/voxstream/ttscore/internal/admission"
	"github.com/voxstream/ttscore/internal/domain"
)

type fakeSubstrate struct {
	mu            sync.Mutex
	channels      map[string]chan []byte
	published     map[string][][]byte
	evictedBehind []int
}

func newFakeSubstrate() *fakeSubstrate {
	return &fakeSubstrate{channels: make(map[string]chan []byte), published: make(map[string][][]byte)}
}

func (f *fakeSubstrate) Subscribe(sessionID string, buffer int) <-chan []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[sessionID]
	if !ok {
		ch = make(chan []byte, buffer)
		f.channels[sessionID] = ch
	}
	return ch
}

func (f *fakeSubstrate) Unsubscribe(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.channels[sessionID]; ok {
		delete(f.channels, sessionID)
		close(ch)
	}
}

func (f *fakeSubstrate) Publish(sessionID string, event []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[sessionID] = append(f.published[sessionID], event)
	if ch, ok := f.channels[sessionID]; ok {
		select {
		case ch <- event:
		default:
		}
	}
}

func (f *fakeSubstrate) RemovePendingBehind(user, doc string, cursor, window int) []int {
	return f.evictedBehind
}

type fakeAdmitter struct {
	mu   sync.Mutex
	reqs []admission.Request
}

func (f *fakeAdmitter) Admit(req admission.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return nil
}

func newTestRouter(sub Substrate, adm Admitter) *chi.Mux {
	r := chi.NewRouter()
	h := New(sub, adm, 16, 20)
	h.Routes(r)
	return r
}

func TestHandleSynthesizeInvokesAdmissionWithResolvedBlocks(t *testing.T) {
	sub := newFakeSubstrate()
	adm := &fakeAdmitter{}
	r := newTestRouter(sub, adm)

	body := `{"document_id":"d1","block_indices":[0,1],"model":"m1","voice":"v1","user_id":"u1","texts":{"0":"hello","1":"world"}}`
	req := httptest.NewRequest(http.MethodPost, "/sessions/s1/synthesize", strings.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}

	adm.mu.Lock()
	defer adm.mu.Unlock()
	if len(adm.reqs) != 1 {
		t.Fatalf("expected 1 admission request, got %d", len(adm.reqs))
	}
	got := adm.reqs[0]
	if got.SessionID != "s1" || got.UserID != "u1" || len(got.Blocks) != 2 {
		t.Fatalf("unexpected admission request: %+v", got)
	}
	if got.Blocks[0].Text != "hello" || got.Blocks[1].Text != "world" {
		t.Errorf("unexpected block texts: %+v", got.Blocks)
	}
}

func TestHandleSynthesizeRejectsMissingFields(t *testing.T) {
	sub := newFakeSubstrate()
	adm := &fakeAdmitter{}
	r := newTestRouter(sub, adm)

	req := httptest.NewRequest(http.MethodPost, "/sessions/s1/synthesize", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestHandleCursorMovedEvictsAndNotifies(t *testing.T) {
	sub := newFakeSubstrate()
	sub.evictedBehind = []int{3, 4}
	adm := &fakeAdmitter{}
	r := newTestRouter(sub, adm)

	body := `{"document_id":"d1","cursor":10,"user_id":"u1"}`
	req := httptest.NewRequest(http.MethodPost, "/sessions/s1/cursor", strings.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string][]int
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp["evicted"]) != 2 {
		t.Errorf("expected 2 evicted indices in response, got %+v", resp)
	}

	sub.mu.Lock()
	defer sub.mu.Unlock()
	events := sub.published["s1"]
	if len(events) != 1 {
		t.Fatalf("expected 1 evicted event published, got %d", len(events))
	}
	var ev domain.EvictedEvent
	json.Unmarshal(events[0], &ev)
	if ev.Type != "evicted" || len(ev.BlockIndices) != 2 {
		t.Errorf("unexpected evicted event: %+v", ev)
	}
}

func TestHandleCursorMovedNoOpWhenNothingEvicted(t *testing.T) {
	sub := newFakeSubstrate()
	adm := &fakeAdmitter{}
	r := newTestRouter(sub, adm)

	body := `{"document_id":"d1","cursor":10,"user_id":"u1"}`
	req := httptest.NewRequest(http.MethodPost, "/sessions/s1/cursor", strings.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	sub.mu.Lock()
	defer sub.mu.Unlock()
	if len(sub.published["s1"]) != 0 {
		t.Errorf("expected no evicted event when nothing was evicted, got %d", len(sub.published["s1"]))
	}
}

func TestHandleEventsStreamsPublishedMessages(t *testing.T) {
	sub := newFakeSubstrate()
	adm := &fakeAdmitter{}
	r := newTestRouter(sub, adm)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/sessions/s1/events", nil).WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		r.ServeHTTP(w, req)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	sub.Publish("s1", []byte(`{"type":"status"}`))

	<-done

	if !bytes.Contains(w.Body.Bytes(), []byte(`data: {"type":"status"}`)) {
		t.Errorf("expected streamed event in body, got %q", w.Body.String())
	}
}
