package admission

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/voxstream/ttscore/internal/audiocache"
	"github.com/voxstream/ttscore/internal/domain"
)

type fakeSubstrate struct {
	mu          sync.Mutex
	subscribers map[string][]string
	dedup       map[string]bool
	pending     []string
	enqueued    []*domain.Job
	published   map[string][][]byte
	loseDedup   bool
}

func newFakeSubstrate() *fakeSubstrate {
	return &fakeSubstrate{
		subscribers: make(map[string][]string),
		dedup:       make(map[string]bool),
		published:   make(map[string][][]byte),
	}
}

func (f *fakeSubstrate) AddSubscriber(fingerprint, sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribers[fingerprint] = append(f.subscribers[fingerprint], sessionID)
}

func (f *fakeSubstrate) SetInflightDedup(fingerprint string, ttl time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loseDedup {
		return false
	}
	if f.dedup[fingerprint] {
		return false
	}
	f.dedup[fingerprint] = true
	return true
}

func (f *fakeSubstrate) AddPending(user, doc string, blockIdx int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, doc)
}

func (f *fakeSubstrate) Enqueue(model string, job *domain.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, job)
}

func (f *fakeSubstrate) Publish(sessionID string, event []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[sessionID] = append(f.published[sessionID], event)
}

type fakeCache struct {
	hits map[string]*audiocache.Entry
}

func (f *fakeCache) Get(fingerprint string) (*audiocache.Entry, bool) {
	e, ok := f.hits[fingerprint]
	return e, ok
}

type fakeStore struct {
	mu      sync.Mutex
	records []*domain.BlockVariantRecord
}

func (f *fakeStore) UpsertBlockVariant(r *domain.BlockVariantRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, r)
	return nil
}

type fakeQuota struct {
	denied bool
}

func (f *fakeQuota) CheckQuota(userID string) (bool, int64, int64, error) {
	return !f.denied, 0, 100, nil
}

func lastEvent(t *testing.T, sub *fakeSubstrate, sessionID string) domain.StatusEvent {
	t.Helper()
	sub.mu.Lock()
	defer sub.mu.Unlock()
	events := sub.published[sessionID]
	if len(events) == 0 {
		t.Fatalf("no events published for session %s", sessionID)
	}
	var ev domain.StatusEvent
	if err := json.Unmarshal(events[len(events)-1], &ev); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	return ev
}

func TestAdmitQuotaExhaustedEmitsErrorAndSkipsEnqueue(t *testing.T) {
	sub := newFakeSubstrate()
	a := New(sub, &fakeCache{hits: map[string]*audiocache.Entry{}}, &fakeStore{}, &fakeQuota{denied: true}, func(string) string { return "" }, nil)

	err := a.Admit(Request{
		SessionID:  "s1",
		UserID:     "u1",
		DocumentID: "d1",
		ModelSlug:  "m1",
		VoiceSlug:  "v1",
		Blocks:     []domain.Block{{DocumentID: "d1", BlockIdx: 0, Text: "hello"}},
	})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}

	ev := lastEvent(t, sub, "s1")
	if ev.Status != domain.StatusError {
		t.Errorf("expected error status, got %s", ev.Status)
	}
	if len(sub.enqueued) != 0 {
		t.Errorf("expected no enqueue, got %d", len(sub.enqueued))
	}
}

func TestAdmitCacheHitShortCircuits(t *testing.T) {
	sub := newFakeSubstrate()
	variant := domain.Variant{ModelSlug: "m1", VoiceSlug: "v1"}
	fp := domain.Fingerprint("hello", variant)
	cache := &fakeCache{hits: map[string]*audiocache.Entry{
		fp: {Meta: domain.CacheEntryMeta{Fingerprint: fp, DurationMs: 900}},
	}}
	store := &fakeStore{}
	a := New(sub, cache, store, &fakeQuota{}, func(f string) string { return "https://audio/" + f }, nil)

	err := a.Admit(Request{
		SessionID:  "s1",
		UserID:     "u1",
		DocumentID: "d1",
		ModelSlug:  "m1",
		VoiceSlug:  "v1",
		Blocks:     []domain.Block{{DocumentID: "d1", BlockIdx: 0, Text: "hello"}},
	})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}

	ev := lastEvent(t, sub, "s1")
	if ev.Status != domain.StatusCached {
		t.Errorf("expected cached status, got %s", ev.Status)
	}
	if ev.AudioURL != "https://audio/"+fp {
		t.Errorf("unexpected audio url: %s", ev.AudioURL)
	}
	if len(sub.enqueued) != 0 {
		t.Errorf("cache hit must never enqueue, got %d", len(sub.enqueued))
	}
	if len(store.records) != 1 || store.records[0].Status != domain.StatusCached {
		t.Errorf("expected durable record marked cached, got %+v", store.records)
	}
}

func TestAdmitWinnerEnqueuesLoserSubscribesOnly(t *testing.T) {
	sub := newFakeSubstrate()
	a := New(sub, &fakeCache{hits: map[string]*audiocache.Entry{}}, &fakeStore{}, &fakeQuota{}, func(string) string { return "" }, nil)

	req := Request{
		SessionID:  "winner",
		UserID:     "u1",
		DocumentID: "d1",
		ModelSlug:  "m1",
		VoiceSlug:  "v1",
		Blocks:     []domain.Block{{DocumentID: "d1", BlockIdx: 0, Text: "hello"}},
	}
	if err := a.Admit(req); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if len(sub.enqueued) != 1 {
		t.Fatalf("expected 1 enqueue, got %d", len(sub.enqueued))
	}

	req.SessionID = "loser"
	if err := a.Admit(req); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if len(sub.enqueued) != 1 {
		t.Errorf("loser must not enqueue again, got %d total", len(sub.enqueued))
	}

	winnerEv := lastEvent(t, sub, "winner")
	loserEv := lastEvent(t, sub, "loser")
	if winnerEv.Status != domain.StatusQueued || loserEv.Status != domain.StatusQueued {
		t.Errorf("expected both sides to see queued, got winner=%s loser=%s", winnerEv.Status, loserEv.Status)
	}

	sub.mu.Lock()
	fp := domain.Fingerprint("hello", domain.Variant{ModelSlug: "m1", VoiceSlug: "v1"})
	subs := sub.subscribers[fp]
	sub.mu.Unlock()
	if len(subs) != 2 {
		t.Errorf("expected 2 subscribers for fingerprint, got %d", len(subs))
	}
}
