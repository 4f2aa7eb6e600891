package consumer

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/voxstream/ttscore/internal/domain"
)

type fakeSubstrate struct {
	mu              sync.Mutex
	dedupExists     map[string]bool
	removedInflight []string
	removedPending  []string
	subscribers     map[string][]string
	published       map[string][][]byte
	results         chan domain.Result
}

func newFakeSubstrate() *fakeSubstrate {
	return &fakeSubstrate{
		dedupExists: make(map[string]bool),
		subscribers: make(map[string][]string),
		published:   make(map[string][][]byte),
		results:     make(chan domain.Result, 4),
	}
}

func (f *fakeSubstrate) DeleteInflightDedup(fingerprint string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	existed := f.dedupExists[fingerprint]
	delete(f.dedupExists, fingerprint)
	return existed
}

func (f *fakeSubstrate) RemoveInflight(workerID, jobID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removedInflight = append(f.removedInflight, workerID+"/"+jobID)
}

func (f *fakeSubstrate) RemovePending(user, doc string, blockIdx int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removedPending = append(f.removedPending, doc)
}

func (f *fakeSubstrate) PopSubscribers(fingerprint string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.subscribers[fingerprint]
	delete(f.subscribers, fingerprint)
	return s
}

func (f *fakeSubstrate) Publish(sessionID string, event []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[sessionID] = append(f.published[sessionID], event)
}

func (f *fakeSubstrate) Results() <-chan domain.Result { return f.results }

type fakeCache struct {
	mu   sync.Mutex
	puts map[string][]byte
	fail bool
}

func (f *fakeCache) Put(fingerprint, codec string, durationMs int, audio []byte) error {
	if f.fail {
		return errors.New("disk full")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.puts == nil {
		f.puts = make(map[string][]byte)
	}
	f.puts[fingerprint] = audio
	return nil
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

type fakeBilling struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeBilling) RecordUsage(jobID, fingerprint, userID, modelSlug, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil
}

func TestFinalizeSuccessCachesBeforeNotifyingAndBills(t *testing.T) {
	sub := newFakeSubstrate()
	sub.dedupExists["fp1"] = true
	sub.subscribers["fp1"] = []string{"s1", "s2"}
	cache := &fakeCache{}
	store := &fakeStore{}
	billing := &fakeBilling{}

	c := New(sub, cache, store, billing, func(f string) string { return "https://audio/" + f }, nil)
	c.finalize(domain.Result{
		Job:        domain.Job{JobID: "j1", Fingerprint: "fp1", WorkerID: "w1", UserID: "u1", DocumentID: "d1", BlockIdx: 2, ModelSlug: "m1", Text: "hello"},
		AudioBytes: []byte("bytes"),
		Codec:      "opus",
		DurationMs: 500,
	})

	if cache.puts["fp1"] == nil {
		t.Fatal("expected cache.Put to be called")
	}
	if billing.calls != 1 {
		t.Errorf("expected exactly 1 billing call, got %d", billing.calls)
	}
	if len(store.records) != 1 || store.records[0].Status != domain.StatusCached {
		t.Errorf("expected durable record marked cached, got %+v", store.records)
	}
	for _, sid := range []string{"s1", "s2"} {
		if len(sub.published[sid]) != 1 {
			t.Fatalf("expected 1 event for %s, got %d", sid, len(sub.published[sid]))
		}
		var ev domain.StatusEvent
		if err := json.Unmarshal(sub.published[sid][0], &ev); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if ev.Status != domain.StatusCached || ev.AudioURL != "https://audio/fp1" {
			t.Errorf("unexpected event: %+v", ev)
		}
	}
}

func TestFinalizeDropsResultWhenDedupKeyAlreadyGone(t *testing.T) {
	sub := newFakeSubstrate() // dedupExists is empty -> DeleteInflightDedup returns false
	billing := &fakeBilling{}
	c := New(sub, &fakeCache{}, &fakeStore{}, billing, func(string) string { return "" }, nil)

	c.finalize(domain.Result{
		Job:        domain.Job{JobID: "j1", Fingerprint: "fp1", WorkerID: "w1"},
		AudioBytes: []byte("bytes"),
	})

	if billing.calls != 0 {
		t.Errorf("expected no billing on dropped duplicate, got %d", billing.calls)
	}
	if len(sub.removedInflight) != 0 {
		t.Errorf("expected no inflight cleanup on dropped duplicate")
	}
}

func TestFinalizeErrorNotifiesAndMarksRecordError(t *testing.T) {
	sub := newFakeSubstrate()
	sub.dedupExists["fp1"] = true
	sub.subscribers["fp1"] = []string{"s1"}
	store := &fakeStore{}
	billing := &fakeBilling{}
	c := New(sub, &fakeCache{}, store, billing, func(string) string { return "" }, nil)

	c.finalize(domain.Result{
		Job:       domain.Job{JobID: "j1", Fingerprint: "fp1", WorkerID: "w1"},
		Err:       errors.New("synthesis backend unavailable"),
		ErrReason: "synthesis backend unavailable",
	})

	if billing.calls != 0 {
		t.Errorf("expected no billing on error, got %d", billing.calls)
	}
	if len(store.records) != 1 || store.records[0].Status != domain.StatusError {
		t.Errorf("expected durable record marked error, got %+v", store.records)
	}
	var ev domain.StatusEvent
	json.Unmarshal(sub.published["s1"][0], &ev)
	if ev.Status != domain.StatusError || ev.Error == "" {
		t.Errorf("expected error event with reason, got %+v", ev)
	}
}

func TestFinalizeSkippedOnEmptyAudio(t *testing.T) {
	sub := newFakeSubstrate()
	sub.dedupExists["fp1"] = true
	sub.subscribers["fp1"] = []string{"s1"}
	store := &fakeStore{}
	billing := &fakeBilling{}
	c := New(sub, &fakeCache{}, store, billing, func(string) string { return "" }, nil)

	c.finalize(domain.Result{
		Job: domain.Job{JobID: "j1", Fingerprint: "fp1", WorkerID: "w1"},
	})

	if billing.calls != 0 {
		t.Errorf("expected no billing on skip, got %d", billing.calls)
	}
	if len(store.records) != 1 || store.records[0].Status != domain.StatusSkipped {
		t.Errorf("expected durable record marked skipped, got %+v", store.records)
	}
}

func TestFinalizeCacheWriteFailureFallsBackToError(t *testing.T) {
	sub := newFakeSubstrate()
	sub.dedupExists["fp1"] = true
	sub.subscribers["fp1"] = []string{"s1"}
	store := &fakeStore{}
	billing := &fakeBilling{}
	c := New(sub, &fakeCache{fail: true}, store, billing, func(string) string { return "" }, nil)

	c.finalize(domain.Result{
		Job:        domain.Job{JobID: "j1", Fingerprint: "fp1", WorkerID: "w1"},
		AudioBytes: []byte("bytes"),
	})

	if billing.calls != 0 {
		t.Errorf("expected no billing when cache write fails, got %d", billing.calls)
	}
	if len(store.records) != 1 || store.records[0].Status != domain.StatusError {
		t.Errorf("expected durable record marked error on cache failure, got %+v", store.records)
	}
}
