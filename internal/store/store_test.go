package store

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/voxstream/ttscore/internal/audiocache"
	"github.com/voxstream/ttscore/internal/domain"
)

func openCoreTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	st, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestOpen_Close(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	st, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if st.Path() != path {
		t.Errorf("Path: got %q, want %q", st.Path(), path)
	}
	if st.Writer() == nil {
		t.Error("Writer is nil")
	}
	if st.Reader() == nil {
		t.Error("Reader is nil")
	}

	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestOpen_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deep", "test.db")
	st, err := Open(path)
	if err != nil {
		t.Fatalf("Open with nested dir: %v", err)
	}
	st.Close()
}

func TestPing(t *testing.T) {
	st := openCoreTestStore(t)
	if err := st.Ping(); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestWALMode(t *testing.T) {
	st := openCoreTestStore(t)

	var mode string
	err := st.Writer().QueryRow("PRAGMA journal_mode").Scan(&mode)
	if err != nil {
		t.Fatalf("PRAGMA journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode: got %q, want %q", mode, "wal")
	}
}

func TestMigrations(t *testing.T) {
	st := openCoreTestStore(t)

	var version int
	err := st.Writer().QueryRow("SELECT MAX(version) FROM migrations").Scan(&version)
	if err != nil {
		t.Fatalf("query migration version: %v", err)
	}

	expected := len(migrations)
	if version != expected {
		t.Errorf("migration version: got %d, want %d", version, expected)
	}
}

func TestBlockVariantUpsertAndGet(t *testing.T) {
	st := openCoreTestStore(t)

	rec := &domain.BlockVariantRecord{
		DocumentID:  "doc-1",
		BlockIdx:    3,
		ModelSlug:   "fastvoice-v2",
		VoiceSlug:   "en-us-warm",
		Fingerprint: "fp-abc",
		DurationMs:  1200,
		Status:      domain.StatusQueued,
		UpdatedAt:   time.Now().UTC(),
	}
	if err := st.UpsertBlockVariant(rec); err != nil {
		t.Fatalf("UpsertBlockVariant: %v", err)
	}

	got, err := st.GetBlockVariant("doc-1", 3, "fastvoice-v2", "en-us-warm")
	if err != nil {
		t.Fatalf("GetBlockVariant: %v", err)
	}
	if got.Fingerprint != rec.Fingerprint || got.Status != domain.StatusQueued {
		t.Errorf("GetBlockVariant: got %+v", got)
	}

	rec.Status = domain.StatusCached
	rec.UpdatedAt = time.Now().UTC()
	if err := st.UpsertBlockVariant(rec); err != nil {
		t.Fatalf("UpsertBlockVariant (update): %v", err)
	}
	got, err = st.GetBlockVariant("doc-1", 3, "fastvoice-v2", "en-us-warm")
	if err != nil {
		t.Fatalf("GetBlockVariant after update: %v", err)
	}
	if got.Status != domain.StatusCached {
		t.Errorf("Status after update: got %q, want %q", got.Status, domain.StatusCached)
	}
}

func TestListBlockVariantsOrdered(t *testing.T) {
	st := openCoreTestStore(t)

	for i := 2; i >= 0; i-- {
		rec := &domain.BlockVariantRecord{
			DocumentID: "doc-2",
			BlockIdx:   i,
			ModelSlug:  "m1",
			VoiceSlug:  "v1",
			Status:     domain.StatusPending,
			UpdatedAt:  time.Now().UTC(),
		}
		if err := st.UpsertBlockVariant(rec); err != nil {
			t.Fatalf("UpsertBlockVariant %d: %v", i, err)
		}
	}

	list, err := st.ListBlockVariants("doc-2")
	if err != nil {
		t.Fatalf("ListBlockVariants: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("ListBlockVariants: got %d, want 3", len(list))
	}
	for i, rec := range list {
		if rec.BlockIdx != i {
			t.Errorf("ListBlockVariants order: index %d got block_idx %d", i, rec.BlockIdx)
		}
	}
}

func TestAudioCacheBlobRoundTrip(t *testing.T) {
	st := openCoreTestStore(t)

	entry := &audiocache.Entry{
		Meta: domain.CacheEntryMeta{
			Fingerprint: "fp-1",
			Codec:       "mp3",
			DurationMs:  500,
			SizeBytes:   4,
		},
		Audio: []byte("abcd"),
	}
	if err := st.PutBlob(entry); err != nil {
		t.Fatalf("PutBlob: %v", err)
	}

	got, err := st.GetBlob("fp-1")
	if err != nil {
		t.Fatalf("GetBlob: %v", err)
	}
	if string(got.Audio) != "abcd" || got.Meta.Codec != "mp3" {
		t.Errorf("GetBlob: got %+v", got)
	}

	total, err := st.TotalSize()
	if err != nil {
		t.Fatalf("TotalSize: %v", err)
	}
	if total != 4 {
		t.Errorf("TotalSize: got %d, want 4", total)
	}

	if err := st.DeleteBlob("fp-1"); err != nil {
		t.Fatalf("DeleteBlob: %v", err)
	}
	if got, _ := st.GetBlob("fp-1"); got != nil {
		t.Error("expected GetBlob after delete to return nil")
	}
}

func TestAudioCacheEvictLRU(t *testing.T) {
	st := openCoreTestStore(t)

	for i, fp := range []string{"old", "mid", "new"} {
		if err := st.PutBlob(&audiocache.Entry{
			Meta: domain.CacheEntryMeta{Fingerprint: fp, SizeBytes: 10},
			Audio: []byte("0123456789"),
		}); err != nil {
			t.Fatalf("PutBlob %s: %v", fp, err)
		}
		// Touch in increasing order; last_access is stored at one-second
		// resolution, so these 1ms steps usually produce equal timestamps.
		if err := st.TouchBlob(fp, time.Now().Add(time.Duration(i)*time.Millisecond)); err != nil {
			t.Fatalf("TouchBlob %s: %v", fp, err)
		}
	}

	evicted, err := st.EvictLRU(15)
	if err != nil {
		t.Fatalf("EvictLRU: %v", err)
	}
	if len(evicted) != 2 || evicted[0] != "old" || evicted[1] != "mid" {
		t.Errorf("EvictLRU: got %v, want [old mid]", evicted)
	}

	total, _ := st.TotalSize()
	if total != 10 {
		t.Errorf("TotalSize after evict: got %d, want 10", total)
	}
}

func TestUsageLedgerRecordAndSum(t *testing.T) {
	st := openCoreTestStore(t)

	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		r := &UsageRecord{
			JobID:         "job-" + string(rune('a'+i)),
			Fingerprint:   "fp",
			UserID:        "user-1",
			ModelSlug:     "m1",
			BillableUnits: 100,
			RecordedAt:    now,
		}
		if err := st.RecordUsage(r); err != nil {
			t.Fatalf("RecordUsage %d: %v", i, err)
		}
	}

	total, err := st.UsageSince("user-1", now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("UsageSince: %v", err)
	}
	if total != 300 {
		t.Errorf("UsageSince: got %d, want 300", total)
	}
}

func TestDeadLetterInsertAndPrune(t *testing.T) {
	st := openCoreTestStore(t)

	now := time.Now().UTC()
	if err := st.InsertDeadLetter(&dlqEntry{
		JobID:      "job-1",
		ModelSlug:  "m1",
		DocumentID: "doc-1",
		Reason:     "max retries exceeded",
		DeadAt:     now,
		ExpiresAt:  now.Add(-time.Minute), // already expired
	}); err != nil {
		t.Fatalf("InsertDeadLetter: %v", err)
	}

	pruned, err := st.PruneDeadLetters()
	if err != nil {
		t.Fatalf("PruneDeadLetters: %v", err)
	}
	if pruned != 1 {
		t.Errorf("PruneDeadLetters: got %d, want 1", pruned)
	}
}

func TestConcurrentReadWrite(t *testing.T) {
	st := openCoreTestStore(t)

	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			rec := &domain.BlockVariantRecord{
				DocumentID: "conc-doc",
				BlockIdx:   n,
				ModelSlug:  "m1",
				VoiceSlug:  "v1",
				Status:     domain.StatusQueued,
				UpdatedAt:  time.Now().UTC(),
			}
			if err := st.UpsertBlockVariant(rec); err != nil {
				t.Errorf("concurrent UpsertBlockVariant %d: %v", n, err)
			}
		}(i)
	}

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = st.ListBlockVariants("conc-doc")
		}()
	}

	wg.Wait()
}
