// Package audiocache is the content-addressed audio cache: a two-tier
// store (in-memory LRU plus a persistent blob store) keyed by fingerprint.
// Because the key is a content hash, Put is idempotent — re-synthesizing
// an already-cached fingerprint is a safe no-op — and entries never need
// explicit invalidation, only size-bounded eviction.
package audiocache

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/voxstream/ttscore/internal/domain"
)

// Entry is a complete cache record: metadata plus the audio bytes.
type Entry struct {
	Meta  domain.CacheEntryMeta
	Audio []byte
}

// BlobStore is the persistent tier. Implementations back onto SQLite (see
// internal/store) or any other durable blob-capable backend.
type BlobStore interface {
	GetBlob(fingerprint string) (*Entry, error)
	PutBlob(e *Entry) error
	TouchBlob(fingerprint string, accessedAt time.Time) error
	DeleteBlob(fingerprint string) error
	TotalSize() (int64, error)
	// EvictLRU removes entries in least-recently-accessed order until at
	// least toFree bytes have been freed or the store is empty. It returns
	// the fingerprints removed.
	EvictLRU(toFree int64) ([]string, error)
}

// Cache is the two-tier audio cache described by the cache module: a
// bounded in-memory LRU in front of a persistent blob store, with batched
// access-time updates and a single serialized sweeper.
type Cache struct {
	memory *lru.Cache[string, *Entry]
	store  BlobStore

	maxBytes      int64
	lowWaterBytes int64

	touchMu      sync.Mutex
	pendingTouch map[string]time.Time

	sweepMu sync.Mutex
}

// New builds a Cache with an in-memory LRU sized to maxMemoryEntries and a
// persistent tier bounded to maxBytes total, swept down to lowWaterBytes
// whenever Sweep finds it over budget.
func New(store BlobStore, maxMemoryEntries int, maxBytes, lowWaterBytes int64) (*Cache, error) {
	if maxMemoryEntries <= 0 {
		maxMemoryEntries = 2000
	}
	if lowWaterBytes <= 0 || lowWaterBytes > maxBytes {
		lowWaterBytes = maxBytes / 2
	}

	memory, err := lru.New[string, *Entry](maxMemoryEntries)
	if err != nil {
		return nil, fmt.Errorf("audiocache: creating LRU: %w", err)
	}

	return &Cache{
		memory:        memory,
		store:         store,
		maxBytes:      maxBytes,
		lowWaterBytes: lowWaterBytes,
		pendingTouch:  make(map[string]time.Time),
	}, nil
}

// Get returns the cached entry for fingerprint, checking memory first and
// falling back to the persistent store. A hit in either tier schedules a
// batched access-time touch; a store hit is also promoted into memory.
func (c *Cache) Get(fingerprint string) (*Entry, bool) {
	if entry, ok := c.memory.Get(fingerprint); ok {
		c.scheduleTouch(fingerprint)
		return entry, true
	}

	entry, err := c.store.GetBlob(fingerprint)
	if err != nil || entry == nil {
		return nil, false
	}
	c.memory.Add(fingerprint, entry)
	c.scheduleTouch(fingerprint)
	return entry, true
}

// Put stores audio for fingerprint in both tiers. It is idempotent: since
// fingerprint is a content hash, a second Put for the same key is a
// harmless overwrite with identical bytes, never a correctness issue.
func (c *Cache) Put(fingerprint, codec string, durationMs int, audio []byte) error {
	entry := &Entry{
		Meta: domain.CacheEntryMeta{
			Fingerprint: fingerprint,
			Codec:       codec,
			DurationMs:  durationMs,
			SizeBytes:   int64(len(audio)),
			LastAccess:  time.Now(),
		},
		Audio: audio,
	}

	if err := c.store.PutBlob(entry); err != nil {
		return fmt.Errorf("audiocache: put %s: %w", fingerprint, err)
	}
	c.memory.Add(fingerprint, entry)
	return nil
}

// scheduleTouch records fingerprint as accessed-at-now without hitting the
// store inline; FlushTouches applies the batch on its own cadence, so a hot
// fingerprint costs one map write per access instead of one UPDATE.
func (c *Cache) scheduleTouch(fingerprint string) {
	c.touchMu.Lock()
	c.pendingTouch[fingerprint] = time.Now()
	c.touchMu.Unlock()
}

// FlushTouches applies all pending access-time updates to the persistent
// store and clears the batch. Safe to call concurrently with Get/Put.
func (c *Cache) FlushTouches() {
	c.touchMu.Lock()
	batch := c.pendingTouch
	c.pendingTouch = make(map[string]time.Time)
	c.touchMu.Unlock()

	for fp, at := range batch {
		if err := c.store.TouchBlob(fp, at); err != nil {
			log.Warn().Err(err).Str("fingerprint", fp).Msg("audiocache: touch failed")
		}
	}
}

// Sweep checks the persistent tier's total size and, if over maxBytes,
// evicts least-recently-accessed entries down to lowWaterBytes. Only one
// sweep runs at a time; a concurrent call returns immediately.
func (c *Cache) Sweep() (evicted int, err error) {
	if !c.sweepMu.TryLock() {
		return 0, nil
	}
	defer c.sweepMu.Unlock()

	total, err := c.store.TotalSize()
	if err != nil {
		return 0, fmt.Errorf("audiocache: sweep total size: %w", err)
	}
	if total <= c.maxBytes {
		return 0, nil
	}

	toFree := total - c.lowWaterBytes
	fingerprints, err := c.store.EvictLRU(toFree)
	if err != nil {
		return 0, fmt.Errorf("audiocache: sweep evict: %w", err)
	}
	for _, fp := range fingerprints {
		c.memory.Remove(fp)
	}
	return len(fingerprints), nil
}

// StartSweeper runs Touch-flush and Sweep on their own tickers until ctx is
// cancelled, mirroring the cache middleware's background purger. The
// returned channel closes once both loops have exited.
func (c *Cache) StartSweeper(ctx context.Context, touchInterval, sweepInterval time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		touchTicker := time.NewTicker(touchInterval)
		sweepTicker := time.NewTicker(sweepInterval)
		defer touchTicker.Stop()
		defer sweepTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				c.FlushTouches()
				return
			case <-touchTicker.C:
				c.FlushTouches()
			case <-sweepTicker.C:
				if n, err := c.Sweep(); err != nil {
					log.Error().Err(err).Msg("audiocache: sweep failed")
				} else if n > 0 {
					log.Info().Int("evicted", n).Msg("audiocache: swept entries")
				}
			}
		}
	}()
	return done
}
