package queue

import (
	"container/heap"
	"sync"
)

// pendingRegistry tracks, per (user, document), the set of block indices
// currently queued. Cursor eviction consults it to decide what to drop
// when a listener skips forward.
type pendingRegistry struct {
	mu   sync.Mutex
	sets map[pendingKey]map[int]struct{}
}

type pendingKey struct {
	user string
	doc  string
}

func newPendingRegistry() *pendingRegistry {
	return &pendingRegistry{sets: make(map[pendingKey]map[int]struct{})}
}

// AddPending registers blockIdx as queued for (user, doc).
func (s *Substrate) AddPending(user, doc string, blockIdx int) {
	r := s.pend
	key := pendingKey{user: user, doc: doc}

	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.sets[key]
	if !ok {
		set = make(map[int]struct{})
		r.sets[key] = set
	}
	set[blockIdx] = struct{}{}
}

// removePending drops blockIdx from (user, doc)'s pending set without
// touching the queue; used once a job has finalized, dead-lettered, or been
// evicted so the set doesn't grow unbounded.
func (s *Substrate) removePending(user, doc string, blockIdx int) {
	r := s.pend
	key := pendingKey{user: user, doc: doc}

	r.mu.Lock()
	defer r.mu.Unlock()

	if set, ok := r.sets[key]; ok {
		delete(set, blockIdx)
		if len(set) == 0 {
			delete(r.sets, key)
		}
	}
}

// RemovePending is the exported form of removePending, called by the
// result consumer once a job leaves the pending set for any terminal
// reason (finalize or dead-letter).
func (s *Substrate) RemovePending(user, doc string, blockIdx int) {
	s.removePending(user, doc, blockIdx)
}

// RemovePendingBehind evicts every pending index for (user, doc) outside
// the window [cursor-window, cursor+window]. For each evicted index it
// also removes the corresponding job from its model queue and from the
// job index, matching the queue-substrate contract in full. It returns the
// sorted-by-discovery list of evicted block indices.
func (s *Substrate) RemovePendingBehind(user, doc string, cursor, window int) []int {
	r := s.pend
	key := pendingKey{user: user, doc: doc}
	lo, hi := cursor-window, cursor+window

	r.mu.Lock()
	set, ok := r.sets[key]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	var evicted []int
	for idx := range set {
		if idx < lo || idx > hi {
			evicted = append(evicted, idx)
		}
	}
	for _, idx := range evicted {
		delete(set, idx)
	}
	if len(set) == 0 {
		delete(r.sets, key)
	}
	r.mu.Unlock()

	for _, idx := range evicted {
		s.evictQueuedJob(user, doc, idx)
	}
	return evicted
}

// evictQueuedJob removes the job at (user, doc, blockIdx) from its model
// queue and from the job index, if it is still queued (not yet claimed by
// a worker). A job already claimed is left alone: cursor eviction is
// advisory and bounded by worker claim, per design.
func (s *Substrate) evictQueuedJob(user, doc string, blockIdx int) {
	idxKey := jobIndexKey{user: user, doc: doc, blockIdx: blockIdx}

	s.mu.Lock()
	jobID, ok := s.jobIndex[idxKey]
	if !ok {
		s.mu.Unlock()
		return
	}
	job := s.jobByID[jobID]
	delete(s.jobIndex, idxKey)
	delete(s.jobByID, jobID)
	s.mu.Unlock()

	if job == nil {
		return
	}

	mq := s.queueFor(job.ModelSlug)
	mq.mu.Lock()
	for i, j := range mq.heap {
		if j.JobID == jobID {
			heap.Remove(&mq.heap, i)
			break
		}
	}
	mq.mu.Unlock()
}
