// Package queue implements the job-coordination substrate: per-model
// priority queues, per-worker in-flight sets, a shared results stream,
// inflight dedup keys, subscriber sets, per-session pending sets with
// cursor-window eviction, and per-model dead-letter queues.
//
// All state is process-local and guarded by per-shard mutexes, in the
// lineage of the teacher's map-plus-mutex, lazy-create-on-first-access
// registries (token buckets, stream sessions). The substrate is the only
// place cross-goroutine ordering and exclusion is enforced; components
// above it assume they can rely on these primitives and nothing else.
package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/voxstream/ttscore/internal/domain"
)

// Substrate is the in-process job-coordination backbone shared by
// admission, workers, dispatchers, the result consumer, and both scanners.
type Substrate struct {
	resultsBuf int

	mu          sync.Mutex
	modelQueues map[string]*modelQueue
	jobIndex    map[jobIndexKey]string          // (user, doc, blockIdx) -> job_id, for cursor eviction lookups
	jobByID     map[string]*domain.Job          // job_id -> job, for cursor eviction removal
	workerSets  map[string]*workerInflight       // worker_id -> its claimed jobs

	results chan domain.Result

	dedup *dedupRegistry
	subs  *subscriberRegistry
	pend  *pendingRegistry
	dlq   *deadLetterRegistry
	pubs  *pubsub
}

type jobIndexKey struct {
	user     string
	doc      string
	blockIdx int
}

// New creates an empty Substrate. resultsBuf sizes the shared results
// channel; a small buffer absorbs bursts from workers/dispatchers without
// blocking them on a slow consumer.
func New(resultsBuf int) *Substrate {
	if resultsBuf <= 0 {
		resultsBuf = 256
	}
	return &Substrate{
		resultsBuf:  resultsBuf,
		modelQueues: make(map[string]*modelQueue),
		jobIndex:    make(map[jobIndexKey]string),
		jobByID:     make(map[string]*domain.Job),
		results:     make(chan domain.Result, resultsBuf),
		dedup:       newDedupRegistry(),
		subs:        newSubscriberRegistry(),
		pend:        newPendingRegistry(),
		dlq:         newDeadLetterRegistry(),
		pubs:        newPubSub(),
	}
}

// modelQueue is an oldest-first priority queue of jobs for a single model,
// with a notify channel that blocked claimers wait on.
type modelQueue struct {
	mu     sync.Mutex
	heap   jobHeap
	notify chan struct{}
}

func newModelQueue() *modelQueue {
	return &modelQueue{notify: make(chan struct{})}
}

func (mq *modelQueue) wake() {
	close(mq.notify)
	mq.notify = make(chan struct{})
}

// jobHeap orders jobs oldest-QueuedAt-first. It implements container/heap.Interface.
type jobHeap []*domain.Job

func (h jobHeap) Len() int            { return len(h) }
func (h jobHeap) Less(i, j int) bool  { return h[i].QueuedAt.Before(h[j].QueuedAt) }
func (h jobHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x interface{}) { *h = append(*h, x.(*domain.Job)) }
func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

func (s *Substrate) queueFor(model string) *modelQueue {
	s.mu.Lock()
	defer s.mu.Unlock()
	mq, ok := s.modelQueues[model]
	if !ok {
		mq = newModelQueue()
		s.modelQueues[model] = mq
	}
	return mq
}

// Enqueue atomically adds job to model's priority queue (oldest-queued-at
// first) and indexes it by (user, doc, block_idx) so cursor eviction can
// locate it later.
func (s *Substrate) Enqueue(model string, job *domain.Job) {
	mq := s.queueFor(model)

	mq.mu.Lock()
	heap.Push(&mq.heap, job)
	mq.wake()
	mq.mu.Unlock()

	s.mu.Lock()
	key := jobIndexKey{user: job.UserID, doc: job.DocumentID, blockIdx: job.BlockIdx}
	s.jobIndex[key] = job.JobID
	s.jobByID[job.JobID] = job
	s.mu.Unlock()
}

// ClaimOldest pops the oldest ready job for model and records it in the
// worker's in-flight set with a fresh started_at. It blocks up to timeout
// if the queue is empty, returning ok=false on timeout or context
// cancellation.
func (s *Substrate) ClaimOldest(ctx context.Context, model, workerID string, timeout time.Duration) (*domain.Job, bool) {
	mq := s.queueFor(model)
	deadline := time.Now().Add(timeout)

	for {
		mq.mu.Lock()
		if mq.heap.Len() > 0 {
			job := heap.Pop(&mq.heap).(*domain.Job)
			mq.mu.Unlock()

			job.StartedAt = time.Now()
			job.WorkerID = workerID
			s.recordInflight(workerID, job)

			s.mu.Lock()
			delete(s.jobIndex, jobIndexKey{user: job.UserID, doc: job.DocumentID, blockIdx: job.BlockIdx})
			delete(s.jobByID, job.JobID)
			s.mu.Unlock()

			return job, true
		}
		notify := mq.notify
		mq.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false
		}

		timer := time.NewTimer(remaining)
		select {
		case <-notify:
			timer.Stop()
		case <-timer.C:
			return nil, false
		case <-ctx.Done():
			timer.Stop()
			return nil, false
		}
	}
}

// PublishResult appends result to the single shared results stream,
// consumed by the result consumer. It never blocks longer than necessary:
// the channel is buffered, and a full buffer indicates the consumer is
// falling behind, which is logged rather than silently dropped.
func (s *Substrate) PublishResult(result domain.Result) {
	select {
	case s.results <- result:
	default:
		log.Warn().Str("fingerprint", result.Job.Fingerprint).Msg("queue: results buffer full, blocking publisher")
		s.results <- result
	}
}

// Results returns the receive side of the shared results stream. Exactly
// one consumer should range over it (invariant 2 depends on a single
// in-process finalizer).
func (s *Substrate) Results() <-chan domain.Result {
	return s.results
}

// CloseResults closes the shared results stream, letting the result
// consumer's range loop exit. Callers must ensure every worker, dispatcher
// task, and scanner that might call PublishResult has already stopped
// before calling this — a send on a closed channel panics.
func (s *Substrate) CloseResults() {
	close(s.results)
}

// QueueDepths returns the current pending-job count for every model that
// has ever had a queue created, for periodic gauge polling. A model with
// no jobs enqueued since startup has no entry.
func (s *Substrate) QueueDepths() map[string]int {
	s.mu.Lock()
	models := make([]string, 0, len(s.modelQueues))
	queues := make([]*modelQueue, 0, len(s.modelQueues))
	for model, mq := range s.modelQueues {
		models = append(models, model)
		queues = append(queues, mq)
	}
	s.mu.Unlock()

	depths := make(map[string]int, len(models))
	for i, mq := range queues {
		mq.mu.Lock()
		depths[models[i]] = mq.heap.Len()
		mq.mu.Unlock()
	}
	return depths
}
