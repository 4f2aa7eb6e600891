package queue

import (
	"container/heap"
	"time"

	"github.com/voxstream/ttscore/internal/domain"
)

// ExtractAged removes and returns every job queued for model whose
// QueuedAt is strictly before cutoff, along with their jobIndex/jobByID
// entries. Since the heap orders oldest-first, aged jobs are always a
// prefix, so this is a bounded number of pops rather than a full scan.
// Used exclusively by the overflow scanner (§4.8) to hand off jobs that
// have waited too long locally to a serverless backend.
func (s *Substrate) ExtractAged(model string, cutoff time.Time) []*domain.Job {
	mq := s.queueFor(model)

	mq.mu.Lock()
	var aged []*domain.Job
	for mq.heap.Len() > 0 && mq.heap[0].QueuedAt.Before(cutoff) {
		aged = append(aged, heap.Pop(&mq.heap).(*domain.Job))
	}
	mq.mu.Unlock()

	if len(aged) == 0 {
		return nil
	}

	s.mu.Lock()
	for _, job := range aged {
		delete(s.jobIndex, jobIndexKey{user: job.UserID, doc: job.DocumentID, blockIdx: job.BlockIdx})
		delete(s.jobByID, job.JobID)
	}
	s.mu.Unlock()

	return aged
}
