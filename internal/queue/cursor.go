package queue

import "container/heap"

// CancelPendingJob removes the still-queued job for (user, doc, blockIdx),
// if any, from both the job index and its model's priority queue. It
// returns false if no such job is queued — either nothing was ever
// enqueued for that block, or a worker has already claimed it (claiming
// removes the jobIndex entry), in which case the job proceeds and is
// still billed per the cancellation policy in §5.
func (s *Substrate) CancelPendingJob(user, doc string, blockIdx int) bool {
	s.mu.Lock()
	key := jobIndexKey{user: user, doc: doc, blockIdx: blockIdx}
	jobID, ok := s.jobIndex[key]
	if !ok {
		s.mu.Unlock()
		return false
	}
	job := s.jobByID[jobID]
	delete(s.jobIndex, key)
	delete(s.jobByID, jobID)
	s.mu.Unlock()

	if job == nil {
		return false
	}

	mq := s.queueFor(job.ModelSlug)
	mq.mu.Lock()
	defer mq.mu.Unlock()
	for i, j := range mq.heap {
		if j.JobID == jobID {
			heap.Remove(&mq.heap, i)
			return true
		}
	}
	return false
}
