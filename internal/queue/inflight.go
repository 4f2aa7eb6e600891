package queue

import (
	"sync"

	"github.com/voxstream/ttscore/internal/domain"
)

// workerInflight tracks the jobs a single worker currently holds.
type workerInflight struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job // job_id -> job
}

func (s *Substrate) recordInflight(workerID string, job *domain.Job) {
	s.mu.Lock()
	wi, _ := s.inflightFor(workerID)
	s.mu.Unlock()

	wi.mu.Lock()
	wi.jobs[job.JobID] = job
	wi.mu.Unlock()
}

// inflightFor returns (creating if necessary) the worker's in-flight set.
// Callers must hold s.mu; this helper takes no lock of its own over the
// lazily-initialised map stored on the Substrate.
func (s *Substrate) inflightFor(workerID string) (*workerInflight, bool) {
	if s.workerSets == nil {
		s.workerSets = make(map[string]*workerInflight)
	}
	wi, ok := s.workerSets[workerID]
	if !ok {
		wi = &workerInflight{jobs: make(map[string]*domain.Job)}
		s.workerSets[workerID] = wi
	}
	return wi, ok
}

// RemoveInflight removes job_id from the given worker's in-flight set. It is
// called by the result consumer when it finalizes a job and by the
// visibility scanner when requeuing or dead-lettering a stuck job.
func (s *Substrate) RemoveInflight(workerID, jobID string) {
	s.mu.Lock()
	wi, _ := s.inflightFor(workerID)
	s.mu.Unlock()

	wi.mu.Lock()
	delete(wi.jobs, jobID)
	wi.mu.Unlock()
}

// InflightSnapshot is a point-in-time view of one worker's claimed job,
// returned by VisitInflight for the visibility scanner.
type InflightSnapshot struct {
	WorkerID string
	Job      domain.Job
}

// VisitInflight calls fn once for every job currently claimed by any
// worker, across all workers. It is used exclusively by the visibility
// scanner (§4.7); the snapshot is a copy so fn may take as long as it
// likes without holding the substrate's locks.
func (s *Substrate) VisitInflight(fn func(InflightSnapshot)) {
	s.mu.Lock()
	sets := make(map[string]*workerInflight, len(s.workerSets))
	for id, wi := range s.workerSets {
		sets[id] = wi
	}
	s.mu.Unlock()

	for workerID, wi := range sets {
		wi.mu.Lock()
		snaps := make([]InflightSnapshot, 0, len(wi.jobs))
		for _, j := range wi.jobs {
			snaps = append(snaps, InflightSnapshot{WorkerID: workerID, Job: *j})
		}
		wi.mu.Unlock()

		for _, snap := range snaps {
			fn(snap)
		}
	}
}
