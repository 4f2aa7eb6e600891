package queue

import (
	"context"
	"testing"
	"time"

	"github.com/voxstream/ttscore/internal/domain"
)

func TestCancelPendingJobRemovesQueuedJob(t *testing.T) {
	s := New(8)
	job := &domain.Job{JobID: "j1", ModelSlug: "m1", UserID: "u1", DocumentID: "d1", BlockIdx: 5, QueuedAt: time.Now()}
	s.Enqueue("m1", job)

	if ok := s.CancelPendingJob("u1", "d1", 5); !ok {
		t.Fatal("expected CancelPendingJob to succeed")
	}

	_, ok := s.ClaimOldest(context.Background(), "m1", "w1", 10*time.Millisecond)
	if ok {
		t.Error("expected no job claimable after cancellation")
	}
}

func TestCancelPendingJobReturnsFalseForAlreadyClaimed(t *testing.T) {
	s := New(8)
	job := &domain.Job{JobID: "j1", ModelSlug: "m1", UserID: "u1", DocumentID: "d1", BlockIdx: 5, QueuedAt: time.Now()}
	s.Enqueue("m1", job)

	claimed, ok := s.ClaimOldest(context.Background(), "m1", "w1", 10*time.Millisecond)
	if !ok || claimed.JobID != "j1" {
		t.Fatalf("expected to claim job, got ok=%v job=%+v", ok, claimed)
	}

	if ok := s.CancelPendingJob("u1", "d1", 5); ok {
		t.Error("expected false for a job already claimed by a worker")
	}
}

func TestCancelPendingJobReturnsFalseForUnknownBlock(t *testing.T) {
	s := New(8)
	if ok := s.CancelPendingJob("u1", "d1", 99); ok {
		t.Error("expected false for a block with no queued job")
	}
}

func TestCancelPendingJobLeavesOtherJobsClaimable(t *testing.T) {
	s := New(8)
	keep := &domain.Job{JobID: "keep", ModelSlug: "m1", UserID: "u1", DocumentID: "d1", BlockIdx: 1, QueuedAt: time.Now()}
	cancel := &domain.Job{JobID: "cancel", ModelSlug: "m1", UserID: "u1", DocumentID: "d1", BlockIdx: 2, QueuedAt: time.Now().Add(time.Millisecond)}
	s.Enqueue("m1", keep)
	s.Enqueue("m1", cancel)

	if ok := s.CancelPendingJob("u1", "d1", 2); !ok {
		t.Fatal("expected cancellation to succeed")
	}

	job, ok := s.ClaimOldest(context.Background(), "m1", "w1", 10*time.Millisecond)
	if !ok || job.JobID != "keep" {
		t.Fatalf("expected remaining job 'keep' claimable, got ok=%v job=%+v", ok, job)
	}
}
