package gapqueue

import (
	"context"
	"time"

	"github.com/metodievmartin/evm-txindex/internal/domain"
	"github.com/metodievmartin/evm-txindex/internal/store"
)

// JobStore is the subset of internal/store.Store the scheduler and
// workers need for job persistence.
type JobStore interface {
	EnqueueJobs(ctx context.Context, jobs []store.Job) error
	ClaimNextJob(ctx context.Context, now time.Time) (store.Job, error)
	CompleteJob(ctx context.Context, jobKey string) error
	RetryOrFailJob(ctx context.Context, jobKey string, attempts, maxAttempts int, backoff time.Duration, now time.Time) error
	PruneJobHistory(ctx context.Context, keepCompleted, keepFailed int) error
}

// Scheduler plans and enqueues gap-fill jobs. It implements
// internal/txservice.GapScheduler.
type Scheduler struct {
	jobs            JobStore
	now             func() time.Time
	maxBlocksPerJob uint64
}

// NewScheduler builds a Scheduler. now is injectable for deterministic
// tests; production callers pass time.Now. maxBlocksPerJob sources
// internal/config.Config.MaxBlocksPerJob (spec.md §6).
func NewScheduler(jobs JobStore, now func() time.Time, maxBlocksPerJob uint64) *Scheduler {
	return &Scheduler{jobs: jobs, now: now, maxBlocksPerJob: maxBlocksPerJob}
}

// ScheduleGaps plans jobs for every gap and submits them as a single bulk
// enqueue (spec.md §4.6). Scheduling is non-blocking from the caller's
// perspective in the sense that it never calls upstream; its only I/O is
// the durable insert.
func (s *Scheduler) ScheduleGaps(ctx context.Context, addr domain.Address, gaps []domain.BlockRange) error {
	if len(gaps) == 0 {
		return nil
	}
	jobs := Plan(addr, gaps, s.now(), s.maxBlocksPerJob)
	return s.jobs.EnqueueJobs(ctx, jobs)
}
