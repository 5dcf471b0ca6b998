// Package gapqueue implements the durable, at-least-once gap-fill job
// queue and its worker pool (spec.md §4.6): the enqueue planner splits
// gaps into bounded jobs, a durable queue backed by internal/store
// persists them, and a small worker pool drains them under the shared
// rate limiter.
package gapqueue

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/metodievmartin/evm-txindex/internal/domain"
	"github.com/metodievmartin/evm-txindex/internal/store"
)

// DefaultMaxBlocksPerJob is spec.md §4.6's MAX_BLOCKS_PER_JOB default,
// overridable via internal/config.Config.MaxBlocksPerJob.
const DefaultMaxBlocksPerJob = 5000

// Plan splits gaps into jobs of at most maxBlocksPerJob blocks each,
// computes totalJobs across all gaps up front, assigns each job a
// deterministic key so duplicate submissions collapse, a size-based
// priority, and a staggered delay.
func Plan(addr domain.Address, gaps []domain.BlockRange, now time.Time, maxBlocksPerJob uint64) []store.Job {
	type span struct{ from, to uint64 }
	var spans []span
	for _, g := range gaps {
		for from := g.FromBlock; from <= g.ToBlock; {
			to := from + maxBlocksPerJob - 1
			if to > g.ToBlock {
				to = g.ToBlock
			}
			spans = append(spans, span{from, to})
			if to == g.ToBlock {
				break
			}
			from = to + 1
		}
	}

	total := len(spans)
	addrKey := addr.String()
	jobs := make([]store.Job, 0, total)
	for i, sp := range spans {
		jobs = append(jobs, store.Job{
			JobKey:     jobKey(addrKey, sp.from, sp.to),
			Address:    addrKey,
			FromBlock:  sp.from,
			ToBlock:    sp.to,
			TotalJobs:  total,
			CurrentJob: i + 1,
			Priority:   priorityFor(sp.to - sp.from + 1),
			NotBefore:  now.Add(time.Duration(i) * time.Second),
			CreatedAt:  now,
		})
	}
	return jobs
}

func jobKey(addr string, from, to uint64) string {
	return fmt.Sprintf("%s-%d-%d", addr, from, to)
}

// priorityFor implements spec.md §4.6's size-based priority: smaller
// gaps are scheduled first.
func priorityFor(size uint64) int {
	switch {
	case size <= 100:
		return 10
	case size <= 1000:
		return 5
	default:
		return 1
	}
}

// newJobID is available for callers that want a random job identifier
// distinct from the deterministic job key (e.g. follow-up re-queue jobs
// created by the worker, which still use jobKey for idempotency but may
// want to correlate logs via a uuid). Unused by Plan itself.
func newJobID() string {
	return uuid.NewString()
}
