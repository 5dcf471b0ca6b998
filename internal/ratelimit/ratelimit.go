// Package ratelimit provides a single process-wide rate and concurrency
// budget for upstream calls (spec.md §4.3). Only the gap worker pool's
// Explorer calls acquire it; NodeRPC calls and the Explorer calls made by
// internal/txservice on the request path do not go through it.
package ratelimit

import (
	"context"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Limiter bounds both the rate (calls/sec, with burst) and the maximum
// number of calls in flight at once. Acquire blocks until both budgets
// admit the caller; Release must be called exactly once per successful
// Acquire. Waiters are served in roughly FIFO order because both
// rate.Limiter and semaphore.Weighted queue their blocked callers in
// arrival order.
type Limiter struct {
	rate *rate.Limiter
	sem  *semaphore.Weighted
}

// New builds a Limiter allowing up to ratePerSec calls per second (with a
// burst of burst) and at most maxConcurrent calls outstanding at once.
func New(ratePerSec float64, burst int, maxConcurrent int64) *Limiter {
	return &Limiter{
		rate: rate.NewLimiter(rate.Limit(ratePerSec), burst),
		sem:  semaphore.NewWeighted(maxConcurrent),
	}
}

// Acquire blocks until the caller may proceed under both the rate and
// concurrency budgets, or ctx is done. On success, the caller must call
// Release when the upstream call completes.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	if err := l.rate.Wait(ctx); err != nil {
		l.sem.Release(1)
		return err
	}
	return nil
}

// Release returns one unit of concurrency budget to the pool. Must be
// called exactly once per successful Acquire, typically via defer.
func (l *Limiter) Release() {
	l.sem.Release(1)
}
