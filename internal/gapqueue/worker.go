package gapqueue

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/metodievmartin/evm-txindex/internal/apperr"
	"github.com/metodievmartin/evm-txindex/internal/domain"
	"github.com/metodievmartin/evm-txindex/internal/metrics"
	"github.com/metodievmartin/evm-txindex/internal/ratelimit"
	"github.com/metodievmartin/evm-txindex/internal/store"
	"github.com/metodievmartin/evm-txindex/internal/upstream"
)

// DefaultMaxTxPerBatch is spec.md §4.6's MAX_TX_PER_BATCH default,
// overridable via internal/config.Config.MaxTxPerBatch.
const DefaultMaxTxPerBatch = 5000

// maxIters bounds process_gap's fetch loop per spec.md §4.6 step 2.
const maxIters = 100

// retryChunkBlocks is the chunk size process_gap re-enqueues at on a
// query-timeout (spec.md §4.6 step 4). Unlike MaxTxPerBatch and the retry
// backoff, this granularity has no dedicated entry in spec.md §6's
// configuration surface, so it stays a fixed constant.
const retryChunkBlocks = 1000

// DefaultBackoffBase is the exponential backoff base for job retries
// (spec.md §4.6's retry policy), overridable via
// internal/config.Config.JobRetryBackoffBase.
const DefaultBackoffBase = 2 * time.Second

// DefaultMaxAttempts is the retry budget before a job is marked failed,
// overridable via internal/config.Config.JobRetryAttempts.
const DefaultMaxAttempts = 3

// Config holds the worker-pool tunables spec.md §6 documents, sourced by
// the caller from internal/config.Config so this package carries no
// import-time dependency on the CLI config layer.
type Config struct {
	MaxTxPerBatch int
	MaxAttempts   int
	BackoffBase   time.Duration
}

// DefaultConfig returns the spec.md §6 documented defaults.
func DefaultConfig() Config {
	return Config{MaxTxPerBatch: DefaultMaxTxPerBatch, MaxAttempts: DefaultMaxAttempts, BackoffBase: DefaultBackoffBase}
}

// Persister is the subset of internal/store.Store workers write through.
type Persister interface {
	InsertTransactionsAndCoverage(ctx context.Context, addr string, txs []domain.Transaction, cov domain.BlockRange, now time.Time) error
}

// Pool is a small long-lived worker pool draining the durable job queue
// (spec.md §4.6's "Concurrency ≈ 2"). Modeled on the teacher-adjacent
// 0xmhha-indexer-go FetchRangeConcurrent worker/job/result pattern,
// generalized from an in-memory job channel to a durable-queue poll loop
// since this queue must survive process restarts.
type Pool struct {
	jobs      JobStore
	persister Persister
	explorer  upstream.Explorer
	limiter   *ratelimit.Limiter
	log       *zap.Logger
	workers   int
	pollEvery time.Duration
	cfg       Config
	metrics   *metrics.Metrics
	pruneTick time.Duration
}

// NewPool builds a worker pool with the given concurrency. metrics may be
// nil, in which case the pool simply skips recording (tests and other
// callers that don't care to register a prometheus registry).
func NewPool(jobs JobStore, persister Persister, explorer upstream.Explorer, limiter *ratelimit.Limiter, log *zap.Logger, workers int, pollEvery time.Duration, cfg Config, m *metrics.Metrics) *Pool {
	return &Pool{
		jobs: jobs, persister: persister, explorer: explorer, limiter: limiter, log: log,
		workers: workers, pollEvery: pollEvery, cfg: cfg, metrics: m,
		pruneTick: 100 * pollEvery,
	}
}

// keepCompletedJobs and keepFailedJobs bound the retained gap_job history
// (spec.md §4.6's retention policy) the periodic prune loop enforces.
const keepCompletedJobs = 500
const keepFailedJobs = 500

// Run drains the queue until ctx is cancelled, then drains in-flight jobs
// to completion before returning (spec.md §4.6's shutdown rule: new
// signals during draining are ignored, in-flight work always finishes).
// Alongside the worker goroutines it runs a periodic PruneJobHistory pass
// so completed/failed rows don't grow the gap_job table unbounded.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(context.Background())
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			p.runWorker(ctx, gctx)
			return nil
		})
	}
	g.Go(func() error {
		p.runPruner(ctx)
		return nil
	})
	return g.Wait()
}

// runPruner trims old completed/failed job rows on a coarse interval,
// independent of poll cadence: pruning every poll tick would hammer the
// single-connection sqlite pool for no benefit.
func (p *Pool) runPruner(shutdownCtx context.Context) {
	ticker := time.NewTicker(p.pruneTick)
	defer ticker.Stop()

	for {
		select {
		case <-shutdownCtx.Done():
			return
		case <-ticker.C:
			if err := p.jobs.PruneJobHistory(context.Background(), keepCompletedJobs, keepFailedJobs); err != nil {
				p.log.Warn("prune job history failed", zap.Error(err))
			}
		}
	}
}

// runWorker polls for jobs using shutdownCtx to decide when to stop
// picking up *new* jobs, but always finishes any job already claimed
// using a background context, never gctx (which would cancel in-flight
// work rather than draining it).
func (p *Pool) runWorker(shutdownCtx context.Context, _ context.Context) {
	ticker := time.NewTicker(p.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-shutdownCtx.Done():
			return
		case <-ticker.C:
			job, err := p.jobs.ClaimNextJob(context.Background(), time.Now())
			if err != nil {
				if apperr.KindOf(err) != apperr.KindNotFound {
					p.log.Warn("claim job failed", zap.Error(err))
				}
				continue
			}
			p.processJob(context.Background(), job)
		}
	}
}

// processJob runs process_gap for one claimed job, always using a fresh
// background context so shutdown never aborts an in-flight job mid-write.
func (p *Pool) processJob(ctx context.Context, job store.Job) {
	runID := newJobID()
	log := p.log.With(zap.String("job_key", job.JobKey), zap.String("run_id", runID), zap.String("address", job.Address))

	addr, err := domain.ParseAddress(job.Address)
	if err != nil {
		log.Error("job has unparseable address, marking failed", zap.Error(err))
		_ = p.jobs.RetryOrFailJob(ctx, job.JobKey, p.cfg.MaxAttempts, p.cfg.MaxAttempts, 0, time.Now())
		p.recordJobFailed()
		return
	}

	if err := p.processGap(ctx, log, addr, job.FromBlock, job.ToBlock); err != nil {
		if errors.Is(err, errQueryTimeout) {
			// Recovery path: chunk and re-enqueue, current job completes.
			p.rechunkAndEnqueue(ctx, log, addr, job.FromBlock, job.ToBlock)
			_ = p.jobs.CompleteJob(ctx, job.JobKey)
			p.recordJobRequeued()
			return
		}
		log.Warn("process_gap failed, scheduling retry", zap.Error(err))
		backoff := p.cfg.BackoffBase * time.Duration(1<<uint(job.Attempts))
		_ = p.jobs.RetryOrFailJob(ctx, job.JobKey, job.Attempts+1, p.cfg.MaxAttempts, backoff, time.Now())
		if job.Attempts+1 >= p.cfg.MaxAttempts {
			p.recordJobFailed()
		}
		return
	}
	_ = p.jobs.CompleteJob(ctx, job.JobKey)
	p.recordJobCompleted()
}

func (p *Pool) recordJobCompleted() {
	if p.metrics != nil {
		p.metrics.GapJobsCompleted.Inc()
	}
}

func (p *Pool) recordJobFailed() {
	if p.metrics != nil {
		p.metrics.GapJobsFailed.Inc()
	}
}

func (p *Pool) recordJobRequeued() {
	if p.metrics != nil {
		p.metrics.GapJobsRequeued.Inc()
	}
}

var errQueryTimeout = errors.New("explorer query-timeout")

// processGap implements spec.md §4.6's process_gap(address, fromBlock,
// toBlock) algorithm.
func (p *Pool) processGap(ctx context.Context, log *zap.Logger, addr domain.Address, fromBlock, toBlock uint64) error {
	currentStart := fromBlock
	// actualEnd tracks the highest block actually processed so far; -1
	// (nothing yet) cannot be represented in uint64 when fromBlock==0, so
	// it is tracked as int64 until the final persisted range is built.
	actualEnd := int64(fromBlock) - 1
	var buf []domain.Transaction

	for iters := 0; currentStart <= toBlock && iters <= maxIters; iters++ {
		waitStart := time.Now()
		if err := p.limiter.Acquire(ctx); err != nil {
			return err
		}
		if p.metrics != nil {
			p.metrics.RateLimiterWait.Observe(time.Since(waitStart).Seconds())
		}
		rows, err := p.explorer.ListTransactions(ctx, addr, currentStart, toBlock)
		p.limiter.Release()

		if err != nil {
			if apperr.KindOf(err) == apperr.KindUpstreamTimeout {
				return errQueryTimeout
			}
			return err
		}

		log.Debug("fetched page", zap.String("phase", "fetching"), zap.Uint64("currentBlock", currentStart), zap.Uint64("targetBlock", toBlock))

		if len(rows) == 0 {
			actualEnd = int64(toBlock)
			break
		}

		for _, r := range rows {
			if r.BlockNumber >= currentStart && r.BlockNumber <= toBlock {
				buf = append(buf, r)
			}
		}

		if len(rows) == p.cfg.MaxTxPerBatch {
			last := rows[len(rows)-1].BlockNumber
			if int64(last)-1 > actualEnd {
				actualEnd = int64(last) - 1
			}
			currentStart = last - 1
			continue
		}
		actualEnd = int64(toBlock)
		break
	}

	// actualEnd is always set to a real block number above before any exit
	// path reaches here, since a valid gap guarantees fromBlock <= toBlock
	// and the loop therefore runs at least once.
	processedEnd := uint64(actualEnd)

	log.Debug("persisting gap results", zap.String("phase", "saving"), zap.Int("transactions", len(buf)), zap.Uint64("blocksProcessed", processedEnd-fromBlock+1))

	if err := p.persister.InsertTransactionsAndCoverage(ctx, addr.String(), buf, domain.BlockRange{FromBlock: fromBlock, ToBlock: processedEnd}, time.Now()); err != nil {
		return err
	}

	if processedEnd < toBlock {
		p.rechunkAndEnqueue(ctx, log, addr, processedEnd+1, toBlock)
	}
	return nil
}

// rechunkAndEnqueue splits [from, to] into retryChunkBlocks-sized jobs
// and re-enqueues them, used both for the query-timeout recovery path
// and for the remainder of a partially-processed gap.
func (p *Pool) rechunkAndEnqueue(ctx context.Context, log *zap.Logger, addr domain.Address, from, to uint64) {
	var jobs []store.Job
	now := time.Now()
	total := 0
	for f := from; f <= to; f += retryChunkBlocks {
		total++
	}
	i := 0
	for f := from; f <= to; f += retryChunkBlocks {
		t := f + retryChunkBlocks - 1
		if t > to {
			t = to
		}
		i++
		jobs = append(jobs, store.Job{
			JobKey:     jobKey(addr.String(), f, t),
			Address:    addr.String(),
			FromBlock:  f,
			ToBlock:    t,
			TotalJobs:  total,
			CurrentJob: i,
			Priority:   priorityFor(t - f + 1),
			NotBefore:  now,
			CreatedAt:  now,
		})
	}
	if err := p.jobs.EnqueueJobs(ctx, jobs); err != nil {
		log.Warn("failed to re-enqueue remainder", zap.Error(err))
	}
}
