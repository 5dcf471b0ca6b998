package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/metodievmartin/evm-txindex/internal/apperr"
)

// Job is a durable gap-fill job row (spec.md §4.6).
type Job struct {
	JobKey     string
	Address    string
	FromBlock  uint64
	ToBlock    uint64
	TotalJobs  int
	CurrentJob int
	Priority   int
	Status     string // pending, in_progress, completed, failed
	Attempts   int
	NotBefore  time.Time
	CreatedAt  time.Time
}

const (
	JobStatusPending    = "pending"
	JobStatusInProgress = "in_progress"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

// EnqueueJobs inserts a batch of jobs as a single bulk operation (spec.md
// §4.6's "submit as a single bulk operation"). A job whose key already
// exists is left untouched, so a duplicate submission collapses into the
// original rather than resetting its progress or retry count.
func (s *Store) EnqueueJobs(ctx context.Context, jobs []Job) error {
	if len(jobs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.New(apperr.KindStorageError, "store.EnqueueJobs", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO gap_job
			(job_key, address, from_block, to_block, total_jobs, current_job, priority, status, attempts, not_before, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT (job_key) DO NOTHING`)
	if err != nil {
		return apperr.New(apperr.KindStorageError, "store.EnqueueJobs", err)
	}
	defer stmt.Close()

	for _, j := range jobs {
		if _, err := stmt.ExecContext(ctx,
			j.JobKey, j.Address, j.FromBlock, j.ToBlock, j.TotalJobs, j.CurrentJob, j.Priority,
			JobStatusPending, j.NotBefore.Unix(), j.CreatedAt.Unix(),
		); err != nil {
			return apperr.New(apperr.KindStorageError, "store.EnqueueJobs", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return apperr.New(apperr.KindStorageError, "store.EnqueueJobs", err)
	}
	return nil
}

// ClaimNextJob atomically selects and marks in_progress the highest
// priority (highest priority number wins; smaller gaps carry the larger
// number, so smaller gaps go first per spec.md §4.6) pending job whose
// not_before has elapsed, or
// apperr.KindNotFound if none is ready. Returns the claimed job.
func (s *Store) ClaimNextJob(ctx context.Context, now time.Time) (Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Job{}, apperr.New(apperr.KindStorageError, "store.ClaimNextJob", err)
	}
	defer tx.Rollback()

	var j Job
	var notBefore, createdAt int64
	err = tx.QueryRowContext(ctx, `
		SELECT job_key, address, from_block, to_block, total_jobs, current_job, priority, status, attempts, not_before, created_at
		FROM gap_job
		WHERE status = ? AND not_before <= ?
		ORDER BY priority DESC, not_before ASC
		LIMIT 1`, JobStatusPending, now.Unix(),
	).Scan(&j.JobKey, &j.Address, &j.FromBlock, &j.ToBlock, &j.TotalJobs, &j.CurrentJob, &j.Priority, &j.Status, &j.Attempts, &notBefore, &createdAt)
	if err == sql.ErrNoRows {
		return Job{}, apperr.New(apperr.KindNotFound, "store.ClaimNextJob", err)
	}
	if err != nil {
		return Job{}, apperr.New(apperr.KindStorageError, "store.ClaimNextJob", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE gap_job SET status = ? WHERE job_key = ?`, JobStatusInProgress, j.JobKey); err != nil {
		return Job{}, apperr.New(apperr.KindStorageError, "store.ClaimNextJob", err)
	}
	if err := tx.Commit(); err != nil {
		return Job{}, apperr.New(apperr.KindStorageError, "store.ClaimNextJob", err)
	}

	j.NotBefore = time.Unix(notBefore, 0).UTC()
	j.CreatedAt = time.Unix(createdAt, 0).UTC()
	j.Status = JobStatusInProgress
	return j, nil
}

// CompleteJob marks jobKey completed.
func (s *Store) CompleteJob(ctx context.Context, jobKey string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE gap_job SET status = ? WHERE job_key = ?`, JobStatusCompleted, jobKey)
	if err != nil {
		return apperr.New(apperr.KindStorageError, "store.CompleteJob", err)
	}
	return nil
}

// RetryOrFailJob implements spec.md §4.6's retry policy: up to maxAttempts
// attempts with exponential backoff (caller-computed). After maxAttempts
// failed attempts the job is marked failed instead of rescheduled.
func (s *Store) RetryOrFailJob(ctx context.Context, jobKey string, attempts, maxAttempts int, backoff time.Duration, now time.Time) error {
	if attempts >= maxAttempts {
		_, err := s.db.ExecContext(ctx, `UPDATE gap_job SET status = ?, attempts = ? WHERE job_key = ?`, JobStatusFailed, attempts, jobKey)
		if err != nil {
			return apperr.New(apperr.KindStorageError, "store.RetryOrFailJob", err)
		}
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE gap_job SET status = ?, attempts = ?, not_before = ? WHERE job_key = ?`,
		JobStatusPending, attempts, now.Add(backoff).Unix(), jobKey)
	if err != nil {
		return apperr.New(apperr.KindStorageError, "store.RetryOrFailJob", err)
	}
	return nil
}

// PruneJobHistory trims completed/failed tails to the retention spec.md
// §4.6 names: roughly keepCompleted and keepFailed rows, oldest first.
func (s *Store) PruneJobHistory(ctx context.Context, keepCompleted, keepFailed int) error {
	for _, pair := range []struct {
		status string
		keep   int
	}{{JobStatusCompleted, keepCompleted}, {JobStatusFailed, keepFailed}} {
		_, err := s.db.ExecContext(ctx, `
			DELETE FROM gap_job WHERE job_key IN (
				SELECT job_key FROM gap_job WHERE status = ?
				ORDER BY created_at DESC
				LIMIT -1 OFFSET ?
			)`, pair.status, pair.keep)
		if err != nil {
			return apperr.New(apperr.KindStorageError, "store.PruneJobHistory", err)
		}
	}
	return nil
}
