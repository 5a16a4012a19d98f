package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/inboxd/inboxd/internal/db"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// jobColumns is the column list shared by every query returning full job
// rows.
const jobColumns = `id, owner_id, job_type, payload, thread_id, status,
	attempts, max_attempts, last_error, not_before, created_at,
	started_at, finished_at`

// QueueStore provides durable job queue operations backed by the jobs
// table.
type QueueStore struct {
	db  *db.Store
	cfg QueueConfig
}

// NewQueueStore creates a queue store on top of the given database store.
func NewQueueStore(dbStore *db.Store, cfg QueueConfig) *QueueStore {
	return &QueueStore{
		db:  dbStore,
		cfg: cfg,
	}
}

// EnqueueParams holds the fields of a new job.
type EnqueueParams struct {
	OwnerID int64
	Type    JobType

	// Payload is marshaled to JSON for storage. A nil payload stores an
	// empty object.
	Payload any

	// ThreadID marks the job as thread-scoped for the advisory dedup
	// check.
	ThreadID fn.Option[string]

	// MaxAttempts overrides the configured default when positive.
	MaxAttempts int
}

// Enqueue adds a new pending job to the queue. It returns ErrQueueFull when
// the owner already has the maximum number of pending jobs.
func (s *QueueStore) Enqueue(ctx context.Context,
	params EnqueueParams) (Job, error) {

	payloadJSON := "{}"
	if params.Payload != nil {
		var err error
		payloadJSON, err = MarshalPayload(params.Payload)
		if err != nil {
			return Job{}, err
		}
	}

	maxAttempts := params.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.cfg.DefaultMaxAttempts
	}

	var job Job
	err := s.db.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		// Enforce the per-owner pending cap inside the transaction so
		// concurrent enqueues cannot overshoot it.
		var pending int64
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM jobs
			WHERE owner_id = ? AND status = ?
		`, params.OwnerID, StatusPending).Scan(&pending)
		if err != nil {
			return fmt.Errorf("failed to count pending jobs: %w",
				err)
		}

		if pending >= int64(s.cfg.MaxPending) {
			return ErrQueueFull
		}

		row := tx.QueryRowContext(ctx, `
			INSERT INTO jobs (
				owner_id, job_type, payload, thread_id,
				max_attempts
			)
			VALUES (?, ?, ?, ?, ?)
			RETURNING `+jobColumns+`
		`, params.OwnerID, params.Type, payloadJSON,
			optionToNullString(params.ThreadID), maxAttempts)

		job, err = scanJob(row)
		if err != nil {
			return fmt.Errorf("failed to enqueue job: %w", err)
		}

		return nil
	})
	if err != nil {
		return Job{}, err
	}

	return job, nil
}

// Claim atomically claims the oldest eligible pending job, moving it to
// running. Eligible means pending, with attempts left, and past any
// not_before backoff. Returns None when the queue has no eligible job.
//
// The claim is a single UPDATE statement, so two workers can never claim
// the same job. Attempts are NOT incremented here: the attempt counter
// tracks retries, not claims.
func (s *QueueStore) Claim(ctx context.Context) (fn.Option[Job], error) {
	row := s.db.DB().QueryRowContext(ctx, `
		UPDATE jobs
		SET status = ?, started_at = CURRENT_TIMESTAMP
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = ?
				AND attempts < max_attempts
				AND (not_before IS NULL
					OR not_before <= CURRENT_TIMESTAMP)
			ORDER BY id
			LIMIT 1
		)
		RETURNING `+jobColumns,
		StatusRunning, StatusPending,
	)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return fn.None[Job](), nil
	}
	if err != nil {
		return fn.None[Job](), fmt.Errorf("failed to claim job: %w",
			db.MapSQLError(err))
	}

	return fn.Some(job), nil
}

// Complete marks a running job as completed.
func (s *QueueStore) Complete(ctx context.Context, id int64) error {
	return s.finish(ctx, id, StatusCompleted, "")
}

// Fail marks a running job as permanently failed.
func (s *QueueStore) Fail(ctx context.Context, id int64, errMsg string) error {
	return s.finish(ctx, id, StatusFailed, errMsg)
}

// finish moves a running job into a terminal status. ErrJobNotRunning is
// returned when the job is missing or not running, so terminal statuses can
// never be overwritten.
func (s *QueueStore) finish(ctx context.Context, id int64, status JobStatus,
	errMsg string) error {

	res, err := s.db.DB().ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, last_error = ?,
			finished_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?
	`, status, toNullString(errMsg), id, StatusRunning)
	if err != nil {
		return fmt.Errorf("failed to finish job: %w",
			db.MapSQLError(err))
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrJobNotRunning
	}

	return nil
}

// Retry moves a running job back to pending, increments its attempt
// counter, and records the error alongside a not_before backoff computed
// from the new attempt count.
func (s *QueueStore) Retry(ctx context.Context, id int64,
	errMsg string) error {

	var notBefore time.Time
	err := s.db.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var attempts int
		err := tx.QueryRowContext(ctx, `
			SELECT attempts FROM jobs WHERE id = ? AND status = ?
		`, id, StatusRunning).Scan(&attempts)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrJobNotRunning
		}
		if err != nil {
			return fmt.Errorf("failed to load job: %w", err)
		}

		notBefore = time.Now().UTC().Add(
			s.cfg.RetryDelay(attempts + 1),
		)

		_, err = tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = ?, attempts = attempts + 1,
				last_error = ?, not_before = ?
			WHERE id = ? AND status = ?
		`, StatusPending, toNullString(errMsg), notBefore, id,
			StatusRunning)
		if err != nil {
			return fmt.Errorf("failed to retry job: %w", err)
		}

		return nil
	})

	return err
}

// HasPending reports whether a pending or running job of the given type
// already references the thread. This dedup is advisory: a crash between
// this check and the enqueue can still produce duplicates, which handlers
// tolerate by being idempotent.
func (s *QueueStore) HasPending(ctx context.Context, ownerID int64,
	jobType JobType, threadID string) (bool, error) {

	var exists bool
	err := s.db.DB().QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM jobs
			WHERE owner_id = ? AND job_type = ? AND thread_id = ?
				AND status IN (?, ?)
		)
	`, ownerID, jobType, threadID, StatusPending, StatusRunning,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check pending jobs: %w",
			err)
	}

	return exists, nil
}

// HasPendingType reports whether the owner has any pending or running job
// of the given type, regardless of thread. Used to keep periodic jobs like
// sync from stacking up.
func (s *QueueStore) HasPendingType(ctx context.Context, ownerID int64,
	jobType JobType) (bool, error) {

	var exists bool
	err := s.db.DB().QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM jobs
			WHERE owner_id = ? AND job_type = ?
				AND status IN (?, ?)
		)
	`, ownerID, jobType, StatusPending, StatusRunning,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check pending jobs: %w",
			err)
	}

	return exists, nil
}

// GetJob retrieves one job by id.
func (s *QueueStore) GetJob(ctx context.Context, id int64) (Job, error) {
	row := s.db.DB().QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE id = ?
	`, id)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, sql.ErrNoRows
	}
	if err != nil {
		return Job{}, fmt.Errorf("failed to get job: %w", err)
	}

	return job, nil
}

// List returns jobs in the given status, oldest first.
func (s *QueueStore) List(ctx context.Context, status JobStatus,
	limit int) ([]Job, error) {

	rows, err := s.db.DB().QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = ? ORDER BY id LIMIT ?
	`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}

	return jobs, rows.Err()
}

// CleanupOld deletes completed and failed jobs whose terminal timestamp is
// older than the retention window. It returns the number of jobs removed.
func (s *QueueStore) CleanupOld(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-s.cfg.Retention)

	res, err := s.db.DB().ExecContext(ctx, `
		DELETE FROM jobs
		WHERE status IN (?, ?)
			AND COALESCE(finished_at, created_at) < ?
	`, StatusCompleted, StatusFailed, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup jobs: %w",
			db.MapSQLError(err))
	}

	return res.RowsAffected()
}

// Stats returns aggregate counts for the queue.
func (s *QueueStore) Stats(ctx context.Context) (QueueStats, error) {
	row := s.db.DB().QueryRowContext(ctx, `
		SELECT
			COUNT(CASE WHEN status = ? THEN 1 END),
			COUNT(CASE WHEN status = ? THEN 1 END),
			COUNT(CASE WHEN status = ? THEN 1 END),
			COUNT(CASE WHEN status = ? THEN 1 END),
			MIN(CASE WHEN status = ? THEN created_at END)
		FROM jobs
	`, StatusPending, StatusRunning, StatusCompleted, StatusFailed,
		StatusPending)

	var (
		stats  QueueStats
		oldest sql.NullTime
	)
	err := row.Scan(
		&stats.PendingCount, &stats.RunningCount,
		&stats.CompletedCount, &stats.FailedCount, &oldest,
	)
	if err != nil {
		return QueueStats{}, fmt.Errorf("failed to get queue "+
			"stats: %w", err)
	}

	if oldest.Valid {
		stats.OldestPending = fn.Some(oldest.Time)
	}

	return stats, nil
}

// scanner abstracts over *sql.Row and *sql.Rows for scanJob.
type scanner interface {
	Scan(dest ...any) error
}

// scanJob scans one jobs row into the domain type.
func scanJob(row scanner) (Job, error) {
	var (
		job                 Job
		threadID, lastError sql.NullString
		notBefore           sql.NullTime
		startedAt, finished sql.NullTime
	)
	err := row.Scan(
		&job.ID, &job.OwnerID, &job.Type, &job.PayloadJSON, &threadID,
		&job.Status, &job.Attempts, &job.MaxAttempts, &lastError,
		&notBefore, &job.CreatedAt, &startedAt, &finished,
	)
	if err != nil {
		return Job{}, err
	}

	if threadID.Valid {
		job.ThreadID = fn.Some(threadID.String)
	}
	if lastError.Valid {
		job.LastError = fn.Some(lastError.String)
	}
	if notBefore.Valid {
		job.NotBefore = fn.Some(notBefore.Time)
	}
	if startedAt.Valid {
		job.StartedAt = fn.Some(startedAt.Time)
	}
	if finished.Valid {
		job.FinishedAt = fn.Some(finished.Time)
	}

	return job, nil
}

// toNullString converts a string to sql.NullString, treating empty strings
// as NULL.
func toNullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}

	return sql.NullString{String: s, Valid: true}
}

// optionToNullString converts an optional string to sql.NullString.
func optionToNullString(o fn.Option[string]) sql.NullString {
	var out sql.NullString
	o.WhenSome(func(s string) {
		out = sql.NullString{String: s, Valid: true}
	})

	return out
}
