package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/equipkb/backend/internal/storage/models"
	"github.com/equipkb/backend/pkg/logger"
)

var ErrNoPendingJobs = errors.New("no pending jobs")

// EnqueueJob inserts a job, or bumps the priority and demand counter of an
// existing pending/processing job for the same (manufacturer, model pattern).
// Re-detecting the same gap never creates a second job.
func (c *Client) EnqueueJob(ctx context.Context, job *models.EnrichmentJob) (*models.EnrichmentJob, error) {
	now := time.Now().Unix()

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO enrichment_jobs (id, gap_id, manufacturer, model_pattern, priority,
			status, user_query_count, next_retry_at, created_at)
		VALUES (?, ?, ?, ?, ?, 'pending', 1, 0, ?)
		ON CONFLICT(manufacturer, model_pattern) WHERE status IN ('pending', 'processing')
		DO UPDATE SET
			priority = MAX(priority, excluded.priority),
			user_query_count = user_query_count + 1`,
		job.ID, job.GapID, job.Manufacturer, job.ModelPattern, job.Priority, now)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	row := c.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+`
		FROM enrichment_jobs
		WHERE manufacturer = ? AND model_pattern = ? AND status IN ('pending', 'processing')`,
		job.Manufacturer, job.ModelPattern)

	queued, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("failed to read enqueued job: %w", err)
	}

	logger.Info("Enrichment job enqueued",
		zap.String("job_id", queued.ID),
		zap.String("manufacturer", queued.Manufacturer),
		zap.String("pattern", queued.ModelPattern),
		zap.Float64("priority", queued.Priority),
	)
	return queued, nil
}

// ClaimJob atomically transitions the oldest highest-priority pending job to
// processing under the given worker. Safe under concurrent callers: the
// transition is a compare-and-set on status, so at most one claimer wins a
// given job; losers move on to the next candidate.
func (c *Client) ClaimJob(ctx context.Context, workerID string) (*models.EnrichmentJob, error) {
	now := time.Now().Unix()

	for {
		var id string
		err := c.db.QueryRowContext(ctx, `
			SELECT id FROM enrichment_jobs
			WHERE status = 'pending' AND next_retry_at <= ?
			ORDER BY priority DESC, created_at ASC
			LIMIT 1`, now).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoPendingJobs
		}
		if err != nil {
			return nil, fmt.Errorf("failed to select claim candidate: %w", err)
		}

		res, err := c.db.ExecContext(ctx, `
			UPDATE enrichment_jobs
			SET status = 'processing', worker_id = ?, started_at = ?
			WHERE id = ? AND status = 'pending'`,
			workerID, now, id)
		if err != nil {
			return nil, fmt.Errorf("failed to claim job: %w", err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to read claim result: %w", err)
		}
		if n == 0 {
			// Lost the race to another worker; pick the next candidate.
			continue
		}

		job, err := c.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}

		logger.Debug("Job claimed",
			zap.String("job_id", id),
			zap.String("worker_id", workerID),
		)
		return job, nil
	}
}

// ReleaseJob finishes a processing job, recording result counts and error
// detail.
func (c *Client) ReleaseJob(ctx context.Context, jobID string, status models.JobStatus, atomsCreated, membersFound int, errDetail string) error {
	if status != models.JobCompleted && status != models.JobFailed {
		return fmt.Errorf("release requires a terminal status, got %q", status)
	}

	_, err := c.db.ExecContext(ctx, `
		UPDATE enrichment_jobs
		SET status = ?, atoms_created = ?, members_found = ?, error_detail = ?, finished_at = ?
		WHERE id = ? AND status = 'processing'`,
		string(status), atomsCreated, membersFound, errDetail, time.Now().Unix(), jobID)
	if err != nil {
		return fmt.Errorf("failed to release job: %w", err)
	}
	return nil
}

// ScheduleRetry returns a processing job to pending with an explicit
// next_retry_at, so the backoff state survives process restarts. Returns the
// updated retry count.
func (c *Client) ScheduleRetry(ctx context.Context, jobID string, nextRetryAt time.Time) (int, error) {
	_, err := c.db.ExecContext(ctx, `
		UPDATE enrichment_jobs
		SET status = 'pending', worker_id = NULL, retry_count = retry_count + 1, next_retry_at = ?
		WHERE id = ? AND status = 'processing'`,
		nextRetryAt.Unix(), jobID)
	if err != nil {
		return 0, fmt.Errorf("failed to schedule retry: %w", err)
	}

	var retries int
	if err := c.db.QueryRowContext(ctx,
		`SELECT retry_count FROM enrichment_jobs WHERE id = ?`, jobID).Scan(&retries); err != nil {
		return 0, fmt.Errorf("failed to read retry count: %w", err)
	}
	return retries, nil
}

// ReclaimStaleJobs returns processing jobs whose worker has not heartbeated
// within the staleness window back to pending. Cascade steps are idempotent
// (fingerprint-checked), so re-execution of partial work is safe.
func (c *Client) ReclaimStaleJobs(ctx context.Context, staleness time.Duration) (int, error) {
	cutoff := time.Now().Add(-staleness).Unix()

	res, err := c.db.ExecContext(ctx, `
		UPDATE enrichment_jobs
		SET status = 'pending', worker_id = NULL
		WHERE status = 'processing'
		  AND worker_id NOT IN (
			SELECT worker_id FROM worker_heartbeats WHERE last_heartbeat > ?
		  )`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim stale jobs: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read reclaim result: %w", err)
	}
	if n > 0 {
		logger.Warn("Stale jobs reclaimed", zap.Int64("count", n))
	}
	return int(n), nil
}

func (c *Client) GetJob(ctx context.Context, id string) (*models.EnrichmentJob, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM enrichment_jobs WHERE id = ?`, id)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

func (c *Client) QueueDepth(ctx context.Context) (int, error) {
	var depth int
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM enrichment_jobs WHERE status = 'pending'`).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("failed to read queue depth: %w", err)
	}
	return depth, nil
}

const jobColumns = `id, COALESCE(gap_id, ''), manufacturer, model_pattern, priority, status,
	user_query_count, COALESCE(worker_id, ''), atoms_created, members_found,
	retry_count, next_retry_at, COALESCE(error_detail, ''), created_at, started_at, finished_at`

func scanJob(row rowScanner) (*models.EnrichmentJob, error) {
	var j models.EnrichmentJob
	var status string
	var nextRetry, createdAt int64
	var startedAt, finishedAt sql.NullInt64

	err := row.Scan(&j.ID, &j.GapID, &j.Manufacturer, &j.ModelPattern, &j.Priority,
		&status, &j.UserQueryCount, &j.WorkerID, &j.AtomsCreated, &j.MembersFound,
		&j.RetryCount, &nextRetry, &j.ErrorDetail, &createdAt, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}

	j.Status = models.JobStatus(status)
	j.NextRetryAt = time.Unix(nextRetry, 0)
	j.CreatedAt = time.Unix(createdAt, 0)
	if startedAt.Valid {
		t := time.Unix(startedAt.Int64, 0)
		j.StartedAt = &t
	}
	if finishedAt.Valid {
		t := time.Unix(finishedAt.Int64, 0)
		j.FinishedAt = &t
	}
	return &j, nil
}
