package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/contributor-info/capture/internal/models"
)

const jobColumns = `id, job_type, COALESCE(repository_id, ''), item_ids, status,
	items_processed, items_total, error, created_at, started_at, completed_at`

// InsertJob creates a pending ledger row. A duplicate id surfaces as
// ErrDuplicate so callers can tell a redelivered event from a real write
// failure.
func (c *Client) InsertJob(ctx context.Context, job models.JobRecord) error {
	_, err := c.pool.Exec(ctx, `
		INSERT INTO capture_jobs (id, job_type, repository_id, item_ids, status, items_total)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6)`,
		job.ID, job.JobType, job.RepositoryID, job.ItemIDs, string(models.JobStatusPending), job.ItemsTotal)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("insert job %s: %w", job.ID, ErrDuplicate)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// MarkJobProcessing transitions pending → processing and stamps started_at.
// The status guard makes redelivered events a no-op rather than a
// regression; the returned flag reports whether this call moved the row, so
// a caller that just inserted can detect a missing row.
func (c *Client) MarkJobProcessing(ctx context.Context, jobID string) (bool, error) {
	tag, err := c.pool.Exec(ctx, `
		UPDATE capture_jobs
		   SET status = $2, started_at = now()
		 WHERE id = $1 AND status = $3`,
		jobID, string(models.JobStatusProcessing), string(models.JobStatusPending))
	if err != nil {
		return false, fmt.Errorf("mark job processing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		c.logger.Debug("job already past pending", "job_id", jobID)
		return false, nil
	}
	return true, nil
}

// UpdateJobProgress records how many items the handler has processed.
// itemsTotal may grow as a handler discovers work (repository syncs learn
// their total only after listing); it never shrinks, and processed is
// clamped so the items_processed <= items_total invariant always holds.
func (c *Client) UpdateJobProgress(ctx context.Context, jobID string, itemsProcessed, itemsTotal int) error {
	_, err := c.pool.Exec(ctx, `
		UPDATE capture_jobs
		   SET items_total = GREATEST(items_total, $3),
		       items_processed = LEAST($2, GREATEST(items_total, $3))
		 WHERE id = $1 AND status = $4`,
		jobID, itemsProcessed, itemsTotal, string(models.JobStatusProcessing))
	if err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	return nil
}

// CompleteJob transitions processing → completed|failed and stamps
// completed_at. Terminal rows are never updated again.
func (c *Client) CompleteJob(ctx context.Context, jobID string, status models.JobStatus, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("complete job: %q is not a terminal status", status)
	}
	_, err := c.pool.Exec(ctx, `
		UPDATE capture_jobs
		   SET status = $2, error = NULLIF($3, ''), completed_at = now()
		 WHERE id = $1 AND status = $4`,
		jobID, string(status), errMsg, string(models.JobStatusProcessing))
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// GetJob retrieves a single ledger row.
func (c *Client) GetJob(ctx context.Context, jobID string) (*models.JobRecord, error) {
	row := c.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM capture_jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListJobs returns ledger rows, most recent first.
func (c *Client) ListJobs(ctx context.Context, limit int) ([]models.JobRecord, error) {
	rows, err := c.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM capture_jobs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// StuckJobs returns jobs still processing past the given age.
func (c *Client) StuckJobs(ctx context.Context, olderThan time.Duration) ([]models.JobRecord, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT `+jobColumns+`
		  FROM capture_jobs
		 WHERE status = $1 AND started_at < now() - $2::interval
		 ORDER BY started_at`,
		string(models.JobStatusProcessing), olderThan.String())
	if err != nil {
		return nil, fmt.Errorf("find stuck jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

func scanJobs(rows pgx.Rows) ([]models.JobRecord, error) {
	var jobs []models.JobRecord
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func scanJob(row pgx.Row) (*models.JobRecord, error) {
	var job models.JobRecord
	var status string
	if err := row.Scan(&job.ID, &job.JobType, &job.RepositoryID, &job.ItemIDs, &status,
		&job.ItemsProcessed, &job.ItemsTotal, &job.Error,
		&job.CreatedAt, &job.StartedAt, &job.CompletedAt); err != nil {
		return nil, err
	}
	job.Status = models.JobStatus(status)
	return &job, nil
}
