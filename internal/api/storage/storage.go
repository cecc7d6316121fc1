package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lamngt/imageflow/internal/api/domain"
	"github.com/lamngt/imageflow/internal/api/model"
	"github.com/lamngt/imageflow/shared/postgresql"
)

type Storage struct {
	db *sqlx.DB
}

func NewStorage(pg *postgresql.Client) *Storage {
	return &Storage{
		db: pg.GetDB(),
	}
}

// CreateJob inserts the job row. Ingestion is the sole creator: exactly one
// row exists per accepted submission.
func (s *Storage) CreateJob(ctx context.Context, job *model.Job) error {
	query := `
		INSERT INTO jobs (
			job_id, owner_id, transformation, content_type,
			original_key, state, attempt_count, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8, $9
		)
	`

	_, err := s.db.ExecContext(
		ctx,
		query,
		job.JobID,
		job.OwnerID,
		job.Transformation,
		job.ContentType,
		job.OriginalKey,
		job.State,
		job.AttemptCount,
		job.CreatedAt,
		job.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

func (s *Storage) GetJobByID(ctx context.Context, jobID string) (*model.Job, error) {
	var job model.Job
	query := `
		SELECT
			job_id, owner_id, transformation, content_type, original_key,
			derived_key, state, attempt_count, last_error, created_at, updated_at
		FROM jobs
		WHERE job_id = $1
	`

	err := s.db.GetContext(ctx, &job, query, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

// MarkEnqueueFailed flips a freshly created PENDING job to FAILED when the
// task message could not be published. PENDING is only a valid state while a
// queue message exists or the reconciler guarantees one.
func (s *Storage) MarkEnqueueFailed(ctx context.Context, jobID string) error {
	query := `
		UPDATE jobs
		SET state = $1,
		    last_error = $2,
		    updated_at = NOW()
		WHERE job_id = $3 AND state = $4
	`

	_, err := s.db.ExecContext(ctx, query, domain.JobStateFailed, "enqueue failed", jobID, domain.JobStatePending)
	if err != nil {
		return fmt.Errorf("failed to mark enqueue failure: %w", err)
	}

	return nil
}

type JobFilter struct {
	OwnerID  string
	State    string
	PageSize int
	Cursor   *JobCursor
}

type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// ListJobsByOwner pages through an owner's jobs, newest first. The cursor is
// (created_at, job_id) for a stable order under concurrent inserts.
func (s *Storage) ListJobsByOwner(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `
		SELECT
			job_id, owner_id, transformation, content_type, original_key,
			derived_key, state, attempt_count, last_error, created_at, updated_at
		FROM jobs
		WHERE owner_id = $1
	`
	args := []interface{}{filter.OwnerID}
	argIdx := 2

	if filter.State != "" {
		query += fmt.Sprintf(" AND state = $%d", argIdx)
		args = append(args, filter.State)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, job_id DESC"

	// Fetch one extra to determine if there are more results
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var jobs []model.Job
	err := s.db.SelectContext(ctx, &jobs, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return jobs, nil
}
