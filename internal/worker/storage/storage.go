package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lamngt/imageflow/internal/worker/domain"
)

// Storage handles all database operations for the worker and the reconciler.
// Every mutation goes through a conditional update keyed on the previously
// observed state (and, for claims and re-drives, the observed updated_at), so
// no two components can apply conflicting transitions to the same row.
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

const jobColumns = `job_id, owner_id, transformation, content_type, original_key,
	COALESCE(derived_key, ''), state, attempt_count, COALESCE(last_error, ''),
	created_at, updated_at`

func scanJob(row *sql.Row) (*domain.Job, error) {
	var job domain.Job
	err := row.Scan(
		&job.JobID,
		&job.OwnerID,
		&job.Transformation,
		&job.ContentType,
		&job.OriginalKey,
		&job.DerivedKey,
		&job.State,
		&job.AttemptCount,
		&job.LastError,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// GetJobByID retrieves a job from the database by its ID
func (s *Storage) GetJobByID(ctx context.Context, jobID string) (*domain.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM jobs WHERE job_id = $1`, jobColumns)

	job, err := scanJob(s.db.QueryRowContext(ctx, query, jobID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return job, nil
}

// ClaimJob attempts the PENDING/PROCESSING -> PROCESSING transition using a
// conditional update keyed on the observed state and updated_at, incrementing
// attempt_count. Claiming a PROCESSING job is legal only for rows whose prior
// attempt crashed; the updated_at condition keeps two live workers from both
// succeeding.
func (s *Storage) ClaimJob(ctx context.Context, jobID, expectedState string, expectedUpdatedAt time.Time) (*domain.Job, error) {
	if _, err := domain.Next(expectedState, domain.EventClaimed); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrJobAlreadyClaimed, err)
	}

	query := fmt.Sprintf(`
		UPDATE jobs
		SET state = $1,
		    attempt_count = attempt_count + 1,
		    updated_at = NOW()
		WHERE job_id = $2
		  AND state = $3
		  AND updated_at = $4
		RETURNING %s
	`, jobColumns)

	job, err := scanJob(s.db.QueryRowContext(ctx, query, domain.JobStateProcessing, jobID, expectedState, expectedUpdatedAt))
	if err != nil {
		if err == sql.ErrNoRows {
			s.logger.Warn("Failed to claim job - lost race or state changed",
				slog.String("job_id", jobID),
				slog.String("expected_state", expectedState),
			)
			return nil, domain.ErrJobAlreadyClaimed
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	s.logger.Info("Job claimed",
		slog.String("job_id", jobID),
		slog.Int("attempt", job.AttemptCount),
		slog.String("transformation", job.Transformation),
	)

	return job, nil
}

// CompleteJob flips PROCESSING -> DONE and records the derived key. The
// derived blob must already be in the object store when this is called, so
// "DONE implies derived blob exists" holds even under a crash in between.
func (s *Storage) CompleteJob(ctx context.Context, jobID, derivedKey string) error {
	query := `
		UPDATE jobs
		SET state = $1,
		    derived_key = $2,
		    last_error = NULL,
		    updated_at = NOW()
		WHERE job_id = $3 AND state = $4
	`

	result, err := s.db.ExecContext(ctx, query, domain.JobStateDone, derivedKey, jobID, domain.JobStateProcessing)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		// The reconciler re-drove the job mid-flight; the winner redoes the
		// work under a fresh derived key.
		return domain.ErrJobAlreadyClaimed
	}

	s.logger.Info("Job completed",
		slog.String("job_id", jobID),
		slog.String("derived_key", derivedKey),
	)

	return nil
}

// FailJob flips PROCESSING -> FAILED with last_error populated.
func (s *Storage) FailJob(ctx context.Context, jobID, errorMsg string) error {
	query := `
		UPDATE jobs
		SET state = $1,
		    last_error = $2,
		    updated_at = NOW()
		WHERE job_id = $3 AND state = $4
	`

	result, err := s.db.ExecContext(ctx, query, domain.JobStateFailed, errorMsg, jobID, domain.JobStateProcessing)
	if err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return domain.ErrJobAlreadyClaimed
	}

	s.logger.Warn("Job failed",
		slog.String("job_id", jobID),
		slog.String("error", errorMsg),
	)

	return nil
}

// ReleaseForRetry flips PROCESSING -> PENDING after a transient failure,
// keeping last_error as a breadcrumb. The attempt counter is never reset.
func (s *Storage) ReleaseForRetry(ctx context.Context, jobID, errorMsg string) error {
	query := `
		UPDATE jobs
		SET state = $1,
		    last_error = $2,
		    updated_at = NOW()
		WHERE job_id = $3 AND state = $4
	`

	result, err := s.db.ExecContext(ctx, query, domain.JobStatePending, errorMsg, jobID, domain.JobStateProcessing)
	if err != nil {
		return fmt.Errorf("failed to release job for retry: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return domain.ErrJobAlreadyClaimed
	}

	s.logger.Info("Job released for retry",
		slog.String("job_id", jobID),
		slog.String("error", errorMsg),
	)

	return nil
}

// ListStalledProcessing returns jobs stuck in PROCESSING whose updated_at is
// older than cutoff. Used only by the reconciler.
func (s *Storage) ListStalledProcessing(ctx context.Context, cutoff time.Time, limit int) ([]domain.Job, error) {
	return s.listByStateOlderThan(ctx, domain.JobStateProcessing, cutoff, limit)
}

// ListAgedPending returns PENDING jobs older than cutoff, candidates for a
// defensive re-enqueue. Used only by the reconciler.
func (s *Storage) ListAgedPending(ctx context.Context, cutoff time.Time, limit int) ([]domain.Job, error) {
	return s.listByStateOlderThan(ctx, domain.JobStatePending, cutoff, limit)
}

func (s *Storage) listByStateOlderThan(ctx context.Context, state string, cutoff time.Time, limit int) ([]domain.Job, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM jobs
		WHERE state = $1 AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3
	`, jobColumns)

	rows, err := s.db.QueryContext(ctx, query, state, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to scan jobs in state %s: %w", state, err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		var job domain.Job
		err := rows.Scan(
			&job.JobID,
			&job.OwnerID,
			&job.Transformation,
			&job.ContentType,
			&job.OriginalKey,
			&job.DerivedKey,
			&job.State,
			&job.AttemptCount,
			&job.LastError,
			&job.CreatedAt,
			&job.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate job rows: %w", err)
	}

	return jobs, nil
}

// RequeueStalled flips a stalled PROCESSING job back to PENDING, conditional
// on the same updated_at still being observed. A zero rows result means a
// worker finished (or another reconciler pass won) in the meantime.
func (s *Storage) RequeueStalled(ctx context.Context, jobID string, observedUpdatedAt time.Time) error {
	query := `
		UPDATE jobs
		SET state = $1,
		    last_error = $2,
		    updated_at = NOW()
		WHERE job_id = $3
		  AND state = $4
		  AND updated_at = $5
	`

	result, err := s.db.ExecContext(ctx, query,
		domain.JobStatePending,
		"requeued: processing stalled",
		jobID,
		domain.JobStateProcessing,
		observedUpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to requeue stalled job: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return domain.ErrJobAlreadyClaimed
	}

	s.logger.Info("Stalled job requeued",
		slog.String("job_id", jobID),
	)

	return nil
}
