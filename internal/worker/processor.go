package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/lamngt/imageflow/internal/worker/domain"
)

// processTask drives a single task message through the job state machine.
// The returned error only steers the ACK/NACK decision in the pool; every
// user-visible outcome is recorded on the job row before returning.
func (w *Worker) processTask(ctx context.Context, msg *domain.TaskMessage) error {
	w.logger.Info("Processing task",
		slog.String("job_id", msg.JobID),
		slog.Int("attempt_hint", msg.AttemptHint),
		slog.String("worker_id", w.workerID),
	)

	job, err := w.store.GetJobByID(ctx, msg.JobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			w.logger.Warn("Task references unknown job, dropping",
				slog.String("job_id", msg.JobID),
			)
			return err
		}
		return domain.NewRetryableError(fmt.Errorf("failed to load job: %w", err))
	}

	// Duplicate delivery of an already-settled job is the expected cost of
	// at-least-once semantics: acknowledge and do nothing.
	if job.Terminal() {
		w.logger.Info("Job already settled, skipping duplicate delivery",
			slog.String("job_id", job.JobID),
			slog.String("state", job.State),
		)
		return nil
	}

	claimed, err := w.store.ClaimJob(ctx, job.JobID, job.State, job.UpdatedAt)
	if err != nil {
		if errors.Is(err, domain.ErrJobAlreadyClaimed) {
			w.logger.Info("Lost claim race, yielding",
				slog.String("job_id", job.JobID),
			)
			return err
		}
		return domain.NewRetryableError(fmt.Errorf("failed to claim job: %w", err))
	}
	job = claimed

	// A claimed attempt runs to completion: only the transform deadline
	// bounds it, and the settle writes must reach the row even when the
	// consumer context died mid-flight. Aborting here would burn the attempt
	// and strand the row in PROCESSING for the reconciler.
	ctx = context.WithoutCancel(ctx)

	derivedKey, err := w.runAttempt(ctx, job)
	if err != nil {
		return w.settleFailure(ctx, job, err)
	}

	if err := w.store.CompleteJob(ctx, job.JobID, derivedKey); err != nil {
		if errors.Is(err, domain.ErrJobAlreadyClaimed) {
			// The reconciler re-drove the job while this attempt ran; the
			// fresh attempt redoes it and the orphaned derived blob is
			// garbage for the retention sweep.
			w.logger.Warn("Job re-driven mid-attempt, yielding",
				slog.String("job_id", job.JobID),
			)
			return err
		}
		return domain.NewRetryableError(fmt.Errorf("failed to complete job: %w", err))
	}

	w.logger.Info("Job done",
		slog.String("job_id", job.JobID),
		slog.String("derived_key", derivedKey),
		slog.Int("attempt", job.AttemptCount),
	)

	return nil
}

// runAttempt performs one transformation attempt: fetch original, transform
// under the deadline, store the derived blob under a fresh key. The derived
// blob is durable before the caller flips the row to DONE.
func (w *Worker) runAttempt(ctx context.Context, job *domain.Job) (string, error) {
	original, err := w.blobs.Get(ctx, job.OriginalKey)
	if err != nil {
		return "", fmt.Errorf("failed to fetch original blob: %w", err)
	}

	transformCtx, cancel := context.WithTimeout(ctx, w.transformTimeout)
	defer cancel()

	derived, err := w.transformer.Transform(transformCtx, original, job.Transformation)
	if err != nil {
		return "", err
	}

	// Keys are write-once: every attempt gets its own, never an overwrite.
	derivedKey := fmt.Sprintf("derived/%s/%s", job.JobID, uuid.New().String())
	if err := w.blobs.Put(ctx, derivedKey, derived, job.ContentType); err != nil {
		return "", fmt.Errorf("failed to store derived blob: %w", err)
	}

	return derivedKey, nil
}

// settleFailure records the failure on the job row and classifies it for the
// queue: data errors are terminal on the first attempt, transient errors
// retry until the attempt budget is spent.
func (w *Worker) settleFailure(ctx context.Context, job *domain.Job, cause error) error {
	w.logger.Error("Attempt failed",
		slog.String("job_id", job.JobID),
		slog.Int("attempt", job.AttemptCount),
		slog.String("error", cause.Error()),
	)

	if domain.IsDataError(cause) {
		if err := w.failJob(ctx, job.JobID, cause); err != nil {
			return err
		}
		return cause
	}

	if job.AttemptCount < w.maxAttempts {
		if err := w.store.ReleaseForRetry(ctx, job.JobID, cause.Error()); err != nil {
			if errors.Is(err, domain.ErrJobAlreadyClaimed) {
				return err
			}
			return domain.NewRetryableError(fmt.Errorf("failed to release job for retry: %w", err))
		}
		w.logger.Info("Job will be retried",
			slog.String("job_id", job.JobID),
			slog.Int("attempt", job.AttemptCount),
			slog.Int("max_attempts", w.maxAttempts),
		)
		return domain.NewRetryableError(cause)
	}

	if err := w.failJob(ctx, job.JobID, cause); err != nil {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrMaxAttemptsExceeded, cause)
}

func (w *Worker) failJob(ctx context.Context, jobID string, cause error) error {
	if err := w.store.FailJob(ctx, jobID, cause.Error()); err != nil {
		if errors.Is(err, domain.ErrJobAlreadyClaimed) {
			return err
		}
		return domain.NewRetryableError(fmt.Errorf("failed to mark job failed: %w", err))
	}
	return nil
}
