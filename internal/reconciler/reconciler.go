package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lamngt/imageflow/internal/worker/domain"
)

// Store is the scan-and-redrive slice of the metadata store.
type Store interface {
	ListStalledProcessing(ctx context.Context, cutoff time.Time, limit int) ([]domain.Job, error)
	ListAgedPending(ctx context.Context, cutoff time.Time, limit int) ([]domain.Job, error)
	RequeueStalled(ctx context.Context, jobID string, observedUpdatedAt time.Time) error
}

// Publisher puts a task message back on the queue. A single-shot publish is
// enough here: a failed re-inject is retried by the next sweep anyway.
type Publisher interface {
	Publish(ctx context.Context, body []byte, contentType string) error
}

// Config holds reconciler configuration
type Config struct {
	Logger       *slog.Logger
	Store        Store
	Publisher    Publisher
	Interval     time.Duration
	StaleAfter   time.Duration
	PendingGrace time.Duration
	BatchSize    int
}

// Reconciler is the background sweep that detects stuck jobs and re-drives
// them. It is the only component allowed to re-inject queue messages outside
// of initial ingestion, which makes the pipeline self-healing when a worker
// dies or a message is lost.
type Reconciler struct {
	logger       *slog.Logger
	store        Store
	publisher    Publisher
	interval     time.Duration
	staleAfter   time.Duration
	pendingGrace time.Duration
	batchSize    int
	now          func() time.Time
}

// NewReconciler creates a new Reconciler instance
func NewReconciler(cfg *Config) *Reconciler {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	return &Reconciler{
		logger:       cfg.Logger,
		store:        cfg.Store,
		publisher:    cfg.Publisher,
		interval:     cfg.Interval,
		staleAfter:   cfg.StaleAfter,
		pendingGrace: cfg.PendingGrace,
		batchSize:    batchSize,
		now:          time.Now,
	}
}

// Run sweeps on a fixed interval until the context is canceled.
func (r *Reconciler) Run(ctx context.Context) {
	r.logger.Info("Reconciler started",
		slog.Duration("interval", r.interval),
		slog.Duration("stale_after", r.staleAfter),
		slog.Duration("pending_grace", r.pendingGrace),
	)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Reconciler stopped")
			return
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				r.logger.Error("Reconciler sweep failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Sweep runs one reconciliation pass: re-drive stalled PROCESSING jobs, then
// defensively re-enqueue aged PENDING jobs.
func (r *Reconciler) Sweep(ctx context.Context) error {
	if err := r.redriveStalled(ctx); err != nil {
		return err
	}
	return r.reenqueueAgedPending(ctx)
}

// redriveStalled handles jobs stuck in PROCESSING past the staleness window:
// the worker died without completing, or the queue message was lost. The
// transition back to PENDING is conditional on the observed updated_at, so a
// worker that finishes concurrently wins.
func (r *Reconciler) redriveStalled(ctx context.Context) error {
	cutoff := r.now().Add(-r.staleAfter)

	stalled, err := r.store.ListStalledProcessing(ctx, cutoff, r.batchSize)
	if err != nil {
		return fmt.Errorf("failed to list stalled jobs: %w", err)
	}

	for _, job := range stalled {
		if err := r.store.RequeueStalled(ctx, job.JobID, job.UpdatedAt); err != nil {
			if errors.Is(err, domain.ErrJobAlreadyClaimed) {
				r.logger.Debug("Stalled job changed state before re-drive, skipping",
					slog.String("job_id", job.JobID),
				)
				continue
			}
			return fmt.Errorf("failed to requeue stalled job %s: %w", job.JobID, err)
		}

		if err := r.publishTask(ctx, job.JobID, job.AttemptCount); err != nil {
			// The row is already PENDING; the aged-pending sweep picks it up
			// on a later pass.
			r.logger.Error("Failed to publish task for re-driven job",
				slog.String("job_id", job.JobID),
				slog.String("error", err.Error()),
			)
			continue
		}

		r.logger.Info("Re-drove stalled job",
			slog.String("job_id", job.JobID),
			slog.Int("attempt_count", job.AttemptCount),
		)
	}

	return nil
}

// reenqueueAgedPending handles PENDING jobs older than the grace period.
// Whether a live message still exists for them is only knowable
// heuristically, so it publishes one defensively: a duplicate is harmless
// because settled jobs are acknowledged without work.
func (r *Reconciler) reenqueueAgedPending(ctx context.Context) error {
	cutoff := r.now().Add(-r.pendingGrace)

	aged, err := r.store.ListAgedPending(ctx, cutoff, r.batchSize)
	if err != nil {
		return fmt.Errorf("failed to list aged pending jobs: %w", err)
	}

	for _, job := range aged {
		if err := r.publishTask(ctx, job.JobID, job.AttemptCount); err != nil {
			r.logger.Error("Failed to re-enqueue pending job",
				slog.String("job_id", job.JobID),
				slog.String("error", err.Error()),
			)
			continue
		}

		r.logger.Info("Re-enqueued aged pending job",
			slog.String("job_id", job.JobID),
			slog.Duration("age", r.now().Sub(job.UpdatedAt)),
		)
	}

	return nil
}

func (r *Reconciler) publishTask(ctx context.Context, jobID string, attemptHint int) error {
	body, err := json.Marshal(domain.TaskMessage{
		JobID:       jobID,
		AttemptHint: attemptHint,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal task message: %w", err)
	}

	return r.publisher.Publish(ctx, body, "application/json")
}
