package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lamngt/imageflow/internal/api/domain"
	"github.com/lamngt/imageflow/internal/api/model"
	"github.com/lamngt/imageflow/internal/api/storage"
)

// Store is the metadata access the ingestion path needs.
type Store interface {
	CreateJob(ctx context.Context, job *model.Job) error
	GetJobByID(ctx context.Context, jobID string) (*model.Job, error)
	MarkEnqueueFailed(ctx context.Context, jobID string) error
	ListJobsByOwner(ctx context.Context, filter storage.JobFilter) ([]model.Job, error)
}

// BlobStore puts and gets immutable byte blobs by key.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// TaskPublisher enqueues serialized task messages.
type TaskPublisher interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

var validTransformations = map[string]bool{
	"rotated": true,
	"gray":    true,
	"scaled":  true,
}

// Config holds ingestion service configuration
type Config struct {
	Logger       *slog.Logger
	Store        Store
	Blobs        BlobStore
	Publisher    TaskPublisher
	MaxBytes     int64
	AllowedTypes []string
}

// Service accepts uploads, persists the original blob and the job row, and
// enqueues the processing task. All heavy work happens off this path.
type Service struct {
	logger       *slog.Logger
	store        Store
	blobs        BlobStore
	publisher    TaskPublisher
	maxBytes     int64
	allowedTypes map[string]bool
}

// NewService creates a new ingestion Service
func NewService(cfg *Config) *Service {
	allowed := make(map[string]bool, len(cfg.AllowedTypes))
	for _, t := range cfg.AllowedTypes {
		allowed[t] = true
	}

	return &Service{
		logger:       cfg.Logger,
		store:        cfg.Store,
		blobs:        cfg.Blobs,
		publisher:    cfg.Publisher,
		maxBytes:     cfg.MaxBytes,
		allowedTypes: allowed,
	}
}

// Submit validates the upload, stores the original blob, creates the PENDING
// job row and enqueues the task message — in that order, so a failure at any
// step leaves nothing earlier dangling except, at worst, an orphaned blob
// that the external retention sweep reclaims.
func (s *Service) Submit(ctx context.Context, principal string, body io.Reader, declaredContentType, transformation string) (string, error) {
	if !s.allowedTypes[declaredContentType] {
		return "", fmt.Errorf("%w: content type %q not allowed", domain.ErrInvalidInput, declaredContentType)
	}
	if !validTransformations[transformation] {
		return "", fmt.Errorf("%w: unknown transformation %q", domain.ErrInvalidInput, transformation)
	}

	data, err := io.ReadAll(io.LimitReader(body, s.maxBytes+1))
	if err != nil {
		return "", fmt.Errorf("%w: failed to read payload: %v", domain.ErrInvalidInput, err)
	}
	if int64(len(data)) > s.maxBytes {
		return "", fmt.Errorf("%w: payload exceeds %d bytes", domain.ErrInvalidInput, s.maxBytes)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("%w: empty payload", domain.ErrInvalidInput)
	}

	jobID := uuid.New().String()
	originalKey := fmt.Sprintf("original/%s", jobID)

	if err := s.blobs.Put(ctx, originalKey, data, declaredContentType); err != nil {
		// Fail fast: no job row, no queue message, no partial job.
		s.logger.Error("Failed to store original blob",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		return "", fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}

	now := time.Now().UTC()
	job := &model.Job{
		JobID:          jobID,
		OwnerID:        principal,
		Transformation: transformation,
		ContentType:    declaredContentType,
		OriginalKey:    originalKey,
		State:          domain.JobStatePending,
		AttemptCount:   0,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.store.CreateJob(ctx, job); err != nil {
		// The already-stored blob is acceptable garbage for the retention sweep.
		return "", fmt.Errorf("failed to create job: %w", err)
	}

	taskBody, err := json.Marshal(map[string]interface{}{
		"job_id":       jobID,
		"attempt_hint": 0,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal task message: %w", err)
	}

	if err := s.publisher.PublishWithRetry(ctx, taskBody, "application/json"); err != nil {
		s.logger.Error("Failed to enqueue task, failing job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		if markErr := s.store.MarkEnqueueFailed(ctx, jobID); markErr != nil {
			s.logger.Error("Failed to record enqueue failure",
				slog.String("job_id", jobID),
				slog.String("error", markErr.Error()),
			)
		}
		return "", fmt.Errorf("failed to enqueue task: %w", err)
	}

	s.logger.Info("Job submitted",
		slog.String("job_id", jobID),
		slog.String("owner_id", principal),
		slog.String("transformation", transformation),
		slog.Int("size", len(data)),
	)

	return jobID, nil
}

// Status is a pure read of the job row; no queue interaction.
func (s *Service) Status(ctx context.Context, principal, jobID string) (*model.Job, error) {
	job, err := s.store.GetJobByID(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if job.OwnerID != principal {
		return nil, domain.ErrForbidden
	}

	return job, nil
}

// History lists the principal's jobs with cursor pagination.
func (s *Service) History(ctx context.Context, filter storage.JobFilter) ([]model.Job, error) {
	return s.store.ListJobsByOwner(ctx, filter)
}

// Download streams the derived blob of a DONE job.
func (s *Service) Download(ctx context.Context, principal, jobID string) ([]byte, string, error) {
	job, err := s.Status(ctx, principal, jobID)
	if err != nil {
		return nil, "", err
	}

	if job.State != domain.JobStateDone || job.DerivedKey == nil {
		return nil, "", fmt.Errorf("%w: job is %s", domain.ErrJobNotReady, job.State)
	}

	data, err := s.blobs.Get(ctx, *job.DerivedKey)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}

	return data, job.ContentType, nil
}
