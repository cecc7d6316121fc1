package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lamngt/imageflow/internal/worker/domain"
	"github.com/lamngt/imageflow/shared/rabbitmq"
)

// Metadata is the slice of the job store the processing path needs. The row
// in PostgreSQL is the single source of truth; all writes are conditional.
type Metadata interface {
	GetJobByID(ctx context.Context, jobID string) (*domain.Job, error)
	ClaimJob(ctx context.Context, jobID, expectedState string, expectedUpdatedAt time.Time) (*domain.Job, error)
	CompleteJob(ctx context.Context, jobID, derivedKey string) error
	FailJob(ctx context.Context, jobID, errorMsg string) error
	ReleaseForRetry(ctx context.Context, jobID, errorMsg string) error
}

// BlobStore puts and gets immutable byte blobs by key.
type BlobStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// Transformer turns original image bytes into derived bytes.
type Transformer interface {
	Transform(ctx context.Context, original []byte, transformation string) ([]byte, error)
}

// Config holds worker configuration
type Config struct {
	Logger           *slog.Logger
	RabbitClient     *rabbitmq.Client
	Store            Metadata
	Blobs            BlobStore
	Transformer      Transformer
	WorkerID         string
	Concurrency      int
	PrefetchCount    int
	MaxAttempts      int
	TransformTimeout time.Duration
}

// Worker consumes task messages and drives jobs through the state machine.
type Worker struct {
	logger           *slog.Logger
	rabbitClient     *rabbitmq.Client
	store            Metadata
	blobs            BlobStore
	transformer      Transformer
	workerID         string
	concurrency      int
	prefetchCount    int
	maxAttempts      int
	transformTimeout time.Duration
	jobsChan         chan *domain.TaskMessage
	wg               sync.WaitGroup
	stopChan         chan struct{}
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = domain.DefaultMaxAttempts
	}

	return &Worker{
		logger:           cfg.Logger,
		rabbitClient:     cfg.RabbitClient,
		store:            cfg.Store,
		blobs:            cfg.Blobs,
		transformer:      cfg.Transformer,
		workerID:         cfg.WorkerID,
		concurrency:      cfg.Concurrency,
		prefetchCount:    cfg.PrefetchCount,
		maxAttempts:      maxAttempts,
		transformTimeout: cfg.TransformTimeout,
		jobsChan:         make(chan *domain.TaskMessage),
		stopChan:         make(chan struct{}),
	}
}

// Start subscribes to the task queue, spawns the pool and dispatches messages
// until the context is canceled or the delivery channel closes.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Int("max_attempts", w.maxAttempts),
		slog.Duration("transform_timeout", w.transformTimeout),
	)

	deliveries, err := w.setupConsumer(ctx)
	if err != nil {
		return err
	}

	w.spawnWorkerPool(ctx)
	w.startMessageDispatcher(ctx, deliveries)

	return nil
}

// Stop gracefully stops the worker: no new claims, in-flight transformations
// finish or hit their timeout.
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	close(w.stopChan)
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}
