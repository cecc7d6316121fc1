package service

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lamngt/imageflow/internal/api/domain"
	"github.com/lamngt/imageflow/internal/api/model"
	"github.com/lamngt/imageflow/internal/api/storage"
)

type fakeStore struct {
	jobs map[string]*model.Job

	createErr    error
	createCalls  int
	enqueueFails []string
}

func newFakeStoreAPI() *fakeStore {
	return &fakeStore{jobs: make(map[string]*model.Job)}
}

func (s *fakeStore) CreateJob(ctx context.Context, job *model.Job) error {
	s.createCalls++
	if s.createErr != nil {
		return s.createErr
	}
	copied := *job
	s.jobs[job.JobID] = &copied
	return nil
}

func (s *fakeStore) GetJobByID(ctx context.Context, jobID string) (*model.Job, error) {
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	copied := *job
	return &copied, nil
}

func (s *fakeStore) MarkEnqueueFailed(ctx context.Context, jobID string) error {
	s.enqueueFails = append(s.enqueueFails, jobID)
	if job, ok := s.jobs[jobID]; ok {
		job.State = domain.JobStateFailed
	}
	return nil
}

func (s *fakeStore) ListJobsByOwner(ctx context.Context, filter storage.JobFilter) ([]model.Job, error) {
	var result []model.Job
	for _, job := range s.jobs {
		if job.OwnerID == filter.OwnerID {
			result = append(result, *job)
		}
	}
	return result, nil
}

type fakeBlobStore struct {
	objects  map[string][]byte
	putErr   error
	getErr   error
	putCalls int
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{objects: make(map[string][]byte)}
}

func (b *fakeBlobStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	b.putCalls++
	if b.putErr != nil {
		return b.putErr
	}
	b.objects[key] = data
	return nil
}

func (b *fakeBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	if b.getErr != nil {
		return nil, b.getErr
	}
	data, ok := b.objects[key]
	if !ok {
		return nil, errors.New("no such key")
	}
	return data, nil
}

type fakePublisher struct {
	err      error
	messages [][]byte
}

func (p *fakePublisher) PublishWithRetry(ctx context.Context, body []byte, contentType string) error {
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, body)
	return nil
}

func newTestService(store *fakeStore, blobs *fakeBlobStore, pub *fakePublisher) *Service {
	return NewService(&Config{
		Logger:       slog.New(slog.DiscardHandler),
		Store:        store,
		Blobs:        blobs,
		Publisher:    pub,
		MaxBytes:     1024,
		AllowedTypes: []string{"image/jpeg", "image/png"},
	})
}

func TestSubmit_Success(t *testing.T) {
	store := newFakeStoreAPI()
	blobs := newFakeBlobStore()
	pub := &fakePublisher{}
	svc := newTestService(store, blobs, pub)

	jobID, err := svc.Submit(context.Background(), "user-1", bytes.NewReader([]byte("png bytes")), "image/png", "gray")
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	job := store.jobs[jobID]
	require.NotNil(t, job)
	assert.Equal(t, domain.JobStatePending, job.State)
	assert.Equal(t, "user-1", job.OwnerID)
	assert.Equal(t, "gray", job.Transformation)
	assert.Equal(t, "original/"+jobID, job.OriginalKey)
	assert.Zero(t, job.AttemptCount)

	// Original blob is durable before the row exists.
	assert.Equal(t, []byte("png bytes"), blobs.objects[job.OriginalKey])

	require.Len(t, pub.messages, 1)
	assert.Contains(t, string(pub.messages[0]), jobID)
}

func TestSubmit_ValidationRejections(t *testing.T) {
	tests := []struct {
		name           string
		contentType    string
		transformation string
		body           string
	}{
		{
			name:           "disallowed content type",
			contentType:    "application/pdf",
			transformation: "gray",
			body:           "data",
		},
		{
			name:           "unknown transformation",
			contentType:    "image/png",
			transformation: "sepia",
			body:           "data",
		},
		{
			name:           "empty payload",
			contentType:    "image/png",
			transformation: "gray",
			body:           "",
		},
		{
			name:           "oversize payload",
			contentType:    "image/png",
			transformation: "gray",
			body:           strings.Repeat("x", 1025),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStoreAPI()
			blobs := newFakeBlobStore()
			pub := &fakePublisher{}
			svc := newTestService(store, blobs, pub)

			_, err := svc.Submit(context.Background(), "user-1", strings.NewReader(tt.body), tt.contentType, tt.transformation)
			require.ErrorIs(t, err, domain.ErrInvalidInput)

			// Rejected before any side effect.
			assert.Zero(t, blobs.putCalls)
			assert.Zero(t, store.createCalls)
			assert.Empty(t, pub.messages)
		})
	}
}

func TestSubmit_BlobStoreUnavailable(t *testing.T) {
	store := newFakeStoreAPI()
	blobs := newFakeBlobStore()
	blobs.putErr = errors.New("connection refused")
	pub := &fakePublisher{}
	svc := newTestService(store, blobs, pub)

	_, err := svc.Submit(context.Background(), "user-1", strings.NewReader("data"), "image/png", "gray")
	require.ErrorIs(t, err, domain.ErrStorageUnavailable)

	// Fail fast: no job row, no queue message.
	assert.Zero(t, store.createCalls)
	assert.Empty(t, pub.messages)
}

func TestSubmit_EnqueueFailureFailsJob(t *testing.T) {
	store := newFakeStoreAPI()
	blobs := newFakeBlobStore()
	pub := &fakePublisher{err: errors.New("broker down")}
	svc := newTestService(store, blobs, pub)

	_, err := svc.Submit(context.Background(), "user-1", strings.NewReader("data"), "image/png", "gray")
	require.Error(t, err)

	require.Len(t, store.enqueueFails, 1)
	job := store.jobs[store.enqueueFails[0]]
	require.NotNil(t, job)
	assert.Equal(t, domain.JobStateFailed, job.State)
}

func TestStatus_OwnerCheck(t *testing.T) {
	store := newFakeStoreAPI()
	store.jobs["job-1"] = &model.Job{JobID: "job-1", OwnerID: "user-1", State: domain.JobStatePending}
	svc := newTestService(store, newFakeBlobStore(), &fakePublisher{})

	job, err := svc.Status(context.Background(), "user-1", "job-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", job.JobID)

	_, err = svc.Status(context.Background(), "user-2", "job-1")
	require.ErrorIs(t, err, domain.ErrForbidden)

	_, err = svc.Status(context.Background(), "user-1", "no-such-job")
	require.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestDownload(t *testing.T) {
	derivedKey := "derived/job-1/attempt-1"
	store := newFakeStoreAPI()
	blobs := newFakeBlobStore()
	blobs.objects[derivedKey] = []byte("derived bytes")
	svc := newTestService(store, blobs, &fakePublisher{})

	store.jobs["job-1"] = &model.Job{
		JobID: "job-1", OwnerID: "user-1", State: domain.JobStatePending, ContentType: "image/png",
	}

	// Not yet settled.
	_, _, err := svc.Download(context.Background(), "user-1", "job-1")
	require.ErrorIs(t, err, domain.ErrJobNotReady)

	// Failed jobs never become downloadable.
	store.jobs["job-1"].State = domain.JobStateFailed
	_, _, err = svc.Download(context.Background(), "user-1", "job-1")
	require.ErrorIs(t, err, domain.ErrJobNotReady)

	store.jobs["job-1"].State = domain.JobStateDone
	store.jobs["job-1"].DerivedKey = &derivedKey

	data, contentType, err := svc.Download(context.Background(), "user-1", "job-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("derived bytes"), data)
	assert.Equal(t, "image/png", contentType)

	// Ownership applies to downloads too.
	_, _, err = svc.Download(context.Background(), "user-2", "job-1")
	require.ErrorIs(t, err, domain.ErrForbidden)
}
