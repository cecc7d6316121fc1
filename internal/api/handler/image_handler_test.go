package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"sort"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lamngt/imageflow/internal/api/domain"
	"github.com/lamngt/imageflow/internal/api/dto"
	"github.com/lamngt/imageflow/internal/api/handler"
	"github.com/lamngt/imageflow/internal/api/model"
	"github.com/lamngt/imageflow/internal/api/router"
	"github.com/lamngt/imageflow/internal/api/service"
	"github.com/lamngt/imageflow/internal/api/storage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeStore struct {
	jobs      map[string]*model.Job
	createErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: make(map[string]*model.Job)}
}

func (s *fakeStore) CreateJob(ctx context.Context, job *model.Job) error {
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
	if job, ok := s.jobs[jobID]; ok {
		job.State = domain.JobStateFailed
	}
	return nil
}

func (s *fakeStore) ListJobsByOwner(ctx context.Context, filter storage.JobFilter) ([]model.Job, error) {
	var result []model.Job
	for _, job := range s.jobs {
		if job.OwnerID != filter.OwnerID {
			continue
		}
		if filter.State != "" && job.State != filter.State {
			continue
		}
		result = append(result, *job)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > filter.PageSize+1 {
		result = result[:filter.PageSize+1]
	}
	return result, nil
}

type fakeBlobStore struct {
	objects map[string][]byte
	putErr  error
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{objects: make(map[string][]byte)}
}

func (b *fakeBlobStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if b.putErr != nil {
		return b.putErr
	}
	b.objects[key] = data
	return nil
}

func (b *fakeBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
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

type testAPI struct {
	engine *gin.Engine
	store  *fakeStore
	blobs  *fakeBlobStore
	pub    *fakePublisher
}

func newTestAPI() *testAPI {
	store := newFakeStore()
	blobs := newFakeBlobStore()
	pub := &fakePublisher{}

	logger := slog.New(slog.DiscardHandler)
	ingest := service.NewService(&service.Config{
		Logger:       logger,
		Store:        store,
		Blobs:        blobs,
		Publisher:    pub,
		MaxBytes:     1024,
		AllowedTypes: []string{"image/jpeg", "image/png"},
	})

	engine := router.SetupRouter(&handler.Dependencies{
		Logger: logger,
		Ingest: ingest,
	})

	return &testAPI{engine: engine, store: store, blobs: blobs, pub: pub}
}

func (a *testAPI) seedJob(job *model.Job) {
	copied := *job
	a.store.jobs[job.JobID] = &copied
}

func multipartUpload(t *testing.T, contentType, transformation string, data []byte) (*bytes.Buffer, string) {
	t.Helper()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", `form-data; name="file"; filename="test.png"`)
	header.Set("Content-Type", contentType)
	part, err := writer.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)

	require.NoError(t, writer.WriteField("transformation", transformation))
	require.NoError(t, writer.Close())

	return &buf, writer.FormDataContentType()
}

func doRequest(api *testAPI, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	api.engine.ServeHTTP(rec, req)
	return rec
}

func TestUpload(t *testing.T) {
	api := newTestAPI()

	body, contentType := multipartUpload(t, "image/png", "gray", []byte("png bytes"))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/images", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Principal-ID", "user-1")

	rec := doRequest(api, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp dto.SubmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.JobID)
	assert.Equal(t, domain.JobStatePending, resp.State)

	job := api.store.jobs[resp.JobID]
	require.NotNil(t, job)
	assert.Equal(t, "user-1", job.OwnerID)
	assert.Len(t, api.pub.messages, 1)
}

func TestUpload_RequiresPrincipal(t *testing.T) {
	api := newTestAPI()

	body, contentType := multipartUpload(t, "image/png", "gray", []byte("png bytes"))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/images", body)
	req.Header.Set("Content-Type", contentType)

	rec := doRequest(api, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUpload_MissingFile(t *testing.T) {
	api := newTestAPI()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	require.NoError(t, writer.WriteField("transformation", "gray"))
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/images", &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("X-Principal-ID", "user-1")

	rec := doRequest(api, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpload_ValidationErrors(t *testing.T) {
	tests := []struct {
		name           string
		contentType    string
		transformation string
	}{
		{
			name:           "disallowed content type",
			contentType:    "application/pdf",
			transformation: "gray",
		},
		{
			name:           "unknown transformation",
			contentType:    "image/png",
			transformation: "sepia",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newTestAPI()

			body, contentType := multipartUpload(t, tt.contentType, tt.transformation, []byte("data"))
			req := httptest.NewRequest(http.MethodPost, "/api/v1/images", body)
			req.Header.Set("Content-Type", contentType)
			req.Header.Set("X-Principal-ID", "user-1")

			rec := doRequest(api, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Empty(t, api.store.jobs)
		})
	}
}

func TestUpload_StorageUnavailable(t *testing.T) {
	api := newTestAPI()
	api.blobs.putErr = errors.New("connection refused")

	body, contentType := multipartUpload(t, "image/png", "gray", []byte("data"))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/images", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Principal-ID", "user-1")

	rec := doRequest(api, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Empty(t, api.store.jobs)
}

const testJobID = "8ad77a8a-4a26-4c5a-8d9c-1f2e3d4c5b6a"

func TestGetStatus(t *testing.T) {
	api := newTestAPI()
	api.seedJob(&model.Job{
		JobID:        testJobID,
		OwnerID:      "user-1",
		State:        domain.JobStateProcessing,
		AttemptCount: 1,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/images/"+testJobID, nil)
	req.Header.Set("X-Principal-ID", "user-1")

	rec := doRequest(api, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp dto.StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, testJobID, resp.JobID)
	assert.Equal(t, domain.JobStateProcessing, resp.State)
	assert.Equal(t, 1, resp.AttemptCount)
	assert.Nil(t, resp.DerivedKey)
}

func TestGetStatus_Errors(t *testing.T) {
	api := newTestAPI()
	api.seedJob(&model.Job{JobID: testJobID, OwnerID: "user-1", State: domain.JobStatePending})

	tests := []struct {
		name      string
		jobID     string
		principal string
		wantCode  int
	}{
		{
			name:      "not a uuid",
			jobID:     "not-a-uuid",
			principal: "user-1",
			wantCode:  http.StatusBadRequest,
		},
		{
			name:      "unknown job",
			jobID:     "00000000-0000-0000-0000-000000000000",
			principal: "user-1",
			wantCode:  http.StatusNotFound,
		},
		{
			name:      "foreign owner",
			jobID:     testJobID,
			principal: "user-2",
			wantCode:  http.StatusForbidden,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/images/"+tt.jobID, nil)
			req.Header.Set("X-Principal-ID", tt.principal)

			rec := doRequest(api, req)
			assert.Equal(t, tt.wantCode, rec.Code)
		})
	}
}

func TestDownload(t *testing.T) {
	derivedKey := "derived/" + testJobID + "/attempt-1"
	api := newTestAPI()
	api.blobs.objects[derivedKey] = []byte("derived bytes")
	api.seedJob(&model.Job{
		JobID:       testJobID,
		OwnerID:     "user-1",
		State:       domain.JobStateDone,
		ContentType: "image/png",
		DerivedKey:  &derivedKey,
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/images/"+testJobID+"/download", nil)
	req.Header.Set("X-Principal-ID", "user-1")

	rec := doRequest(api, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "derived bytes", rec.Body.String())
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
}

func TestDownload_NotReady(t *testing.T) {
	api := newTestAPI()
	api.seedJob(&model.Job{JobID: testJobID, OwnerID: "user-1", State: domain.JobStateProcessing})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/images/"+testJobID+"/download", nil)
	req.Header.Set("X-Principal-ID", "user-1")

	rec := doRequest(api, req)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHistory(t *testing.T) {
	api := newTestAPI()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	api.seedJob(&model.Job{JobID: "8ad77a8a-4a26-4c5a-8d9c-000000000001", OwnerID: "user-1",
		State: domain.JobStateDone, CreatedAt: base, UpdatedAt: base})
	api.seedJob(&model.Job{JobID: "8ad77a8a-4a26-4c5a-8d9c-000000000002", OwnerID: "user-1",
		State: domain.JobStatePending, CreatedAt: base.Add(time.Minute), UpdatedAt: base.Add(time.Minute)})
	api.seedJob(&model.Job{JobID: "8ad77a8a-4a26-4c5a-8d9c-000000000003", OwnerID: "user-2",
		State: domain.JobStatePending, CreatedAt: base, UpdatedAt: base})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/images", nil)
	req.Header.Set("X-Principal-ID", "user-1")

	rec := doRequest(api, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp dto.HistoryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Jobs, 2)
	assert.Equal(t, "8ad77a8a-4a26-4c5a-8d9c-000000000002", resp.Jobs[0].JobID)
	assert.Equal(t, "8ad77a8a-4a26-4c5a-8d9c-000000000001", resp.Jobs[1].JobID)
	assert.Empty(t, resp.NextCursor)
}

func TestHistory_StateFilter(t *testing.T) {
	api := newTestAPI()
	now := time.Now().UTC()
	api.seedJob(&model.Job{JobID: "8ad77a8a-4a26-4c5a-8d9c-000000000001", OwnerID: "user-1",
		State: domain.JobStateDone, CreatedAt: now, UpdatedAt: now})
	api.seedJob(&model.Job{JobID: "8ad77a8a-4a26-4c5a-8d9c-000000000002", OwnerID: "user-1",
		State: domain.JobStateFailed, CreatedAt: now, UpdatedAt: now})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/images?state=FAILED", nil)
	req.Header.Set("X-Principal-ID", "user-1")

	rec := doRequest(api, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp dto.HistoryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Jobs, 1)
	assert.Equal(t, domain.JobStateFailed, resp.Jobs[0].State)
}

func TestHistory_PaginationCursor(t *testing.T) {
	api := newTestAPI()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		ts := base.Add(time.Duration(i) * time.Minute)
		api.seedJob(&model.Job{
			JobID:     "8ad77a8a-4a26-4c5a-8d9c-00000000000" + string(rune('1'+i)),
			OwnerID:   "user-1",
			State:     domain.JobStatePending,
			CreatedAt: ts,
			UpdatedAt: ts,
		})
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/images?page_size=2", nil)
	req.Header.Set("X-Principal-ID", "user-1")

	rec := doRequest(api, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp dto.HistoryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Jobs, 2)
	assert.NotEmpty(t, resp.NextCursor)
}

func TestHistory_InvalidCursor(t *testing.T) {
	api := newTestAPI()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/images?cursor=%21%21garbage", nil)
	req.Header.Set("X-Principal-ID", "user-1")

	rec := doRequest(api, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth(t *testing.T) {
	api := newTestAPI()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := doRequest(api, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
