package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lamngt/imageflow/internal/api/domain"
	"github.com/lamngt/imageflow/internal/api/dto"
	"github.com/lamngt/imageflow/internal/api/model"
	"github.com/lamngt/imageflow/internal/api/storage"
)

// Upload handles POST /api/v1/images
// Accepts a multipart image upload and submits it for asynchronous processing.
func (h *ImageHandler) Upload(c *gin.Context) {
	principal := Principal(c)

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "file is required",
		})
		return
	}

	transformation := c.PostForm("transformation")

	file, err := fileHeader.Open()
	if err != nil {
		h.logger.Error("Failed to open uploaded file", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "failed to read file",
		})
		return
	}
	defer file.Close()

	contentType := fileHeader.Header.Get("Content-Type")

	jobID, err := h.ingest.Submit(c.Request.Context(), principal, file, contentType, transformation)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidInput):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, domain.ErrStorageUnavailable):
			h.logger.Error("Object store unavailable", slog.String("error", err.Error()))
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable"})
		default:
			h.logger.Error("Failed to submit job", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to submit job"})
		}
		return
	}

	c.JSON(http.StatusAccepted, dto.SubmitResponse{
		JobID: jobID,
		State: domain.JobStatePending,
	})
}

// GetStatus handles GET /api/v1/images/:job_id
// Returns the current job snapshot from the metadata store.
func (h *ImageHandler) GetStatus(c *gin.Context) {
	jobID := c.Param("job_id")
	principal := Principal(c)

	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	job, err := h.ingest.Status(c.Request.Context(), principal, jobID)
	if err != nil {
		h.respondJobError(c, jobID, err)
		return
	}

	c.JSON(http.StatusOK, statusResponse(job))
}

// History handles GET /api/v1/images
// Lists the principal's jobs with optional state filter and cursor pagination.
func (h *ImageHandler) History(c *gin.Context) {
	principal := Principal(c)

	var req dto.HistoryRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid cursor",
		})
		return
	}

	filter := storage.JobFilter{
		OwnerID:  principal,
		State:    req.State,
		PageSize: req.PageSize,
		Cursor:   cursor,
	}

	jobs, err := h.ingest.History(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list jobs"})
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	jobResponse := make([]dto.JobDTO, len(jobs))
	for i, job := range jobs {
		jobResponse[i] = dto.JobDTO{
			JobID:          job.JobID,
			Transformation: job.Transformation,
			State:          job.State,
			DerivedKey:     job.DerivedKey,
			LastError:      job.LastError,
			CreatedAt:      job.CreatedAt.Format(time.RFC3339),
			UpdatedAt:      job.UpdatedAt.Format(time.RFC3339),
		}
	}

	var nextCursor string
	if hasMore {
		lastJob := jobs[len(jobs)-1]
		nextCursor, err = EncodeJobCursor(&storage.JobCursor{
			CreatedAt: lastJob.CreatedAt,
			JobID:     lastJob.JobID,
		})
		if err != nil {
			h.logger.Error("Failed to encode next cursor", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to encode next cursor"})
			return
		}
	}

	c.JSON(http.StatusOK, dto.HistoryResponse{
		Jobs:       jobResponse,
		NextCursor: nextCursor,
	})
}

// Download handles GET /api/v1/images/:job_id/download
// Streams the derived blob once the job is DONE.
func (h *ImageHandler) Download(c *gin.Context) {
	jobID := c.Param("job_id")
	principal := Principal(c)

	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	data, contentType, err := h.ingest.Download(c.Request.Context(), principal, jobID)
	if err != nil {
		h.respondJobError(c, jobID, err)
		return
	}

	c.Data(http.StatusOK, contentType, data)
}

func (h *ImageHandler) respondJobError(c *gin.Context, jobID string, err error) {
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
	case errors.Is(err, domain.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "you do not have access to this job"})
	case errors.Is(err, domain.ErrJobNotReady):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrStorageUnavailable):
		h.logger.Error("Object store unavailable",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable"})
	default:
		h.logger.Error("Failed to read job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read job"})
	}
}

func statusResponse(job *model.Job) dto.StatusResponse {
	return dto.StatusResponse{
		JobID:        job.JobID,
		State:        job.State,
		DerivedKey:   job.DerivedKey,
		LastError:    job.LastError,
		AttemptCount: job.AttemptCount,
		CreatedAt:    job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    job.UpdatedAt.Format(time.RFC3339),
	}
}
