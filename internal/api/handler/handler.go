package handler

import (
	"log/slog"

	"github.com/lamngt/imageflow/internal/api/service"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger *slog.Logger
	Ingest *service.Service
}

// ImageHandler handles image ingestion HTTP requests
type ImageHandler struct {
	logger *slog.Logger
	ingest *service.Service
}

// NewImageHandler creates a new ImageHandler instance
func NewImageHandler(deps *Dependencies) *ImageHandler {
	return &ImageHandler{
		logger: deps.Logger,
		ingest: deps.Ingest,
	}
}
