package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lamngt/imageflow/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "image-api-service",
		})
	})

	imageHandler := handler.NewImageHandler(deps)

	// API v1 routes; every image route requires an authenticated principal
	v1 := r.Group("/api/v1")
	v1.Use(PrincipalMiddleware())
	{
		images := v1.Group("/images")
		{
			// POST /api/v1/images - Submit an image for processing
			images.POST("", imageHandler.Upload)

			// GET /api/v1/images - List the caller's jobs
			images.GET("", imageHandler.History)

			// GET /api/v1/images/:job_id - Get job status
			images.GET("/:job_id", imageHandler.GetStatus)

			// GET /api/v1/images/:job_id/download - Fetch the derived image
			images.GET("/:job_id/download", imageHandler.Download)
		}
	}

	return r
}
