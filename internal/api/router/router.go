package router

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/image-pipeline/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", healthHandler(deps.HealthChecks))

	imageHandler := handler.NewImageHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	v1.Use(APIKeyMiddleware(deps.Tenants))
	{
		upload := v1.Group("/upload")
		upload.Use(BodyLimitMiddleware(deps.MaxUploadBytes))
		{
			// POST /api/v1/upload - Queue one image
			upload.POST("", imageHandler.Upload)

			// POST /api/v1/upload/batch - Queue several images
			upload.POST("/batch", imageHandler.UploadBatch)
		}

		// GET /api/v1/status/:id - Reconciled job status
		v1.GET("/status/:id", imageHandler.GetStatus)

		images := v1.Group("/images")
		{
			images.GET("", imageHandler.ListImages)
			images.GET("/:id", imageHandler.GetImage)
			images.PATCH("/:id", imageHandler.UpdateImage)
			images.DELETE("/:id", imageHandler.DeleteImage)

			// POST /api/v1/images/:id/cancel - Cancel a job that has not finished
			images.POST("/:id/cancel", imageHandler.CancelImage)

			// GET /api/v1/images/:id/url - Delivery URL with transformations
			images.GET("/:id/url", imageHandler.GetImageURL)
		}
	}

	return r
}

const healthCheckTimeout = 2 * time.Second

func healthHandler(checks map[string]handler.HealthCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
		defer cancel()

		code, status := http.StatusOK, "healthy"
		components := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				components[name] = err.Error()
				code, status = http.StatusServiceUnavailable, "unhealthy"
				continue
			}
			components[name] = "ok"
		}

		c.JSON(code, gin.H{
			"status":     status,
			"service":    "image-api-service",
			"components": components,
		})
	}
}
