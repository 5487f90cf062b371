package handler

import (
	"context"
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/image-pipeline/internal/domain"
	"github.com/cuongbtq/image-pipeline/internal/submission"
)

// CredentialsKey is the gin context key holding the caller's *domain.TenantCredentials
const CredentialsKey = "tenant_credentials"

// ImageService is the submission surface the handlers call
type ImageService interface {
	Enqueue(ctx context.Context, sub submission.Submission) (string, error)
	EnqueueBatch(ctx context.Context, batch submission.Batch) ([]string, error)
	Get(ctx context.Context, id string) (*domain.JobRecord, error)
	Update(ctx context.Context, id string, upd submission.Update) (*domain.JobRecord, error)
	Delete(ctx context.Context, id string, creds *domain.TenantCredentials) error
	Cancel(ctx context.Context, id string) (*domain.JobRecord, error)
	List(ctx context.Context, filter submission.Filter) (*submission.Page, error)
	GetAssetURL(ctx context.Context, id string, opts domain.TransformOptions) (string, error)
	GetStatus(ctx context.Context, jobID string) (*domain.StatusView, error)
}

// HealthCheck reports whether one backing dependency is usable
type HealthCheck func(ctx context.Context) error

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger  *slog.Logger
	Service ImageService
	// HealthChecks are run by /health, keyed by component name
	HealthChecks map[string]HealthCheck
	// Tenants maps API keys to storage credentials. Empty disables key checks.
	Tenants map[string]domain.TenantCredentials
	// MaxUploadBytes bounds a request body; 0 means unlimited
	MaxUploadBytes int64
}

// ImageHandler handles image upload and management requests
type ImageHandler struct {
	logger  *slog.Logger
	service ImageService
}

// NewImageHandler creates a new ImageHandler instance
func NewImageHandler(deps *Dependencies) *ImageHandler {
	return &ImageHandler{
		logger:  deps.Logger,
		service: deps.Service,
	}
}

// credentials returns the tenant credentials resolved by the API key middleware, if any
func credentials(c *gin.Context) *domain.TenantCredentials {
	v, ok := c.Get(CredentialsKey)
	if !ok {
		return nil
	}
	creds, _ := v.(*domain.TenantCredentials)
	return creds
}
