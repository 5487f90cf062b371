// Package submission accepts image uploads, persists their records and queues them
// for asynchronous upload. It also serves record management and status queries.
package submission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/image-pipeline/internal/domain"
	"github.com/cuongbtq/image-pipeline/internal/queue"
	"github.com/cuongbtq/image-pipeline/internal/storage"
)

const (
	// DefaultPageLimit applies when List is called without a limit
	DefaultPageLimit = 10
	// MaxPageLimit caps the page size of List
	MaxPageLimit = 100

	assetDeleteTimeout = 10 * time.Second
)

// RecordStore is the persistence the service needs
type RecordStore interface {
	CreateIfAbsent(ctx context.Context, rec *domain.JobRecord) (*domain.JobRecord, bool, error)
	GetByID(ctx context.Context, id string) (*domain.JobRecord, error)
	GetByJobID(ctx context.Context, jobID string) (*domain.JobRecord, error)
	List(ctx context.Context, filter storage.ListFilter) ([]domain.JobRecord, error)
	Count(ctx context.Context, filter storage.ListFilter) (int, error)
	UpdateDetails(ctx context.Context, id string, update storage.Update) (*domain.JobRecord, error)
	Delete(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, jobID, message string) error
}

// TaskQueue accepts upload tasks
type TaskQueue interface {
	Enqueue(ctx context.Context, taskID string, payload queue.Payload) (string, error)
}

// AssetStore manages stored assets
type AssetStore interface {
	Delete(ctx context.Context, assetID string, creds *domain.TenantCredentials) error
	BuildURL(assetID string, opts domain.TransformOptions) string
}

// StatusReader reconciles job status
type StatusReader interface {
	GetStatus(ctx context.Context, jobID string) (*domain.StatusView, error)
}

// Config holds ingest limits
type Config struct {
	MaxBatchSize     int
	AllowedMimeTypes []string
}

// Submission is a single image to ingest
type Submission struct {
	File     []byte
	Filename string
	MimeType string
	// Name is the display name; the filename is used when empty
	Name        string
	Tags        []string
	WebhookURL  string
	Credentials *domain.TenantCredentials
	// JobID is an optional idempotency key
	JobID string
}

// File is one member of a batch
type File struct {
	Data     []byte
	Filename string
	MimeType string
}

// Batch is a multi-file submission sharing webhook and credentials
type Batch struct {
	Files       []File
	Names       []string
	Tags        [][]string
	WebhookURL  string
	Credentials *domain.TenantCredentials
}

// Update is a partial record update. A nil Tags leaves tags unchanged;
// an empty non-nil Tags clears them.
type Update struct {
	Name *string
	Tags []string
}

// Filter selects records for List
type Filter struct {
	Status string
	Tag    string
	Page   int
	Limit  int
}

// Page is one page of List results
type Page struct {
	Records []domain.JobRecord `json:"data"`
	Total   int                `json:"total"`
	Page    int                `json:"page"`
	Limit   int                `json:"limit"`
}

// BatchError reports the items of a batch that could not be enqueued.
// IDs holds the job id of every item that succeeded and "" for failed ones.
type BatchError struct {
	IDs    []string
	Failed map[int]error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("%d of %d batch items failed to enqueue", len(e.Failed), len(e.IDs))
}

// Service implements the submission and record management operations
type Service struct {
	records RecordStore
	queue   TaskQueue
	assets  AssetStore
	status  StatusReader
	config  Config
	allowed map[string]struct{}
	logger  *slog.Logger
}

// NewService creates a submission service
func NewService(records RecordStore, q TaskQueue, assets AssetStore, status StatusReader, cfg Config, logger *slog.Logger) *Service {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 5
	}
	allowed := make(map[string]struct{}, len(cfg.AllowedMimeTypes))
	for _, m := range cfg.AllowedMimeTypes {
		allowed[strings.ToLower(m)] = struct{}{}
	}
	return &Service{
		records: records,
		queue:   q,
		assets:  assets,
		status:  status,
		config:  cfg,
		allowed: allowed,
		logger:  logger,
	}
}

// Enqueue validates and queues one image, returning its job id.
// Re-submitting an existing JobID is a no-op that returns the same id.
func (s *Service) Enqueue(ctx context.Context, sub Submission) (string, error) {
	if err := s.validate(sub); err != nil {
		return "", err
	}
	return s.submit(ctx, sub)
}

// EnqueueBatch validates every item before queueing any of them.
// Enqueue failures of individual items are returned as a *BatchError.
func (s *Service) EnqueueBatch(ctx context.Context, batch Batch) ([]string, error) {
	n := len(batch.Files)
	if n == 0 {
		return nil, domain.NewValidationError("files", "at least one file is required")
	}
	if n > s.config.MaxBatchSize {
		return nil, domain.NewValidationError("files", "at most %d files per batch, got %d", s.config.MaxBatchSize, n)
	}
	if len(batch.Names) > 0 && len(batch.Names) != n {
		return nil, domain.NewValidationError("names", "expected %d names, got %d", n, len(batch.Names))
	}
	if len(batch.Tags) > 0 && len(batch.Tags) != n {
		return nil, domain.NewValidationError("tags", "expected %d tag lists, got %d", n, len(batch.Tags))
	}

	subs := make([]Submission, n)
	for i, f := range batch.Files {
		sub := Submission{
			File:        f.Data,
			Filename:    f.Filename,
			MimeType:    f.MimeType,
			Name:        fmt.Sprintf("IMG-%d", i+1),
			WebhookURL:  batch.WebhookURL,
			Credentials: batch.Credentials,
		}
		if len(batch.Names) > 0 && batch.Names[i] != "" {
			sub.Name = batch.Names[i]
		}
		if len(batch.Tags) > 0 {
			sub.Tags = batch.Tags[i]
		}

		if err := s.validate(sub); err != nil {
			var vErr *domain.ValidationError
			if errors.As(err, &vErr) {
				return nil, domain.NewValidationError(fmt.Sprintf("files[%d].%s", i, vErr.Field), "%s", vErr.Message)
			}
			return nil, err
		}
		subs[i] = sub
	}

	ids := make([]string, n)
	failed := make(map[int]error)
	for i, sub := range subs {
		id, err := s.submit(ctx, sub)
		if err != nil {
			s.logger.Error("Batch item failed to enqueue",
				slog.Int("index", i),
				slog.Any("error", err),
			)
			failed[i] = err
			continue
		}
		ids[i] = id
	}

	if len(failed) > 0 {
		return ids, &BatchError{IDs: ids, Failed: failed}
	}
	return ids, nil
}

func (s *Service) validate(sub Submission) error {
	if len(sub.File) == 0 {
		return domain.NewValidationError("file", "must not be empty")
	}
	if sub.MimeType == "" {
		return domain.NewValidationError("mime_type", "is required")
	}
	if len(s.allowed) > 0 {
		if _, ok := s.allowed[strings.ToLower(sub.MimeType)]; !ok {
			return domain.NewValidationError("mime_type", "%q is not an accepted image type", sub.MimeType)
		}
	}
	if sub.WebhookURL != "" {
		if err := validateWebhookURL(sub.WebhookURL); err != nil {
			return err
		}
	}
	if sub.Credentials != nil {
		if err := sub.Credentials.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func validateWebhookURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return domain.NewValidationError("webhook_url", "must be an absolute http(s) URL")
	}
	return nil
}

// submit creates the pending record and then queues its task.
// The record exists before any worker can observe the task.
func (s *Service) submit(ctx context.Context, sub Submission) (string, error) {
	jobID := sub.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}

	rec, created, err := s.records.CreateIfAbsent(ctx, &domain.JobRecord{
		JobID:        jobID,
		OriginalName: sub.Filename,
		DisplayName:  sub.Name,
		MimeType:     sub.MimeType,
		SizeBytes:    int64(len(sub.File)),
		Tags:         sub.Tags,
		WebhookURL:   sub.WebhookURL,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create record: %w", err)
	}
	if !created {
		s.logger.Info("Duplicate submission ignored",
			slog.String("job_id", jobID),
		)
		return rec.JobID, nil
	}

	_, err = s.queue.Enqueue(ctx, jobID, queue.Payload{
		File:        sub.File,
		Filename:    sub.Filename,
		MimeType:    sub.MimeType,
		WebhookURL:  sub.WebhookURL,
		Credentials: sub.Credentials,
	})
	if err != nil {
		if delErr := s.records.Delete(context.WithoutCancel(ctx), rec.ID); delErr != nil {
			s.logger.Error("Failed to remove record of unqueued job",
				slog.String("job_id", jobID),
				slog.Any("error", delErr),
			)
		}
		return "", fmt.Errorf("failed to enqueue job %s: %w", jobID, err)
	}

	s.logger.Info("Job submitted",
		slog.String("job_id", jobID),
		slog.String("filename", sub.Filename),
		slog.Int("size_bytes", len(sub.File)),
	)
	return jobID, nil
}

// Get returns a record by id. Job ids are accepted as well.
func (s *Service) Get(ctx context.Context, id string) (*domain.JobRecord, error) {
	rec, err := s.records.GetByID(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return s.records.GetByJobID(ctx, id)
	}
	return rec, err
}

// Update renames a record and/or replaces its tags
func (s *Service) Update(ctx context.Context, id string, upd Update) (*domain.JobRecord, error) {
	if upd.Name != nil && strings.TrimSpace(*upd.Name) == "" {
		return nil, domain.NewValidationError("name", "must not be empty")
	}

	rec, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	return s.records.UpdateDetails(ctx, rec.ID, storage.Update{
		DisplayName: upd.Name,
		Tags:        upd.Tags,
		ReplaceTags: upd.Tags != nil,
	})
}

// Delete removes a record. The stored asset is deleted on a best-effort basis.
func (s *Service) Delete(ctx context.Context, id string, creds *domain.TenantCredentials) error {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	if rec.AssetID != "" {
		delCtx, cancel := context.WithTimeout(ctx, assetDeleteTimeout)
		err := s.assets.Delete(delCtx, rec.AssetID, creds)
		cancel()
		if err != nil {
			s.logger.Warn("Failed to delete stored asset",
				slog.String("id", rec.ID),
				slog.String("asset_id", rec.AssetID),
				slog.Any("error", err),
			)
		}
	}

	return s.records.Delete(ctx, rec.ID)
}

// Cancel fails a pending job before a worker picks it up
func (s *Service) Cancel(ctx context.Context, id string) (*domain.JobRecord, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := s.records.MarkFailed(ctx, rec.JobID, domain.CancelledMessage); err != nil {
		return nil, err
	}

	s.logger.Info("Job cancelled", slog.String("job_id", rec.JobID))
	return s.records.GetByID(ctx, rec.ID)
}

// List returns one page of records matching filter
func (s *Service) List(ctx context.Context, filter Filter) (*Page, error) {
	if filter.Status != "" && !domain.Status(filter.Status).IsValid() {
		return nil, domain.NewValidationError("status", "unknown status %q", filter.Status)
	}
	if filter.Page <= 0 {
		filter.Page = 1
	}
	if filter.Limit <= 0 {
		filter.Limit = DefaultPageLimit
	}
	if filter.Limit > MaxPageLimit {
		filter.Limit = MaxPageLimit
	}

	sf := storage.ListFilter{
		Status: domain.Status(filter.Status),
		Tag:    filter.Tag,
		Offset: (filter.Page - 1) * filter.Limit,
		Limit:  filter.Limit,
	}

	records, err := s.records.List(ctx, sf)
	if err != nil {
		return nil, err
	}
	total, err := s.records.Count(ctx, sf)
	if err != nil {
		return nil, err
	}

	if records == nil {
		records = []domain.JobRecord{}
	}
	return &Page{Records: records, Total: total, Page: filter.Page, Limit: filter.Limit}, nil
}

// GetAssetURL returns the delivery URL of a completed record's asset
func (s *Service) GetAssetURL(ctx context.Context, id string, opts domain.TransformOptions) (string, error) {
	if err := opts.Validate(); err != nil {
		return "", err
	}

	rec, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if rec.Status != domain.StatusCompleted || rec.AssetID == "" {
		return "", domain.ErrNotProcessed
	}

	return s.assets.BuildURL(rec.AssetID, opts), nil
}

// GetStatus returns the reconciled status of a job
func (s *Service) GetStatus(ctx context.Context, jobID string) (*domain.StatusView, error) {
	return s.status.GetStatus(ctx, jobID)
}
