package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/image-pipeline/internal/domain"
	"github.com/cuongbtq/image-pipeline/internal/gateway"
	"github.com/cuongbtq/image-pipeline/internal/queue"
	"github.com/cuongbtq/image-pipeline/internal/webhook"
	"github.com/cuongbtq/image-pipeline/shared/reporting"
)

// TaskSource is the consumer side of the job queue
type TaskSource interface {
	Dequeue(ctx context.Context) (*queue.Delivery, error)
	Complete(ctx context.Context, d *queue.Delivery, result queue.Result) error
	Fail(ctx context.Context, d *queue.Delivery, cause error) error
	Discard(ctx context.Context, d *queue.Delivery, reason string) error
}

// RecordStore is the record access a worker needs
type RecordStore interface {
	GetByJobID(ctx context.Context, jobID string) (*domain.JobRecord, error)
	MarkCompleted(ctx context.Context, jobID, assetURL, assetID string) error
	MarkFailed(ctx context.Context, jobID, message string) error
}

// Uploader stores image bytes and removes objects nothing references
type Uploader interface {
	Upload(ctx context.Context, in gateway.UploadInput) (*gateway.UploadResult, error)
	Delete(ctx context.Context, assetID string, creds *domain.TenantCredentials) error
}

// Notifier delivers webhooks without blocking
type Notifier interface {
	Notify(url string, payload webhook.Payload)
}

// Config holds worker configuration
type Config struct {
	Logger      *slog.Logger
	Queue       TaskSource
	Records     RecordStore
	Uploader    Uploader
	Notifier    Notifier
	Reporter    reporting.Reporter
	WorkerID    string
	Concurrency int
	JobTimeout  time.Duration
	// DequeueBackoff is the pause after a failed Dequeue
	DequeueBackoff time.Duration
}

// Worker pulls upload tasks from the queue and executes them on a pool of goroutines
type Worker struct {
	logger         *slog.Logger
	queue          TaskSource
	records        RecordStore
	uploader       Uploader
	notifier       Notifier
	reporter       reporting.Reporter
	workerID       string
	concurrency    int
	jobTimeout     time.Duration
	dequeueBackoff time.Duration

	jobsChan chan *queue.Delivery
	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	jobTimeout := cfg.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = 2 * time.Minute
	}
	backoff := cfg.DequeueBackoff
	if backoff <= 0 {
		backoff = time.Second
	}
	reporter := cfg.Reporter
	if reporter == nil {
		reporter = reporting.Nop{}
	}

	return &Worker{
		logger:         cfg.Logger,
		queue:          cfg.Queue,
		records:        cfg.Records,
		uploader:       cfg.Uploader,
		notifier:       cfg.Notifier,
		reporter:       reporter,
		workerID:       cfg.WorkerID,
		concurrency:    concurrency,
		jobTimeout:     jobTimeout,
		dequeueBackoff: backoff,
		jobsChan:       make(chan *queue.Delivery),
		stopChan:       make(chan struct{}),
	}
}

// Start consumes tasks until ctx is canceled, Stop is called or the queue closes.
// Tasks already handed to the pool are finished before Start returns.
// A queue that stops delivering on its own is reported as an error wrapping queue.ErrClosed.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
	)

	dispatchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stopChan:
			cancel()
		case <-dispatchCtx.Done():
		}
	}()

	// in-flight uploads outlive the dispatch context; JobTimeout bounds them
	w.spawnWorkerPool(context.WithoutCancel(ctx))

	err := w.startMessageDispatcher(dispatchCtx)

	close(w.jobsChan)
	w.wg.Wait()

	if err != nil {
		w.logger.Error("Worker stopped unexpectedly",
			slog.String("worker_id", w.workerID),
			slog.Any("error", err),
		)
		return fmt.Errorf("worker %s: %w", w.workerID, err)
	}

	w.logger.Info("Worker stopped", slog.String("worker_id", w.workerID))
	return nil
}

// Stop asks Start to stop dispatching and return
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.logger.Info("Stopping worker...")
		close(w.stopChan)
	})
}
