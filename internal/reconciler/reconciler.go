// Package reconciler answers job status queries from the record store and the queue.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/image-pipeline/internal/domain"
	"github.com/cuongbtq/image-pipeline/internal/queue"
)

// RecordReader looks up records by job id
type RecordReader interface {
	GetByJobID(ctx context.Context, jobID string) (*domain.JobRecord, error)
}

// TaskReader exposes the queue's transient task state
type TaskReader interface {
	GetState(ctx context.Context, taskID string) (queue.State, error)
	GetResult(ctx context.Context, taskID string) (*queue.Result, error)
}

// Reconciler combines the durable record with transient queue state.
// A terminal record is authoritative; otherwise the queue describes progress.
type Reconciler struct {
	records RecordReader
	tasks   TaskReader
	logger  *slog.Logger
}

// New creates a reconciler
func New(records RecordReader, tasks TaskReader, logger *slog.Logger) *Reconciler {
	return &Reconciler{records: records, tasks: tasks, logger: logger}
}

// GetStatus returns the reconciled status of jobID
func (r *Reconciler) GetStatus(ctx context.Context, jobID string) (*domain.StatusView, error) {
	rec, err := r.records.GetByJobID(ctx, jobID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("failed to load record: %w", err)
	}

	if rec != nil && rec.Status.IsTerminal() {
		return fromRecord(rec), nil
	}

	state, err := r.tasks.GetState(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load task state: %w", err)
	}

	view := &domain.StatusView{ID: jobID}
	switch state {
	case queue.StateCompleted, queue.StateFailed:
		res, err := r.tasks.GetResult(ctx, jobID)
		if err != nil {
			return nil, fmt.Errorf("failed to load task result: %w", err)
		}
		if state == queue.StateCompleted {
			view.Status = domain.ViewCompleted
			view.Result = &domain.AssetResult{URL: res.URL, AssetID: res.AssetID}
		} else {
			view.Status = domain.ViewFailed
			view.Error = res.Error
		}

	case queue.StateWaiting, queue.StateActive, queue.StateDelayed:
		view.Status = domain.ViewProcessing

	default:
		if rec == nil {
			return nil, domain.ErrNotFound
		}
		// pending record whose task is not (or no longer) tracked
		view.Status = domain.ViewPending
	}

	if rec != nil {
		r.logger.Debug("Status reconciled from queue",
			slog.String("job_id", jobID),
			slog.String("queue_state", string(state)),
			slog.String("status", view.Status),
		)
	}
	return view, nil
}

func fromRecord(rec *domain.JobRecord) *domain.StatusView {
	view := &domain.StatusView{ID: rec.JobID, Status: string(rec.Status)}
	if rec.Status == domain.StatusCompleted {
		view.Result = &domain.AssetResult{URL: rec.AssetURL, AssetID: rec.AssetID}
	} else {
		view.Error = rec.ErrorMessage
	}
	return view
}
