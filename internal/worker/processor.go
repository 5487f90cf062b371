package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/cuongbtq/image-pipeline/internal/domain"
	"github.com/cuongbtq/image-pipeline/internal/gateway"
	"github.com/cuongbtq/image-pipeline/internal/queue"
	"github.com/cuongbtq/image-pipeline/internal/webhook"
)

// processTask runs one delivery: upload, terminal record write, queue report, webhook
func (w *Worker) processTask(ctx context.Context, d *queue.Delivery) {
	jobID := d.Task.ID
	log := w.logger.With(
		slog.String("job_id", jobID),
		slog.Int("attempt", d.Attempt),
	)

	rec, err := w.records.GetByJobID(ctx, jobID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		log.Warn("No record for task, skipping")
		w.discard(ctx, d, "record not found")
		return

	case err != nil:
		log.Error("Failed to load record", slog.Any("error", err))
		w.fail(ctx, d, fmt.Errorf("failed to load record: %w", err))
		return

	case rec.Status.IsTerminal():
		log.Info("Record already terminal, skipping",
			slog.String("status", string(rec.Status)),
		)
		w.discard(ctx, d, "record already "+string(rec.Status))
		return
	}

	payload := d.Task.Payload
	jobCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	res, err := w.uploader.Upload(jobCtx, gateway.UploadInput{
		File:        payload.File,
		Filename:    payload.Filename,
		MimeType:    payload.MimeType,
		Credentials: payload.Credentials,
	})
	cancel()

	if err != nil {
		log.Error("Upload failed", slog.Any("error", err))
		if gateway.IsPermanent(err) {
			d.GiveUp()
		}
		w.fail(ctx, d, err)
		return
	}

	w.complete(ctx, d, res)
}

// complete writes the success onto the record, then reports it to the queue
func (w *Worker) complete(ctx context.Context, d *queue.Delivery, res *gateway.UploadResult) {
	jobID := d.Task.ID

	err := w.records.MarkCompleted(ctx, jobID, res.URL, res.AssetID)
	switch {
	case err == nil:
		w.logger.Info("Job completed",
			slog.String("job_id", jobID),
			slog.String("asset_id", res.AssetID),
		)

	case errors.Is(err, domain.ErrAlreadyTerminal), errors.Is(err, domain.ErrNotFound):
		// cancelled or deleted while uploading: nothing will reference the object
		w.logger.Warn("Record changed during upload, removing stored object",
			slog.String("job_id", jobID),
			slog.String("asset_id", res.AssetID),
			slog.Any("error", err),
		)
		w.removeOrphan(ctx, d, res.AssetID)
		w.discard(ctx, d, "record changed during upload")
		return

	default:
		// the queue keeps the result; the sweeper writes it back later
		w.logger.Error("Failed to record completed upload",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		w.reporter.CaptureError(err, map[string]string{"job_id": jobID, "stage": "record_completed"})
	}

	if qErr := w.queue.Complete(ctx, d, queue.Result{URL: res.URL, AssetID: res.AssetID}); qErr != nil {
		w.logger.Error("Failed to report completion to queue",
			slog.String("job_id", jobID),
			slog.Any("error", qErr),
		)
	}

	if err == nil {
		w.notify(d, webhook.Payload{
			ID:     jobID,
			Status: string(domain.StatusCompleted),
			Result: &webhook.Result{URL: res.URL},
		})
	}
}

// fail reports a failed attempt. Only the final attempt is written onto the record.
func (w *Worker) fail(ctx context.Context, d *queue.Delivery, cause error) {
	jobID := d.Task.ID

	if d.Final() {
		w.reporter.CaptureError(cause, map[string]string{
			"job_id":  jobID,
			"attempt": strconv.Itoa(d.Attempt),
		})

		err := w.records.MarkFailed(ctx, jobID, cause.Error())
		switch {
		case err == nil:
			w.notify(d, webhook.Payload{
				ID:     jobID,
				Status: string(domain.StatusFailed),
				Error:  cause.Error(),
			})
		case errors.Is(err, domain.ErrAlreadyTerminal), errors.Is(err, domain.ErrNotFound):
			w.logger.Warn("Record changed during upload, failure not recorded",
				slog.String("job_id", jobID),
				slog.Any("error", err),
			)
		default:
			w.logger.Error("Failed to record failed upload",
				slog.String("job_id", jobID),
				slog.Any("error", err),
			)
		}
	} else {
		w.logger.Info("Task will be retried",
			slog.String("job_id", jobID),
			slog.Int("attempt", d.Attempt),
		)
	}

	if qErr := w.queue.Fail(ctx, d, cause); qErr != nil {
		w.logger.Error("Failed to report failure to queue",
			slog.String("job_id", jobID),
			slog.Any("error", qErr),
		)
	}
}

// removeOrphan deletes an uploaded object whose record is gone or already terminal
func (w *Worker) removeOrphan(ctx context.Context, d *queue.Delivery, assetID string) {
	delCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	if err := w.uploader.Delete(delCtx, assetID, d.Task.Payload.Credentials); err != nil {
		w.logger.Error("Failed to remove orphaned object",
			slog.String("job_id", d.Task.ID),
			slog.String("asset_id", assetID),
			slog.Any("error", err),
		)
		w.reporter.CaptureError(err, map[string]string{"job_id": d.Task.ID, "stage": "remove_orphan"})
	}
}

func (w *Worker) discard(ctx context.Context, d *queue.Delivery, reason string) {
	if err := w.queue.Discard(ctx, d, reason); err != nil {
		w.logger.Error("Failed to discard task",
			slog.String("job_id", d.Task.ID),
			slog.Any("error", err),
		)
	}
}

func (w *Worker) notify(d *queue.Delivery, payload webhook.Payload) {
	if w.notifier == nil || d.Task.Payload.WebhookURL == "" {
		return
	}
	w.notifier.Notify(d.Task.Payload.WebhookURL, payload)
}
