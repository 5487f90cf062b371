package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cuongbtq/image-pipeline/internal/queue"
)

// startMessageDispatcher pulls deliveries from the queue and dispatches them to the worker pool.
// It returns nil once ctx is canceled and an error if the queue stops delivering first.
func (w *Worker) startMessageDispatcher(ctx context.Context) error {
	w.logger.Info("Message dispatcher started",
		slog.String("worker_id", w.workerID),
	)

	for {
		d, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				w.logger.Info("Message dispatcher stopped - context canceled")
				return nil
			}
			if errors.Is(err, queue.ErrClosed) {
				w.logger.Warn("Queue delivery channel closed")
				return err
			}

			w.logger.Error("Failed to dequeue task",
				slog.Any("error", err),
				slog.Duration("retry_after", w.dequeueBackoff),
			)
			select {
			case <-time.After(w.dequeueBackoff):
				continue
			case <-ctx.Done():
				w.logger.Info("Message dispatcher stopped - context canceled")
				return nil
			}
		}

		// the pool drains jobsChan until it is closed, so this send always completes
		w.jobsChan <- d
		w.logger.Debug("Task dispatched to worker pool",
			slog.String("job_id", d.Task.ID),
			slog.Int("attempt", d.Attempt),
		)
	}
}
