// Package sweeper periodically writes queue outcomes back onto records left pending.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/cuongbtq/image-pipeline/internal/domain"
	"github.com/cuongbtq/image-pipeline/internal/queue"
)

// LostTaskMessage is written on pending records whose task the queue no longer knows
const LostTaskMessage = "task lost"

// RecordStore is the record access the sweeper needs
type RecordStore interface {
	ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]domain.JobRecord, error)
	MarkCompleted(ctx context.Context, jobID, assetURL, assetID string) error
	MarkFailed(ctx context.Context, jobID, message string) error
}

// TaskReader exposes the queue's transient task state
type TaskReader interface {
	GetState(ctx context.Context, taskID string) (queue.State, error)
	GetResult(ctx context.Context, taskID string) (*queue.Result, error)
}

// Config holds sweep settings
type Config struct {
	Schedule   string
	StaleAfter time.Duration
	BatchSize  int
}

// Summary counts what one sweep did
type Summary struct {
	Scanned   int
	Completed int
	Failed    int
	Lost      int
}

// Sweeper repairs records whose terminal write was missed, e.g. after a crash
// between the upload and the record update.
type Sweeper struct {
	records RecordStore
	tasks   TaskReader
	config  Config
	logger  *slog.Logger
	cron    *cron.Cron
	group   singleflight.Group
	now     func() time.Time
}

// New creates a sweeper
func New(records RecordStore, tasks TaskReader, cfg Config, logger *slog.Logger) *Sweeper {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1m"
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 15 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Sweeper{
		records: records,
		tasks:   tasks,
		config:  cfg,
		logger:  logger,
		cron:    cron.New(),
		now:     time.Now,
	}
}

// Run sweeps on the configured schedule until ctx is canceled
func (s *Sweeper) Run(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.config.Schedule, func() {
		// overlapping ticks share the running sweep
		_, _, _ = s.group.Do("sweep", func() (any, error) {
			summary, err := s.Sweep(ctx)
			if err != nil {
				s.logger.Error("Sweep failed", slog.Any("error", err))
				return nil, err
			}
			if summary.Scanned > 0 {
				s.logger.Info("Sweep finished",
					slog.Int("scanned", summary.Scanned),
					slog.Int("completed", summary.Completed),
					slog.Int("failed", summary.Failed),
					slog.Int("lost", summary.Lost),
				)
			}
			return summary, nil
		})
	})
	if err != nil {
		return fmt.Errorf("invalid sweeper schedule %q: %w", s.config.Schedule, err)
	}

	s.logger.Info("Sweeper started",
		slog.String("schedule", s.config.Schedule),
		slog.Duration("stale_after", s.config.StaleAfter),
	)
	s.cron.Start()

	<-ctx.Done()

	<-s.cron.Stop().Done()
	s.logger.Info("Sweeper stopped")
	return nil
}

// Sweep processes one batch of stale pending records
func (s *Sweeper) Sweep(ctx context.Context) (Summary, error) {
	var summary Summary

	cutoff := s.now().Add(-s.config.StaleAfter)
	records, err := s.records.ListStalePending(ctx, cutoff, s.config.BatchSize)
	if err != nil {
		return summary, fmt.Errorf("failed to list stale records: %w", err)
	}

	for _, rec := range records {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		summary.Scanned++

		outcome, err := s.reconcile(ctx, rec.JobID)
		if err != nil {
			s.logger.Warn("Failed to sweep record",
				slog.String("job_id", rec.JobID),
				slog.Any("error", err),
			)
			continue
		}
		switch outcome {
		case queue.StateCompleted:
			summary.Completed++
		case queue.StateFailed:
			summary.Failed++
		case queue.StateNotFound:
			summary.Lost++
		}
	}

	return summary, nil
}

// reconcile applies the queue's view of jobID and returns the state that was acted on
func (s *Sweeper) reconcile(ctx context.Context, jobID string) (queue.State, error) {
	state, err := s.tasks.GetState(ctx, jobID)
	if err != nil {
		return "", err
	}

	switch state {
	case queue.StateCompleted:
		res, err := s.tasks.GetResult(ctx, jobID)
		if err != nil {
			return "", err
		}
		err = s.records.MarkCompleted(ctx, jobID, res.URL, res.AssetID)
		return s.applied(jobID, state, err)

	case queue.StateFailed:
		res, err := s.tasks.GetResult(ctx, jobID)
		if err != nil {
			return "", err
		}
		err = s.records.MarkFailed(ctx, jobID, res.Error)
		return s.applied(jobID, state, err)

	case queue.StateNotFound:
		err = s.records.MarkFailed(ctx, jobID, LostTaskMessage)
		return s.applied(jobID, state, err)
	}

	// still in flight
	return "", nil
}

func (s *Sweeper) applied(jobID string, state queue.State, err error) (queue.State, error) {
	if errors.Is(err, domain.ErrAlreadyTerminal) || errors.Is(err, domain.ErrNotFound) {
		// raced with a worker or a delete
		return "", nil
	}
	if err != nil {
		return "", err
	}
	s.logger.Info("Stale record resolved from queue state",
		slog.String("job_id", jobID),
		slog.String("queue_state", string(state)),
	)
	return state, nil
}
