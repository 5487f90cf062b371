package sweeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/image-pipeline/internal/domain"
	"github.com/cuongbtq/image-pipeline/internal/queue"
	"github.com/cuongbtq/image-pipeline/internal/storage"
	"github.com/cuongbtq/image-pipeline/internal/storage/storagetest"
	"github.com/cuongbtq/image-pipeline/shared/logger"
)

type fixture struct {
	store   *storage.Storage
	queue   *queue.MemoryQueue
	sweeper *Sweeper
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storagetest.New(t)
	q := queue.NewMemoryQueue(1, 0)
	s := New(store, q, Config{StaleAfter: time.Minute}, logger.NewNop().Logger)
	// every record created "now" is stale an hour later
	s.now = func() time.Time { return time.Now().Add(time.Hour) }
	return &fixture{store: store, queue: q, sweeper: s}
}

func (f *fixture) pending(t *testing.T, jobID string) {
	t.Helper()
	_, _, err := f.store.CreateIfAbsent(context.Background(), &domain.JobRecord{
		JobID: jobID, OriginalName: jobID + ".png", MimeType: "image/png",
	})
	require.NoError(t, err)
}

func (f *fixture) run(t *testing.T, jobID string, outcome func(ctx context.Context, d *queue.Delivery) error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := f.queue.Enqueue(ctx, jobID, queue.Payload{File: []byte{1}})
	require.NoError(t, err)
	if outcome == nil {
		return
	}
	d, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, outcome(ctx, d))
}

func TestSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// upload finished but the record write was missed
	f.pending(t, "done")
	f.run(t, "done", func(ctx context.Context, d *queue.Delivery) error {
		return f.queue.Complete(ctx, d, queue.Result{URL: "https://cdn/done.png", AssetID: "done.png"})
	})

	// final failure whose record write was missed
	f.pending(t, "broken")
	f.run(t, "broken", func(ctx context.Context, d *queue.Delivery) error {
		return f.queue.Fail(ctx, d, errors.New("upstream 500"))
	})

	// task never reached the queue
	f.pending(t, "lost")

	// still waiting in the queue
	f.pending(t, "waiting")
	f.run(t, "waiting", nil)

	summary, err := f.sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Scanned: 4, Completed: 1, Failed: 1, Lost: 1}, summary)

	rec, err := f.store.GetByJobID(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, rec.Status)
	assert.Equal(t, "https://cdn/done.png", rec.AssetURL)
	assert.Equal(t, "done.png", rec.AssetID)

	rec, _ = f.store.GetByJobID(ctx, "broken")
	assert.Equal(t, domain.StatusFailed, rec.Status)
	assert.Equal(t, "upstream 500", rec.ErrorMessage)

	rec, _ = f.store.GetByJobID(ctx, "lost")
	assert.Equal(t, domain.StatusFailed, rec.Status)
	assert.Equal(t, LostTaskMessage, rec.ErrorMessage)

	rec, _ = f.store.GetByJobID(ctx, "waiting")
	assert.Equal(t, domain.StatusPending, rec.Status)

	summary, err = f.sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Scanned: 1}, summary, "only the waiting record is left pending")
}

func TestSweep_IgnoresFreshRecords(t *testing.T) {
	f := newFixture(t)
	f.sweeper.now = time.Now
	f.pending(t, "fresh")

	summary, err := f.sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Scanned)

	rec, _ := f.store.GetByJobID(context.Background(), "fresh")
	assert.Equal(t, domain.StatusPending, rec.Status)
}

func TestRun_RejectsBadSchedule(t *testing.T) {
	store := storagetest.New(t)
	s := New(store, queue.NewMemoryQueue(1, 0), Config{Schedule: "not a schedule"}, logger.NewNop().Logger)

	err := s.Run(context.Background())
	assert.Error(t, err)
}

func TestRun_SweepsOnSchedule(t *testing.T) {
	f := newFixture(t)
	f.sweeper.config.Schedule = "@every 1s"
	f.pending(t, "lost")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.sweeper.Run(ctx) }()

	require.Eventually(t, func() bool {
		rec, err := f.store.GetByJobID(context.Background(), "lost")
		return err == nil && rec.Status == domain.StatusFailed
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}
