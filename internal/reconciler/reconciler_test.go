package reconciler

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
	store *storage.Storage
	queue *queue.MemoryQueue
	rec   *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storagetest.New(t)
	q := queue.NewMemoryQueue(2, 0)
	return &fixture{
		store: store,
		queue: q,
		rec:   New(store, q, logger.NewNop().Logger),
	}
}

func (f *fixture) createPending(t *testing.T, jobID string) {
	t.Helper()
	_, created, err := f.store.CreateIfAbsent(context.Background(), &domain.JobRecord{
		JobID:        jobID,
		OriginalName: "a.png",
		MimeType:     "image/png",
	})
	require.NoError(t, err)
	require.True(t, created)
}

func (f *fixture) enqueue(t *testing.T, jobID string) {
	t.Helper()
	_, err := f.queue.Enqueue(context.Background(), jobID, queue.Payload{File: []byte{1}})
	require.NoError(t, err)
}

func (f *fixture) dequeue(t *testing.T) *queue.Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	return d
}

func TestGetStatus_TerminalRecordIsAuthoritative(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createPending(t, "job-1")
	f.enqueue(t, "job-1")
	require.NoError(t, f.store.MarkCompleted(ctx, "job-1", "https://cdn/a.png", "a.png"))

	// queue still reports the task as waiting
	view, err := f.rec.GetStatus(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, &domain.StatusView{
		ID:     "job-1",
		Status: domain.ViewCompleted,
		Result: &domain.AssetResult{URL: "https://cdn/a.png", AssetID: "a.png"},
	}, view)

	f.createPending(t, "job-2")
	require.NoError(t, f.store.MarkFailed(ctx, "job-2", "bad credentials"))

	view, err = f.rec.GetStatus(ctx, "job-2")
	require.NoError(t, err)
	assert.Equal(t, domain.ViewFailed, view.Status)
	assert.Equal(t, "bad credentials", view.Error)
	assert.Nil(t, view.Result)
}

func TestGetStatus_FromQueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createPending(t, "job-1")
	f.enqueue(t, "job-1")

	view, err := f.rec.GetStatus(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ViewProcessing, view.Status, "waiting")

	d := f.dequeue(t)
	view, err = f.rec.GetStatus(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ViewProcessing, view.Status, "active")

	require.NoError(t, f.queue.Fail(ctx, d, errors.New("timeout")))
	view, err = f.rec.GetStatus(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ViewProcessing, view.Status, "delayed")

	d = f.dequeue(t)
	require.NoError(t, f.queue.Complete(ctx, d, queue.Result{URL: "https://cdn/a.png", AssetID: "a.png"}))

	// record not yet written back
	view, err = f.rec.GetStatus(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ViewCompleted, view.Status)
	assert.Equal(t, "https://cdn/a.png", view.Result.URL)
}

func TestGetStatus_QueueFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createPending(t, "job-1")
	f.enqueue(t, "job-1")

	for i := 0; i < 2; i++ {
		d := f.dequeue(t)
		require.NoError(t, f.queue.Fail(ctx, d, errors.New("upstream 500")))
	}

	view, err := f.rec.GetStatus(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ViewFailed, view.Status)
	assert.Equal(t, "upstream 500", view.Error)
}

func TestGetStatus_PendingWithoutTask(t *testing.T) {
	f := newFixture(t)
	f.createPending(t, "job-1")

	view, err := f.rec.GetStatus(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ViewPending, view.Status)
}

func TestGetStatus_TaskWithoutRecord(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "job-1")

	view, err := f.rec.GetStatus(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ViewProcessing, view.Status)
}

func TestGetStatus_NotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.rec.GetStatus(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
