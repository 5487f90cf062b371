package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/image-pipeline/internal/domain"
	"github.com/cuongbtq/image-pipeline/shared/logger"
	"github.com/cuongbtq/image-pipeline/shared/rabbitmq"
)

type fakeBroker struct {
	mu         sync.Mutex
	published  []rabbitmq.Message
	publishErr error
	prefetch   int
	consumeTag string
	deliveries chan amqp.Delivery
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{deliveries: make(chan amqp.Delivery, 16)}
}

func (b *fakeBroker) PublishWithRetry(_ context.Context, msg rabbitmq.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	b.published = append(b.published, msg)
	return nil
}

func (b *fakeBroker) Qos(prefetchCount int) error {
	b.prefetch = prefetchCount
	return nil
}

func (b *fakeBroker) Consume(consumerTag string) (<-chan amqp.Delivery, error) {
	b.consumeTag = consumerTag
	return b.deliveries, nil
}

type nackCall struct {
	tag     uint64
	requeue bool
}

type ackRecorder struct {
	mu    sync.Mutex
	acks  []uint64
	nacks []nackCall
}

func (a *ackRecorder) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks = append(a.acks, tag)
	return nil
}

func (a *ackRecorder) Nack(tag uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks = append(a.nacks, nackCall{tag: tag, requeue: requeue})
	return nil
}

func (a *ackRecorder) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func newTestTracker(t *testing.T) (*Tracker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewTracker(rdb, "test", time.Hour), mr
}

func TestCodec_BinarySafe(t *testing.T) {
	file := []byte{0x89, 'P', 'N', 'G', 0x00, 0xff, 0xfe, '\n', 0x00, 0x80}
	task := Task{
		ID: "job-1",
		Payload: Payload{
			File:        file,
			Filename:    "a.png",
			MimeType:    "image/png",
			WebhookURL:  "https://hooks.example.com/x",
			Credentials: &domain.TenantCredentials{AccountID: "acc", AccessKeyID: "k", SecretAccessKey: "s"},
		},
	}

	body, err := encodeTask(task, time.Now())
	require.NoError(t, err)

	got, err := decodeTask(body)
	require.NoError(t, err)
	assert.Equal(t, task, got)
}

func TestCodec_Rejects(t *testing.T) {
	_, err := decodeTask([]byte("not json"))
	assert.Error(t, err)

	_, err = decodeTask([]byte(`{"payload":{}}`))
	assert.Error(t, err)
}

func TestTracker_Lifecycle(t *testing.T) {
	tr, mr := newTestTracker(t)
	ctx := context.Background()

	state, err := tr.State(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StateNotFound, state)

	_, err = tr.Result(ctx, "job-1")
	assert.ErrorIs(t, err, ErrTaskNotFound)

	created, err := tr.Register(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = tr.Register(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, created, "second registration must be a no-op")

	state, _ = tr.State(ctx, "job-1")
	assert.Equal(t, StateWaiting, state)
	assert.Equal(t, time.Hour, mr.TTL("test:task:job-1"))

	attempt, err := tr.MarkActive(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 1, attempt)

	require.NoError(t, tr.MarkDelayed(ctx, "job-1", "timeout"))
	state, _ = tr.State(ctx, "job-1")
	assert.Equal(t, StateDelayed, state)

	attempt, err = tr.MarkActive(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 2, attempt)

	require.NoError(t, tr.MarkCompleted(ctx, "job-1", Result{URL: "https://cdn/x.png", AssetID: "x.png"}))
	state, _ = tr.State(ctx, "job-1")
	assert.Equal(t, StateCompleted, state)

	res, err := tr.Result(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, &Result{URL: "https://cdn/x.png", AssetID: "x.png"}, res)

	require.NoError(t, tr.Forget(ctx, "job-1"))
	state, _ = tr.State(ctx, "job-1")
	assert.Equal(t, StateNotFound, state)
}

func TestTracker_NeverStoresPayload(t *testing.T) {
	tr, mr := newTestTracker(t)
	broker := newFakeBroker()
	q := NewRabbitQueue(broker, tr, RabbitConfig{}, logger.NewNop().Logger)

	_, err := q.Enqueue(context.Background(), "job-1", Payload{
		File:        []byte("pixels"),
		Filename:    "a.png",
		MimeType:    "image/png",
		Credentials: &domain.TenantCredentials{AccountID: "acc", AccessKeyID: "key-id", SecretAccessKey: "secret"},
	})
	require.NoError(t, err)

	for _, key := range mr.Keys() {
		fields, err := mr.HKeys(key)
		require.NoError(t, err)
		for _, field := range fields {
			value := mr.HGet(key, field)
			assert.NotContains(t, value, "secret")
			assert.NotContains(t, value, "key-id")
			assert.NotContains(t, value, "pixels")
		}
	}
}

func TestRabbitQueue_Enqueue(t *testing.T) {
	tr, _ := newTestTracker(t)
	broker := newFakeBroker()
	q := NewRabbitQueue(broker, tr, RabbitConfig{}, logger.NewNop().Logger)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "job-1", Payload{File: []byte{1, 2, 3}, Filename: "a.png", MimeType: "image/png"})
	require.NoError(t, err)
	assert.Equal(t, "job-1", id)

	id, err = q.Enqueue(ctx, "job-1", Payload{File: []byte{1, 2, 3}})
	require.NoError(t, err)
	assert.Equal(t, "job-1", id)

	require.Len(t, broker.published, 1, "duplicate enqueue must not publish again")
	assert.Equal(t, "job-1", broker.published[0].ID)
	assert.Equal(t, ContentType, broker.published[0].ContentType)

	state, err := q.GetState(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, state)

	generated, err := q.Enqueue(ctx, "", Payload{File: []byte{1}})
	require.NoError(t, err)
	assert.NotEmpty(t, generated)
	assert.NotEqual(t, "job-1", generated)
}

func TestRabbitQueue_EnqueuePublishFailure(t *testing.T) {
	tr, _ := newTestTracker(t)
	broker := newFakeBroker()
	broker.publishErr = errors.New("connection reset")
	q := NewRabbitQueue(broker, tr, RabbitConfig{}, logger.NewNop().Logger)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "job-1", Payload{File: []byte{1}})
	require.Error(t, err)

	state, err := q.GetState(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StateNotFound, state, "state of an unpublished task is dropped")
}

func TestRabbitQueue_EnqueueAfterFailedRegistration(t *testing.T) {
	tr, mr := newTestTracker(t)
	broker := newFakeBroker()
	q := NewRabbitQueue(broker, tr, RabbitConfig{}, logger.NewNop().Logger)
	ctx := context.Background()

	mr.SetError("LOADING Redis is loading the dataset in memory")
	_, err := q.Enqueue(ctx, "job-1", Payload{File: []byte{1}})
	require.Error(t, err)
	assert.Empty(t, broker.published)

	mr.SetError("")
	assert.False(t, mr.Exists("test:task:job-1"), "failed registration leaves no state")

	id, err := q.Enqueue(ctx, "job-1", Payload{File: []byte{1}})
	require.NoError(t, err)
	assert.Equal(t, "job-1", id)
	require.Len(t, broker.published, 1, "retry with the same id is published")
	assert.Equal(t, time.Hour, mr.TTL("test:task:job-1"))
	assert.NotEmpty(t, mr.HGet("test:task:job-1", fieldEnqueuedAt))
}

func deliver(t *testing.T, broker *fakeBroker, acks *ackRecorder, tag uint64) {
	t.Helper()
	require.NotEmpty(t, broker.published)
	broker.deliveries <- amqp.Delivery{
		Acknowledger: acks,
		DeliveryTag:  tag,
		Body:         broker.published[len(broker.published)-1].Body,
	}
}

func TestRabbitQueue_RetryThenDeadLetter(t *testing.T) {
	tr, _ := newTestTracker(t)
	broker := newFakeBroker()
	acks := &ackRecorder{}
	q := NewRabbitQueue(broker, tr, RabbitConfig{MaxAttempts: 2, PrefetchCount: 4, ConsumerTag: "worker-1"}, logger.NewNop().Logger)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := q.Enqueue(ctx, "job-1", Payload{File: []byte{0x00, 0xff}, Filename: "a.png", MimeType: "image/png"})
	require.NoError(t, err)

	deliver(t, broker, acks, 1)
	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, broker.prefetch)
	assert.Equal(t, "worker-1", broker.consumeTag)
	assert.Equal(t, "job-1", d.Task.ID)
	assert.Equal(t, []byte{0x00, 0xff}, d.Task.Payload.File)
	assert.Equal(t, 1, d.Attempt)
	assert.False(t, d.Final())

	state, _ := q.GetState(ctx, "job-1")
	assert.Equal(t, StateActive, state)

	require.NoError(t, q.Fail(ctx, d, errors.New("upload timeout")))
	state, _ = q.GetState(ctx, "job-1")
	assert.Equal(t, StateDelayed, state)

	deliver(t, broker, acks, 2)
	d, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, d.Attempt)
	assert.True(t, d.Final())

	require.NoError(t, q.Fail(ctx, d, errors.New("upload timeout")))
	state, _ = q.GetState(ctx, "job-1")
	assert.Equal(t, StateFailed, state)

	res, err := q.GetResult(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "upload timeout", res.Error)

	assert.Equal(t, []nackCall{{tag: 1, requeue: true}, {tag: 2, requeue: false}}, acks.nacks)
	assert.Empty(t, acks.acks)
}

func TestRabbitQueue_Complete(t *testing.T) {
	tr, _ := newTestTracker(t)
	broker := newFakeBroker()
	acks := &ackRecorder{}
	q := NewRabbitQueue(broker, tr, RabbitConfig{}, logger.NewNop().Logger)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := q.Enqueue(ctx, "job-1", Payload{File: []byte{1}})
	require.NoError(t, err)

	deliver(t, broker, acks, 7)
	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.True(t, d.Final(), "single attempt by default")

	require.NoError(t, q.Complete(ctx, d, Result{URL: "https://cdn/a.png", AssetID: "a.png"}))
	assert.Equal(t, []uint64{7}, acks.acks)

	state, _ := q.GetState(ctx, "job-1")
	assert.Equal(t, StateCompleted, state)
	res, _ := q.GetResult(ctx, "job-1")
	assert.Equal(t, "https://cdn/a.png", res.URL)
}

func TestRabbitQueue_DequeueSkipsMalformed(t *testing.T) {
	tr, _ := newTestTracker(t)
	broker := newFakeBroker()
	acks := &ackRecorder{}
	q := NewRabbitQueue(broker, tr, RabbitConfig{}, logger.NewNop().Logger)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	broker.deliveries <- amqp.Delivery{Acknowledger: acks, DeliveryTag: 1, Body: []byte("{broken")}

	_, err := q.Enqueue(ctx, "job-1", Payload{File: []byte{1}})
	require.NoError(t, err)
	deliver(t, broker, acks, 2)

	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "job-1", d.Task.ID)
	assert.Equal(t, []nackCall{{tag: 1, requeue: false}}, acks.nacks)
}

func TestRabbitQueue_DequeueContextAndClose(t *testing.T) {
	tr, _ := newTestTracker(t)
	broker := newFakeBroker()
	q := NewRabbitQueue(broker, tr, RabbitConfig{}, logger.NewNop().Logger)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(broker.deliveries)
	_, err = q.Dequeue(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemoryQueue_RetrySemantics(t *testing.T) {
	q := NewMemoryQueue(2, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, err := q.Enqueue(ctx, "job-1", Payload{File: []byte{1}})
	require.NoError(t, err)
	assert.Equal(t, "job-1", id)

	_, err = q.Enqueue(ctx, "job-1", Payload{File: []byte{1}})
	require.NoError(t, err)
	assert.Equal(t, 1, q.Len())

	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.False(t, d.Final())
	require.NoError(t, q.Fail(ctx, d, errors.New("boom")))

	state, _ := q.GetState(ctx, "job-1")
	assert.Equal(t, StateDelayed, state)

	d, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, d.Attempt)
	assert.True(t, d.Final())
	require.NoError(t, q.Fail(ctx, d, errors.New("boom")))

	state, _ = q.GetState(ctx, "job-1")
	assert.Equal(t, StateFailed, state)
	assert.Equal(t, []string{"job-1"}, q.DeadLetters())

	state, _ = q.GetState(ctx, "unknown")
	assert.Equal(t, StateNotFound, state)
	_, err = q.GetResult(ctx, "unknown")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestMemoryQueue_Close(t *testing.T) {
	q := NewMemoryQueue(1, 0)

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		errCh <- err
	}()

	q.Close()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Dequeue did not return after Close")
	}
}
