package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/image-pipeline/shared/rabbitmq"
)

// Broker is the subset of the RabbitMQ client the queue uses
type Broker interface {
	PublishWithRetry(ctx context.Context, msg rabbitmq.Message) error
	Qos(prefetchCount int) error
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
}

// RabbitConfig holds delivery semantics of a RabbitQueue
type RabbitConfig struct {
	// MaxAttempts is the number of attempts before a failed task is dead-lettered
	MaxAttempts   int
	PrefetchCount int
	ConsumerTag   string
}

// RabbitQueue transports tasks over RabbitMQ and tracks their state in Redis.
// Failed attempts are requeued with a negative acknowledgement; the final one is
// rejected without requeue so the broker routes it to the dead-letter exchange.
type RabbitQueue struct {
	broker  Broker
	tracker *Tracker
	logger  *slog.Logger
	config  RabbitConfig
	now     func() time.Time

	consumeOnce sync.Once
	deliveries  <-chan amqp.Delivery
	consumeErr  error
}

var _ Queue = (*RabbitQueue)(nil)

// NewRabbitQueue creates a queue over broker and tracker
func NewRabbitQueue(broker Broker, tracker *Tracker, config RabbitConfig, logger *slog.Logger) *RabbitQueue {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.PrefetchCount <= 0 {
		config.PrefetchCount = 1
	}
	return &RabbitQueue{
		broker:  broker,
		tracker: tracker,
		logger:  logger,
		config:  config,
		now:     time.Now,
	}
}

// Enqueue publishes a task. An empty taskID gets a fresh UUID.
// Enqueueing an id that is already tracked is a no-op returning the same id.
func (q *RabbitQueue) Enqueue(ctx context.Context, taskID string, payload Payload) (string, error) {
	if taskID == "" {
		taskID = uuid.NewString()
	}

	registered, err := q.tracker.Register(ctx, taskID)
	if err != nil {
		return "", err
	}
	if !registered {
		q.logger.Debug("Task already enqueued",
			slog.String("task_id", taskID),
		)
		return taskID, nil
	}

	body, err := encodeTask(Task{ID: taskID, Payload: payload}, q.now())
	if err != nil {
		q.forget(taskID)
		return "", err
	}

	err = q.broker.PublishWithRetry(ctx, rabbitmq.Message{
		ID:          taskID,
		Body:        body,
		ContentType: ContentType,
	})
	if err != nil {
		q.forget(taskID)
		return "", fmt.Errorf("failed to publish task %s: %w", taskID, err)
	}

	q.logger.Info("Task enqueued",
		slog.String("task_id", taskID),
		slog.Int("size_bytes", len(payload.File)),
	)
	return taskID, nil
}

func (q *RabbitQueue) forget(taskID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.tracker.Forget(ctx, taskID); err != nil {
		q.logger.Warn("Failed to drop state of unpublished task",
			slog.String("task_id", taskID),
			slog.Any("error", err),
		)
	}
}

func (q *RabbitQueue) startConsuming() error {
	q.consumeOnce.Do(func() {
		if err := q.broker.Qos(q.config.PrefetchCount); err != nil {
			q.consumeErr = err
			return
		}
		q.deliveries, q.consumeErr = q.broker.Consume(q.config.ConsumerTag)
	})
	return q.consumeErr
}

// Dequeue blocks until a task is delivered or ctx is done.
// Undecodable messages are rejected without requeue and skipped.
func (q *RabbitQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	if err := q.startConsuming(); err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case msg, ok := <-q.deliveries:
			if !ok {
				return nil, ErrClosed
			}

			task, err := decodeTask(msg.Body)
			if err != nil {
				q.logger.Error("Rejecting malformed task message",
					slog.Uint64("delivery_tag", msg.DeliveryTag),
					slog.Any("error", err),
				)
				if nackErr := msg.Nack(false, false); nackErr != nil {
					q.logger.Error("Failed to NACK malformed message",
						slog.Any("error", nackErr),
					)
				}
				continue
			}

			attempt, err := q.tracker.MarkActive(ctx, task.ID)
			if err != nil {
				if nackErr := msg.Nack(false, true); nackErr != nil {
					q.logger.Error("Failed to NACK message",
						slog.String("task_id", task.ID),
						slog.Any("error", nackErr),
					)
				}
				return nil, err
			}

			return &Delivery{
				Task:    task,
				Attempt: attempt,
				final:   attempt >= q.config.MaxAttempts,
				ack:     func() error { return msg.Ack(false) },
				nack:    func(requeue bool) error { return msg.Nack(false, requeue) },
			}, nil
		}
	}
}

// Complete records the result and acknowledges the delivery
func (q *RabbitQueue) Complete(ctx context.Context, d *Delivery, result Result) error {
	trackErr := q.tracker.MarkCompleted(ctx, d.Task.ID, result)
	if err := d.ack(); err != nil {
		return errors.Join(trackErr, fmt.Errorf("failed to ACK task %s: %w", d.Task.ID, err))
	}
	return trackErr
}

// Fail requeues a non-final attempt and dead-letters the final one
func (q *RabbitQueue) Fail(ctx context.Context, d *Delivery, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	var trackErr error
	if d.final {
		trackErr = q.tracker.MarkFailed(ctx, d.Task.ID, msg)
	} else {
		trackErr = q.tracker.MarkDelayed(ctx, d.Task.ID, msg)
	}

	if err := d.nack(!d.final); err != nil {
		return errors.Join(trackErr, fmt.Errorf("failed to NACK task %s: %w", d.Task.ID, err))
	}
	return trackErr
}

// Discard acknowledges a delivery that must not be executed
func (q *RabbitQueue) Discard(ctx context.Context, d *Delivery, reason string) error {
	trackErr := q.tracker.MarkFailed(ctx, d.Task.ID, reason)
	if err := d.ack(); err != nil {
		return errors.Join(trackErr, fmt.Errorf("failed to ACK task %s: %w", d.Task.ID, err))
	}
	return trackErr
}

// GetState returns the tracked state, StateNotFound if unknown
func (q *RabbitQueue) GetState(ctx context.Context, taskID string) (State, error) {
	return q.tracker.State(ctx, taskID)
}

// GetResult returns the tracked result, ErrTaskNotFound if unknown
func (q *RabbitQueue) GetResult(ctx context.Context, taskID string) (*Result, error) {
	return q.tracker.Result(ctx, taskID)
}
