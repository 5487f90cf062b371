package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

type memoryTask struct {
	task     Task
	state    State
	attempts int
	result   Result
}

// MemoryQueue is an in-process Queue with the same retry semantics as RabbitQueue.
// It is used by tests and single-process runs.
type MemoryQueue struct {
	mu          sync.Mutex
	tasks       map[string]*memoryTask
	ready       chan string
	done        chan struct{}
	closeOnce   sync.Once
	maxAttempts int
	deadLetters []string
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue creates a queue holding up to capacity waiting tasks
func NewMemoryQueue(maxAttempts, capacity int) *MemoryQueue {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemoryQueue{
		tasks:       make(map[string]*memoryTask),
		ready:       make(chan string, capacity),
		done:        make(chan struct{}),
		maxAttempts: maxAttempts,
	}
}

// Enqueue adds a task; an already known id is a no-op
func (q *MemoryQueue) Enqueue(ctx context.Context, taskID string, payload Payload) (string, error) {
	if taskID == "" {
		taskID = uuid.NewString()
	}

	q.mu.Lock()
	if _, ok := q.tasks[taskID]; ok {
		q.mu.Unlock()
		return taskID, nil
	}
	q.tasks[taskID] = &memoryTask{
		task:  Task{ID: taskID, Payload: payload},
		state: StateWaiting,
	}
	q.mu.Unlock()

	select {
	case q.ready <- taskID:
		return taskID, nil
	case <-ctx.Done():
		q.mu.Lock()
		delete(q.tasks, taskID)
		q.mu.Unlock()
		return "", ctx.Err()
	case <-q.done:
		return "", ErrClosed
	}
}

// Dequeue blocks until a task is ready, ctx is done or the queue is closed
func (q *MemoryQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.done:
		return nil, ErrClosed
	case id := <-q.ready:
		q.mu.Lock()
		defer q.mu.Unlock()

		t := q.tasks[id]
		t.state = StateActive
		t.attempts++

		return &Delivery{
			Task:    t.task,
			Attempt: t.attempts,
			final:   t.attempts >= q.maxAttempts,
			ack:     func() error { return nil },
			nack: func(requeue bool) error {
				if !requeue {
					return nil
				}
				select {
				case q.ready <- id:
					return nil
				default:
					return errors.New("memory queue full")
				}
			},
		}, nil
	}
}

// Complete records the result
func (q *MemoryQueue) Complete(_ context.Context, d *Delivery, result Result) error {
	q.setState(d.Task.ID, StateCompleted, result)
	return d.ack()
}

// Fail requeues a non-final attempt and dead-letters the final one
func (q *MemoryQueue) Fail(_ context.Context, d *Delivery, cause error) error {
	res := Result{}
	if cause != nil {
		res.Error = cause.Error()
	}

	if d.final {
		q.setState(d.Task.ID, StateFailed, res)
		q.mu.Lock()
		q.deadLetters = append(q.deadLetters, d.Task.ID)
		q.mu.Unlock()
		return d.nack(false)
	}

	q.setState(d.Task.ID, StateDelayed, res)
	return d.nack(true)
}

// Discard drops a delivery that must not be executed
func (q *MemoryQueue) Discard(_ context.Context, d *Delivery, reason string) error {
	q.setState(d.Task.ID, StateFailed, Result{Error: reason})
	return d.ack()
}

func (q *MemoryQueue) setState(taskID string, state State, result Result) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t, ok := q.tasks[taskID]; ok {
		t.state = state
		t.result = result
	}
}

// GetState returns the task state, StateNotFound if unknown
func (q *MemoryQueue) GetState(_ context.Context, taskID string) (State, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok {
		return StateNotFound, nil
	}
	return t.state, nil
}

// GetResult returns the task result, ErrTaskNotFound if unknown
func (q *MemoryQueue) GetResult(_ context.Context, taskID string) (*Result, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	res := t.result
	return &res, nil
}

// Payload returns the stored payload of a task
func (q *MemoryQueue) Payload(taskID string) (Payload, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok {
		return Payload{}, false
	}
	return t.task.Payload, true
}

// DeadLetters returns ids of tasks whose final attempt failed
func (q *MemoryQueue) DeadLetters() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.deadLetters...)
}

// Len returns the number of tasks ever enqueued
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Close makes pending and future Dequeue calls return ErrClosed
func (q *MemoryQueue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}
