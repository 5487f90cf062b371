package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// hash fields of a tracked task
const (
	fieldState      = "state"
	fieldAttempts   = "attempts"
	fieldURL        = "url"
	fieldAssetID    = "asset_id"
	fieldError      = "error"
	fieldEnqueuedAt = "enqueued_at"
	fieldUpdatedAt  = "updated_at"
)

// Tracker keeps per-task execution state in Redis hashes.
// Only state, counters and results are stored; payloads and credentials never are.
type Tracker struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// NewTracker creates a tracker; keys expire ttl after their last write
func NewTracker(rdb redis.UniversalClient, prefix string, ttl time.Duration) *Tracker {
	return &Tracker{
		rdb:    rdb,
		prefix: prefix,
		ttl:    ttl,
		now:    time.Now,
	}
}

func (t *Tracker) key(taskID string) string {
	return t.prefix + ":task:" + taskID
}

// registerScript creates the task hash and its expiry in one step so a
// failed registration never leaves a hash without a TTL behind.
var registerScript = redis.NewScript(`
if redis.call("HSETNX", KEYS[1], ARGV[1], ARGV[2]) == 0 then
	return 0
end
redis.call("HSET", KEYS[1], ARGV[3], ARGV[5], ARGV[4], ARGV[5])
if tonumber(ARGV[6]) > 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[6])
end
return 1
`)

// Register marks a new task waiting. It returns false if the task is already tracked.
func (t *Tracker) Register(ctx context.Context, taskID string) (bool, error) {
	now := t.now().UTC().Format(time.RFC3339Nano)

	created, err := registerScript.Run(ctx, t.rdb, []string{t.key(taskID)},
		fieldState, string(StateWaiting),
		fieldEnqueuedAt, fieldUpdatedAt, now,
		t.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to register task %s: %w", taskID, err)
	}
	return created == 1, nil
}

// Forget drops all state of a task
func (t *Tracker) Forget(ctx context.Context, taskID string) error {
	if err := t.rdb.Del(ctx, t.key(taskID)).Err(); err != nil {
		return fmt.Errorf("failed to forget task %s: %w", taskID, err)
	}
	return nil
}

// MarkActive records the start of an attempt and returns its 1-based number
func (t *Tracker) MarkActive(ctx context.Context, taskID string) (int, error) {
	key := t.key(taskID)

	var incr *redis.IntCmd
	_, err := t.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.HIncrBy(ctx, key, fieldAttempts, 1)
		pipe.HSet(ctx, key, fieldState, string(StateActive), fieldUpdatedAt, t.stamp())
		pipe.Expire(ctx, key, t.ttl)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to mark task %s active: %w", taskID, err)
	}
	return int(incr.Val()), nil
}

// MarkDelayed records a failed attempt that will be retried
func (t *Tracker) MarkDelayed(ctx context.Context, taskID, errMsg string) error {
	return t.set(ctx, taskID, fieldState, string(StateDelayed), fieldError, errMsg)
}

// MarkCompleted stores the final successful result
func (t *Tracker) MarkCompleted(ctx context.Context, taskID string, result Result) error {
	return t.set(ctx, taskID,
		fieldState, string(StateCompleted),
		fieldURL, result.URL,
		fieldAssetID, result.AssetID,
		fieldError, "",
	)
}

// MarkFailed stores the final failure
func (t *Tracker) MarkFailed(ctx context.Context, taskID, errMsg string) error {
	return t.set(ctx, taskID, fieldState, string(StateFailed), fieldError, errMsg)
}

func (t *Tracker) set(ctx context.Context, taskID string, values ...any) error {
	key := t.key(taskID)
	values = append(values, fieldUpdatedAt, t.stamp())

	_, err := t.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, values...)
		pipe.Expire(ctx, key, t.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", taskID, err)
	}
	return nil
}

func (t *Tracker) stamp() string {
	return t.now().UTC().Format(time.RFC3339Nano)
}

// State returns the task's state, StateNotFound when it is not tracked
func (t *Tracker) State(ctx context.Context, taskID string) (State, error) {
	state, err := t.rdb.HGet(ctx, t.key(taskID), fieldState).Result()
	if errors.Is(err, redis.Nil) {
		return StateNotFound, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get state of task %s: %w", taskID, err)
	}
	return State(state), nil
}

// Result returns the recorded outcome of a task
func (t *Tracker) Result(ctx context.Context, taskID string) (*Result, error) {
	fields, err := t.rdb.HGetAll(ctx, t.key(taskID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get result of task %s: %w", taskID, err)
	}
	if len(fields) == 0 {
		return nil, ErrTaskNotFound
	}
	return &Result{
		URL:     fields[fieldURL],
		AssetID: fields[fieldAssetID],
		Error:   fields[fieldError],
	}, nil
}
