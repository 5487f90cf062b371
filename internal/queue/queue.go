// Package queue carries upload tasks from the submission path to the workers
// and tracks each task's transient execution state.
package queue

import (
	"context"
	"errors"

	"github.com/cuongbtq/image-pipeline/internal/domain"
)

// State is the transient execution state of a task
type State string

// Task state constants
const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateDelayed   State = "delayed"
	StateNotFound  State = "not_found"
)

var (
	// ErrTaskNotFound is returned when the queue has no record of a task
	ErrTaskNotFound = errors.New("task not found")

	// ErrClosed is returned by Dequeue once the queue stops delivering
	ErrClosed = errors.New("queue closed")
)

// Payload is everything a worker needs to execute one upload.
// File is base64 encoded in the JSON message so arbitrary bytes survive.
type Payload struct {
	File        []byte                    `json:"file"`
	Filename    string                    `json:"filename"`
	MimeType    string                    `json:"mime_type"`
	WebhookURL  string                    `json:"webhook_url,omitempty"`
	Credentials *domain.TenantCredentials `json:"credentials,omitempty"`
}

// Task is a unit of work; its ID equals the record's job id
type Task struct {
	ID      string
	Payload Payload
}

// Result is the outcome a worker reports for a task
type Result struct {
	URL     string `json:"url,omitempty"`
	AssetID string `json:"asset_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Delivery is one attempt at a task handed to a worker.
// Exactly one of Complete, Fail or Discard must be called for it.
type Delivery struct {
	Task    Task
	Attempt int

	final bool
	ack   func() error
	nack  func(requeue bool) error
}

// Final reports whether a failure of this attempt is the task's last
func (d *Delivery) Final() bool {
	return d.final
}

// GiveUp makes this attempt final so that Fail dead-letters the task
// regardless of the attempts left
func (d *Delivery) GiveUp() {
	d.final = true
}

// Queue is the contract between producers, consumers and the status read path
type Queue interface {
	Enqueue(ctx context.Context, taskID string, payload Payload) (string, error)
	Dequeue(ctx context.Context) (*Delivery, error)
	Complete(ctx context.Context, d *Delivery, result Result) error
	Fail(ctx context.Context, d *Delivery, cause error) error
	Discard(ctx context.Context, d *Delivery, reason string) error
	GetState(ctx context.Context, taskID string) (State, error)
	GetResult(ctx context.Context, taskID string) (*Result, error)
}
