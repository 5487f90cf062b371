package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// ContentType of encoded task messages
const ContentType = "application/json"

type message struct {
	TaskID     string    `json:"task_id"`
	Payload    Payload   `json:"payload"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

func encodeTask(task Task, now time.Time) ([]byte, error) {
	body, err := json.Marshal(message{
		TaskID:     task.ID,
		Payload:    task.Payload,
		EnqueuedAt: now.UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode task %s: %w", task.ID, err)
	}
	return body, nil
}

func decodeTask(body []byte) (Task, error) {
	var msg message
	if err := json.Unmarshal(body, &msg); err != nil {
		return Task{}, fmt.Errorf("failed to decode task message: %w", err)
	}
	if msg.TaskID == "" {
		return Task{}, fmt.Errorf("task message has no task_id")
	}
	return Task{ID: msg.TaskID, Payload: msg.Payload}, nil
}
