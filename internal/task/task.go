package task

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Task is the envelope carried on the bus. The payload is opaque to the
// distribution layer; only the metadata drives routing, retry, and dedup.
type Task struct {
	ID           string            `json:"id"`
	Type         string            `json:"type,omitempty"`
	Queue        string            `json:"queue"`
	Payload      json.RawMessage   `json:"payload"`
	DedupKey     string            `json:"dedup_key,omitempty"`
	Attempt      int               `json:"attempt"` // completed attempts so far
	Durable      bool              `json:"durable"`
	CreatedAt    string            `json:"created_at"`              // RFC3339
	TraceHeaders map[string]string `json:"trace_headers,omitempty"` // OTel trace propagation headers
}

// New builds a durable task for the given queue with a generated ID.
func New(queue, taskType string, payload json.RawMessage) Task {
	return Task{
		ID:        uuid.NewString(),
		Type:      taskType,
		Queue:     queue,
		Payload:   payload,
		Durable:   true,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
}

// Key returns the identifier used for duplicate suppression: the caller's
// dedup key when present, the task ID otherwise.
func (t Task) Key() string {
	if t.DedupKey != "" {
		return t.DedupKey
	}
	return t.ID
}
