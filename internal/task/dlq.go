package task

import "time"

const DeadLetterType = "task.dlq"

// DeadLetter is the terminal envelope published for a task that exhausted its
// retry budget or failed permanently. It carries the full task snapshot so
// operators can requeue it unchanged.
type DeadLetter struct {
	Type      string `json:"type"`    // "task.dlq"
	Version   string `json:"version"` // schema version
	At        string `json:"at"`      // RFC3339 time the entry was emitted
	Queue     string `json:"queue"`   // origin queue
	Reason    string `json:"reason"`  // human/debug text
	Attempt   int    `json:"attempt"` // attempt count when dead-lettered
	LastError string `json:"last_error,omitempty"`
	Task      Task   `json:"task"` // full task snapshot
}

func NewDeadLetter(t Task, attempt int, lastErr, reason string) DeadLetter {
	return DeadLetter{
		Type:      DeadLetterType,
		Version:   "v1",
		At:        time.Now().Format(time.RFC3339Nano),
		Queue:     t.Queue,
		Reason:    reason,
		Attempt:   attempt,
		LastError: lastErr,
		Task:      t,
	}
}
