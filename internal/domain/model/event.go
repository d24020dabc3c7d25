package model

import (
	"encoding/json"
	"time"
)

// JobEventKind names a lifecycle transition observed by monitors.
type JobEventKind string

const (
	// JobEventWaiting is emitted when a job enters the queue.
	JobEventWaiting JobEventKind = "waiting"
	// JobEventActive is emitted when a worker starts the job.
	JobEventActive JobEventKind = "active"
	// JobEventCompleted is emitted after the completed status is stored.
	JobEventCompleted JobEventKind = "completed"
	// JobEventFailed is emitted after the failed status is stored.
	JobEventFailed JobEventKind = "failed"
)

// JobEvent is a lifecycle notification. Result is set for completed events,
// Reason for failed ones.
type JobEvent struct {
	Kind      JobEventKind    `json:"kind"`
	JobID     string          `json:"job_id"`
	JobType   JobType         `json:"job_type"`
	Result    json.RawMessage `json:"result,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}
