package model

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNoJobsAvailable is returned when no queue entry is ready for reservation.
var ErrNoJobsAvailable = errors.New("no jobs available")

// Delivery is one at-least-once hand-off of a queued job to a worker.
type Delivery struct {
	JobID          string          `json:"job_id"`
	JobType        JobType         `json:"job_type"`
	Parameters     json.RawMessage `json:"parameters"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	LeaseExpiresAt time.Time       `json:"lease_expires_at"`
}

// Redelivered reports whether the queue has handed this job out before.
func (d *Delivery) Redelivered() bool {
	return d != nil && d.Attempts > 1
}

// QueueStats summarizes queue bookkeeping.
type QueueStats struct {
	Ready  int `json:"ready"`
	Leased int `json:"leased"`
	Dead   int `json:"dead"`
}
