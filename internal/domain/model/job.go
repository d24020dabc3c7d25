// Package model defines the core data types shared by the geojobs queue, worker pool and processors.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobType selects the processor that executes a job.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type JobType string

// JobStatus represents the current status of a job.
type JobStatus string

const (
	// JobTypeBuffer buffers a geometry by a distance.
	JobTypeBuffer JobType = "buffer"
	// JobTypeVegetationIndex computes NDVI over a raster.
	JobTypeVegetationIndex JobType = "vegetation_index"
	// JobTypeZonalStats aggregates raster values per zone.
	JobTypeZonalStats JobType = "zonal_stats"
	// JobTypeChangeDetection compares two co-registered rasters.
	JobTypeChangeDetection JobType = "change_detection"
	// JobTypeReportGeneration renders a project report.
	JobTypeReportGeneration JobType = "report_generation"

	// JobStatusQueued indicates a job is waiting in the work queue.
	JobStatusQueued JobStatus = "queued"
	// JobStatusRunning indicates a worker has dequeued the job.
	JobStatusRunning JobStatus = "running"
	// JobStatusCompleted indicates the processor returned a result.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates the processor (or dispatch) failed.
	JobStatusFailed JobStatus = "failed"
)

// AllJobTypes lists every job type a deployment must be able to process.
func AllJobTypes() []JobType {
	return []JobType{
		JobTypeBuffer,
		JobTypeVegetationIndex,
		JobTypeZonalStats,
		JobTypeChangeDetection,
		JobTypeReportGeneration,
	}
}

// UnmarshalText implements encoding.TextUnmarshaler for JobType to allow env and flag parsing.
func (t *JobType) UnmarshalText(text []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(text)))
	jt := JobType(v)
	if jt.Valid() {
		*t = jt
		return nil
	}
	return fmt.Errorf("invalid JobType: %q", v)
}

// Valid returns true if the JobType is one of the known processor types.
func (t JobType) Valid() bool {
	switch t {
	case JobTypeBuffer, JobTypeVegetationIndex, JobTypeZonalStats, JobTypeChangeDetection, JobTypeReportGeneration:
		return true
	default:
		return false
	}
}

// Valid returns true if the JobStatus is valid.
func (s JobStatus) Valid() bool {
	return s == JobStatusQueued || s == JobStatusRunning || s == JobStatusCompleted ||
		s == JobStatusFailed
}

// Terminal reports whether no further transition can occur from s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// rank orders statuses along the lifecycle; transitions may only increase it.
func (s JobStatus) rank() int {
	switch s {
	case JobStatusQueued:
		return 0
	case JobStatusRunning:
		return 1
	case JobStatusCompleted, JobStatusFailed:
		return 2
	default:
		return -1
	}
}

// CanTransitionTo reports whether moving from s to next keeps the lifecycle monotonic.
// running -> running is allowed so a redelivered job can be restarted after a crash.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	if !s.Valid() || !next.Valid() || s.Terminal() {
		return false
	}
	if s == JobStatusRunning && next == JobStatusRunning {
		return true
	}
	return next.rank() > s.rank()
}

// Job is the unit of work tracked in the job store.
type Job struct {
	ID             string          `json:"id"                         db:"id"`
	Type           JobType         `json:"job_type"                   db:"job_type"`
	Status         JobStatus       `json:"status"                     db:"status"`
	Parameters     json.RawMessage `json:"parameters"                 db:"parameters"`
	SessionID      string          `json:"session_id"                 db:"session_id"`
	ProjectID      *string         `json:"project_id,omitempty"       db:"project_id"`
	OrganizationID *string         `json:"organization_id,omitempty"  db:"organization_id"`
	UserID         *string         `json:"user_id,omitempty"          db:"user_id"`
	Result         json.RawMessage `json:"result_data,omitempty"      db:"result_data"`
	ErrorMessage   *string         `json:"error_message,omitempty"    db:"error_message"`
	CreatedAt      time.Time       `json:"created_at"                 db:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"       db:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"     db:"completed_at"`
}

// ProjectIDOrEmpty returns the project id or "" when unset.
func (j *Job) ProjectIDOrEmpty() string {
	if j == nil || j.ProjectID == nil {
		return ""
	}
	return *j.ProjectID
}

// SubmitJobRequest is the producer-facing submission record.
type SubmitJobRequest struct {
	Type           JobType         `json:"job_type"`
	Parameters     json.RawMessage `json:"parameters"`
	SessionID      string          `json:"session_id"`
	ProjectID      *string         `json:"project_id,omitempty"`
	OrganizationID *string         `json:"organization_id,omitempty"`
	UserID         *string         `json:"user_id,omitempty"`
	// MaxAttempts bounds queue-level redeliveries; zero uses the queue default.
	MaxAttempts int `json:"max_attempts,omitempty"`
}

// Validate validates the SubmitJobRequest fields.
func (r *SubmitJobRequest) Validate() error {
	if r == nil {
		return errors.New("submit job request is required")
	}
	if !r.Type.Valid() {
		return fmt.Errorf("invalid job type: %q", r.Type)
	}
	if len(r.Parameters) == 0 || !json.Valid(r.Parameters) {
		return errors.New("parameters must be a JSON object")
	}
	trimmed := strings.TrimSpace(string(r.Parameters))
	if !strings.HasPrefix(trimmed, "{") {
		return errors.New("parameters must be a JSON object")
	}
	if strings.TrimSpace(r.SessionID) == "" {
		return errors.New("session_id is required")
	}
	if r.MaxAttempts < 0 {
		return errors.New("max attempts must be >= 0")
	}
	return nil
}

// JobStats counts jobs by status.
type JobStats struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}
