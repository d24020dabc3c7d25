package data

import (
	"errors"

	"github.com/target/geojobs/internal/domain/model"
)

// Shared sentinel errors for data-layer repositories.
var (
	// ErrJobNotFound is returned when a job row does not exist.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobTerminal is returned when a status write targets a job that already completed or failed.
	ErrJobTerminal = errors.New("job already in a terminal state")
	// ErrJobNotRunning is returned when a terminal write targets a job that has not started.
	ErrJobNotRunning = errors.New("job is not running")
	// ErrNoJobsAvailable is returned by ReserveNext when no queue entry is ready.
	ErrNoJobsAvailable = model.ErrNoJobsAvailable
	// ErrQueueEntryNotFound is returned when a queue entry was already acknowledged or never existed.
	ErrQueueEntryNotFound = errors.New("queue entry not found")

	ErrProjectNotFound = errors.New("project not found")
	ErrDatasetNotFound = errors.New("dataset not found")

	ErrJobIDRequired     = errors.New("job_id is required")
	ErrProjectIDRequired = errors.New("project_id is required")

	// ErrDuplicateRecord is returned when an insert collides with an existing primary key.
	ErrDuplicateRecord = errors.New("record already exists")
)
