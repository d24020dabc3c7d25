// Package fakes provides in-memory implementations of the core ports for
// processor, runner and service tests.
package fakes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/target/geojobs/internal/data"
	"github.com/target/geojobs/internal/domain/model"
)

// JobStore is an in-memory job store that mirrors the status guards of data.JobRepo.
// When Queue is set, Create enqueues the job like the Postgres repo does.
type JobStore struct {
	mu    sync.Mutex
	jobs  map[string]*model.Job
	order []string

	Queue *Queue
	Now   func() time.Time

	// CompleteErr and FailErr make the next terminal writes fail.
	CompleteErr error
	FailErr     error
}

// NewJobStore creates an empty JobStore wired to q (which may be nil).
func NewJobStore(q *Queue) *JobStore {
	return &JobStore{jobs: map[string]*model.Job{}, Queue: q, Now: time.Now}
}

func (s *JobStore) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

// Create implements core.JobRepository.
func (s *JobStore) Create(_ context.Context, req *model.SubmitJobRequest) (*model.Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	job := &model.Job{
		ID:             uuid.NewString(),
		Type:           req.Type,
		Status:         model.JobStatusQueued,
		Parameters:     append(json.RawMessage(nil), req.Parameters...),
		SessionID:      req.SessionID,
		ProjectID:      req.ProjectID,
		OrganizationID: req.OrganizationID,
		UserID:         req.UserID,
		CreatedAt:      s.now(),
	}
	s.Put(job)
	if s.Queue != nil {
		maxAttempts := req.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = data.DefaultMaxAttempts
		}
		s.Queue.Push(job, maxAttempts)
	}
	return clone(job), nil
}

// Put stores a job as-is, for seeding tests.
func (s *JobStore) Put(job *model.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		s.order = append(s.order, job.ID)
	}
	s.jobs[job.ID] = clone(job)
}

// GetByID implements core.JobRepository.
func (s *JobStore) GetByID(_ context.Context, id string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, data.ErrJobNotFound
	}
	return clone(job), nil
}

// MarkRunning implements core.JobRepository.
func (s *JobStore) MarkRunning(_ context.Context, id string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.transitionLocked(id, model.JobStatusRunning)
	if err != nil {
		return nil, err
	}
	job.Status = model.JobStatusRunning
	if job.StartedAt == nil {
		now := s.now()
		job.StartedAt = &now
	}
	return clone(job), nil
}

// Complete implements core.JobRepository.
func (s *JobStore) Complete(_ context.Context, id string, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CompleteErr != nil {
		return s.CompleteErr
	}
	job, err := s.transitionLocked(id, model.JobStatusCompleted)
	if err != nil {
		return err
	}
	now := s.now()
	job.Status = model.JobStatusCompleted
	job.Result = append(json.RawMessage(nil), result...)
	job.ErrorMessage = nil
	job.CompletedAt = &now
	return nil
}

// Fail implements core.JobRepository.
func (s *JobStore) Fail(_ context.Context, id, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailErr != nil {
		return s.FailErr
	}
	job, err := s.transitionLocked(id, model.JobStatusFailed)
	if err != nil {
		return err
	}
	now := s.now()
	job.Status = model.JobStatusFailed
	job.ErrorMessage = &errMsg
	job.Result = nil
	job.CompletedAt = &now
	return nil
}

// transitionLocked returns the job if its status may move to next. Terminal
// writes also require a running job, like the guarded UPDATEs in data.JobRepo.
func (s *JobStore) transitionLocked(id string, next model.JobStatus) (*model.Job, error) {
	job, ok := s.jobs[id]
	if !ok {
		return nil, data.ErrJobNotFound
	}
	switch {
	case job.Status.Terminal():
		return nil, data.ErrJobTerminal
	case next.Terminal() && job.Status != model.JobStatusRunning:
		return nil, fmt.Errorf("%w: job %s is %s", data.ErrJobNotRunning, id, job.Status)
	case !job.Status.CanTransitionTo(next):
		return nil, fmt.Errorf("job %s cannot move from %s to %s", id, job.Status, next)
	}
	return job, nil
}

// List implements core.JobRepository.
func (s *JobStore) List(_ context.Context, opts data.ListJobsOptions) ([]*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Job
	for i := len(s.order) - 1; i >= 0; i-- {
		job := s.jobs[s.order[i]]
		if opts.ProjectID != "" && job.ProjectIDOrEmpty() != opts.ProjectID {
			continue
		}
		if opts.Status != "" && job.Status != opts.Status {
			continue
		}
		if opts.Type != "" && job.Type != opts.Type {
			continue
		}
		out = append(out, clone(job))
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	return out, nil
}

// Stats implements core.JobRepository.
func (s *JobStore) Stats(_ context.Context, projectID string) (*model.JobStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := &model.JobStats{}
	for _, job := range s.jobs {
		if projectID != "" && job.ProjectIDOrEmpty() != projectID {
			continue
		}
		switch job.Status {
		case model.JobStatusQueued:
			stats.Queued++
		case model.JobStatusRunning:
			stats.Running++
		case model.JobStatusCompleted:
			stats.Completed++
		case model.JobStatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

// Job returns the stored job or nil.
func (s *JobStore) Job(id string) *model.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[id]; ok {
		return clone(job)
	}
	return nil
}

func clone(job *model.Job) *model.Job {
	cp := *job
	return &cp
}

type queueEntry struct {
	delivery    model.Delivery
	availableAt time.Time
	leasedUntil time.Time
	dead        bool
	lastError   string
}

// Queue is an in-memory work queue with leases and dead-lettering.
type Queue struct {
	mu      sync.Mutex
	entries map[string]*queueEntry
	order   []string
	now     func() time.Time

	acked    []string
	released []string
	// ReserveErr makes ReserveNext fail with this error.
	ReserveErr error
}

// NewQueue creates an empty Queue.
func NewQueue() *Queue {
	return &Queue{entries: map[string]*queueEntry{}, now: time.Now}
}

// Push adds an available entry for job.
func (q *Queue) Push(job *model.Job, maxAttempts int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries[job.ID] = &queueEntry{
		delivery: model.Delivery{
			JobID:       job.ID,
			JobType:     job.Type,
			Parameters:  job.Parameters,
			MaxAttempts: maxAttempts,
		},
		availableAt: q.now(),
	}
	q.order = append(q.order, job.ID)
}

// ReserveNext implements core.WorkQueue. Entries are handed out in push order.
func (q *Queue) ReserveNext(_ context.Context, lease time.Duration) (*model.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ReserveErr != nil {
		return nil, q.ReserveErr
	}
	now := q.now()
	for _, id := range q.order {
		e, ok := q.entries[id]
		if !ok || e.dead || e.availableAt.After(now) || e.leasedUntil.After(now) {
			continue
		}
		e.delivery.Attempts++
		e.leasedUntil = now.Add(lease)
		e.delivery.LeaseExpiresAt = e.leasedUntil
		d := e.delivery
		return &d, nil
	}
	return nil, data.ErrNoJobsAvailable
}

// Heartbeat implements core.WorkQueue.
func (q *Queue) Heartbeat(_ context.Context, jobID string, lease time.Duration) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[jobID]
	if !ok || e.dead {
		return false, nil
	}
	e.leasedUntil = q.now().Add(lease)
	return true, nil
}

// Ack implements core.WorkQueue.
func (q *Queue) Ack(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.entries[jobID]; !ok {
		return data.ErrQueueEntryNotFound
	}
	delete(q.entries, jobID)
	q.acked = append(q.acked, jobID)
	return nil
}

// Release implements core.WorkQueue.
func (q *Queue) Release(_ context.Context, jobID, cause string, backoff time.Duration) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[jobID]
	if !ok {
		return false, data.ErrQueueEntryNotFound
	}
	q.released = append(q.released, jobID)
	e.lastError = cause
	e.leasedUntil = time.Time{}
	if e.delivery.Attempts >= e.delivery.MaxAttempts {
		e.dead = true
		return true, nil
	}
	e.availableAt = q.now().Add(backoff)
	return false, nil
}

// Stats implements core.WorkQueue.
func (q *Queue) Stats(_ context.Context) (*model.QueueStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	stats := &model.QueueStats{}
	for _, e := range q.entries {
		switch {
		case e.dead:
			stats.Dead++
		case e.leasedUntil.After(now):
			stats.Leased++
		default:
			stats.Ready++
		}
	}
	return stats, nil
}

// Acked returns the acknowledged job ids in order.
func (q *Queue) Acked() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.acked...)
}

// Released returns the released job ids in order, one per Release call.
func (q *Queue) Released() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.released...)
}

// Len returns the number of unacknowledged entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// EventRecorder records published lifecycle events.
type EventRecorder struct {
	mu     sync.Mutex
	events []model.JobEvent
}

// Publish implements core.EventPublisher.
func (r *EventRecorder) Publish(_ context.Context, evt model.JobEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

// Events returns a copy of the recorded events.
func (r *EventRecorder) Events() []model.JobEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.JobEvent(nil), r.events...)
}

// Kinds returns the event kinds recorded for jobID, in order.
func (r *EventRecorder) Kinds(jobID string) []model.JobEventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.JobEventKind
	for _, e := range r.events {
		if e.JobID == jobID {
			out = append(out, e.Kind)
		}
	}
	return out
}

// ErrInjected is a convenience error for failure injection.
var ErrInjected = errors.New("injected failure")

// sortedKeys returns map keys in order; used for deterministic listings.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
