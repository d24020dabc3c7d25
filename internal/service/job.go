// Package service holds the job lifecycle operations shared by producers, the
// worker pool and the admin CLI.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/geojobs/internal/core"
	"github.com/target/geojobs/internal/data"
	domainjob "github.com/target/geojobs/internal/domain/job"
	"github.com/target/geojobs/internal/domain/model"
	"github.com/target/geojobs/internal/observability/metrics"
)

// ErrInvalidSubmission wraps submission records rejected before they reach the store.
var ErrInvalidSubmission = errors.New("invalid job submission")

// JobServiceOptions groups dependencies for JobService.
type JobServiceOptions struct {
	Jobs            core.JobRepository        // Required: job store
	Queue           core.WorkQueue            // Required: work queue
	DefaultLease    time.Duration             // Required unless LeasePolicy is set
	ReleaseBackoff  time.Duration             // Optional: base redelivery delay after a failed terminal write
	Logger          *slog.Logger              // Optional: structured logger
	Events          core.EventPublisher       // Optional: lifecycle event sink
	Metrics         *metrics.JobMetrics       // Optional: Prometheus collectors
	LeasePolicy     *domainjob.LeasePolicy    // Optional: override default lease policy
	Notifier        domainjob.Notifier        // Optional: custom wakeup notifier
	NotifierOptions domainjob.NotifierOptions // Optional: configure the default notifier
	Now             func() time.Time          // Optional: clock for event timestamps
}

// JobService is the single place job status changes are made. Every status
// write is paired with its lifecycle event and metric.
type JobService struct {
	jobs           core.JobRepository
	queue          core.WorkQueue
	leasePolicy    *domainjob.LeasePolicy
	releaseBackoff time.Duration
	notifier       domainjob.Notifier
	events         core.EventPublisher
	metrics        *metrics.JobMetrics
	logger         *slog.Logger
	now            func() time.Time
}

// NewJobService constructs a new JobService.
func NewJobService(opts JobServiceOptions) (*JobService, error) {
	if opts.Jobs == nil {
		return nil, errors.New("JobRepository is required")
	}
	if opts.Queue == nil {
		return nil, errors.New("WorkQueue is required")
	}

	var leasePolicy *domainjob.LeasePolicy
	switch {
	case opts.LeasePolicy != nil:
		leasePolicy = opts.LeasePolicy
	case opts.DefaultLease > 0:
		var err error
		leasePolicy, err = domainjob.NewLeasePolicy(opts.DefaultLease)
		if err != nil {
			return nil, fmt.Errorf("create lease policy: %w", err)
		}
	default:
		return nil, errors.New("DefaultLease must be positive")
	}

	notifier := opts.Notifier
	if notifier == nil {
		options := opts.NotifierOptions
		if options.Waiter == nil {
			if w, ok := opts.Queue.(domainjob.Waiter); ok {
				options.Waiter = w
			}
		}
		if options.Waiter != nil {
			var err error
			notifier, err = domainjob.NewNotifier(options)
			if err != nil {
				return nil, fmt.Errorf("create job notifier: %w", err)
			}
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "job_service")

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &JobService{
		jobs:           opts.Jobs,
		queue:          opts.Queue,
		leasePolicy:    leasePolicy,
		releaseBackoff: opts.ReleaseBackoff,
		notifier:       notifier,
		events:         opts.Events,
		metrics:        opts.Metrics,
		logger:         logger,
		now:            now,
	}, nil
}

// MustNewJobService constructs a new JobService and panics on error.
func MustNewJobService(opts JobServiceOptions) *JobService {
	svc, err := NewJobService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create JobService: %v", err))
	}
	return svc
}

// Submit stores a queued job with its queue entry and announces it as waiting.
func (s *JobService) Submit(ctx context.Context, req *model.SubmitJobRequest) (*model.Job, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSubmission, err)
	}

	job, err := s.jobs.Create(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	s.metrics.JobSubmitted(job.Type)
	s.publish(ctx, model.JobEvent{Kind: model.JobEventWaiting, JobID: job.ID, JobType: job.Type})
	s.logger.DebugContext(ctx, "job submitted", "job_id", job.ID, "job_type", job.Type)
	return job, nil
}

// Get returns a job by id.
func (s *JobService) Get(ctx context.Context, id string) (*model.Job, error) {
	job, err := s.jobs.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// List returns jobs matching opts, newest first.
func (s *JobService) List(ctx context.Context, opts data.ListJobsOptions) ([]*model.Job, error) {
	jobs, err := s.jobs.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// ReserveNext claims the next available queue entry. It returns an error
// matching model.ErrNoJobsAvailable when the queue is idle.
func (s *JobService) ReserveNext(ctx context.Context, lease time.Duration) (*model.Delivery, error) {
	decision := s.leasePolicy.Resolve(lease)
	if decision.Clamped() {
		s.logger.DebugContext(ctx, "clamped sub-second lease duration to 1 second",
			"requested_duration", decision.Requested)
	}

	d, err := s.queue.ReserveNext(ctx, decision.Lease)
	if err != nil {
		return nil, fmt.Errorf("reserve next job: %w", err)
	}
	s.logger.DebugContext(ctx, "job reserved",
		"job_id", d.JobID,
		"job_type", d.JobType,
		"attempt", d.Attempts,
		"lease", decision.Lease,
	)
	return d, nil
}

// Subscribe registers for queue wakeups. Without a notifier the returned
// channel never fires and callers fall back to polling.
func (s *JobService) Subscribe() (func(), <-chan struct{}) {
	if s.notifier == nil {
		return func() {}, nil
	}
	return s.notifier.Subscribe()
}

// Heartbeat extends the lease on an in-flight job.
func (s *JobService) Heartbeat(ctx context.Context, id string, extend time.Duration) (bool, error) {
	decision := s.leasePolicy.Resolve(extend)
	updated, err := s.queue.Heartbeat(ctx, id, decision.Lease)
	if err != nil {
		return false, fmt.Errorf("heartbeat job %s: %w", id, err)
	}
	return updated, nil
}

// Start moves a job to running and announces it as active.
func (s *JobService) Start(ctx context.Context, id string) (*model.Job, error) {
	job, err := s.jobs.MarkRunning(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("start job %s: %w", id, err)
	}
	s.metrics.JobStarted(job.Type)
	s.publish(ctx, model.JobEvent{Kind: model.JobEventActive, JobID: job.ID, JobType: job.Type})
	return job, nil
}

// Complete stores the result of a running job and announces it. The event is
// only published once the write has landed.
func (s *JobService) Complete(ctx context.Context, job *model.Job, result json.RawMessage, elapsed time.Duration) error {
	if err := s.jobs.Complete(ctx, job.ID, result); err != nil {
		return fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	s.metrics.JobFinished(job.Type, elapsed, nil)
	s.publish(ctx, model.JobEvent{Kind: model.JobEventCompleted, JobID: job.ID, JobType: job.Type, Result: result})
	return nil
}

// Fail stores cause as the job's error message and announces the failure.
func (s *JobService) Fail(ctx context.Context, job *model.Job, cause error, elapsed time.Duration) error {
	if cause == nil {
		return errors.New("failure cause required")
	}
	reason := cause.Error()
	if err := s.jobs.Fail(ctx, job.ID, reason); err != nil {
		return fmt.Errorf("fail job %s: %w", job.ID, err)
	}
	s.metrics.JobFinished(job.Type, elapsed, cause)
	s.publish(ctx, model.JobEvent{Kind: model.JobEventFailed, JobID: job.ID, JobType: job.Type, Reason: reason})
	return nil
}

// Ack removes a finished delivery from the queue.
func (s *JobService) Ack(ctx context.Context, id string) error {
	if err := s.queue.Ack(ctx, id); err != nil {
		return fmt.Errorf("ack job %s: %w", id, err)
	}
	return nil
}

// Release hands a delivery back to the queue with exponential backoff. started
// reports whether Start succeeded for this delivery. dead is true when the
// entry ran out of attempts.
func (s *JobService) Release(ctx context.Context, d *model.Delivery, cause error, started bool) (bool, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	backoff := domainjob.ReleaseBackoff(s.releaseBackoff, d.Attempts)
	dead, err := s.queue.Release(ctx, d.JobID, msg, backoff)
	if err != nil {
		return false, fmt.Errorf("release job %s: %w", d.JobID, err)
	}
	if started {
		s.metrics.JobReleased(d.JobType)
	}
	if dead {
		s.logger.ErrorContext(ctx, "queue entry exhausted its delivery attempts",
			"job_id", d.JobID,
			"job_type", d.JobType,
			"attempts", d.Attempts,
			"error", msg,
		)
	}
	return dead, nil
}

// QueueStats returns queue depth and refreshes the queue gauges.
func (s *JobService) QueueStats(ctx context.Context) (*model.QueueStats, error) {
	stats, err := s.queue.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	s.metrics.SetQueueStats(stats)
	return stats, nil
}

// Close stops the wakeup listener.
func (s *JobService) Close() {
	if s.notifier != nil {
		s.notifier.StopAll()
	}
}

func (s *JobService) publish(ctx context.Context, evt model.JobEvent) {
	if s.events == nil {
		return
	}
	evt.Timestamp = s.now().UTC()
	s.events.Publish(ctx, evt)
}
