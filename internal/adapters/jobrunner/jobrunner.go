// Package jobrunner provides the worker pool that drains the geojobs work queue.
package jobrunner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/target/geojobs/internal/data"
	domainjob "github.com/target/geojobs/internal/domain/job"
	"github.com/target/geojobs/internal/domain/model"
	obserrors "github.com/target/geojobs/internal/observability/errors"
	"github.com/target/geojobs/internal/processor"
	"github.com/target/geojobs/internal/service"
)

const (
	defaultConcurrency     = 5
	defaultLease           = 60 * time.Second
	defaultPollInterval    = 2 * time.Second
	defaultShutdownTimeout = 30 * time.Second
	defaultStatsInterval   = 15 * time.Second
)

// ErrDrainTimeout is returned by Run when in-flight jobs had to be cancelled
// because they outlived the shutdown timeout.
var ErrDrainTimeout = errors.New("worker pool drain timed out")

// PanicError is the failure recorded for a processor that panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("processor panic: %v", e.Value)
}

// RunnerOptions configures the worker pool.
type RunnerOptions struct {
	Jobs     *service.JobService // Required
	Registry *processor.Registry // Required
	Logger   *slog.Logger

	Concurrency     int           // worker goroutines; defaults to 5
	Lease           time.Duration // per-delivery lease; defaults to 60s
	PollInterval    time.Duration // idle re-check when no wakeup arrives; defaults to 2s
	ShutdownTimeout time.Duration // drain budget for in-flight jobs; defaults to 30s
	StatsInterval   time.Duration // queue gauge refresh; defaults to 15s, negative disables
}

// Runner reserves deliveries and executes them through the processor registry.
type Runner struct {
	jobs            *service.JobService
	registry        *processor.Registry
	logger          *slog.Logger
	workers         int
	lease           time.Duration
	pollInterval    time.Duration
	shutdownTimeout time.Duration
	statsInterval   time.Duration
}

// NewRunner validates options and constructs a Runner.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Jobs == nil {
		return nil, errors.New("job service is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("processor registry is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Runner{
		jobs:            opts.Jobs,
		registry:        opts.Registry,
		logger:          logger.With("component", "job_runner"),
		workers:         opts.Concurrency,
		lease:           opts.Lease,
		pollInterval:    opts.PollInterval,
		shutdownTimeout: opts.ShutdownTimeout,
		statsInterval:   opts.StatsInterval,
	}
	if r.workers <= 0 {
		r.workers = defaultConcurrency
	}
	if r.lease <= 0 {
		r.lease = defaultLease
	}
	if r.pollInterval <= 0 {
		r.pollInterval = defaultPollInterval
	}
	if r.shutdownTimeout <= 0 {
		r.shutdownTimeout = defaultShutdownTimeout
	}
	if r.statsInterval == 0 {
		r.statsInterval = defaultStatsInterval
	}
	return r, nil
}

// Run starts the workers and blocks until ctx is cancelled and in-flight jobs
// have drained. Jobs run on a context detached from ctx; it is cancelled only
// when the shutdown timeout elapses.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting job runner",
		"workers", r.workers,
		"lease", r.lease,
		"job_types", r.registry.Types(),
	)

	unsub, notify := r.jobs.Subscribe()
	defer unsub()

	jobCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelJobs()

	g, gctx := errgroup.WithContext(ctx)
	for i := range r.workers {
		g.Go(func() error {
			r.workerLoop(gctx, jobCtx, i, notify)
			return nil
		})
	}
	if r.statsInterval > 0 {
		g.Go(func() error {
			r.statsLoop(gctx)
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	r.logger.InfoContext(ctx, "draining in-flight jobs", "timeout", r.shutdownTimeout)
	timer := time.NewTimer(r.shutdownTimeout)
	defer timer.Stop()
	select {
	case <-done:
		r.logger.InfoContext(ctx, "job runner stopped")
		return nil
	case <-timer.C:
		r.logger.WarnContext(ctx, "shutdown timeout elapsed; cancelling in-flight jobs")
		cancelJobs()
		<-done
		return ErrDrainTimeout
	}
}

// workerLoop reserves until ctx is done. Deliveries are processed on jobCtx.
func (r *Runner) workerLoop(ctx, jobCtx context.Context, worker int, notify <-chan struct{}) {
	logger := r.logger.With("worker", worker)
	for ctx.Err() == nil {
		d, err := r.jobs.ReserveNext(ctx, r.lease)
		switch {
		case err == nil:
			r.handle(jobCtx, d)
			continue
		case errors.Is(err, model.ErrNoJobsAvailable):
		case ctx.Err() != nil:
			return
		default:
			logger.ErrorContext(ctx, "reserve next job failed", "error", err)
		}

		var ok bool
		if notify, ok = r.wait(ctx, notify); !ok {
			return
		}
	}
}

// wait blocks until a wakeup, the poll interval, or ctx cancellation. A
// closed wakeup channel is dropped so the worker falls back to polling.
func (r *Runner) wait(ctx context.Context, notify <-chan struct{}) (<-chan struct{}, bool) {
	timer := time.NewTimer(r.pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return notify, false
	case _, open := <-notify:
		if !open {
			return nil, true
		}
		return notify, true
	case <-timer.C:
		return notify, true
	}
}

func (r *Runner) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(r.statsInterval)
	defer ticker.Stop()
	for {
		if _, err := r.jobs.QueueStats(ctx); err != nil && ctx.Err() == nil {
			r.logger.WarnContext(ctx, "refresh queue stats failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// handle takes one delivery from reservation to acknowledgement. The queue
// entry is acknowledged only after the job's terminal status is stored.
func (r *Runner) handle(jobCtx context.Context, d *model.Delivery) {
	// Store writes outlive a forced shutdown so a cancelled job still records its failure.
	ctx := context.WithoutCancel(jobCtx)
	logger := r.logger.With("job_id", d.JobID, "job_type", d.JobType, "attempt", d.Attempts)

	current, err := r.jobs.Get(ctx, d.JobID)
	switch {
	case errors.Is(err, data.ErrJobNotFound):
		logger.WarnContext(ctx, "dropping queue entry without a job row")
		r.ack(ctx, logger, d)
		return
	case err != nil:
		logger.ErrorContext(ctx, "load job failed", "error", err)
		r.release(ctx, logger, d, err, false)
		return
	case current.Status.Terminal():
		logger.InfoContext(ctx, "skipping redelivered job already in terminal state", "status", current.Status)
		r.ack(ctx, logger, d)
		return
	}

	job, err := r.jobs.Start(ctx, d.JobID)
	if errors.Is(err, data.ErrJobTerminal) {
		logger.InfoContext(ctx, "job reached a terminal state before it started")
		r.ack(ctx, logger, d)
		return
	}
	if err != nil {
		logger.ErrorContext(ctx, "mark job running failed", "error", err)
		r.release(ctx, logger, d, err, false)
		return
	}
	logger.InfoContext(ctx, "job started", "redelivered", d.Redelivered())

	stopHeartbeat := r.startHeartbeat(jobCtx, logger, d.JobID)
	start := time.Now()
	result, runErr := r.execute(jobCtx, job)
	stopHeartbeat()
	elapsed := time.Since(start)

	var writeErr error
	if runErr == nil {
		writeErr = r.jobs.Complete(ctx, job, result, elapsed)
		if writeErr == nil {
			logger.InfoContext(ctx, "job completed", "duration_ms", elapsed.Milliseconds())
		}
	} else {
		r.logFailure(ctx, logger, runErr, elapsed)
		writeErr = r.jobs.Fail(ctx, job, runErr, elapsed)
	}

	switch {
	case writeErr == nil:
		r.ack(ctx, logger, d)
	case errors.Is(writeErr, data.ErrJobTerminal):
		logger.WarnContext(ctx, "job was finished by another delivery", "error", writeErr)
		r.ack(ctx, logger, d)
	default:
		logger.ErrorContext(ctx, "store terminal status failed; releasing for redelivery", "error", writeErr)
		r.release(ctx, logger, d, writeErr, true)
	}
}

// execute resolves and runs the processor, converting panics and unknown job
// types into job failures.
func (r *Runner) execute(ctx context.Context, job *model.Job) (result json.RawMessage, err error) {
	p, err := r.registry.Lookup(job.Type)
	if err != nil {
		return nil, err
	}

	defer func() {
		if rec := recover(); rec != nil {
			result = nil
			err = &PanicError{Value: rec, Stack: debug.Stack()}
		}
	}()

	out, err := p.Process(ctx, job)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return raw, nil
}

func (r *Runner) logFailure(ctx context.Context, logger *slog.Logger, err error, elapsed time.Duration) {
	attrs := []any{
		"error", err,
		"error_class", obserrors.Classify(err),
		"error_type", obserrors.TypeName(err),
		"error_detail", fmt.Sprintf("%+v", err),
		"duration_ms", elapsed.Milliseconds(),
	}
	var pe *PanicError
	if errors.As(err, &pe) {
		attrs = append(attrs, "stack", string(pe.Stack))
	}
	logger.ErrorContext(ctx, "job failed", attrs...)
}

// startHeartbeat extends the lease until the returned func is called.
func (r *Runner) startHeartbeat(ctx context.Context, logger *slog.Logger, jobID string) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(domainjob.HeartbeatInterval(r.lease))
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			ok, err := r.jobs.Heartbeat(ctx, jobID, r.lease)
			switch {
			case err != nil && ctx.Err() == nil:
				logger.WarnContext(ctx, "heartbeat failed", "error", err)
			case err == nil && !ok:
				logger.WarnContext(ctx, "lease lost; job may be redelivered")
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (r *Runner) ack(ctx context.Context, logger *slog.Logger, d *model.Delivery) {
	if err := r.jobs.Ack(ctx, d.JobID); err != nil {
		logger.ErrorContext(ctx, "ack queue entry failed", "error", err)
	}
}

func (r *Runner) release(ctx context.Context, logger *slog.Logger, d *model.Delivery, cause error, started bool) {
	if _, err := r.jobs.Release(ctx, d, cause, started); err != nil {
		logger.ErrorContext(ctx, "release queue entry failed", "error", err)
	}
}
