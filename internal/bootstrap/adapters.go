package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/target/geojobs/config"
	"github.com/target/geojobs/internal/adapters/jobrunner"
	"github.com/target/geojobs/internal/processor"
	"github.com/target/geojobs/internal/service"
)

// WorkerPoolConfig contains configuration for the worker pool.
type WorkerPoolConfig struct {
	Jobs     *service.JobService
	Registry *processor.Registry
	Worker   config.WorkerConfig
	Logger   *slog.Logger
}

// RunWorkerPool runs the worker pool until ctx is cancelled and in-flight
// jobs have drained.
func RunWorkerPool(ctx context.Context, cfg WorkerPoolConfig) error {
	runner, err := jobrunner.NewRunner(jobrunner.RunnerOptions{
		Jobs:            cfg.Jobs,
		Registry:        cfg.Registry,
		Logger:          cfg.Logger,
		Concurrency:     cfg.Worker.Concurrency,
		Lease:           cfg.Worker.Lease,
		PollInterval:    cfg.Worker.PollInterval,
		ShutdownTimeout: cfg.Worker.ShutdownTimeout,
	})
	if err != nil {
		return fmt.Errorf("create job runner: %w", err)
	}

	err = runner.Run(ctx)
	if errors.Is(err, jobrunner.ErrDrainTimeout) {
		// Cancelled jobs were recorded as failed; shutdown itself succeeded.
		if cfg.Logger != nil {
			cfg.Logger.WarnContext(ctx, "worker pool stopped after cancelling in-flight jobs")
		}
		return nil
	}
	return err
}
