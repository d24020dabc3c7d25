package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/target/geojobs/config"
	"github.com/target/geojobs/internal/core"
	"github.com/target/geojobs/internal/data"
	"github.com/target/geojobs/internal/observability/events"
	"github.com/target/geojobs/internal/observability/metrics"
	"github.com/target/geojobs/internal/processor"
	"github.com/target/geojobs/internal/raster"
	"github.com/target/geojobs/internal/service"
	"github.com/target/geojobs/internal/storage"
)

// ServiceContainer holds all application services.
type ServiceContainer struct {
	Jobs          *service.JobService
	Registry      *processor.Registry
	Observability ObservabilityContainer
}

// ObservabilityContainer groups shared observability dependencies.
type ObservabilityContainer struct {
	// Registry is nil when metrics are disabled.
	Registry   *prometheus.Registry
	JobMetrics *metrics.JobMetrics
	// Hub is nil when the websocket stream is disabled.
	Hub       *events.Hub
	Publisher core.EventPublisher
	Config    config.ObservabilityConfig
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// serviceRepositories groups data adapters backing service ports.
type serviceRepositories struct {
	Jobs         *data.JobRepo
	Queue        *data.QueueRepo
	Projects     *data.ProjectRepo
	Datasets     *data.DatasetRepo
	Features     *data.FeatureRepo
	IndexResults *data.IndexResultRepo
	Reports      *data.ReportRepo
	// RasterCache is nil without Redis.
	RasterCache *data.RasterCacheRepo
}

// buildObservability configures metrics and lifecycle event sinks.
func buildObservability(
	logger *slog.Logger,
	cfg config.ObservabilityConfig,
	redisClient redis.UniversalClient,
) (ObservabilityContainer, error) {
	obs := ObservabilityContainer{Config: cfg}

	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		jm, err := metrics.NewJobMetrics(reg)
		if err != nil {
			return obs, fmt.Errorf("register job metrics: %w", err)
		}
		obs.Registry = reg
		obs.JobMetrics = jm
	}

	fanout := events.Fanout{events.LogPublisher{Logger: logger}}
	if redisClient != nil && cfg.Events.RedisChannel != "" {
		fanout = append(fanout, events.NewRedisPublisher(events.RedisPublisherOptions{
			Client:  redisClient,
			Channel: cfg.Events.RedisChannel,
			Logger:  logger,
		}))
	}
	if cfg.Events.WebsocketEnabled {
		obs.Hub = events.NewHub(logger)
		fanout = append(fanout, obs.Hub)
	}
	obs.Publisher = fanout

	return obs, nil
}

// buildRepositories builds repositories backing service ports; no business rules here.
func buildRepositories(db *sql.DB, redisClient redis.UniversalClient, cfg *config.AppConfig, logger *slog.Logger) *serviceRepositories {
	queue := data.NewQueueRepo(db, data.QueueRepoConfig{Logger: logger})
	repos := &serviceRepositories{
		Jobs: data.NewJobRepo(db, data.RepoConfig{
			Logger:             logger,
			Queue:              queue,
			DefaultMaxAttempts: cfg.Worker.MaxAttempts,
		}),
		Queue:        queue,
		Projects:     data.NewProjectRepo(db),
		Datasets:     data.NewDatasetRepo(db),
		Features:     data.NewFeatureRepo(db, nil),
		IndexResults: data.NewIndexResultRepo(db, nil),
		Reports:      data.NewReportRepo(db, nil),
	}
	if redisClient != nil && cfg.Raster.CacheTTL > 0 {
		repos.RasterCache = data.NewRasterCacheRepo(redisClient, "")
	}
	return repos
}

// buildObjectStore selects the artifact store and makes sure a bucket exists.
//
//nolint:ireturn // the provider is chosen from configuration.
func buildObjectStore(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (core.ObjectStore, error) {
	store, err := storage.New(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("create object store: %w", err)
	}
	if ms, ok := store.(*storage.MinioStore); ok {
		if err := ms.EnsureBucket(ctx, cfg.Region); err != nil {
			return nil, fmt.Errorf("ensure bucket %s: %w", cfg.Bucket, err)
		}
	}
	logger.InfoContext(ctx, "object store ready", "provider", cfg.Provider)
	return store, nil
}

func newRasterLoader(repos *serviceRepositories, cfg config.RasterConfig, logger *slog.Logger) *raster.Loader {
	opts := raster.LoaderOptions{
		Datasets:        repos.Datasets,
		Logger:          logger,
		FetchTimeout:    cfg.FetchTimeout,
		MaxBytes:        cfg.MaxBytes,
		AllowedDomains:  cfg.AllowedDomains,
		CacheTTL:        cfg.CacheTTL,
		CacheMaxBytes:   cfg.CacheMaxBytes,
		BreakerFailures: cfg.BreakerFailures,
		BreakerCooldown: cfg.BreakerCooldown,
	}
	if repos.RasterCache != nil {
		opts.Cache = repos.RasterCache
	}
	return raster.NewLoader(opts)
}

// buildRegistry registers every processor. A deployment missing a job type
// refuses to start rather than failing those jobs at runtime.
func buildRegistry(repos *serviceRepositories, rasters core.RasterSource, store core.ObjectStore, logger *slog.Logger) (*processor.Registry, error) {
	reg, err := processor.NewRegistry(
		processor.NewBufferProcessor(processor.BufferOptions{Features: repos.Features, Logger: logger}),
		processor.NewNDVIProcessor(processor.NDVIOptions{
			Rasters:      rasters,
			Store:        store,
			IndexResults: repos.IndexResults,
			Logger:       logger,
		}),
		processor.NewZonalProcessor(processor.ZonalOptions{Rasters: rasters, Logger: logger}),
		processor.NewChangeProcessor(processor.ChangeOptions{Rasters: rasters, Store: store, Logger: logger}),
		processor.NewReportProcessor(processor.ReportOptions{
			Projects:     repos.Projects,
			Datasets:     repos.Datasets,
			Jobs:         repos.Jobs,
			IndexResults: repos.IndexResults,
			Features:     repos.Features,
			Reports:      repos.Reports,
			Store:        store,
			Logger:       logger,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("build processor registry: %w", err)
	}
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	return reg, nil
}

// NewServices wires repositories, processors and the job service.
func NewServices(ctx context.Context, deps *ServiceDeps) (ServiceContainer, error) {
	if deps == nil || deps.Config == nil || deps.DB == nil {
		return ServiceContainer{}, errors.New("config and database are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := deps.Config

	obs, err := buildObservability(logger, cfg.Observability, deps.RedisClient)
	if err != nil {
		return ServiceContainer{}, err
	}

	repos := buildRepositories(deps.DB, deps.RedisClient, cfg, logger)

	store, err := buildObjectStore(ctx, cfg.Storage, logger)
	if err != nil {
		return ServiceContainer{}, err
	}

	registry, err := buildRegistry(repos, newRasterLoader(repos, cfg.Raster, logger), store, logger)
	if err != nil {
		return ServiceContainer{}, err
	}

	jobs, err := service.NewJobService(service.JobServiceOptions{
		Jobs:           repos.Jobs,
		Queue:          repos.Queue,
		DefaultLease:   cfg.Worker.Lease,
		ReleaseBackoff: cfg.Worker.ReleaseBackoff,
		Logger:         logger,
		Events:         obs.Publisher,
		Metrics:        obs.JobMetrics,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create job service: %w", err)
	}

	return ServiceContainer{
		Jobs:          jobs,
		Registry:      registry,
		Observability: obs,
	}, nil
}

// ServiceOrchestrationConfig contains configuration for service orchestration.
type ServiceOrchestrationConfig struct {
	Config   *config.AppConfig
	Services ServiceContainer
	Logger   *slog.Logger
	// StartedAt anchors the uptime reported by /health.
	StartedAt time.Time
	// Signals overrides the shutdown signals; tests send on it directly.
	Signals <-chan os.Signal
}

// stopGrace is added to the worker drain timeout before giving up on it.
const stopGrace = 5 * time.Second

// serviceStartupDeps groups dependencies for service startup.
type serviceStartupDeps struct {
	ctx             context.Context
	cfg             *ServiceOrchestrationConfig
	logger          *slog.Logger
	enabledServices map[config.ServiceMode]bool
	errCh           chan error
}

// backgroundService describes a startable background component.
type backgroundService struct {
	mode  config.ServiceMode
	name  string
	start func(context.Context) error
}

// backgroundServiceHandle tracks a running background service.
type backgroundServiceHandle struct {
	mode config.ServiceMode
	name string
	done <-chan struct{}
}

// startHTTPServerIfEnabled starts the HTTP server if enabled.
func startHTTPServerIfEnabled(deps *serviceStartupDeps) *http.Server {
	if deps == nil || deps.cfg == nil || !deps.enabledServices[config.ServiceModeHTTP] {
		return nil
	}
	return StartHTTPServer(&HTTPServerConfig{
		Config:    deps.cfg.Config,
		Services:  deps.cfg.Services,
		Logger:    deps.logger,
		StartedAt: deps.cfg.StartedAt,
		ErrCh:     deps.errCh,
	})
}

func launchBackground(ctx context.Context, deps *serviceStartupDeps, descriptor backgroundService) <-chan struct{} {
	if deps == nil || !deps.enabledServices[descriptor.mode] {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := descriptor.start(ctx); err != nil {
			errMsg := fmt.Errorf("%s failed: %w", descriptor.name, err)
			select {
			case deps.errCh <- errMsg:
			case <-ctx.Done():
			default:
				deps.logger.WarnContext(ctx, "dropping background service error", "service", descriptor.name, "error", errMsg)
			}
		}
	}()

	deps.logger.InfoContext(ctx, "background service started", "service", descriptor.name, "mode", descriptor.mode)
	return done
}

func startBackgroundServices(deps *serviceStartupDeps, services []backgroundService) []backgroundServiceHandle {
	if deps == nil {
		return nil
	}
	handles := make([]backgroundServiceHandle, 0, len(services))

	for _, svc := range services {
		done := launchBackground(deps.ctx, deps, svc)
		if done == nil {
			continue
		}

		handles = append(handles, backgroundServiceHandle{
			mode: svc.mode,
			name: svc.name,
			done: done,
		})
	}

	return handles
}

func newWorkerBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeWorker,
		name: "worker pool",
		start: func(ctx context.Context) error {
			return RunWorkerPool(ctx, WorkerPoolConfig{
				Jobs:     deps.cfg.Services.Jobs,
				Registry: deps.cfg.Services.Registry,
				Worker:   deps.cfg.Config.Worker,
				Logger:   deps.logger,
			})
		},
	}
}

func buildBackgroundServices(deps *serviceStartupDeps) []backgroundService {
	if deps == nil {
		return nil
	}
	return []backgroundService{
		newWorkerBackgroundService(deps),
	}
}

// ServiceStartupResult holds the results of starting all services.
type ServiceStartupResult struct {
	HTTPServer *http.Server
	Background []backgroundServiceHandle
}

// startServices starts all enabled services and returns their completion channels.
func startServices(deps *serviceStartupDeps) ServiceStartupResult {
	return ServiceStartupResult{
		HTTPServer: startHTTPServerIfEnabled(deps),
		Background: startBackgroundServices(deps, buildBackgroundServices(deps)),
	}
}

// RunServicesWithShutdown starts all enabled services and manages their lifecycle.
// This function blocks until a shutdown signal is received or a service fails.
func RunServicesWithShutdown(cfg *ServiceOrchestrationConfig) error {
	if cfg == nil {
		return errors.New("service orchestration config is required")
	}
	if cfg.Config == nil {
		return errors.New("service orchestration config missing AppConfig")
	}
	serviceCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	enabledServices, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}
	if enabledServices[config.ServiceModeWorker] && (cfg.Services.Jobs == nil || cfg.Services.Registry == nil) {
		return errors.New("worker service requires a job service and processor registry")
	}
	errCh := make(chan error, errorChannelBufferSize(enabledServices))

	result := startServices(&serviceStartupDeps{
		ctx:             serviceCtx,
		cfg:             cfg,
		logger:          logger,
		enabledServices: enabledServices,
		errCh:           errCh,
	})

	signals := cfg.Signals
	if signals == nil {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)
		signals = quit
	}

	return waitForShutdown(shutdownConfig{
		ctx:         serviceCtx,
		cancel:      cancel,
		signals:     signals,
		errCh:       errCh,
		httpServer:  result.HTTPServer,
		httpTimeout: cfg.Config.HTTP.ShutdownTimeout,
		stopTimeout: cfg.Config.Worker.ShutdownTimeout + stopGrace,
		services:    cfg.Services,
		logger:      logger,
		backgrounds: result.Background,
	})
}

func errorChannelCapacity(enabled map[config.ServiceMode]bool) int {
	count := 0
	for _, mode := range config.ValidServiceModes() {
		if enabled[mode] {
			count++
		}
	}
	return count
}

func errorChannelBufferSize(enabled map[config.ServiceMode]bool) int {
	size := errorChannelCapacity(enabled) + 1
	if size < 1 {
		return 1
	}
	return size
}

// shutdownConfig contains dependencies for graceful shutdown.
type shutdownConfig struct {
	ctx         context.Context
	cancel      context.CancelFunc
	signals     <-chan os.Signal
	errCh       <-chan error
	httpServer  *http.Server
	httpTimeout time.Duration
	stopTimeout time.Duration
	services    ServiceContainer
	logger      *slog.Logger
	backgrounds []backgroundServiceHandle
}

// waitForShutdown waits for shutdown signal or service error.
func waitForShutdown(cfg shutdownConfig) error {
	select {
	case sig := <-cfg.signals:
		cfg.logger.Info("shutting down services", "signal", fmt.Sprint(sig))
		cfg.cancel()
		return gracefulStop(cfg)
	case err := <-cfg.errCh:
		cfg.logger.Error("service error", "error", err)
		cfg.cancel()
		if stopErr := gracefulStop(cfg); stopErr != nil {
			cfg.logger.Error("graceful stop failed", "error", stopErr)
		}
		return err
	}
}

// gracefulStop lets in-flight jobs drain, then stops the HTTP server so
// /health keeps answering while workers finish.
func gracefulStop(cfg shutdownConfig) error {
	for _, svc := range cfg.backgrounds {
		waitForService(svc.done, svc.name, cfg.stopTimeout, cfg.logger)
	}

	if cfg.services.Jobs != nil {
		cfg.services.Jobs.Close()
	}
	if hub := cfg.services.Observability.Hub; hub != nil {
		hub.Close()
	}

	if cfg.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(cfg.ctx), cfg.httpTimeout)
		defer cancel()

		if err := ShutdownHTTPServer(ShutdownConfig{
			Context: shutdownCtx,
			Server:  cfg.httpServer,
			Logger:  cfg.logger,
		}); err != nil {
			return err
		}
	}

	return nil
}

// waitForService waits for a service to finish with timeout.
func waitForService(done <-chan struct{}, name string, timeout time.Duration, logger *slog.Logger) {
	if done == nil {
		return
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		logger.Info(name + " stopped")
	case <-timer.C:
		logger.Warn("timeout waiting for " + name + " to stop")
	}
}
