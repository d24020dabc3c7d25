package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/target/geojobs/config"
	httpx "github.com/target/geojobs/internal/http"
)

// HTTPServerConfig contains configuration for HTTP server.
type HTTPServerConfig struct {
	Config    *config.AppConfig
	Services  ServiceContainer
	Logger    *slog.Logger
	StartedAt time.Time
	// ErrCh receives listener failures; nil only logs them.
	ErrCh chan<- error
}

// StartHTTPServer creates and starts the HTTP server.
// Returns the server instance for graceful shutdown.
func StartHTTPServer(cfg *HTTPServerConfig) *http.Server {
	if cfg == nil {
		return nil
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	appCfg := cfg.Config
	if appCfg == nil {
		appCfg = &config.AppConfig{}
	}

	server := &http.Server{
		Addr:         appCfg.HTTP.Addr,
		Handler:      buildHTTPHandler(cfg, appCfg, logger),
		ReadTimeout:  appCfg.HTTP.ReadTimeout,
		WriteTimeout: appCfg.HTTP.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}
	if server.Addr == "" {
		server.Addr = ":8080"
	}

	ln, err := net.Listen("tcp", server.Addr)
	if err != nil {
		reportServeError(cfg.ErrCh, logger, fmt.Errorf("listen on %s: %w", server.Addr, err))
		return nil
	}

	go func() {
		logger.Info("starting HTTP server", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			reportServeError(cfg.ErrCh, logger, fmt.Errorf("http server: %w", err))
		}
	}()

	return server
}

func buildHTTPHandler(cfg *HTTPServerConfig, appCfg *config.AppConfig, logger *slog.Logger) http.Handler {
	services := httpx.RouterServices{
		Jobs:      cfg.Services.Jobs,
		StartedAt: cfg.StartedAt,
		Logger:    logger,
	}

	obs := cfg.Services.Observability
	if obs.Registry != nil {
		services.Metrics = promhttp.HandlerFor(obs.Registry, promhttp.HandlerOpts{})
		services.MetricsPath = appCfg.Observability.Metrics.Path
	}
	if obs.Hub != nil {
		services.Events = obs.Hub
	}

	return httpx.NewRouter(services)
}

func reportServeError(errCh chan<- error, logger *slog.Logger, err error) {
	logger.Error("HTTP server failed", "error", err)
	if errCh == nil {
		return
	}
	select {
	case errCh <- err:
	default:
	}
}

// ShutdownConfig contains dependencies for HTTP server shutdown.
type ShutdownConfig struct {
	Context context.Context
	Server  *http.Server
	Logger  *slog.Logger
}

// ShutdownHTTPServer gracefully shuts down the HTTP server.
func ShutdownHTTPServer(cfg ShutdownConfig) error {
	if cfg.Server == nil {
		return nil
	}

	if cfg.Logger != nil {
		cfg.Logger.Info("shutting down HTTP server")
	}

	if err := cfg.Server.Shutdown(cfg.Context); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	if cfg.Logger != nil {
		cfg.Logger.Info("HTTP server stopped")
	}

	return nil
}
