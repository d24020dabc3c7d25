package bootstrap

import (
	"context"
	"log/slog"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/geojobs/config"
	"github.com/target/geojobs/internal/observability/events"
)

func TestErrorChannelCapacity(t *testing.T) {
	tests := []struct {
		name  string
		modes []config.ServiceMode
		want  int
	}{
		{name: "no services enabled", want: 0},
		{name: "http only", modes: []config.ServiceMode{config.ServiceModeHTTP}, want: 1},
		{name: "worker and http", modes: []config.ServiceMode{config.ServiceModeHTTP, config.ServiceModeWorker}, want: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enabled := make(map[config.ServiceMode]bool, len(tt.modes))
			for _, mode := range tt.modes {
				enabled[mode] = true
			}
			assert.Equal(t, tt.want, errorChannelCapacity(enabled))
			assert.Equal(t, tt.want+1, errorChannelBufferSize(enabled))
		})
	}
}

func TestGetEnabledServices(t *testing.T) {
	cfg := &config.AppConfig{Services: "worker, http"}
	assert.Equal(t, []string{"http", "worker"}, GetEnabledServices(cfg))
	require.NoError(t, ValidateServiceConfig(cfg))

	bad := &config.AppConfig{Services: "worker,scheduler"}
	assert.Empty(t, GetEnabledServices(bad))
	require.ErrorContains(t, ValidateServiceConfig(bad), "invalid service name")
	require.Error(t, ValidateServiceConfig(nil))
}

func TestBuildObservability(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	t.Run("metrics and websocket", func(t *testing.T) {
		cfg := config.ObservabilityConfig{
			Metrics: config.ObservabilityMetricsConfig{Enabled: true, Path: "/metrics"},
			Events:  config.ObservabilityEventsConfig{RedisChannel: "geojobs:job-events", WebsocketEnabled: true},
		}
		obs, err := buildObservability(logger, cfg, nil)
		require.NoError(t, err)
		require.NotNil(t, obs.Registry)
		require.NotNil(t, obs.JobMetrics)
		require.NotNil(t, obs.Hub)

		fanout, ok := obs.Publisher.(events.Fanout)
		require.True(t, ok)
		// Log sink plus hub; no Redis publisher without a client.
		assert.Len(t, fanout, 2)

		obs.JobMetrics.JobSubmitted("buffer")
		n, err := testutil.GatherAndCount(obs.Registry, "geojobs_jobs_submitted_total")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("everything disabled", func(t *testing.T) {
		obs, err := buildObservability(logger, config.ObservabilityConfig{}, nil)
		require.NoError(t, err)
		assert.Nil(t, obs.Registry)
		assert.Nil(t, obs.JobMetrics)
		assert.Nil(t, obs.Hub)
		assert.Len(t, obs.Publisher, 1)
	})
}

func httpOnlyConfig(addr string) *config.AppConfig {
	cfg := &config.AppConfig{
		Services: "http",
		HTTP:     config.HTTPConfig{Addr: addr, ReadTimeout: time.Second, WriteTimeout: time.Second},
		Worker:   config.WorkerConfig{ShutdownTimeout: time.Second},
	}
	cfg.Sanitize()
	return cfg
}

func TestRunServicesWithShutdown_Signal(t *testing.T) {
	signals := make(chan os.Signal, 1)
	done := make(chan error, 1)
	go func() {
		done <- RunServicesWithShutdown(&ServiceOrchestrationConfig{
			Config:  httpOnlyConfig("127.0.0.1:0"),
			Logger:  slog.New(slog.DiscardHandler),
			Signals: signals,
		})
	}()

	signals <- syscall.SIGTERM
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("services did not stop after signal")
	}
}

func TestRunServicesWithShutdown_ListenFailure(t *testing.T) {
	err := RunServicesWithShutdown(&ServiceOrchestrationConfig{
		Config:  httpOnlyConfig("127.0.0.1:-1"),
		Logger:  slog.New(slog.DiscardHandler),
		Signals: make(chan os.Signal),
	})
	require.ErrorContains(t, err, "listen on 127.0.0.1:-1")
}

func TestRunServicesWithShutdown_WorkerNeedsServices(t *testing.T) {
	cfg := httpOnlyConfig("127.0.0.1:0")
	cfg.Services = "worker"
	err := RunServicesWithShutdown(&ServiceOrchestrationConfig{Config: cfg})
	require.ErrorContains(t, err, "worker service requires")
}

func TestRunWorkerPool_RequiresServices(t *testing.T) {
	err := RunWorkerPool(context.Background(), WorkerPoolConfig{})
	require.ErrorContains(t, err, "job service is required")
}
