package config

import (
	"log/slog"
	"testing"
	"time"

	env "github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseServices(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		expected    map[ServiceMode]bool
		expectError bool
	}{
		{
			name:     "single service - http",
			input:    "http",
			expected: map[ServiceMode]bool{ServiceModeHTTP: true},
		},
		{
			name:     "single service - worker",
			input:    "worker",
			expected: map[ServiceMode]bool{ServiceModeWorker: true},
		},
		{
			name:     "both with spaces",
			input:    " worker , http ",
			expected: map[ServiceMode]bool{ServiceModeHTTP: true, ServiceModeWorker: true},
		},
		{
			name:     "duplicate services",
			input:    "worker,worker",
			expected: map[ServiceMode]bool{ServiceModeWorker: true},
		},
		{name: "empty string", input: "", expectError: true},
		{name: "only spaces and commas", input: " , , ", expectError: true},
		{name: "invalid service name", input: "http,scheduler", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ParseServices(tt.input)
			if tt.expectError {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestAppConfig_Defaults(t *testing.T) {
	var cfg AppConfig
	require.NoError(t, env.Parse(&cfg))
	cfg.Sanitize()

	assert.Equal(t, 5, cfg.Worker.Concurrency)
	assert.Equal(t, 300*time.Second, cfg.Raster.FetchTimeout)
	assert.Equal(t, StorageProviderFilesystem, cfg.Storage.Provider)
	assert.True(t, cfg.IsWorkerEnabled())
	assert.True(t, cfg.IsHTTPServerEnabled())
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "/metrics", cfg.Observability.Metrics.Path)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel())
	assert.False(t, cfg.Redis.Enabled())
}

func TestAppConfig_ParseEnv(t *testing.T) {
	t.Setenv("SERVICES", "worker")
	t.Setenv("WORKER_CONCURRENCY", "12")
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("RASTER_ALLOWED_DOMAINS", " Example.com ,,data.gov")
	t.Setenv("STORAGE_PROVIDER", "MINIO")
	t.Setenv("LOG_LEVEL", "DEBUG")

	var cfg AppConfig
	require.NoError(t, env.Parse(&cfg))
	cfg.Sanitize()

	assert.Equal(t, 12, cfg.Worker.Concurrency)
	assert.Equal(t, "db.internal", cfg.Postgres.Host)
	assert.Equal(t, []string{"example.com", "data.gov"}, cfg.Raster.AllowedDomains)
	assert.Equal(t, StorageProviderMinio, cfg.Storage.Provider)
	assert.False(t, cfg.IsHTTPServerEnabled())
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel())
}

func TestWorkerConfig_Sanitize(t *testing.T) {
	w := WorkerConfig{Concurrency: 0, Lease: time.Second, MaxAttempts: 0}
	w.Sanitize()

	assert.Equal(t, 1, w.Concurrency)
	assert.Equal(t, 5*time.Second, w.Lease)
	assert.Equal(t, 1, w.MaxAttempts)
	assert.Equal(t, 2*time.Second, w.PollInterval)
	assert.Equal(t, time.Second, w.ShutdownTimeout)
}

func TestStorageConfig_Sanitize(t *testing.T) {
	s := StorageConfig{Provider: "gcs", URLExpiry: 30 * 24 * time.Hour, PublicBaseURL: " https://cdn.example.com/ "}
	s.Sanitize()

	assert.Equal(t, StorageProviderFilesystem, s.Provider)
	assert.Equal(t, 7*24*time.Hour, s.URLExpiry)
	assert.Equal(t, "https://cdn.example.com", s.PublicBaseURL)
}
