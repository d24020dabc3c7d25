package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeHTTP runs the health/metrics HTTP server.
	ServiceModeHTTP ServiceMode = "http"
	// ServiceModeWorker runs the job worker pool.
	ServiceModeWorker ServiceMode = "worker"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeHTTP,
		ServiceModeWorker,
	}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	for part := range strings.SplitSeq(servicesStr, ",") {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeHTTP, ServiceModeWorker:
			services[mode] = true
		default:
			return nil, fmt.Errorf("invalid service name: %q (valid options: http, worker)", serviceName)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// WorkerConfig contains worker pool configuration.
type WorkerConfig struct {
	// Concurrency is the number of jobs executed at once.
	Concurrency int `env:"WORKER_CONCURRENCY" envDefault:"5"`

	// Lease is how long a reserved queue entry stays invisible to other workers
	// without a heartbeat.
	Lease time.Duration `env:"WORKER_LEASE" envDefault:"60s"`

	// PollInterval bounds how long an idle worker waits for a queue notification.
	PollInterval time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"2s"`

	// ShutdownTimeout is how long in-flight jobs may keep running after a termination signal.
	ShutdownTimeout time.Duration `env:"WORKER_SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// MaxAttempts bounds queue redeliveries for jobs whose terminal write never landed.
	MaxAttempts int `env:"WORKER_MAX_ATTEMPTS" envDefault:"3"`

	// ReleaseBackoff is the base delay before a released entry becomes available again.
	ReleaseBackoff time.Duration `env:"WORKER_RELEASE_BACKOFF" envDefault:"5s"`
}

// Sanitize applies guardrails to worker configuration values.
func (w *WorkerConfig) Sanitize() {
	if w.Concurrency < 1 {
		w.Concurrency = 1
	}
	if w.Lease < 5*time.Second {
		w.Lease = 5 * time.Second
	}
	if w.PollInterval <= 0 {
		w.PollInterval = 2 * time.Second
	}
	if w.ShutdownTimeout < time.Second {
		w.ShutdownTimeout = time.Second
	}
	if w.MaxAttempts < 1 {
		w.MaxAttempts = 1
	}
	if w.ReleaseBackoff <= 0 {
		w.ReleaseBackoff = 5 * time.Second
	}
}
