package httpx

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/target/geojobs/internal/service"
)

const healthPath = "/health"

// RouterServices holds everything the HTTP router can serve. Only the health
// route is unconditional; the rest are mounted when their dependency is set.
type RouterServices struct {
	Jobs *service.JobService

	// Metrics serves the Prometheus exposition format at MetricsPath (default /metrics).
	Metrics     http.Handler
	MetricsPath string

	// Events streams lifecycle events over websocket at /events.
	Events http.Handler

	StartedAt time.Time
	Now       func() time.Time
	Logger    *slog.Logger
}

// NewRouter creates and configures the HTTP router.
func NewRouter(services RouterServices) http.Handler {
	logger := services.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "http")

	mux := http.NewServeMux()

	health := NewHealthHandler(services.StartedAt, services.Now)
	mux.Handle("GET "+healthPath, health)
	mux.Handle("HEAD "+healthPath, health)

	if services.Jobs != nil {
		registerJobRoutes(mux, &JobHandlers{Svc: services.Jobs})
	}
	if services.Metrics != nil {
		path := services.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, services.Metrics)
	}
	if services.Events != nil {
		mux.Handle("GET /events", services.Events)
	}

	var h http.Handler = mux
	h = Logging(logger, healthPath)(h)
	h = Recover(logger)(h)
	return h
}

func registerJobRoutes(mux *http.ServeMux, h *JobHandlers) {
	mux.HandleFunc("POST /api/jobs", h.CreateJob)
	mux.HandleFunc("GET /api/jobs", h.ListJobs)
	mux.HandleFunc("GET /api/jobs/{id}", h.GetJob)
	mux.HandleFunc("GET /api/queue/stats", h.QueueStats)
}
