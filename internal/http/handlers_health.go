package httpx

import (
	"net/http"
	"time"
)

// HealthResponse is the body served by /health.
type HealthResponse struct {
	Status    string    `json:"status"`
	Uptime    float64   `json:"uptime"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthHandler reports liveness together with process uptime.
type HealthHandler struct {
	StartedAt time.Time
	Now       func() time.Time
}

// NewHealthHandler returns a HealthHandler measuring uptime from startedAt.
func NewHealthHandler(startedAt time.Time, now func() time.Time) *HealthHandler {
	if now == nil {
		now = time.Now
	}
	if startedAt.IsZero() {
		startedAt = now()
	}
	return &HealthHandler{StartedAt: startedAt, Now: now}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodHead {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		return
	}

	now := h.Now()
	WriteJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Uptime:    now.Sub(h.StartedAt).Seconds(),
		Timestamp: now.UTC().Truncate(time.Second),
	})
}
