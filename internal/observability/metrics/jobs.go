// Package metrics exposes Prometheus job lifecycle metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/target/geojobs/internal/domain/model"
	obserrors "github.com/target/geojobs/internal/observability/errors"
)

// Result constants for metric labels.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// JobMetrics holds the job lifecycle collectors. A nil *JobMetrics is a no-op.
type JobMetrics struct {
	submitted  *prometheus.CounterVec
	finished   *prometheus.CounterVec
	released   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	inProgress *prometheus.GaugeVec
	queue      *prometheus.GaugeVec
}

// NewJobMetrics creates the collectors and registers them with reg.
func NewJobMetrics(reg prometheus.Registerer) (*JobMetrics, error) {
	m := &JobMetrics{
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "geojobs",
			Name:      "jobs_submitted_total",
			Help:      "Total number of jobs submitted to the queue",
		}, []string{"job_type"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "geojobs",
			Name:      "jobs_finished_total",
			Help:      "Total number of jobs that reached a terminal status",
		}, []string{"job_type", "result", "error_class"}),
		released: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "geojobs",
			Name:      "jobs_released_total",
			Help:      "Deliveries returned to the queue because their terminal write failed",
		}, []string{"job_type"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "geojobs",
			Name:      "job_duration_seconds",
			Help:      "Processor execution time",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"job_type", "result"}),
		inProgress: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "geojobs",
			Name:      "jobs_in_progress",
			Help:      "Number of jobs currently executing in this process",
		}, []string{"job_type"}),
		queue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "geojobs",
			Name:      "queue_entries",
			Help:      "Work queue entries by state",
		}, []string{"state"}),
	}
	for _, c := range []prometheus.Collector{m.submitted, m.finished, m.released, m.duration, m.inProgress, m.queue} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// JobSubmitted counts a job entering the queue.
func (m *JobMetrics) JobSubmitted(t model.JobType) {
	if m == nil {
		return
	}
	m.submitted.WithLabelValues(string(t)).Inc()
}

// JobStarted marks a job as executing.
func (m *JobMetrics) JobStarted(t model.JobType) {
	if m == nil {
		return
	}
	m.inProgress.WithLabelValues(string(t)).Inc()
}

// JobFinished records the terminal outcome of a started job. err is nil on success.
func (m *JobMetrics) JobFinished(t model.JobType, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := ResultSuccess
	if err != nil {
		result = ResultError
	}
	m.inProgress.WithLabelValues(string(t)).Dec()
	m.finished.WithLabelValues(string(t), result, obserrors.Classify(err)).Inc()
	if d > 0 {
		m.duration.WithLabelValues(string(t), result).Observe(d.Seconds())
	}
}

// JobReleased records a started job handed back to the queue without a terminal status.
func (m *JobMetrics) JobReleased(t model.JobType) {
	if m == nil {
		return
	}
	m.inProgress.WithLabelValues(string(t)).Dec()
	m.released.WithLabelValues(string(t)).Inc()
}

// SetQueueStats updates the queue depth gauges.
func (m *JobMetrics) SetQueueStats(s *model.QueueStats) {
	if m == nil || s == nil {
		return
	}
	m.queue.WithLabelValues("ready").Set(float64(s.Ready))
	m.queue.WithLabelValues("leased").Set(float64(s.Leased))
	m.queue.WithLabelValues("dead").Set(float64(s.Dead))
}
