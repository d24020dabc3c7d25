package jobrunner

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/geojobs/internal/domain/model"
	"github.com/target/geojobs/internal/observability/metrics"
	"github.com/target/geojobs/internal/processor"
	"github.com/target/geojobs/internal/raster"
	"github.com/target/geojobs/internal/service"
	"github.com/target/geojobs/internal/testutil/fakes"
)

const waitFor = 5 * time.Second

type funcProcessor struct {
	typ model.JobType
	fn  func(ctx context.Context, job *model.Job) (any, error)
}

func (p *funcProcessor) Type() model.JobType { return p.typ }

func (p *funcProcessor) Process(ctx context.Context, job *model.Job) (any, error) {
	return p.fn(ctx, job)
}

type harness struct {
	queue  *fakes.Queue
	store  *fakes.JobStore
	events *fakes.EventRecorder
	svc    *service.JobService
}

func newHarness(t *testing.T, opts service.JobServiceOptions) *harness {
	t.Helper()
	h := &harness{queue: fakes.NewQueue(), events: &fakes.EventRecorder{}}
	h.store = fakes.NewJobStore(h.queue)
	opts.Jobs = h.store
	opts.Queue = h.queue
	opts.Events = h.events
	opts.DefaultLease = time.Minute
	h.svc = service.MustNewJobService(opts)
	return h
}

func mustRegistry(t *testing.T, ps ...processor.Processor) *processor.Registry {
	t.Helper()
	reg, err := processor.NewRegistry(ps...)
	require.NoError(t, err)
	return reg
}

// start runs a Runner in the background; the returned func cancels it and
// returns Run's error.
func (h *harness) start(t *testing.T, reg *processor.Registry, opts RunnerOptions) func() error {
	t.Helper()
	opts.Jobs = h.svc
	opts.Registry = reg
	if opts.PollInterval == 0 {
		opts.PollInterval = 10 * time.Millisecond
	}
	if opts.StatsInterval == 0 {
		opts.StatsInterval = -1
	}
	r, err := NewRunner(opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	var once sync.Once
	var runErr error
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case runErr = <-errCh:
			case <-time.After(waitFor):
				runErr = errors.New("runner did not stop")
			}
		})
		return runErr
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func (h *harness) submit(t *testing.T, typ model.JobType, params string) string {
	t.Helper()
	job, err := h.svc.Submit(context.Background(), &model.SubmitJobRequest{
		Type:       typ,
		Parameters: json.RawMessage(params),
		SessionID:  "session-1",
	})
	require.NoError(t, err)
	return job.ID
}

func (h *harness) waitTerminal(t *testing.T, id string) *model.Job {
	t.Helper()
	require.Eventually(t, func() bool {
		job := h.store.Job(id)
		return job != nil && job.Status.Terminal()
	}, waitFor, 5*time.Millisecond, "job %s never finished", id)
	require.Eventually(t, func() bool {
		for _, acked := range h.queue.Acked() {
			if acked == id {
				return true
			}
		}
		return false
	}, waitFor, 5*time.Millisecond, "job %s never acknowledged", id)
	return h.store.Job(id)
}

func echoProcessor(typ model.JobType) *funcProcessor {
	return &funcProcessor{typ: typ, fn: func(_ context.Context, job *model.Job) (any, error) {
		return map[string]string{"job_id": job.ID}, nil
	}}
}

func mustRaster(t *testing.T, w, h int, values []float64) *raster.Raster {
	t.Helper()
	r, err := raster.New(w, h, [][]float64{values}, nil, nil)
	require.NoError(t, err)
	return r
}

func TestNewRunner(t *testing.T) {
	h := newHarness(t, service.JobServiceOptions{})
	reg := mustRegistry(t)

	_, err := NewRunner(RunnerOptions{Registry: reg})
	require.EqualError(t, err, "job service is required")
	_, err = NewRunner(RunnerOptions{Jobs: h.svc})
	require.EqualError(t, err, "processor registry is required")

	r, err := NewRunner(RunnerOptions{Jobs: h.svc, Registry: reg})
	require.NoError(t, err)
	assert.Equal(t, defaultConcurrency, r.workers)
	assert.Equal(t, defaultLease, r.lease)
	assert.Equal(t, defaultShutdownTimeout, r.shutdownTimeout)
}

func TestRunner_EndToEnd(t *testing.T) {
	const (
		gridURL   = "https://imagery.example.com/grid.tif"
		beforeURL = "https://imagery.example.com/before.tif"
		afterURL  = "https://imagery.example.com/after.tif"
	)
	rasters := fakes.NewRasters().
		Add(gridURL, mustRaster(t, 4, 4, make([]float64, 16))).
		Add(beforeURL, mustRaster(t, 2, 2, make([]float64, 4))).
		Add(afterURL, mustRaster(t, 3, 2, make([]float64, 6)))
	objects := fakes.NewObjects()

	h := newHarness(t, service.JobServiceOptions{})
	reg := mustRegistry(t,
		processor.NewBufferProcessor(processor.BufferOptions{Features: &fakes.Features{}}),
		processor.NewZonalProcessor(processor.ZonalOptions{Rasters: rasters}),
		processor.NewChangeProcessor(processor.ChangeOptions{Rasters: rasters, Store: objects}),
	)
	stop := h.start(t, reg, RunnerOptions{Concurrency: 2})

	t.Run("buffer completes", func(t *testing.T) {
		id := h.submit(t, model.JobTypeBuffer,
			`{"geometry":{"type":"Point","coordinates":[-74.0059,40.7128]},"distance":1000,"units":"meters"}`)
		job := h.waitTerminal(t, id)
		require.Equal(t, model.JobStatusCompleted, job.Status)
		assert.Nil(t, job.ErrorMessage)
		require.NotNil(t, job.StartedAt)
		require.NotNil(t, job.CompletedAt)

		var res struct {
			Statistics struct {
				BufferDistance float64 `json:"buffer_distance"`
				BufferedArea   float64 `json:"buffered_area"`
				OriginalArea   float64 `json:"original_area"`
			} `json:"statistics"`
		}
		require.NoError(t, json.Unmarshal(job.Result, &res))
		assert.Equal(t, 1000.0, res.Statistics.BufferDistance)
		assert.Greater(t, res.Statistics.BufferedArea, res.Statistics.OriginalArea)
		assert.Equal(t,
			[]model.JobEventKind{model.JobEventWaiting, model.JobEventActive, model.JobEventCompleted},
			h.events.Kinds(id))
	})

	t.Run("zonal statistics survives a null zone", func(t *testing.T) {
		square := `{"type":"Polygon","coordinates":[[[0,0],[4,0],[4,4],[0,4],[0,0]]]}`
		corner := `{"type":"Polygon","coordinates":[[[0,0],[2,0],[2,2],[0,2],[0,0]]]}`
		id := h.submit(t, model.JobTypeZonalStats,
			`{"zones":[`+square+`,null,`+corner+`],"raster_data":"`+gridURL+`"}`)
		job := h.waitTerminal(t, id)
		require.Equal(t, model.JobStatusCompleted, job.Status)

		var res struct {
			ZoneStatistics []struct {
				ValidPixelCount int    `json:"valid_pixel_count"`
				Error           string `json:"error"`
			} `json:"zone_statistics"`
		}
		require.NoError(t, json.Unmarshal(job.Result, &res))
		require.Len(t, res.ZoneStatistics, 3)
		assert.Equal(t, 16, res.ZoneStatistics[0].ValidPixelCount)
		assert.Equal(t, 0, res.ZoneStatistics[1].ValidPixelCount)
		assert.NotEmpty(t, res.ZoneStatistics[1].Error)
		assert.Equal(t, 4, res.ZoneStatistics[2].ValidPixelCount)
		assert.Empty(t, res.ZoneStatistics[2].Error)
	})

	t.Run("change detection rejects mismatched rasters", func(t *testing.T) {
		id := h.submit(t, model.JobTypeChangeDetection,
			`{"before_image":"`+beforeURL+`","after_image":"`+afterURL+`"}`)
		job := h.waitTerminal(t, id)
		require.Equal(t, model.JobStatusFailed, job.Status)
		require.NotNil(t, job.ErrorMessage)
		assert.Contains(t, *job.ErrorMessage, "same dimensions")
		assert.Nil(t, job.Result)
		assert.Equal(t,
			[]model.JobEventKind{model.JobEventWaiting, model.JobEventActive, model.JobEventFailed},
			h.events.Kinds(id))
		assert.Empty(t, objects.Keys())
	})

	require.NoError(t, stop())
	assert.Equal(t, 0, h.queue.Len())
}

func TestRunner_UnknownJobType(t *testing.T) {
	h := newHarness(t, service.JobServiceOptions{})
	stop := h.start(t, mustRegistry(t, echoProcessor(model.JobTypeBuffer)), RunnerOptions{})

	id := h.submit(t, model.JobTypeReportGeneration, `{}`)
	job := h.waitTerminal(t, id)
	require.Equal(t, model.JobStatusFailed, job.Status)
	assert.Equal(t, "No processor found for job type: report_generation", *job.ErrorMessage)

	// The pool keeps serving other types.
	next := h.submit(t, model.JobTypeBuffer, `{}`)
	assert.Equal(t, model.JobStatusCompleted, h.waitTerminal(t, next).Status)
	require.NoError(t, stop())
}

func TestRunner_ProcessorPanic(t *testing.T) {
	h := newHarness(t, service.JobServiceOptions{})
	panicky := &funcProcessor{typ: model.JobTypeVegetationIndex, fn: func(context.Context, *model.Job) (any, error) {
		panic("kaboom")
	}}
	stop := h.start(t, mustRegistry(t, panicky, echoProcessor(model.JobTypeBuffer)), RunnerOptions{Concurrency: 1})

	id := h.submit(t, model.JobTypeVegetationIndex, `{}`)
	job := h.waitTerminal(t, id)
	require.Equal(t, model.JobStatusFailed, job.Status)
	assert.Equal(t, "processor panic: kaboom", *job.ErrorMessage)

	next := h.submit(t, model.JobTypeBuffer, `{}`)
	assert.Equal(t, model.JobStatusCompleted, h.waitTerminal(t, next).Status)
	require.NoError(t, stop())
}

func TestRunner_UnencodableResult(t *testing.T) {
	h := newHarness(t, service.JobServiceOptions{})
	bad := &funcProcessor{typ: model.JobTypeBuffer, fn: func(context.Context, *model.Job) (any, error) {
		return map[string]any{"ch": make(chan int)}, nil
	}}
	h.start(t, mustRegistry(t, bad), RunnerOptions{})

	job := h.waitTerminal(t, h.submit(t, model.JobTypeBuffer, `{}`))
	require.Equal(t, model.JobStatusFailed, job.Status)
	assert.Contains(t, *job.ErrorMessage, "encode result")
}

func TestRunner_SkipsTerminalRedelivery(t *testing.T) {
	h := newHarness(t, service.JobServiceOptions{})
	var calls atomic.Int32
	counting := &funcProcessor{typ: model.JobTypeBuffer, fn: func(context.Context, *model.Job) (any, error) {
		calls.Add(1)
		return struct{}{}, nil
	}}

	done := time.Now()
	finished := &model.Job{
		ID: "already-done", Type: model.JobTypeBuffer, Status: model.JobStatusCompleted,
		Result: json.RawMessage(`{"ok":true}`), CompletedAt: &done,
	}
	h.store.Put(finished)
	h.queue.Push(finished, 3)

	stop := h.start(t, mustRegistry(t, counting), RunnerOptions{})
	job := h.waitTerminal(t, "already-done")
	require.NoError(t, stop())

	assert.Equal(t, model.JobStatusCompleted, job.Status)
	assert.JSONEq(t, `{"ok":true}`, string(job.Result))
	assert.Zero(t, calls.Load())
	assert.Empty(t, h.events.Kinds("already-done"))
}

func TestRunner_TerminalWriteFailureReleases(t *testing.T) {
	h := newHarness(t, service.JobServiceOptions{ReleaseBackoff: time.Hour})
	h.store.CompleteErr = fakes.ErrInjected
	stop := h.start(t, mustRegistry(t, echoProcessor(model.JobTypeBuffer)), RunnerOptions{})

	id := h.submit(t, model.JobTypeBuffer, `{}`)
	require.Eventually(t, func() bool {
		return len(h.queue.Released()) == 1
	}, waitFor, 5*time.Millisecond)
	require.NoError(t, stop())

	assert.Equal(t, model.JobStatusRunning, h.store.Job(id).Status)
	assert.Empty(t, h.queue.Acked())
	assert.Equal(t, 1, h.queue.Len())
	assert.Equal(t, []model.JobEventKind{model.JobEventWaiting, model.JobEventActive}, h.events.Kinds(id))
}

func TestRunner_ConcurrencyLimit(t *testing.T) {
	const limit, total = 3, 8
	h := newHarness(t, service.JobServiceOptions{})

	var active, peak atomic.Int32
	gate := make(chan struct{})
	blocking := &funcProcessor{typ: model.JobTypeZonalStats, fn: func(context.Context, *model.Job) (any, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-gate
		active.Add(-1)
		return struct{}{}, nil
	}}
	stop := h.start(t, mustRegistry(t, blocking), RunnerOptions{Concurrency: limit})

	ids := make([]string, total)
	for i := range ids {
		ids[i] = h.submit(t, model.JobTypeZonalStats, `{}`)
	}
	require.Eventually(t, func() bool { return active.Load() == limit }, waitFor, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(limit), peak.Load())

	close(gate)
	for _, id := range ids {
		assert.Equal(t, model.JobStatusCompleted, h.waitTerminal(t, id).Status)
	}
	require.NoError(t, stop())
	assert.Equal(t, int32(limit), peak.Load())
}

func TestRunner_DrainsInFlightJobs(t *testing.T) {
	h := newHarness(t, service.JobServiceOptions{})
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	slow := &funcProcessor{typ: model.JobTypeReportGeneration, fn: func(ctx context.Context, _ *model.Job) (any, error) {
		once.Do(func() { close(started) })
		select {
		case <-release:
			return map[string]bool{"drained": true}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
	stop := h.start(t, mustRegistry(t, slow), RunnerOptions{ShutdownTimeout: waitFor})

	id := h.submit(t, model.JobTypeReportGeneration, `{}`)
	<-started

	stopped := make(chan error, 1)
	go func() { stopped <- stop() }()

	select {
	case err := <-stopped:
		t.Fatalf("runner returned before the in-flight job finished: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	// No new work is picked up while draining.
	queued := h.submit(t, model.JobTypeReportGeneration, `{}`)

	close(release)
	require.NoError(t, <-stopped)

	job := h.store.Job(id)
	assert.Equal(t, model.JobStatusCompleted, job.Status)
	assert.JSONEq(t, `{"drained":true}`, string(job.Result))
	assert.Equal(t, model.JobStatusQueued, h.store.Job(queued).Status)
}

func TestRunner_DrainTimeoutCancelsJobs(t *testing.T) {
	h := newHarness(t, service.JobServiceOptions{})
	started := make(chan struct{})
	stuck := &funcProcessor{typ: model.JobTypeChangeDetection, fn: func(ctx context.Context, _ *model.Job) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	stop := h.start(t, mustRegistry(t, stuck), RunnerOptions{ShutdownTimeout: 50 * time.Millisecond})

	id := h.submit(t, model.JobTypeChangeDetection, `{}`)
	<-started
	require.ErrorIs(t, stop(), ErrDrainTimeout)

	job := h.store.Job(id)
	assert.Equal(t, model.JobStatusFailed, job.Status)
	assert.Equal(t, context.Canceled.Error(), *job.ErrorMessage)
}

func TestRunner_HeartbeatKeepsLease(t *testing.T) {
	if testing.Short() {
		t.Skip("waits past a lease expiry")
	}
	h := newHarness(t, service.JobServiceOptions{})
	var calls atomic.Int32
	slow := &funcProcessor{typ: model.JobTypeBuffer, fn: func(context.Context, *model.Job) (any, error) {
		calls.Add(1)
		time.Sleep(1500 * time.Millisecond)
		return struct{}{}, nil
	}}
	stop := h.start(t, mustRegistry(t, slow), RunnerOptions{Concurrency: 2, Lease: time.Second})

	id := h.submit(t, model.JobTypeBuffer, `{}`)
	assert.Equal(t, model.JobStatusCompleted, h.waitTerminal(t, id).Status)
	require.NoError(t, stop())
	assert.Equal(t, int32(1), calls.Load(), "an expired lease would have redelivered the job")
}

func TestRunner_RefreshesQueueStats(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.NewJobMetrics(reg)
	require.NoError(t, err)
	h := newHarness(t, service.JobServiceOptions{Metrics: m})
	h.start(t, mustRegistry(t), RunnerOptions{StatsInterval: 10 * time.Millisecond})

	require.Eventually(t, func() bool {
		n, err := promtestutil.GatherAndCount(reg, "geojobs_queue_entries")
		return err == nil && n == 3
	}, waitFor, 10*time.Millisecond)
}
