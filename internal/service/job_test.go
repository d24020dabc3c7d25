package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/target/geojobs/internal/data"
	domainjob "github.com/target/geojobs/internal/domain/job"
	"github.com/target/geojobs/internal/domain/model"
	"github.com/target/geojobs/internal/mocks"
)

var fixedNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type stubJobNotifier struct {
	subscribeCalls int
	stopCalled     bool
	ch             chan struct{}
}

func (s *stubJobNotifier) Subscribe() (func(), <-chan struct{}) {
	s.subscribeCalls++
	if s.ch == nil {
		s.ch = make(chan struct{}, 1)
	}
	return func() {}, s.ch
}

func (s *stubJobNotifier) StopAll() {
	s.stopCalled = true
}

var _ domainjob.Notifier = (*stubJobNotifier)(nil)

type jobServiceMocks struct {
	jobs   *mocks.MockJobRepository
	queue  *mocks.MockWorkQueue
	events *mocks.MockEventPublisher
}

func newTestJobService(t *testing.T, opts JobServiceOptions) (*JobService, jobServiceMocks) {
	t.Helper()
	ctrl := gomock.NewController(t)
	m := jobServiceMocks{
		jobs:   mocks.NewMockJobRepository(ctrl),
		queue:  mocks.NewMockWorkQueue(ctrl),
		events: mocks.NewMockEventPublisher(ctrl),
	}
	opts.Jobs = m.jobs
	opts.Queue = m.queue
	opts.Events = m.events
	if opts.DefaultLease == 0 {
		opts.DefaultLease = 30 * time.Second
	}
	if opts.Notifier == nil {
		opts.Notifier = &stubJobNotifier{}
	}
	opts.Now = func() time.Time { return fixedNow }
	return MustNewJobService(opts), m
}

// captureEvent records the event passed to a mocked Publish call.
func captureEvent(dst *model.JobEvent) func(context.Context, model.JobEvent) {
	return func(_ context.Context, evt model.JobEvent) { *dst = evt }
}

func TestNewJobService(t *testing.T) {
	ctrl := gomock.NewController(t)
	jobs := mocks.NewMockJobRepository(ctrl)
	queue := mocks.NewMockWorkQueue(ctrl)

	tests := []struct {
		name    string
		opts    JobServiceOptions
		wantErr string
	}{
		{name: "missing job repository", opts: JobServiceOptions{Queue: queue, DefaultLease: time.Second}, wantErr: "JobRepository is required"},
		{name: "missing queue", opts: JobServiceOptions{Jobs: jobs, DefaultLease: time.Second}, wantErr: "WorkQueue is required"},
		{name: "missing lease", opts: JobServiceOptions{Jobs: jobs, Queue: queue}, wantErr: "DefaultLease must be positive"},
		{name: "valid without notifier", opts: JobServiceOptions{Jobs: jobs, Queue: queue, DefaultLease: time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, err := NewJobService(tt.opts)
			if tt.wantErr != "" {
				require.EqualError(t, err, tt.wantErr)
				assert.Nil(t, svc)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, svc)

			// A queue without LISTEN support leaves callers polling.
			unsub, ch := svc.Subscribe()
			defer unsub()
			assert.Nil(t, ch)
		})
	}

	assert.Panics(t, func() { MustNewJobService(JobServiceOptions{}) })
}

func TestJobService_Submit(t *testing.T) {
	svc, m := newTestJobService(t, JobServiceOptions{})
	ctx := context.Background()
	project := "project-1"
	req := &model.SubmitJobRequest{
		Type:       model.JobTypeBuffer,
		Parameters: json.RawMessage(`{"distance":10}`),
		SessionID:  "session-1",
		ProjectID:  &project,
	}
	created := &model.Job{ID: "job-1", Type: model.JobTypeBuffer, Status: model.JobStatusQueued, ProjectID: &project}

	var evt model.JobEvent
	gomock.InOrder(
		m.jobs.EXPECT().Create(ctx, req).Return(created, nil),
		m.events.EXPECT().Publish(ctx, gomock.Any()).Do(captureEvent(&evt)),
	)

	job, err := svc.Submit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, created, job)
	assert.Equal(t, model.JobEvent{
		Kind:      model.JobEventWaiting,
		JobID:     "job-1",
		JobType:   model.JobTypeBuffer,
		Timestamp: fixedNow,
	}, evt)
}

func TestJobService_SubmitErrors(t *testing.T) {
	t.Run("invalid request never reaches the store", func(t *testing.T) {
		svc, _ := newTestJobService(t, JobServiceOptions{})
		_, err := svc.Submit(context.Background(), &model.SubmitJobRequest{
			Type:       "teleport",
			Parameters: json.RawMessage(`{}`),
			SessionID:  "s",
		})
		require.ErrorIs(t, err, ErrInvalidSubmission)
		assert.Contains(t, err.Error(), `invalid job type: "teleport"`)
	})

	t.Run("store failure publishes nothing", func(t *testing.T) {
		svc, m := newTestJobService(t, JobServiceOptions{})
		boom := errors.New("connection refused")
		m.jobs.EXPECT().Create(gomock.Any(), gomock.Any()).Return(nil, boom)

		_, err := svc.Submit(context.Background(), &model.SubmitJobRequest{
			Type:       model.JobTypeReportGeneration,
			Parameters: json.RawMessage(`{}`),
			SessionID:  "s",
		})
		require.ErrorIs(t, err, boom)
		assert.Contains(t, err.Error(), "create job")
	})
}

func TestJobService_ReserveNext(t *testing.T) {
	t.Run("clamps sub-second leases", func(t *testing.T) {
		svc, m := newTestJobService(t, JobServiceOptions{})
		d := &model.Delivery{JobID: "job-1", JobType: model.JobTypeZonalStats, Attempts: 1}
		m.queue.EXPECT().ReserveNext(gomock.Any(), time.Second).Return(d, nil)

		got, err := svc.ReserveNext(context.Background(), 10*time.Millisecond)
		require.NoError(t, err)
		assert.Same(t, d, got)
	})

	t.Run("zero uses the default lease", func(t *testing.T) {
		svc, m := newTestJobService(t, JobServiceOptions{DefaultLease: 45 * time.Second})
		m.queue.EXPECT().ReserveNext(gomock.Any(), 45*time.Second).Return(&model.Delivery{JobID: "j"}, nil)
		_, err := svc.ReserveNext(context.Background(), 0)
		require.NoError(t, err)
	})

	t.Run("idle queue", func(t *testing.T) {
		svc, m := newTestJobService(t, JobServiceOptions{})
		m.queue.EXPECT().ReserveNext(gomock.Any(), gomock.Any()).Return(nil, data.ErrNoJobsAvailable)
		_, err := svc.ReserveNext(context.Background(), time.Minute)
		assert.ErrorIs(t, err, model.ErrNoJobsAvailable)
	})
}

func TestJobService_Start(t *testing.T) {
	t.Run("publishes active", func(t *testing.T) {
		svc, m := newTestJobService(t, JobServiceOptions{})
		running := &model.Job{ID: "job-1", Type: model.JobTypeChangeDetection, Status: model.JobStatusRunning}
		var evt model.JobEvent
		m.jobs.EXPECT().MarkRunning(gomock.Any(), "job-1").Return(running, nil)
		m.events.EXPECT().Publish(gomock.Any(), gomock.Any()).Do(captureEvent(&evt))

		job, err := svc.Start(context.Background(), "job-1")
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusRunning, job.Status)
		assert.Equal(t, model.JobEventActive, evt.Kind)
		assert.Equal(t, model.JobTypeChangeDetection, evt.JobType)
	})

	t.Run("terminal job is not announced", func(t *testing.T) {
		svc, m := newTestJobService(t, JobServiceOptions{})
		m.jobs.EXPECT().MarkRunning(gomock.Any(), "job-1").Return(nil, data.ErrJobTerminal)

		_, err := svc.Start(context.Background(), "job-1")
		assert.ErrorIs(t, err, data.ErrJobTerminal)
	})
}

func TestJobService_TerminalWrites(t *testing.T) {
	job := &model.Job{ID: "job-1", Type: model.JobTypeVegetationIndex, Status: model.JobStatusRunning}
	result := json.RawMessage(`{"ndvi_result_id":"r-1"}`)

	t.Run("complete", func(t *testing.T) {
		svc, m := newTestJobService(t, JobServiceOptions{})
		var evt model.JobEvent
		gomock.InOrder(
			m.jobs.EXPECT().Complete(gomock.Any(), "job-1", result).Return(nil),
			m.events.EXPECT().Publish(gomock.Any(), gomock.Any()).Do(captureEvent(&evt)),
		)
		require.NoError(t, svc.Complete(context.Background(), job, result, time.Second))
		assert.Equal(t, model.JobEventCompleted, evt.Kind)
		assert.JSONEq(t, string(result), string(evt.Result))
		assert.Empty(t, evt.Reason)
	})

	t.Run("failed complete write is not announced", func(t *testing.T) {
		svc, m := newTestJobService(t, JobServiceOptions{})
		m.jobs.EXPECT().Complete(gomock.Any(), "job-1", result).Return(errors.New("deadlock detected"))
		err := svc.Complete(context.Background(), job, result, time.Second)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "complete job job-1")
	})

	t.Run("fail", func(t *testing.T) {
		svc, m := newTestJobService(t, JobServiceOptions{})
		var evt model.JobEvent
		gomock.InOrder(
			m.jobs.EXPECT().Fail(gomock.Any(), "job-1", "No raster data source provided").Return(nil),
			m.events.EXPECT().Publish(gomock.Any(), gomock.Any()).Do(captureEvent(&evt)),
		)
		cause := errors.New("No raster data source provided")
		require.NoError(t, svc.Fail(context.Background(), job, cause, time.Second))
		assert.Equal(t, model.JobEventFailed, evt.Kind)
		assert.Equal(t, "No raster data source provided", evt.Reason)
		assert.Nil(t, evt.Result)
	})

	t.Run("fail requires a cause", func(t *testing.T) {
		svc, _ := newTestJobService(t, JobServiceOptions{})
		assert.Error(t, svc.Fail(context.Background(), job, nil, 0))
	})
}

func TestJobService_Release(t *testing.T) {
	tests := []struct {
		name     string
		attempts int
		backoff  time.Duration
	}{
		{name: "first attempt uses the base delay", attempts: 1, backoff: time.Second},
		{name: "doubles per attempt", attempts: 3, backoff: 4 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, m := newTestJobService(t, JobServiceOptions{ReleaseBackoff: time.Second})
			d := &model.Delivery{JobID: "job-1", JobType: model.JobTypeBuffer, Attempts: tt.attempts, MaxAttempts: 3}
			m.queue.EXPECT().Release(gomock.Any(), "job-1", "store unavailable", tt.backoff).Return(false, nil)

			dead, err := svc.Release(context.Background(), d, errors.New("store unavailable"), true)
			require.NoError(t, err)
			assert.False(t, dead)
		})
	}

	t.Run("dead entry is reported", func(t *testing.T) {
		svc, m := newTestJobService(t, JobServiceOptions{})
		d := &model.Delivery{JobID: "job-1", Attempts: 3, MaxAttempts: 3}
		m.queue.EXPECT().Release(gomock.Any(), "job-1", "", time.Duration(0)).Return(true, nil)

		dead, err := svc.Release(context.Background(), d, nil, false)
		require.NoError(t, err)
		assert.True(t, dead)
	})
}

func TestJobService_QueueStatsAndNotifier(t *testing.T) {
	notifier := &stubJobNotifier{}
	svc, m := newTestJobService(t, JobServiceOptions{Notifier: notifier})

	m.queue.EXPECT().Stats(gomock.Any()).Return(&model.QueueStats{Ready: 2, Dead: 1}, nil)
	stats, err := svc.QueueStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Ready)

	_, ch := svc.Subscribe()
	assert.NotNil(t, ch)
	assert.Equal(t, 1, notifier.subscribeCalls)

	svc.Close()
	assert.True(t, notifier.stopCalled)
}
