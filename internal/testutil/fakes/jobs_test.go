package fakes

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/geojobs/internal/data"
	"github.com/target/geojobs/internal/domain/model"
)

func TestJobStore_StatusGuards(t *testing.T) {
	tests := []struct {
		name    string
		from    model.JobStatus
		write   func(s *JobStore, id string) error
		wantErr error
		want    model.JobStatus
	}{
		{
			name:  "queued to running",
			from:  model.JobStatusQueued,
			write: markRunning,
			want:  model.JobStatusRunning,
		},
		{
			name:  "running restart",
			from:  model.JobStatusRunning,
			write: markRunning,
			want:  model.JobStatusRunning,
		},
		{
			name:  "running to completed",
			from:  model.JobStatusRunning,
			write: complete,
			want:  model.JobStatusCompleted,
		},
		{
			name:  "running to failed",
			from:  model.JobStatusRunning,
			write: fail,
			want:  model.JobStatusFailed,
		},
		{
			name:    "queued cannot complete",
			from:    model.JobStatusQueued,
			write:   complete,
			wantErr: data.ErrJobNotRunning,
			want:    model.JobStatusQueued,
		},
		{
			name:    "completed cannot restart",
			from:    model.JobStatusCompleted,
			write:   markRunning,
			wantErr: data.ErrJobTerminal,
			want:    model.JobStatusCompleted,
		},
		{
			name:    "failed cannot complete",
			from:    model.JobStatusFailed,
			write:   complete,
			wantErr: data.ErrJobTerminal,
			want:    model.JobStatusFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewJobStore(nil)
			s.Put(&model.Job{ID: "job-1", Type: model.JobTypeBuffer, Status: tt.from})

			err := tt.write(s, "job-1")
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}

			job, err := s.GetByID(context.Background(), "job-1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, job.Status)
		})
	}

	t.Run("unknown status is rejected", func(t *testing.T) {
		s := NewJobStore(nil)
		s.Put(&model.Job{ID: "job-1", Type: model.JobTypeBuffer, Status: model.JobStatus("paused")})
		_, err := s.MarkRunning(context.Background(), "job-1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cannot move from paused to running")
	})

	t.Run("missing job", func(t *testing.T) {
		require.ErrorIs(t, complete(NewJobStore(nil), "nope"), data.ErrJobNotFound)
	})
}

func markRunning(s *JobStore, id string) error {
	_, err := s.MarkRunning(context.Background(), id)
	return err
}

func complete(s *JobStore, id string) error {
	return s.Complete(context.Background(), id, json.RawMessage(`{}`))
}

func fail(s *JobStore, id string) error {
	return s.Fail(context.Background(), id, "boom")
}
