// Package httpx serves the operational HTTP surface of geojobs: health,
// job submission and lookup, metrics and the lifecycle event stream.
package httpx

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/target/geojobs/internal/data"
	"github.com/target/geojobs/internal/domain/model"
	"github.com/target/geojobs/internal/service"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// JobHandlers provides HTTP handlers for job-related operations.
type JobHandlers struct {
	Svc *service.JobService
}

// CreateJob handles HTTP requests to submit a new job.
func (h *JobHandlers) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req model.SubmitJobRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	job, err := h.Svc.Submit(r.Context(), &req)
	if err != nil {
		if errors.Is(err, service.ErrInvalidSubmission) {
			WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_submission", Err: err})
			return
		}
		WriteError(w, ErrorParams{
			Code:    http.StatusInternalServerError,
			ErrCode: "create_failed",
			Err:     errors.New("failed to create job"),
		})
		return
	}

	WriteJSON(w, http.StatusCreated, job)
}

// GetJob returns a single job including its result or error message.
func (h *JobHandlers) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		WriteError(
			w,
			ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_path", Err: errors.New("job id is required")},
		)
		return
	}

	job, err := h.Svc.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, data.ErrJobNotFound) {
			WriteError(
				w,
				ErrorParams{Code: http.StatusNotFound, ErrCode: "job_not_found", Err: errors.New("job not found")},
			)
			return
		}
		WriteError(w, ErrorParams{
			Code:    http.StatusInternalServerError,
			ErrCode: "get_job_failed",
			Err:     errors.New("failed to get job"),
		})
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// ListJobs returns jobs newest first, filtered by ?status, ?job_type and ?project_id.
func (h *JobHandlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := data.ListJobsOptions{
		ProjectID: q.Get("project_id"),
		Status:    model.JobStatus(q.Get("status")),
		Type:      model.JobType(q.Get("job_type")),
		Limit:     parseLimit(r, defaultListLimit, maxListLimit),
	}
	if opts.Status != "" && !opts.Status.Valid() {
		WriteError(w, ErrorParams{
			Code:    http.StatusBadRequest,
			ErrCode: "invalid_query",
			Err:     fmt.Errorf("invalid status: %q", opts.Status),
		})
		return
	}
	if opts.Type != "" && !opts.Type.Valid() {
		WriteError(w, ErrorParams{
			Code:    http.StatusBadRequest,
			ErrCode: "invalid_query",
			Err:     fmt.Errorf("invalid job type: %q", opts.Type),
		})
		return
	}

	jobs, err := h.Svc.List(r.Context(), opts)
	if err != nil {
		WriteError(w, ErrorParams{
			Code:    http.StatusInternalServerError,
			ErrCode: "list_failed",
			Err:     errors.New("failed to list jobs"),
		})
		return
	}
	if jobs == nil {
		jobs = []*model.Job{}
	}
	WriteJSON(w, http.StatusOK, jobs)
}

// QueueStats reports ready, leased and dead queue entries.
func (h *JobHandlers) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Svc.QueueStats(r.Context())
	if err != nil {
		WriteError(w, ErrorParams{
			Code:    http.StatusInternalServerError,
			ErrCode: "stats_failed",
			Err:     errors.New("failed to read queue stats"),
		})
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}
