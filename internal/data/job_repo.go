package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/target/geojobs/internal/data/pgxutil"
	"github.com/target/geojobs/internal/domain/model"
)

// DefaultMaxAttempts bounds queue deliveries when a submission does not set its own limit.
const DefaultMaxAttempts = 3

// RepoConfig holds configuration options for the job repository.
type RepoConfig struct {
	Logger       *slog.Logger
	TimeProvider TimeProvider
	// Queue receives the queue entry for every created job. Defaults to a QueueRepo on the same DB.
	Queue *QueueRepo
	// DefaultMaxAttempts applies when a submission leaves MaxAttempts at zero.
	DefaultMaxAttempts int
}

// JobRepo is the Job Store: the durable record of every job's status and outcome.
type JobRepo struct {
	DB           *sql.DB
	queue        *QueueRepo
	timeProvider TimeProvider
	logger       *slog.Logger
	maxAttempts  int
}

// NewJobRepo creates a new JobRepo instance with the given database connection and configuration.
func NewJobRepo(db *sql.DB, cfg RepoConfig) *JobRepo {
	tp := resolveTimeProvider(cfg.TimeProvider)
	queue := cfg.Queue
	if queue == nil {
		queue = NewQueueRepo(db, QueueRepoConfig{Logger: cfg.Logger, TimeProvider: tp})
	}
	maxAttempts := cfg.DefaultMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &JobRepo{
		DB:           db,
		queue:        queue,
		timeProvider: tp,
		logger:       logger.With("component", "job_repo"),
		maxAttempts:  maxAttempts,
	}
}

const jobColumns = `
  id,
  job_type,
  status,
  parameters,
  session_id,
  project_id,
  organization_id,
  user_id,
  result_data,
  error_message,
  created_at,
  started_at,
  completed_at
`

// Create inserts a queued job and its queue entry in one transaction, then
// notifies idle workers.
func (r *JobRepo) Create(ctx context.Context, req *model.SubmitJobRequest) (*model.Job, error) {
	if req == nil {
		return nil, errors.New("submit job request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = r.maxAttempts
	}

	var job *model.Job
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			created, err := r.insertJob(ctx, tx, req)
			if err != nil {
				return err
			}
			if err := r.queue.Enqueue(ctx, tx, EnqueueParams{
				JobID:       created.ID,
				JobType:     created.Type,
				MaxAttempts: maxAttempts,
			}); err != nil {
				return err
			}
			job = created
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (r *JobRepo) insertJob(ctx context.Context, tx pgx.Tx, req *model.SubmitJobRequest) (*model.Job, error) {
	rows, err := tx.Query(ctx, `
		INSERT INTO jobs (id, job_type, status, parameters, session_id, project_id, organization_id, user_id, created_at)
		VALUES ($1, $2, 'queued', $3, $4, $5, $6, $7, $8)
		RETURNING `+jobColumns,
		uuid.NewString(),
		req.Type,
		[]byte(req.Parameters),
		req.SessionID,
		req.ProjectID,
		req.OrganizationID,
		req.UserID,
		r.timeProvider.Now(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	defer rows.Close()

	job, err := collectJobFromRows(rows)
	if err != nil {
		return nil, fmt.Errorf("collect job: %w", err)
	}
	return job, nil
}

// GetByID retrieves a job by its ID.
func (r *JobRepo) GetByID(ctx context.Context, id string) (*model.Job, error) {
	if strings.TrimSpace(id) == "" {
		return nil, ErrJobIDRequired
	}
	row := r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJobFromRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// MarkRunning moves a job to running and stamps started_at on first start.
// Running jobs are accepted so a redelivery after a worker crash can resume.
func (r *JobRepo) MarkRunning(ctx context.Context, id string) (*model.Job, error) {
	row := r.DB.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = 'running',
		    started_at = COALESCE(started_at, $2)
		WHERE id = $1 AND status IN ('queued', 'running')
		RETURNING `+jobColumns,
		id, r.timeProvider.Now(),
	)
	job, err := scanJobFromRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, r.explainGuardMiss(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("mark job running: %w", err)
	}
	return job, nil
}

// Complete records a successful outcome. Only running jobs can complete.
func (r *JobRepo) Complete(ctx context.Context, id string, result json.RawMessage) error {
	if len(result) == 0 {
		result = json.RawMessage(`{}`)
	}
	res, err := r.DB.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'completed',
		    result_data = $2,
		    error_message = NULL,
		    completed_at = $3
		WHERE id = $1 AND status = 'running'
	`, id, []byte(result), r.timeProvider.Now())
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return r.checkGuardedWrite(ctx, id, res)
}

// Fail records a failed outcome with a human-readable message. Only running jobs can fail.
func (r *JobRepo) Fail(ctx context.Context, id, errMsg string) error {
	if strings.TrimSpace(errMsg) == "" {
		errMsg = "job failed"
	}
	res, err := r.DB.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'failed',
		    error_message = $2,
		    result_data = NULL,
		    completed_at = $3
		WHERE id = $1 AND status = 'running'
	`, id, errMsg, r.timeProvider.Now())
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return r.checkGuardedWrite(ctx, id, res)
}

func (r *JobRepo) checkGuardedWrite(ctx context.Context, id string, res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	return r.explainGuardMiss(ctx, id)
}

// explainGuardMiss maps a status-guarded UPDATE that touched no rows to a sentinel error.
func (r *JobRepo) explainGuardMiss(ctx context.Context, id string) error {
	job, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return ErrJobTerminal
	}
	return fmt.Errorf("%w: job %s is %s", ErrJobNotRunning, id, job.Status)
}

// ListJobsOptions filters job listings.
type ListJobsOptions struct {
	ProjectID string
	Status    model.JobStatus
	Type      model.JobType
	Limit     int
}

const defaultListLimit = 100

// List returns jobs newest first, filtered by the provided options.
func (r *JobRepo) List(ctx context.Context, opts ListJobsOptions) ([]*model.Job, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if opts.ProjectID != "" {
		add("project_id = $%d", opts.ProjectID)
	}
	if opts.Status != "" {
		add("status = $%d", opts.Status)
	}
	if opts.Type != "" {
		add("job_type = $%d", opts.Type)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		job, scanErr := scanJobFromRow(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan job: %w", scanErr)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

// Stats counts jobs per status, optionally scoped to one project.
func (r *JobRepo) Stats(ctx context.Context, projectID string) (*model.JobStats, error) {
	var s model.JobStats
	err := r.DB.QueryRowContext(ctx, `
		SELECT
		  count(*) FILTER (WHERE status = 'queued')    AS queued,
		  count(*) FILTER (WHERE status = 'running')   AS running,
		  count(*) FILTER (WHERE status = 'completed') AS completed,
		  count(*) FILTER (WHERE status = 'failed')    AS failed
		FROM jobs
		WHERE ($1::text = '' OR project_id = $1::text)
	`, projectID).Scan(&s.Queued, &s.Running, &s.Completed, &s.Failed)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	return &s, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

type jobRowData struct {
	parameters, result                          []byte
	projectID, organizationID, userID, errorMsg sql.NullString
	startedAt, completedAt                      sql.NullTime
}

func (d *jobRowData) scanInto(scanner rowScanner, job *model.Job) error {
	return scanner.Scan(
		&job.ID,
		&job.Type,
		&job.Status,
		&d.parameters,
		&job.SessionID,
		&d.projectID,
		&d.organizationID,
		&d.userID,
		&d.result,
		&d.errorMsg,
		&job.CreatedAt,
		&d.startedAt,
		&d.completedAt,
	)
}

func (d *jobRowData) apply(job *model.Job) {
	job.Parameters = cloneJSON(d.parameters)
	if len(d.result) > 0 {
		job.Result = append(json.RawMessage(nil), d.result...)
	}
	job.ProjectID = cloneNullableString(d.projectID)
	job.OrganizationID = cloneNullableString(d.organizationID)
	job.UserID = cloneNullableString(d.userID)
	job.ErrorMessage = cloneNullableString(d.errorMsg)
	job.StartedAt = cloneNullableTime(d.startedAt)
	job.CompletedAt = cloneNullableTime(d.completedAt)
	job.CreatedAt = job.CreatedAt.UTC()
}

func scanJobFromRow(scanner rowScanner) (*model.Job, error) {
	job := &model.Job{}
	var data jobRowData
	if err := data.scanInto(scanner, job); err != nil {
		return nil, err
	}
	data.apply(job)
	return job, nil
}

// collectJobFromRows collects a single job from pgx rows.
func collectJobFromRows(rows pgx.Rows) (*model.Job, error) {
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, pgx.ErrNoRows
	}
	job, err := scanJobFromRow(rows)
	if err != nil {
		return nil, err
	}
	return job, rows.Err()
}

func cloneJSON(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneNullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func cloneNullableTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
