package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/target/geojobs/internal/bootstrap"
	"github.com/target/geojobs/internal/core"
	"github.com/target/geojobs/internal/data"
	"github.com/target/geojobs/internal/domain/model"
	"github.com/target/geojobs/internal/observability/events"
	"github.com/target/geojobs/internal/service"
)

type migrateOptions struct {
	Timeout time.Duration
}

type submitOptions struct {
	Type        model.JobType
	Params      string
	ParamsFile  string
	SessionID   string
	ProjectID   string
	OrgID       string
	UserID      string
	MaxAttempts int
}

type statusOptions struct {
	JobID   string
	RawJSON bool
}

type listOptions struct {
	Status    string
	Type      string
	ProjectID string
	Limit     int
}

func parseMigrateFlags(args []string) (migrateOptions, error) {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := migrateOptions{Timeout: defaultMigrationTimeout}
	fs.DurationVar(&opts.Timeout, "timeout", defaultMigrationTimeout, "Maximum duration to wait for migrations to complete")

	if err := fs.Parse(args); err != nil {
		return migrateOptions{}, err
	}
	if opts.Timeout <= 0 {
		return migrateOptions{}, errors.New("--timeout must be greater than zero")
	}
	return opts, nil
}

func parseSubmitFlags(args []string) (submitOptions, error) {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts submitOptions
	var jobType string
	fs.StringVar(&jobType, "type", "", "Job type (buffer, vegetation_index, zonal_stats, change_detection, report_generation)")
	fs.StringVar(&opts.Params, "params", "", "Job parameters as an inline JSON object")
	fs.StringVar(&opts.ParamsFile, "params-file", "", "Path to a JSON parameters file, or - for stdin")
	fs.StringVar(&opts.SessionID, "session", "", "Session id recorded on the job")
	fs.StringVar(&opts.ProjectID, "project", "", "Project id")
	fs.StringVar(&opts.OrgID, "org", "", "Organization id")
	fs.StringVar(&opts.UserID, "user", "", "User id")
	fs.IntVar(&opts.MaxAttempts, "max-attempts", 0, "Queue delivery attempts (0 uses WORKER_MAX_ATTEMPTS)")

	if err := fs.Parse(args); err != nil {
		return submitOptions{}, err
	}

	if err := opts.Type.UnmarshalText([]byte(jobType)); err != nil {
		return submitOptions{}, err
	}
	if opts.SessionID == "" {
		return submitOptions{}, fmt.Errorf("%w: --session", errMissingFlag)
	}
	switch {
	case opts.Params != "" && opts.ParamsFile != "":
		return submitOptions{}, errors.New("use only one of --params and --params-file")
	case opts.Params == "" && opts.ParamsFile == "":
		return submitOptions{}, fmt.Errorf("%w: --params or --params-file", errMissingFlag)
	}
	return opts, nil
}

// readParams returns the parameters document from the inline flag, a file or stdin.
func (o submitOptions) readParams(stdin io.Reader) (json.RawMessage, error) {
	var raw []byte
	switch {
	case o.Params != "":
		raw = []byte(o.Params)
	case o.ParamsFile == "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read parameters from stdin: %w", err)
		}
		raw = b
	default:
		b, err := os.ReadFile(o.ParamsFile)
		if err != nil {
			return nil, fmt.Errorf("read parameters file: %w", err)
		}
		raw = b
	}
	raw = bytes.TrimSpace(raw)
	if !json.Valid(raw) {
		return nil, errors.New("parameters are not valid JSON")
	}
	return json.RawMessage(raw), nil
}

func (o submitOptions) request(params json.RawMessage) *model.SubmitJobRequest {
	return &model.SubmitJobRequest{
		Type:           o.Type,
		Parameters:     params,
		SessionID:      o.SessionID,
		ProjectID:      optionalString(o.ProjectID),
		OrganizationID: optionalString(o.OrgID),
		UserID:         optionalString(o.UserID),
		MaxAttempts:    o.MaxAttempts,
	}
}

func optionalString(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func parseStatusFlags(args []string) (statusOptions, error) {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts statusOptions
	fs.StringVar(&opts.JobID, "id", "", "Job id")
	fs.BoolVar(&opts.RawJSON, "json", false, "Print the job as JSON")

	if err := fs.Parse(args); err != nil {
		return statusOptions{}, err
	}
	if opts.JobID == "" && fs.NArg() == 1 {
		opts.JobID = fs.Arg(0)
	}
	if opts.JobID == "" {
		return statusOptions{}, fmt.Errorf("%w: --id", errMissingFlag)
	}
	return opts, nil
}

func parseListFlags(args []string) (data.ListJobsOptions, error) {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts listOptions
	fs.StringVar(&opts.Status, "status", "", "Filter by status (queued, running, completed, failed)")
	fs.StringVar(&opts.Type, "type", "", "Filter by job type")
	fs.StringVar(&opts.ProjectID, "project", "", "Filter by project id")
	fs.IntVar(&opts.Limit, "limit", 20, "Maximum number of jobs to show")

	if err := fs.Parse(args); err != nil {
		return data.ListJobsOptions{}, err
	}

	out := data.ListJobsOptions{ProjectID: opts.ProjectID, Limit: opts.Limit}
	if opts.Status != "" {
		out.Status = model.JobStatus(opts.Status)
		if !out.Status.Valid() {
			return data.ListJobsOptions{}, fmt.Errorf("invalid status %q", opts.Status)
		}
	}
	if opts.Type != "" {
		if err := out.Type.UnmarshalText([]byte(opts.Type)); err != nil {
			return data.ListJobsOptions{}, err
		}
	}
	if out.Limit <= 0 {
		return data.ListJobsOptions{}, errors.New("--limit must be greater than zero")
	}
	return out, nil
}

// adminJobs bundles the job service with the connections it owns.
type adminJobs struct {
	svc   *service.JobService
	queue *data.QueueRepo
	db    *sql.DB
	redis redis.UniversalClient
}

func (a *adminJobs) Close(cmdCtx *commandContext) {
	a.svc.Close()
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			cmdCtx.Logger.Warn("redis close failed", "error", err)
		}
	}
	if err := a.db.Close(); err != nil {
		cmdCtx.Logger.Warn("db close failed", "error", err)
	}
}

// openJobs connects to Postgres and, when configured, to Redis so submissions
// reach the lifecycle event channel. A Redis failure only disables events.
func openJobs(cmdCtx *commandContext, withEvents bool) (*adminJobs, error) {
	cfg := &cmdCtx.Config
	dbCfg := bootstrap.DatabaseConfig{DBConfig: cfg.Postgres, RedisConfig: cfg.Redis, Logger: cmdCtx.Logger}
	db, err := bootstrap.ConnectDB(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	a := &adminJobs{db: db}
	var publisher core.EventPublisher
	if withEvents && cfg.Observability.Events.RedisChannel != "" {
		client, rerr := bootstrap.ConnectRedis(dbCfg)
		switch {
		case rerr != nil:
			cmdCtx.Logger.Warn("redis unavailable; lifecycle event not published", "error", rerr)
		case client != nil:
			a.redis = client
			publisher = events.NewRedisPublisher(events.RedisPublisherOptions{
				Client:  client,
				Channel: cfg.Observability.Events.RedisChannel,
				Logger:  cmdCtx.Logger,
			})
		}
	}

	a.queue = data.NewQueueRepo(db, data.QueueRepoConfig{Logger: cmdCtx.Logger})
	a.svc, err = service.NewJobService(service.JobServiceOptions{
		Jobs: data.NewJobRepo(db, data.RepoConfig{
			Logger:             cmdCtx.Logger,
			Queue:              a.queue,
			DefaultMaxAttempts: cfg.Worker.MaxAttempts,
		}),
		Queue:        a.queue,
		DefaultLease: cfg.Worker.Lease,
		Logger:       cmdCtx.Logger,
		Events:       publisher,
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create job service: %w", err)
	}
	return a, nil
}

func runSubmit(cmdCtx *commandContext, args []string) error {
	opts, err := parseSubmitFlags(args)
	if err != nil {
		return err
	}
	params, err := opts.readParams(os.Stdin)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, defaultCommandTimeout)
	defer cancel()

	jobs, err := openJobs(cmdCtx, true)
	if err != nil {
		return err
	}
	defer jobs.Close(cmdCtx)

	job, err := jobs.svc.Submit(ctx, opts.request(params))
	if err != nil {
		return err
	}
	return writeln(cmdCtx.Out, job.ID)
}

func runStatus(cmdCtx *commandContext, args []string) error {
	opts, err := parseStatusFlags(args)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, defaultCommandTimeout)
	defer cancel()

	jobs, err := openJobs(cmdCtx, false)
	if err != nil {
		return err
	}
	defer jobs.Close(cmdCtx)

	job, err := jobs.svc.Get(ctx, opts.JobID)
	if err != nil {
		return err
	}
	if opts.RawJSON {
		enc := json.NewEncoder(cmdCtx.Out)
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	}
	return printJob(cmdCtx.Out, job)
}

func runList(cmdCtx *commandContext, args []string) error {
	opts, err := parseListFlags(args)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, defaultCommandTimeout)
	defer cancel()

	jobs, err := openJobs(cmdCtx, false)
	if err != nil {
		return err
	}
	defer jobs.Close(cmdCtx)

	list, err := jobs.svc.List(ctx, opts)
	if err != nil {
		return err
	}
	return printJobTable(cmdCtx.Out, list)
}

func runQueueStats(cmdCtx *commandContext, args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("queue-stats takes no arguments, got %q", args)
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, defaultCommandTimeout)
	defer cancel()

	jobs, err := openJobs(cmdCtx, false)
	if err != nil {
		return err
	}
	defer jobs.Close(cmdCtx)

	stats, err := jobs.svc.QueueStats(ctx)
	if err != nil {
		return err
	}
	return printQueueStats(cmdCtx.Out, stats)
}

func runRequeueDead(cmdCtx *commandContext, args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("requeue-dead takes no arguments, got %q", args)
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, defaultCommandTimeout)
	defer cancel()

	jobs, err := openJobs(cmdCtx, false)
	if err != nil {
		return err
	}
	defer jobs.Close(cmdCtx)

	n, err := jobs.queue.RequeueDead(ctx)
	if err != nil {
		return err
	}
	cmdCtx.Logger.Info("requeued dead queue entries", "count", n)
	return writef(cmdCtx.Out, "requeued %d dead entries\n", n)
}

func printJob(w io.Writer, job *model.Job) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	rows := [][2]string{
		{"ID", job.ID},
		{"Type", string(job.Type)},
		{"Status", string(job.Status)},
		{"Session", job.SessionID},
		{"Project", job.ProjectIDOrEmpty()},
		{"Created", formatTime(&job.CreatedAt)},
		{"Started", formatTime(job.StartedAt)},
		{"Completed", formatTime(job.CompletedAt)},
	}
	for _, r := range rows {
		if err := writef(tw, "%s:\t%s\n", r[0], r[1]); err != nil {
			return fmt.Errorf("write job field %s: %w", r[0], err)
		}
	}
	if job.ErrorMessage != nil {
		if err := writef(tw, "Error:\t%s\n", *job.ErrorMessage); err != nil {
			return fmt.Errorf("write job error: %w", err)
		}
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("flush job: %w", err)
	}

	if len(job.Result) > 0 {
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, job.Result, "", "  "); err != nil {
			pretty.Reset()
			pretty.Write(job.Result)
		}
		if err := writef(w, "Result:\n%s\n", pretty.String()); err != nil {
			return fmt.Errorf("write job result: %w", err)
		}
	}
	return nil
}

func printJobTable(w io.Writer, jobs []*model.Job) error {
	if len(jobs) == 0 {
		return writeln(w, "no jobs found")
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	if err := writeln(tw, "ID\tTYPE\tSTATUS\tCREATED\tERROR"); err != nil {
		return fmt.Errorf("write table header: %w", err)
	}
	for _, j := range jobs {
		msg := ""
		if j.ErrorMessage != nil {
			msg = truncate(*j.ErrorMessage, 60)
		}
		if err := writef(tw, "%s\t%s\t%s\t%s\t%s\n", j.ID, j.Type, j.Status, formatTime(&j.CreatedAt), msg); err != nil {
			return fmt.Errorf("write job row %s: %w", j.ID, err)
		}
	}
	return tw.Flush()
}

func printQueueStats(w io.Writer, stats *model.QueueStats) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	if err := writef(tw, "Ready\t%d\nLeased\t%d\nDead\t%d\n", stats.Ready, stats.Leased, stats.Dead); err != nil {
		return fmt.Errorf("write queue stats: %w", err)
	}
	return tw.Flush()
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
