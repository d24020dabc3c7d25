package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/target/geojobs/internal/data/pgxutil"
	"github.com/target/geojobs/internal/domain/model"
)

// NotifyChannel is the Postgres NOTIFY channel announcing new queue entries.
// The payload is the job type.
const NotifyChannel = "geojobs_job_added"

// abandonedMessage is recorded on jobs whose leases expired on every allowed delivery.
const abandonedMessage = "Job abandoned: worker lease expired on every delivery attempt"

// Advisory lock keys serializing the expired-lease sweep across workers.
const (
	advisoryLockQueueMajor int32 = 2001
	advisoryLockSweepMinor int32 = 1
)

// QueueRepoConfig configures a QueueRepo.
type QueueRepoConfig struct {
	Logger       *slog.Logger
	TimeProvider TimeProvider
}

// QueueRepo is the Work Queue: lease-based, at-least-once delivery of job ids to workers.
type QueueRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewQueueRepo creates a QueueRepo.
func NewQueueRepo(db *sql.DB, cfg QueueRepoConfig) *QueueRepo {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueRepo{
		DB:           db,
		timeProvider: resolveTimeProvider(cfg.TimeProvider),
		logger:       logger.With("component", "queue_repo"),
	}
}

// EnqueueParams describes a new queue entry.
type EnqueueParams struct {
	JobID       string
	JobType     model.JobType
	MaxAttempts int
}

// Enqueue inserts a queue entry inside the producer's transaction and
// notifies listeners once that transaction commits.
func (q *QueueRepo) Enqueue(ctx context.Context, tx pgx.Tx, p EnqueueParams) error {
	if strings.TrimSpace(p.JobID) == "" {
		return ErrJobIDRequired
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO job_queue (job_id, job_type, max_attempts, available_at, created_at)
		VALUES ($1, $2, $3, $4, $4)
	`, p.JobID, p.JobType, maxAttempts, q.timeProvider.Now()); err != nil {
		if pgxutil.IsUniqueViolation(err) {
			return fmt.Errorf("enqueue job %s: %w", p.JobID, ErrDuplicateRecord)
		}
		return fmt.Errorf("enqueue job: %w", err)
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1::text, $2::text)`, NotifyChannel, string(p.JobType)); err != nil {
		return fmt.Errorf("send job notification: %w", err)
	}
	return nil
}

const reserveNextSQL = `
  WITH cte AS (
    SELECT job_id FROM job_queue
    WHERE dead_at IS NULL
      AND lease_expires_at IS NULL
      AND available_at <= $1
    ORDER BY available_at ASC, created_at ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
  )
  UPDATE job_queue q
  SET attempts = q.attempts + 1,
      lease_expires_at = $2
  FROM cte, jobs j
  WHERE q.job_id = cte.job_id AND j.id = q.job_id
  RETURNING q.job_id, q.job_type, j.parameters, q.attempts, q.max_attempts, q.lease_expires_at`

// ReserveNext claims one ready entry for the duration of lease.
// It returns ErrNoJobsAvailable when nothing is ready.
func (q *QueueRepo) ReserveNext(ctx context.Context, lease time.Duration) (*model.Delivery, error) {
	if lease <= 0 {
		return nil, errors.New("lease must be positive")
	}

	if _, err := q.requeueExpired(ctx); err != nil {
		return nil, fmt.Errorf("requeue expired leases: %w", err)
	}

	var delivery *model.Delivery
	err := pgxutil.WithPgxTx(ctx, q.DB, pgxutil.TxConfig{
		Opts: &sql.TxOptions{Isolation: sql.LevelReadCommitted},
		Fn: func(tx pgx.Tx) error {
			now := q.timeProvider.Now()
			d := &model.Delivery{}
			var params []byte
			scanErr := tx.QueryRow(ctx, reserveNextSQL, now, now.Add(lease)).Scan(
				&d.JobID,
				&d.JobType,
				&params,
				&d.Attempts,
				&d.MaxAttempts,
				&d.LeaseExpiresAt,
			)
			if errors.Is(scanErr, pgx.ErrNoRows) {
				return ErrNoJobsAvailable
			}
			if scanErr != nil {
				return fmt.Errorf("reserve job: %w", scanErr)
			}
			d.Parameters = cloneJSON(params)
			d.LeaseExpiresAt = d.LeaseExpiresAt.UTC()
			delivery = d
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return delivery, nil
}

// requeueExpired makes entries whose lease lapsed available again. Entries that
// exhausted max_attempts are marked dead and their jobs failed so no job stays
// running forever. Only one caller sweeps at a time.
func (q *QueueRepo) requeueExpired(ctx context.Context) (int64, error) {
	var requeued, abandoned int64
	err := pgxutil.WithSQLTx(ctx, q.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			if err := tx.QueryRowContext(ctx,
				"SELECT pg_try_advisory_xact_lock($1::integer, $2::integer)",
				advisoryLockQueueMajor, advisoryLockSweepMinor,
			).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				return nil
			}

			return tx.QueryRowContext(ctx, `
				WITH expired AS (
				  UPDATE job_queue
				  SET lease_expires_at = NULL,
				      available_at = $1,
				      last_error = 'lease expired',
				      dead_at = CASE WHEN attempts >= max_attempts THEN $1::timestamptz END
				  WHERE dead_at IS NULL
				    AND lease_expires_at IS NOT NULL
				    AND lease_expires_at < $1
				  RETURNING job_id, dead_at
				), abandoned AS (
				  UPDATE jobs j
				  SET status = 'failed',
				      error_message = $2,
				      result_data = NULL,
				      completed_at = $1
				  FROM expired e
				  WHERE j.id = e.job_id
				    AND e.dead_at IS NOT NULL
				    AND j.status IN ('queued', 'running')
				  RETURNING j.id
				)
				SELECT
				  (SELECT count(*) FROM expired WHERE dead_at IS NULL),
				  (SELECT count(*) FROM abandoned)
			`, q.timeProvider.Now(), abandonedMessage).Scan(&requeued, &abandoned)
		},
	})
	if err != nil {
		return 0, err
	}
	if requeued > 0 || abandoned > 0 {
		q.logger.WarnContext(ctx, "swept expired queue leases",
			"requeued", requeued,
			"abandoned", abandoned,
		)
	}
	return requeued, nil
}

// Heartbeat extends the lease of an in-flight entry. It reports false when the
// entry is no longer leased (acknowledged, released or swept).
func (q *QueueRepo) Heartbeat(ctx context.Context, jobID string, lease time.Duration) (bool, error) {
	if lease <= 0 {
		return false, errors.New("lease must be positive")
	}
	res, err := q.DB.ExecContext(ctx, `
		UPDATE job_queue
		SET lease_expires_at = $2
		WHERE job_id = $1 AND lease_expires_at IS NOT NULL AND dead_at IS NULL
	`, jobID, q.timeProvider.Now().Add(lease))
	if err != nil {
		return false, fmt.Errorf("heartbeat job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("heartbeat rows affected: %w", err)
	}
	return n > 0, nil
}

// Ack removes the entry after the job's terminal state is durable.
func (q *QueueRepo) Ack(ctx context.Context, jobID string) error {
	res, err := q.DB.ExecContext(ctx, `DELETE FROM job_queue WHERE job_id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("ack job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ack rows affected: %w", err)
	}
	if n == 0 {
		return ErrQueueEntryNotFound
	}
	return nil
}

// Release gives up the lease and schedules redelivery after backoff. When the
// entry has used all of its attempts it is marked dead instead and kept for
// inspection. The returned flag reports whether the entry is now dead.
func (q *QueueRepo) Release(ctx context.Context, jobID, cause string, backoff time.Duration) (bool, error) {
	if backoff < 0 {
		backoff = 0
	}
	now := q.timeProvider.Now()
	var dead bool
	err := q.DB.QueryRowContext(ctx, `
		UPDATE job_queue
		SET lease_expires_at = NULL,
		    last_error = $2,
		    available_at = $3,
		    dead_at = CASE WHEN attempts >= max_attempts THEN $4::timestamptz END
		WHERE job_id = $1
		RETURNING dead_at IS NOT NULL
	`, jobID, cause, now.Add(backoff), now).Scan(&dead)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrQueueEntryNotFound
	}
	if err != nil {
		return false, fmt.Errorf("release job: %w", err)
	}
	return dead, nil
}

// Stats returns ready, leased and dead entry counts.
func (q *QueueRepo) Stats(ctx context.Context) (*model.QueueStats, error) {
	var s model.QueueStats
	err := q.DB.QueryRowContext(ctx, `
		SELECT
		  count(*) FILTER (WHERE dead_at IS NULL AND lease_expires_at IS NULL) AS ready,
		  count(*) FILTER (WHERE dead_at IS NULL AND lease_expires_at IS NOT NULL) AS leased,
		  count(*) FILTER (WHERE dead_at IS NOT NULL) AS dead
		FROM job_queue
	`).Scan(&s.Ready, &s.Leased, &s.Dead)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	return &s, nil
}

// RequeueDead makes dead entries of jobs that never reached a terminal state
// available again with a fresh attempt budget.
func (q *QueueRepo) RequeueDead(ctx context.Context) (int64, error) {
	var n int64
	err := pgxutil.WithSQLTx(ctx, q.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx, `
				UPDATE job_queue q
				SET dead_at = NULL,
				    attempts = 0,
				    available_at = $1,
				    last_error = NULL
				FROM jobs j
				WHERE j.id = q.job_id
				  AND q.dead_at IS NOT NULL
				  AND j.status IN ('queued', 'running')
			`, q.timeProvider.Now())
			if err != nil {
				return fmt.Errorf("requeue dead entries: %w", err)
			}
			if n, err = res.RowsAffected(); err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			if n == 0 {
				return nil
			}
			if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1::text, 'requeue')`, NotifyChannel); err != nil {
				return fmt.Errorf("send job notification: %w", err)
			}
			return nil
		},
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// WaitForNotification blocks until a new entry is announced or ctx ends.
func (q *QueueRepo) WaitForNotification(ctx context.Context) error {
	_, err := pgxutil.WaitForNotification(ctx, q.DB, NotifyChannel)
	return err
}
