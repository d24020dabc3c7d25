// Package migrate applies the schema migrations embedded in the binary.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/target/geojobs/internal/data/pgxutil"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// lockKey serializes migration runs from workers and the admin CLI
// starting at the same time.
const lockKey int64 = 0x67656f6a6f6273

var (
	// ErrBadMigration is returned for embedded files that do not follow the
	// NNNN_name.sql layout or break the version sequence.
	ErrBadMigration = errors.New("invalid migration set")
	// ErrSchemaAhead is returned when the database records a migration this
	// binary does not ship.
	ErrSchemaAhead = errors.New("database schema is newer than this binary")
)

var fileName = regexp.MustCompile(`^(\d{4})_([a-z0-9_]+)\.sql$`)

type migration struct {
	version int
	id      string
	file    string
}

// Run applies the embedded migrations that the database has not recorded
// yet, one transaction per version. It is safe to call repeatedly and from
// several processes at once. A nil logger uses slog.Default.
func Run(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	return run(ctx, db, migrationsFS, logger.With("component", "migrations"))
}

func run(ctx context.Context, db *sql.DB, fsys fs.FS, logger *slog.Logger) error {
	migrations, err := load(fsys)
	if err != nil {
		return err
	}

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return fmt.Errorf("create schema_migrations table: %w", err)
	}

	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return err
	}
	if err := checkApplied(migrations, applied); err != nil {
		return err
	}

	ran := 0
	for _, m := range migrations {
		if _, ok := applied[m.id]; ok {
			continue
		}
		start := time.Now()
		done, err := apply(ctx, db, fsys, m)
		if err != nil {
			return err
		}
		if done {
			ran++
			logger.InfoContext(ctx, "migration applied",
				"version", m.version, "id", m.id, "duration_ms", time.Since(start).Milliseconds())
		}
	}

	latest := migrations[len(migrations)-1]
	logger.InfoContext(ctx, "schema up to date", "version", latest.version, "applied", ran)
	return nil
}

// load lists the migrations in fsys in version order. Versions must start
// at 1 and increase without gaps.
func load(fsys fs.FS) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, "migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	var out []migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		parts := fileName.FindStringSubmatch(e.Name())
		if parts == nil {
			return nil, fmt.Errorf("%w: %s does not match NNNN_name.sql", ErrBadMigration, e.Name())
		}
		v, _ := strconv.Atoi(parts[1])
		out = append(out, migration{
			version: v,
			id:      strings.TrimSuffix(e.Name(), ".sql"),
			file:    e.Name(),
		})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no migrations found", ErrBadMigration)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	for i, m := range out {
		if m.version != i+1 {
			return nil, fmt.Errorf("%w: %s has version %d, want %d", ErrBadMigration, m.file, m.version, i+1)
		}
	}
	return out, nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[string]struct{}, error) {
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	defer rows.Close()

	applied := map[string]struct{}{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		applied[v] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	return applied, nil
}

// checkApplied fails when the database holds a version this binary lacks.
func checkApplied(known []migration, applied map[string]struct{}) error {
	ids := make(map[string]struct{}, len(known))
	for _, m := range known {
		ids[m.id] = struct{}{}
	}
	var unknown []string
	for v := range applied {
		if _, ok := ids[v]; !ok {
			unknown = append(unknown, v)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("%w: unknown versions %s", ErrSchemaAhead, strings.Join(unknown, ", "))
	}
	return nil
}

// apply runs one migration under an advisory lock. It reports false when
// another process recorded the version first.
func apply(ctx context.Context, db *sql.DB, fsys fs.FS, m migration) (bool, error) {
	body, err := fs.ReadFile(fsys, "migrations/"+m.file)
	if err != nil {
		return false, fmt.Errorf("read migration %s: %w", m.file, err)
	}

	done := false
	err = pgxutil.WithPgxTx(ctx, db, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, lockKey); err != nil {
				return fmt.Errorf("lock migrations: %w", err)
			}
			var exists bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)`, m.id,
			).Scan(&exists); err != nil {
				return fmt.Errorf("check migration %s: %w", m.file, err)
			}
			if exists {
				return nil
			}
			if _, err := tx.Exec(ctx, string(body)); err != nil {
				return fmt.Errorf("exec migration %s: %w", m.file, err)
			}
			if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, m.id); err != nil {
				return fmt.Errorf("record migration %s: %w", m.file, err)
			}
			done = true
			return nil
		},
	})
	if err != nil {
		return false, fmt.Errorf("apply migration %s: %w", m.file, err)
	}
	return done, nil
}
