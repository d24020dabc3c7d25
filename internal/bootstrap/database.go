package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"

	"github.com/target/geojobs/config"
	"github.com/target/geojobs/internal/data"
	"github.com/target/geojobs/internal/data/pgxutil"
)

// reservedConns are the pool connections used outside job execution: the
// queue LISTEN connection and one for heartbeats, reaping and health checks.
const reservedConns = 2

const connectTimeout = 5 * time.Second

// DatabaseConfig contains configuration for database connections.
type DatabaseConfig struct {
	DBConfig    config.DBConfig
	RedisConfig config.RedisConfig
	// Workers is the number of jobs this process runs at once. Zero means no
	// worker pool, as in the admin CLI, and skips the LISTEN check.
	Workers int
	Logger  *slog.Logger
}

// poolLimits returns the open and idle connection limits. Every running job
// holds a connection for its status writes, so a configured maximum below
// workers plus the reserved connections is raised.
func poolLimits(cfg config.DBConfig, workers int) (open, idle int) {
	open, idle = cfg.MaxOpenConns, cfg.MaxIdleConns
	if workers <= 0 {
		return open, idle
	}
	need := workers + reservedConns
	if open > 0 && open < need {
		open = need
	}
	idle = max(idle, workers+1)
	if open > 0 {
		idle = min(idle, open)
	}
	return open, idle
}

// ConnectDB opens the PostgreSQL pool and verifies it. With workers
// configured it also checks that a pool connection can LISTEN on the queue
// channel, since idle workers block on it.
func ConnectDB(cfg DatabaseConfig) (*sql.DB, error) {
	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.DBConfig.User, cfg.DBConfig.Password),
		Host:   net.JoinHostPort(cfg.DBConfig.Host, strconv.Itoa(cfg.DBConfig.Port)),
		Path:   "/" + cfg.DBConfig.Name,
	}
	q := u.Query()
	q.Set("sslmode", cfg.DBConfig.SSLMode)
	u.RawQuery = q.Encode()

	db, err := sql.Open("pgx", u.String())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	open, idle := poolLimits(cfg.DBConfig, cfg.Workers)
	db.SetMaxOpenConns(open)
	db.SetMaxIdleConns(idle)
	db.SetConnMaxLifetime(cfg.DBConfig.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if err := verifyDB(ctx, db, cfg.Workers > 0); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("close database connection: %w", closeErr))
		}
		return nil, err
	}

	if cfg.Logger != nil {
		if open != cfg.DBConfig.MaxOpenConns {
			cfg.Logger.Warn("database pool raised to fit worker concurrency",
				"configured_max_open_conns", cfg.DBConfig.MaxOpenConns,
				"max_open_conns", open,
				"workers", cfg.Workers)
		}
		cfg.Logger.Info("database connected",
			"host", cfg.DBConfig.Host,
			"port", cfg.DBConfig.Port,
			"database", cfg.DBConfig.Name,
			"max_open_conns", open,
			"max_idle_conns", idle,
			"listen_channel", listenChannel(cfg.Workers),
		)
	}
	return db, nil
}

func verifyDB(ctx context.Context, db *sql.DB, listen bool) error {
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	if !listen {
		return nil
	}
	quoted := pgx.Identifier{data.NotifyChannel}.Sanitize()
	err := pgxutil.WithPgxConn(ctx, db, func(conn *pgx.Conn) error {
		if _, err := conn.Exec(ctx, "LISTEN "+quoted); err != nil {
			return err
		}
		_, err := conn.Exec(ctx, "UNLISTEN "+quoted)
		return err
	})
	if err != nil {
		return fmt.Errorf("listen on %s: %w", data.NotifyChannel, err)
	}
	return nil
}

func listenChannel(workers int) string {
	if workers > 0 {
		return data.NotifyChannel
	}
	return ""
}

// ConnectRedis connects to Redis for the raster cache and lifecycle events.
// It returns a nil client without error when Redis is not configured.
//
//nolint:ireturn // callers and go-redis helpers take the UniversalClient interface.
func ConnectRedis(cfg DatabaseConfig) (redis.UniversalClient, error) {
	if !cfg.RedisConfig.Enabled() {
		if cfg.Logger != nil {
			cfg.Logger.Info("redis not configured; raster cache and event channel disabled")
		}
		return nil, nil
	}

	opts, err := redisOptions(cfg.RedisConfig)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if pingErr := client.Ping(ctx).Err(); pingErr != nil {
		if closeErr := client.Close(); closeErr != nil {
			pingErr = errors.Join(pingErr, fmt.Errorf("close redis client: %w", closeErr))
		}
		return nil, fmt.Errorf("ping redis: %w", pingErr)
	}

	if cfg.Logger != nil {
		cfg.Logger.Info("redis connected", "addr", opts.Addr, "db", opts.DB)
	}
	return client, nil
}

// redisOptions accepts a redis:// or rediss:// URL, or a bare host:port.
// REDIS_PASSWORD fills in a password the URL leaves out.
func redisOptions(cfg config.RedisConfig) (*redis.Options, error) {
	uri := strings.TrimSpace(cfg.URI)
	if !strings.HasPrefix(uri, "redis://") && !strings.HasPrefix(uri, "rediss://") {
		return &redis.Options{Addr: uri, Password: cfg.Password}, nil
	}
	opts, err := redis.ParseURL(uri)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opts.Password == "" {
		opts.Password = cfg.Password
	}
	return opts, nil
}
