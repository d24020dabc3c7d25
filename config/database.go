package config

import (
	"strings"
	"time"
)

// DBConfig contains PostgreSQL database configuration.
type DBConfig struct {
	Host     string `env:"HOST"     envDefault:"localhost"`
	Port     int    `env:"PORT"     envDefault:"5432"`
	User     string `env:"USER"     envDefault:"geojobs"`
	Password string `env:"PASSWORD" envDefault:"geojobs"`
	Name     string `env:"NAME"     envDefault:"geojobs"`
	SSLMode  string `env:"SSL_MODE" envDefault:"disable"` // Use 'disable' for local dev, 'require' for production

	MaxOpenConns    int           `env:"MAX_OPEN_CONNS"    envDefault:"25"`
	MaxIdleConns    int           `env:"MAX_IDLE_CONNS"    envDefault:"5"`
	ConnMaxLifetime time.Duration `env:"CONN_MAX_LIFETIME" envDefault:"5m"`

	// RunMigrationsOnStart controls whether the application automatically applies migrations during startup.
	RunMigrationsOnStart bool `env:"RUN_MIGRATIONS" envDefault:"true"`
}

// RedisConfig contains Redis configuration. Redis is optional: leave URI
// empty to run without the raster cache and event channel.
type RedisConfig struct {
	// URI is a redis:// or rediss:// URL, or a bare host:port.
	URI      string `env:"URI"      envDefault:""`
	Password string `env:"PASSWORD" envDefault:""`
}

// Enabled reports whether Redis is configured.
func (r *RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.URI) != ""
}
