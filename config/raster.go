package config

import (
	"strings"
	"time"
)

// RasterConfig controls how raster sources are fetched.
type RasterConfig struct {
	// FetchTimeout bounds a single raster download; a slower fetch fails the job.
	FetchTimeout time.Duration `env:"RASTER_FETCH_TIMEOUT" envDefault:"300s"`

	// MaxBytes caps the size of a downloaded raster.
	MaxBytes int64 `env:"RASTER_MAX_BYTES" envDefault:"268435456"`

	// AllowedDomains restricts raster hosts by registrable domain (eTLD+1).
	// Empty allows any host.
	AllowedDomains []string `env:"RASTER_ALLOWED_DOMAINS" envDefault:""`

	// CacheTTL keeps fetched raster bytes in Redis. Zero disables caching.
	CacheTTL time.Duration `env:"RASTER_CACHE_TTL" envDefault:"10m"`

	// CacheMaxBytes skips caching rasters larger than this.
	CacheMaxBytes int64 `env:"RASTER_CACHE_MAX_BYTES" envDefault:"16777216"`

	// BreakerFailures is the number of consecutive failures that opens the per-host circuit.
	BreakerFailures uint32 `env:"RASTER_BREAKER_FAILURES" envDefault:"5"`

	// BreakerCooldown is how long an open circuit rejects fetches before probing again.
	BreakerCooldown time.Duration `env:"RASTER_BREAKER_COOLDOWN" envDefault:"30s"`
}

// Sanitize applies guardrails to raster configuration values.
func (r *RasterConfig) Sanitize() {
	if r.FetchTimeout <= 0 {
		r.FetchTimeout = 300 * time.Second
	}
	if r.MaxBytes <= 0 {
		r.MaxBytes = 256 << 20
	}
	if r.CacheTTL < 0 {
		r.CacheTTL = 0
	}
	if r.BreakerFailures == 0 {
		r.BreakerFailures = 5
	}
	if r.BreakerCooldown <= 0 {
		r.BreakerCooldown = 30 * time.Second
	}

	domains := make([]string, 0, len(r.AllowedDomains))
	for _, d := range r.AllowedDomains {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			domains = append(domains, d)
		}
	}
	r.AllowedDomains = domains
}
