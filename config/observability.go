package config

import "strings"

// ObservabilityConfig groups configuration that controls logging, metrics, and lifecycle event fan-out.
type ObservabilityConfig struct {
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	Metrics ObservabilityMetricsConfig
	Events  ObservabilityEventsConfig
}

// Sanitize applies guardrails to observability sub-configs.
func (c *ObservabilityConfig) Sanitize() {
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	c.Metrics.Sanitize()
	c.Events.Sanitize()
}

// ObservabilityMetricsConfig controls Prometheus metrics.
type ObservabilityMetricsConfig struct {
	Enabled bool   `env:"METRICS_ENABLED" envDefault:"true"`
	Path    string `env:"METRICS_PATH"    envDefault:"/metrics"`
}

// Sanitize normalises derived fields and enforces safe defaults.
func (c *ObservabilityMetricsConfig) Sanitize() {
	c.Path = strings.TrimSpace(c.Path)
	if c.Path == "" || !strings.HasPrefix(c.Path, "/") {
		c.Path = "/metrics"
	}
}

// ObservabilityEventsConfig controls where lifecycle events are published.
type ObservabilityEventsConfig struct {
	// RedisChannel receives every lifecycle event as JSON. Empty disables Redis publishing.
	RedisChannel string `env:"EVENTS_REDIS_CHANNEL" envDefault:"geojobs:job-events"`

	// WebsocketEnabled exposes /events on the HTTP server.
	WebsocketEnabled bool `env:"EVENTS_WEBSOCKET_ENABLED" envDefault:"false"`
}

// Sanitize normalises event configuration values.
func (c *ObservabilityEventsConfig) Sanitize() {
	c.RedisChannel = strings.TrimSpace(c.RedisChannel)
}
