// Package events delivers job lifecycle events to Redis subscribers, websocket
// clients, and any other core.EventPublisher.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/target/geojobs/internal/core"
	"github.com/target/geojobs/internal/domain/model"
)

const defaultPublishTimeout = 2 * time.Second

// Fanout publishes every event to each publisher in order.
type Fanout []core.EventPublisher

// Publish implements core.EventPublisher.
func (f Fanout) Publish(ctx context.Context, evt model.JobEvent) {
	for _, p := range f {
		if p != nil {
			p.Publish(ctx, evt)
		}
	}
}

// RedisPublisherOptions configures a RedisPublisher.
type RedisPublisherOptions struct {
	Client  redis.UniversalClient
	Channel string
	Timeout time.Duration
	Logger  *slog.Logger
}

// RedisPublisher sends events as JSON on a Redis pub/sub channel.
type RedisPublisher struct {
	client  redis.UniversalClient
	channel string
	timeout time.Duration
	logger  *slog.Logger
}

// NewRedisPublisher creates a RedisPublisher.
func NewRedisPublisher(opts RedisPublisherOptions) *RedisPublisher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	return &RedisPublisher{
		client:  opts.Client,
		channel: opts.Channel,
		timeout: timeout,
		logger:  logger.With("component", "redis_event_publisher"),
	}
}

// Publish implements core.EventPublisher. Failures are logged; the job outcome
// is already stored by the time an event is published.
func (p *RedisPublisher) Publish(ctx context.Context, evt model.JobEvent) {
	if p == nil || p.client == nil {
		return
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to encode job event", "job_id", evt.JobID, "error", err)
		return
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()
	if err := p.client.Publish(pubCtx, p.channel, payload).Err(); err != nil {
		p.logger.WarnContext(ctx, "failed to publish job event",
			"job_id", evt.JobID,
			"kind", evt.Kind,
			"channel", p.channel,
			"error", err)
	}
}

// LogPublisher writes every event to a logger at debug level.
type LogPublisher struct {
	Logger *slog.Logger
}

// Publish implements core.EventPublisher.
func (p LogPublisher) Publish(ctx context.Context, evt model.JobEvent) {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.DebugContext(ctx, "job event",
		"kind", evt.Kind,
		"job_id", evt.JobID,
		"job_type", evt.JobType,
		"reason", evt.Reason)
}
