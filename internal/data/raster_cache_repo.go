package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRasterCachePrefix namespaces raster cache keys in a shared Redis.
const DefaultRasterCachePrefix = "geojobs:raster:"

var errEmptyKey = errors.New("key cannot be empty")

// RasterCacheRepo caches fetched raster bytes in Redis keyed by source URL.
type RasterCacheRepo struct {
	client redis.UniversalClient
	prefix string
}

// NewRasterCacheRepo creates a RasterCacheRepo. An empty prefix uses DefaultRasterCachePrefix.
func NewRasterCacheRepo(client redis.UniversalClient, prefix string) *RasterCacheRepo {
	if prefix == "" {
		prefix = DefaultRasterCachePrefix
	}
	return &RasterCacheRepo{client: client, prefix: prefix}
}

// Set stores a value with the given TTL. A zero TTL never expires.
func (r *RasterCacheRepo) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return errEmptyKey
	}
	if err := r.client.Set(ctx, r.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Get returns the cached value, or nil with no error on a miss.
func (r *RasterCacheRepo) Get(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, errEmptyKey
	}
	result, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return result, nil
}

// Delete removes a key and reports whether it existed.
func (r *RasterCacheRepo) Delete(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, errEmptyKey
	}
	n, err := r.client.Del(ctx, r.prefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("redis del: %w", err)
	}
	return n > 0, nil
}

// Health pings Redis.
func (r *RasterCacheRepo) Health(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
