// Package core declares the ports between the geojobs worker pool, processors and their stores.
package core

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/target/geojobs/internal/data"
	"github.com/target/geojobs/internal/domain/model"
	"github.com/target/geojobs/internal/raster"
)

// This file contains repository interface definitions (ports in hexagonal architecture).
// Processors and the worker pool depend on these interfaces; internal/data provides
// the Postgres and Redis implementations.

// JobRepository defines the job store operations used by producers and workers.
type JobRepository interface {
	Create(ctx context.Context, req *model.SubmitJobRequest) (*model.Job, error)
	GetByID(ctx context.Context, id string) (*model.Job, error)
	// MarkRunning moves a queued (or redelivered running) job to running.
	MarkRunning(ctx context.Context, id string) (*model.Job, error)
	Complete(ctx context.Context, id string, result json.RawMessage) error
	Fail(ctx context.Context, id, errMsg string) error
	List(ctx context.Context, opts data.ListJobsOptions) ([]*model.Job, error)
	Stats(ctx context.Context, projectID string) (*model.JobStats, error)
}

// WorkQueue defines the at-least-once delivery operations the worker pool relies on.
type WorkQueue interface {
	ReserveNext(ctx context.Context, lease time.Duration) (*model.Delivery, error)
	Heartbeat(ctx context.Context, jobID string, lease time.Duration) (bool, error)
	Ack(ctx context.Context, jobID string) error
	// Release returns the entry to the queue after backoff; dead reports that attempts ran out.
	Release(ctx context.Context, jobID, cause string, backoff time.Duration) (dead bool, err error)
	Stats(ctx context.Context) (*model.QueueStats, error)
}

// ProjectRepository resolves projects and their organization.
type ProjectRepository interface {
	GetByID(ctx context.Context, id string) (*model.Project, error)
}

// DatasetRepository reads uploaded datasets.
type DatasetRepository interface {
	GetByID(ctx context.Context, id string) (*model.Dataset, error)
	ListByProject(ctx context.Context, projectID string) ([]*model.Dataset, error)
}

// FeatureRepository stores vector features derived by processors.
type FeatureRepository interface {
	Create(ctx context.Context, req *model.CreateFeatureRequest) (*model.GeographicFeature, error)
	ListByProject(ctx context.Context, projectID string, limit int) ([]*model.GeographicFeature, error)
}

// IndexResultRepository stores derived index rasters.
type IndexResultRepository interface {
	Create(ctx context.Context, req *model.CreateIndexResultRequest) (*model.IndexResult, error)
	ListByProject(ctx context.Context, projectID string, limit int) ([]*model.IndexResult, error)
}

// ReportRepository stores rendered report metadata.
type ReportRepository interface {
	Create(ctx context.Context, req *model.CreateReportRequest) (*model.Report, error)
	GetByID(ctx context.Context, id string) (*model.Report, error)
}

// CacheRepository defines the interface for caching operations.
type CacheRepository interface {
	// Set stores a value in the cache with the given key and TTL.
	// If TTL is 0, the key will not expire.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get retrieves a value from the cache by key.
	// Returns nil if the key doesn't exist or has expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes a key from the cache.
	// Returns true if the key was deleted, false if it didn't exist.
	Delete(ctx context.Context, key string) (bool, error)

	// Health checks the health of the cache connection.
	Health(ctx context.Context) error
}

// RasterSource loads a raster from a URL or dataset reference.
type RasterSource interface {
	Load(ctx context.Context, ref raster.Ref) (*raster.Raster, error)
}

// PutObjectParams groups parameters for ObjectStore.Put.
type PutObjectParams struct {
	// Key is the object path, always namespaced under jobs/<job_id>/.
	Key         string
	ContentType string
	Body        io.Reader
	Size        int64
}

// ObjectStore persists binary artifacts and returns a URL clients can fetch them from.
type ObjectStore interface {
	Put(ctx context.Context, params PutObjectParams) (string, error)
}

// EventPublisher receives job lifecycle events. Publish must not block the worker for long;
// delivery failures are the publisher's concern.
type EventPublisher interface {
	Publish(ctx context.Context, evt model.JobEvent)
}
