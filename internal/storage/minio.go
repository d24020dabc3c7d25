package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/target/geojobs/internal/core"
)

const defaultURLExpiry = 7 * 24 * time.Hour

// MinioOptions configures a MinioStore.
type MinioOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
	// URLExpiry is the lifetime of the presigned URL returned by Put.
	URLExpiry time.Duration
	Logger    *slog.Logger
}

// MinioStore writes artifacts to an S3-compatible bucket and returns presigned URLs.
type MinioStore struct {
	client *minio.Client
	bucket string
	expiry time.Duration
	logger *slog.Logger
}

// NewMinioStore creates a MinIO client. The bucket is not checked until EnsureBucket.
func NewMinioStore(opts MinioOptions) (*MinioStore, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("storage: minio endpoint is required")
	}
	if opts.Bucket == "" {
		return nil, errors.New("storage: minio bucket is required")
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: create minio client: %w", err)
	}
	expiry := opts.URLExpiry
	if expiry <= 0 {
		expiry = defaultURLExpiry
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &MinioStore{
		client: client,
		bucket: opts.Bucket,
		expiry: expiry,
		logger: logger.With("component", "minio_store", "bucket", opts.Bucket),
	}, nil
}

// EnsureBucket creates the bucket when it does not exist.
func (s *MinioStore) EnsureBucket(ctx context.Context, region string) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("storage: check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("storage: create bucket %s: %w", s.bucket, err)
	}
	s.logger.InfoContext(ctx, "bucket created")
	return nil
}

// Put implements core.ObjectStore.
func (s *MinioStore) Put(ctx context.Context, p core.PutObjectParams) (string, error) {
	key, err := cleanKey(p.Key)
	if err != nil {
		return "", err
	}
	if p.Body == nil {
		return "", fmt.Errorf("storage: body is required for %s", key)
	}
	size := p.Size
	if size <= 0 {
		size = -1
	}
	contentType := p.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	info, err := s.client.PutObject(ctx, s.bucket, key, p.Body, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("storage: put %s: %w", key, err)
	}

	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, s.expiry, nil)
	if err != nil {
		return "", fmt.Errorf("storage: presign %s: %w", key, err)
	}
	s.logger.DebugContext(ctx, "artifact stored", "key", key, "bytes", info.Size)
	return u.String(), nil
}
