// Package storage implements core.ObjectStore for job artifacts on the local
// filesystem or an S3-compatible bucket.
package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/target/geojobs/config"
	"github.com/target/geojobs/internal/core"
)

// ErrInvalidKey is returned for empty keys or keys escaping the artifact root.
var ErrInvalidKey = errors.New("storage: invalid object key")

// New builds the object store selected by cfg.Provider.
func New(cfg config.StorageConfig, logger *slog.Logger) (core.ObjectStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Provider {
	case config.StorageProviderMinio:
		return NewMinioStore(MinioOptions{
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			Bucket:    cfg.Bucket,
			Region:    cfg.Region,
			UseSSL:    cfg.UseSSL,
			URLExpiry: cfg.URLExpiry,
			Logger:    logger,
		})
	case config.StorageProviderFilesystem, "":
		return NewFilesystemStore(FilesystemOptions{
			Root:          cfg.Root,
			PublicBaseURL: cfg.PublicBaseURL,
			Logger:        logger,
		})
	default:
		return nil, fmt.Errorf("storage: unsupported provider %q", cfg.Provider)
	}
}

// cleanKey normalizes a slash separated key and rejects traversal.
func cleanKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", ErrInvalidKey
	}
	cleaned := path.Clean("/" + key)[1:]
	if cleaned == "" || cleaned != strings.TrimPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return cleaned, nil
}
