package config

import (
	"strings"
	"time"
)

// StorageProvider selects the object storage backend for derived artifacts.
type StorageProvider string

const (
	// StorageProviderFilesystem writes artifacts below a local directory.
	StorageProviderFilesystem StorageProvider = "filesystem"
	// StorageProviderMinio writes artifacts to an S3-compatible bucket.
	StorageProviderMinio StorageProvider = "minio"
)

// StorageConfig configures where rasters and reports are written.
type StorageConfig struct {
	Provider StorageProvider `env:"STORAGE_PROVIDER" envDefault:"filesystem"`

	// Root is the base directory for the filesystem provider.
	Root string `env:"STORAGE_ROOT" envDefault:"./data/artifacts"`

	// PublicBaseURL prefixes filesystem object keys when building artifact URLs.
	// Empty yields file:// URLs.
	PublicBaseURL string `env:"STORAGE_PUBLIC_BASE_URL" envDefault:""`

	Endpoint  string `env:"STORAGE_ENDPOINT"   envDefault:"localhost:9000"`
	AccessKey string `env:"STORAGE_ACCESS_KEY" envDefault:""`
	SecretKey string `env:"STORAGE_SECRET_KEY" envDefault:""`
	Bucket    string `env:"STORAGE_BUCKET"     envDefault:"geojobs"`
	Region    string `env:"STORAGE_REGION"     envDefault:""`
	UseSSL    bool   `env:"STORAGE_USE_SSL"    envDefault:"false"`

	// URLExpiry is the lifetime of presigned artifact URLs.
	URLExpiry time.Duration `env:"STORAGE_URL_EXPIRY" envDefault:"168h"`
}

// Sanitize applies guardrails to storage configuration values.
func (s *StorageConfig) Sanitize() {
	s.Provider = StorageProvider(strings.ToLower(strings.TrimSpace(string(s.Provider))))
	if s.Provider != StorageProviderMinio {
		s.Provider = StorageProviderFilesystem
	}
	s.PublicBaseURL = strings.TrimRight(strings.TrimSpace(s.PublicBaseURL), "/")
	if s.Root == "" {
		s.Root = "./data/artifacts"
	}
	// S3 presigned URLs cannot outlive seven days.
	if s.URLExpiry <= 0 || s.URLExpiry > 7*24*time.Hour {
		s.URLExpiry = 7 * 24 * time.Hour
	}
}
