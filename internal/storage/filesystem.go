package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"

	"github.com/target/geojobs/internal/core"
)

// FilesystemOptions configures a FilesystemStore.
type FilesystemOptions struct {
	Root string
	// PublicBaseURL, when set, is joined with the key to build artifact URLs.
	PublicBaseURL string
	Logger        *slog.Logger
}

// FilesystemStore writes artifacts below a root directory.
type FilesystemStore struct {
	root    string
	baseURL string
	logger  *slog.Logger
}

// NewFilesystemStore creates the root directory if needed.
func NewFilesystemStore(opts FilesystemOptions) (*FilesystemStore, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("storage: filesystem root is required")
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve root: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create root: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &FilesystemStore{
		root:    root,
		baseURL: opts.PublicBaseURL,
		logger:  logger.With("component", "filesystem_store"),
	}, nil
}

// Put implements core.ObjectStore. The object is written to a temporary file
// and renamed into place so readers never observe a partial artifact.
func (s *FilesystemStore) Put(ctx context.Context, p core.PutObjectParams) (string, error) {
	key, err := cleanKey(p.Key)
	if err != nil {
		return "", err
	}
	if p.Body == nil {
		return "", fmt.Errorf("storage: body is required for %s", key)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	dst := filepath.Join(s.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("storage: create directory for %s: %w", key, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("storage: create temp file: %w", err)
	}
	defer func() {
		if rmErr := os.Remove(tmp.Name()); rmErr != nil && !os.IsNotExist(rmErr) {
			s.logger.WarnContext(ctx, "failed to remove temp file", "path", tmp.Name(), "error", rmErr)
		}
	}()

	n, err := io.Copy(tmp, p.Body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return "", fmt.Errorf("storage: write %s: %w", key, err)
	}
	if p.Size > 0 && n != p.Size {
		return "", fmt.Errorf("storage: write %s: wrote %d bytes, want %d", key, n, p.Size)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", fmt.Errorf("storage: commit %s: %w", key, err)
	}

	s.logger.DebugContext(ctx, "artifact stored", "key", key, "bytes", n)
	return s.url(key, dst), nil
}

func (s *FilesystemStore) url(key, dst string) string {
	if s.baseURL != "" {
		return s.baseURL + "/" + key
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(dst)}).String()
}

// Path returns the local path of key.
func (s *FilesystemStore) Path(key string) (string, error) {
	key, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}
