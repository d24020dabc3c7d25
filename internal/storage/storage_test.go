package storage

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/geojobs/config"
	"github.com/target/geojobs/internal/core"
)

func TestCleanKey(t *testing.T) {
	tests := []struct {
		key     string
		want    string
		wantErr bool
	}{
		{key: "jobs/j1/ndvi.tif", want: "jobs/j1/ndvi.tif"},
		{key: "/jobs/j1/report.json", want: "jobs/j1/report.json"},
		{key: "", wantErr: true},
		{key: "../etc/passwd", wantErr: true},
		{key: "jobs/j1/../../x", wantErr: true},
		{key: `jobs\j1`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			got, err := cleanKey(tt.key)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidKey)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFilesystemStore_Put(t *testing.T) {
	root := t.TempDir()
	store, err := NewFilesystemStore(FilesystemOptions{Root: root})
	require.NoError(t, err)

	body := []byte(`{"ok":true}`)
	u, err := store.Put(context.Background(), core.PutObjectParams{
		Key:         "jobs/job-1/report.json",
		ContentType: "application/json",
		Body:        bytes.NewReader(body),
		Size:        int64(len(body)),
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u, "file://"), u)
	assert.True(t, strings.HasSuffix(u, "/jobs/job-1/report.json"), u)

	got, err := os.ReadFile(filepath.Join(root, "jobs", "job-1", "report.json"))
	require.NoError(t, err)
	assert.Equal(t, body, got)

	entries, err := os.ReadDir(filepath.Join(root, "jobs", "job-1"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file must not linger")
}

func TestFilesystemStore_PublicURLAndErrors(t *testing.T) {
	store, err := NewFilesystemStore(FilesystemOptions{Root: t.TempDir(), PublicBaseURL: "https://cdn.example.com/artifacts"})
	require.NoError(t, err)
	ctx := context.Background()

	u, err := store.Put(ctx, core.PutObjectParams{Key: "jobs/j2/change_map.tif", Body: strings.NewReader("tif")})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/artifacts/jobs/j2/change_map.tif", u)

	_, err = store.Put(ctx, core.PutObjectParams{Key: "../escape", Body: strings.NewReader("x")})
	require.ErrorIs(t, err, ErrInvalidKey)

	_, err = store.Put(ctx, core.PutObjectParams{Key: "jobs/j3/a", Body: strings.NewReader("abc"), Size: 10})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wrote 3 bytes, want 10")
	p, err := store.Path("jobs/j3/a")
	require.NoError(t, err)
	_, statErr := os.Stat(p)
	assert.True(t, os.IsNotExist(statErr))

	_, err = store.Put(ctx, core.PutObjectParams{Key: "jobs/j4/a"})
	require.Error(t, err)
}

func TestNew(t *testing.T) {
	t.Run("filesystem", func(t *testing.T) {
		s, err := New(config.StorageConfig{Provider: config.StorageProviderFilesystem, Root: t.TempDir()}, nil)
		require.NoError(t, err)
		assert.IsType(t, &FilesystemStore{}, s)
	})

	t.Run("minio", func(t *testing.T) {
		s, err := New(config.StorageConfig{
			Provider: config.StorageProviderMinio,
			Endpoint: "localhost:9000",
			Bucket:   "geojobs",
			Region:   "us-east-1",
		}, nil)
		require.NoError(t, err)
		assert.IsType(t, &MinioStore{}, s)
	})

	t.Run("minio requires bucket", func(t *testing.T) {
		_, err := New(config.StorageConfig{Provider: config.StorageProviderMinio, Endpoint: "localhost:9000"}, nil)
		require.Error(t, err)
	})

	t.Run("unknown provider", func(t *testing.T) {
		_, err := New(config.StorageConfig{Provider: "tape"}, nil)
		require.Error(t, err)
	})
}
