package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultTestDBConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		for _, k := range []string{"TEST_DB_HOST", "TEST_DB_PORT", "TEST_DB_USER", "TEST_DB_PASSWORD", "TEST_DB_NAME"} {
			t.Setenv(k, "")
		}
		cfg := DefaultTestDBConfig()
		assert.Equal(t, "localhost", cfg.Host)
		assert.Equal(t, "55432", cfg.Port)
		assert.Equal(t, "geojobs", cfg.User)
		assert.Equal(t, "geojobs", cfg.DBName)
	})

	t.Run("env overrides", func(t *testing.T) {
		for _, k := range []string{"TEST_DB_USER", "TEST_DB_PASSWORD", "TEST_DB_NAME"} {
			t.Setenv(k, "")
		}
		t.Setenv("TEST_DB_HOST", "db")
		t.Setenv("TEST_DB_PORT", "5432")
		t.Setenv("DB_SSL_MODE", "")
		cfg := DefaultTestDBConfig()
		assert.Equal(t, "db", cfg.Host)
		assert.Equal(t, "postgres://geojobs:geojobs@db:5432/geojobs?sslmode=disable", cfg.DSN())
	})
}

func TestSubmitRequestBuilder(t *testing.T) {
	req := NewSubmitRequest().WithProject("p1", "o1").WithMaxAttempts(5).Build()
	assert.NoError(t, req.Validate())
	assert.Equal(t, "p1", *req.ProjectID)
	assert.Equal(t, "o1", *req.OrganizationID)
	assert.Equal(t, 5, req.MaxAttempts)
}
