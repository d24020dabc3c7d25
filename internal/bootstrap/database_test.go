package bootstrap

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/geojobs/config"
	"github.com/target/geojobs/internal/testutil"
)

func TestPoolLimits(t *testing.T) {
	tests := []struct {
		name     string
		maxOpen  int
		maxIdle  int
		workers  int
		wantOpen int
		wantIdle int
	}{
		{name: "no workers keeps config", maxOpen: 25, maxIdle: 5, workers: 0, wantOpen: 25, wantIdle: 5},
		{name: "room to spare", maxOpen: 25, maxIdle: 5, workers: 5, wantOpen: 25, wantIdle: 6},
		{name: "raised to fit workers", maxOpen: 10, maxIdle: 5, workers: 20, wantOpen: 22, wantIdle: 21},
		{name: "exact fit", maxOpen: 7, maxIdle: 2, workers: 5, wantOpen: 7, wantIdle: 6},
		{name: "idle capped by open", maxOpen: 4, maxIdle: 10, workers: 2, wantOpen: 4, wantIdle: 4},
		{name: "unlimited pool", maxOpen: 0, maxIdle: 2, workers: 8, wantOpen: 0, wantIdle: 9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			open, idle := poolLimits(config.DBConfig{MaxOpenConns: tt.maxOpen, MaxIdleConns: tt.maxIdle}, tt.workers)
			assert.Equal(t, tt.wantOpen, open)
			assert.Equal(t, tt.wantIdle, idle)
		})
	}
}

func TestRedisOptions(t *testing.T) {
	tests := []struct {
		name     string
		cfg      config.RedisConfig
		wantAddr string
		wantPass string
		wantDB   int
		wantErr  bool
	}{
		{name: "host and port", cfg: config.RedisConfig{URI: "cache:6379", Password: "s3cret"}, wantAddr: "cache:6379", wantPass: "s3cret"},
		{name: "url with db", cfg: config.RedisConfig{URI: "redis://cache:6380/2"}, wantAddr: "cache:6380", wantDB: 2},
		{name: "url password wins", cfg: config.RedisConfig{URI: "redis://:frompath@cache:6379/0", Password: "fromenv"}, wantAddr: "cache:6379", wantPass: "frompath"},
		{name: "env password fills in", cfg: config.RedisConfig{URI: " redis://cache:6379 ", Password: "fromenv"}, wantAddr: "cache:6379", wantPass: "fromenv"},
		{name: "bad url", cfg: config.RedisConfig{URI: "redis://cache:6379/notadb"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts, err := redisOptions(tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantAddr, opts.Addr)
			assert.Equal(t, tt.wantPass, opts.Password)
			assert.Equal(t, tt.wantDB, opts.DB)
		})
	}
}

func TestConnectRedis_Disabled(t *testing.T) {
	client, err := ConnectRedis(DatabaseConfig{RedisConfig: config.RedisConfig{URI: "  "}})
	require.NoError(t, err)
	assert.Nil(t, client)
}

func TestConnectDB_ListenCheck(t *testing.T) {
	testutil.SkipIfNoTestDB(t)
	tc := testutil.DefaultTestDBConfig()
	port, err := strconv.Atoi(tc.Port)
	require.NoError(t, err)

	db, err := ConnectDB(DatabaseConfig{
		DBConfig: config.DBConfig{
			Host: tc.Host, Port: port, User: tc.User, Password: tc.Password, Name: tc.DBName,
			SSLMode: "disable", MaxOpenConns: 2, MaxIdleConns: 1,
		},
		Workers: 4,
	})
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	assert.Equal(t, 6, db.Stats().MaxOpenConnections)
}
