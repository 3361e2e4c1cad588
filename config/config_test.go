package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PRICER_CONFIG", "")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.StoreBackend)
	assert.Equal(t, "stream", cfg.Bus)
	assert.Equal(t, "PRICER_", cfg.KeyPrefix)
	assert.Equal(t, 60*time.Second, cfg.FetchTimeout)
	assert.Equal(t, 24, cfg.DefaultLookback)
	assert.NotEmpty(t, cfg.ConsumerName)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pricer.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store_backend: sqlite
sqlite_path: /var/lib/pricer.db
bus: memory
workers: 8
fetch_timeout: 90s
shutdown_grace: 1m
`), 0o644))
	t.Setenv("PRICER_CONFIG", path)
	t.Setenv("WORKERS", "3")
	t.Setenv("LEDGER_TTL", "48h")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.StoreBackend)
	assert.Equal(t, "/var/lib/pricer.db", cfg.SQLitePath)
	assert.Equal(t, "memory", cfg.Bus)
	assert.Equal(t, 3, cfg.Workers, "env overrides file")
	assert.Equal(t, 90*time.Second, cfg.FetchTimeout)
	assert.Equal(t, time.Minute, cfg.ShutdownGrace)
	assert.Equal(t, 48*time.Hour, cfg.LedgerTTL)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr, "untouched defaults survive")
}

func TestLoad_BadEnvValues(t *testing.T) {
	t.Setenv("PRICER_CONFIG", "")
	t.Setenv("WORKERS", "many")
	t.Setenv("FETCH_TIMEOUT", "soon")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WORKERS")
	assert.Contains(t, err.Error(), "FETCH_TIMEOUT")
}

func TestLoad_MissingFile(t *testing.T) {
	t.Setenv("PRICER_CONFIG", filepath.Join(t.TempDir(), "nope.yaml"))
	_, err := Load()
	assert.Error(t, err)
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.StoreBackend = "postgres"
	cfg.Bus = "kafka"
	cfg.Workers = 0
	cfg.FetchTimeout = 0

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "store_backend")
	assert.Contains(t, msg, "bus")
	assert.Contains(t, msg, "workers")
	assert.Contains(t, msg, "fetch_timeout")
}

func TestValidate_MemoryBusWithSQLiteNeedsNoRedis(t *testing.T) {
	cfg := Default()
	cfg.StoreBackend = "sqlite"
	cfg.Bus = "memory"
	cfg.RedisAddr = ""
	assert.NoError(t, cfg.Validate())
}
