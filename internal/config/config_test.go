package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.PoolSizePerPLC)
	assert.Equal(t, 5*time.Second, cfg.ConnectionTimeout)
	assert.Equal(t, 10000, cfg.Buffer.MaxSize)
	assert.Equal(t, 500, cfg.Buffer.BatchSize)
	assert.Equal(t, 3, cfg.Buffer.RetryCount)
	assert.Equal(t, 10, cfg.MaxPollingGroups)
}

func TestLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcdaq.yaml")

	cfg := Default()
	cfg.DatabasePath = "/var/lib/mcdaq/config.db"
	cfg.Web.Port = 9090
	cfg.Oracle.Host = "db.example.com"
	cfg.Oracle.User = "scada"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/mcdaq/config.db", loaded.DatabasePath)
	assert.Equal(t, 9090, loaded.Web.Port)
	assert.Equal(t, "db.example.com", loaded.Oracle.Host)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcdaq.yaml")
	cfg := Default()
	cfg.Buffer.BatchSize = 250
	require.NoError(t, cfg.Save(path))

	t.Setenv("BUFFER_BATCH_SIZE", "100")
	t.Setenv("CONNECTION_TIMEOUT", "9")
	t.Setenv("DATABASE_PATH", "/tmp/other.db")
	t.Setenv("ORACLE_HOST", "oracle.example.com")

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 100, loaded.Buffer.BatchSize)
	assert.Equal(t, 9*time.Second, loaded.ConnectionTimeout)
	assert.Equal(t, "/tmp/other.db", loaded.DatabasePath)
	assert.Equal(t, "oracle.example.com", loaded.Oracle.Host)
}

func TestEnvIgnoresMalformedNumbers(t *testing.T) {
	t.Setenv("BUFFER_MAX_SIZE", "lots")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 10000, cfg.Buffer.MaxSize)
}

func TestOracleDSN(t *testing.T) {
	o := OracleConfig{Host: "db1", Port: 5432, Service: "XSCADA", User: "u", Password: "p"}
	assert.Equal(t, "postgres://u:p@db1:5432/XSCADA", o.DSN())
}
