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
	t.Chdir(t.TempDir())

	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, "ws://localhost:8080", cfg.Endpoint)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "/sync/", cfg.Sync.PathPrefix)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 250*time.Millisecond, cfg.Transport.BackoffMin)
	assert.Equal(t, 30*time.Second, cfg.Transport.BackoffMax)
	assert.Equal(t, 500, cfg.Session.BatchSize)
	assert.Equal(t, 750*time.Millisecond, cfg.Status.Debounce)
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tillsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
endpoint: wss://sync.example.com
storage:
  replicas_dir: /var/lib/tillsync
session:
  batch_size: 50
transport:
  backoff_max: 5s
`), 0o644))

	t.Setenv("TILLSYNC_LOG_LEVEL", "debug")
	t.Setenv("TILLSYNC_SESSION_DRAIN_TIMEOUT", "1s")

	cfg, err := Load(New(), path)
	require.NoError(t, err)

	assert.Equal(t, "wss://sync.example.com", cfg.Endpoint)
	assert.Equal(t, "/var/lib/tillsync", cfg.Storage.ReplicasDir)
	assert.Equal(t, 50, cfg.Session.BatchSize)
	assert.Equal(t, 5*time.Second, cfg.Transport.BackoffMax)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, time.Second, cfg.Session.DrainTimeout)
}

func TestLoad_ExplicitMissingFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	base, err := Load(New(), "")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad scheme", func(c *Config) { c.Endpoint = "ftp://x" }},
		{"root prefix", func(c *Config) { c.Sync.PathPrefix = "/" }},
		{"no replicas dir", func(c *Config) { c.Storage.ReplicasDir = "" }},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }},
		{"backoff inverted", func(c *Config) { c.Transport.BackoffMax = time.Millisecond }},
		{"liveness below ping", func(c *Config) { c.Transport.LivenessTimeout = time.Second }},
		{"zero batch", func(c *Config) { c.Session.BatchSize = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *base
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestTransportFor(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load(New(), "")
	require.NoError(t, err)
	cfg.Transport.StuckGrace = 3 * time.Second

	tc := cfg.TransportFor("ws://x/sync/r")
	assert.Equal(t, "ws://x/sync/r", tc.URL)
	assert.Equal(t, 3*time.Second, tc.StuckGrace)
	assert.Equal(t, cfg.Transport.BackoffMin, tc.BackoffMin)
}
