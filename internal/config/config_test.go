package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9100"
queue:
  capacity: 512
  high_water: 400
  low_water: 100
session:
  grace_window: 45s
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9100", cfg.Server.Addr)
	assert.Equal(t, 512, cfg.Queue.Capacity)
	assert.Equal(t, 45*time.Second, cfg.Session.GraceWindow)
	// untouched sections keep their defaults
	assert.Equal(t, "oldest_first", cfg.Queue.Eviction)
	assert.Equal(t, "redis", cfg.Broadcast.Backend)
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Server.Addr, cfg.Server.Addr)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero queue capacity", func(c *Config) { c.Queue.Capacity = 0 }},
		{"high water above capacity", func(c *Config) { c.Queue.HighWater = c.Queue.Capacity + 1 }},
		{"low water above high water", func(c *Config) { c.Queue.LowWater = c.Queue.HighWater }},
		{"unknown eviction", func(c *Config) { c.Queue.Eviction = "newest_first" }},
		{"unknown backend", func(c *Config) { c.Broadcast.Backend = "nats" }},
		{"zero grace window", func(c *Config) { c.Session.GraceWindow = 0 }},
		{"zero per-user limit", func(c *Config) { c.Registry.MaxConnsPerUser = 0 }},
		{"record ttl below grace window", func(c *Config) { c.Registry.RecordTTL = c.Session.GraceWindow / 2 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
