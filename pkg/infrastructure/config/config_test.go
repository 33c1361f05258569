package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.GreaterOrEqual(t, cfg.Pool.Size, 1)
	assert.LessOrEqual(t, cfg.Pool.Size, 16)
	assert.Equal(t, "lru", cfg.Cache.Strategy)
	assert.Equal(t, 4, cfg.Batch.MaxConcurrency)
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Cache.MaxBytes, cfg.Cache.MaxBytes)
	assert.Equal(t, 30*time.Second, cfg.Pool.TaskTimeout)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cssforge.yaml")
	data := []byte(`
pool:
  size: 2
  task_timeout: 5s
cache:
  strategy: arc
  max_bytes: 1048576
batch:
  max_concurrency: 8
`)
	require.NoError(t, os.WriteFile(path, data, 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Pool.Size)
	assert.Equal(t, 5*time.Second, cfg.Pool.TaskTimeout)
	assert.Equal(t, "arc", cfg.Cache.Strategy)
	assert.Equal(t, int64(1048576), cfg.Cache.MaxBytes)
	assert.Equal(t, 8, cfg.Batch.MaxConcurrency)

	// untouched sections keep their defaults
	assert.Equal(t, 3, cfg.Batch.MaxRetries)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/cssforge.yaml")
	assert.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative pool size", func(c *Config) { c.Pool.Size = -1 }},
		{"oversized pool", func(c *Config) { c.Pool.Size = 64 }},
		{"zero queue", func(c *Config) { c.Pool.MaxQueueSize = 0 }},
		{"zero task timeout", func(c *Config) { c.Pool.TaskTimeout = 0 }},
		{"zero cache budget", func(c *Config) { c.Cache.MaxBytes = 0 }},
		{"unknown strategy", func(c *Config) { c.Cache.Strategy = "fifo" }},
		{"persist without path", func(c *Config) { c.Cache.Persist = true; c.Cache.PersistPath = "" }},
		{"zero concurrency", func(c *Config) { c.Batch.MaxConcurrency = 0 }},
		{"negative retries", func(c *Config) { c.Batch.MaxRetries = -1 }},
		{"max delay below base", func(c *Config) { c.Batch.RetryMaxDelay = time.Millisecond; c.Batch.RetryBaseDelay = time.Second }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig))
		})
	}
}

func TestValidateAcceptsAllStrategies(t *testing.T) {
	for _, s := range ValidStrategies {
		cfg := DefaultConfig()
		cfg.Cache.Strategy = s
		assert.NoError(t, cfg.Validate(), s)
	}
}
