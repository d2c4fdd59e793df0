package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coreerrors "github.com/objectfs/imagecore/pkg/errors"
)

func TestNewDefault(t *testing.T) {
	cfg := NewDefault()

	assert.Equal(t, "INFO", cfg.Global.LogLevel)
	assert.Equal(t, 2*time.Second, cfg.Memory.SampleInterval)
	assert.Equal(t, uint64(300), cfg.Memory.WarningThresholdMB)
	assert.Equal(t, uint64(150), cfg.Memory.CriticalThresholdMB)
	assert.Equal(t, uint64(50), cfg.Memory.UrgentThresholdMB)
	assert.Equal(t, 200, cfg.Progressive.ThumbnailMaxSize)
	assert.Equal(t, 800, cfg.Progressive.MediumMaxSize)
	assert.Equal(t, 15*time.Second, cfg.Progressive.NetworkTimeout)
	assert.Equal(t, 0.5, cfg.Cache.CriticalRetainFraction)
	assert.Equal(t, BackendFile, cfg.Cache.Secondary.Backend)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "imagecore.yaml")
	content := `
global:
  log_level: DEBUG
memory:
  sample_interval: 500ms
  warning_threshold_mb: 600
  critical_threshold_mb: 300
  urgent_threshold_mb: 100
cache:
  max_memory_cache_size_mb: 64
  secondary:
    backend: bolt
    bolt_path: /tmp/images.db
preload:
  max_window: 8
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg := NewDefault()
	require.NoError(t, cfg.LoadFromFile(path))

	assert.Equal(t, "DEBUG", cfg.Global.LogLevel)
	assert.Equal(t, 500*time.Millisecond, cfg.Memory.SampleInterval)
	assert.Equal(t, uint64(600), cfg.Memory.WarningThresholdMB)
	assert.Equal(t, 64, cfg.Cache.MaxMemoryCacheSizeMB)
	assert.Equal(t, BackendBolt, cfg.Cache.Secondary.Backend)
	assert.Equal(t, 8, cfg.Preload.MaxWindow)
	// Untouched sections keep their defaults.
	assert.Equal(t, 3, cfg.Preload.MaxConcurrent)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromFileErrors(t *testing.T) {
	cfg := NewDefault()
	err := cfg.LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Equal(t, coreerrors.ErrCodeConfigLoad, coreerrors.CodeOf(err))

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("memory: [unclosed"), 0600))
	assert.Error(t, cfg.LoadFromFile(bad))
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("IMAGECORE_LOG_LEVEL", "WARN")
	t.Setenv("IMAGECORE_MEMORY_CACHE_MB", "512")
	t.Setenv("IMAGECORE_SAMPLE_INTERVAL", "1s")
	t.Setenv("IMAGECORE_SECONDARY_BACKEND", "S3")
	t.Setenv("IMAGECORE_S3_CACHE_BUCKET", "thumbs")
	t.Setenv("IMAGECORE_PROGRESSIVE", "false")
	t.Setenv("IMAGECORE_NETWORK_TIMEOUT", "5s")
	t.Setenv("IMAGECORE_METRICS_PORT", "9100")
	t.Setenv("IMAGECORE_MAX_CONCURRENT", "not-a-number")

	cfg := NewDefault()
	require.NoError(t, cfg.LoadFromEnv())

	assert.Equal(t, "WARN", cfg.Global.LogLevel)
	assert.Equal(t, 512, cfg.Cache.MaxMemoryCacheSizeMB)
	assert.Equal(t, time.Second, cfg.Memory.SampleInterval)
	assert.Equal(t, BackendS3, cfg.Cache.Secondary.Backend)
	assert.Equal(t, "thumbs", cfg.Cache.Secondary.S3.Bucket)
	assert.False(t, cfg.Progressive.Enabled)
	assert.Equal(t, 5*time.Second, cfg.Progressive.NetworkTimeout)
	assert.True(t, cfg.Monitoring.Metrics.Enabled)
	assert.Equal(t, 9100, cfg.Monitoring.Metrics.Port)
	assert.Equal(t, 3, cfg.Preload.MaxConcurrent, "unparsable values are ignored")
	assert.NoError(t, cfg.Validate())
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "imagecore.yaml")

	cfg := NewDefault()
	cfg.Cache.MaxDiskCacheSizeMB = 2048
	cfg.Cache.Secondary.S3.SecretAccessKey = "do-not-persist"
	require.NoError(t, cfg.SaveToFile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "do-not-persist")

	loaded := NewDefault()
	require.NoError(t, loaded.LoadFromFile(path))
	assert.Equal(t, 2048, loaded.Cache.MaxDiskCacheSizeMB)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Configuration)
	}{
		{"bad log level", func(c *Configuration) { c.Global.LogLevel = "LOUD" }},
		{"bad log format", func(c *Configuration) { c.Global.LogFormat = "xml" }},
		{"bad memory source", func(c *Configuration) { c.Memory.Source = "psychic" }},
		{"bad runtime limit", func(c *Configuration) { c.Memory.RuntimeLimit = "lots" }},
		{"threshold order", func(c *Configuration) { c.Memory.CriticalThresholdMB = 400 }},
		{"zero urgent", func(c *Configuration) { c.Memory.UrgentThresholdMB = 0 }},
		{"zero memory budget", func(c *Configuration) { c.Cache.MaxMemoryCacheSizeMB = 0 }},
		{"critical fraction", func(c *Configuration) { c.Cache.CriticalRetainFraction = 1.5 }},
		{"urgent fraction", func(c *Configuration) { c.Cache.UrgentRetainFraction = 0.9 }},
		{"area order", func(c *Configuration) { c.Cache.MediumImageArea = 1 }},
		{"unknown backend", func(c *Configuration) { c.Cache.Secondary.Backend = "tape" }},
		{"s3 without bucket", func(c *Configuration) { c.Cache.Secondary.Backend = BackendS3 }},
		{"file without dir", func(c *Configuration) { c.Cache.Secondary.Directory = "" }},
		{"stage sizes", func(c *Configuration) { c.Progressive.MediumMaxSize = 100 }},
		{"window order", func(c *Configuration) { c.Preload.BaseWindow = 9 }},
		{"zero concurrency", func(c *Configuration) { c.Preload.MaxConcurrent = 0 }},
		{"metrics port", func(c *Configuration) {
			c.Monitoring.Metrics.Enabled = true
			c.Monitoring.Metrics.Port = 70000
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefault()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, coreerrors.ErrInvalidConfig), "got %v", err)
		})
	}
}

func TestNewLogger(t *testing.T) {
	cfg := NewDefault()
	cfg.Global.LogFile = filepath.Join(t.TempDir(), "core.log")
	logger, err := cfg.Global.NewLogger()
	require.NoError(t, err)
	logger.Info("hello")
	require.NoError(t, logger.Close())

	_, err = os.Stat(cfg.Global.LogFile)
	assert.NoError(t, err)

	cfg.Global.LogLevel = "nope"
	_, err = cfg.Global.NewLogger()
	assert.Error(t, err)
}
