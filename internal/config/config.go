package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/objectfs/imagecore/pkg/errors"
	"github.com/objectfs/imagecore/pkg/utils"
)

// Secondary tier backends.
const (
	BackendNone = "none"
	BackendFile = "file"
	BackendBolt = "bolt"
	BackendS3   = "s3"
)

// Memory sources.
const (
	MemorySourceHost    = "host"
	MemorySourceRuntime = "runtime"
)

// Configuration represents the complete application configuration
type Configuration struct {
	Global      GlobalConfig      `yaml:"global"`
	Memory      MemoryConfig      `yaml:"memory"`
	Cache       CacheConfig       `yaml:"cache"`
	Progressive ProgressiveConfig `yaml:"progressive"`
	Preload     PreloadConfig     `yaml:"preload"`
	Network     NetworkConfig     `yaml:"network"`
	Monitoring  MonitoringConfig  `yaml:"monitoring"`
}

// GlobalConfig holds logging settings
type GlobalConfig struct {
	LogLevel      string `yaml:"log_level"`
	LogFormat     string `yaml:"log_format"`
	LogFile       string `yaml:"log_file"`
	LogMaxSizeMB  int    `yaml:"log_max_size_mb"`
	LogMaxBackups int    `yaml:"log_max_backups"`
	LogMaxAgeDays int    `yaml:"log_max_age_days"`
	LogCompress   bool   `yaml:"log_compress"`
}

// MemoryConfig configures pressure sampling
type MemoryConfig struct {
	Source              string        `yaml:"source"`
	RuntimeLimit        string        `yaml:"runtime_limit"`
	SampleInterval      time.Duration `yaml:"sample_interval"`
	WarningThresholdMB  uint64        `yaml:"warning_threshold_mb"`
	CriticalThresholdMB uint64        `yaml:"critical_threshold_mb"`
	UrgentThresholdMB   uint64        `yaml:"urgent_threshold_mb"`
	HistorySize         int           `yaml:"history_size"`
}

// CacheConfig configures the tiered image cache
type CacheConfig struct {
	MaxMemoryCacheSizeMB   int             `yaml:"max_memory_cache_size_mb"`
	MaxDiskCacheSizeMB     int             `yaml:"max_disk_cache_size_mb"`
	TTL                    time.Duration   `yaml:"ttl"`
	CriticalRetainFraction float64         `yaml:"critical_retain_fraction"`
	UrgentRetainFraction   float64         `yaml:"urgent_retain_fraction"`
	Workers                int             `yaml:"workers"`
	SmallImageArea         int64           `yaml:"small_image_area"`
	MediumImageArea        int64           `yaml:"medium_image_area"`
	LargeImageArea         int64           `yaml:"large_image_area"`
	Secondary              SecondaryConfig `yaml:"secondary"`
}

// SecondaryConfig selects and configures the durable tier
type SecondaryConfig struct {
	Backend        string        `yaml:"backend"`
	Directory      string        `yaml:"directory"`
	BoltPath       string        `yaml:"bolt_path"`
	Gzip           bool          `yaml:"gzip"`
	IndexSyncDelay time.Duration `yaml:"index_sync_delay"`
	S3             S3Config      `yaml:"s3"`
}

// S3Config addresses a bucket for the S3 store or fetcher
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
	AccessKeyID     string `yaml:"-"`
	SecretAccessKey string `yaml:"-"`
	MaxRetries      int    `yaml:"max_retries"`
	EnableCargoShip bool   `yaml:"enable_cargoship"`
	Concurrency     int    `yaml:"concurrency"`
}

// ProgressiveConfig configures staged loading
type ProgressiveConfig struct {
	Enabled          bool          `yaml:"enabled"`
	ThumbnailMaxSize int           `yaml:"thumbnail_max_size"`
	MediumMaxSize    int           `yaml:"medium_max_size"`
	NetworkTimeout   time.Duration `yaml:"network_timeout"`
	PersistStages    bool          `yaml:"persist_stages"`
}

// PreloadConfig configures the scroll-driven preloader
type PreloadConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BaseWindow    int           `yaml:"base_window"`
	MaxWindow     int           `yaml:"max_window"`
	MaxLookBehind int           `yaml:"max_look_behind"`
	MaxConcurrent int           `yaml:"max_concurrent"`
	VelocityUnit  float64       `yaml:"velocity_unit"`
	FastVelocity  float64       `yaml:"fast_velocity"`
	LeadTimeTTL   time.Duration `yaml:"lead_time_ttl"`
}

// NetworkConfig configures source fetching
type NetworkConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	UserAgent    string        `yaml:"user_agent"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	MaxBodySize  string        `yaml:"max_body_size"`
	S3           S3Config      `yaml:"s3"`
}

// MonitoringConfig represents monitoring configuration
type MonitoringConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig configures the prometheus endpoint
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// NewDefault creates a new configuration with default values
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:      "INFO",
			LogFormat:     "text",
			LogMaxSizeMB:  50,
			LogMaxBackups: 3,
			LogMaxAgeDays: 14,
		},
		Memory: MemoryConfig{
			Source:              MemorySourceHost,
			SampleInterval:      2 * time.Second,
			WarningThresholdMB:  300,
			CriticalThresholdMB: 150,
			UrgentThresholdMB:   50,
			HistorySize:         50,
		},
		Cache: CacheConfig{
			MaxMemoryCacheSizeMB:   256,
			MaxDiskCacheSizeMB:     1024,
			TTL:                    24 * time.Hour,
			CriticalRetainFraction: 0.5,
			UrgentRetainFraction:   0.1,
			Workers:                4,
			SmallImageArea:         500 * 500,
			MediumImageArea:        1000 * 1000,
			LargeImageArea:         2000 * 2000,
			Secondary: SecondaryConfig{
				Backend:        BackendFile,
				Directory:      filepath.Join(os.TempDir(), "imagecore"),
				Gzip:           true,
				IndexSyncDelay: 2 * time.Second,
				S3: S3Config{
					Prefix:      "imagecore/cache/",
					Region:      "us-east-1",
					MaxRetries:  3,
					Concurrency: 4,
				},
			},
		},
		Progressive: ProgressiveConfig{
			Enabled:          true,
			ThumbnailMaxSize: 200,
			MediumMaxSize:    800,
			NetworkTimeout:   15 * time.Second,
			PersistStages:    true,
		},
		Preload: PreloadConfig{
			Enabled:       true,
			BaseWindow:    2,
			MaxWindow:     5,
			MaxLookBehind: 1,
			MaxConcurrent: 3,
			VelocityUnit:  500,
			FastVelocity:  1500,
			LeadTimeTTL:   5 * time.Minute,
		},
		Network: NetworkConfig{
			Timeout:      15 * time.Second,
			UserAgent:    "imagecore/1.0",
			MaxIdleConns: 16,
			MaxBodySize:  "64MiB",
			S3: S3Config{
				Region:     "us-east-1",
				MaxRetries: 3,
			},
		},
		Monitoring: MonitoringConfig{
			Metrics: MetricsConfig{
				Enabled:   false,
				Port:      9090,
				Path:      "/metrics",
				Namespace: "imagecore",
			},
		},
	}
}

// LoadFromFile overlays configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to read config file").
			WithDetail("file", filename)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to parse config file").
			WithDetail("file", filename)
	}

	return nil
}

// LoadFromEnv loads configuration from IMAGECORE_* environment variables
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("IMAGECORE_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("IMAGECORE_LOG_FORMAT"); val != "" {
		c.Global.LogFormat = val
	}
	if val := os.Getenv("IMAGECORE_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}

	if val := os.Getenv("IMAGECORE_MEMORY_SOURCE"); val != "" {
		c.Memory.Source = val
	}
	if val := os.Getenv("IMAGECORE_SAMPLE_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Memory.SampleInterval = d
		}
	}

	if val := os.Getenv("IMAGECORE_MEMORY_CACHE_MB"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Cache.MaxMemoryCacheSizeMB = n
		}
	}
	if val := os.Getenv("IMAGECORE_DISK_CACHE_MB"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Cache.MaxDiskCacheSizeMB = n
		}
	}
	if val := os.Getenv("IMAGECORE_CACHE_TTL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Cache.TTL = d
		}
	}
	if val := os.Getenv("IMAGECORE_SECONDARY_BACKEND"); val != "" {
		c.Cache.Secondary.Backend = strings.ToLower(val)
	}
	if val := os.Getenv("IMAGECORE_CACHE_DIR"); val != "" {
		c.Cache.Secondary.Directory = val
	}

	if val := os.Getenv("IMAGECORE_PROGRESSIVE"); val != "" {
		c.Progressive.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("IMAGECORE_PRELOAD"); val != "" {
		c.Preload.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("IMAGECORE_MAX_CONCURRENT"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Preload.MaxConcurrent = n
		}
	}

	if val := os.Getenv("IMAGECORE_NETWORK_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Network.Timeout = d
			c.Progressive.NetworkTimeout = d
		}
	}
	if val := os.Getenv("IMAGECORE_S3_BUCKET"); val != "" {
		c.Network.S3.Bucket = val
	}
	if val := os.Getenv("IMAGECORE_S3_ENDPOINT"); val != "" {
		c.Network.S3.Endpoint = val
		c.Cache.Secondary.S3.Endpoint = val
	}
	if val := os.Getenv("IMAGECORE_S3_REGION"); val != "" {
		c.Network.S3.Region = val
		c.Cache.Secondary.S3.Region = val
	}
	if val := os.Getenv("IMAGECORE_S3_CACHE_BUCKET"); val != "" {
		c.Cache.Secondary.S3.Bucket = val
	}
	if val := os.Getenv("IMAGECORE_S3_ACCESS_KEY_ID"); val != "" {
		c.Network.S3.AccessKeyID = val
		c.Cache.Secondary.S3.AccessKeyID = val
	}
	if val := os.Getenv("IMAGECORE_S3_SECRET_ACCESS_KEY"); val != "" {
		c.Network.S3.SecretAccessKey = val
		c.Cache.Secondary.S3.SecretAccessKey = val
	}

	if val := os.Getenv("IMAGECORE_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Monitoring.Metrics.Port = port
			c.Monitoring.Metrics.Enabled = true
		}
	}

	return nil
}

// SaveToFile saves configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigSave, "failed to marshal config")
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigSave, "failed to create config directory")
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigSave, "failed to write config file")
	}

	return nil
}

func invalid(format string, args ...interface{}) error {
	return errors.NewError(errors.ErrCodeInvalidConfig, fmt.Sprintf(format, args...)).
		WithComponent("config").WithOperation("validate")
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	if _, err := utils.ParseLogLevel(c.Global.LogLevel); err != nil {
		return invalid("invalid log_level: %s", c.Global.LogLevel)
	}
	if _, err := utils.ParseLogFormat(c.Global.LogFormat); err != nil {
		return invalid("invalid log_format: %s", c.Global.LogFormat)
	}

	switch c.Memory.Source {
	case MemorySourceHost, MemorySourceRuntime:
	default:
		return invalid("memory.source must be %q or %q, got %q", MemorySourceHost, MemorySourceRuntime, c.Memory.Source)
	}
	if c.Memory.RuntimeLimit != "" {
		if _, err := utils.ParseBytes(c.Memory.RuntimeLimit); err != nil {
			return invalid("memory.runtime_limit: %v", err)
		}
	}
	if c.Memory.SampleInterval <= 0 {
		return invalid("memory.sample_interval must be positive")
	}
	m := c.Memory
	if m.UrgentThresholdMB == 0 || !(m.WarningThresholdMB > m.CriticalThresholdMB && m.CriticalThresholdMB > m.UrgentThresholdMB) {
		return invalid("memory thresholds must satisfy warning > critical > urgent > 0, got %d/%d/%d",
			m.WarningThresholdMB, m.CriticalThresholdMB, m.UrgentThresholdMB)
	}

	if c.Cache.MaxMemoryCacheSizeMB <= 0 {
		return invalid("cache.max_memory_cache_size_mb must be greater than 0")
	}
	if c.Cache.MaxDiskCacheSizeMB < 0 {
		return invalid("cache.max_disk_cache_size_mb must not be negative")
	}
	if f := c.Cache.CriticalRetainFraction; f <= 0 || f > 1 {
		return invalid("cache.critical_retain_fraction must be in (0, 1], got %v", f)
	}
	if f := c.Cache.UrgentRetainFraction; f < 0 || f > c.Cache.CriticalRetainFraction {
		return invalid("cache.urgent_retain_fraction must be in [0, critical_retain_fraction], got %v", f)
	}
	if c.Cache.Workers <= 0 {
		return invalid("cache.workers must be greater than 0")
	}
	if !(0 < c.Cache.SmallImageArea && c.Cache.SmallImageArea < c.Cache.MediumImageArea &&
		c.Cache.MediumImageArea < c.Cache.LargeImageArea) {
		return invalid("cache image area thresholds must be increasing")
	}

	switch c.Cache.Secondary.Backend {
	case BackendNone, "":
	case BackendFile:
		if c.Cache.Secondary.Directory == "" {
			return invalid("cache.secondary.directory is required for the file backend")
		}
	case BackendBolt:
		if c.Cache.Secondary.BoltPath == "" && c.Cache.Secondary.Directory == "" {
			return invalid("cache.secondary.bolt_path or directory is required for the bolt backend")
		}
	case BackendS3:
		if c.Cache.Secondary.S3.Bucket == "" {
			return invalid("cache.secondary.s3.bucket is required for the s3 backend")
		}
	default:
		return invalid("unknown cache.secondary.backend %q", c.Cache.Secondary.Backend)
	}

	if c.Progressive.ThumbnailMaxSize <= 0 || c.Progressive.MediumMaxSize <= c.Progressive.ThumbnailMaxSize {
		return invalid("progressive sizes must satisfy 0 < thumbnail_max_size < medium_max_size")
	}
	if c.Progressive.NetworkTimeout <= 0 {
		return invalid("progressive.network_timeout must be positive")
	}

	p := c.Preload
	if p.BaseWindow < 0 || p.MaxWindow < p.BaseWindow {
		return invalid("preload windows must satisfy 0 <= base_window <= max_window")
	}
	if p.MaxLookBehind < 0 {
		return invalid("preload.max_look_behind must not be negative")
	}
	if p.MaxConcurrent <= 0 {
		return invalid("preload.max_concurrent must be greater than 0")
	}
	if p.VelocityUnit <= 0 || p.FastVelocity <= 0 {
		return invalid("preload velocity settings must be positive")
	}

	if c.Network.Timeout <= 0 {
		return invalid("network.timeout must be positive")
	}
	if c.Network.MaxBodySize != "" {
		if _, err := utils.ParseBytes(c.Network.MaxBodySize); err != nil {
			return invalid("network.max_body_size: %v", err)
		}
	}

	if c.Monitoring.Metrics.Enabled && (c.Monitoring.Metrics.Port <= 0 || c.Monitoring.Metrics.Port > 65535) {
		return invalid("monitoring.metrics.port out of range: %d", c.Monitoring.Metrics.Port)
	}

	return nil
}

// NewLogger builds the structured logger described by the global section.
func (g GlobalConfig) NewLogger() (*utils.StructuredLogger, error) {
	level, err := utils.ParseLogLevel(g.LogLevel)
	if err != nil {
		return nil, err
	}
	format, err := utils.ParseLogFormat(g.LogFormat)
	if err != nil {
		return nil, err
	}

	cfg := utils.DefaultStructuredLoggerConfig()
	cfg.Level = level
	cfg.Format = format
	if g.LogFile != "" {
		cfg.Rotation = &utils.RotationConfig{
			Filename:   g.LogFile,
			MaxSizeMB:  g.LogMaxSizeMB,
			MaxBackups: g.LogMaxBackups,
			MaxAgeDays: g.LogMaxAgeDays,
			Compress:   g.LogCompress,
		}
	}
	return utils.NewStructuredLogger(cfg)
}
