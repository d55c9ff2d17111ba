package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Sync policies for the active segment: fsync after every append, only
// when a segment seals, or on a timer.
const (
	SyncAlways   = "always"
	SyncOnRotate = "on_rotate"
	SyncPeriodic = "periodic"
)

type Config struct {
	Storage StorageConfig `yaml:"storage" json:"storage"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
}

type StorageConfig struct {
	DataDir string `yaml:"data_dir" json:"data_dir"`

	// SegmentSizeThreshold closes the active segment once it would grow
	// past this many bytes.
	SegmentSizeThreshold int64 `yaml:"segment_size_threshold" json:"segment_size_threshold"`

	// SyncPolicy is one of always, on_rotate, periodic. SyncInterval
	// applies to the periodic policy only.
	SyncPolicy   string        `yaml:"sync_policy" json:"sync_policy"`
	SyncInterval time.Duration `yaml:"sync_interval" json:"sync_interval"`

	// MergeThreshold triggers a background merge once the cumulative
	// immutable size reaches this many bytes. AutoMerge gates the trigger.
	MergeThreshold int64 `yaml:"merge_threshold" json:"merge_threshold"`
	AutoMerge      bool  `yaml:"auto_merge" json:"auto_merge"`

	MaxKeySize   int `yaml:"max_key_size" json:"max_key_size"`
	MaxValueSize int `yaml:"max_value_size" json:"max_value_size"`

	Cache CacheConfig `yaml:"cache" json:"cache"`
}

type CacheConfig struct {
	Enabled         bool          `yaml:"enabled" json:"enabled"`
	Size            int           `yaml:"size" json:"size"`
	TTL             time.Duration `yaml:"ttl" json:"ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" json:"cleanup_interval"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Port    int    `yaml:"port" json:"port"`
	Path    string `yaml:"path" json:"path"`
}

// Load builds the configuration from defaults, an optional yaml file and
// environment overrides, then validates it.
func Load(configPath string) (*Config, error) {
	config := DefaultConfig()

	if configPath != "" {
		if err := loadFromFile(config, configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	loadFromEnvironment(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			DataDir:              "./data",
			SegmentSizeThreshold: 256 * 1024 * 1024, // 256MB
			SyncPolicy:           SyncOnRotate,
			SyncInterval:         1 * time.Second,
			MergeThreshold:       1024 * 1024 * 1024, // 1GB of immutable data
			AutoMerge:            true,
			MaxKeySize:           4 * 1024,         // 4KB
			MaxValueSize:         64 * 1024 * 1024, // 64MB
			Cache: CacheConfig{
				Enabled:         false,
				Size:            10000,
				TTL:             30 * time.Minute,
				CleanupInterval: 5 * time.Minute,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    2112,
			Path:    "/metrics",
		},
	}
}

func loadFromFile(config *Config, configPath string) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(configPath))

	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to unmarshal YAML config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", ext)
	}

	return nil
}

func loadFromEnvironment(config *Config) {
	if dataDir := os.Getenv("LOGCASK_DATA_DIR"); dataDir != "" {
		config.Storage.DataDir = dataDir
	}
	if threshold := os.Getenv("LOGCASK_SEGMENT_SIZE_THRESHOLD"); threshold != "" {
		if n, err := strconv.ParseInt(threshold, 10, 64); err == nil {
			config.Storage.SegmentSizeThreshold = n
		}
	}
	if policy := os.Getenv("LOGCASK_SYNC_POLICY"); policy != "" {
		config.Storage.SyncPolicy = policy
	}
	if interval := os.Getenv("LOGCASK_SYNC_INTERVAL"); interval != "" {
		if d, err := time.ParseDuration(interval); err == nil {
			config.Storage.SyncInterval = d
		}
	}
	if threshold := os.Getenv("LOGCASK_MERGE_THRESHOLD"); threshold != "" {
		if n, err := strconv.ParseInt(threshold, 10, 64); err == nil {
			config.Storage.MergeThreshold = n
		}
	}
	if autoMerge := os.Getenv("LOGCASK_AUTO_MERGE"); autoMerge != "" {
		if b, err := strconv.ParseBool(autoMerge); err == nil {
			config.Storage.AutoMerge = b
		}
	}

	if level := os.Getenv("LOGCASK_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("LOGCASK_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}

	if enabled := os.Getenv("LOGCASK_METRICS_ENABLED"); enabled != "" {
		if b, err := strconv.ParseBool(enabled); err == nil {
			config.Metrics.Enabled = b
		}
	}
	if port := os.Getenv("LOGCASK_METRICS_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Metrics.Port = p
		}
	}
}

func (c *Config) Validate() error {
	if err := c.Storage.Validate(); err != nil {
		return err
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
			return fmt.Errorf("invalid metrics port: %d", c.Metrics.Port)
		}
	}

	return nil
}

func (s *StorageConfig) Validate() error {
	if s.DataDir == "" {
		return fmt.Errorf("data directory must not be empty")
	}
	if s.SegmentSizeThreshold <= 0 {
		return fmt.Errorf("segment size threshold must be positive: %d", s.SegmentSizeThreshold)
	}
	if int64(s.MaxValueSize)+int64(s.MaxKeySize) > s.SegmentSizeThreshold {
		return fmt.Errorf("segment size threshold %d cannot hold a maximum-sized record", s.SegmentSizeThreshold)
	}

	switch s.SyncPolicy {
	case SyncAlways, SyncOnRotate:
	case SyncPeriodic:
		if s.SyncInterval <= 0 {
			return fmt.Errorf("periodic sync requires a positive sync interval")
		}
	default:
		return fmt.Errorf("invalid sync policy: %s", s.SyncPolicy)
	}

	if s.MergeThreshold <= 0 {
		return fmt.Errorf("merge threshold must be positive: %d", s.MergeThreshold)
	}
	if s.MaxKeySize <= 0 {
		return fmt.Errorf("max key size must be positive: %d", s.MaxKeySize)
	}
	if s.MaxValueSize <= 0 {
		return fmt.Errorf("max value size must be positive: %d", s.MaxValueSize)
	}

	if s.Cache.Enabled {
		if s.Cache.Size <= 0 {
			return fmt.Errorf("cache size must be positive: %d", s.Cache.Size)
		}
	}

	return nil
}
