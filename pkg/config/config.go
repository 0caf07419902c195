// Package config loads helm-fabric settings from the environment and,
// optionally, a YAML file validated against an embedded JSON Schema.
//
// Precedence is defaults, then the file, then environment variables.
package config

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds fabric configuration.
type Config struct {
	DataDir         string        `yaml:"data_dir"`
	SegmentMaxBytes int64         `yaml:"segment_max_bytes"`
	Sync            bool          `yaml:"sync"`
	MaxDriftMs      int64         `yaml:"max_drift_ms"`
	DeliveryTimeout time.Duration `yaml:"delivery_timeout"`
	QueueDepth      int           `yaml:"queue_depth"`
	ChainKeyHex     string        `yaml:"chain_key"`
	EmitRate        float64       `yaml:"emit_rate"`
	EmitBurst       int           `yaml:"emit_burst"`
	LogLevel        string        `yaml:"log_level"`

	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Archive    ArchiveConfig    `yaml:"archive"`
	OTel       OTelConfig       `yaml:"otel"`
}

// CheckpointConfig selects the checkpoint registry backend.
type CheckpointConfig struct {
	Backend       string `yaml:"backend"` // file | sqlite | postgres | redis
	Dir           string `yaml:"dir"`     // file backend; defaults under DataDir
	DatabaseURL   string `yaml:"database_url"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

// ArchiveConfig selects where compaction archives sealed segments.
type ArchiveConfig struct {
	Type       string `yaml:"type"` // none | fs | s3 | gcs
	Dir        string `yaml:"dir"`
	S3Bucket   string `yaml:"s3_bucket"`
	S3Region   string `yaml:"s3_region"`
	S3Endpoint string `yaml:"s3_endpoint"`
	S3Prefix   string `yaml:"s3_prefix"`
	GCSBucket  string `yaml:"gcs_bucket"`
	GCSPrefix  string `yaml:"gcs_prefix"`
}

// OTelConfig controls OpenTelemetry export.
type OTelConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
}

// Defaults.
const (
	DefaultDataDir         = "data"
	DefaultSegmentMaxBytes = 64 << 20
	DefaultMaxDriftMs      = 500
	DefaultDeliveryTimeout = 5 * time.Second
	DefaultQueueDepth      = 64
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir:         DefaultDataDir,
		SegmentMaxBytes: DefaultSegmentMaxBytes,
		Sync:            true,
		MaxDriftMs:      DefaultMaxDriftMs,
		DeliveryTimeout: DefaultDeliveryTimeout,
		QueueDepth:      DefaultQueueDepth,
		LogLevel:        "INFO",
		Checkpoint:      CheckpointConfig{Backend: "file"},
		Archive:         ArchiveConfig{Type: "none"},
		OTel:            OTelConfig{Endpoint: "localhost:4317"},
	}
}

// Load loads configuration from environment variables over the defaults.
func Load() (*Config, error) {
	cfg := Default()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []string
	num := func(key string, set func(string) error) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			if err := set(v); err != nil {
				errs = append(errs, fmt.Sprintf("%s=%q: %v", key, v, err))
			}
		}
	}

	str("HELM_FABRIC_DATA_DIR", &c.DataDir)
	num("HELM_FABRIC_SEGMENT_MAX_BYTES", func(v string) (err error) {
		c.SegmentMaxBytes, err = strconv.ParseInt(v, 10, 64)
		return err
	})
	num("HELM_FABRIC_SYNC", func(v string) (err error) {
		c.Sync, err = strconv.ParseBool(v)
		return err
	})
	num("HELM_FABRIC_MAX_DRIFT_MS", func(v string) (err error) {
		c.MaxDriftMs, err = strconv.ParseInt(v, 10, 64)
		return err
	})
	num("HELM_FABRIC_DELIVERY_TIMEOUT", func(v string) (err error) {
		c.DeliveryTimeout, err = time.ParseDuration(v)
		return err
	})
	num("HELM_FABRIC_QUEUE_DEPTH", func(v string) (err error) {
		c.QueueDepth, err = strconv.Atoi(v)
		return err
	})
	str("HELM_FABRIC_CHAIN_KEY", &c.ChainKeyHex)
	num("HELM_FABRIC_EMIT_RATE", func(v string) (err error) {
		c.EmitRate, err = strconv.ParseFloat(v, 64)
		return err
	})
	num("HELM_FABRIC_EMIT_BURST", func(v string) (err error) {
		c.EmitBurst, err = strconv.Atoi(v)
		return err
	})
	str("LOG_LEVEL", &c.LogLevel)

	str("HELM_FABRIC_CHECKPOINT_BACKEND", &c.Checkpoint.Backend)
	str("HELM_FABRIC_CHECKPOINT_DIR", &c.Checkpoint.Dir)
	str("DATABASE_URL", &c.Checkpoint.DatabaseURL)
	str("REDIS_ADDR", &c.Checkpoint.RedisAddr)
	str("REDIS_PASSWORD", &c.Checkpoint.RedisPassword)
	num("REDIS_DB", func(v string) (err error) {
		c.Checkpoint.RedisDB, err = strconv.Atoi(v)
		return err
	})

	str("HELM_FABRIC_ARCHIVE", &c.Archive.Type)
	str("ARCHIVE_DIR", &c.Archive.Dir)
	str("ARCHIVE_S3_BUCKET", &c.Archive.S3Bucket)
	str("AWS_REGION", &c.Archive.S3Region)
	str("ARCHIVE_S3_REGION", &c.Archive.S3Region)
	str("ARCHIVE_S3_ENDPOINT", &c.Archive.S3Endpoint)
	str("ARCHIVE_S3_PREFIX", &c.Archive.S3Prefix)
	str("ARCHIVE_GCS_BUCKET", &c.Archive.GCSBucket)
	str("ARCHIVE_GCS_PREFIX", &c.Archive.GCSPrefix)

	num("OTEL_ENABLED", func(v string) (err error) {
		c.OTel.Enabled, err = strconv.ParseBool(v)
		return err
	})
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.OTel.Endpoint)
	num("OTEL_EXPORTER_OTLP_INSECURE", func(v string) (err error) {
		c.OTel.Insecure, err = strconv.ParseBool(v)
		return err
	})

	if len(errs) > 0 {
		return fmt.Errorf("config: invalid environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Validate rejects settings the fabric cannot run with.
func (c *Config) Validate() error {
	var problems []string
	if c.DataDir == "" {
		problems = append(problems, "data dir is empty")
	}
	if c.SegmentMaxBytes <= 0 {
		problems = append(problems, fmt.Sprintf("segment max bytes must be positive, got %d", c.SegmentMaxBytes))
	}
	if c.MaxDriftMs < 0 {
		problems = append(problems, fmt.Sprintf("max drift must not be negative, got %d", c.MaxDriftMs))
	}
	if c.DeliveryTimeout <= 0 {
		problems = append(problems, fmt.Sprintf("delivery timeout must be positive, got %s", c.DeliveryTimeout))
	}
	if c.QueueDepth <= 0 {
		problems = append(problems, fmt.Sprintf("queue depth must be positive, got %d", c.QueueDepth))
	}
	if c.EmitRate < 0 || c.EmitBurst < 0 {
		problems = append(problems, "emit rate and burst must not be negative")
	}
	if _, err := c.ChainKey(); err != nil {
		problems = append(problems, err.Error())
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		problems = append(problems, err.Error())
	}

	switch c.Checkpoint.Backend {
	case "file", "sqlite":
	case "postgres":
		if c.Checkpoint.DatabaseURL == "" {
			problems = append(problems, "DATABASE_URL is required for the postgres checkpoint backend")
		}
	case "redis":
		if c.Checkpoint.RedisAddr == "" {
			problems = append(problems, "REDIS_ADDR is required for the redis checkpoint backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown checkpoint backend %q", c.Checkpoint.Backend))
	}

	switch c.Archive.Type {
	case "none", "fs", "s3", "gcs":
	default:
		problems = append(problems, fmt.Sprintf("unknown archive type %q", c.Archive.Type))
	}

	if len(problems) > 0 {
		return fmt.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ChainKey decodes the optional chain key. An empty key selects unkeyed
// SHA-256 chaining.
func (c *Config) ChainKey() ([]byte, error) {
	if c.ChainKeyHex == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.ChainKeyHex)
	if err != nil {
		return nil, fmt.Errorf("chain key is not hex: %w", err)
	}
	return key, nil
}

// SlogLevel maps LogLevel to a slog level.
func (c *Config) SlogLevel() slog.Level {
	l, err := parseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return l
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "", "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// WALDir is where WAL segments live.
func (c *Config) WALDir() string { return filepath.Join(c.DataDir, "wal") }

// CheckpointDir is where the file checkpoint backend writes.
func (c *Config) CheckpointDir() string {
	if c.Checkpoint.Dir != "" {
		return c.Checkpoint.Dir
	}
	return filepath.Join(c.DataDir, "checkpoints")
}

// CheckpointSQLitePath is the SQLite database used by the sqlite backend
// when DATABASE_URL is unset.
func (c *Config) CheckpointSQLitePath() string {
	if c.Checkpoint.DatabaseURL != "" {
		return c.Checkpoint.DatabaseURL
	}
	return filepath.Join(c.DataDir, "checkpoints.db")
}

// ArchiveDir is the root of the fs archive.
func (c *Config) ArchiveDir() string {
	if c.Archive.Dir != "" {
		return c.Archive.Dir
	}
	return filepath.Join(c.DataDir, "archive")
}
