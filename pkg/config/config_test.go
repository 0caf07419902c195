package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-fabric/pkg/config"
)

var envKeys = []string{
	"HELM_FABRIC_DATA_DIR", "HELM_FABRIC_SEGMENT_MAX_BYTES", "HELM_FABRIC_SYNC",
	"HELM_FABRIC_MAX_DRIFT_MS", "HELM_FABRIC_DELIVERY_TIMEOUT", "HELM_FABRIC_QUEUE_DEPTH",
	"HELM_FABRIC_CHAIN_KEY", "HELM_FABRIC_EMIT_RATE", "HELM_FABRIC_EMIT_BURST", "LOG_LEVEL",
	"HELM_FABRIC_CHECKPOINT_BACKEND", "HELM_FABRIC_CHECKPOINT_DIR", "DATABASE_URL",
	"REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB",
	"HELM_FABRIC_ARCHIVE", "ARCHIVE_DIR", "ARCHIVE_S3_BUCKET", "AWS_REGION", "ARCHIVE_S3_REGION",
	"ARCHIVE_S3_ENDPOINT", "ARCHIVE_S3_PREFIX", "ARCHIVE_GCS_BUCKET", "ARCHIVE_GCS_PREFIX",
	"OTEL_ENABLED", "OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_INSECURE",
}

// cleanEnv blanks every variable the loader reads; empty values are ignored.
func cleanEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fabric.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cleanEnv(t)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "data", cfg.DataDir)
	assert.Equal(t, int64(64<<20), cfg.SegmentMaxBytes)
	assert.True(t, cfg.Sync)
	assert.Equal(t, int64(500), cfg.MaxDriftMs)
	assert.Equal(t, 5*time.Second, cfg.DeliveryTimeout)
	assert.Equal(t, "file", cfg.Checkpoint.Backend)
	assert.Equal(t, "none", cfg.Archive.Type)
	assert.False(t, cfg.OTel.Enabled)
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
	assert.Equal(t, filepath.Join("data", "wal"), cfg.WALDir())
	assert.Equal(t, filepath.Join("data", "checkpoints"), cfg.CheckpointDir())

	key, err := cfg.ChainKey()
	require.NoError(t, err)
	assert.Nil(t, key)
}

func TestLoad_Overrides(t *testing.T) {
	cleanEnv(t)
	t.Setenv("HELM_FABRIC_DATA_DIR", "/var/lib/fabric")
	t.Setenv("HELM_FABRIC_SEGMENT_MAX_BYTES", "1048576")
	t.Setenv("HELM_FABRIC_SYNC", "false")
	t.Setenv("HELM_FABRIC_DELIVERY_TIMEOUT", "250ms")
	t.Setenv("HELM_FABRIC_CHAIN_KEY", "00ff10")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("HELM_FABRIC_CHECKPOINT_BACKEND", "postgres")
	t.Setenv("DATABASE_URL", "postgres://fabric:5432/db")
	t.Setenv("HELM_FABRIC_ARCHIVE", "s3")
	t.Setenv("ARCHIVE_S3_BUCKET", "segments")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/fabric", cfg.DataDir)
	assert.Equal(t, int64(1<<20), cfg.SegmentMaxBytes)
	assert.False(t, cfg.Sync)
	assert.Equal(t, 250*time.Millisecond, cfg.DeliveryTimeout)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
	assert.Equal(t, "postgres", cfg.Checkpoint.Backend)
	assert.Equal(t, "segments", cfg.Archive.S3Bucket)

	key, err := cfg.ChainKey()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0xff, 0x10}, key)
}

func TestLoad_InvalidEnvironment(t *testing.T) {
	cleanEnv(t)
	t.Setenv("HELM_FABRIC_QUEUE_DEPTH", "many")

	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HELM_FABRIC_QUEUE_DEPTH")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"zero segment", func(c *config.Config) { c.SegmentMaxBytes = 0 }, "segment max bytes"},
		{"negative drift", func(c *config.Config) { c.MaxDriftMs = -1 }, "max drift"},
		{"bad key", func(c *config.Config) { c.ChainKeyHex = "zz" }, "chain key"},
		{"bad level", func(c *config.Config) { c.LogLevel = "LOUD" }, "log level"},
		{"postgres without url", func(c *config.Config) { c.Checkpoint.Backend = "postgres" }, "DATABASE_URL"},
		{"redis without addr", func(c *config.Config) { c.Checkpoint.Backend = "redis" }, "REDIS_ADDR"},
		{"unknown backend", func(c *config.Config) { c.Checkpoint.Backend = "etcd" }, "unknown checkpoint backend"},
		{"unknown archive", func(c *config.Config) { c.Archive.Type = "azure" }, "unknown archive type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
	require.NoError(t, config.Default().Validate())
}

func TestLoadFile(t *testing.T) {
	cleanEnv(t)
	path := writeFile(t, `
data_dir: /srv/fabric
segment_max_bytes: 4096
delivery_timeout: 2s
queue_depth: 8
checkpoint:
  backend: sqlite
archive:
  type: fs
  dir: /srv/archive
`)

	cfg, err := config.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/fabric", cfg.DataDir)
	assert.Equal(t, int64(4096), cfg.SegmentMaxBytes)
	assert.Equal(t, 2*time.Second, cfg.DeliveryTimeout)
	assert.Equal(t, 8, cfg.QueueDepth)
	assert.Equal(t, "sqlite", cfg.Checkpoint.Backend)
	assert.Equal(t, filepath.Join("/srv/fabric", "checkpoints.db"), cfg.CheckpointSQLitePath())
	assert.Equal(t, "/srv/archive", cfg.ArchiveDir())
	// Unset keys keep their defaults.
	assert.True(t, cfg.Sync)
	assert.Equal(t, int64(500), cfg.MaxDriftMs)
}

func TestLoadFile_EnvWins(t *testing.T) {
	cleanEnv(t)
	t.Setenv("HELM_FABRIC_DATA_DIR", "/from/env")
	path := writeFile(t, "data_dir: /from/file\n")

	cfg, err := config.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "/from/env", cfg.DataDir)
}

func TestLoadFile_SchemaRejects(t *testing.T) {
	cleanEnv(t)
	for name, body := range map[string]string{
		"unknown key":      "data_dir: x\nport: 8080\n",
		"wrong type":       "segment_max_bytes: big\n",
		"bad backend":      "checkpoint:\n  backend: etcd\n",
		"bad duration":     "delivery_timeout: soon\n",
		"odd chain key":    "chain_key: abc\n",
		"non-positive seg": "segment_max_bytes: 0\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := config.LoadFile(writeFile(t, body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "schema validation failed")
		})
	}
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := config.LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidateDocument_Empty(t *testing.T) {
	assert.NoError(t, config.ValidateDocument([]byte("")))
	assert.NoError(t, config.ValidateDocument([]byte(`{"data_dir": "d", "emit_rate": 2.5}`)))
}
