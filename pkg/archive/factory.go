package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// StoreType names an archive backend.
type StoreType string

const (
	StoreTypeNone StoreType = "none"
	StoreTypeFS   StoreType = "fs"
	StoreTypeS3   StoreType = "s3"
	StoreTypeGCS  StoreType = "gcs"
)

// GCSStoreConfig holds configuration for GCSStore.
type GCSStoreConfig struct {
	Bucket string
	Prefix string
}

// Config selects and configures a backend.
type Config struct {
	Type StoreType
	Dir  string // StoreTypeFS root
	S3   S3StoreConfig
	GCS  GCSStoreConfig
}

// NewStore builds the configured backend. StoreTypeNone (or empty) returns a
// nil Store and no error: compaction then removes segments without archiving.
func NewStore(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Type {
	case "", StoreTypeNone:
		return nil, nil
	case StoreTypeFS:
		if cfg.Dir == "" {
			return nil, fmt.Errorf("archive directory is required for fs archive")
		}
		return NewFileStore(cfg.Dir)
	case StoreTypeS3:
		if cfg.S3.Bucket == "" {
			return nil, fmt.Errorf("ARCHIVE_S3_BUCKET is required for s3 archive")
		}
		if cfg.S3.Region == "" {
			cfg.S3.Region = "us-east-1"
		}
		return NewS3Store(ctx, cfg.S3)
	case StoreTypeGCS:
		if cfg.GCS.Bucket == "" {
			return nil, fmt.Errorf("ARCHIVE_GCS_BUCKET is required for gcs archive")
		}
		return newGCSStore(ctx, cfg.GCS)
	default:
		return nil, fmt.Errorf("unsupported archive type: %s", cfg.Type)
	}
}

// ConfigFromEnv reads the archive settings.
//
// Environment variables:
//   - HELM_FABRIC_ARCHIVE: "none" (default), "fs", "s3" or "gcs"
//   - HELM_FABRIC_DATA_DIR: base for the fs archive (default "data"), which
//     lives in its "archive" subdirectory unless ARCHIVE_DIR is set
//
// For S3: ARCHIVE_S3_BUCKET (required), ARCHIVE_S3_REGION or AWS_REGION,
// ARCHIVE_S3_ENDPOINT (MinIO/LocalStack), ARCHIVE_S3_PREFIX.
//
// For GCS: ARCHIVE_GCS_BUCKET (required), ARCHIVE_GCS_PREFIX.
func ConfigFromEnv() Config {
	cfg := Config{Type: StoreType(os.Getenv("HELM_FABRIC_ARCHIVE"))}
	if cfg.Type == "" {
		cfg.Type = StoreTypeNone
	}

	cfg.Dir = os.Getenv("ARCHIVE_DIR")
	if cfg.Dir == "" {
		dataDir := os.Getenv("HELM_FABRIC_DATA_DIR")
		if dataDir == "" {
			dataDir = "data"
		}
		cfg.Dir = filepath.Join(dataDir, "archive")
	}

	region := os.Getenv("ARCHIVE_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	cfg.S3 = S3StoreConfig{
		Bucket:   os.Getenv("ARCHIVE_S3_BUCKET"),
		Region:   region,
		Endpoint: os.Getenv("ARCHIVE_S3_ENDPOINT"),
		Prefix:   os.Getenv("ARCHIVE_S3_PREFIX"),
	}
	cfg.GCS = GCSStoreConfig{
		Bucket: os.Getenv("ARCHIVE_GCS_BUCKET"),
		Prefix: os.Getenv("ARCHIVE_GCS_PREFIX"),
	}
	return cfg
}

// NewStoreFromEnv is NewStore(ctx, ConfigFromEnv()).
func NewStoreFromEnv(ctx context.Context) (Store, error) {
	return NewStore(ctx, ConfigFromEnv())
}
