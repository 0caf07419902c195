package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/Mindburn-Labs/helm-fabric/pkg/archive"
	"github.com/Mindburn-Labs/helm-fabric/pkg/config"
	"github.com/Mindburn-Labs/helm-fabric/pkg/fabric"
	"github.com/Mindburn-Labs/helm-fabric/pkg/hlc"
	"github.com/Mindburn-Labs/helm-fabric/pkg/observability"
	"github.com/Mindburn-Labs/helm-fabric/pkg/store/checkpoint"
	"github.com/Mindburn-Labs/helm-fabric/pkg/wal"
)

// commonFlags are accepted by every command.
type commonFlags struct {
	configPath string
	dataDir    string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "YAML config file")
	fs.StringVar(&c.dataDir, "data-dir", "", "Data directory")
}

// session is the per-invocation wiring shared by the commands.
type session struct {
	cfg       *config.Config
	root      *slog.Logger
	logger    *slog.Logger
	telemetry *observability.Provider
}

func newSession(ctx context.Context, flags commonFlags, stderr io.Writer) (*session, error) {
	var (
		cfg *config.Config
		err error
	)
	if flags.configPath != "" {
		cfg, err = config.LoadFile(flags.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if flags.dataDir != "" {
		cfg.DataDir = flags.dataDir
	}

	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	otelCfg := observability.DefaultConfig()
	otelCfg.Enabled = cfg.OTel.Enabled
	otelCfg.OTLPEndpoint = cfg.OTel.Endpoint
	otelCfg.Insecure = cfg.OTel.Insecure
	telemetry, err := observability.New(ctx, otelCfg)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	return &session{
		cfg:       cfg,
		root:      logger,
		logger:    logger.With("component", "cli"),
		telemetry: telemetry,
	}, nil
}

func (s *session) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.telemetry.Shutdown(ctx); err != nil {
		s.logger.Warn("telemetry shutdown failed", "error", err)
	}
}

// requireWAL refuses to run against a directory that holds no log, so a
// typo in --data-dir does not silently create an empty one.
func (s *session) requireWAL() error {
	info, err := os.Stat(s.cfg.WALDir())
	if err != nil {
		return fmt.Errorf("no wal at %s: %w", s.cfg.WALDir(), err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", s.cfg.WALDir())
	}
	return nil
}

func (s *session) walOptions() (wal.Options, error) {
	key, err := s.cfg.ChainKey()
	if err != nil {
		return wal.Options{}, err
	}
	return wal.Options{
		MaxSegmentSize: s.cfg.SegmentMaxBytes,
		NoSync:         !s.cfg.Sync,
		ChainKey:       key,
		Logger:         s.root.With("component", "wal"),
	}, nil
}

func (s *session) openWAL() (*wal.Store, error) {
	if err := s.requireWAL(); err != nil {
		return nil, err
	}
	opts, err := s.walOptions()
	if err != nil {
		return nil, err
	}
	return wal.Open(s.cfg.WALDir(), opts)
}

func (s *session) openFabric(extra ...fabric.Option) (*fabric.Fabric, error) {
	if err := s.requireWAL(); err != nil {
		return nil, err
	}
	walOpts, err := s.walOptions()
	if err != nil {
		return nil, err
	}
	clock := hlc.New("helm-fabric", hlc.WithMaxDrift(time.Duration(s.cfg.MaxDriftMs)*time.Millisecond))
	opts := []fabric.Option{
		fabric.WithClock(clock),
		fabric.WithLogger(s.root),
		fabric.WithTracer(s.telemetry.Tracer()),
		fabric.WithDeliveryTimeout(s.cfg.DeliveryTimeout),
		fabric.WithQueueDepth(s.cfg.QueueDepth),
		fabric.WithEmitRate(s.cfg.EmitRate, s.cfg.EmitBurst),
	}
	return fabric.Open(s.cfg.WALDir(), walOpts, append(opts, extra...)...)
}

func (s *session) openCheckpointStore(ctx context.Context) (checkpoint.Store, error) {
	cc := s.cfg.Checkpoint
	switch cc.Backend {
	case "", "file":
		return checkpoint.NewFileStore(s.cfg.CheckpointDir())
	case "sqlite":
		return checkpoint.OpenSQLite(ctx, s.cfg.CheckpointSQLitePath())
	case "postgres":
		return checkpoint.OpenPostgres(ctx, cc.DatabaseURL)
	case "redis":
		store := checkpoint.NewRedisStore(cc.RedisAddr, cc.RedisPassword, cc.RedisDB)
		if err := store.Ping(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("checkpoint: redis %s unreachable: %w", cc.RedisAddr, err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", cc.Backend)
	}
}

// openArchiver returns nil when archiving is disabled.
func (s *session) openArchiver(ctx context.Context) (*archive.SegmentArchiver, error) {
	ac := s.cfg.Archive
	store, err := archive.NewStore(ctx, archive.Config{
		Type: archive.StoreType(ac.Type),
		Dir:  s.cfg.ArchiveDir(),
		S3: archive.S3StoreConfig{
			Bucket:   ac.S3Bucket,
			Region:   ac.S3Region,
			Endpoint: ac.S3Endpoint,
			Prefix:   ac.S3Prefix,
		},
		GCS: archive.GCSStoreConfig{Bucket: ac.GCSBucket, Prefix: ac.GCSPrefix},
	})
	if err != nil || store == nil {
		return nil, err
	}
	return archive.NewSegmentArchiver(store, archive.WithLogger(s.root)), nil
}

// failure maps an error onto an exit code: integrity problems are
// verification failures, everything else is a runtime error.
func failure(stderr io.Writer, err error) int {
	_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
	if errors.Is(err, wal.ErrCorrupted) || errors.Is(err, wal.ErrUnsupportedFormat) || errors.Is(err, fabric.ErrIntegrity) {
		return exitFailed
	}
	return exitRuntime
}
