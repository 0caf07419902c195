package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/Mindburn-Labs/helm-fabric/pkg/kernel"
)

const (
	filePrefix = "checkpoint-"
	fileSuffix = ".json"
)

// FileStore keeps one JSON document per checkpoint in a directory. Writes go
// to a temporary file that is synced and renamed into place.
type FileStore struct {
	dir    string
	logger *slog.Logger
	mu     sync.RWMutex
}

// NewFileStore opens (creating if needed) a checkpoint directory.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("checkpoint: create dir: %w", err)
	}
	return &FileStore{
		dir:    dir,
		logger: slog.Default().With("component", "checkpoint-store", "backend", "file"),
	}, nil
}

func (s *FileStore) path(seq uint64) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s%020d%s", filePrefix, seq, fileSuffix))
}

func (s *FileStore) Save(ctx context.Context, cp *kernel.Checkpoint) error {
	if err := checkSealed(cp); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.load(cp.Sequence)
	switch {
	case err == nil:
		return reconcile(existing, cp)
	case !errors.Is(err, ErrNotFound):
		return err
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint: marshal: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".checkpoint-*.tmp")
	if err != nil {
		return fmt.Errorf("checkpoint: temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("checkpoint: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("checkpoint: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("checkpoint: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(cp.Sequence)); err != nil {
		return fmt.Errorf("checkpoint: rename: %w", err)
	}

	s.logger.InfoContext(ctx, "checkpoint saved", "sequence", cp.Sequence, "digest", cp.Digest)
	return nil
}

func (s *FileStore) Get(_ context.Context, seq uint64) (*kernel.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.load(seq)
}

func (s *FileStore) load(seq uint64) (*kernel.Checkpoint, error) {
	data, err := os.ReadFile(s.path(seq))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &NotFoundError{Sequence: seq}
		}
		return nil, fmt.Errorf("checkpoint: read: %w", err)
	}
	var cp kernel.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("checkpoint: decode %d: %w", seq, err)
	}
	if err := cp.Verify(); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *FileStore) sequences() ([]uint64, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list: %w", err)
	}
	var seqs []uint64
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix), 10, 64)
		if err != nil {
			continue
		}
		seqs = append(seqs, n)
	}
	slices.Sort(seqs)
	return seqs, nil
}

func (s *FileStore) Latest(_ context.Context) (*kernel.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seqs, err := s.sequences()
	if err != nil {
		return nil, err
	}
	if len(seqs) == 0 {
		return nil, ErrNotFound
	}
	return s.load(seqs[len(seqs)-1])
}

func (s *FileStore) List(_ context.Context) ([]Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seqs, err := s.sequences()
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(seqs))
	for _, seq := range seqs {
		cp, err := s.load(seq)
		if err != nil {
			return nil, err
		}
		out = append(out, summarize(cp))
	}
	return out, nil
}

func (s *FileStore) Close() error { return nil }
