// Package archive uploads sealed WAL segments before governed compaction
// removes them.
//
// Objects are addressed by name; the archiver records a SHA-256 manifest next
// to every segment so a restore can be checked before it is trusted.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNotFound is returned when an archived object does not exist.
var ErrNotFound = errors.New("archive object not found")

// Store is an object store for archived segments.
type Store interface {
	// Put writes r under key and returns a location string for logs and
	// compaction results.
	Put(ctx context.Context, key string, r io.Reader) (string, error)
	// Get opens the object stored under key.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Exists reports whether key is stored.
	Exists(ctx context.Context, key string) (bool, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// segmentContentType labels archived WAL segments and manifests in
// object stores.
const segmentContentType = "application/octet-stream"

func validKey(key string) error {
	if key == "" || strings.Contains(key, "..") || strings.HasPrefix(key, "/") {
		return fmt.Errorf("invalid archive key: %q", key)
	}
	return nil
}

// objectName places key under prefix, with exactly one slash between them.
func objectName(prefix, key string) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return key, nil
	}
	return prefix + "/" + key, nil
}

// FileStore is a filesystem-backed Store.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates an archive rooted at baseDir.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to ensure archive dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.baseDir, filepath.FromSlash(key))
}

func (s *FileStore) Put(_ context.Context, key string, r io.Reader) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", fmt.Errorf("failed to ensure archive dir: %w", err)
	}

	// Write to temp, then rename.
	tmp, err := os.CreateTemp(filepath.Dir(path), ".archive-*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create archive object: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("failed to write archive object: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("failed to sync archive object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close archive object: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("failed to commit archive object: %w", err)
	}
	return "file://" + filepath.ToSlash(path), nil
}

func (s *FileStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := os.Open(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, err
	}
	return f, nil
}

func (s *FileStore) Exists(_ context.Context, key string) (bool, error) {
	if err := validKey(key); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err := os.Stat(s.path(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (s *FileStore) Delete(_ context.Context, key string) error {
	if err := validKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete archive object: %w", err)
	}
	return nil
}
