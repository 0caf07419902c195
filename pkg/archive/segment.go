package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/Mindburn-Labs/helm-fabric/pkg/wal"
)

// Manifest describes one archived segment.
type Manifest struct {
	Key           string    `json:"key"`
	Location      string    `json:"location"`
	FirstSequence uint64    `json:"first_sequence"`
	LastSequence  uint64    `json:"last_sequence"`
	SizeBytes     int64     `json:"size_bytes"`
	SHA256        string    `json:"sha256"`
	ArchivedAt    time.Time `json:"archived_at"`
}

// SegmentArchiver copies sealed WAL segments into a Store. It satisfies
// fabric.SegmentArchiver.
type SegmentArchiver struct {
	store  Store
	retry  RetryPolicy
	logger *slog.Logger
}

// ArchiverOption configures a SegmentArchiver.
type ArchiverOption func(*SegmentArchiver)

// WithRetryPolicy replaces DefaultRetryPolicy for uploads.
func WithRetryPolicy(p RetryPolicy) ArchiverOption {
	return func(a *SegmentArchiver) { a.retry = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ArchiverOption {
	return func(a *SegmentArchiver) { a.logger = l.With("component", "archive") }
}

// NewSegmentArchiver wraps store.
func NewSegmentArchiver(store Store, opts ...ArchiverOption) *SegmentArchiver {
	a := &SegmentArchiver{
		store:  store,
		retry:  DefaultRetryPolicy,
		logger: slog.Default().With("component", "archive"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// SegmentKey is the object key of the segment starting at first.
func SegmentKey(first uint64) string {
	return fmt.Sprintf("segments/%020d.wal", first)
}

func manifestKey(first uint64) string {
	return fmt.Sprintf("segments/%020d.json", first)
}

// ArchiveSegment uploads seg and then its manifest. A segment is only
// considered archived once its manifest exists, so a failed upload can be
// retried.
func (a *SegmentArchiver) ArchiveSegment(ctx context.Context, seg wal.SegmentInfo) (string, error) {
	if !seg.Sealed {
		return "", fmt.Errorf("archive: segment %d is still active", seg.FirstSequence)
	}

	if m, err := a.Manifest(ctx, seg.FirstSequence); err == nil && m.LastSequence == seg.LastSequence {
		return m.Location, nil
	}

	f, err := os.Open(seg.Path)
	if err != nil {
		return "", fmt.Errorf("archive: open segment: %w", err)
	}
	defer func() { _ = f.Close() }()

	// Hash first so the upload body stays seekable for S3 signing.
	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", fmt.Errorf("archive: hash segment: %w", err)
	}
	if size != seg.SizeBytes {
		return "", fmt.Errorf("archive: segment %d holds %d bytes, expected %d", seg.FirstSequence, size, seg.SizeBytes)
	}

	key := SegmentKey(seg.FirstSequence)
	var loc string
	err = a.retry.do(ctx, key, func() error {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("archive: rewind segment: %w", err)
		}
		var perr error
		loc, perr = a.store.Put(ctx, key, f)
		if perr != nil {
			a.logger.WarnContext(ctx, "segment upload failed", "key", key, "error", perr)
		}
		return perr
	})
	if err != nil {
		return "", err
	}

	m := Manifest{
		Key:           key,
		Location:      loc,
		FirstSequence: seg.FirstSequence,
		LastSequence:  seg.LastSequence,
		SizeBytes:     size,
		SHA256:        hex.EncodeToString(h.Sum(nil)),
		ArchivedAt:    time.Now().UTC(),
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("archive: manifest: %w", err)
	}
	mkey := manifestKey(seg.FirstSequence)
	err = a.retry.do(ctx, mkey, func() error {
		_, perr := a.store.Put(ctx, mkey, bytes.NewReader(data))
		return perr
	})
	if err != nil {
		return "", err
	}

	a.logger.InfoContext(ctx, "segment archived",
		"first_sequence", seg.FirstSequence,
		"last_sequence", seg.LastSequence,
		"size_bytes", m.SizeBytes,
		"location", loc,
	)
	return loc, nil
}

// Manifest loads the manifest of the archived segment starting at first.
func (a *SegmentArchiver) Manifest(ctx context.Context, first uint64) (*Manifest, error) {
	rc, err := a.store.Get(ctx, manifestKey(first))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	var m Manifest
	if err := json.NewDecoder(rc).Decode(&m); err != nil {
		return nil, fmt.Errorf("archive: decode manifest %d: %w", first, err)
	}
	return &m, nil
}

// Restore writes the archived segment starting at first into dir under its
// WAL file name, after checking it against the manifest digest. It refuses
// to overwrite an existing file.
func (a *SegmentArchiver) Restore(ctx context.Context, first uint64, dir string) (string, error) {
	m, err := a.Manifest(ctx, first)
	if err != nil {
		return "", err
	}
	rc, err := a.store.Get(ctx, m.Key)
	if err != nil {
		return "", err
	}
	defer func() { _ = rc.Close() }()

	dst := filepath.Join(dir, fmt.Sprintf("segment-%020d.wal", first))
	tmp, err := os.CreateTemp(dir, ".restore-*.tmp")
	if err != nil {
		return "", fmt.Errorf("archive: restore: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), rc)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("archive: restore: %w", err)
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != m.SHA256 || n != m.SizeBytes {
		return "", fmt.Errorf("archive: segment %d does not match manifest (sha256 %s, %d bytes)", first, got, n)
	}
	if _, err := os.Stat(dst); err == nil {
		return "", fmt.Errorf("archive: %s already exists", dst)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", fmt.Errorf("archive: restore: %w", err)
	}
	return dst, nil
}
