// Package wal implements the segmented, hash-chained write-ahead log that
// stores KernelEvents.
//
// Records are appended to a single active segment file. When the next
// record would push the active segment past its size cap, the segment is
// sealed and a new one is opened. Each segment carries its own hash chain
// seeded from its starting sequence number, so verifying a segment never
// requires reading any other segment.
//
// On-disk layout of one segment file (big endian):
//
//	header: "HFWL" | version_len u8 | version | first_seq u64 | crc32 u32
//	record: body_len u32 | body (kernel.Encode) | chain_hash [32] | crc32 u32
//
// Segment files are named segment-<first_seq, 20 digits>.wal so segment
// boundaries are recoverable from the directory listing alone.
package wal

import (
	"errors"
	"fmt"
	"log/slog"
)

const (
	walFilePerm = 0o600
	walDirPerm  = 0o700

	// DefaultMaxSegmentSize is the default active segment size cap.
	DefaultMaxSegmentSize int64 = 64 * 1024 * 1024

	// FormatVersion is written into every segment header.
	FormatVersion = "1.0.0"

	// formatConstraint is the range of header versions this reader accepts.
	formatConstraint = "^1"
)

// Errors
var (
	ErrClosed            = errors.New("wal is closed")
	ErrFailed            = errors.New("wal failed after I/O error")
	ErrCorrupted         = errors.New("wal is corrupted")
	ErrSegmentNotFound   = errors.New("wal segment not found")
	ErrUnsupportedFormat = errors.New("unsupported wal segment format")
)

// CorruptionError marks a hard trust boundary inside a segment: the record
// at Offset and everything after it in the same segment are rejected.
type CorruptionError struct {
	Segment string
	Offset  int64
	Reason  string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("wal corruption in %s at offset %d: %s", e.Segment, e.Offset, e.Reason)
}

func (e *CorruptionError) Is(target error) bool { return target == ErrCorrupted }

// SegmentNotFoundError is returned when no retained segment holds a sequence.
type SegmentNotFoundError struct {
	Sequence uint64
}

func (e *SegmentNotFoundError) Error() string {
	return fmt.Sprintf("no wal segment holds sequence %d", e.Sequence)
}

func (e *SegmentNotFoundError) Is(target error) bool { return target == ErrSegmentNotFound }

// Options configures a Store.
type Options struct {
	// MaxSegmentSize caps the active segment; <= 0 selects DefaultMaxSegmentSize.
	MaxSegmentSize int64

	// NoSync skips fsync after every append. Only for tests and benchmarks.
	NoSync bool

	// ChainKey, when set, switches chain hashes to HMAC-SHA256 under a
	// per-segment key derived from it. The same key is required to read.
	ChainKey []byte

	Logger *slog.Logger
}

// SegmentInfo describes one segment file.
type SegmentInfo struct {
	Path          string `json:"path"`
	FirstSequence uint64 `json:"first_sequence"`
	LastSequence  uint64 `json:"last_sequence"`
	SizeBytes     int64  `json:"size_bytes"`
	Sealed        bool   `json:"sealed"`
}

// Records returns the number of records the segment holds.
func (i SegmentInfo) Records() uint64 {
	if i.LastSequence < i.FirstSequence {
		return 0
	}
	return i.LastSequence - i.FirstSequence + 1
}

// Stats is a point-in-time summary of the store.
type Stats struct {
	SizeBytes      int64  `json:"size_bytes"`
	Segments       int    `json:"segments"`
	FirstSequence  uint64 `json:"first_sequence"`
	LatestSequence uint64 `json:"latest_sequence"`
}

// SegmentReport is the result of fully verifying one segment.
type SegmentReport struct {
	Info     SegmentInfo `json:"info"`
	Verified uint64      `json:"verified_records"`
	Err      error       `json:"-"`
}
