package wal

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/Mindburn-Labs/helm-fabric/pkg/kernel"
)

// Store is a segmented write-ahead log. Appends are serialized; reads run in
// parallel with each other and with appends.
type Store struct {
	dir    string
	opts   Options
	logger *slog.Logger

	// writeMu serializes appends, rotation, truncation and close.
	writeMu sync.Mutex
	file    *os.File

	// mu guards the fields below. Readers hold it only long enough to
	// snapshot the segment list.
	mu       sync.RWMutex
	segments []*segment
	latest   uint64
	closed   bool
	failed   error
}

// Open opens or creates the WAL in dir. A record cut short at the end of the
// active segment (crash mid-write) is truncated away. Corruption found in the
// active segment leaves the store readable up to the corrupt record but
// refuses further appends.
func Open(dir string, opts Options) (*Store, error) {
	if opts.MaxSegmentSize <= 0 {
		opts.MaxSegmentSize = DefaultMaxSegmentSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		dir:    dir,
		opts:   opts,
		logger: logger.With("component", "wal"),
	}

	if err := os.MkdirAll(dir, walDirPerm); err != nil {
		return nil, fmt.Errorf("create wal dir: %w", err)
	}

	firsts, err := listSegments(dir)
	if err != nil {
		return nil, err
	}

	if len(firsts) == 0 {
		if err := s.createSegment(1); err != nil {
			return nil, err
		}
		s.latest = 0
		s.logger.Info("wal created", "dir", dir)
		return s, nil
	}

	for i, first := range firsts {
		seg, err := newSegment(dir, first, opts.ChainKey)
		if err != nil {
			return nil, err
		}
		if i < len(firsts)-1 {
			fi, err := os.Stat(seg.path)
			if err != nil {
				return nil, fmt.Errorf("stat segment: %w", err)
			}
			seg.sealed = true
			seg.size = fi.Size()
		}
		s.segments = append(s.segments, seg)
	}

	if err := s.recoverActive(); err != nil {
		return nil, err
	}

	active := s.segments[len(s.segments)-1]
	s.latest = active.first + uint64(len(active.offsets)) - 1

	s.logger.Info("wal opened",
		"dir", dir,
		"segments", len(s.segments),
		"first_sequence", s.segments[0].first,
		"latest_sequence", s.latest,
	)
	return s, nil
}

func listSegments(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read wal dir: %w", err)
	}
	var firsts []uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if first, ok := parseSegmentName(e.Name()); ok {
			firsts = append(firsts, first)
		}
	}
	sort.Slice(firsts, func(i, j int) bool { return firsts[i] < firsts[j] })
	return firsts, nil
}

// recoverActive scans the last segment, repairs a torn tail and opens it for
// appending.
func (s *Store) recoverActive() error {
	seg := s.segments[len(s.segments)-1]

	res, err := seg.scanFile()
	if err != nil {
		return fmt.Errorf("scan active segment: %w", err)
	}

	if res.torn {
		if res.headerSize == 0 {
			s.logger.Warn("rewriting incomplete segment header", "segment", filepath.Base(seg.path))
			if err := os.WriteFile(seg.path, encodeHeader(seg.first), walFilePerm); err != nil {
				return fmt.Errorf("rewrite segment header: %w", err)
			}
			res.headerSize = int64(len(encodeHeader(seg.first)))
			res.validSize = res.headerSize
		} else {
			s.logger.Warn("truncating torn record at end of active segment",
				"segment", filepath.Base(seg.path),
				"offset", res.validSize,
			)
			if err := os.Truncate(seg.path, res.validSize); err != nil {
				return fmt.Errorf("truncate torn tail: %w", err)
			}
		}
	}

	seg.headerSize = res.headerSize
	seg.offsets = res.offsets
	seg.hashes = res.hashes
	seg.size = res.validSize
	seg.scanned = true

	if res.corrupt != nil {
		seg.corruptAt = len(res.offsets)
		seg.corrupt = res.corrupt
		s.failed = res.corrupt
		s.logger.Error("active segment is corrupted; wal is read-only",
			"segment", res.corrupt.Segment,
			"offset", res.corrupt.Offset,
			"reason", res.corrupt.Reason,
		)
		return nil
	}

	f, err := os.OpenFile(seg.path, os.O_WRONLY|os.O_APPEND, walFilePerm)
	if err != nil {
		return fmt.Errorf("open active segment: %w", err)
	}
	s.file = f
	return nil
}

// createSegment writes a fresh segment header and makes it the active segment.
func (s *Store) createSegment(first uint64) error {
	seg, err := newSegment(s.dir, first, s.opts.ChainKey)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(seg.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, walFilePerm)
	if err != nil {
		return fmt.Errorf("create segment: %w", err)
	}
	header := encodeHeader(first)
	if _, err := f.Write(header); err != nil {
		_ = f.Close()
		return fmt.Errorf("write segment header: %w", err)
	}
	if !s.opts.NoSync {
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return fmt.Errorf("sync segment header: %w", err)
		}
		if err := syncDir(s.dir); err != nil {
			_ = f.Close()
			return err
		}
	}

	seg.headerSize = int64(len(header))
	seg.size = seg.headerSize
	seg.scanned = true

	s.mu.Lock()
	s.segments = append(s.segments, seg)
	s.mu.Unlock()
	s.file = f
	return nil
}

// rotate seals the active segment and starts a new one at first.
func (s *Store) rotate(first uint64) error {
	if !s.opts.NoSync {
		if err := s.file.Sync(); err != nil {
			return fmt.Errorf("sync sealed segment: %w", err)
		}
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("close sealed segment: %w", err)
	}
	s.file = nil

	s.mu.RLock()
	old := s.segments[len(s.segments)-1]
	s.mu.RUnlock()
	old.mu.Lock()
	old.sealed = true
	old.mu.Unlock()

	if err := s.createSegment(first); err != nil {
		return err
	}
	s.logger.Debug("segment rotated", "sealed_first", old.first, "new_first", first)
	return nil
}

// Append assigns the next sequence number to ev, writes it and returns the
// stored copy carrying its sequence number and chain hash.
func (s *Store) Append(ev *kernel.KernelEvent) (*kernel.KernelEvent, error) {
	return s.AppendWith(func(seq uint64) (*kernel.KernelEvent, error) {
		out := ev.Clone()
		out.Sequence = seq
		return out, nil
	})
}

// AppendWith runs build under the append lock with the sequence number the
// event will receive, then writes the result. If build fails nothing is
// written and the sequence number is not consumed.
func (s *Store) AppendWith(build func(seq uint64) (*kernel.KernelEvent, error)) (*kernel.KernelEvent, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	closed, failed, seq := s.closed, s.failed, s.latest+1
	active := s.segments[len(s.segments)-1]
	s.mu.RUnlock()

	if closed {
		return nil, ErrClosed
	}
	if failed != nil {
		if errors.Is(failed, ErrCorrupted) {
			return nil, failed
		}
		return nil, fmt.Errorf("%w: %w", ErrFailed, failed)
	}

	ev, err := build(seq)
	if err != nil {
		return nil, err
	}
	if ev.Sequence != seq {
		return nil, fmt.Errorf("append: event carries sequence %d, expected %d", ev.Sequence, seq)
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	body, err := kernel.Encode(ev)
	if err != nil {
		return nil, err
	}

	recLen := int64(recordOverhead + len(body))
	if active.records() > 0 && active.size+recLen > s.opts.MaxSegmentSize {
		if err := s.rotate(seq); err != nil {
			return nil, s.fail(err)
		}
		s.mu.RLock()
		active = s.segments[len(s.segments)-1]
		s.mu.RUnlock()
	}

	active.mu.RLock()
	prev := active.lastHashLocked()
	active.mu.RUnlock()
	chain := active.hasher.Next(prev, body)
	record := encodeRecord(body, chain)

	if _, err := s.file.Write(record); err != nil {
		return nil, s.fail(fmt.Errorf("write record %d: %w", seq, err))
	}
	if !s.opts.NoSync {
		if err := s.file.Sync(); err != nil {
			return nil, s.fail(fmt.Errorf("sync record %d: %w", seq, err))
		}
	}

	active.mu.Lock()
	active.offsets = append(active.offsets, active.size)
	active.hashes = append(active.hashes, chain)
	active.size += recLen
	active.mu.Unlock()

	s.mu.Lock()
	s.latest = seq
	s.mu.Unlock()

	ev.ChainHash = chain
	return ev, nil
}

// fail poisons the store after a write-path I/O error. Caller holds writeMu.
func (s *Store) fail(err error) error {
	s.mu.Lock()
	s.failed = err
	s.mu.Unlock()
	s.logger.Error("wal write failed; no further appends accepted", "error", err)
	return fmt.Errorf("%w: %w", ErrFailed, err)
}

// TruncateBefore removes every sealed segment whose records all precede
// boundary and returns what was removed. The active segment is never
// removed. Callers are responsible for ensuring the boundary is covered by
// a checkpoint.
func (s *Store) TruncateBefore(boundary uint64) ([]SegmentInfo, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	var removed []*segment
	var infos []SegmentInfo
	for len(s.segments) > 1 {
		seg, next := s.segments[0], s.segments[1]
		last := next.first - 1
		if last >= boundary {
			break
		}
		infos = append(infos, seg.info(last))
		removed = append(removed, seg)
		s.segments = s.segments[1:]
	}
	s.mu.Unlock()

	for _, seg := range removed {
		if err := os.Remove(seg.path); err != nil && !os.IsNotExist(err) {
			return infos, fmt.Errorf("remove segment %s: %w", filepath.Base(seg.path), err)
		}
	}
	if len(removed) > 0 {
		if !s.opts.NoSync {
			if err := syncDir(s.dir); err != nil {
				return infos, err
			}
		}
		s.logger.Info("wal truncated", "boundary", boundary, "segments_removed", len(removed))
	}
	return infos, nil
}

// Segments describes the retained segments in sequence order.
func (s *Store) Segments() []SegmentInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.segmentInfosLocked()
}

func (s *Store) segmentInfosLocked() []SegmentInfo {
	out := make([]SegmentInfo, 0, len(s.segments))
	for i, seg := range s.segments {
		last := s.latest
		if i < len(s.segments)-1 {
			last = s.segments[i+1].first - 1
		}
		out = append(out, seg.info(last))
	}
	return out
}

// Stats returns a point-in-time summary.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{
		Segments:       len(s.segments),
		FirstSequence:  s.segments[0].first,
		LatestSequence: s.latest,
	}
	for _, seg := range s.segments {
		seg.mu.RLock()
		st.SizeBytes += seg.size
		seg.mu.RUnlock()
	}
	return st
}

// FirstSequence is the lowest sequence number the retained segments can hold.
func (s *Store) FirstSequence() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.segments[0].first
}

// LatestSequence is the sequence number of the last durable record, or
// FirstSequence()-1 when the store holds no records.
func (s *Store) LatestSequence() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}

// Dir returns the WAL directory.
func (s *Store) Dir() string { return s.dir }

// Close syncs and closes the active segment. Further calls fail with ErrClosed.
func (s *Store) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	var errs []error
	if !s.opts.NoSync {
		errs = append(errs, s.file.Sync())
	}
	errs = append(errs, s.file.Close())
	s.file = nil
	return errors.Join(errs...)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open wal dir: %w", err)
	}
	defer func() { _ = d.Close() }()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync wal dir: %w", err)
	}
	return nil
}
