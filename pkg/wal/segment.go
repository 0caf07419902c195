package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/Mindburn-Labs/helm-fabric/pkg/kernel"
)

const (
	segmentPrefix = "segment-"
	segmentSuffix = ".wal"

	headerMagic = "HFWL"

	// length prefix + chain hash + crc
	recordOverhead = 4 + len(kernel.Digest{}) + 4

	// maxRecordBody bounds a body length read from disk before allocating.
	maxRecordBody = kernel.MaxPayloadSize + 1024*1024
)

var (
	// errTornRecord marks a record cut short by the end of the file.
	errTornRecord = errors.New("torn record")

	formatVersions = mustConstraint(formatConstraint)
)

func mustConstraint(c string) *semver.Constraints {
	cs, err := semver.NewConstraint(c)
	if err != nil {
		panic(err)
	}
	return cs
}

func segmentName(first uint64) string {
	return fmt.Sprintf("%s%020d%s", segmentPrefix, first, segmentSuffix)
}

func parseSegmentName(name string) (uint64, bool) {
	if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
		return 0, false
	}
	n := strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix)
	first, err := strconv.ParseUint(n, 10, 64)
	if err != nil || first == 0 {
		return 0, false
	}
	return first, true
}

func encodeHeader(first uint64) []byte {
	buf := make([]byte, 0, len(headerMagic)+1+len(FormatVersion)+8+4)
	buf = append(buf, headerMagic...)
	buf = append(buf, byte(len(FormatVersion)))
	buf = append(buf, FormatVersion...)
	buf = binary.BigEndian.AppendUint64(buf, first)
	return binary.BigEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf))
}

// readHeader parses and validates a segment header, returning its length.
func readHeader(r io.Reader, path string, wantFirst uint64) (int64, error) {
	corrupt := func(reason string) error {
		return &CorruptionError{Segment: filepath.Base(path), Offset: 0, Reason: reason}
	}

	fixed := make([]byte, len(headerMagic)+1)
	if _, err := io.ReadFull(r, fixed); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, errTornRecord
		}
		return 0, err
	}
	if string(fixed[:len(headerMagic)]) != headerMagic {
		return 0, corrupt("bad segment magic")
	}

	rest := make([]byte, int(fixed[len(headerMagic)])+8+4)
	if _, err := io.ReadFull(r, rest); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, errTornRecord
		}
		return 0, err
	}

	vlen := int(fixed[len(headerMagic)])
	body := append(fixed, rest[:vlen+8]...)
	if crc32.ChecksumIEEE(body) != binary.BigEndian.Uint32(rest[vlen+8:]) {
		return 0, corrupt("header checksum mismatch")
	}

	version := string(rest[:vlen])
	v, err := semver.NewVersion(version)
	if err != nil {
		return 0, corrupt(fmt.Sprintf("invalid format version %q", version))
	}
	if !formatVersions.Check(v) {
		return 0, fmt.Errorf("%w: %s in %s", ErrUnsupportedFormat, version, filepath.Base(path))
	}

	if first := binary.BigEndian.Uint64(rest[vlen : vlen+8]); first != wantFirst {
		return 0, corrupt(fmt.Sprintf("header first sequence %d does not match file name %d", first, wantFirst))
	}
	return int64(len(body) + 4), nil
}

func encodeRecord(body []byte, chain kernel.Digest) []byte {
	buf := make([]byte, 0, recordOverhead+len(body))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(body)))
	buf = append(buf, body...)
	buf = append(buf, chain[:]...)
	return binary.BigEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf))
}

// readRecord reads one record. It returns io.EOF at a clean record boundary,
// errTornRecord when the file ends inside a record, and a reason string for
// structural damage.
func readRecord(r io.Reader) (body []byte, chain kernel.Digest, size int64, reason string, err error) {
	var lenBuf [4]byte
	if _, err = io.ReadFull(r, lenBuf[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			err = errTornRecord
		}
		return nil, chain, 0, "", err
	}

	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxRecordBody || uint64(n) > math.MaxInt32 {
		return nil, chain, 0, fmt.Sprintf("record length %d exceeds limit", n), nil
	}

	rest := make([]byte, int(n)+len(chain)+4)
	if _, err = io.ReadFull(r, rest); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			err = errTornRecord
		}
		return nil, chain, 0, "", err
	}

	crc := crc32.NewIEEE()
	crc.Write(lenBuf[:])
	crc.Write(rest[:len(rest)-4])
	if crc.Sum32() != binary.BigEndian.Uint32(rest[len(rest)-4:]) {
		return nil, chain, 0, "record checksum mismatch", nil
	}

	body = rest[:n]
	copy(chain[:], rest[n:int(n)+len(chain)])
	return body, chain, int64(4 + len(rest)), "", nil
}

// fileStamp identifies the on-disk state a verified index was built from.
type fileStamp struct {
	size int64
	mod  time.Time
}

func stampOf(fi os.FileInfo) fileStamp {
	return fileStamp{size: fi.Size(), mod: fi.ModTime()}
}

func (a fileStamp) same(b fileStamp) bool {
	return a.size == b.size && a.mod.Equal(b.mod)
}

// segment is the in-memory view of one segment file. offsets and hashes
// hold the verified prefix; they are built lazily for sealed segments and
// kept current by appends for the active segment.
//
// scanMu serializes scans of the file. A scan never holds mu, so Stats,
// Segments and appends only wait for the short swap that installs its
// result.
type segment struct {
	first  uint64
	path   string
	hasher *kernel.ChainHasher
	seed   kernel.Digest

	scanMu sync.Mutex

	mu         sync.RWMutex
	sealed     bool
	scanned    bool
	stamp      fileStamp
	headerSize int64
	size       int64
	offsets    []int64
	hashes     []kernel.Digest
	corruptAt  int
	corrupt    error
}

func newSegment(dir string, first uint64, chainKey []byte) (*segment, error) {
	h, err := kernel.NewChainHasher(chainKey, first)
	if err != nil {
		return nil, err
	}
	return &segment{
		first:     first,
		path:      filepath.Join(dir, segmentName(first)),
		hasher:    h,
		seed:      h.Seed(first),
		corruptAt: -1,
	}, nil
}

// lastHash returns the chain value a new record must extend. Caller holds mu.
func (s *segment) lastHashLocked() kernel.Digest {
	if len(s.hashes) == 0 {
		return s.seed
	}
	return s.hashes[len(s.hashes)-1]
}

func (s *segment) records() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.offsets))
}

func (s *segment) info(last uint64) SegmentInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SegmentInfo{
		Path:          s.path,
		FirstSequence: s.first,
		LastSequence:  last,
		SizeBytes:     s.size,
		Sealed:        s.sealed,
	}
}

// scanResult is the outcome of walking a segment file from the start.
type scanResult struct {
	stamp      fileStamp
	headerSize int64
	offsets    []int64
	hashes     []kernel.Digest
	validSize  int64
	torn       bool
	corrupt    *CorruptionError
}

// scanFile verifies the header and the hash chain of every record. It stops
// at the first torn or corrupt record.
func (s *segment) scanFile() (*scanResult, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	br := bufio.NewReaderSize(f, 64*1024)
	res := &scanResult{stamp: stampOf(fi)}

	hs, err := readHeader(br, s.path, s.first)
	if err != nil {
		if errors.Is(err, errTornRecord) {
			res.torn = true
			return res, nil
		}
		var ce *CorruptionError
		if errors.As(err, &ce) {
			res.corrupt = ce
			return res, nil
		}
		return nil, err
	}
	res.headerSize = hs
	res.validSize = hs

	prev := s.seed
	offset := hs
	for {
		body, chain, size, reason, err := readRecord(br)
		if errors.Is(err, io.EOF) {
			return res, nil
		}
		if errors.Is(err, errTornRecord) {
			res.torn = true
			return res, nil
		}
		if err != nil {
			return nil, err
		}
		if reason == "" {
			reason = s.checkRecord(body, chain, prev, uint64(len(res.offsets)))
		}
		if reason != "" {
			res.corrupt = &CorruptionError{Segment: filepath.Base(s.path), Offset: offset, Reason: reason}
			return res, nil
		}

		res.offsets = append(res.offsets, offset)
		res.hashes = append(res.hashes, chain)
		prev = chain
		offset += size
		res.validSize = offset
	}
}

// checkRecord validates a record against its expected chain predecessor and
// position. It returns a non-empty reason on failure.
func (s *segment) checkRecord(body []byte, chain, prev kernel.Digest, idx uint64) string {
	if s.hasher.Next(prev, body) != chain {
		return "chain hash mismatch"
	}
	ev, err := kernel.Decode(body)
	if err != nil {
		return err.Error()
	}
	if want := s.first + idx; ev.Sequence != want {
		return fmt.Sprintf("sequence %d where %d expected", ev.Sequence, want)
	}
	return ""
}

// ensureScanned builds the verified index of a sealed segment on first use.
// expected is the number of records the segment must contain.
func (s *segment) ensureScanned(expected uint64) error {
	if s.isScanned() {
		return nil
	}
	s.scanMu.Lock()
	defer s.scanMu.Unlock()
	if s.isScanned() {
		return nil
	}
	return s.scanLocked(expected)
}

func (s *segment) isScanned() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanned
}

// revalidate rescans a sealed segment whose file changed on disk since its
// index was built, so damage ahead of a cached record is not read past. A
// segment sealed by this process takes its first observed stamp as the
// baseline.
func (s *segment) revalidate(f *os.File, expected uint64) error {
	s.mu.RLock()
	sealed := s.sealed
	s.mu.RUnlock()
	// expected is zero when the segment was still active at lookup.
	if !sealed || expected == 0 {
		return nil
	}

	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat segment %s: %w", filepath.Base(s.path), err)
	}
	now := stampOf(fi)

	s.mu.Lock()
	if s.stamp.mod.IsZero() {
		s.stamp = now
	}
	unchanged := s.stamp.same(now)
	s.mu.Unlock()
	if unchanged {
		return nil
	}

	s.scanMu.Lock()
	defer s.scanMu.Unlock()
	s.mu.RLock()
	unchanged = s.stamp.same(now)
	s.mu.RUnlock()
	if unchanged {
		return nil
	}
	return s.scanLocked(expected)
}

// scanLocked walks the file without holding mu and swaps the result in.
// Caller holds scanMu.
func (s *segment) scanLocked(expected uint64) error {
	res, err := s.scanFile()
	if err != nil {
		if os.IsNotExist(err) {
			return &SegmentNotFoundError{Sequence: s.first}
		}
		return fmt.Errorf("scan segment %s: %w", filepath.Base(s.path), err)
	}

	corruptAt := -1
	var corrupt error
	n := uint64(len(res.offsets))
	switch {
	case res.corrupt != nil:
		corruptAt = len(res.offsets)
		corrupt = res.corrupt
	case res.torn || n < expected:
		corruptAt = len(res.offsets)
		corrupt = &CorruptionError{
			Segment: filepath.Base(s.path),
			Offset:  res.validSize,
			Reason:  fmt.Sprintf("sealed segment ends after %d of %d records", n, expected),
		}
	case n > expected:
		corruptAt = int(expected)
		corrupt = &CorruptionError{
			Segment: filepath.Base(s.path),
			Offset:  res.offsets[expected],
			Reason:  fmt.Sprintf("sealed segment holds %d records, %d expected", n, expected),
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.headerSize = res.headerSize
	s.offsets = res.offsets
	s.hashes = res.hashes
	s.stamp = res.stamp
	s.size = res.stamp.size
	s.corruptAt = corruptAt
	s.corrupt = corrupt
	s.scanned = true
	return nil
}

// readAt reads and re-verifies the record for seq using an open handle.
func (s *segment) readAt(f *os.File, seq uint64) (*kernel.KernelEvent, error) {
	idx := int(seq - s.first)

	s.mu.RLock()
	if s.corrupt != nil && idx >= s.corruptAt {
		err := s.corrupt
		s.mu.RUnlock()
		return nil, err
	}
	if idx >= len(s.offsets) {
		s.mu.RUnlock()
		return nil, &SegmentNotFoundError{Sequence: seq}
	}
	offset := s.offsets[idx]
	expected := s.hashes[idx]
	prev := s.seed
	if idx > 0 {
		prev = s.hashes[idx-1]
	}
	s.mu.RUnlock()

	body, chain, _, reason, err := readRecord(io.NewSectionReader(f, offset, math.MaxInt64-offset))
	switch {
	case errors.Is(err, errTornRecord), errors.Is(err, io.EOF):
		reason = "record truncated"
	case err != nil:
		return nil, fmt.Errorf("read %s at %d: %w", filepath.Base(s.path), offset, err)
	}
	if reason == "" && chain != expected {
		reason = "chain hash differs from verified value"
	}
	if reason == "" {
		reason = s.checkRecord(body, chain, prev, uint64(idx))
	}
	if reason != "" {
		return nil, s.markCorrupt(idx, offset, reason)
	}

	ev, err := kernel.Decode(body)
	if err != nil {
		return nil, s.markCorrupt(idx, offset, err.Error())
	}
	ev.ChainHash = chain
	return ev, nil
}

// markCorrupt records a trust boundary discovered after the initial scan.
func (s *segment) markCorrupt(idx int, offset int64, reason string) error {
	ce := &CorruptionError{Segment: filepath.Base(s.path), Offset: offset, Reason: reason}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.corrupt == nil || idx < s.corruptAt {
		s.corruptAt = idx
		s.corrupt = ce
	}
	return ce
}
