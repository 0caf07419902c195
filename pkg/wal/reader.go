package wal

import (
	"errors"
	"fmt"
	"iter"
	"os"
	"sort"

	"github.com/Mindburn-Labs/helm-fabric/pkg/kernel"
)

// locate finds the segment owning seq and the number of records it must hold
// (zero for the active segment, whose count is tracked by appends).
func (s *Store) locate(seq uint64) (*segment, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, 0, ErrClosed
	}
	if seq > s.latest && s.failed != nil && errors.Is(s.failed, ErrCorrupted) {
		// Records past a corrupt point in the active segment are not counted
		// but still fall behind the trust boundary.
		return nil, 0, s.failed
	}
	if seq == 0 || seq > s.latest || seq < s.segments[0].first {
		return nil, 0, &SegmentNotFoundError{Sequence: seq}
	}

	i := sort.Search(len(s.segments), func(i int) bool { return s.segments[i].first > seq }) - 1
	seg := s.segments[i]
	var expected uint64
	if i < len(s.segments)-1 {
		expected = s.segments[i+1].first - seg.first
	}
	return seg, expected, nil
}

func (s *Store) openSegment(seq uint64) (*segment, *os.File, error) {
	seg, expected, err := s.locate(seq)
	if err != nil {
		return nil, nil, err
	}
	if err := seg.ensureScanned(expected); err != nil {
		return nil, nil, err
	}
	f, err := os.Open(seg.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, &SegmentNotFoundError{Sequence: seq}
		}
		return nil, nil, fmt.Errorf("open segment: %w", err)
	}
	if err := seg.revalidate(f, expected); err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	return seg, f, nil
}

// Read returns the event stored at seq after re-checking its chain hash
// against the verified prefix of its segment. A sealed segment whose size or
// modification time changed since it was verified is scanned again first;
// an in-place edit that preserves both is caught by VerifyAll, not Read.
func (s *Store) Read(seq uint64) (*kernel.KernelEvent, error) {
	seg, f, err := s.openSegment(seq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return seg.readAt(f, seq)
}

// ReadRange yields events from..to inclusive in sequence order. to is clamped
// to the latest sequence when iteration starts, so a range reaching into the
// future is finite. Iteration stops after yielding the first error. The
// returned sequence may be ranged over any number of times.
func (s *Store) ReadRange(from, to uint64) iter.Seq2[*kernel.KernelEvent, error] {
	return func(yield func(*kernel.KernelEvent, error) bool) {
		s.mu.RLock()
		closed, latest, first := s.closed, s.latest, s.segments[0].first
		s.mu.RUnlock()

		if closed {
			yield(nil, ErrClosed)
			return
		}
		if from == 0 {
			from = 1
		}
		if to > latest {
			to = latest
		}
		if from > to {
			return
		}
		if from < first {
			yield(nil, &SegmentNotFoundError{Sequence: from})
			return
		}

		var (
			seg *segment
			f   *os.File
			end uint64
		)
		defer func() {
			if f != nil {
				_ = f.Close()
			}
		}()

		for seq := from; seq <= to; seq++ {
			if seg == nil || seq > end {
				if f != nil {
					_ = f.Close()
					f = nil
				}
				var err error
				seg, f, err = s.openSegment(seq)
				if err != nil {
					yield(nil, err)
					return
				}
				end = s.segmentEnd(seg, to)
			}

			ev, err := seg.readAt(f, seq)
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}

// segmentEnd returns the last sequence to read from seg, capped at limit.
func (s *Store) segmentEnd(seg *segment, limit uint64) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i, cand := range s.segments {
		if cand != seg || i == len(s.segments)-1 {
			continue
		}
		if last := s.segments[i+1].first - 1; last < limit {
			return last
		}
	}
	return limit
}
