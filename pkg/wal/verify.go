package wal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// VerifyAll re-reads every retained segment from disk, ignoring cached
// verification state, and reports how many records of each verify. Any
// corruption found also becomes the segment's trust boundary for later reads.
func (s *Store) VerifyAll() ([]SegmentReport, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrClosed
	}
	segs := append([]*segment(nil), s.segments...)
	infos := s.segmentInfosLocked()
	s.mu.RUnlock()

	reports := make([]SegmentReport, 0, len(segs))
	for i, seg := range segs {
		rep := SegmentReport{Info: infos[i]}
		want := infos[i].Records()

		res, err := seg.scanFile()
		switch {
		case err != nil && errors.Is(err, os.ErrNotExist):
			rep.Err = &SegmentNotFoundError{Sequence: seg.first}
		case err != nil:
			rep.Err = fmt.Errorf("scan segment: %w", err)
		default:
			got := uint64(len(res.offsets))
			rep.Verified = min(got, want)
			switch {
			case res.corrupt != nil:
				rep.Err = res.corrupt
			case got < want:
				rep.Err = &CorruptionError{
					Segment: filepath.Base(seg.path),
					Offset:  res.validSize,
					Reason:  fmt.Sprintf("segment ends after %d of %d records", got, want),
				}
			case got > want && infos[i].Sealed:
				rep.Err = &CorruptionError{
					Segment: filepath.Base(seg.path),
					Offset:  res.offsets[want],
					Reason:  fmt.Sprintf("sealed segment holds %d records, %d expected", got, want),
				}
			}
			if rep.Err != nil {
				var ce *CorruptionError
				if errors.As(rep.Err, &ce) {
					_ = seg.markCorrupt(int(rep.Verified), ce.Offset, ce.Reason)
				}
			}
		}
		reports = append(reports, rep)
	}
	return reports, nil
}
