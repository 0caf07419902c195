package fabric

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/helm-fabric/pkg/kernel"
	"github.com/Mindburn-Labs/helm-fabric/pkg/wal"
)

// CompactionResult describes a completed compaction.
type CompactionResult struct {
	Checkpoint uint64            `json:"checkpoint_sequence"`
	Boundary   uint64            `json:"boundary"`
	Removed    []wal.SegmentInfo `json:"removed"`
	Archived   []string          `json:"archived,omitempty"`
}

// Compact discards sealed segments whose events all precede cp.Sequence+1.
//
// It is governed: cp must verify against its digest and the checkpoint
// registry must hold the same checkpoint at cp.Sequence. When an archive is
// configured every segment is archived before anything is removed; an
// archive failure aborts the compaction with nothing removed.
func (f *Fabric) Compact(ctx context.Context, cp *kernel.Checkpoint) (*CompactionResult, error) {
	if f.isClosed() {
		return nil, ErrClosed
	}
	if cp == nil {
		return nil, fmt.Errorf("%w: nil checkpoint", ErrUnknownCheckpoint)
	}
	if err := cp.Verify(); err != nil {
		return nil, err
	}
	if f.registry == nil {
		return nil, fmt.Errorf("%w: no checkpoint registry configured", ErrUnknownCheckpoint)
	}
	if latest := f.wal.LatestSequence(); cp.Sequence > latest {
		return nil, fmt.Errorf("%w: checkpoint at %d is ahead of latest sequence %d", ErrUnknownCheckpoint, cp.Sequence, latest)
	}

	registered, err := f.registry.Get(ctx, cp.Sequence)
	if err != nil {
		return nil, fmt.Errorf("%w: sequence %d: %w", ErrUnknownCheckpoint, cp.Sequence, err)
	}
	if registered == nil || registered.Digest != cp.Digest {
		return nil, fmt.Errorf("%w: sequence %d digest %s not registered", ErrUnknownCheckpoint, cp.Sequence, cp.Digest)
	}

	f.compactMu.Lock()
	defer f.compactMu.Unlock()

	boundary := cp.Sequence + 1
	res := &CompactionResult{Checkpoint: cp.Sequence, Boundary: boundary}

	if f.archive != nil {
		for _, seg := range f.wal.Segments() {
			if !seg.Sealed || seg.LastSequence >= boundary {
				continue
			}
			loc, err := f.archive.ArchiveSegment(ctx, seg)
			if err != nil {
				return nil, fmt.Errorf("archive segment %d-%d: %w", seg.FirstSequence, seg.LastSequence, err)
			}
			res.Archived = append(res.Archived, loc)
		}
	}

	removed, err := f.wal.TruncateBefore(boundary)
	res.Removed = removed
	f.compactedSegments.Add(uint64(len(removed)))
	if err != nil {
		return res, fmt.Errorf("truncate wal: %w", err)
	}

	f.logger.InfoContext(ctx, "wal compacted",
		"checkpoint_sequence", cp.Sequence,
		"digest", cp.Digest,
		"segments_removed", len(removed),
		"segments_archived", len(res.Archived),
		"first_sequence", f.wal.FirstSequence(),
	)
	return res, nil
}
