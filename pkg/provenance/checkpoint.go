package provenance

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"time"

	"github.com/Mindburn-Labs/helm-fabric/pkg/kernel"
)

// EventSource is the part of the Fabric a rebuild reads from.
type EventSource interface {
	ReadRange(from, to uint64) iter.Seq2[*kernel.KernelEvent, error]
	FirstSequence() uint64
	LatestSequence() uint64
}

// Checkpoint captures the highest indexed sequence, the frontier and the
// node table, sealed with its digest.
func (x *Index) Checkpoint() (*kernel.Checkpoint, error) {
	x.mu.RLock()
	cp := &kernel.Checkpoint{
		Sequence: x.state.lastSeq,
		Frontier: x.state.sortedFrontier(),
		Nodes:    make([]kernel.CheckpointNode, 0, len(x.state.order)),
	}
	for _, id := range x.state.order {
		n := x.state.nodes[id]
		cp.Nodes = append(cp.Nodes, kernel.CheckpointNode{
			ID:       n.id,
			Sequence: n.sequence,
			Parents:  slices.Clone(n.parents),
			Genesis:  n.genesis,
		})
	}
	x.mu.RUnlock()

	cp.CreatedAt = time.Now().UTC()
	if err := cp.Seal(); err != nil {
		return nil, err
	}
	return cp, nil
}

// FrontierCheckpoint captures only the sequence and frontier. A rebuild from
// it seeds the frontier as anchor nodes, so history behind the frontier is
// not restored.
func (x *Index) FrontierCheckpoint() (*kernel.Checkpoint, error) {
	x.mu.RLock()
	cp := &kernel.Checkpoint{
		Sequence: x.state.lastSeq,
		Frontier: x.state.sortedFrontier(),
	}
	x.mu.RUnlock()

	cp.CreatedAt = time.Now().UTC()
	if err := cp.Seal(); err != nil {
		return nil, err
	}
	return cp, nil
}

// RebuildFrom replaces the index state with cp plus every event the source
// holds after cp.Sequence. A nil cp replays the whole log, which must still
// start at sequence 1.
//
// Events rejected during replay are recorded as violations, as they would be
// when consumed live. The index is left untouched if the rebuild fails.
func (x *Index) RebuildFrom(ctx context.Context, src EventSource, cp *kernel.Checkpoint) error {
	state := newDAG()
	var from uint64 = 1

	if cp != nil {
		if err := cp.Verify(); err != nil {
			return &CheckpointError{Sequence: cp.Sequence, Reason: "digest does not verify", Err: err}
		}
		var err error
		if len(cp.Nodes) > 0 {
			err = restoreNodes(state, cp)
		} else {
			err = restoreAnchors(ctx, state, src, cp)
		}
		if err != nil {
			return err
		}
		state.lastSeq = cp.Sequence
		from = cp.Sequence + 1
	}

	if first := src.FirstSequence(); first > from {
		seq := uint64(0)
		if cp != nil {
			seq = cp.Sequence
		}
		return &CheckpointError{
			Sequence: seq,
			Reason:   fmt.Sprintf("log is compacted up to %d; events %d..%d are gone", first, from, first-1),
		}
	}

	var violations []Violation
	replayed := 0
	if latest := src.LatestSequence(); from <= latest {
		for ev, err := range src.ReadRange(from, latest) {
			if err != nil {
				return fmt.Errorf("rebuild replay: %w", err)
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := state.insert(ev); err != nil {
				violations = append(violations, Violation{
					EventID: ev.ID, Sequence: ev.Sequence, Error: err.Error(), At: time.Now().UTC(), Err: err,
				})
			}
			replayed++
		}
	}

	x.mu.Lock()
	x.state = state
	x.mu.Unlock()

	for _, v := range violations {
		x.recordViolation(&kernel.KernelEvent{ID: v.EventID, Sequence: v.Sequence}, v.Err)
	}

	logArgs := []any{"replayed", replayed, "nodes", len(state.nodes), "last_sequence", state.lastSeq}
	if cp != nil {
		logArgs = append(logArgs, "checkpoint_sequence", cp.Sequence)
	}
	x.logger.InfoContext(ctx, "provenance index rebuilt", logArgs...)
	return nil
}

// restoreNodes loads a full node table and checks it against the frontier.
func restoreNodes(state *dag, cp *kernel.Checkpoint) error {
	for _, n := range cp.Nodes {
		if _, dup := state.nodes[n.ID]; dup {
			return &CheckpointError{Sequence: cp.Sequence, Reason: fmt.Sprintf("node %s listed twice", n.ID)}
		}
		if n.Sequence > cp.Sequence {
			return &CheckpointError{Sequence: cp.Sequence, Reason: fmt.Sprintf("node %s at sequence %d is past the checkpoint", n.ID, n.Sequence)}
		}
		if !n.Genesis {
			for _, p := range n.Parents {
				if _, ok := state.nodes[p]; !ok {
					return &CheckpointError{Sequence: cp.Sequence, Reason: fmt.Sprintf("node %s references unknown parent %s", n.ID, p)}
				}
			}
		}
		state.add(n.ID, n.Sequence, n.Parents, n.Genesis)
	}

	got := state.sortedFrontier()
	want := slices.Clone(cp.Frontier)
	slices.Sort(want)
	if !slices.Equal(got, want) {
		return &CheckpointError{Sequence: cp.Sequence, Reason: fmt.Sprintf("frontier %v does not match node table frontier %v", want, got)}
	}
	return nil
}

// restoreAnchors seeds frontier-only checkpoints. Each frontier event must
// still be readable at or below the checkpoint sequence.
func restoreAnchors(ctx context.Context, state *dag, src EventSource, cp *kernel.Checkpoint) error {
	if len(cp.Frontier) == 0 {
		return nil
	}

	wanted := make(map[kernel.EventID]bool, len(cp.Frontier))
	for _, id := range cp.Frontier {
		wanted[id] = true
	}
	found := make(map[kernel.EventID]uint64, len(cp.Frontier))

	first := src.FirstSequence()
	if first <= cp.Sequence {
		for ev, err := range src.ReadRange(first, cp.Sequence) {
			if err != nil {
				return &CheckpointError{Sequence: cp.Sequence, Reason: "reading frontier events failed", Err: err}
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if wanted[ev.ID] {
				found[ev.ID] = ev.Sequence
			}
		}
	}

	for _, id := range cp.Frontier {
		seq, ok := found[id]
		if !ok {
			return &CheckpointError{Sequence: cp.Sequence, Reason: fmt.Sprintf("frontier event %s no longer exists", id)}
		}
		if _, dup := state.nodes[id]; dup {
			continue
		}
		state.add(id, seq, nil, false)
	}
	return nil
}
