package provenance_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-fabric/pkg/fabric"
	"github.com/Mindburn-Labs/helm-fabric/pkg/kernel"
	"github.com/Mindburn-Labs/helm-fabric/pkg/provenance"
	"github.com/Mindburn-Labs/helm-fabric/pkg/wal"
)

type registry struct {
	mu  sync.Mutex
	cps map[uint64]*kernel.Checkpoint
}

func (r *registry) put(cp *kernel.Checkpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cps == nil {
		r.cps = make(map[uint64]*kernel.Checkpoint)
	}
	r.cps[cp.Sequence] = cp
}

func (r *registry) Get(_ context.Context, seq uint64) (*kernel.Checkpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp, ok := r.cps[seq]
	if !ok {
		return nil, errors.New("not found")
	}
	return cp, nil
}

type harness struct {
	f   *fabric.Fabric
	idx *provenance.Index
	reg *registry
}

// newHarness wires an index to a fabric the way the daemon does: as a
// synchronous consumer and as the fabric's parent lookup.
func newHarness(t *testing.T, segmentSize int64) *harness {
	t.Helper()
	idx := provenance.New()
	reg := &registry{}
	f, err := fabric.Open(t.TempDir(), wal.Options{MaxSegmentSize: segmentSize, NoSync: true},
		fabric.WithParentLookup(idx),
		fabric.WithCheckpointRegistry(reg),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	_, err = f.SubscribeConsumer(idx, fabric.WithName("provenance"))
	require.NoError(t, err)
	return &harness{f: f, idx: idx, reg: reg}
}

func (h *harness) emit(t *testing.T, parents ...kernel.EventID) kernel.EventID {
	t.Helper()
	ev, err := h.f.Emit(context.Background(), fabric.Worldline("agent"), fabric.EventDraft{
		Stage:   kernel.StageDecided,
		Parents: parents,
	})
	require.NoError(t, err)
	return ev.ID
}

// grow emits a branching history: every third event merges two branches.
func (h *harness) grow(t *testing.T, root kernel.EventID, n int) kernel.EventID {
	t.Helper()
	left, right := root, root
	for i := 0; i < n; i++ {
		switch i % 3 {
		case 0:
			left = h.emit(t, left)
		case 1:
			right = h.emit(t, right)
		default:
			merged := h.emit(t, left, right)
			left, right = merged, merged
		}
	}
	return left
}

func assertSameDAG(t *testing.T, want, got *provenance.Index) {
	t.Helper()
	require.ElementsMatch(t, want.IDs(), got.IDs())
	assert.Equal(t, want.Frontier(), got.Frontier())
	assert.Equal(t, want.LastSequence(), got.LastSequence())
	for _, id := range want.IDs() {
		assert.Equal(t, want.ChildrenOf(id), got.ChildrenOf(id), "children of %s", id)
		wp, _ := want.ParentsOf(id)
		gp, ok := got.ParentsOf(id)
		require.True(t, ok, "parents of %s", id)
		assert.Equal(t, wp, gp, "parents of %s", id)
	}
}

func TestRebuildWithoutCheckpointReplaysEverything(t *testing.T) {
	h := newHarness(t, 0)
	h.grow(t, h.emit(t), 20)

	fresh := provenance.New()
	require.NoError(t, fresh.RebuildFrom(context.Background(), h.f, nil))
	assertSameDAG(t, h.idx, fresh)
	assert.Empty(t, fresh.Violations())
}

func TestCheckpointThenCompactThenRebuildIsEquivalent(t *testing.T) {
	h := newHarness(t, 512)
	ctx := context.Background()

	tip := h.grow(t, h.emit(t), 30)
	cp, err := h.idx.Checkpoint()
	require.NoError(t, err)
	assert.Equal(t, h.f.LatestSequence(), cp.Sequence)
	assert.Len(t, cp.Nodes, h.idx.Len())
	h.reg.put(cp)

	res, err := h.f.Compact(ctx, cp)
	require.NoError(t, err)
	require.NotEmpty(t, res.Removed)
	assert.Greater(t, h.f.FirstSequence(), uint64(1))

	h.grow(t, tip, 12)

	fresh := provenance.New()
	require.NoError(t, fresh.RebuildFrom(ctx, h.f, cp))
	assertSameDAG(t, h.idx, fresh)
}

func TestRebuildAfterCompactionNeedsCheckpoint(t *testing.T) {
	h := newHarness(t, 512)
	ctx := context.Background()

	h.grow(t, h.emit(t), 30)
	cp, err := h.idx.Checkpoint()
	require.NoError(t, err)
	h.reg.put(cp)
	_, err = h.f.Compact(ctx, cp)
	require.NoError(t, err)

	fresh := provenance.New()
	err = fresh.RebuildFrom(ctx, h.f, nil)
	assert.ErrorIs(t, err, provenance.ErrCheckpoint)
	var ce *provenance.CheckpointError
	require.True(t, errors.As(err, &ce))
	assert.Contains(t, ce.Reason, "compacted")
	assert.Zero(t, fresh.Len())
}

func TestRebuildFromStaleCheckpointAfterCompaction(t *testing.T) {
	h := newHarness(t, 512)
	ctx := context.Background()

	tip := h.grow(t, h.emit(t), 3)
	stale, err := h.idx.Checkpoint()
	require.NoError(t, err)

	h.grow(t, tip, 30)
	cp, err := h.idx.Checkpoint()
	require.NoError(t, err)
	h.reg.put(cp)
	_, err = h.f.Compact(ctx, cp)
	require.NoError(t, err)
	require.Greater(t, h.f.FirstSequence(), stale.Sequence+1)

	err = provenance.New().RebuildFrom(ctx, h.f, stale)
	assert.ErrorIs(t, err, provenance.ErrCheckpoint)
}

func TestRebuildFromFrontierCheckpoint(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	tip := h.grow(t, h.emit(t), 10)
	cp, err := h.idx.FrontierCheckpoint()
	require.NoError(t, err)
	assert.Empty(t, cp.Nodes)
	assert.Equal(t, []kernel.EventID{tip}, cp.Frontier)

	next := h.emit(t, tip)

	fresh := provenance.New()
	require.NoError(t, fresh.RebuildFrom(ctx, h.f, cp))
	assert.Equal(t, 2, fresh.Len())
	assert.Equal(t, []kernel.EventID{next}, fresh.ChildrenOf(tip))
	assert.Equal(t, h.idx.Frontier(), fresh.Frontier())
	assert.Equal(t, h.idx.LastSequence(), fresh.LastSequence())
}

func TestRebuildRejectsMissingFrontierEvent(t *testing.T) {
	h := newHarness(t, 0)
	h.grow(t, h.emit(t), 4)

	cp := &kernel.Checkpoint{
		Sequence:  h.f.LatestSequence(),
		Frontier:  []kernel.EventID{"ghost"},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, cp.Seal())

	err := provenance.New().RebuildFrom(context.Background(), h.f, cp)
	var ce *provenance.CheckpointError
	require.True(t, errors.As(err, &ce))
	assert.Contains(t, ce.Reason, "ghost")
}

func TestRebuildRejectsTamperedCheckpoint(t *testing.T) {
	h := newHarness(t, 0)
	h.grow(t, h.emit(t), 6)

	cp, err := h.idx.Checkpoint()
	require.NoError(t, err)
	cp.Nodes = cp.Nodes[:len(cp.Nodes)-1]

	before := h.idx.IDs()
	err = h.idx.RebuildFrom(context.Background(), h.f, cp)
	assert.ErrorIs(t, err, provenance.ErrCheckpoint)
	assert.ErrorIs(t, err, kernel.ErrCheckpointDigest)
	assert.Equal(t, before, h.idx.IDs())
}

func TestRebuildRejectsInconsistentNodeTable(t *testing.T) {
	h := newHarness(t, 0)
	root := h.emit(t)
	child := h.emit(t, root)

	cp := &kernel.Checkpoint{
		Sequence: 2,
		Frontier: []kernel.EventID{child},
		Nodes: []kernel.CheckpointNode{
			{ID: child, Sequence: 2, Parents: []kernel.EventID{root}},
			{ID: root, Sequence: 1, Genesis: true},
		},
	}
	require.NoError(t, cp.Seal())

	err := provenance.New().RebuildFrom(context.Background(), h.f, cp)
	var ce *provenance.CheckpointError
	require.True(t, errors.As(err, &ce))
	assert.Contains(t, ce.Reason, "unknown parent")
}

func TestReplayRecordsViolations(t *testing.T) {
	// No parent lookup on this fabric, so an unknown parent reaches the log.
	idx := provenance.New()
	f, err := fabric.Open(t.TempDir(), wal.Options{NoSync: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	_, err = f.SubscribeConsumer(idx)
	require.NoError(t, err)

	ctx := context.Background()
	root, err := f.Emit(ctx, fabric.Worldline("a"), fabric.EventDraft{Stage: kernel.StageDeclared})
	require.NoError(t, err)
	bad, err := f.Emit(ctx, fabric.Worldline("a"), fabric.EventDraft{Stage: kernel.StageDeclared, Parents: []kernel.EventID{"elsewhere"}})
	require.NoError(t, err)
	_, err = f.Emit(ctx, fabric.Worldline("a"), fabric.EventDraft{Stage: kernel.StageDeclared, Parents: []kernel.EventID{root.ID}})
	require.NoError(t, err)

	require.Len(t, idx.Violations(), 1)
	assert.Equal(t, bad.ID, idx.Violations()[0].EventID)

	fresh := provenance.New()
	require.NoError(t, fresh.RebuildFrom(ctx, f, nil))
	assertSameDAG(t, idx, fresh)
	require.Len(t, fresh.Violations(), 1)
	assert.Equal(t, bad.ID, fresh.Violations()[0].EventID)
	assert.ErrorIs(t, fresh.Violations()[0].Err, kernel.ErrMissingParent)
}

func TestParentLookupRefusesUnindexedParent(t *testing.T) {
	h := newHarness(t, 0)
	h.emit(t)

	_, err := h.f.Emit(context.Background(), fabric.Worldline("agent"), fabric.EventDraft{
		Stage:   kernel.StageDecided,
		Parents: []kernel.EventID{"Z"},
	})
	assert.ErrorIs(t, err, kernel.ErrMissingParent)
	assert.Equal(t, uint64(1), h.f.LatestSequence())
	assert.Equal(t, 1, h.idx.Len())
}

func TestRebuildHonoursContext(t *testing.T) {
	h := newHarness(t, 0)
	h.grow(t, h.emit(t), 5)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fresh := provenance.New()
	err := fresh.RebuildFrom(ctx, h.f, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, fresh.Len())
}
