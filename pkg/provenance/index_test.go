package provenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-fabric/pkg/kernel"
)

func ev(seq uint64, id string, parents ...string) *kernel.KernelEvent {
	e := &kernel.KernelEvent{
		ID:       kernel.EventID(id),
		Sequence: seq,
		Producer: "agent",
		Stage:    kernel.StageDeclared,
		Genesis:  len(parents) == 0,
	}
	for _, p := range parents {
		e.Parents = append(e.Parents, kernel.EventID(p))
	}
	return e
}

func ids(s ...string) []kernel.EventID {
	out := make([]kernel.EventID, len(s))
	for i, v := range s {
		out[i] = kernel.EventID(v)
	}
	return out
}

func TestInsertScenario(t *testing.T) {
	x := New()
	require.NoError(t, x.Insert(ev(1, "A")))
	require.NoError(t, x.Insert(ev(2, "B", "A")))
	require.NoError(t, x.Insert(ev(3, "C", "A")))

	assert.ElementsMatch(t, ids("B", "C"), x.ChildrenOf("A"))
	assert.Empty(t, x.ChildrenOf("B"))

	err := x.Insert(ev(4, "D", "Z"))
	var mp *kernel.MissingParentError
	require.True(t, errors.As(err, &mp))
	assert.Equal(t, kernel.EventID("D"), mp.Child)
	assert.Equal(t, kernel.EventID("Z"), mp.Parent)
	assert.ErrorIs(t, err, kernel.ErrMissingParent)

	assert.ElementsMatch(t, ids("A", "B", "C"), x.IDs())
	assert.Equal(t, 3, x.Len())
	assert.Equal(t, uint64(3), x.LastSequence())
	assert.Equal(t, ids("B", "C"), x.Frontier())
}

func TestInsertDuplicateLeavesIndexUnchanged(t *testing.T) {
	x := New()
	require.NoError(t, x.Insert(ev(1, "A")))
	require.NoError(t, x.Insert(ev(2, "B", "A")))
	before := x.ChildrenOf("A")

	dup := ev(3, "B", "A")
	err := x.Insert(dup)
	var de *DuplicateEventError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, kernel.EventID("B"), de.ID)
	assert.ErrorIs(t, err, ErrDuplicateEvent)

	assert.Equal(t, before, x.ChildrenOf("A"))
	assert.Equal(t, 2, x.Len())
	assert.Equal(t, uint64(2), x.LastSequence())
}

func TestInsertNoParentsNonGenesis(t *testing.T) {
	x := New()
	orphan := ev(1, "A")
	orphan.Genesis = false

	err := x.Insert(orphan)
	assert.ErrorIs(t, err, ErrNoParentsNonGenesis)
	var ng *NoParentsNonGenesisError
	require.True(t, errors.As(err, &ng))
	assert.Equal(t, kernel.EventID("A"), ng.ID)
	assert.Zero(t, x.Len())
}

func TestMissingParentLeavesIndexUnchanged(t *testing.T) {
	x := New()
	require.NoError(t, x.Insert(ev(1, "A")))

	// One known and one unknown parent: nothing is linked.
	err := x.Insert(ev(2, "B", "A", "Z"))
	assert.ErrorIs(t, err, kernel.ErrMissingParent)
	assert.Empty(t, x.ChildrenOf("A"))
	assert.False(t, x.Contains("B"))
	assert.Equal(t, ids("A"), x.Frontier())
}

func TestGenesisWithParentsSkipsParentCheck(t *testing.T) {
	x := New()
	require.NoError(t, x.Insert(ev(1, "A")))

	g := ev(2, "G", "A", "elsewhere")
	g.Genesis = true
	require.NoError(t, x.Insert(g))

	assert.Equal(t, ids("G"), x.ChildrenOf("A"))
	parents, ok := x.ParentsOf("G")
	require.True(t, ok)
	assert.Equal(t, ids("A", "elsewhere"), parents)
}

func TestDiamondFrontier(t *testing.T) {
	x := New()
	require.NoError(t, x.Insert(ev(1, "A")))
	require.NoError(t, x.Insert(ev(2, "B", "A")))
	require.NoError(t, x.Insert(ev(3, "C", "A")))
	require.NoError(t, x.Insert(ev(4, "D", "B", "C")))

	assert.Equal(t, ids("D"), x.Frontier())
	assert.Equal(t, ids("D"), x.ChildrenOf("B"))
	assert.Equal(t, ids("D"), x.ChildrenOf("C"))

	_, ok := x.ParentsOf("missing")
	assert.False(t, ok)
	assert.Equal(t, []kernel.EventID{}, x.ChildrenOf("missing"))
}

func TestOnEventRecordsViolations(t *testing.T) {
	x := New()
	ctx := context.Background()
	require.NoError(t, x.OnEvent(ctx, ev(1, "A")))

	err := x.OnEvent(ctx, ev(2, "B", "Z"))
	assert.ErrorIs(t, err, kernel.ErrMissingParent)
	err = x.OnEvent(ctx, ev(3, "A"))
	assert.ErrorIs(t, err, ErrDuplicateEvent)

	v := x.Violations()
	require.Len(t, v, 2)
	assert.Equal(t, kernel.EventID("B"), v[0].EventID)
	assert.Equal(t, uint64(2), v[0].Sequence)
	assert.ErrorIs(t, v[0].Err, kernel.ErrMissingParent)
	assert.Equal(t, kernel.EventID("A"), v[1].EventID)

	assert.True(t, x.SubscribedStages().IsAll())
}

func TestViolationLogIsBounded(t *testing.T) {
	x := New()
	for i := 0; i < maxViolations+10; i++ {
		_ = x.OnEvent(context.Background(), ev(uint64(i+1), fmt.Sprintf("E%d", i), "missing"))
	}
	v := x.Violations()
	require.Len(t, v, maxViolations)
	assert.Equal(t, kernel.EventID("E10"), v[0].EventID)
	assert.Equal(t, kernel.EventID(fmt.Sprintf("E%d", maxViolations+9)), v[len(v)-1].EventID)
}

func TestConcurrentLookupsDuringInsert(t *testing.T) {
	x := New()
	require.NoError(t, x.Insert(ev(1, "root")))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			require.NoError(t, x.Insert(ev(uint64(i+2), fmt.Sprintf("n%d", i), "root")))
		}
	}()
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				_ = x.ChildrenOf("root")
				_ = x.Contains(kernel.EventID(fmt.Sprintf("n%d", i)))
				_ = x.Frontier()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, x.ChildrenOf("root"), 500)
	assert.Equal(t, 501, x.Len())
}
