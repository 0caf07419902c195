package hlc

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualTime struct {
	mu sync.Mutex
	t  time.Time
}

func (m *manualTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.t
}

func (m *manualTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.t = m.t.Add(d)
}

func newManual() *manualTime {
	return &manualTime{t: time.UnixMilli(1_700_000_000_000)}
}

func TestClock_NowStrictlyIncreasesWhenTimeStalls(t *testing.T) {
	mt := newManual()
	c := New("node-a", WithPhysicalSource(mt.Now))

	prev := c.Now()
	for i := 0; i < 1000; i++ {
		next := c.Now()
		require.True(t, prev.Before(next), "step %d: %s !< %s", i, prev, next)
		prev = next
	}
	assert.Equal(t, mt.Now().UnixMilli(), prev.Physical)
	assert.Equal(t, uint32(1000), prev.Logical)
}

func TestClock_NowResetsLogicalWhenTimeAdvances(t *testing.T) {
	mt := newManual()
	c := New("node-a", WithPhysicalSource(mt.Now))

	_ = c.Now()
	_ = c.Now()
	mt.Advance(5 * time.Millisecond)

	ts := c.Now()
	assert.Equal(t, mt.Now().UnixMilli(), ts.Physical)
	assert.Equal(t, uint32(0), ts.Logical)
	assert.Equal(t, "node-a", ts.Node)
}

func TestClock_NeverGoesBackwards(t *testing.T) {
	mt := newManual()
	c := New("node-a", WithPhysicalSource(mt.Now))

	before := c.Now()
	mt.Advance(-10 * time.Second)
	after := c.Now()

	assert.True(t, before.Before(after))
	assert.Equal(t, before.Physical, after.Physical)
}

func TestClock_ObserveRemoteAhead(t *testing.T) {
	mt := newManual()
	c := New("node-a", WithPhysicalSource(mt.Now))

	remote := Timestamp{Physical: mt.Now().UnixMilli() + 100, Logical: 7, Node: "node-b"}
	require.NoError(t, c.Observe(remote))

	next := c.Now()
	assert.True(t, remote.Before(next), "next %s must follow remote %s", next, remote)
}

func TestClock_ObserveSamePhysicalTakesMaxLogical(t *testing.T) {
	mt := newManual()
	c := New("node-a", WithPhysicalSource(mt.Now))
	now := mt.Now().UnixMilli()

	_ = c.Now()
	require.NoError(t, c.Observe(Timestamp{Physical: now, Logical: 40}))

	last := c.Last()
	assert.Equal(t, now, last.Physical)
	assert.Equal(t, uint32(41), last.Logical)
}

func TestClock_ObserveRejectsDrift(t *testing.T) {
	mt := newManual()
	c := New("node-a", WithPhysicalSource(mt.Now), WithMaxDrift(500*time.Millisecond))
	_ = c.Now()
	before := c.Last()

	tests := []struct {
		name  string
		delta int64
	}{
		{"ahead", 501},
		{"behind", -2000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Observe(Timestamp{Physical: mt.Now().UnixMilli() + tt.delta})
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrClockDrift))

			var drift *ClockDriftError
			require.True(t, errors.As(err, &drift))
			assert.Equal(t, int64(500), drift.MaxMs)
			if tt.delta < 0 {
				assert.Equal(t, -tt.delta, drift.DriftMs)
			} else {
				assert.Equal(t, tt.delta, drift.DriftMs)
			}
			assert.Equal(t, before, c.Last(), "state must not change on drift failure")
		})
	}
}

func TestClock_ObserveWithinDriftBoundary(t *testing.T) {
	mt := newManual()
	c := New("node-a", WithPhysicalSource(mt.Now), WithMaxDrift(500*time.Millisecond))

	assert.NoError(t, c.Observe(Timestamp{Physical: mt.Now().UnixMilli() + 500}))
	assert.NoError(t, c.Observe(Timestamp{Physical: mt.Now().UnixMilli() - 500}))
}

func TestClock_ZeroDriftDisablesCheck(t *testing.T) {
	mt := newManual()
	c := New("node-a", WithPhysicalSource(mt.Now), WithMaxDrift(0))
	assert.NoError(t, c.Observe(Timestamp{Physical: mt.Now().UnixMilli() + int64(time.Hour/time.Millisecond)}))
}

func TestClock_ConcurrentNowIsUnique(t *testing.T) {
	c := New("node-a")
	const workers, perWorker = 8, 500

	var mu sync.Mutex
	seen := make(map[Timestamp]struct{}, workers*perWorker)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]Timestamp, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				local = append(local, c.Now())
			}
			mu.Lock()
			for _, ts := range local {
				seen[ts] = struct{}{}
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, workers*perWorker)
}

func TestTimestamp_Compare(t *testing.T) {
	a := Timestamp{Physical: 10, Logical: 1, Node: "a"}
	assert.Equal(t, 0, a.Compare(a))
	assert.Equal(t, -1, a.Compare(Timestamp{Physical: 11}))
	assert.Equal(t, 1, a.Compare(Timestamp{Physical: 10, Logical: 0, Node: "z"}))
	assert.Equal(t, -1, a.Compare(Timestamp{Physical: 10, Logical: 1, Node: "b"}))
}
