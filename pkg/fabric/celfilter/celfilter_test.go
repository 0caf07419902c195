package celfilter_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-fabric/pkg/fabric"
	"github.com/Mindburn-Labs/helm-fabric/pkg/fabric/celfilter"
	"github.com/Mindburn-Labs/helm-fabric/pkg/hlc"
	"github.com/Mindburn-Labs/helm-fabric/pkg/kernel"
	"github.com/Mindburn-Labs/helm-fabric/pkg/wal"
)

type sink struct {
	mu  sync.Mutex
	ids []kernel.EventID
}

func (s *sink) OnEvent(_ context.Context, ev *kernel.KernelEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, ev.ID)
	return nil
}

func (s *sink) SubscribedStages() kernel.StageFilter { return kernel.AllStages() }

func event(seq uint64, producer string, stage kernel.ResonanceStage, parents ...kernel.EventID) *kernel.KernelEvent {
	return &kernel.KernelEvent{
		ID:        kernel.EventID("e" + string(rune('0'+seq))),
		Sequence:  seq,
		Producer:  kernel.WorldlineID(producer),
		Stage:     stage,
		Parents:   parents,
		Genesis:   len(parents) == 0,
		Payload:   []byte("abc"),
		Timestamp: hlc.Timestamp{Physical: 1000},
	}
}

func TestMatch(t *testing.T) {
	tests := []struct {
		name string
		expr string
		ev   *kernel.KernelEvent
		want bool
	}{
		{"stage equals", `event.stage == "decided"`, event(1, "agent-a", kernel.StageDecided, "p"), true},
		{"stage differs", `event.stage == "decided"`, event(1, "agent-a", kernel.StageDeclared), false},
		{"producer prefix", `event.producer.startsWith("agent-")`, event(1, "agent-b", kernel.StageDeclared), true},
		{"genesis", `event.genesis`, event(1, "a", kernel.StageDeclared), true},
		{"parent count", `size(event.parents) > 1`, event(1, "a", kernel.StageDeclared, "p", "q"), true},
		{"parent membership", `"q" in event.parents`, event(1, "a", kernel.StageDeclared, "p"), false},
		{"sequence window", `event.sequence >= 5 && event.sequence < 10`, event(7, "a", kernel.StageDeclared), true},
		{"payload size", `event.payload_size == 3`, event(1, "a", kernel.StageDeclared), true},
		{"timestamp", `event.physical_ms > 500`, event(1, "a", kernel.StageDeclared), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := celfilter.New(tt.expr, &sink{})
			require.NoError(t, err)
			got, err := c.Match(context.Background(), tt.ev)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewRejectsBadExpressions(t *testing.T) {
	_, err := celfilter.New(`event.stage ==`, &sink{})
	assert.Error(t, err)

	_, err = celfilter.New(`1 + 2`, &sink{})
	assert.Error(t, err)

	_, err = celfilter.New(`true`, nil)
	assert.Error(t, err)
}

func TestNonBooleanResultFailsDelivery(t *testing.T) {
	c, err := celfilter.New(`event.stage`, &sink{})
	require.NoError(t, err)
	err = c.OnEvent(context.Background(), event(1, "a", kernel.StageDeclared))
	assert.Error(t, err)
}

func TestFilterAsFabricSubscription(t *testing.T) {
	f, err := fabric.Open(t.TempDir(), wal.Options{NoSync: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	s := &sink{}
	c, err := celfilter.New(`!event.genesis && event.producer == "agent-b"`, s)
	require.NoError(t, err)
	assert.Equal(t, `!event.genesis && event.producer == "agent-b"`, c.Expression())
	_, err = f.SubscribeConsumer(c)
	require.NoError(t, err)

	ctx := context.Background()
	root, err := f.Emit(ctx, fabric.Worldline("agent-b"), fabric.EventDraft{Stage: kernel.StageDeclared})
	require.NoError(t, err)
	fromA, err := f.Emit(ctx, fabric.Worldline("agent-a"), fabric.EventDraft{Stage: kernel.StageDecided, Parents: []kernel.EventID{root.ID}})
	require.NoError(t, err)
	fromB, err := f.Emit(ctx, fabric.Worldline("agent-b"), fabric.EventDraft{Stage: kernel.StageDecided, Parents: []kernel.EventID{fromA.ID}})
	require.NoError(t, err)

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, []kernel.EventID{fromB.ID}, s.ids)
}
