package kernel

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-fabric/pkg/hlc"
)

func sampleEvent() *KernelEvent {
	return &KernelEvent{
		ID:        "evt-b",
		Sequence:  42,
		Producer:  "worldline-1",
		Stage:     StageDecided,
		Timestamp: hlc.Timestamp{Physical: 1_700_000_000_123, Logical: 3, Node: "worldline-1"},
		Parents:   []EventID{"evt-a", "evt-z"},
		Payload:   []byte(`{"decision":"PASS"}`),
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := sampleEvent()
	raw, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestEncodeGenesisWithoutPayload(t *testing.T) {
	in := &KernelEvent{ID: "g", Producer: "w", Stage: StageDeclared, Genesis: true}
	raw, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(raw)
	require.NoError(t, err)
	assert.True(t, out.Genesis)
	assert.Nil(t, out.Parents)
	assert.Nil(t, out.Payload)
}

func TestEncodeIsDeterministic(t *testing.T) {
	a, err := Encode(sampleEvent())
	require.NoError(t, err)
	b, err := Encode(sampleEvent())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestDecodeRejectsTruncatedAndTrailingBytes(t *testing.T) {
	raw, err := Encode(sampleEvent())
	require.NoError(t, err)

	_, err = Decode(raw[:len(raw)-3])
	assert.True(t, errors.Is(err, ErrMalformedEncoding))

	_, err = Decode(append(append([]byte(nil), raw...), 0x00))
	assert.True(t, errors.Is(err, ErrMalformedEncoding))

	bad := append([]byte(nil), raw...)
	bad[0] = 9
	_, err = Decode(bad)
	assert.True(t, errors.Is(err, ErrMalformedEncoding))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*KernelEvent)
	}{
		{"empty id", func(e *KernelEvent) { e.ID = "" }},
		{"empty producer", func(e *KernelEvent) { e.Producer = "" }},
		{"empty stage", func(e *KernelEvent) { e.Stage = "" }},
		{"empty parent", func(e *KernelEvent) { e.Parents = []EventID{""} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := sampleEvent()
			tt.mutate(e)
			assert.Error(t, e.Validate())
			_, err := Encode(e)
			assert.Error(t, err)
		})
	}
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, WorldlineID("caf\u00e9"), NormalizeWorldline(" cafe\u0301 "))
	assert.Equal(t, StageCommitted, NormalizeStage(" Committed"))
	assert.Equal(t, []EventID{"a", "b"}, NormalizeParents([]EventID{"a", "b", "a"}))
	assert.Nil(t, NormalizeParents(nil))
}

func TestNewEventIDUnique(t *testing.T) {
	seen := make(map[EventID]bool)
	for i := 0; i < 1000; i++ {
		id := NewEventID()
		require.False(t, seen[id])
		seen[id] = true
	}
}

func TestStageFilter(t *testing.T) {
	all := AllStages()
	assert.True(t, all.IsAll())
	assert.True(t, all.Matches(StageDeclared))
	assert.True(t, StageFilter{}.Matches("anything"))
	assert.Equal(t, "all", all.String())

	only := OnlyStages(StageDecided, "Committed")
	assert.False(t, only.IsAll())
	assert.True(t, only.Matches(StageDecided))
	assert.True(t, only.Matches(StageCommitted))
	assert.False(t, only.Matches(StageDeclared))
	assert.Equal(t, []ResonanceStage{StageCommitted, StageDecided}, only.Stages())

	none := OnlyStages()
	assert.False(t, none.Matches(StageDeclared))
}

func TestCloneDoesNotAlias(t *testing.T) {
	e := sampleEvent()
	c := e.Clone()
	c.Parents[0] = "changed"
	c.Payload[0] = 'X'
	assert.Equal(t, EventID("evt-a"), e.Parents[0])
	assert.Equal(t, byte('{'), e.Payload[0])
}
