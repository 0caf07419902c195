package kernel

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpoint_SealAndVerify(t *testing.T) {
	cp := &Checkpoint{
		Sequence: 3,
		Frontier: []EventID{"B", "C"},
		Nodes: []CheckpointNode{
			{ID: "A", Sequence: 1, Genesis: true},
			{ID: "B", Sequence: 2, Parents: []EventID{"A"}},
			{ID: "C", Sequence: 3, Parents: []EventID{"A"}},
		},
		CreatedAt: time.Now(),
	}
	require.NoError(t, cp.Seal())
	assert.Contains(t, cp.Digest, "sha256:")
	require.NoError(t, cp.Verify())

	// CreatedAt is not covered.
	cp.CreatedAt = cp.CreatedAt.Add(time.Hour)
	require.NoError(t, cp.Verify())

	cp.Frontier = []EventID{"B"}
	err := cp.Verify()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCheckpointDigest))
}

func TestCheckpoint_EmptyFrontierDigestStable(t *testing.T) {
	a := &Checkpoint{Sequence: 0}
	b := &Checkpoint{Sequence: 0, Frontier: []EventID{}}
	da, err := a.ComputeDigest()
	require.NoError(t, err)
	db, err := b.ComputeDigest()
	require.NoError(t, err)
	assert.Equal(t, da, db)
}

func TestMissingParentError(t *testing.T) {
	var err error = &MissingParentError{Child: "D", Parent: "Z"}
	assert.True(t, errors.Is(err, ErrMissingParent))
	assert.Contains(t, err.Error(), "parent Z")
}
