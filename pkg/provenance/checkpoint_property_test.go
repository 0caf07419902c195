//go:build property
// +build property

package provenance_test

import (
	"context"
	"os"
	"slices"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Mindburn-Labs/helm-fabric/pkg/fabric"
	"github.com/Mindburn-Labs/helm-fabric/pkg/kernel"
	"github.com/Mindburn-Labs/helm-fabric/pkg/provenance"
	"github.com/Mindburn-Labs/helm-fabric/pkg/wal"
)

// TestCheckpointCompactRebuildEquivalence verifies that for any DAG shape and
// any checkpoint position, rebuilding from the checkpoint after compaction
// yields the same DAG as the index that consumed every event live.
// Property: RebuildFrom(Compact(Checkpoint(k))) == live index
func TestCheckpointCompactRebuildEquivalence(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 40
	properties := gopter.NewProperties(parameters)

	properties.Property("rebuilt index equals live index", prop.ForAll(
		func(shape []int, cut int) bool {
			dir, err := os.MkdirTemp("", "prov-prop-*")
			if err != nil {
				return false
			}
			defer os.RemoveAll(dir)

			live := provenance.New()
			reg := &registry{}
			f, err := fabric.Open(dir, wal.Options{MaxSegmentSize: 384, NoSync: true},
				fabric.WithParentLookup(live),
				fabric.WithCheckpointRegistry(reg),
			)
			if err != nil {
				return false
			}
			defer f.Close()
			if _, err := f.SubscribeConsumer(live); err != nil {
				return false
			}

			ctx := context.Background()
			var emitted []kernel.EventID
			var cp *kernel.Checkpoint
			checkpointAt := cut % (len(shape) + 1)
			for i, pick := range shape {
				if i == checkpointAt {
					if cp, err = live.Checkpoint(); err != nil {
						return false
					}
				}
				// pick < 0 starts a new root; otherwise link to one or two
				// earlier events.
				var parents []kernel.EventID
				if pick >= 0 && len(emitted) > 0 {
					parents = append(parents, emitted[pick%len(emitted)])
					if pick%2 == 1 {
						parents = append(parents, emitted[(pick/2)%len(emitted)])
					}
				}
				ev, err := f.Emit(ctx, fabric.Worldline("prop"), fabric.EventDraft{Stage: kernel.StageDecided, Parents: parents})
				if err != nil {
					return false
				}
				emitted = append(emitted, ev.ID)
			}
			if cp == nil {
				if cp, err = live.Checkpoint(); err != nil {
					return false
				}
			}

			reg.put(cp)
			if _, err := f.Compact(ctx, cp); err != nil {
				return false
			}

			rebuilt := provenance.New()
			if err := rebuilt.RebuildFrom(ctx, f, cp); err != nil {
				return false
			}

			want, got := live.IDs(), rebuilt.IDs()
			slices.Sort(want)
			slices.Sort(got)
			if !slices.Equal(want, got) || !slices.Equal(live.Frontier(), rebuilt.Frontier()) {
				return false
			}
			for _, id := range want {
				if !slices.Equal(live.ChildrenOf(id), rebuilt.ChildrenOf(id)) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(-1, 50)),
		gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}
