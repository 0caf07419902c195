//go:build property
// +build property

package hlc_test

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Mindburn-Labs/helm-fabric/pkg/hlc"
)

// TestClockMonotonicUnderArbitraryWallClock verifies Now() is strictly
// increasing whatever the wall clock does, including observed remotes.
func TestClockMonotonicUnderArbitraryWallClock(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("Now is strictly increasing", prop.ForAll(
		func(steps []int64, remotes []int64) bool {
			base := int64(1_700_000_000_000)
			wall := base
			c := hlc.New("n", hlc.WithMaxDrift(0), hlc.WithPhysicalSource(func() time.Time {
				return time.UnixMilli(wall)
			}))

			prev := c.Now()
			for i, s := range steps {
				wall += s
				if i < len(remotes) {
					remote := hlc.Timestamp{Physical: base + remotes[i], Logical: uint32(i)}
					if err := c.Observe(remote); err != nil {
						return false
					}
					next := c.Now()
					if !remote.Before(next) {
						return false
					}
				}
				next := c.Now()
				if !prev.Before(next) {
					return false
				}
				prev = next
			}
			return true
		},
		gen.SliceOf(gen.Int64Range(-1000, 1000)),
		gen.SliceOf(gen.Int64Range(-5000, 5000)),
	))

	properties.TestingRun(t)
}
