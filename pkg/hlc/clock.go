// Package hlc implements a Hybrid Logical Clock.
//
// Timestamps combine wall-clock milliseconds with a logical counter so that
// causally related events are ordered across producers while drift against
// remote clocks stays bounded.
package hlc

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// DefaultMaxDrift is the default bound on |local - remote| physical time.
const DefaultMaxDrift = 500 * time.Millisecond

// ErrClockDrift matches any ClockDriftError.
var ErrClockDrift = errors.New("clock drift exceeds maximum")

// ClockDriftError is returned by Observe when a remote timestamp is too far
// from local physical time. The clock is not updated.
type ClockDriftError struct {
	DriftMs int64
	MaxMs   int64
}

func (e *ClockDriftError) Error() string {
	return fmt.Sprintf("clock drift %dms exceeds maximum %dms", e.DriftMs, e.MaxMs)
}

func (e *ClockDriftError) Is(target error) bool { return target == ErrClockDrift }

// Timestamp is a (physical-ms, logical, node) triple.
type Timestamp struct {
	Physical int64  `json:"physical_ms"`
	Logical  uint32 `json:"logical"`
	Node     string `json:"node,omitempty"`
}

// Compare orders timestamps by physical, then logical, then node.
// Returns -1, 0 or 1.
func (t Timestamp) Compare(o Timestamp) int {
	switch {
	case t.Physical < o.Physical:
		return -1
	case t.Physical > o.Physical:
		return 1
	case t.Logical < o.Logical:
		return -1
	case t.Logical > o.Logical:
		return 1
	case t.Node < o.Node:
		return -1
	case t.Node > o.Node:
		return 1
	}
	return 0
}

// Before reports whether t orders strictly before o, ignoring the node.
func (t Timestamp) Before(o Timestamp) bool {
	return t.Physical < o.Physical || (t.Physical == o.Physical && t.Logical < o.Logical)
}

// IsZero reports whether the timestamp is unset.
func (t Timestamp) IsZero() bool { return t.Physical == 0 && t.Logical == 0 }

func (t Timestamp) String() string {
	return fmt.Sprintf("%d.%d@%s", t.Physical, t.Logical, t.Node)
}

// PhysicalSource returns the current wall-clock time.
type PhysicalSource func() time.Time

// Clock is a thread-safe Hybrid Logical Clock.
type Clock struct {
	mu       sync.Mutex
	node     string
	maxDrift time.Duration
	now      PhysicalSource

	physical int64
	logical  uint32
}

// Option configures a Clock.
type Option func(*Clock)

// WithMaxDrift sets the drift bound used by Observe. Zero disables the check.
func WithMaxDrift(d time.Duration) Option {
	return func(c *Clock) { c.maxDrift = d }
}

// WithPhysicalSource injects the wall clock, mainly for tests.
func WithPhysicalSource(src PhysicalSource) Option {
	return func(c *Clock) { c.now = src }
}

// New creates a clock stamping timestamps with the given node identity.
func New(node string, opts ...Option) *Clock {
	c := &Clock{
		node:     node,
		maxDrift: DefaultMaxDrift,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MaxDrift returns the configured drift bound.
func (c *Clock) MaxDrift() time.Duration { return c.maxDrift }

// Now returns a timestamp strictly greater than every timestamp previously
// returned or observed.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	pt := c.now().UnixMilli()
	if pt > c.physical {
		c.physical = pt
		c.logical = 0
	} else {
		c.bumpLogical()
	}
	return Timestamp{Physical: c.physical, Logical: c.logical, Node: c.node}
}

// Observe merges a remote timestamp into the clock. If the remote physical
// time differs from local physical time by more than the drift bound, it
// returns a ClockDriftError and leaves the clock unchanged.
func (c *Clock) Observe(remote Timestamp) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	pt := c.now().UnixMilli()
	if c.maxDrift > 0 {
		drift := pt - remote.Physical
		if drift < 0 {
			drift = -drift
		}
		if maxMs := c.maxDrift.Milliseconds(); drift > maxMs {
			return &ClockDriftError{DriftMs: drift, MaxMs: maxMs}
		}
	}

	prevPhysical, prevLogical := c.physical, c.logical
	next := prevPhysical
	if pt > next {
		next = pt
	}
	if remote.Physical > next {
		next = remote.Physical
	}

	switch {
	case next == prevPhysical && next == remote.Physical:
		c.logical = max32(prevLogical, remote.Logical)
		c.physical = next
		c.bumpLogical()
	case next == prevPhysical:
		c.bumpLogical()
	case next == remote.Physical:
		c.physical = next
		c.logical = remote.Logical
		c.bumpLogical()
	default:
		c.physical = next
		c.logical = 0
	}
	return nil
}

// Last returns the most recent state without advancing the clock.
func (c *Clock) Last() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Timestamp{Physical: c.physical, Logical: c.logical, Node: c.node}
}

// bumpLogical advances the logical counter, carrying into the physical
// component on overflow so the clock never goes backwards.
func (c *Clock) bumpLogical() {
	if c.logical == math.MaxUint32 {
		c.physical++
		c.logical = 0
		return
	}
	c.logical++
}

func max32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
