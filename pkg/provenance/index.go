// Package provenance maintains the causal DAG of Fabric events.
//
// The Index is normally subscribed to the Fabric for all stages and receives
// events in append order. It refuses events whose parents it has not seen,
// parentless events that are not genesis, and duplicates. Lookups take a
// read lock and may run concurrently with each other; inserts are exclusive.
package provenance

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/Mindburn-Labs/helm-fabric/pkg/kernel"
)

// maxViolations bounds the violation log.
const maxViolations = 1024

// Violation is one rejected event recorded while consuming the Fabric.
type Violation struct {
	EventID  kernel.EventID `json:"event_id"`
	Sequence uint64         `json:"sequence"`
	Error    string         `json:"error"`
	At       time.Time      `json:"at"`
	Err      error          `json:"-"`
}

type node struct {
	id       kernel.EventID
	sequence uint64
	parents  []kernel.EventID
	children []kernel.EventID
	genesis  bool
}

// dag is the index state. It is swapped wholesale by RebuildFrom.
type dag struct {
	nodes    map[kernel.EventID]*node
	order    []kernel.EventID
	frontier map[kernel.EventID]struct{}
	lastSeq  uint64
}

func newDAG() *dag {
	return &dag{
		nodes:    make(map[kernel.EventID]*node),
		frontier: make(map[kernel.EventID]struct{}),
	}
}

// check validates ev against the current state without mutating it.
func (d *dag) check(ev *kernel.KernelEvent) error {
	if _, dup := d.nodes[ev.ID]; dup {
		return &DuplicateEventError{ID: ev.ID}
	}
	if len(ev.Parents) == 0 && !ev.Genesis {
		return &NoParentsNonGenesisError{ID: ev.ID}
	}
	if ev.Genesis {
		return nil
	}
	for _, p := range ev.Parents {
		if _, ok := d.nodes[p]; !ok {
			return &kernel.MissingParentError{Child: ev.ID, Parent: p}
		}
	}
	return nil
}

// add links a node whose validity has been established.
func (d *dag) add(id kernel.EventID, seq uint64, parents []kernel.EventID, genesis bool) {
	n := &node{
		id:       id,
		sequence: seq,
		parents:  slices.Clone(parents),
		genesis:  genesis,
	}
	d.nodes[id] = n
	d.order = append(d.order, id)
	for _, p := range n.parents {
		parent, ok := d.nodes[p]
		if !ok {
			continue
		}
		if !slices.Contains(parent.children, id) {
			parent.children = append(parent.children, id)
		}
		delete(d.frontier, p)
	}
	d.frontier[id] = struct{}{}
	if seq > d.lastSeq {
		d.lastSeq = seq
	}
}

func (d *dag) insert(ev *kernel.KernelEvent) error {
	if err := d.check(ev); err != nil {
		return err
	}
	d.add(ev.ID, ev.Sequence, kernel.NormalizeParents(ev.Parents), ev.Genesis)
	return nil
}

func (d *dag) sortedFrontier() []kernel.EventID {
	out := make([]kernel.EventID, 0, len(d.frontier))
	for id := range d.frontier {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Index is the Provenance Index. The zero value is not usable; use New.
type Index struct {
	mu     sync.RWMutex
	state  *dag
	logger *slog.Logger

	vmu        sync.Mutex
	violations []Violation
}

// Option configures an Index.
type Option func(*Index)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(x *Index) { x.logger = l.With("component", "provenance") }
}

// New returns an empty index.
func New(opts ...Option) *Index {
	x := &Index{
		state:  newDAG(),
		logger: slog.Default().With("component", "provenance"),
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Insert adds ev to the DAG. On any error the index is unchanged.
func (x *Index) Insert(ev *kernel.KernelEvent) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.state.insert(ev)
}

// ChildrenOf returns the known children of id in discovery order. An unknown
// id or a leaf yields an empty slice.
func (x *Index) ChildrenOf(id kernel.EventID) []kernel.EventID {
	x.mu.RLock()
	defer x.mu.RUnlock()
	n, ok := x.state.nodes[id]
	if !ok {
		return []kernel.EventID{}
	}
	return append([]kernel.EventID{}, n.children...)
}

// ParentsOf returns the declared parents of id and whether id is indexed.
func (x *Index) ParentsOf(id kernel.EventID) ([]kernel.EventID, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	n, ok := x.state.nodes[id]
	if !ok {
		return nil, false
	}
	return slices.Clone(n.parents), true
}

// Contains reports whether id is indexed. It satisfies fabric.ParentLookup.
func (x *Index) Contains(id kernel.EventID) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.state.nodes[id]
	return ok
}

// Len returns the number of indexed nodes.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.state.nodes)
}

// IDs returns every indexed event ID in insertion order.
func (x *Index) IDs() []kernel.EventID {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return slices.Clone(x.state.order)
}

// Frontier returns the indexed nodes with no indexed children, sorted.
func (x *Index) Frontier() []kernel.EventID {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.state.sortedFrontier()
}

// LastSequence is the highest sequence number indexed.
func (x *Index) LastSequence() uint64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.state.lastSeq
}

// OnEvent implements fabric.FabricConsumer. Rejected events are recorded as
// violations and the error is returned so the Fabric counts a failed delivery.
func (x *Index) OnEvent(_ context.Context, ev *kernel.KernelEvent) error {
	if err := x.Insert(ev); err != nil {
		x.recordViolation(ev, err)
		return err
	}
	return nil
}

// SubscribedStages implements fabric.FabricConsumer: the index needs every stage.
func (x *Index) SubscribedStages() kernel.StageFilter { return kernel.AllStages() }

func (x *Index) recordViolation(ev *kernel.KernelEvent, err error) {
	x.logger.Warn("provenance violation",
		"event_id", ev.ID,
		"sequence", ev.Sequence,
		"error", err,
	)
	v := Violation{EventID: ev.ID, Sequence: ev.Sequence, Error: err.Error(), At: time.Now().UTC(), Err: err}

	x.vmu.Lock()
	defer x.vmu.Unlock()
	if len(x.violations) >= maxViolations {
		copy(x.violations, x.violations[1:])
		x.violations = x.violations[:maxViolations-1]
	}
	x.violations = append(x.violations, v)
}

// Violations returns the most recent rejected events, oldest first.
func (x *Index) Violations() []Violation {
	x.vmu.Lock()
	defer x.vmu.Unlock()
	return slices.Clone(x.violations)
}
