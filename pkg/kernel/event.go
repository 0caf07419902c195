// Package kernel defines the immutable event record shared by the Event
// Fabric, the WAL store and the Provenance Index.
//
// A KernelEvent is created exactly once by the Fabric, sequenced and chained
// by the WAL, and never mutated afterwards. Payloads are opaque to this
// package; only higher layers interpret them.
package kernel

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/helm-fabric/pkg/hlc"
)

// WorldlineID is the stable identity of an event-producing entity.
// It is owned by the identity subsystem and only referenced here.
type WorldlineID string

// EventID uniquely identifies one event. Assigned at emit time.
type EventID string

// ResonanceStage tags the lifecycle phase of an event. It is used for
// subscription filtering only, never for ordering.
type ResonanceStage string

const (
	StageDeclared  ResonanceStage = "declared"
	StageDecided   ResonanceStage = "decided"
	StageCommitted ResonanceStage = "committed"
)

// KernelEvent is the append-only record stored in the WAL.
type KernelEvent struct {
	ID        EventID        `json:"id"`
	Sequence  uint64         `json:"sequence"`
	Producer  WorldlineID    `json:"producer"`
	Stage     ResonanceStage `json:"stage"`
	Timestamp hlc.Timestamp  `json:"timestamp"`
	Parents   []EventID      `json:"parents,omitempty"`
	Genesis   bool           `json:"genesis,omitempty"`
	Payload   []byte         `json:"payload,omitempty"`
	ChainHash Digest         `json:"chain_hash"`
}

// NewEventID returns a fresh, time-ordered event identifier.
func NewEventID() EventID {
	id, err := uuid.NewV7()
	if err != nil {
		return EventID(uuid.NewString())
	}
	return EventID(id.String())
}

// NormalizeWorldline returns the NFC form of a producer identity so that the
// canonical encoding does not depend on how the identifier was composed.
func NormalizeWorldline(id WorldlineID) WorldlineID {
	return WorldlineID(norm.NFC.String(strings.TrimSpace(string(id))))
}

// NormalizeStage returns the canonical (NFC, lower-case) form of a stage tag.
func NormalizeStage(s ResonanceStage) ResonanceStage {
	return ResonanceStage(strings.ToLower(norm.NFC.String(strings.TrimSpace(string(s)))))
}

// NormalizeParents de-duplicates a parent list while keeping first-seen order.
func NormalizeParents(parents []EventID) []EventID {
	if len(parents) == 0 {
		return nil
	}
	seen := make(map[EventID]struct{}, len(parents))
	out := make([]EventID, 0, len(parents))
	for _, p := range parents {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// Validate checks the structural requirements of an event before encoding.
func (e *KernelEvent) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("kernel event: empty id")
	}
	if e.Producer == "" {
		return fmt.Errorf("kernel event %s: empty producer", e.ID)
	}
	if e.Stage == "" {
		return fmt.Errorf("kernel event %s: empty stage", e.ID)
	}
	for _, p := range e.Parents {
		if p == "" {
			return fmt.Errorf("kernel event %s: empty parent id", e.ID)
		}
	}
	if len(e.Payload) > MaxPayloadSize {
		return fmt.Errorf("kernel event %s: payload %d bytes exceeds %d", e.ID, len(e.Payload), MaxPayloadSize)
	}
	return nil
}

// Clone returns a deep copy so callers cannot alias stored slices.
func (e *KernelEvent) Clone() *KernelEvent {
	if e == nil {
		return nil
	}
	c := *e
	if e.Parents != nil {
		c.Parents = append([]EventID(nil), e.Parents...)
	}
	if e.Payload != nil {
		c.Payload = append([]byte(nil), e.Payload...)
	}
	return &c
}

// StageFilter selects which stages a subscriber receives. The zero value
// selects all stages; OnlyStages with no arguments selects none.
type StageFilter struct {
	only   bool
	stages map[ResonanceStage]struct{}
}

// AllStages matches every event.
func AllStages() StageFilter {
	return StageFilter{}
}

// OnlyStages matches events whose stage is one of the given values.
func OnlyStages(stages ...ResonanceStage) StageFilter {
	f := StageFilter{only: true, stages: make(map[ResonanceStage]struct{}, len(stages))}
	for _, s := range stages {
		f.stages[NormalizeStage(s)] = struct{}{}
	}
	return f
}

// IsAll reports whether the filter matches every stage.
func (f StageFilter) IsAll() bool { return !f.only }

// Matches reports whether an event with the given stage passes the filter.
func (f StageFilter) Matches(stage ResonanceStage) bool {
	if !f.only {
		return true
	}
	_, ok := f.stages[stage]
	return ok
}

// Stages returns the explicit stage set in sorted order, or nil for AllStages.
func (f StageFilter) Stages() []ResonanceStage {
	if !f.only {
		return nil
	}
	out := make([]ResonanceStage, 0, len(f.stages))
	for s := range f.stages {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (f StageFilter) String() string {
	if !f.only {
		return "all"
	}
	parts := make([]string, 0, len(f.stages))
	for _, s := range f.Stages() {
		parts = append(parts, string(s))
	}
	return "only(" + strings.Join(parts, ",") + ")"
}
