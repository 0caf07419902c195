// Package checkpoint persists Provenance Index checkpoints so governed
// compaction can check that a checkpoint was recorded before the WAL
// segments it covers are discarded.
//
// Every backend verifies the checkpoint digest on Save and on load. Saving a
// checkpoint at a sequence that already holds one is idempotent when the
// digests match and a conflict otherwise.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/helm-fabric/pkg/kernel"
)

var (
	// ErrNotFound is returned when no checkpoint exists at a sequence.
	ErrNotFound = errors.New("checkpoint not found")
	// ErrConflict is returned when a different checkpoint already exists at
	// the same sequence.
	ErrConflict = errors.New("checkpoint conflict")
)

// Store is the durable checkpoint registry. It satisfies
// fabric.CheckpointRegistry.
type Store interface {
	// Save records cp. cp must be sealed.
	Save(ctx context.Context, cp *kernel.Checkpoint) error

	// Get returns the checkpoint recorded at seq.
	Get(ctx context.Context, seq uint64) (*kernel.Checkpoint, error)

	// Latest returns the checkpoint with the highest sequence.
	Latest(ctx context.Context) (*kernel.Checkpoint, error)

	// List summarizes every recorded checkpoint in ascending sequence order.
	List(ctx context.Context) ([]Summary, error)

	Close() error
}

// Summary describes one stored checkpoint without its node table.
type Summary struct {
	Sequence  uint64    `json:"sequence"`
	Digest    string    `json:"digest"`
	CreatedAt time.Time `json:"created_at"`
	Frontier  int       `json:"frontier"`
	Nodes     int       `json:"nodes"`
}

const timeLayout = time.RFC3339Nano

func parseTime(s string) (time.Time, error) { return time.Parse(timeLayout, s) }

func summarize(cp *kernel.Checkpoint) Summary {
	return Summary{
		Sequence:  cp.Sequence,
		Digest:    cp.Digest,
		CreatedAt: cp.CreatedAt,
		Frontier:  len(cp.Frontier),
		Nodes:     len(cp.Nodes),
	}
}

// NotFoundError reports a missing checkpoint.
type NotFoundError struct {
	Sequence uint64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no checkpoint at sequence %d", e.Sequence)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ConflictError reports an attempt to overwrite a checkpoint.
type ConflictError struct {
	Sequence uint64
	Existing string
	Incoming string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("checkpoint at sequence %d already recorded with digest %s (got %s)", e.Sequence, e.Existing, e.Incoming)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

func checkSealed(cp *kernel.Checkpoint) error {
	if cp == nil {
		return errors.New("checkpoint: nil checkpoint")
	}
	if cp.Digest == "" {
		return errors.New("checkpoint: not sealed")
	}
	return cp.Verify()
}

// reconcile decides the outcome of saving incoming over existing.
func reconcile(existing, incoming *kernel.Checkpoint) error {
	if existing.Digest == incoming.Digest {
		return nil
	}
	return &ConflictError{Sequence: incoming.Sequence, Existing: existing.Digest, Incoming: incoming.Digest}
}
