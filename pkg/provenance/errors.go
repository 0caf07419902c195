package provenance

import (
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/helm-fabric/pkg/kernel"
)

var (
	ErrDuplicateEvent      = errors.New("duplicate event")
	ErrNoParentsNonGenesis = errors.New("event has no parents but is not genesis")
	ErrCheckpoint          = errors.New("checkpoint cannot be reconciled")
)

// DuplicateEventError rejects a second insert of an indexed event.
type DuplicateEventError struct {
	ID kernel.EventID
}

func (e *DuplicateEventError) Error() string {
	return fmt.Sprintf("event %s is already indexed", e.ID)
}

func (e *DuplicateEventError) Is(target error) bool { return target == ErrDuplicateEvent }

// NoParentsNonGenesisError rejects a parentless event not flagged genesis.
type NoParentsNonGenesisError struct {
	ID kernel.EventID
}

func (e *NoParentsNonGenesisError) Error() string {
	return fmt.Sprintf("event %s declares no parents and is not genesis", e.ID)
}

func (e *NoParentsNonGenesisError) Is(target error) bool { return target == ErrNoParentsNonGenesis }

// CheckpointError reports a checkpoint that cannot seed a rebuild.
type CheckpointError struct {
	Sequence uint64
	Reason   string
	Err      error
}

func (e *CheckpointError) Error() string {
	msg := fmt.Sprintf("checkpoint at %d: %s", e.Sequence, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CheckpointError) Is(target error) bool { return target == ErrCheckpoint }

func (e *CheckpointError) Unwrap() error { return e.Err }
