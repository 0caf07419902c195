package kernel

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

// ErrCheckpointDigest is returned when a checkpoint's digest does not match its content.
var ErrCheckpointDigest = errors.New("checkpoint digest mismatch")

// CheckpointNode is the persisted form of one provenance DAG node.
type CheckpointNode struct {
	ID       EventID   `json:"id"`
	Sequence uint64    `json:"sequence,omitempty"`
	Parents  []EventID `json:"parents,omitempty"`
	Genesis  bool      `json:"genesis,omitempty"`
}

// Checkpoint is a Provenance Index snapshot: the last sequence number fully
// indexed, the DAG frontier (nodes with no indexed children) and optionally
// the node table so compaction loses no causal information.
type Checkpoint struct {
	Sequence  uint64           `json:"sequence"`
	Frontier  []EventID        `json:"frontier"`
	Nodes     []CheckpointNode `json:"nodes,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	Digest    string           `json:"digest,omitempty"`
}

// ComputeDigest returns the SHA-256 of the RFC 8785 canonical JSON of the
// checkpoint's causal content. CreatedAt is excluded so storage backends
// with coarser timestamps do not invalidate the digest.
func (c *Checkpoint) ComputeDigest() (string, error) {
	body := struct {
		Sequence uint64           `json:"sequence"`
		Frontier []EventID        `json:"frontier"`
		Nodes    []CheckpointNode `json:"nodes,omitempty"`
	}{c.Sequence, c.Frontier, c.Nodes}
	if body.Frontier == nil {
		body.Frontier = []EventID{}
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("checkpoint marshal: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("checkpoint canonicalize: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// Seal computes and stores the digest.
func (c *Checkpoint) Seal() error {
	d, err := c.ComputeDigest()
	if err != nil {
		return err
	}
	c.Digest = d
	return nil
}

// Verify checks that the stored digest matches the content.
func (c *Checkpoint) Verify() error {
	d, err := c.ComputeDigest()
	if err != nil {
		return err
	}
	if c.Digest != d {
		return fmt.Errorf("%w: checkpoint at %d: stored %q, computed %q", ErrCheckpointDigest, c.Sequence, c.Digest, d)
	}
	return nil
}
