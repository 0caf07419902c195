package kernel

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Digest is a SHA-256 sized chain hash.
type Digest [sha256.Size]byte

// Hex returns the lower-case hex form of the digest.
func (d Digest) Hex() string { return hex.EncodeToString(d[:]) }

func (d Digest) String() string { return d.Hex() }

// IsZero reports whether the digest is unset.
func (d Digest) IsZero() bool { return d == Digest{} }

// MarshalJSON encodes the digest as a hex string.
func (d Digest) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Hex())
}

// UnmarshalJSON decodes a hex string digest.
func (d *Digest) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseDigest(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ParseDigest parses a hex-encoded digest.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	raw, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("invalid digest hex: %w", err)
	}
	if len(raw) != len(d) {
		return d, fmt.Errorf("invalid digest length %d", len(raw))
	}
	copy(d[:], raw)
	return d, nil
}

const segmentSeedDomain = "helm-fabric/segment/v1"

// ChainHasher computes the per-segment hash chain:
//
//	chain[0]   = H(seed)
//	chain[i+1] = H(chain[i] || canonical(event))
//
// H is SHA-256, or HMAC-SHA256 under a per-segment key when a chain key is
// configured. The chain restarts at every segment boundary so verification
// cost is bounded by the segment size.
type ChainHasher struct {
	key []byte
}

// NewChainHasher returns a hasher for the segment starting at firstSeq.
// A nil chainKey selects plain SHA-256.
func NewChainHasher(chainKey []byte, firstSeq uint64) (*ChainHasher, error) {
	if len(chainKey) == 0 {
		return &ChainHasher{}, nil
	}
	k, err := ChainKeyFor(chainKey, firstSeq)
	if err != nil {
		return nil, err
	}
	return &ChainHasher{key: k}, nil
}

// ChainKeyFor derives the HMAC key for one segment from the operator chain key.
func ChainKeyFor(chainKey []byte, firstSeq uint64) ([]byte, error) {
	info := binary.BigEndian.AppendUint64([]byte(segmentSeedDomain), firstSeq)
	r := hkdf.New(sha256.New, chainKey, []byte("helm-fabric-wal"), info)
	k := make([]byte, sha256.Size)
	if _, err := io.ReadFull(r, k); err != nil {
		return nil, fmt.Errorf("chain key derivation failed: %w", err)
	}
	return k, nil
}

func (c *ChainHasher) newHash() hash.Hash {
	if c.key != nil {
		return hmac.New(sha256.New, c.key)
	}
	return sha256.New()
}

// Seed returns the chain value preceding the first record of the segment.
func (c *ChainHasher) Seed(firstSeq uint64) Digest {
	h := c.newHash()
	h.Write([]byte(segmentSeedDomain))
	h.Write(binary.BigEndian.AppendUint64(nil, firstSeq))
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

// Next chains one canonical event encoding onto prev.
func (c *ChainHasher) Next(prev Digest, canonical []byte) Digest {
	h := c.newHash()
	h.Write(prev[:])
	h.Write(canonical)
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}
