package kernel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/Mindburn-Labs/helm-fabric/pkg/hlc"
)

const (
	// encodingVersion prefixes every canonical encoding.
	encodingVersion byte = 1

	// MaxPayloadSize bounds a single event payload.
	MaxPayloadSize = 8 * 1024 * 1024

	maxParents = math.MaxUint16
)

// ErrMalformedEncoding is returned when canonical bytes cannot be decoded.
var ErrMalformedEncoding = errors.New("malformed kernel event encoding")

// Encode returns the canonical byte encoding of the event. The chain hash is
// not part of the encoding; it is derived from it.
//
// Layout (big endian):
//
//	version u8 | sequence u64 | id str16 | producer str16 | stage str16 |
//	physical i64 | logical u32 | node str16 | genesis u8 |
//	parent_count u16 | parents str16... | payload_len u32 | payload
func Encode(e *KernelEvent) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	if len(e.Parents) > maxParents {
		return nil, fmt.Errorf("kernel event %s: %d parents exceeds %d", e.ID, len(e.Parents), maxParents)
	}

	size := 1 + 8 + 8 + 4 + 1 + 2 + 4 + len(e.Payload)
	for _, s := range []string{string(e.ID), string(e.Producer), string(e.Stage), e.Timestamp.Node} {
		size += 2 + len(s)
	}
	for _, p := range e.Parents {
		size += 2 + len(p)
	}

	buf := make([]byte, 0, size)
	buf = append(buf, encodingVersion)
	buf = binary.BigEndian.AppendUint64(buf, e.Sequence)

	var err error
	if buf, err = appendString(buf, string(e.ID)); err != nil {
		return nil, err
	}
	if buf, err = appendString(buf, string(e.Producer)); err != nil {
		return nil, err
	}
	if buf, err = appendString(buf, string(e.Stage)); err != nil {
		return nil, err
	}

	buf = binary.BigEndian.AppendUint64(buf, uint64(e.Timestamp.Physical))
	buf = binary.BigEndian.AppendUint32(buf, e.Timestamp.Logical)
	if buf, err = appendString(buf, e.Timestamp.Node); err != nil {
		return nil, err
	}

	if e.Genesis {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}

	buf = binary.BigEndian.AppendUint16(buf, uint16(len(e.Parents)))
	for _, p := range e.Parents {
		if buf, err = appendString(buf, string(p)); err != nil {
			return nil, err
		}
	}

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(e.Payload)))
	buf = append(buf, e.Payload...)
	return buf, nil
}

// Decode parses a canonical encoding produced by Encode.
func Decode(data []byte) (*KernelEvent, error) {
	d := decoder{buf: data}

	version := d.byte()
	if d.err == nil && version != encodingVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedEncoding, version)
	}

	e := &KernelEvent{}
	e.Sequence = d.uint64()
	e.ID = EventID(d.string())
	e.Producer = WorldlineID(d.string())
	e.Stage = ResonanceStage(d.string())
	e.Timestamp = hlc.Timestamp{
		Physical: int64(d.uint64()),
		Logical:  d.uint32(),
		Node:     d.string(),
	}
	e.Genesis = d.byte() == 1

	n := int(d.uint16())
	if n > 0 {
		e.Parents = make([]EventID, 0, n)
		for i := 0; i < n && d.err == nil; i++ {
			e.Parents = append(e.Parents, EventID(d.string()))
		}
	}

	plen := int(d.uint32())
	if d.err == nil && plen > MaxPayloadSize {
		return nil, fmt.Errorf("%w: payload length %d", ErrMalformedEncoding, plen)
	}
	if p := d.bytes(plen); len(p) > 0 {
		e.Payload = append([]byte(nil), p...)
	}

	if d.err != nil {
		return nil, d.err
	}
	if len(d.buf) != d.off {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedEncoding, len(d.buf)-d.off)
	}
	return e, nil
}

func appendString(buf []byte, s string) ([]byte, error) {
	if len(s) > math.MaxUint16 {
		return nil, fmt.Errorf("kernel event field of %d bytes exceeds %d", len(s), math.MaxUint16)
	}
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...), nil
}

type decoder struct {
	buf []byte
	off int
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || d.off+n > len(d.buf) {
		d.err = fmt.Errorf("%w: truncated at offset %d", ErrMalformedEncoding, d.off)
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) byte() byte {
	if b := d.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (d *decoder) uint16() uint16 {
	if b := d.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (d *decoder) uint32() uint32 {
	if b := d.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (d *decoder) uint64() uint64 {
	if b := d.take(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

func (d *decoder) string() string {
	n := int(d.uint16())
	return string(d.take(n))
}

func (d *decoder) bytes(n int) []byte {
	return d.take(n)
}
