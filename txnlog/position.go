// Package txnlog implements the transaction log: named stores of rotating
// append-only segment files written at commit time and consumed externally
// (change-data-capture, replication feeds). A store tracks which written
// positions have finished their engine commit, correlates committed
// positions with engine durability sequence numbers, and persists a
// conservative replay start point across crashes.
package txnlog

import "encoding/binary"

// Position identifies a point in a log store: a byte offset within the
// segment with the given sequence number. Ordered by (Seq, Offset).
type Position struct {
	Seq    uint64 `json:"seq"`
	Offset int64  `json:"offset"`
}

// Less orders positions by segment sequence, then offset.
func (p Position) Less(o Position) bool {
	if p.Seq != o.Seq {
		return p.Seq < o.Seq
	}
	return p.Offset < o.Offset
}

// IsZero reports the zero position. Segment numbering starts at 1, so
// the zero position sits before any real entry.
func (p Position) IsZero() bool {
	return p.Seq == 0 && p.Offset == 0
}

// On-disk packing for the flush tracker: one uint64, segment sequence in
// the high 24 bits, byte offset in the low 40 bits. 2^40 bytes per segment
// is far above any configurable segment size.
const (
	positionOffsetBits = 40
	positionOffsetMask = (uint64(1) << positionOffsetBits) - 1
)

// Encode packs the position into its fixed 8-byte representation.
func (p Position) Encode() uint64 {
	return p.Seq<<positionOffsetBits | uint64(p.Offset)&positionOffsetMask
}

// DecodePosition unpacks an encoded position.
func DecodePosition(v uint64) Position {
	return Position{
		Seq:    v >> positionOffsetBits,
		Offset: int64(v & positionOffsetMask),
	}
}

// MarshalPosition writes the 8-byte big-endian form used by the flush
// tracker file.
func MarshalPosition(p Position) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, p.Encode())
	return buf
}

// UnmarshalPosition reads the tracker record form.
func UnmarshalPosition(buf []byte) (Position, bool) {
	if len(buf) != 8 {
		return Position{}, false
	}
	return DecodePosition(binary.BigEndian.Uint64(buf)), true
}
