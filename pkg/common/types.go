package common

import (
	"encoding/binary"
	"fmt"
)

// KeyType is the fixed-width user key. Keys are serialized big-endian on
// disk so that lexicographic order equals numeric order.
type KeyType uint64

// ValueType is an opaque byte value.
type ValueType []byte

// KeySize is the serialized width of a KeyType.
const KeySize = 8

// MaxKey is the largest representable key, used as an open upper bound.
const MaxKey = KeyType(^uint64(0))

// EncodeKey serializes k big-endian.
func EncodeKey(k KeyType) []byte {
	buf := make([]byte, KeySize)
	binary.BigEndian.PutUint64(buf, uint64(k))
	return buf
}

// DecodeKey reads a big-endian key from the first 8 bytes of buf.
func DecodeKey(buf []byte) KeyType {
	return KeyType(binary.BigEndian.Uint64(buf))
}

// Record is the basic unit stored in memory and on disk.
type Record struct {
	Key   KeyType
	Value ValueType
}

func (r *Record) String() string {
	return fmt.Sprintf("Record{Key: %d, ValLen: %d}", r.Key, len(r.Value))
}

// EntryKind distinguishes writes from deletes in the write buffer. A
// delete must be remembered explicitly because the key may still exist
// on disk.
type EntryKind uint8

const (
	EntryWrite  EntryKind = 0
	EntryDelete EntryKind = 1
)

// SequenceNumber tags each write-buffer entry. The most significant 56
// bits hold a monotone counter; the least significant byte holds the
// EntryKind. Because counters are never reused, entries for the same key
// can be ordered newest-first by comparing tags directly.
type SequenceNumber uint64

// MaxSequenceNumber is used as a probe tag so that a seek lands on the
// newest entry for a key.
const MaxSequenceNumber = SequenceNumber(^uint64(0))

// NewSequenceNumber combines a counter value with an entry kind.
func NewSequenceNumber(counter uint64, kind EntryKind) SequenceNumber {
	return SequenceNumber(counter<<8 | uint64(kind))
}

// Kind extracts the entry kind from the tag.
func (s SequenceNumber) Kind() EntryKind {
	return EntryKind(s & 0xFF)
}

// Counter extracts the monotone counter from the tag.
func (s SequenceNumber) Counter() uint64 {
	return uint64(s >> 8)
}
