package storage

import (
	"bytes"
	"encoding/binary"
	"math"
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/SYaoJun/treeline/pkg/common"
	"github.com/SYaoJun/treeline/pkg/model"
)

// PageSize is the fixed on-disk page frame size.
const PageSize = 4096

// On-disk page layout:
//
//	0:2    record count
//	2:4    end of the record heap (offset of first free byte)
//	4:6    lower fence length
//	6:8    upper fence length (0 = open upper bound)
//	8:9    flags (bit 0: model line present)
//	9:16   reserved
//	16:24  overflow segment id (0 = none)
//	24:40  model line (slope, intercept), first page of a segment only
//	40:    fence key bytes (lower, then upper)
//
// Records are appended to a heap growing up from the fence bytes; the
// slot directory grows down from the trailer, one 2-byte offset per
// record, kept sorted by key suffix. The last 8 bytes of every page are
// the segment wrap trailer (sequence number + checksum).
const (
	offCount     = 0
	offHeapEnd   = 2
	offLowerLen  = 4
	offUpperLen  = 6
	offFlags     = 8
	offOverflow  = 16
	offSlope     = 24
	offIntercept = 32
	headerSize   = 40

	trailerSize  = 8
	trailerStart = PageSize - trailerSize

	flagHasModel = 1 << 0

	// PerRecordMetadataSize is the bookkeeping cost per stored record:
	// a slot entry plus the two length prefixes.
	PerRecordMetadataSize = 6
)

// ErrPageFull is returned by Put when the page has no room left.
var ErrPageFull = errors.New("page full")

// UsableSize returns the page bytes available for fences, records, and
// slots.
func UsableSize() int {
	return PageSize - headerSize - trailerSize
}

// Page is a view over a PageSize byte frame. It does not own the frame.
type Page struct {
	buf []byte
}

func NewPage(buf []byte) Page {
	return Page{buf: buf}
}

// InitPage formats buf as an empty page with the given fence keys. The
// upper fence is exclusive; common.MaxKey stands for an open bound.
func InitPage(buf []byte, lower, upper common.KeyType) Page {
	for i := range buf[:PageSize] {
		buf[i] = 0
	}
	p := Page{buf: buf}
	lowerBytes := common.EncodeKey(lower)
	copy(p.buf[headerSize:], lowerBytes)
	p.setU16(offLowerLen, common.KeySize)
	heapStart := headerSize + common.KeySize
	if upper != common.MaxKey {
		copy(p.buf[heapStart:], common.EncodeKey(upper))
		p.setU16(offUpperLen, common.KeySize)
		heapStart += common.KeySize
	}
	p.setU16(offHeapEnd, uint16(heapStart))
	return p
}

func (p Page) Data() []byte { return p.buf[:PageSize] }

func (p Page) getU16(off int) uint16    { return binary.LittleEndian.Uint16(p.buf[off:]) }
func (p Page) setU16(off int, v uint16) { binary.LittleEndian.PutUint16(p.buf[off:], v) }

func (p Page) RecordCount() int { return int(p.getU16(offCount)) }

func (p Page) lowerBytes() []byte {
	n := int(p.getU16(offLowerLen))
	return p.buf[headerSize : headerSize+n]
}

func (p Page) upperBytes() []byte {
	lo := int(p.getU16(offLowerLen))
	n := int(p.getU16(offUpperLen))
	return p.buf[headerSize+lo : headerSize+lo+n]
}

// LowerBoundary returns the smallest key that may live on this page.
func (p Page) LowerBoundary() common.KeyType {
	return common.DecodeKey(p.lowerBytes())
}

// UpperBoundary returns the exclusive upper bound; common.MaxKey when
// the bound is open.
func (p Page) UpperBoundary() common.KeyType {
	u := p.upperBytes()
	if len(u) == 0 {
		return common.MaxKey
	}
	return common.DecodeKey(u)
}

// KeyPrefix is the byte prefix shared by every key on this page, as
// induced by the fences.
func (p Page) KeyPrefix() []byte {
	lower, upper := p.lowerBytes(), p.upperBytes()
	if len(upper) == 0 {
		return nil
	}
	n := 0
	for n < len(lower) && n < len(upper) && lower[n] == upper[n] {
		n++
	}
	return lower[:n]
}

func (p Page) HasOverflow() bool {
	return binary.LittleEndian.Uint64(p.buf[offOverflow:]) != 0
}

func (p Page) Overflow() SegmentId {
	return DecodeSegmentId(binary.LittleEndian.Uint64(p.buf[offOverflow:]))
}

func (p Page) SetOverflow(id SegmentId) {
	binary.LittleEndian.PutUint64(p.buf[offOverflow:], id.Encode())
}

func (p Page) ClearOverflow() {
	binary.LittleEndian.PutUint64(p.buf[offOverflow:], 0)
}

func (p Page) HasModel() bool { return p.buf[offFlags]&flagHasModel != 0 }

func (p Page) Model() model.Line {
	return model.Line{
		Slope:     math.Float64frombits(binary.LittleEndian.Uint64(p.buf[offSlope:])),
		Intercept: math.Float64frombits(binary.LittleEndian.Uint64(p.buf[offIntercept:])),
	}
}

func (p Page) SetModel(line model.Line) {
	binary.LittleEndian.PutUint64(p.buf[offSlope:], math.Float64bits(line.Slope))
	binary.LittleEndian.PutUint64(p.buf[offIntercept:], math.Float64bits(line.Intercept))
	p.buf[offFlags] |= flagHasModel
}

// slotOffset returns the byte position of slot i's entry in the
// directory. Slot 0 sits immediately below the trailer.
func slotOffset(i int) int {
	return trailerStart - 2*(i+1)
}

func (p Page) recordAt(slot int) (suffix, value []byte) {
	off := int(p.getU16(slotOffset(slot)))
	suffixLen := int(binary.LittleEndian.Uint16(p.buf[off:]))
	valueLen := int(binary.LittleEndian.Uint16(p.buf[off+2:]))
	start := off + 4
	return p.buf[start : start+suffixLen], p.buf[start+suffixLen : start+suffixLen+valueLen]
}

func (p Page) keyAt(slot int) common.KeyType {
	suffix, _ := p.recordAt(slot)
	full := make([]byte, 0, common.KeySize)
	full = append(full, p.KeyPrefix()...)
	full = append(full, suffix...)
	return common.DecodeKey(full)
}

func (p Page) suffixFor(key common.KeyType) []byte {
	return common.EncodeKey(key)[len(p.KeyPrefix()):]
}

// findSlot binary-searches the directory for suffix. It returns the
// insertion position and whether an exact match exists there.
func (p Page) findSlot(suffix []byte) (int, bool) {
	n := p.RecordCount()
	i := sort.Search(n, func(i int) bool {
		s, _ := p.recordAt(i)
		return bytes.Compare(s, suffix) >= 0
	})
	if i < n {
		s, _ := p.recordAt(i)
		if bytes.Equal(s, suffix) {
			return i, true
		}
	}
	return i, false
}

// FreeSpace returns the bytes left between the record heap and the slot
// directory.
func (p Page) FreeSpace() int {
	return slotOffset(p.RecordCount()-1) - int(p.getU16(offHeapEnd))
}

// Put inserts or replaces the record for key. A replace appends new
// record bytes and abandons the old ones; abandoned space is reclaimed
// only when the page is rewritten. Returns ErrPageFull when the record
// does not fit.
func (p Page) Put(key common.KeyType, value common.ValueType) error {
	suffix := p.suffixFor(key)
	pos, exists := p.findSlot(suffix)
	need := 4 + len(suffix) + len(value)
	if !exists {
		need += 2 // new slot entry
	}
	if p.FreeSpace() < need {
		return errors.Wrapf(ErrPageFull, "key %d", key)
	}

	heapEnd := int(p.getU16(offHeapEnd))
	binary.LittleEndian.PutUint16(p.buf[heapEnd:], uint16(len(suffix)))
	binary.LittleEndian.PutUint16(p.buf[heapEnd+2:], uint16(len(value)))
	copy(p.buf[heapEnd+4:], suffix)
	copy(p.buf[heapEnd+4+len(suffix):], value)
	p.setU16(offHeapEnd, uint16(heapEnd+4+len(suffix)+len(value)))

	if exists {
		p.setU16(slotOffset(pos), uint16(heapEnd))
		return nil
	}

	// Shift slots [pos, n) down one entry to keep the directory sorted.
	n := p.RecordCount()
	for i := n; i > pos; i-- {
		p.setU16(slotOffset(i), p.getU16(slotOffset(i-1)))
	}
	p.setU16(slotOffset(pos), uint16(heapEnd))
	p.setU16(offCount, uint16(n+1))
	return nil
}

// Get returns the value stored for key.
func (p Page) Get(key common.KeyType) (common.ValueType, bool) {
	pos, exists := p.findSlot(p.suffixFor(key))
	if !exists {
		return nil, false
	}
	_, value := p.recordAt(pos)
	return value, true
}

// Delete removes key's record. The record bytes become garbage; only
// the slot is reclaimed.
func (p Page) Delete(key common.KeyType) bool {
	pos, exists := p.findSlot(p.suffixFor(key))
	if !exists {
		return false
	}
	n := p.RecordCount()
	for i := pos; i < n-1; i++ {
		p.setU16(slotOffset(i), p.getU16(slotOffset(i+1)))
	}
	p.setU16(offCount, uint16(n-1))
	return true
}

// LargestKey returns the largest key on the page, if any.
func (p Page) LargestKey() (common.KeyType, bool) {
	n := p.RecordCount()
	if n == 0 {
		return 0, false
	}
	return p.keyAt(n - 1), true
}

// Iter returns an iterator over the page's records in key order.
func (p Page) Iter() *PageIter {
	return &PageIter{page: p, pos: 0}
}

// PageIter yields a page's records in ascending key order.
type PageIter struct {
	page Page
	pos  int
}

func (it *PageIter) Valid() bool { return it.pos < it.page.RecordCount() }

func (it *PageIter) Key() common.KeyType { return it.page.keyAt(it.pos) }

func (it *PageIter) Value() common.ValueType {
	_, v := it.page.recordAt(it.pos)
	return v
}

func (it *PageIter) Next() { it.pos++ }

func (it *PageIter) SeekToLast() { it.pos = it.page.RecordCount() - 1 }
