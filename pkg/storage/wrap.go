package storage

import (
	"encoding/binary"
	"hash/crc32"
)

// Trailer layout, replicated on every page of a segment:
//
//	PageSize-8 : PageSize-4  sequence number
//	PageSize-4 : PageSize    CRC32 over the page's first PageSize-4 bytes
const (
	offSequence = PageSize - 8
	offChecksum = PageSize - 4
)

// SegmentWrap manipulates the per-page trailers of an in-memory segment
// image of numPages contiguous pages.
type SegmentWrap struct {
	buf      []byte
	numPages int
}

func NewSegmentWrap(buf []byte, numPages int) SegmentWrap {
	return SegmentWrap{buf: buf, numPages: numPages}
}

func (sw SegmentWrap) page(i int) Page {
	return NewPage(sw.buf[i*PageSize:])
}

// SetSequenceNumber stamps seq on every page of the segment.
func (sw SegmentWrap) SetSequenceNumber(seq uint32) {
	for i := 0; i < sw.numPages; i++ {
		binary.LittleEndian.PutUint32(sw.buf[i*PageSize+offSequence:], seq)
	}
}

// SequenceNumber reads the stamp from the first page.
func (sw SegmentWrap) SequenceNumber() uint32 {
	return binary.LittleEndian.Uint32(sw.buf[offSequence:])
}

// ComputeAndSetChecksum finalizes every page's CRC. Must run after all
// other mutations of the segment image.
func (sw SegmentWrap) ComputeAndSetChecksum() {
	for i := 0; i < sw.numPages; i++ {
		start := i * PageSize
		crc := crc32.ChecksumIEEE(sw.buf[start : start+offChecksum])
		binary.LittleEndian.PutUint32(sw.buf[start+offChecksum:], crc)
	}
}

// CheckChecksum verifies every page's CRC.
func (sw SegmentWrap) CheckChecksum() bool {
	for i := 0; i < sw.numPages; i++ {
		start := i * PageSize
		crc := crc32.ChecksumIEEE(sw.buf[start : start+offChecksum])
		if crc != binary.LittleEndian.Uint32(sw.buf[start+offChecksum:]) {
			return false
		}
	}
	return true
}

// ClearAllOverflows zeroes the overflow pointer on every page. Fresh
// segments are written with no overflows attached.
func (sw SegmentWrap) ClearAllOverflows() {
	for i := 0; i < sw.numPages; i++ {
		sw.page(i).ClearOverflow()
	}
}

// NumOverflows counts pages with an overflow attached.
func (sw SegmentWrap) NumOverflows() int {
	n := 0
	for i := 0; i < sw.numPages; i++ {
		if sw.page(i).HasOverflow() {
			n++
		}
	}
	return n
}

// ForEachPage calls fn on each page in order.
func (sw SegmentWrap) ForEachPage(fn func(i int, p Page)) {
	for i := 0; i < sw.numPages; i++ {
		fn(i, sw.page(i))
	}
}

// IsZeroed reports whether the first page of the segment image is
// all-zero, the marker for a reclaimed slot.
func (sw SegmentWrap) IsZeroed() bool {
	for _, b := range sw.buf[:PageSize] {
		if b != 0 {
			return false
		}
	}
	return true
}
