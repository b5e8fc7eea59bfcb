package storage

import (
	"os"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/SYaoJun/treeline/pkg/common"
)

// SegmentFile stores fixed-stride segments of PagesPerSegment pages.
// One file exists per power-of-two size class; offsets inside the file
// are multiples of the segment stride.
type SegmentFile struct {
	mu              sync.Mutex
	file            *os.File
	pagesPerSegment int
	numSegments     int
}

func OpenSegmentFile(path string, pagesPerSegment int) (*SegmentFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrapf(common.ErrIO, "open segment file %s: %v", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(common.ErrIO, "stat segment file %s: %v", path, err)
	}
	return &SegmentFile{
		file:            f,
		pagesPerSegment: pagesPerSegment,
		numSegments:     int(st.Size()) / (PageSize * pagesPerSegment),
	}, nil
}

func (sf *SegmentFile) PagesPerSegment() int { return sf.pagesPerSegment }

func (sf *SegmentFile) NumSegments() int {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	return sf.numSegments
}

// AllocateSegment reserves the next segment slot and returns its page
// offset. The file grows when the slot is first written.
func (sf *SegmentFile) AllocateSegment() int {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	offset := sf.numSegments * sf.pagesPerSegment
	sf.numSegments++
	return offset
}

// ReadPages reads numPages pages starting at pageOffset into buf.
func (sf *SegmentFile) ReadPages(pageOffset int, buf []byte, numPages int) error {
	n := numPages * PageSize
	if _, err := sf.file.ReadAt(buf[:n], int64(pageOffset)*PageSize); err != nil {
		return errors.Wrapf(common.ErrIO, "read %d pages at offset %d: %v", numPages, pageOffset, err)
	}
	return nil
}

// WritePages writes numPages pages from buf starting at pageOffset.
func (sf *SegmentFile) WritePages(pageOffset int, buf []byte, numPages int) error {
	n := numPages * PageSize
	if _, err := sf.file.WriteAt(buf[:n], int64(pageOffset)*PageSize); err != nil {
		return errors.Wrapf(common.ErrIO, "write %d pages at offset %d: %v", numPages, pageOffset, err)
	}
	return nil
}

func (sf *SegmentFile) Sync() error {
	if err := sf.file.Sync(); err != nil {
		return errors.Wrapf(common.ErrIO, "sync: %v", err)
	}
	return nil
}

func (sf *SegmentFile) Close() error {
	return sf.file.Close()
}
