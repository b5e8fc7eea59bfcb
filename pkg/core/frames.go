package core

import (
	"sync"

	"github.com/SYaoJun/treeline/pkg/storage"
)

// Frame is a page resident in memory, protected by a reader-writer
// latch. Readers fix shared; only the flush worker and the reorg worker
// fix exclusive.
type Frame struct {
	mu   sync.RWMutex
	addr storage.SegmentId
	data []byte
}

func (f *Frame) Addr() storage.SegmentId { return f.addr }
func (f *Frame) Page() storage.Page      { return storage.NewPage(f.data) }
func (f *Frame) Data() []byte            { return f.data }

type frameEntry struct {
	frame   *Frame
	refs    int
	once    sync.Once
	loadErr error
}

// frameTable keeps fixed pages resident and hands out latched frames.
// A frame is dropped once its fix count reaches zero; dirty frames are
// written through on unfix, so eviction never loses data.
type frameTable struct {
	mu     sync.Mutex
	frames map[storage.SegmentId]*frameEntry
	read   func(addr storage.SegmentId, buf []byte) error
	write  func(addr storage.SegmentId, buf []byte) error
}

func newFrameTable(
	read func(addr storage.SegmentId, buf []byte) error,
	write func(addr storage.SegmentId, buf []byte) error,
) *frameTable {
	return &frameTable{
		frames: make(map[storage.SegmentId]*frameEntry),
		read:   read,
		write:  write,
	}
}

// Fix pins and latches the page at addr, loading it from disk on first
// use. newlyAllocated skips the disk read and hands back a zero page.
func (ft *frameTable) Fix(addr storage.SegmentId, exclusive, newlyAllocated bool) (*Frame, error) {
	ft.mu.Lock()
	entry, ok := ft.frames[addr]
	if !ok {
		entry = &frameEntry{frame: &Frame{addr: addr, data: make([]byte, storage.PageSize)}}
		ft.frames[addr] = entry
	}
	entry.refs++
	ft.mu.Unlock()

	entry.once.Do(func() {
		if newlyAllocated {
			return
		}
		entry.loadErr = ft.read(addr, entry.frame.data)
	})
	if entry.loadErr != nil {
		err := entry.loadErr
		ft.release(addr)
		return nil, err
	}

	if exclusive {
		entry.frame.mu.Lock()
	} else {
		entry.frame.mu.RLock()
	}
	return entry.frame, nil
}

// Unfix writes the frame through if dirty, releases the latch, and
// unpins. The caller states the mode it held.
func (ft *frameTable) Unfix(f *Frame, dirty, exclusive bool) error {
	var err error
	if dirty {
		err = ft.write(f.addr, f.data)
	}
	if exclusive {
		f.mu.Unlock()
	} else {
		f.mu.RUnlock()
	}
	ft.release(f.addr)
	return err
}

// Unlatch drops the latch but keeps the pin, so the frame cannot be
// dropped before a later Unfix.
func (ft *frameTable) Unlatch(f *Frame, exclusive bool) {
	if exclusive {
		f.mu.Unlock()
	} else {
		f.mu.RUnlock()
	}
}

// UnpinOnly releases a pin taken by Fix after the latch was already
// dropped with Unlatch.
func (ft *frameTable) UnpinOnly(addr storage.SegmentId) {
	ft.release(addr)
}

// Invalidate drops an unreferenced cached frame so the next fix reads
// the page's current on-disk bytes.
func (ft *frameTable) Invalidate(addr storage.SegmentId) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if entry, ok := ft.frames[addr]; ok && entry.refs == 0 {
		delete(ft.frames, addr)
	}
}

// Resident reports whether a frame for addr is currently pinned or
// cached.
func (ft *frameTable) Resident(addr storage.SegmentId) bool {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	_, ok := ft.frames[addr]
	return ok
}

func (ft *frameTable) release(addr storage.SegmentId) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	entry, ok := ft.frames[addr]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs <= 0 {
		delete(ft.frames, addr)
	}
}
