package core

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/google/btree"

	"github.com/SYaoJun/treeline/pkg/common"
	"github.com/SYaoJun/treeline/pkg/config"
	"github.com/SYaoJun/treeline/pkg/model"
	"github.com/SYaoJun/treeline/pkg/monitor"
	"github.com/SYaoJun/treeline/pkg/storage"
	"github.com/SYaoJun/treeline/pkg/storage/intentlog"
	"github.com/SYaoJun/treeline/pkg/storage/segment"
)

const segmentFilePrefix = "segment_"

// SegmentInfo describes one on-disk segment as seen from the index.
type SegmentInfo struct {
	Id          storage.SegmentId
	PageCount   int
	Model       *model.Line
	HasOverflow bool
}

type indexEntry struct {
	base common.KeyType
	info SegmentInfo
}

// KeySink receives every key discovered during the recovery scan.
type KeySink interface {
	Add(key common.KeyType)
}

// Manager owns the ordered segment index, the segment files, the free
// list, and the background pool. All disk-resident state routes through
// it; the write buffer lives above it.
type Manager struct {
	cfg    *config.Config
	dbPath string

	files   []*storage.SegmentFile
	free    *storage.FreeList
	frames  *frameTable
	intents *intentlog.Log
	stats   *monitor.WorkloadStats
	pool    *WorkerPool

	indexMu      sync.RWMutex
	index        *btree.BTreeG[indexEntry]
	indexVersion atomic.Uint64

	// rewriteMu serializes the structure-changing paths (flush inserts,
	// rewrites, flattens, chain reorgs) and guards the scratch buffer.
	rewriteMu sync.Mutex
	scratch   []byte

	nextSequence atomic.Uint32
}

// Open loads (or creates) the database directory at cfg.Storage.Path,
// rebuilding the index from the segment files. Keys found during the
// scan are reported to sink, if non-nil.
func Open(cfg *config.Config, sink KeySink) (*Manager, error) {
	dbPath := cfg.Storage.Path
	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, errors.Wrapf(common.ErrIO, "create db dir: %v", err)
	}

	files := make([]*storage.SegmentFile, 0, len(segment.PageCounts))
	for i, pages := range segment.PageCounts {
		sf, err := storage.OpenSegmentFile(
			filepath.Join(dbPath, fmt.Sprintf("%s%d", segmentFilePrefix, i)), pages)
		if err != nil {
			return nil, err
		}
		files = append(files, sf)
	}

	intents, err := intentlog.Open(filepath.Join(dbPath, "intents.db"))
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:     cfg,
		dbPath:  dbPath,
		files:   files,
		free:    storage.NewFreeList(),
		intents: intents,
		stats:   monitor.NewWorkloadStats(),
		pool:    NewWorkerPool(cfg.System.BackgroundThreads),
		index: btree.NewG(32, func(a, b indexEntry) bool {
			return a.base < b.base
		}),
		scratch: make([]byte, segment.MaxPagesPerSegment*storage.PageSize),
	}
	m.frames = newFrameTable(m.readPageAt, m.writePageAt)

	if err := m.recover(sink); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

func (m *Manager) Close() error {
	m.pool.Close()
	var firstErr error
	for _, sf := range m.files {
		if err := sf.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := m.intents.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (m *Manager) Stats() *monitor.WorkloadStats { return m.stats }

// NumSegments reports how many live segments the index holds.
func (m *Manager) NumSegments() int {
	m.indexMu.RLock()
	defer m.indexMu.RUnlock()
	return m.index.Len()
}

// SegmentPageCountHistogram counts live segments per size class.
func (m *Manager) SegmentPageCountHistogram() map[int]int {
	hist := make(map[int]int)
	m.indexMu.RLock()
	defer m.indexMu.RUnlock()
	m.index.Ascend(func(e indexEntry) bool {
		hist[e.info.PageCount]++
		return true
	})
	return hist
}

// FreeList exposes the reclaimed-slot pool.
func (m *Manager) FreeList() *storage.FreeList { return m.free }

// lookup finds the entry owning key: the largest base <= key. Keys
// below the first base are routed to the first entry.
func (m *Manager) lookup(key common.KeyType) (indexEntry, bool) {
	m.indexMu.RLock()
	defer m.indexMu.RUnlock()
	return m.lookupLocked(key)
}

func (m *Manager) lookupLocked(key common.KeyType) (indexEntry, bool) {
	var found indexEntry
	ok := false
	m.index.DescendLessOrEqual(indexEntry{base: key}, func(e indexEntry) bool {
		found, ok = e, true
		return false
	})
	if !ok {
		m.index.Ascend(func(e indexEntry) bool {
			found, ok = e, true
			return false
		})
	}
	return found, ok
}

// successorBase returns the smallest base strictly greater than key,
// or common.MaxKey when none exists.
func (m *Manager) successorBase(key common.KeyType) common.KeyType {
	m.indexMu.RLock()
	defer m.indexMu.RUnlock()
	return m.successorBaseLocked(key)
}

func (m *Manager) successorBaseLocked(key common.KeyType) common.KeyType {
	upper := common.MaxKey
	m.index.AscendGreaterOrEqual(indexEntry{base: key + 1}, func(e indexEntry) bool {
		upper = e.base
		return false
	})
	return upper
}

func (m *Manager) replaceEntries(remove []common.KeyType, insert []indexEntry) {
	m.indexMu.Lock()
	defer m.indexMu.Unlock()
	for _, base := range remove {
		m.index.Delete(indexEntry{base: base})
	}
	for _, e := range insert {
		m.index.ReplaceOrInsert(e)
	}
	m.indexVersion.Add(1)
}

func (m *Manager) setHasOverflow(base common.KeyType, hasOverflow bool) {
	m.indexMu.Lock()
	defer m.indexMu.Unlock()
	if e, ok := m.index.Get(indexEntry{base: base}); ok {
		e.info.HasOverflow = hasOverflow
		m.index.ReplaceOrInsert(e)
	}
}

// segPageAddr addresses page idx of the segment described by info.
func segPageAddr(info SegmentInfo, idx int) storage.SegmentId {
	return storage.NewSegmentId(info.Id.File, info.Id.Offset+idx)
}

func (m *Manager) readPageAt(addr storage.SegmentId, buf []byte) error {
	return m.files[addr.File].ReadPages(addr.Offset, buf, 1)
}

// writePageAt refreshes the page's checksum before the write so that a
// flush-dirtied page still verifies on the next recovery scan.
func (m *Manager) writePageAt(addr storage.SegmentId, buf []byte) error {
	storage.NewSegmentWrap(buf, 1).ComputeAndSetChecksum()
	return m.files[addr.File].WritePages(addr.Offset, buf, 1)
}

// writeRawPage writes buf without touching it; used for zeroing.
func (m *Manager) writeRawPage(addr storage.SegmentId, buf []byte) error {
	return m.files[addr.File].WritePages(addr.Offset, buf, 1)
}

// allocateSegment finds a slot for a segment of pageCount pages,
// preferring the free list over growing the file. A pooled slot whose
// pages a stalled reader still has pinned is skipped: reusing it would
// alias the old cached frame with the new contents.
func (m *Manager) allocateSegment(pageCount int) storage.SegmentId {
	if id, ok := m.free.Get(pageCount); ok {
		resident := false
		for i := 0; i < pageCount; i++ {
			if m.frames.Resident(storage.NewSegmentId(id.File, id.Offset+i)) {
				resident = true
				break
			}
		}
		if !resident {
			return id
		}
		m.free.Add(id)
	}
	file := 0
	for segment.PageCounts[file] != pageCount {
		file++
	}
	return storage.NewSegmentId(file, m.files[file].AllocateSegment())
}

// Get returns the value stored on disk for key. The index is
// re-checked after every page fix: if a concurrent reorganization
// replaced the owning segment, the read restarts from the lookup.
func (m *Manager) Get(key common.KeyType) (common.ValueType, error) {
	m.stats.RecordRead()
	for {
		entry, ok := m.lookup(key)
		if !ok {
			return nil, errors.Wrapf(common.ErrNotFound, "key %d", key)
		}

		pageIdx := 0
		if entry.info.Model != nil {
			pageIdx = model.PageForKey(entry.base, *entry.info.Model, entry.info.PageCount, key)
		}

		frame, err := m.frames.Fix(segPageAddr(entry.info, pageIdx), false, false)
		if err != nil {
			return nil, err
		}
		if m.entryChanged(key, entry) {
			m.frames.Unfix(frame, false, false)
			continue
		}

		page := frame.Page()
		if value, found := page.Get(key); found {
			out := append(common.ValueType(nil), value...)
			m.frames.Unfix(frame, false, false)
			return out, nil
		}

		overflow := storage.InvalidSegmentId
		if page.HasOverflow() {
			overflow = page.Overflow()
		}
		m.frames.Unfix(frame, false, false)

		for overflow.Valid() {
			ovFrame, err := m.frames.Fix(overflow, false, false)
			if err != nil {
				return nil, err
			}
			if m.entryChanged(key, entry) {
				m.frames.Unfix(ovFrame, false, false)
				overflow = storage.InvalidSegmentId
				break
			}
			ovPage := ovFrame.Page()
			if value, found := ovPage.Get(key); found {
				out := append(common.ValueType(nil), value...)
				m.frames.Unfix(ovFrame, false, false)
				return out, nil
			}
			next := storage.InvalidSegmentId
			if ovPage.HasOverflow() {
				next = ovPage.Overflow()
			}
			m.frames.Unfix(ovFrame, false, false)
			overflow = next
		}
		if m.entryChanged(key, entry) {
			continue
		}
		return nil, errors.Wrapf(common.ErrNotFound, "key %d", key)
	}
}

// entryChanged reports whether the index entry owning key no longer
// matches what the caller resolved before fixing a page.
func (m *Manager) entryChanged(key common.KeyType, seen indexEntry) bool {
	current, ok := m.lookup(key)
	if !ok {
		return true
	}
	return current.base != seen.base ||
		current.info.Id != seen.info.Id ||
		current.info.PageCount != seen.info.PageCount
}

// fixOverflowChain latches the chain rooted at head, head link first,
// then each overflow link in order. It returns retry=true (with no
// frames held) if the index changed between the caller's lookup and the
// head latch, which means the owning segment's page composition may
// have been rewritten.
func (m *Manager) fixOverflowChain(
	head storage.SegmentId, versionAtLookup uint64, exclusive, unlatchBeforeReturning bool,
) ([]*Frame, bool, error) {
	frame, err := m.frames.Fix(head, exclusive, false)
	if err != nil {
		return nil, false, err
	}
	if m.indexVersion.Load() != versionAtLookup {
		m.frames.Unfix(frame, false, exclusive)
		return nil, true, nil
	}

	var frames []*Frame
	for {
		if unlatchBeforeReturning {
			// Drop the latch but keep the pin so the frame survives
			// until the caller unfixes it.
			m.frames.Unlatch(frame, exclusive)
		}
		frames = append(frames, frame)
		page := frame.Page()
		if !page.HasOverflow() {
			break
		}
		next := page.Overflow()
		frame, err = m.frames.Fix(next, exclusive, false)
		if err != nil {
			m.releaseChain(frames, false, exclusive, unlatchBeforeReturning)
			return nil, false, err
		}
	}
	return frames, false, nil
}

// releaseChain unfixes every frame of a chain in order.
func (m *Manager) releaseChain(frames []*Frame, dirty, exclusive, latchAlreadyDropped bool) {
	for _, f := range frames {
		if latchAlreadyDropped {
			m.frames.UnpinOnly(f.Addr())
			continue
		}
		m.frames.Unfix(f, dirty, exclusive)
	}
}
