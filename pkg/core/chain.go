package core

import (
	"github.com/SYaoJun/treeline/pkg/common"
	"github.com/SYaoJun/treeline/pkg/storage"
)

// pageChain is a main page plus at most one overflow, both resident in
// rewrite-owned memory. Iterating a chain yields records in key order;
// the main page wins on equal keys because the overflow is logically
// older.
type pageChain struct {
	main     []byte
	overflow []byte
}

func singleOnly(main []byte) pageChain {
	return pageChain{main: main}
}

func withOverflow(main, overflow []byte) pageChain {
	return pageChain{main: main, overflow: overflow}
}

func (pc pageChain) numPages() int {
	if pc.overflow == nil {
		return 1
	}
	return 2
}

func (pc pageChain) iter() *PageMergeIterator {
	iters := []*storage.PageIter{storage.NewPage(pc.main).Iter()}
	if pc.overflow != nil {
		iters = append(iters, storage.NewPage(pc.overflow).Iter())
	}
	return NewPageMergeIterator(iters)
}

// largestKey returns the largest key anywhere in the chain.
func (pc pageChain) largestKey() (common.KeyType, bool) {
	largest, ok := storage.NewPage(pc.main).LargestKey()
	if pc.overflow != nil {
		if k, okOv := storage.NewPage(pc.overflow).LargestKey(); okOv {
			if !ok || k > largest {
				largest, ok = k, true
			}
		}
	}
	return largest, ok
}

// PageMergeIterator merges several sorted page iterators into one
// sorted stream. On equal keys the earliest iterator wins and the
// duplicates on later iterators are consumed silently.
type PageMergeIterator struct {
	iters []*storage.PageIter
}

func NewPageMergeIterator(iters []*storage.PageIter) *PageMergeIterator {
	return &PageMergeIterator{iters: iters}
}

func (m *PageMergeIterator) current() *storage.PageIter {
	var best *storage.PageIter
	for _, it := range m.iters {
		if !it.Valid() {
			continue
		}
		if best == nil || it.Key() < best.Key() {
			best = it
		}
	}
	return best
}

func (m *PageMergeIterator) Valid() bool {
	return m.current() != nil
}

func (m *PageMergeIterator) Key() common.KeyType {
	return m.current().Key()
}

func (m *PageMergeIterator) Value() common.ValueType {
	return m.current().Value()
}

// Next advances past the current key on every iterator that holds it.
func (m *PageMergeIterator) Next() {
	key := m.current().Key()
	for _, it := range m.iters {
		if it.Valid() && it.Key() == key {
			it.Next()
		}
	}
}

// RecordsLeft returns an upper bound on the records remaining.
func (m *PageMergeIterator) RecordsLeft() int {
	n := 0
	for _, it := range m.iters {
		for probe := *it; probe.Valid(); probe.Next() {
			n++
		}
	}
	return n
}

// FlushEntry is a drained write-buffer entry handed to the reorg and
// flush paths. Delete entries shadow on-disk records without producing
// output.
type FlushEntry struct {
	Key   common.KeyType
	Value common.ValueType
	Kind  common.EntryKind
}

// PagePlusRecordMerger interleaves on-disk records with drained
// in-memory entries in key order. On equal keys the in-memory entry is
// newer and wins; deletes swallow their on-disk counterpart.
type PagePlusRecordMerger struct {
	pmi     *PageMergeIterator
	entries []FlushEntry
	pos     int
}

func NewPagePlusRecordMerger(entries []FlushEntry) *PagePlusRecordMerger {
	return &PagePlusRecordMerger{pmi: NewPageMergeIterator(nil), entries: entries}
}

func (pm *PagePlusRecordMerger) UpdatePageIterator(pmi *PageMergeIterator) {
	pm.pmi = pmi
}

// HasPageRecords reports whether the current page iterator has records
// left.
func (pm *PagePlusRecordMerger) HasPageRecords() bool {
	return pm.pmi.Valid()
}

func (pm *PagePlusRecordMerger) HasRecords() bool {
	return pm.HasPageRecords() || pm.pos < len(pm.entries)
}

// NextPageRecord returns the next live record while the page iterator
// still has input. It returns false once only in-memory entries remain.
func (pm *PagePlusRecordMerger) NextPageRecord() (common.Record, bool) {
	for pm.HasPageRecords() {
		rec, live := pm.step()
		if live {
			return rec, true
		}
	}
	return common.Record{}, false
}

// NextRecord drains the remaining input, page records and in-memory
// entries alike.
func (pm *PagePlusRecordMerger) NextRecord() (common.Record, bool) {
	for pm.HasRecords() {
		rec, live := pm.step()
		if live {
			return rec, true
		}
	}
	return common.Record{}, false
}

// step consumes the smallest-keyed input. The returned flag is false
// when the input was a delete (nothing is emitted for it).
func (pm *PagePlusRecordMerger) step() (common.Record, bool) {
	pageValid := pm.pmi.Valid()
	memValid := pm.pos < len(pm.entries)

	if !pageValid && !memValid {
		return common.Record{}, false
	}

	takeMem := false
	if !pageValid {
		takeMem = true
	} else if memValid && pm.entries[pm.pos].Key <= pm.pmi.Key() {
		takeMem = true
	}

	if takeMem {
		e := pm.entries[pm.pos]
		pm.pos++
		if pageValid && e.Key == pm.pmi.Key() {
			// The in-memory entry supersedes the on-disk record.
			pm.pmi.Next()
		}
		if e.Kind == common.EntryDelete {
			return common.Record{}, false
		}
		return common.Record{Key: e.Key, Value: e.Value}, true
	}

	rec := common.Record{Key: pm.pmi.Key(), Value: pm.pmi.Value()}
	pm.pmi.Next()
	return rec, true
}

// CircularPageBuffer is a fixed-capacity FIFO ring of page frames. It
// bounds the memory of a sliding-window rewrite; the caller must flush
// and free before allocating past the capacity.
type CircularPageBuffer struct {
	buf   []byte
	cap   int
	start int
	used  int
}

func NewCircularPageBuffer(numPages int) *CircularPageBuffer {
	return &CircularPageBuffer{
		buf: make([]byte, numPages*storage.PageSize),
		cap: numPages,
	}
}

// Allocate hands out the next free page slot. Exceeding the capacity is
// a caller bug, not a recoverable condition.
func (c *CircularPageBuffer) Allocate() []byte {
	if c.used == c.cap {
		panic("circular page buffer exhausted")
	}
	slot := (c.start + c.used) % c.cap
	c.used++
	return c.buf[slot*storage.PageSize : (slot+1)*storage.PageSize]
}

// Free releases the oldest allocated slot.
func (c *CircularPageBuffer) Free() {
	if c.used == 0 {
		panic("freeing an empty circular page buffer")
	}
	c.start = (c.start + 1) % c.cap
	c.used--
}

func (c *CircularPageBuffer) NumFreePages() int {
	return c.cap - c.used
}
