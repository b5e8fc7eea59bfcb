package storage

import "sync"

// FreeList pools reclaimed segment ids per size class. Add does not
// check whether the slot's zeroing write has completed; ordering that
// write before any reuse is left to the caller.
type FreeList struct {
	mu    sync.Mutex
	pools map[int][]SegmentId
}

func NewFreeList() *FreeList {
	return &FreeList{pools: make(map[int][]SegmentId)}
}

// Add returns a segment slot to its size-class pool. The id's file
// index identifies the class.
func (fl *FreeList) Add(id SegmentId) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	fl.pools[id.File] = append(fl.pools[id.File], id)
}

// Get pops a reusable slot for the given page count, if one exists.
func (fl *FreeList) Get(pageCount int) (SegmentId, bool) {
	file := fileIndexForPageCount(pageCount)
	fl.mu.Lock()
	defer fl.mu.Unlock()
	pool := fl.pools[file]
	if len(pool) == 0 {
		return InvalidSegmentId, false
	}
	id := pool[len(pool)-1]
	fl.pools[file] = pool[:len(pool)-1]
	return id, true
}

// Len reports the number of pooled slots in the given size class.
func (fl *FreeList) Len(file int) int {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return len(fl.pools[file])
}

// Contains reports whether id is pooled. Intended for tests and
// diagnostics.
func (fl *FreeList) Contains(id SegmentId) bool {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	for _, pooled := range fl.pools[id.File] {
		if pooled == id {
			return true
		}
	}
	return false
}

func fileIndexForPageCount(pageCount int) int {
	idx := 0
	for 1<<idx < pageCount {
		idx++
	}
	return idx
}
