package memory

import (
	"github.com/SYaoJun/treeline/pkg/common"
)

// MemTable is an ordered in-memory table of recent writes and deletes.
// Deletes are stored explicitly: the key may still exist on disk, and a
// flush must know to remove it there.
//
// Duplicate inserts for the same key are not deduplicated; they stack,
// ordered newest-first, and the iterator reports only the newest entry
// per key. Put and Delete require external mutual exclusion. Get and
// iteration are safe to run concurrently with a single writer.
type MemTable struct {
	list    *skipList
	nextSeq uint64
	usage   int64
}

const nodeOverhead = 64 // rough per-entry bookkeeping cost

func NewMemTable() *MemTable {
	return &MemTable{list: newSkipList(0x7ee11e)}
}

func (mt *MemTable) Put(key common.KeyType, value common.ValueType) {
	mt.insert(key, value, common.EntryWrite)
}

func (mt *MemTable) Delete(key common.KeyType) {
	mt.insert(key, nil, common.EntryDelete)
}

func (mt *MemTable) insert(key common.KeyType, value common.ValueType, kind common.EntryKind) {
	seq := common.NewSequenceNumber(mt.nextSeq, kind)
	mt.nextSeq++
	mt.list.insert(key, seq, value)
	mt.usage += common.KeySize + int64(len(value)) + nodeOverhead
}

// Get returns the kind and value of the newest entry for key, or
// ErrNotFound if the key has never been inserted.
func (mt *MemTable) Get(key common.KeyType) (common.EntryKind, common.ValueType, error) {
	it := mt.Iter()
	it.Seek(key)
	if !it.Valid() || it.Key() != key {
		return common.EntryWrite, nil, common.ErrNotFound
	}
	return it.Kind(), it.Value(), nil
}

func (mt *MemTable) ApproximateMemoryUsage() int64 {
	return mt.usage
}

func (mt *MemTable) Len() int {
	return mt.list.size
}

// Iter returns an iterator positioned before the first entry. Seek or
// SeekToFirst must be called before Next.
func (mt *MemTable) Iter() *Iterator {
	return &Iterator{list: mt.list}
}

// Iterator walks the table in key order, yielding only the newest entry
// for each key.
type Iterator struct {
	list *skipList
	curr *node
}

func (it *Iterator) Valid() bool { return it.curr != nil }

func (it *Iterator) Key() common.KeyType {
	return it.curr.key
}

func (it *Iterator) Value() common.ValueType {
	return it.curr.value
}

func (it *Iterator) Kind() common.EntryKind {
	return it.curr.seq.Kind()
}

// Next advances past the current key, skipping any older stacked
// entries that share it.
func (it *Iterator) Next() {
	last := it.curr.key
	for {
		it.curr = it.curr.next[0].Load()
		if it.curr == nil || it.curr.key != last {
			return
		}
	}
}

// Seek positions the iterator at the newest entry for target, or at the
// first entry of the next larger key. The probe carries the maximum
// sequence tag so the list seek lands ahead of every real entry for
// target.
func (it *Iterator) Seek(target common.KeyType) {
	it.curr = it.list.seek(target, common.MaxSequenceNumber)
}

func (it *Iterator) SeekToFirst() {
	it.curr = it.list.first()
}
