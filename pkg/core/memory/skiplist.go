package memory

import (
	"math/rand"
	"sync/atomic"

	"github.com/SYaoJun/treeline/pkg/common"
)

const (
	maxLevel    = 16
	levelBranch = 4
)

// node is an immutable skip-list entry. Entries are never updated or
// removed; duplicate keys stack and are disambiguated by their sequence
// tag. The forward pointers are published atomically so that readers
// can traverse the list without locks while a single writer inserts.
type node struct {
	key   common.KeyType
	seq   common.SequenceNumber
	value common.ValueType
	next  []atomic.Pointer[node]
}

func newNode(key common.KeyType, seq common.SequenceNumber, value common.ValueType, level int) *node {
	return &node{
		key:   key,
		seq:   seq,
		value: value,
		next:  make([]atomic.Pointer[node], level),
	}
}

// compare orders entries by key ascending and, on equal keys, by
// sequence tag descending, so the newest entry for a key sorts first.
func compare(aKey common.KeyType, aSeq common.SequenceNumber, b *node) int {
	switch {
	case aKey < b.key:
		return -1
	case aKey > b.key:
		return 1
	}
	// Equal keys: larger sequence number is ordered first.
	switch {
	case aSeq > b.seq:
		return -1
	case aSeq < b.seq:
		return 1
	}
	return 0
}

type skipList struct {
	head  *node
	level int
	size  int
	rand  *rand.Rand
}

func newSkipList(seed int64) *skipList {
	return &skipList{
		head:  newNode(0, 0, nil, maxLevel),
		level: 1,
		rand:  rand.New(rand.NewSource(seed)),
	}
}

func (s *skipList) randomLevel() int {
	level := 1
	for level < maxLevel && s.rand.Intn(levelBranch) == 0 {
		level++
	}
	return level
}

// insert links a new entry. Only one goroutine may call insert at a
// time; concurrent readers are safe because the new node's own pointers
// are fully initialized before the predecessors' pointers are swung.
func (s *skipList) insert(key common.KeyType, seq common.SequenceNumber, value common.ValueType) {
	var update [maxLevel]*node
	curr := s.head
	for i := s.level - 1; i >= 0; i-- {
		for {
			next := curr.next[i].Load()
			if next == nil || compare(key, seq, next) <= 0 {
				break
			}
			curr = next
		}
		update[i] = curr
	}

	level := s.randomLevel()
	if level > s.level {
		for i := s.level; i < level; i++ {
			update[i] = s.head
		}
		s.level = level
	}

	n := newNode(key, seq, value, level)
	for i := 0; i < level; i++ {
		n.next[i].Store(update[i].next[i].Load())
	}
	for i := 0; i < level; i++ {
		update[i].next[i].Store(n)
	}
	s.size++
}

// seek returns the first node ordered at or after (key, seq).
func (s *skipList) seek(key common.KeyType, seq common.SequenceNumber) *node {
	curr := s.head
	for i := s.level - 1; i >= 0; i-- {
		for {
			next := curr.next[i].Load()
			if next == nil || compare(key, seq, next) <= 0 {
				break
			}
			curr = next
		}
	}
	return curr.next[0].Load()
}

func (s *skipList) first() *node {
	return s.head.next[0].Load()
}
