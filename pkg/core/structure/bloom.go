package structure

import (
	"hash/fnv"
	"math"
	"sync"

	"github.com/SYaoJun/treeline/pkg/common"
)

// BloomFilter guards point reads: a negative answer means the key was
// never written, so the memtable and disk can be skipped entirely.
type BloomFilter struct {
	lock   sync.RWMutex
	bitset []bool
	k      uint
	m      uint
	count  uint
}

// NewBloomFilter sizes the filter for n expected keys at false-positive
// probability p.
func NewBloomFilter(n uint, p float64) *BloomFilter {
	m := uint(math.Ceil(float64(n) * math.Log(p) / math.Log(1.0/math.Pow(2.0, math.Log(2.0)))))
	k := uint(math.Ceil((float64(m) / float64(n)) * math.Log(2.0)))

	return &BloomFilter{
		bitset: make([]bool, m),
		k:      k,
		m:      m,
	}
}

func (bf *BloomFilter) Add(key common.KeyType) {
	bf.lock.Lock()
	defer bf.lock.Unlock()

	h1 := hash1(key)
	h2 := hash2(key)
	for i := uint(0); i < bf.k; i++ {
		pos := (h1 + uint32(i)*h2) % uint32(bf.m)
		bf.bitset[pos] = true
	}
	bf.count++
}

func (bf *BloomFilter) Contains(key common.KeyType) bool {
	bf.lock.RLock()
	defer bf.lock.RUnlock()

	h1 := hash1(key)
	h2 := hash2(key)
	for i := uint(0); i < bf.k; i++ {
		pos := (h1 + uint32(i)*h2) % uint32(bf.m)
		if !bf.bitset[pos] {
			return false
		}
	}
	return true
}

func hash1(k common.KeyType) uint32 {
	h := fnv.New32a()
	h.Write(common.EncodeKey(k))
	return h.Sum32()
}

func hash2(k common.KeyType) uint32 {
	return uint32(uint64(k) ^ (uint64(k) >> 32))
}

func (bf *BloomFilter) Stats() map[string]interface{} {
	bf.lock.RLock()
	defer bf.lock.RUnlock()
	return map[string]interface{}{
		"bloom_bits_size": bf.m,
		"bloom_hashes":    bf.k,
		"bloom_count":     bf.count,
	}
}
