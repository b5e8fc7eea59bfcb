package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SYaoJun/treeline/pkg/common"
)

func TestPutGet(t *testing.T) {
	mt := NewMemTable()
	mt.Put(10, []byte("hello"))

	kind, val, err := mt.Get(10)
	require.NoError(t, err)
	assert.Equal(t, common.EntryWrite, kind)
	assert.Equal(t, []byte("hello"), []byte(val))

	_, _, err = mt.Get(11)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestDuplicatesReturnLatest(t *testing.T) {
	mt := NewMemTable()
	mt.Put(5, []byte("a"))
	mt.Put(5, []byte("b"))
	mt.Delete(5)
	mt.Put(5, []byte("c"))

	kind, val, err := mt.Get(5)
	require.NoError(t, err)
	assert.Equal(t, common.EntryWrite, kind)
	assert.Equal(t, []byte("c"), []byte(val))

	// Iteration reports exactly one entry for the key.
	it := mt.Iter()
	it.SeekToFirst()
	count := 0
	for it.Valid() {
		assert.Equal(t, common.KeyType(5), it.Key())
		assert.Equal(t, []byte("c"), []byte(it.Value()))
		count++
		it.Next()
	}
	assert.Equal(t, 1, count)
}

func TestDeleteIsRemembered(t *testing.T) {
	mt := NewMemTable()
	mt.Put(1, []byte("x"))
	mt.Delete(1)

	kind, _, err := mt.Get(1)
	require.NoError(t, err)
	assert.Equal(t, common.EntryDelete, kind)
}

func TestSortedIteration(t *testing.T) {
	mt := NewMemTable()
	keys := []common.KeyType{40, 7, 99, 1, 23, 57, 8}
	for _, k := range keys {
		mt.Put(k, []byte{byte(k)})
	}

	it := mt.Iter()
	it.SeekToFirst()
	var got []common.KeyType
	for it.Valid() {
		got = append(got, it.Key())
		it.Next()
	}
	assert.Equal(t, []common.KeyType{1, 7, 8, 23, 40, 57, 99}, got)
}

func TestSeekLandsOnSuccessor(t *testing.T) {
	mt := NewMemTable()
	mt.Put(10, []byte("a"))
	mt.Put(30, []byte("b"))

	it := mt.Iter()
	it.Seek(20)
	require.True(t, it.Valid())
	assert.Equal(t, common.KeyType(30), it.Key())

	it.Seek(31)
	assert.False(t, it.Valid())
}

func TestApproximateMemoryUsageGrows(t *testing.T) {
	mt := NewMemTable()
	before := mt.ApproximateMemoryUsage()
	mt.Put(1, make([]byte, 1024))
	assert.Greater(t, mt.ApproximateMemoryUsage(), before+1024)
}

func TestConcurrentReadsDuringWrites(t *testing.T) {
	mt := NewMemTable()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5000; i++ {
			mt.Put(common.KeyType(i), []byte("v"))
		}
	}()

	for {
		it := mt.Iter()
		it.SeekToFirst()
		prev := common.KeyType(0)
		first := true
		for it.Valid() {
			if !first {
				require.Greater(t, it.Key(), prev)
			}
			prev = it.Key()
			first = false
			it.Next()
		}
		select {
		case <-done:
			kind, _, err := mt.Get(4999)
			require.NoError(t, err)
			assert.Equal(t, common.EntryWrite, kind)
			return
		default:
		}
	}
}
