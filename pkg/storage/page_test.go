package storage

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SYaoJun/treeline/pkg/common"
	"github.com/SYaoJun/treeline/pkg/model"
)

func TestPagePutGetDelete(t *testing.T) {
	buf := make([]byte, PageSize)
	p := InitPage(buf, 100, 200)

	require.NoError(t, p.Put(150, []byte("v150")))
	require.NoError(t, p.Put(101, []byte("v101")))
	require.NoError(t, p.Put(199, []byte("v199")))

	v, ok := p.Get(150)
	require.True(t, ok)
	assert.Equal(t, []byte("v150"), []byte(v))

	_, ok = p.Get(155)
	assert.False(t, ok)

	assert.True(t, p.Delete(150))
	assert.False(t, p.Delete(150))
	_, ok = p.Get(150)
	assert.False(t, ok)
	assert.Equal(t, 2, p.RecordCount())
}

func TestPageIterationSorted(t *testing.T) {
	buf := make([]byte, PageSize)
	p := InitPage(buf, 0, common.MaxKey)

	keys := []common.KeyType{90, 5, 42, 17, 66}
	for _, k := range keys {
		require.NoError(t, p.Put(k, []byte(fmt.Sprintf("v%d", k))))
	}

	it := p.Iter()
	var got []common.KeyType
	for it.Valid() {
		got = append(got, it.Key())
		it.Next()
	}
	assert.Equal(t, []common.KeyType{5, 17, 42, 66, 90}, got)

	largest, ok := p.LargestKey()
	require.True(t, ok)
	assert.Equal(t, common.KeyType(90), largest)
}

func TestPageReplaceValue(t *testing.T) {
	buf := make([]byte, PageSize)
	p := InitPage(buf, 0, 1000)

	require.NoError(t, p.Put(7, []byte("old")))
	require.NoError(t, p.Put(7, []byte("newer-value")))
	assert.Equal(t, 1, p.RecordCount())

	v, ok := p.Get(7)
	require.True(t, ok)
	assert.Equal(t, []byte("newer-value"), []byte(v))
}

func TestPageFenceContainmentAndPrefix(t *testing.T) {
	// Fences 0x...0100 and 0x...01FF share a 7-byte prefix.
	lower := common.KeyType(0x0100)
	upper := common.KeyType(0x01FF)
	buf := make([]byte, PageSize)
	p := InitPage(buf, lower, upper)

	assert.Equal(t, lower, p.LowerBoundary())
	assert.Equal(t, upper, p.UpperBoundary())
	assert.Len(t, p.KeyPrefix(), 7)

	for k := lower; k < upper; k += 17 {
		require.NoError(t, p.Put(k, []byte("x")))
	}
	it := p.Iter()
	for it.Valid() {
		assert.GreaterOrEqual(t, it.Key(), lower)
		assert.Less(t, it.Key(), upper)
		it.Next()
	}
}

func TestPageOpenUpperBound(t *testing.T) {
	buf := make([]byte, PageSize)
	p := InitPage(buf, 500, common.MaxKey)
	assert.Equal(t, common.MaxKey, p.UpperBoundary())
	assert.Empty(t, p.KeyPrefix())

	require.NoError(t, p.Put(common.MaxKey-1, []byte("edge")))
	v, ok := p.Get(common.MaxKey - 1)
	require.True(t, ok)
	assert.Equal(t, []byte("edge"), []byte(v))
}

func TestPageFull(t *testing.T) {
	buf := make([]byte, PageSize)
	p := InitPage(buf, 0, common.MaxKey)

	var err error
	i := common.KeyType(0)
	for {
		err = p.Put(i, make([]byte, 64))
		if err != nil {
			break
		}
		i++
	}
	assert.ErrorIs(t, err, ErrPageFull)
	// The page remains intact after a failed insert.
	v, ok := p.Get(0)
	require.True(t, ok)
	assert.Len(t, []byte(v), 64)
}

func TestPageOverflowPointer(t *testing.T) {
	buf := make([]byte, PageSize)
	p := InitPage(buf, 0, 100)
	assert.False(t, p.HasOverflow())

	id := NewSegmentId(0, 42)
	p.SetOverflow(id)
	require.True(t, p.HasOverflow())
	assert.Equal(t, id, p.Overflow())

	p.ClearOverflow()
	assert.False(t, p.HasOverflow())
}

func TestPageModelRoundTrip(t *testing.T) {
	buf := make([]byte, PageSize)
	p := InitPage(buf, 0, 100)
	assert.False(t, p.HasModel())

	line := model.Line{Slope: 0.0125, Intercept: 0.5}
	p.SetModel(line)
	require.True(t, p.HasModel())
	assert.Equal(t, line, p.Model())
}

func TestSegmentIdEncoding(t *testing.T) {
	ids := []SegmentId{
		NewSegmentId(0, 0),
		NewSegmentId(0, 123456),
		NewSegmentId(4, 7),
	}
	for _, id := range ids {
		enc := id.Encode()
		assert.NotZero(t, enc)
		assert.Equal(t, id, DecodeSegmentId(enc))
	}
	assert.False(t, DecodeSegmentId(0).Valid())
}

func TestSegmentWrapChecksum(t *testing.T) {
	buf := make([]byte, 2*PageSize)
	InitPage(buf, 0, 50)
	InitPage(buf[PageSize:], 50, 100)

	sw := NewSegmentWrap(buf, 2)
	sw.SetSequenceNumber(9)
	sw.ComputeAndSetChecksum()
	assert.True(t, sw.CheckChecksum())
	assert.Equal(t, uint32(9), sw.SequenceNumber())

	buf[100] ^= 0xFF
	assert.False(t, sw.CheckChecksum())
}

func TestSegmentWrapOverflowHelpers(t *testing.T) {
	buf := make([]byte, 2*PageSize)
	p0 := InitPage(buf, 0, 50)
	InitPage(buf[PageSize:], 50, 100)
	p0.SetOverflow(NewSegmentId(0, 9))

	sw := NewSegmentWrap(buf, 2)
	assert.Equal(t, 1, sw.NumOverflows())
	sw.ClearAllOverflows()
	assert.Equal(t, 0, sw.NumOverflows())
}

func TestFreeListRoundTrip(t *testing.T) {
	fl := NewFreeList()
	_, ok := fl.Get(1)
	assert.False(t, ok)

	id1 := NewSegmentId(0, 3)
	id4 := NewSegmentId(2, 8)
	fl.Add(id1)
	fl.Add(id4)

	got, ok := fl.Get(4)
	require.True(t, ok)
	assert.Equal(t, id4, got)

	got, ok = fl.Get(1)
	require.True(t, ok)
	assert.Equal(t, id1, got)

	_, ok = fl.Get(1)
	assert.False(t, ok)
}

func TestSegmentFileAllocateReadWrite(t *testing.T) {
	dir := t.TempDir()
	sf, err := OpenSegmentFile(dir+"/segment_1", 2)
	require.NoError(t, err)
	defer sf.Close()

	off0 := sf.AllocateSegment()
	off1 := sf.AllocateSegment()
	assert.Equal(t, 0, off0)
	assert.Equal(t, 2, off1)

	buf := make([]byte, 2*PageSize)
	p := InitPage(buf, 10, 20)
	require.NoError(t, p.Put(15, []byte("persisted")))
	InitPage(buf[PageSize:], 20, 30)
	require.NoError(t, sf.WritePages(off1, buf, 2))

	read := make([]byte, 2*PageSize)
	require.NoError(t, sf.ReadPages(off1, read, 2))
	v, ok := NewPage(read).Get(15)
	require.True(t, ok)
	assert.Equal(t, []byte("persisted"), []byte(v))

	// Reopen sees both allocated segments.
	require.NoError(t, sf.Close())
	sf2, err := OpenSegmentFile(dir+"/segment_1", 2)
	require.NoError(t, err)
	defer sf2.Close()
	assert.Equal(t, 2, sf2.NumSegments())
}
