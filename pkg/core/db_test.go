package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SYaoJun/treeline/pkg/common"
	"github.com/SYaoJun/treeline/pkg/storage"
)

func TestDuplicateWritesResolveToLatest(t *testing.T) {
	cfg := testConfig(t)
	db, err := NewDB(cfg)
	require.NoError(t, err)
	defer db.Close()

	db.Put(5, []byte("a"))
	db.Put(5, []byte("b"))
	db.Delete(5)
	db.Put(5, []byte("c"))

	v, err := db.Get(5)
	require.NoError(t, err)
	assert.Equal(t, []byte("c"), []byte(v))

	// The write buffer reports one entry for the key.
	db.memMu.RLock()
	mem := db.mem
	db.memMu.RUnlock()
	it := mem.Iter()
	it.SeekToFirst()
	count := 0
	for it.Valid() {
		if it.Key() == 5 {
			count++
		}
		it.Next()
	}
	assert.Equal(t, 1, count)
}

func TestDeleteShadowsDiskRecord(t *testing.T) {
	cfg := testConfig(t)
	db, err := NewDB(cfg)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.BulkLoadIntoPages(seqRecords(0, 100, 1, smallValue)))

	v, err := db.Get(42)
	require.NoError(t, err)
	assert.Equal(t, smallValue(42), []byte(v))

	db.Delete(42)
	_, err = db.Get(42)
	assert.ErrorIs(t, err, common.ErrNotFound)

	// The delete survives the flush to disk.
	require.NoError(t, db.Flush())
	_, err = db.Get(42)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestGetMissesCheaplyViaBloom(t *testing.T) {
	cfg := testConfig(t)
	db, err := NewDB(cfg)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.BulkLoadIntoPages(seqRecords(0, 100, 1, smallValue)))

	_, err = db.Get(1 << 40)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestWritesReachDiskThroughFlush(t *testing.T) {
	cfg := testConfig(t)
	db, err := NewDB(cfg)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.BulkLoadIntoPages(seqRecords(0, 100, 1, smallValue)))

	db.Put(17, []byte("updated"))
	db.Put(230, []byte("appended"))
	require.NoError(t, db.Flush())

	// Values are now served from disk, not the write buffer.
	db.memMu.RLock()
	memLen := db.mem.Len()
	db.memMu.RUnlock()
	assert.Equal(t, 0, memLen)

	v, err := db.Get(17)
	require.NoError(t, err)
	assert.Equal(t, []byte("updated"), []byte(v))

	v, err = db.Get(230)
	require.NoError(t, err)
	assert.Equal(t, []byte("appended"), []byte(v))
}

func TestReopenRecoversState(t *testing.T) {
	cfg := testConfig(t)
	db, err := NewDB(cfg)
	require.NoError(t, err)

	records := seqRecords(0, 1000, 10, smallValue)
	require.NoError(t, db.BulkLoadIntoSegments(records))
	db.Put(15, []byte("between"))
	db.Put(20, []byte("overwritten"))
	require.NoError(t, db.Flush())
	segmentsBefore := db.Manager().NumSegments()
	require.NoError(t, db.Close())

	db2, err := NewDB(cfg)
	require.NoError(t, err)
	defer db2.Close()

	assert.Equal(t, segmentsBefore, db2.Manager().NumSegments())
	for _, rec := range records {
		want := rec.Value
		switch rec.Key {
		case 20:
			want = []byte("overwritten")
		}
		v, err := db2.Get(rec.Key)
		require.NoError(t, err, "key %d", rec.Key)
		assert.Equal(t, []byte(want), []byte(v))
	}
	v, err := db2.Get(15)
	require.NoError(t, err)
	assert.Equal(t, []byte("between"), []byte(v))
}

func TestRecoveryReclaimsZeroedSlots(t *testing.T) {
	cfg := testConfig(t)
	db, err := NewDB(cfg)
	require.NoError(t, err)
	require.NoError(t, db.BulkLoadIntoPages(seqRecords(0, 100, 1, smallValue)))

	// Remember the second segment, then zero its slot as a crashed
	// zeroing pass would have.
	entry, ok := db.Manager().lookup(50)
	require.True(t, ok)
	victim := entry.info.Id
	require.NoError(t, db.Close())

	sf, err := storage.OpenSegmentFile(cfg.Storage.Path+"/segment_0", 1)
	require.NoError(t, err)
	zero := make([]byte, storage.PageSize)
	require.NoError(t, sf.WritePages(victim.Offset, zero, 1))
	require.NoError(t, sf.Close())

	db2, err := NewDB(cfg)
	require.NoError(t, err)
	defer db2.Close()

	assert.True(t, db2.Manager().FreeList().Contains(victim))
	assert.Equal(t, 1, db2.Manager().NumSegments())

	// The surviving segment still reads.
	v, err := db2.Get(10)
	require.NoError(t, err)
	assert.Equal(t, smallValue(10), []byte(v))
}

func TestScheduledChainReorgRunsInBackground(t *testing.T) {
	cfg := testConfig(t)
	cfg.Reorg.MaxReorgFanout = 8
	cfg.Reorg.FlattenThresholdPages = 4
	cfg.Storage.RecordSizeHint = 24
	db, err := NewDB(cfg)
	require.NoError(t, err)
	defer db.Close()

	value16 := func(k common.KeyType) []byte {
		v := make([]byte, 16)
		copy(v, smallValue(k))
		return v
	}
	require.NoError(t, db.BulkLoadIntoPages(seqRecords(0, 50, 10, value16)))
	for i := 0; i < 220; i++ {
		db.Put(common.KeyType(1000+i), value16(common.KeyType(1000+i)))
	}
	require.NoError(t, db.Flush())

	entry, ok := db.Manager().lookup(0)
	require.True(t, ok)
	length, err := db.Manager().chainLength(entry.info.Id)
	require.NoError(t, err)
	require.Greater(t, length, 1)

	db.ScheduleChainReorg(0)

	deadline := time.Now().Add(5 * time.Second)
	for {
		entry, ok := db.Manager().lookup(0)
		require.True(t, ok)
		length, err := db.Manager().chainLength(entry.info.Id)
		require.NoError(t, err)
		if length == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("chain still %d links long", length)
		}
		time.Sleep(10 * time.Millisecond)
	}

	v, err := db.Get(1100)
	require.NoError(t, err)
	assert.Equal(t, value16(1100), []byte(v))
}

func TestConcurrentReadsDuringFlush(t *testing.T) {
	cfg := testConfig(t)
	db, err := NewDB(cfg)
	require.NoError(t, err)
	defer db.Close()

	records := seqRecords(0, 500, 2, smallValue)
	require.NoError(t, db.BulkLoadIntoPages(records))

	stop := make(chan struct{})
	errs := make(chan error, 4)
	for r := 0; r < 4; r++ {
		go func() {
			for {
				select {
				case <-stop:
					errs <- nil
					return
				default:
				}
				for _, rec := range records[:50] {
					if _, err := db.Get(rec.Key); err != nil {
						errs <- err
						return
					}
				}
			}
		}()
	}

	for round := 0; round < 10; round++ {
		for _, rec := range records[:50] {
			db.Put(rec.Key, append([]byte("r"), rec.Value...))
		}
		if err := db.Flush(); err != nil {
			t.Fatalf("flush: %v", err)
		}
	}
	close(stop)
	for r := 0; r < 4; r++ {
		require.NoError(t, <-errs)
	}

	v, err := db.Get(records[0].Key)
	require.NoError(t, err)
	assert.Equal(t, append([]byte("r"), records[0].Value...), []byte(v))
}
