package intentlog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SYaoJun/treeline/pkg/storage"
)

func TestRecordPendingMarkDone(t *testing.T) {
	path := filepath.Join(t.TempDir(), "intents.db")
	l, err := Open(path)
	require.NoError(t, err)
	defer l.Close()

	ids := []storage.SegmentId{
		storage.NewSegmentId(0, 3),
		storage.NewSegmentId(2, 1),
	}
	require.NoError(t, l.Record(7, ids))
	require.NoError(t, l.Record(8, ids[:1]))

	pending, err := l.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, uint32(7), pending[0].Sequence)
	assert.Equal(t, ids, pending[0].Ids)

	require.NoError(t, l.MarkDone(7))
	pending, err = l.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, uint32(8), pending[0].Sequence)
}

func TestPendingSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "intents.db")
	l, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, l.Record(3, []storage.SegmentId{storage.NewSegmentId(1, 5)}))
	require.NoError(t, l.Close())

	l2, err := Open(path)
	require.NoError(t, err)
	defer l2.Close()
	pending, err := l2.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, uint32(3), pending[0].Sequence)
	assert.Equal(t, storage.NewSegmentId(1, 5), pending[0].Ids[0])
}
