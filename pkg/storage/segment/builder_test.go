package segment

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SYaoJun/treeline/pkg/common"
	"github.com/SYaoJun/treeline/pkg/model"
)

func uniformRecords(n int, start, step common.KeyType) []common.Record {
	recs := make([]common.Record, n)
	for i := range recs {
		recs[i] = common.Record{
			Key:   start + common.KeyType(i)*step,
			Value: []byte(fmt.Sprintf("v%d", i)),
		}
	}
	return recs
}

func offerAll(b *Builder, recs []common.Record) []Segment {
	var out []Segment
	for _, r := range recs {
		out = append(out, b.Offer(r)...)
	}
	out = append(out, b.Finish()...)
	return out
}

func TestBuilderUniformKeysFormLargeSegments(t *testing.T) {
	b := NewBuilder(50, 10)
	segs := offerAll(b, uniformRecords(1000, 0, 10))

	require.NotEmpty(t, segs)
	multi := 0
	total := 0
	for _, seg := range segs {
		assert.Contains(t, PageCounts, seg.PageCount)
		total += len(seg.Records)
		if seg.PageCount > 1 {
			multi++
			require.NotNil(t, seg.Model)
		}
	}
	assert.Equal(t, 1000, total)
	assert.Greater(t, multi, 0, "uniform data should produce multi-page segments")
}

func TestBuilderModelMapsEveryRecordInRange(t *testing.T) {
	b := NewBuilder(50, 10)
	segs := offerAll(b, uniformRecords(1000, 0, 10))

	for _, seg := range segs {
		if seg.Model == nil {
			continue
		}
		for _, rec := range seg.Records {
			page := model.PageForKey(seg.BaseKey, *seg.Model, seg.PageCount, rec.Key)
			raw := int(seg.Model.Eval(float64(rec.Key - seg.BaseKey)))
			assert.Equal(t, raw, page, "clamp must be a no-op for accepted records")
			assert.GreaterOrEqual(t, page, 0)
			assert.Less(t, page, seg.PageCount)
		}
	}
}

func TestBuilderUniformPagingMatchesPositions(t *testing.T) {
	goal := 50
	b := NewBuilder(goal, 10)
	segs := offerAll(b, uniformRecords(800, 1000, 10))

	for _, seg := range segs {
		if seg.Model == nil {
			continue
		}
		for i, rec := range seg.Records {
			expected := i / goal
			if expected >= seg.PageCount {
				expected = seg.PageCount - 1
			}
			got := model.PageForKey(seg.BaseKey, *seg.Model, seg.PageCount, rec.Key)
			assert.Equal(t, expected, got,
				"record %d of segment at base %d", i, seg.BaseKey)
		}
	}
}

func TestBuilderSegmentsPartitionInput(t *testing.T) {
	b := NewBuilder(40, 8)
	recs := uniformRecords(777, 5, 3)
	segs := offerAll(b, recs)

	var rebuilt []common.Record
	for i, seg := range segs {
		require.Equal(t, seg.BaseKey, seg.Records[0].Key)
		if i > 0 {
			assert.Greater(t, seg.BaseKey, segs[i-1].Records[len(segs[i-1].Records)-1].Key)
		}
		rebuilt = append(rebuilt, seg.Records...)
	}
	require.Len(t, rebuilt, len(recs))
	for i := range recs {
		assert.Equal(t, recs[i].Key, rebuilt[i].Key)
	}
}

func TestBuilderIrregularKeysFallBackToSmallSegments(t *testing.T) {
	// Alternating dense and sparse runs defeat a single line.
	var recs []common.Record
	key := common.KeyType(0)
	for i := 0; i < 400; i++ {
		if (i/20)%2 == 0 {
			key += 1
		} else {
			key += 100000
		}
		recs = append(recs, common.Record{Key: key, Value: []byte("v")})
	}

	b := NewBuilder(50, 2)
	segs := offerAll(b, recs)
	total := 0
	for _, seg := range segs {
		assert.Contains(t, PageCounts, seg.PageCount)
		total += len(seg.Records)
	}
	assert.Equal(t, len(recs), total)
	assert.Greater(t, len(segs), 1)
}

func TestFinishEmitsShortTailAsSinglePages(t *testing.T) {
	b := NewBuilder(50, 10)
	segs := offerAll(b, uniformRecords(30, 0, 7))
	require.Len(t, segs, 1)
	assert.Equal(t, 1, segs[0].PageCount)
	assert.Nil(t, segs[0].Model)
	assert.Len(t, segs[0].Records, 30)
}

func TestComputePageLowerBoundaries(t *testing.T) {
	b := NewBuilder(50, 10)
	segs := offerAll(b, uniformRecords(1000, 0, 10))

	for _, seg := range segs {
		bounds := ComputePageLowerBoundaries(&seg)
		require.Len(t, bounds, seg.PageCount)
		assert.Equal(t, seg.BaseKey, bounds[0])

		for i, bound := range bounds {
			if i > 0 {
				require.Greater(t, bound, bounds[i-1], "boundaries must strictly increase")
			}
			if seg.Model == nil {
				continue
			}
			// Each boundary is the smallest key mapping to its page.
			assert.Equal(t, i, model.PageForKey(seg.BaseKey, *seg.Model, seg.PageCount, bound))
			if i > 0 {
				assert.Equal(t, i-1, model.PageForKey(seg.BaseKey, *seg.Model, seg.PageCount, bound-1))
			}
		}
	}
}

func TestCurrentBaseKey(t *testing.T) {
	b := NewBuilder(50, 10)
	_, ok := b.CurrentBaseKey()
	assert.False(t, ok)

	b.Offer(common.Record{Key: 77, Value: []byte("v")})
	base, ok := b.CurrentBaseKey()
	require.True(t, ok)
	assert.Equal(t, common.KeyType(77), base)

	b.Finish()
	_, ok = b.CurrentBaseKey()
	assert.False(t, ok)
}
