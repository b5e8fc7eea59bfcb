package segment

import (
	"github.com/SYaoJun/treeline/pkg/common"
	"github.com/SYaoJun/treeline/pkg/model"
)

// PageCounts lists the permitted segment sizes, in pages.
var PageCounts = []int{1, 2, 4, 8, 16}

// MaxPagesPerSegment is the largest permitted segment size.
const MaxPagesPerSegment = 16

// Segment is a builder output: a run of records that will occupy
// PageCount contiguous pages, addressed by Model (nil for single-page
// segments, which need no model).
type Segment struct {
	BaseKey   common.KeyType
	PageCount int
	Records   []common.Record
	Model     *model.Line
}

// Builder consumes records in strictly ascending key order and emits
// variable-size segments. It keeps a streaming linear fit over
// (key delta, position); a candidate segment stays open while the fit's
// corridor can still absorb the next record, and closes at the largest
// permitted size its accepted records fill.
type Builder struct {
	goal  int
	delta int

	base     common.KeyType
	records  []common.Record
	corridor *model.Corridor
}

func NewBuilder(goal, delta int) *Builder {
	return &Builder{
		goal:     goal,
		delta:    delta,
		corridor: model.NewCorridor(float64(delta)),
	}
}

// CurrentBaseKey returns the first key of the open candidate segment,
// if one exists.
func (b *Builder) CurrentBaseKey() (common.KeyType, bool) {
	if len(b.records) == 0 {
		return 0, false
	}
	return b.base, true
}

// Offer feeds the next record. It returns the segments closed by this
// record, usually none.
func (b *Builder) Offer(rec common.Record) []Segment {
	if b.tryAppend(rec) {
		return nil
	}
	pending := make([]common.Record, 0, len(b.records)+1)
	pending = append(pending, b.records...)
	pending = append(pending, rec)
	return b.drain(pending, false)
}

// Finish closes and returns all remaining buffered records as segments.
// The builder is reusable afterwards.
func (b *Builder) Finish() []Segment {
	pending := b.records
	b.reset()
	return b.drain(pending, true)
}

func (b *Builder) maxRecords() int { return MaxPagesPerSegment * b.goal }

func (b *Builder) reset() {
	b.records = nil
	b.corridor.Reset()
}

// tryAppend extends the open candidate with rec if the corridor and the
// size cap allow it.
func (b *Builder) tryAppend(rec common.Record) bool {
	if len(b.records) == 0 {
		b.base = rec.Key
		b.corridor.Reset()
		b.corridor.Offer(0, 0)
		b.records = append([]common.Record(nil), rec)
		return true
	}
	if len(b.records) >= b.maxRecords() {
		return false
	}
	if !b.corridor.Offer(float64(rec.Key-b.base), float64(len(b.records))) {
		return false
	}
	b.records = append(b.records, rec)
	return true
}

// seat replaces the candidate with the longest seatable prefix of
// pending and returns its length.
func (b *Builder) seat(pending []common.Record) int {
	b.reset()
	for i, rec := range pending {
		if !b.tryAppend(rec) {
			return i
		}
	}
	return len(pending)
}

// drain closes segments from the front of pending until the remainder
// seats as the open candidate, or, when toEnd is set, until nothing
// remains.
func (b *Builder) drain(pending []common.Record, toEnd bool) []Segment {
	var out []Segment
	for len(pending) > 0 {
		n := b.seat(pending)
		if !toEnd && n == len(pending) {
			return out
		}
		pageCount, take := chooseSize(n, b.goal)
		out = append(out, buildSegment(pending[:take], pageCount))
		pending = pending[take:]
	}
	b.reset()
	return out
}

// chooseSize picks the largest permitted page count whose nominal
// capacity fits within n records, and the record count to close with.
func chooseSize(n, goal int) (pageCount, take int) {
	for i := len(PageCounts) - 1; i > 0; i-- {
		if PageCounts[i]*goal <= n {
			return PageCounts[i], PageCounts[i] * goal
		}
	}
	take = n
	if take > goal {
		take = goal
	}
	return 1, take
}

// buildSegment fixes the model for a closed run of records. The line
// maps the run's key span [0, dxLast] onto [0, pageCount), so the raw
// prediction for every accepted record floors into a valid page index
// and increases monotonically with the key.
func buildSegment(records []common.Record, pageCount int) Segment {
	recs := append([]common.Record(nil), records...)
	seg := Segment{
		BaseKey:   recs[0].Key,
		PageCount: pageCount,
		Records:   recs,
	}
	if pageCount == 1 {
		return seg
	}
	dxLast := float64(recs[len(recs)-1].Key - seg.BaseKey)
	line := model.Line{
		Slope:     (float64(pageCount) - 1e-6) / dxLast,
		Intercept: 0,
	}
	seg.Model = &line
	return seg
}

// ComputePageLowerBoundaries returns, for each page of seg, the
// smallest key the model assigns to it. The inverted model only brackets
// the answer; the exact boundary comes from a binary search over the key
// domain using the forward model, which is immune to the float rounding
// the inversion suffers from.
func ComputePageLowerBoundaries(seg *Segment) []common.KeyType {
	bounds := []common.KeyType{seg.BaseKey}
	if seg.PageCount == 1 {
		return bounds
	}
	line := *seg.Model
	inv := line.Invert()

	for pageIdx := 1; pageIdx < seg.PageCount; pageIdx++ {
		candidate := saturatingAdd(seg.BaseKey, inv.Eval(float64(pageIdx)))
		var lo, hi common.KeyType
		if model.PageForKey(seg.BaseKey, line, seg.PageCount, candidate) >= pageIdx {
			lo = saturatingAdd(seg.BaseKey, inv.Eval(float64(pageIdx-1)))
			hi = candidate
		} else {
			lo = candidate
			hi = saturatingAdd(seg.BaseKey, inv.Eval(float64(pageIdx+1)))
		}

		// Smallest key in [lo, hi] mapping to pageIdx or beyond.
		for lo < hi {
			mid := lo + (hi-lo)/2
			if model.PageForKey(seg.BaseKey, line, seg.PageCount, mid) < pageIdx {
				lo = mid + 1
			} else {
				hi = mid
			}
		}
		bounds = append(bounds, lo)
	}
	return bounds
}

func saturatingAdd(base common.KeyType, delta float64) common.KeyType {
	if delta <= 0 {
		return base
	}
	d := common.KeyType(delta)
	if base > common.MaxKey-d {
		return common.MaxKey
	}
	return base + d
}
