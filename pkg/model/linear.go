package model

import (
	"math"

	"github.com/SYaoJun/treeline/pkg/common"
)

// Line is a two-parameter linear function mapping a key delta
// (key - base_key) to a page index inside a segment.
type Line struct {
	Slope     float64
	Intercept float64
}

func (l Line) Eval(x float64) float64 {
	return l.Slope*x + l.Intercept
}

// Invert returns the line mapping page index back to key delta.
// Only valid for lines with a non-zero slope.
func (l Line) Invert() Line {
	return Line{
		Slope:     1.0 / l.Slope,
		Intercept: -l.Intercept / l.Slope,
	}
}

// PageForKey computes the page index that owns k inside a segment with
// the given base key, model line, and page count. The raw prediction is
// clamped into [0, pageCount).
func PageForKey(base common.KeyType, line Line, pageCount int, k common.KeyType) int {
	if k <= base {
		return 0
	}
	idx := int(math.Floor(line.Eval(float64(k - base))))
	if idx < 0 {
		return 0
	}
	if idx >= pageCount {
		return pageCount - 1
	}
	return idx
}
