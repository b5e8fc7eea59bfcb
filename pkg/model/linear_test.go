package model

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/SYaoJun/treeline/pkg/common"
)

func TestPageForKeyClamps(t *testing.T) {
	line := Line{Slope: 0.01, Intercept: 0}
	base := common.KeyType(1000)

	assert.Equal(t, 0, PageForKey(base, line, 4, 500))  // below base
	assert.Equal(t, 0, PageForKey(base, line, 4, 1000)) // at base
	assert.Equal(t, 1, PageForKey(base, line, 4, 1150))
	assert.Equal(t, 3, PageForKey(base, line, 4, 1350))
	assert.Equal(t, 3, PageForKey(base, line, 4, 99999)) // above range
}

func TestInvertRoundTrip(t *testing.T) {
	line := Line{Slope: 0.025, Intercept: 1.5}
	inv := line.Invert()
	for _, x := range []float64{0, 10, 400, 123456} {
		assert.InDelta(t, x, inv.Eval(line.Eval(x)), 1e-6)
	}
}

func TestCorridorAcceptsLinearPoints(t *testing.T) {
	c := NewCorridor(1.0)
	for i := 0; i < 100; i++ {
		assert.True(t, c.Offer(float64(i*10), float64(i)))
	}
	line := c.Line()
	for i := 0; i < 100; i++ {
		assert.InDelta(t, float64(i), line.Eval(float64(i*10)), 1.0)
	}
}

func TestCorridorRejectsBreakpoint(t *testing.T) {
	c := NewCorridor(0.5)
	assert.True(t, c.Offer(0, 0))
	assert.True(t, c.Offer(10, 1))
	assert.True(t, c.Offer(20, 2))
	// A sharp jump in density cannot stay within +-0.5 of any line.
	assert.False(t, c.Offer(21, 10))
	// Rejection leaves the corridor usable.
	assert.True(t, c.Offer(30, 3))
}
