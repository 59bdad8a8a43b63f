package price

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		p         float64
		precision Precision
	}{
		{100.00, 2},
		{0.00000001, 8},
		{64999.995, 2},
		{1, 1},
		{3.14159265, 8},
	}

	for _, c := range cases {
		key := Encode(c.p, c.precision, 1)
		decoded := Decode(key, c.precision, 1)
		tolerance := 0.5 * math.Pow10(-int(c.precision))
		assert.InDelta(t, c.p, decoded, tolerance)
	}
}

func TestEncodeQuantizationCollapsesNoise(t *testing.T) {
	// Two prices differing by less than half a tick collapse to the same key.
	a := Encode(100.001, 2, 1)
	b := Encode(100.004, 2, 1)
	assert.Equal(t, a, b)
}

func TestEncodeUSDFactorProjection(t *testing.T) {
	// 100.00 USD at a 0.99 USDT/USD rate projects to 99.00 USDT.
	usd := Encode(100.00, 2, 0.99)
	usdt := Encode(99.00, 2, 1)
	assert.Equal(t, usdt, usd)
}

func TestDecodeInvertsUSDFactor(t *testing.T) {
	key := Encode(100.00, 2, 0.99)
	back := Decode(key, 2, 0.99)
	assert.InDelta(t, 100.00, back, 0.01)
}

func TestEncodeRoundHalfAwayFromZero(t *testing.T) {
	// 1.125 at precision 2 -> exactly 112.5 -> rounds to 113, not floor's 112.
	assert.Equal(t, Key(113), Encode(1.125, 2, 1))
	assert.Equal(t, Key(-113), Encode(-1.125, 2, 1))
}

func TestEncodePreservesSign(t *testing.T) {
	assert.True(t, Encode(-5.0, 2, 1) < 0)
}
