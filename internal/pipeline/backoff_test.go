package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDoublesWithJitter(t *testing.T) {
	b := NewBackoff(time.Second, 60*time.Second)

	expected := time.Second
	for i := 0; i < 6; i++ {
		d := b.Next()
		assert.InDelta(t, float64(expected), float64(d), 0.1*float64(expected),
			"attempt %d should be ~%v ±10%%", i, expected)
		expected *= 2
	}
}

func TestBackoffCaps(t *testing.T) {
	b := NewBackoff(time.Second, 60*time.Second)
	for i := 0; i < 20; i++ {
		b.Next()
	}
	d := b.Next()
	cap := 60 * time.Second
	assert.LessOrEqual(t, d, time.Duration(float64(cap)*1.1))
	assert.GreaterOrEqual(t, d, time.Duration(float64(cap)*0.9))
}

func TestBackoffReset(t *testing.T) {
	b := NewBackoff(time.Second, 60*time.Second)
	b.Next()
	b.Next()
	assert.Equal(t, 2, b.Attempts())

	b.Reset()
	assert.Zero(t, b.Attempts())
	d := b.Next()
	assert.InDelta(t, float64(time.Second), float64(d), 0.1*float64(time.Second))
}

func TestBackoffDegenerateConfig(t *testing.T) {
	b := NewBackoff(0, 0)
	d := b.Next()
	assert.Greater(t, d, time.Duration(0))
}
