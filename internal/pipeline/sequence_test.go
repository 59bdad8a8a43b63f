package pipeline

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/multivenue/obagg/internal/faults"
	"github.com/multivenue/obagg/internal/feed"
)

func TestAdmit(t *testing.T) {
	cases := []struct {
		name    string
		rule    feed.SequenceRule
		applied uint64
		first   uint64
		last    uint64
		apply   bool
		gap     bool
	}{
		{"contiguous next", feed.RuleContiguous, 50, 51, 51, true, false},
		{"contiguous batch range", feed.RuleContiguous, 50, 51, 55, true, false},
		{"stale dropped", feed.RuleContiguous, 50, 48, 50, false, false},
		{"stale dropped overlap rule", feed.RuleOverlap, 50, 40, 45, false, false},
		{"gap", feed.RuleContiguous, 50, 60, 60, false, true},
		{"contiguous rejects overlap", feed.RuleContiguous, 50, 50, 52, false, true},
		{"overlap accepts overlap", feed.RuleOverlap, 50, 50, 52, true, false},
		{"overlap accepts exact next", feed.RuleOverlap, 50, 51, 53, true, false},
		{"overlap gap", feed.RuleOverlap, 50, 52, 53, false, true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			batch := &feed.DeltaBatch{FirstUpdateID: c.first, LastUpdateID: c.last}
			apply, err := admit(c.rule, c.applied, batch)
			assert.Equal(t, c.apply, apply)
			if c.gap {
				assert.True(t, errors.Is(err, faults.ErrSequenceGap))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestBridges(t *testing.T) {
	assert.True(t, bridges(10, &feed.DeltaBatch{FirstUpdateID: 11, LastUpdateID: 11}))
	assert.True(t, bridges(10, &feed.DeltaBatch{FirstUpdateID: 8, LastUpdateID: 12}))
	assert.False(t, bridges(10, &feed.DeltaBatch{FirstUpdateID: 12, LastUpdateID: 14}))
	assert.False(t, bridges(10, &feed.DeltaBatch{FirstUpdateID: 5, LastUpdateID: 10}))
}
