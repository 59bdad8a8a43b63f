// Package book implements the per-venue order book: two price-keyed
// ladders that absorb a REST snapshot and a stream of incremental
// deltas.
package book

import (
	"fmt"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"

	"github.com/multivenue/obagg/internal/faults"
	"github.com/multivenue/obagg/internal/price"
)

// Side identifies one side of a book.
type Side uint8

const (
	Bid Side = iota
	Ask
)

// Level is one (price, size) entry on one side of a book.
type Level struct {
	Price price.Key
	Size  float64
}

// Book is a single venue's reconstructed order book: two ordered
// ladders keyed by fixed-point price, plus the sequence id of the
// last applied batch.
type Book struct {
	precision    price.Precision
	bids         *treemap.Map // price.Key -> float64 size, ascending; best bid is Max
	asks         *treemap.Map // price.Key -> float64 size, ascending; best ask is Min
	lastUpdateID uint64
	hasUpdateID  bool
}

// New returns an empty book at the given fixed-point precision.
// Precision is immutable for the book's lifetime.
func New(precision price.Precision) *Book {
	return &Book{
		precision: precision,
		bids:      treemap.NewWith(utils.Int64Comparator),
		asks:      treemap.NewWith(utils.Int64Comparator),
	}
}

// Precision returns the book's fixed-point precision.
func (b *Book) Precision() price.Precision { return b.precision }

// LastUpdateID returns the sequence id of the last applied batch and
// whether one has been set yet (false until a snapshot, an
// id-carrying delta or Advance has set it).
func (b *Book) LastUpdateID() (uint64, bool) { return b.lastUpdateID, b.hasUpdateID }

// ApplySnapshot replaces both sides of the book entirely. Zero-size
// entries are dropped on the way in. It fails with SnapshotInvalid if
// the snapshot is crossed (best ask <= best bid).
func (b *Book) ApplySnapshot(bids, asks []Level, updateID uint64) error {
	newBids := treemap.NewWith(utils.Int64Comparator)
	newAsks := treemap.NewWith(utils.Int64Comparator)

	for _, lvl := range bids {
		if lvl.Size > 0 {
			newBids.Put(int64(lvl.Price), lvl.Size)
		}
	}
	for _, lvl := range asks {
		if lvl.Size > 0 {
			newAsks.Put(int64(lvl.Price), lvl.Size)
		}
	}

	if !newBids.Empty() && !newAsks.Empty() {
		bestBidKey, _ := newBids.Max()
		bestAskKey, _ := newAsks.Min()
		if bestAskKey.(int64) <= bestBidKey.(int64) {
			return fmt.Errorf("%w: best ask %d <= best bid %d", faults.ErrSnapshotInvalid, bestAskKey, bestBidKey)
		}
	}

	b.bids = newBids
	b.asks = newAsks
	b.lastUpdateID = updateID
	b.hasUpdateID = true
	return nil
}

// ApplyDelta applies a single price-point update to one side. A
// size of zero removes the level (no-op if absent); a positive size
// inserts or overwrites it. If updateID is supplied it must be
// exactly one greater than the book's current last update id, or the
// call fails with SequenceGap; it is the pipeline's job to decide how
// to classify and recover from that, not this call's.
func (b *Book) ApplyDelta(side Side, p price.Key, size float64, updateID *uint64) error {
	if updateID != nil {
		if b.hasUpdateID && *updateID != b.lastUpdateID+1 {
			return fmt.Errorf("%w: expected %d, got %d", faults.ErrSequenceGap, b.lastUpdateID+1, *updateID)
		}
	}

	ladder := b.ladder(side)
	if size <= 0 {
		ladder.Remove(int64(p))
	} else {
		ladder.Put(int64(p), size)
	}

	if updateID != nil {
		b.lastUpdateID = *updateID
		b.hasUpdateID = true
	}
	return nil
}

// Advance moves the book's last applied update id forward after a
// whole batch has been applied. Moving backwards is a programming
// error the pipeline's sequence checks rule out, so it is not
// re-validated here.
func (b *Book) Advance(updateID uint64) {
	b.lastUpdateID = updateID
	b.hasUpdateID = true
}

func (b *Book) ladder(side Side) *treemap.Map {
	if side == Bid {
		return b.bids
	}
	return b.asks
}

// BestBid returns the highest bid level, if any.
func (b *Book) BestBid() (Level, bool) {
	k, v := b.bids.Max()
	if k == nil {
		return Level{}, false
	}
	return Level{Price: price.Key(k.(int64)), Size: v.(float64)}, true
}

// BestAsk returns the lowest ask level, if any.
func (b *Book) BestAsk() (Level, bool) {
	k, v := b.asks.Min()
	if k == nil {
		return Level{}, false
	}
	return Level{Price: price.Key(k.(int64)), Size: v.(float64)}, true
}

// Depth returns up to n levels per side: bids descending from the
// best bid, asks ascending from the best ask.
func (b *Book) Depth(n int) (bids, asks []Level) {
	bids = depthDescending(b.bids, n)
	asks = depthAscending(b.asks, n)
	return bids, asks
}

func depthDescending(m *treemap.Map, n int) []Level {
	keys := m.Keys()
	out := make([]Level, 0, min(n, len(keys)))
	for i := len(keys) - 1; i >= 0 && len(out) < n; i-- {
		v, _ := m.Get(keys[i])
		out = append(out, Level{Price: price.Key(keys[i].(int64)), Size: v.(float64)})
	}
	return out
}

func depthAscending(m *treemap.Map, n int) []Level {
	keys := m.Keys()
	out := make([]Level, 0, min(n, len(keys)))
	for i := 0; i < len(keys) && len(out) < n; i++ {
		v, _ := m.Get(keys[i])
		out = append(out, Level{Price: price.Key(keys[i].(int64)), Size: v.(float64)})
	}
	return out
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Sizes returns the number of resting levels on each side.
func (b *Book) Sizes() (bids, asks int) {
	return b.bids.Size(), b.asks.Size()
}

// All returns both full ladders: bids descending from the best bid,
// asks ascending from the best ask. Used when the aggregate needs to
// re-project this venue wholesale.
func (b *Book) All() (bids, asks []Level) {
	return depthDescending(b.bids, b.bids.Size()), depthAscending(b.asks, b.asks.Size())
}

// SizeAt returns the size resting at a price key on one side, or
// false if the level is absent.
func (b *Book) SizeAt(side Side, p price.Key) (float64, bool) {
	v, ok := b.ladder(side).Get(int64(p))
	if !ok {
		return 0, false
	}
	return v.(float64), true
}

// Clear empties both sides of the book. LastUpdateID is left
// untouched; the caller (the pipeline, during recovery) decides
// whether and how to re-establish it.
func (b *Book) Clear() {
	b.bids.Clear()
	b.asks.Clear()
}

// Crossed reports whether the book is currently crossed, i.e. the
// best bid is not strictly below the best ask. A crossed state is
// only tolerated transiently during reconcile.
func (b *Book) Crossed() bool {
	bestBid, hasBid := b.BestBid()
	bestAsk, hasAsk := b.BestAsk()
	if !hasBid || !hasAsk {
		return false
	}
	return bestBid.Price >= bestAsk.Price
}
