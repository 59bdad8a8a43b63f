// Package aggregate implements the cross-venue order book: two
// ladders keyed by normalized fixed-point price, where each level
// carries the per-venue contributions that sum to its total size.
// The aggregate's canonical quote currency is USDT; USD-denominated
// venues are projected through the current USDT/USD rate.
package aggregate

import (
	"fmt"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"

	"github.com/multivenue/obagg/internal/book"
	"github.com/multivenue/obagg/internal/price"
	"github.com/multivenue/obagg/internal/venue"
)

// rateEpsilon is the relative change below which a USDT rate update
// is ignored rather than invalidating every projected USD price.
const rateEpsilon = 1e-9

// Contribution is one venue's share of an aggregated level.
type Contribution struct {
	Venue venue.Venue
	Size  float64
}

// Level is one aggregated price level. Total always equals the sum
// of the source contributions, and no contribution is ever zero; a
// level with no contributions does not exist in the book.
type Level struct {
	Key     price.Key
	Total   float64
	sources [venue.MaxVenues]Contribution
	n       int
}

// Sources returns the per-venue contributions in insertion order.
func (l *Level) Sources() []Contribution {
	out := make([]Contribution, l.n)
	copy(out, l.sources[:l.n])
	return out
}

// SourceSize returns the named venue's contribution, or zero.
func (l *Level) SourceSize(v venue.Venue) float64 {
	for i := 0; i < l.n; i++ {
		if l.sources[i].Venue.ID() == v.ID() {
			return l.sources[i].Size
		}
	}
	return 0
}

// updateSource sets (or, for size zero, removes) one venue's
// contribution and recomputes the total from what remains.
func (l *Level) updateSource(v venue.Venue, size float64) {
	idx := -1
	for i := 0; i < l.n; i++ {
		if l.sources[i].Venue.ID() == v.ID() {
			idx = i
			break
		}
	}
	switch {
	case idx >= 0 && size > 0:
		l.sources[idx].Size = size
	case idx >= 0:
		copy(l.sources[idx:l.n-1], l.sources[idx+1:l.n])
		l.n--
	case size > 0:
		l.sources[l.n] = Contribution{Venue: v, Size: size}
		l.n++
	}

	total := 0.0
	for i := 0; i < l.n; i++ {
		total += l.sources[i].Size
	}
	l.Total = total
}

// Book is the aggregated order book across all registered venues.
// It is not safe for concurrent use; the pipeline scheduler owns it
// and serializes every mutation and read.
type Book struct {
	bids      *treemap.Map // price.Key (int64, normalized) -> *Level
	asks      *treemap.Map
	precision price.Precision
	usdtRate  float64
}

// New returns an empty aggregated book at the given fixed-point
// precision, with the USDT/USD rate initialized to parity.
func New(precision price.Precision) *Book {
	return &Book{
		bids:      treemap.NewWith(utils.Int64Comparator),
		asks:      treemap.NewWith(utils.Int64Comparator),
		precision: precision,
		usdtRate:  1.0,
	}
}

// Precision returns the normalization precision.
func (b *Book) Precision() price.Precision { return b.precision }

// USDTRate returns the current USDT/USD conversion rate.
func (b *Book) USDTRate() float64 { return b.usdtRate }

// factor returns the multiplier that projects the venue's prices
// into the aggregate's USDT terms.
func (b *Book) factor(v venue.Venue) float64 {
	if v.QuoteKindOf() == venue.USD {
		return b.usdtRate
	}
	return 1.0
}

// SetUSDTRate installs a new USDT/USD rate. If the rate moved by more
// than a relative epsilon, every projected USD price is stale: both
// sides are cleared and the call reports invalidated=true, which the
// caller must answer by re-projecting every venue's current book via
// ReplaceFromVenue. A rate that is not strictly positive is rejected.
func (b *Book) SetUSDTRate(rate float64) (invalidated bool, err error) {
	if rate <= 0 {
		return false, fmt.Errorf("usdt rate must be positive, got %v", rate)
	}
	if relDiff(rate, b.usdtRate) <= rateEpsilon {
		return false, nil
	}
	b.usdtRate = rate
	b.bids.Clear()
	b.asks.Clear()
	return true, nil
}

func relDiff(a, c float64) float64 {
	d := a - c
	if d < 0 {
		d = -d
	}
	base := c
	if base < 0 {
		base = -base
	}
	if base == 0 {
		return d
	}
	return d / base
}

// UpdateLevel projects one (price, size) point from a venue into the
// aggregate. Size is the venue's absolute size at that price; zero
// removes the venue's contribution. Levels left with no contributors
// are pruned.
func (b *Book) UpdateLevel(v venue.Venue, side book.Side, p float64, size float64) {
	key := price.Encode(p, b.precision, b.factor(v))
	b.updateKeyed(v, side, key, size)
}

// updateKeyed is UpdateLevel after normalization: the key is already
// in aggregate terms.
func (b *Book) updateKeyed(v venue.Venue, side book.Side, key price.Key, size float64) {
	ladder := b.ladder(side)
	var lvl *Level
	if cur, ok := ladder.Get(int64(key)); ok {
		lvl = cur.(*Level)
	} else {
		if size <= 0 {
			return
		}
		lvl = &Level{Key: key}
		ladder.Put(int64(key), lvl)
	}
	lvl.updateSource(v, size)
	if lvl.n == 0 {
		ladder.Remove(int64(key))
	}
}

func (b *Book) ladder(side book.Side) *treemap.Map {
	if side == book.Bid {
		return b.bids
	}
	return b.asks
}

// ReplaceFromVenue atomically swaps one venue's entire contribution:
// it first removes the venue from every level on both sides, then
// re-applies the venue's current ladder. Passing a nil book drops the
// venue's contribution without adding anything back, which is how the
// pipeline expresses "this venue is recovering, take it out".
//
// The venue book's keys are raw (venue currency); they are decoded
// and re-encoded through the projection factor on the way in.
func (b *Book) ReplaceFromVenue(v venue.Venue, vb *book.Book) {
	b.ClearVenue(v)
	if vb == nil {
		return
	}
	bids, asks := vb.All()
	for _, lvl := range bids {
		p := price.Decode(lvl.Price, vb.Precision(), 1)
		b.UpdateLevel(v, book.Bid, p, lvl.Size)
	}
	for _, lvl := range asks {
		p := price.Decode(lvl.Price, vb.Precision(), 1)
		b.UpdateLevel(v, book.Ask, p, lvl.Size)
	}
}

// ClearVenue removes one venue's contribution from every level on
// both sides, pruning levels it was the only source of.
func (b *Book) ClearVenue(v venue.Venue) {
	clearSide := func(side *treemap.Map) {
		var empty []int64
		it := side.Iterator()
		for it.Next() {
			lvl := it.Value().(*Level)
			lvl.updateSource(v, 0)
			if lvl.n == 0 {
				empty = append(empty, it.Key().(int64))
			}
		}
		for _, k := range empty {
			side.Remove(k)
		}
	}
	clearSide(b.bids)
	clearSide(b.asks)
}

// BestBidAsk returns the top level of each side. ok is false unless
// both sides are non-empty.
func (b *Book) BestBidAsk() (bid, ask *Level, ok bool) {
	bk, bv := b.bids.Max()
	ak, av := b.asks.Min()
	if bk == nil || ak == nil {
		return nil, nil, false
	}
	return bv.(*Level), av.(*Level), true
}

// BestBidAskPrices returns the top-of-book prices in USDT terms.
func (b *Book) BestBidAskPrices() (bid, ask float64, ok bool) {
	bl, al, ok := b.BestBidAsk()
	if !ok {
		return 0, 0, false
	}
	return price.Decode(bl.Key, b.precision, 1), price.Decode(al.Key, b.precision, 1), true
}

// BestBidAskPricesByVenue returns the top-of-book prices expressed in
// the given venue's own quote currency (the inverse projection).
func (b *Book) BestBidAskPricesByVenue(v venue.Venue) (bid, ask float64, ok bool) {
	bl, al, ok := b.BestBidAsk()
	if !ok {
		return 0, 0, false
	}
	f := b.factor(v)
	return price.Decode(bl.Key, b.precision, f), price.Decode(al.Key, b.precision, f), true
}

// Depth returns up to n aggregated levels per side, bids descending
// from the best bid, asks ascending from the best ask.
func (b *Book) Depth(n int) (bids, asks []*Level) {
	bids = make([]*Level, 0, n)
	it := b.bids.Iterator()
	for it.End(); it.Prev() && len(bids) < n; {
		bids = append(bids, it.Value().(*Level))
	}
	asks = make([]*Level, 0, n)
	ait := b.asks.Iterator()
	for ait.Next() {
		asks = append(asks, ait.Value().(*Level))
		if len(asks) >= n {
			break
		}
	}
	return bids, asks
}

// VolumeFromVenue returns the size a specific venue contributes at a
// given raw (unprojected, venue-currency) price, or zero if the venue
// has no liquidity there.
func (b *Book) VolumeFromVenue(v venue.Venue, side book.Side, p float64) float64 {
	key := price.Encode(p, b.precision, b.factor(v))
	cur, ok := b.ladder(side).Get(int64(key))
	if !ok {
		return 0
	}
	return cur.(*Level).SourceSize(v)
}

// Len returns the number of levels on each side.
func (b *Book) Len() (bids, asks int) {
	return b.bids.Size(), b.asks.Size()
}

// Clear empties both sides. The USDT rate is preserved.
func (b *Book) Clear() {
	b.bids.Clear()
	b.asks.Clear()
}
