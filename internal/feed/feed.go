// Package feed defines the contract between the update pipeline and
// the per-venue adapters that speak each exchange's wire formats. The
// pipeline consumes snapshots and delta batches through this package
// and never sees venue-specific JSON.
package feed

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/multivenue/obagg/internal/faults"
)

// PriceSize is one (price, size) pair as the venue shipped it, still
// in string form. Sizes are absolute replacement values.
type PriceSize struct {
	Price string
	Size  string
}

// DeltaBatch is one incremental order book update from a venue's
// WebSocket stream. FirstUpdateID and LastUpdateID bound the sequence
// ids the batch covers; venues that attach a single id per message
// set both to the same value.
type DeltaBatch struct {
	FirstUpdateID uint64
	LastUpdateID  uint64
	Bids          []PriceSize
	Asks          []PriceSize
	Received      time.Time
}

// Snapshot is a full depth dump from a venue's REST endpoint at a
// specific sequence id.
type Snapshot struct {
	LastUpdateID uint64
	Bids         []PriceSize
	Asks         []PriceSize
}

// SequenceRule declares how a venue numbers its delta batches, so the
// pipeline can enforce the matching continuity check.
type SequenceRule uint8

const (
	// RuleContiguous: each batch's first id must be exactly one past
	// the previous batch's last id.
	RuleContiguous SequenceRule = iota
	// RuleOverlap: batches may overlap the applied range; a batch is
	// acceptable when first <= applied+1 <= last.
	RuleOverlap
)

// Stream is a live sequence of delta batches from one venue. Next
// blocks until a batch arrives, the stream fails, or ctx is done.
// Errors returned by Next wrap the fault taxonomy so the pipeline can
// classify them.
type Stream interface {
	Next(ctx context.Context) (*DeltaBatch, error)
	Close() error
}

// Adapter is one venue's wire-format implementation.
type Adapter interface {
	// ConnectWS opens the venue's depth delta channel for symbol and
	// begins buffering batches immediately.
	ConnectWS(ctx context.Context, symbol string) (Stream, error)
	// FetchSnapshot pulls a one-shot REST depth snapshot.
	FetchSnapshot(ctx context.Context, symbol string, depth int) (*Snapshot, error)
	// SequenceRule reports how this venue numbers delta batches.
	SequenceRule() SequenceRule
}

// TickerSource is the optional capability a USDT rate provider needs:
// a stream of last-trade or mid prices for a symbol.
type TickerSource interface {
	SubscribeTicker(ctx context.Context, symbol string) (<-chan float64, error)
}

// ParseLevel converts one wire-format pair into numbers. The price
// and the size must each parse to a finite non-negative value;
// anything else is a ParseError. A zero size is legal: it is
// the deletion marker.
func ParseLevel(ps PriceSize) (price, size float64, err error) {
	price, err = strconv.ParseFloat(ps.Price, 64)
	if err != nil || math.IsNaN(price) || math.IsInf(price, 0) || price < 0 {
		return 0, 0, fmt.Errorf("%w: bad price %q", faults.ErrParseError, ps.Price)
	}
	size, err = strconv.ParseFloat(ps.Size, 64)
	if err != nil || math.IsNaN(size) || math.IsInf(size, 0) || size < 0 {
		return 0, 0, fmt.Errorf("%w: bad size %q", faults.ErrParseError, ps.Size)
	}
	return price, size, nil
}
