// Package pipeline drives the aggregation core: one runner per venue
// pulls a REST snapshot, reconciles it with the venue's WebSocket
// delta stream, keeps the venue book current, and republishes every
// change into the shared aggregated book. Recovery (reconnect with
// backoff, snapshot rebuild) lives here too.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/multivenue/obagg/internal/aggregate"
	"github.com/multivenue/obagg/internal/book"
	"github.com/multivenue/obagg/internal/feed"
	"github.com/multivenue/obagg/internal/observer"
	"github.com/multivenue/obagg/internal/obsmetrics"
	"github.com/multivenue/obagg/internal/price"
	"github.com/multivenue/obagg/internal/venue"
)

// Config bounds the pipeline's timing and failure behavior.
type Config struct {
	SnapshotDepth      int
	SnapshotTimeout    time.Duration
	IdleTimeout        time.Duration
	ReconnectInitial   time.Duration
	ReconnectMax       time.Duration
	MaxParseErrors     int
	SnapshotRefetchRPS float64
}

// withDefaults fills zero fields with production defaults.
func (c Config) withDefaults() Config {
	if c.SnapshotDepth == 0 {
		c.SnapshotDepth = 1000
	}
	if c.SnapshotTimeout == 0 {
		c.SnapshotTimeout = 10 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 30 * time.Second
	}
	if c.ReconnectInitial == 0 {
		c.ReconnectInitial = time.Second
	}
	if c.ReconnectMax == 0 {
		c.ReconnectMax = 60 * time.Second
	}
	if c.MaxParseErrors == 0 {
		c.MaxParseErrors = 8
	}
	if c.SnapshotRefetchRPS == 0 {
		c.SnapshotRefetchRPS = 1
	}
	return c
}

// Engine owns the aggregated book and every venue runner. A single
// mutex serializes all book mutations and observer reads, held only
// across one applied batch, never across I/O, so observers always
// see whole batches.
type Engine struct {
	mu       sync.Mutex
	agg      *aggregate.Book
	books    map[venue.ID]*book.Book
	runners  []*Runner
	recorder *observer.Recorder
	metrics  *obsmetrics.Registry
	cfg      Config
}

// NewEngine creates an engine around an empty aggregated book at the
// given precision. metrics may be nil to disable instrumentation.
func NewEngine(precision price.Precision, cfg Config, recorder *observer.Recorder, metrics *obsmetrics.Registry) *Engine {
	return &Engine{
		agg:      aggregate.New(precision),
		books:    make(map[venue.ID]*book.Book),
		recorder: recorder,
		metrics:  metrics,
		cfg:      cfg.withDefaults(),
	}
}

// AddVenue wires one venue into the engine: a fresh book at the
// engine's precision plus a runner bound to the adapter. Call before
// Run.
func (e *Engine) AddVenue(v venue.Venue, adapter feed.Adapter, symbol string) *Runner {
	vb := book.New(e.agg.Precision())
	e.books[v.ID()] = vb
	r := newRunner(e, v, adapter, symbol, vb)
	e.runners = append(e.runners, r)
	e.recorder.Track(v)
	return r
}

// Run starts every venue runner and blocks until ctx is cancelled and
// all runners have shut down.
func (e *Engine) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, r := range e.runners {
		wg.Add(1)
		go func(r *Runner) {
			defer wg.Done()
			r.Run(ctx)
		}(r)
	}
	wg.Wait()
}

// SetUSDTRate feeds a new USDT/USD observation into the aggregate.
// When the move is big enough to invalidate projected USD prices, the
// cleared aggregate is rebuilt in place by re-projecting every
// venue's current book, USDT venues included, whose keys are
// rate-invariant but are re-applied for uniformity.
func (e *Engine) SetUSDTRate(rate float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	invalidated, err := e.agg.SetUSDTRate(rate)
	if err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.USDTRate.Set(rate)
	}
	if !invalidated {
		return nil
	}

	log.Info().Float64("rate", rate).Msg("usdt rate moved, re-projecting venues")
	for _, r := range e.runners {
		e.agg.ReplaceFromVenue(r.v, e.books[r.v.ID()])
	}
	e.updateTopGauges()
	return nil
}

// USDTRate returns the aggregate's current conversion rate.
func (e *Engine) USDTRate() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.agg.USDTRate()
}

// updateTopGauges refreshes the top-of-book gauges. Callers hold mu.
func (e *Engine) updateTopGauges() {
	if e.metrics == nil {
		return
	}
	if bid, ask, ok := e.agg.BestBidAskPrices(); ok {
		e.metrics.AggBestBid.Set(bid)
		e.metrics.AggBestAsk.Set(ask)
	}
}

// BestBidAsk returns copies of the aggregated top levels. ok is false
// unless both sides are populated.
func (e *Engine) BestBidAsk() (bid, ask aggregate.Level, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	bl, al, ok := e.agg.BestBidAsk()
	if !ok {
		return aggregate.Level{}, aggregate.Level{}, false
	}
	return *bl, *al, true
}

// Depth returns up to n aggregated levels per side, as copies.
func (e *Engine) Depth(n int) (bids, asks []aggregate.Level) {
	e.mu.Lock()
	defer e.mu.Unlock()
	bl, al := e.agg.Depth(n)
	bids = make([]aggregate.Level, len(bl))
	for i, l := range bl {
		bids[i] = *l
	}
	asks = make([]aggregate.Level, len(al))
	for i, l := range al {
		asks[i] = *l
	}
	return bids, asks
}

// VenueBest returns one venue's top of book.
func (e *Engine) VenueBest(v venue.Venue) (bid, ask book.Level, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	vb, found := e.books[v.ID()]
	if !found {
		return book.Level{}, book.Level{}, false
	}
	b, hasBid := vb.BestBid()
	a, hasAsk := vb.BestAsk()
	return b, a, hasBid && hasAsk
}

// VenueDepth returns up to n levels per side of one venue's book.
func (e *Engine) VenueDepth(v venue.Venue, n int) (bids, asks []book.Level, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	vb, found := e.books[v.ID()]
	if !found {
		return nil, nil, false
	}
	bids, asks = vb.Depth(n)
	return bids, asks, true
}

// VolumeFromVenue reports one venue's contribution at a raw
// venue-currency price on the aggregate.
func (e *Engine) VolumeFromVenue(v venue.Venue, side book.Side, p float64) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.agg.VolumeFromVenue(v, side, p)
}

// Recorder exposes the health/latency view for embedding apps.
func (e *Engine) Recorder() *observer.Recorder { return e.recorder }
