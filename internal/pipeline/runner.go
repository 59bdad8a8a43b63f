package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/multivenue/obagg/internal/book"
	"github.com/multivenue/obagg/internal/faults"
	"github.com/multivenue/obagg/internal/feed"
	"github.com/multivenue/obagg/internal/observer"
	"github.com/multivenue/obagg/internal/price"
	"github.com/multivenue/obagg/internal/venue"
)

// Runner drives one venue through its lifecycle: connect the stream,
// snapshot, replay across the boundary, then apply deltas until
// something breaks, at which point it tears the venue's contribution
// out of the aggregate and cycles through backoff.
type Runner struct {
	engine  *Engine
	v       venue.Venue
	adapter feed.Adapter
	symbol  string
	vbook   *book.Book

	state       State
	backoff     *Backoff
	limiter     *rate.Limiter
	breaker     *gobreaker.CircuitBreaker
	parseErrors int
	logger      zerolog.Logger
}

func newRunner(e *Engine, v venue.Venue, adapter feed.Adapter, symbol string, vb *book.Book) *Runner {
	return &Runner{
		engine:  e,
		v:       v,
		adapter: adapter,
		symbol:  symbol,
		vbook:   vb,
		state:   Disconnected,
		backoff: NewBackoff(e.cfg.ReconnectInitial, e.cfg.ReconnectMax),
		limiter: rate.NewLimiter(rate.Limit(e.cfg.SnapshotRefetchRPS), 1),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    fmt.Sprintf("%s-snapshot", v.Name()),
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		logger: log.With().Str("venue", v.Name()).Str("symbol", symbol).Logger(),
	}
}

// Venue returns the venue this runner feeds.
func (r *Runner) Venue() venue.Venue { return r.v }

// State returns the runner's current lifecycle state. Only meaningful
// from the runner's own goroutine or after Run has returned.
func (r *Runner) State() State { return r.state }

// Run executes connect/sync/stream cycles until ctx is cancelled or
// the venue hits a fatal fault. Transient faults clear the venue's
// contribution and re-enter the cycle after backoff.
func (r *Runner) Run(ctx context.Context) {
	for {
		err := r.cycle(ctx)
		if ctx.Err() != nil {
			r.state = Disconnected
			return
		}

		if faults.ClassOf(err) == faults.Fatal {
			r.logger.Error().Err(err).Msg("fatal fault, quarantining venue")
			r.dropContribution()
			r.engine.recorder.SetHealth(r.v, observer.Quarantined)
			r.state = Disconnected
			return
		}

		r.logger.Warn().Err(err).Int("attempt", r.backoff.Attempts()).Msg("transient fault, recovering")
		r.state = Recovering
		r.dropContribution()
		r.engine.recorder.SetHealth(r.v, observer.Recovering)
		r.engine.recorder.RecordReconnect(r.v)
		if r.engine.metrics != nil {
			r.engine.metrics.ReconnectsTotal.WithLabelValues(r.v.Name()).Inc()
		}

		select {
		case <-ctx.Done():
			r.state = Disconnected
			return
		case <-time.After(r.backoff.Next()):
		}
	}
}

// dropContribution empties the venue book and removes the venue from
// every aggregated level.
func (r *Runner) dropContribution() {
	e := r.engine
	e.mu.Lock()
	r.vbook.Clear()
	e.agg.ReplaceFromVenue(r.v, nil)
	e.updateTopGauges()
	e.mu.Unlock()
	r.setLevelGauges()
}

// cycle is one full pass: subscribe, snapshot, replay the boundary,
// then stream steady-state deltas. It returns when the stream breaks,
// the sequence gaps, or ctx is done.
func (r *Runner) cycle(ctx context.Context) error {
	r.state = Subscribing
	r.parseErrors = 0

	stream, err := r.adapter.ConnectWS(ctx, r.symbol)
	if err != nil {
		return err
	}
	defer stream.Close()

	r.state = Snapshotting
	snap, err := r.fetchSnapshot(ctx)
	if err != nil {
		return err
	}

	bids, asks, err := r.parseSnapshot(snap)
	if err != nil {
		return err
	}

	e := r.engine
	e.mu.Lock()
	err = r.vbook.ApplySnapshot(bids, asks, snap.LastUpdateID)
	e.mu.Unlock()
	if err != nil {
		return err
	}
	r.logger.Info().Uint64("update_id", snap.LastUpdateID).
		Int("bids", len(bids)).Int("asks", len(asks)).Msg("snapshot applied")

	r.state = Replaying
	if err := r.replayBoundary(ctx, stream, snap.LastUpdateID); err != nil {
		return err
	}

	// Project the venue's reconciled state into the aggregate in one
	// step, then go steady-state.
	e.mu.Lock()
	e.agg.ReplaceFromVenue(r.v, r.vbook)
	e.updateTopGauges()
	e.mu.Unlock()
	r.setLevelGauges()

	r.state = Synced
	r.backoff.Reset()
	r.engine.recorder.SetHealth(r.v, observer.Synced)
	r.logger.Info().Msg("venue synced")

	return r.stream(ctx, stream)
}

// fetchSnapshot pulls the REST snapshot through the per-venue rate
// limiter and circuit breaker, bounded by the snapshot timeout.
func (r *Runner) fetchSnapshot(ctx context.Context) (*feed.Snapshot, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	sctx, cancel := context.WithTimeout(ctx, r.engine.cfg.SnapshotTimeout)
	defer cancel()

	res, err := r.breaker.Execute(func() (interface{}, error) {
		return r.adapter.FetchSnapshot(sctx, r.symbol, r.engine.cfg.SnapshotDepth)
	})
	if r.engine.metrics != nil {
		result := "ok"
		if err != nil {
			result = "error"
		}
		r.engine.metrics.SnapshotsTotal.WithLabelValues(r.v.Name(), result).Inc()
	}
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: snapshot circuit open: %v", faults.ErrNetworkTransient, err)
		}
		return nil, err
	}
	return res.(*feed.Snapshot), nil
}

// parseSnapshot converts wire pairs into book levels. Any unparseable
// entry invalidates the whole snapshot.
func (r *Runner) parseSnapshot(snap *feed.Snapshot) (bids, asks []book.Level, err error) {
	prec := r.vbook.Precision()
	convert := func(pairs []feed.PriceSize) ([]book.Level, error) {
		out := make([]book.Level, 0, len(pairs))
		for _, ps := range pairs {
			p, size, err := feed.ParseLevel(ps)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", faults.ErrSnapshotInvalid, err)
			}
			out = append(out, book.Level{Price: price.Encode(p, prec, 1), Size: size})
		}
		return out, nil
	}
	if bids, err = convert(snap.Bids); err != nil {
		return nil, nil, err
	}
	if asks, err = convert(snap.Asks); err != nil {
		return nil, nil, err
	}
	return bids, asks, nil
}

// replayBoundary walks buffered deltas until one bridges the snapshot
// id: older batches are dropped, and a batch that starts past the
// boundary means the snapshot is already stale relative to the
// stream. The wait is bounded by the snapshot timeout.
func (r *Runner) replayBoundary(ctx context.Context, stream feed.Stream, snapshotID uint64) error {
	deadline := time.Now().Add(r.engine.cfg.SnapshotTimeout)
	for {
		bctx, cancel := context.WithDeadline(ctx, deadline)
		batch, err := stream.Next(bctx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("%w: no delta bridged snapshot id %d within replay window",
					faults.ErrSnapshotStale, snapshotID)
			}
			if errors.Is(err, faults.ErrParseError) {
				if ferr := r.noteParseError(); ferr != nil {
					return ferr
				}
				continue
			}
			return err
		}

		if batch.LastUpdateID <= snapshotID {
			continue
		}
		if bridges(snapshotID, batch) {
			return r.applyBatch(batch, false)
		}
		return fmt.Errorf("%w: earliest live delta covers [%d, %d], past snapshot id %d",
			faults.ErrSnapshotStale, batch.FirstUpdateID, batch.LastUpdateID, snapshotID)
	}
}

// stream is the steady-state loop: one delta batch in, one atomic
// book-plus-aggregate apply out. A silent stream trips the idle
// watchdog and is treated as a transient network fault.
func (r *Runner) stream(ctx context.Context, stream feed.Stream) error {
	rule := r.adapter.SequenceRule()
	for {
		ictx, cancel := context.WithTimeout(ctx, r.engine.cfg.IdleTimeout)
		batch, err := stream.Next(ictx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("%w: no message within idle ceiling", faults.ErrNetworkTransient)
			}
			if errors.Is(err, faults.ErrParseError) {
				if ferr := r.noteParseError(); ferr != nil {
					return ferr
				}
				continue
			}
			return err
		}

		applied, _ := r.vbook.LastUpdateID()
		ok, err := admit(rule, applied, batch)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := r.applyBatch(batch, true); err != nil {
			return err
		}
	}
}

// applyBatch applies one delta batch to the venue book (and, when
// project is set, mirrors each change into the aggregate) as a
// single atomic step under the engine lock. Unparseable entries are
// skipped and counted; crossing the parse-error threshold aborts the
// batch and forces recovery.
func (r *Runner) applyBatch(batch *feed.DeltaBatch, project bool) error {
	e := r.engine
	prec := r.vbook.Precision()

	e.mu.Lock()
	for _, half := range []struct {
		side  book.Side
		pairs []feed.PriceSize
	}{
		{book.Bid, batch.Bids},
		{book.Ask, batch.Asks},
	} {
		for _, ps := range half.pairs {
			p, size, err := feed.ParseLevel(ps)
			if err != nil {
				if ferr := r.noteParseError(); ferr != nil {
					e.mu.Unlock()
					return ferr
				}
				continue
			}
			if err := r.vbook.ApplyDelta(half.side, price.Encode(p, prec, 1), size, nil); err != nil {
				e.mu.Unlock()
				return err
			}
			if project {
				e.agg.UpdateLevel(r.v, half.side, p, size)
			}
		}
	}
	r.vbook.Advance(batch.LastUpdateID)
	if project {
		e.updateTopGauges()
	}
	e.mu.Unlock()

	latency := time.Since(batch.Received)
	e.recorder.RecordMessage(r.v, batch.LastUpdateID, batch.Received)
	e.recorder.RecordLatency(r.v, latency)
	if e.metrics != nil {
		e.metrics.UpdatesTotal.WithLabelValues(r.v.Name()).Inc()
		e.metrics.UpdateLatency.WithLabelValues(r.v.Name()).Observe(latency.Seconds())
	}
	r.setLevelGauges()
	return nil
}

// noteParseError counts one malformed entry; past the configured
// threshold it returns the error that sends the runner to recovery.
func (r *Runner) noteParseError() error {
	r.parseErrors++
	r.engine.recorder.RecordParseError(r.v)
	if r.engine.metrics != nil {
		r.engine.metrics.ParseErrorsTotal.WithLabelValues(r.v.Name()).Inc()
	}
	if r.parseErrors > r.engine.cfg.MaxParseErrors {
		return fmt.Errorf("%w: %d malformed messages exceeded threshold %d",
			faults.ErrParseError, r.parseErrors, r.engine.cfg.MaxParseErrors)
	}
	return nil
}

func (r *Runner) setLevelGauges() {
	if r.engine.metrics == nil {
		return
	}
	r.engine.mu.Lock()
	bids, asks := r.vbook.Sizes()
	r.engine.mu.Unlock()
	r.engine.metrics.BookLevels.WithLabelValues(r.v.Name(), "bid").Set(float64(bids))
	r.engine.metrics.BookLevels.WithLabelValues(r.v.Name(), "ask").Set(float64(asks))
}
