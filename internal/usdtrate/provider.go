// Package usdtrate feeds USDT/USD observations into the aggregate.
// It subscribes to a stablecoin ticker through the ordinary feed
// contract and forwards every meaningful move to the engine, which
// owns the clear-and-reproject consequences.
package usdtrate

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/multivenue/obagg/internal/feed"
	"github.com/multivenue/obagg/internal/pipeline"
)

// minRelativeMove is the relative change below which an observation
// is not worth forwarding.
const minRelativeMove = 1e-9

// Setter receives rate observations. Implemented by the pipeline
// engine.
type Setter interface {
	SetUSDTRate(rate float64) error
}

// Provider streams ticker observations for one symbol and pushes
// them into a Setter.
type Provider struct {
	source   feed.TickerSource
	symbol   string
	setter   Setter
	backoff  *pipeline.Backoff
	lastSent float64
}

// New creates a provider reading symbol from source. Reconnects after
// stream loss follow the same backoff envelope as venue pipelines.
func New(source feed.TickerSource, symbol string, setter Setter, reconnectInitial, reconnectMax time.Duration) *Provider {
	return &Provider{
		source:  source,
		symbol:  symbol,
		setter:  setter,
		backoff: pipeline.NewBackoff(reconnectInitial, reconnectMax),
	}
}

// Run subscribes and forwards observations until ctx is done. A dead
// ticker stream is re-subscribed with backoff; rate observations are
// best-effort, so failures never propagate out.
func (p *Provider) Run(ctx context.Context) {
	logger := log.With().Str("component", "usdtrate").Str("symbol", p.symbol).Logger()
	for {
		ch, err := p.source.SubscribeTicker(ctx, p.symbol)
		if err != nil {
			logger.Warn().Err(err).Msg("ticker subscribe failed")
		} else {
			p.backoff.Reset()
			p.consume(ctx, ch)
		}
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.backoff.Next()):
		}
	}
}

func (p *Provider) consume(ctx context.Context, ch <-chan float64) {
	logger := log.With().Str("component", "usdtrate").Logger()
	for {
		select {
		case <-ctx.Done():
			return
		case rate, ok := <-ch:
			if !ok {
				return
			}
			if rate <= 0 {
				continue
			}
			if p.lastSent != 0 && math.Abs(rate-p.lastSent)/p.lastSent <= minRelativeMove {
				continue
			}
			if err := p.setter.SetUSDTRate(rate); err != nil {
				logger.Warn().Err(err).Float64("rate", rate).Msg("rate rejected")
				continue
			}
			p.lastSent = rate
		}
	}
}
