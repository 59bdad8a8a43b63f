package usdtrate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTicker struct {
	ch chan float64
}

func (f *fakeTicker) SubscribeTicker(ctx context.Context, symbol string) (<-chan float64, error) {
	return f.ch, nil
}

type recordingSetter struct {
	mu    sync.Mutex
	rates []float64
}

func (s *recordingSetter) SetUSDTRate(rate float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rates = append(s.rates, rate)
	return nil
}

func (s *recordingSetter) seen() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]float64, len(s.rates))
	copy(out, s.rates)
	return out
}

func TestProviderForwardsMeaningfulMoves(t *testing.T) {
	ticker := &fakeTicker{ch: make(chan float64, 8)}
	setter := &recordingSetter{}
	p := New(ticker, "USDTUSD", setter, time.Second, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { p.Run(ctx); close(done) }()

	ticker.ch <- 0.999
	ticker.ch <- 0.999 + 1e-13 // sub-epsilon, suppressed
	ticker.ch <- -1            // nonsense, suppressed
	ticker.ch <- 1.002

	require.Eventually(t, func() bool {
		return len(setter.seen()) == 2
	}, 2*time.Second, 5*time.Millisecond)

	rates := setter.seen()
	assert.InDelta(t, 0.999, rates[0], 1e-12)
	assert.InDelta(t, 1.002, rates[1], 1e-12)

	cancel()
	<-done
}
