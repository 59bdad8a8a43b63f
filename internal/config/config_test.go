package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "obagg.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
price_precision: 2
venues:
  - name: BinanceSpot
    quote_kind: USDT
    symbol: BTCUSDT
  - name: BinanceCoinM
    quote_kind: USD
    symbol: BTCUSD_PERP
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.PricePrecision)
	// Untouched fields keep their defaults.
	assert.Equal(t, 1000, cfg.ReconnectInitialMS)
	assert.Equal(t, 60000, cfg.ReconnectMaxMS)
	assert.Equal(t, 30*time.Second, cfg.WSIdleTimeout())
	assert.Equal(t, 10*time.Second, cfg.SnapshotTimeout())
	assert.Equal(t, 8, cfg.MaxParseErrorsBeforeRecovery)
	assert.Equal(t, time.Second, cfg.ObserverTick())
	require.Len(t, cfg.Venues, 2)
	assert.Equal(t, "USD", cfg.Venues[1].QuoteKind)
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"precision too low", func(c *Config) { c.PricePrecision = 0 }},
		{"precision too high", func(c *Config) { c.PricePrecision = 13 }},
		{"max below initial", func(c *Config) { c.ReconnectMaxMS = 10 }},
		{"zero idle timeout", func(c *Config) { c.WSIdleTimeoutMS = 0 }},
		{"zero tick", func(c *Config) { c.ObserverTickHz = 0 }},
		{"bad quote kind", func(c *Config) {
			c.Venues = []VenueEntry{{Name: "X", QuoteKind: "EUR", Symbol: "A"}}
		}},
		{"duplicate venue", func(c *Config) {
			c.Venues = []VenueEntry{
				{Name: "X", QuoteKind: "USDT", Symbol: "A"},
				{Name: "X", QuoteKind: "USD", Symbol: "B"},
			}
		}},
		{"missing symbol", func(c *Config) {
			c.Venues = []VenueEntry{{Name: "X", QuoteKind: "USDT"}}
		}},
		{"rate venue unknown", func(c *Config) {
			c.Rate = RateEntry{Venue: "Nope", Symbol: "USDTUSD"}
		}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := Default()
			c.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
