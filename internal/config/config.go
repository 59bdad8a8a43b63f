// Package config loads and validates the aggregator's YAML
// configuration: fixed-point precision, pipeline timeouts, backoff
// envelope, the observer surface, and the venue set.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// VenueEntry configures one venue. The core treats Symbol, WSURL and
// RestURL opaquely; they are consumed by the venue's adapter.
type VenueEntry struct {
	Name      string `yaml:"name"`
	QuoteKind string `yaml:"quote_kind"` // "USD" or "USDT"
	Symbol    string `yaml:"symbol"`
	WSURL     string `yaml:"ws_url"`
	RestURL   string `yaml:"rest_url"`
}

// RateEntry configures the USDT/USD rate source.
type RateEntry struct {
	Venue  string `yaml:"venue"`  // which configured venue's ticker to use
	Symbol string `yaml:"symbol"` // e.g. "USDTUSD" or a stablecoin proxy pair
}

// HTTPEntry configures the read-only observer server.
type HTTPEntry struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Config is the complete aggregator configuration.
type Config struct {
	PricePrecision               int          `yaml:"price_precision"`
	SnapshotDepth                int          `yaml:"snapshot_depth"`
	ReconnectInitialMS           int          `yaml:"reconnect_initial_ms"`
	ReconnectMaxMS               int          `yaml:"reconnect_max_ms"`
	WSIdleTimeoutMS              int          `yaml:"ws_idle_timeout_ms"`
	SnapshotTimeoutMS            int          `yaml:"snapshot_timeout_ms"`
	MaxParseErrorsBeforeRecovery int          `yaml:"max_parse_errors_before_recovery"`
	ObserverTickHz               float64      `yaml:"observer_tick_hz"`
	Venues                       []VenueEntry `yaml:"venues"`
	Rate                         RateEntry    `yaml:"usdt_rate"`
	HTTP                         HTTPEntry    `yaml:"http"`
}

// Default returns the configuration with every tunable at its
// documented default and no venues.
func Default() Config {
	return Config{
		PricePrecision:               8,
		SnapshotDepth:                1000,
		ReconnectInitialMS:           1000,
		ReconnectMaxMS:               60000,
		WSIdleTimeoutMS:              30000,
		SnapshotTimeoutMS:            10000,
		MaxParseErrorsBeforeRecovery: 8,
		ObserverTickHz:               1.0,
		HTTP:                         HTTPEntry{Host: "127.0.0.1", Port: 8080},
	}
}

// Load reads configPath, overlays it on the defaults, and validates.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &config, nil
}

// Validate ensures the configuration is consistent.
func (c *Config) Validate() error {
	if c.PricePrecision < 1 || c.PricePrecision > 12 {
		return fmt.Errorf("price_precision must be in 1..12, got %d", c.PricePrecision)
	}
	if c.SnapshotDepth <= 0 {
		return fmt.Errorf("snapshot_depth must be positive, got %d", c.SnapshotDepth)
	}
	if c.ReconnectInitialMS <= 0 {
		return fmt.Errorf("reconnect_initial_ms must be positive, got %d", c.ReconnectInitialMS)
	}
	if c.ReconnectMaxMS < c.ReconnectInitialMS {
		return fmt.Errorf("reconnect_max_ms (%d) must be >= reconnect_initial_ms (%d)",
			c.ReconnectMaxMS, c.ReconnectInitialMS)
	}
	if c.WSIdleTimeoutMS <= 0 {
		return fmt.Errorf("ws_idle_timeout_ms must be positive, got %d", c.WSIdleTimeoutMS)
	}
	if c.SnapshotTimeoutMS <= 0 {
		return fmt.Errorf("snapshot_timeout_ms must be positive, got %d", c.SnapshotTimeoutMS)
	}
	if c.MaxParseErrorsBeforeRecovery < 0 {
		return fmt.Errorf("max_parse_errors_before_recovery must be non-negative, got %d",
			c.MaxParseErrorsBeforeRecovery)
	}
	if c.ObserverTickHz <= 0 {
		return fmt.Errorf("observer_tick_hz must be positive, got %v", c.ObserverTickHz)
	}

	seen := make(map[string]bool, len(c.Venues))
	for i, v := range c.Venues {
		if v.Name == "" {
			return fmt.Errorf("venue %d: name is required", i)
		}
		if seen[v.Name] {
			return fmt.Errorf("venue %q configured twice", v.Name)
		}
		seen[v.Name] = true
		if v.QuoteKind != "USD" && v.QuoteKind != "USDT" {
			return fmt.Errorf("venue %q: quote_kind must be USD or USDT, got %q", v.Name, v.QuoteKind)
		}
		if v.Symbol == "" {
			return fmt.Errorf("venue %q: symbol is required", v.Name)
		}
	}

	if c.Rate.Venue != "" && !seen[c.Rate.Venue] {
		return fmt.Errorf("usdt_rate.venue %q is not a configured venue", c.Rate.Venue)
	}
	return nil
}

// ReconnectInitial returns the backoff floor as a duration.
func (c *Config) ReconnectInitial() time.Duration {
	return time.Duration(c.ReconnectInitialMS) * time.Millisecond
}

// ReconnectMax returns the backoff cap as a duration.
func (c *Config) ReconnectMax() time.Duration {
	return time.Duration(c.ReconnectMaxMS) * time.Millisecond
}

// WSIdleTimeout returns the stream watchdog ceiling as a duration.
func (c *Config) WSIdleTimeout() time.Duration {
	return time.Duration(c.WSIdleTimeoutMS) * time.Millisecond
}

// SnapshotTimeout returns the REST snapshot deadline as a duration.
func (c *Config) SnapshotTimeout() time.Duration {
	return time.Duration(c.SnapshotTimeoutMS) * time.Millisecond
}

// ObserverTick returns the observer refresh period.
func (c *Config) ObserverTick() time.Duration {
	return time.Duration(float64(time.Second) / c.ObserverTickHz)
}
