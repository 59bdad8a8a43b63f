package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/multivenue/obagg/internal/config"
	"github.com/multivenue/obagg/internal/feed"
	"github.com/multivenue/obagg/internal/feed/binance"
	"github.com/multivenue/obagg/internal/feed/bybit"
	"github.com/multivenue/obagg/internal/feed/okx"
	"github.com/multivenue/obagg/internal/httpapi"
	"github.com/multivenue/obagg/internal/observer"
	"github.com/multivenue/obagg/internal/obsmetrics"
	"github.com/multivenue/obagg/internal/pipeline"
	"github.com/multivenue/obagg/internal/price"
	"github.com/multivenue/obagg/internal/usdtrate"
	"github.com/multivenue/obagg/internal/venue"
)

const (
	appName = "obaggd"
	version = "v1.0.0"
)

var configPath string

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Cross-venue aggregated order book daemon",
		Version: version,
		Long: `obaggd maintains live order books for a set of crypto venues and
aggregates them into a single USDT-normalized ladder, served over a
read-only HTTP/metrics surface.`,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config/obagg.yaml", "path to YAML config")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the aggregator",
		Long:  "Connect every configured venue, reconcile snapshots with delta streams, and serve the observer surface.",
		RunE:  runAggregator,
	}

	venuesCmd := &cobra.Command{
		Use:   "venues",
		Short: "List configured venues",
		RunE:  listVenues,
	}

	bookCmd := &cobra.Command{
		Use:   "book [venue]",
		Short: "Fetch and print one venue's REST depth snapshot",
		Args:  cobra.ExactArgs(1),
		RunE:  dumpBook,
	}
	bookCmd.Flags().IntP("depth", "d", 10, "levels per side to print")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(venuesCmd)
	rootCmd.AddCommand(bookCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

// buildAdapter maps a configured venue onto its wire adapter. The
// venue set is closed; anything unknown is a config error.
func buildAdapter(entry config.VenueEntry) (feed.Adapter, error) {
	switch entry.Name {
	case "BinanceSpot":
		return binance.New(binance.Config{BaseURL: entry.RestURL, WebSocketURL: entry.WSURL}), nil
	case "OKX":
		return okx.New(okx.Config{BaseURL: entry.RestURL, WebSocketURL: entry.WSURL}), nil
	case "BybitSpot":
		return bybit.New(bybit.Config{BaseURL: entry.RestURL, WebSocketURL: entry.WSURL}), nil
	default:
		return nil, fmt.Errorf("no adapter for venue %q", entry.Name)
	}
}

func quoteKindOf(raw string) venue.QuoteKind {
	if raw == "USD" {
		return venue.USD
	}
	return venue.USDT
}

func runAggregator(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if len(cfg.Venues) == 0 {
		return fmt.Errorf("no venues configured")
	}

	precision := price.Precision(cfg.PricePrecision)
	recorder := observer.NewRecorder()
	metrics := obsmetrics.NewRegistry()
	engine := pipeline.NewEngine(precision, pipeline.Config{
		SnapshotDepth:    cfg.SnapshotDepth,
		SnapshotTimeout:  cfg.SnapshotTimeout(),
		IdleTimeout:      cfg.WSIdleTimeout(),
		ReconnectInitial: cfg.ReconnectInitial(),
		ReconnectMax:     cfg.ReconnectMax(),
		MaxParseErrors:   cfg.MaxParseErrorsBeforeRecovery,
	}, recorder, metrics)

	registry := venue.NewRegistry()
	adapters := make(map[string]feed.Adapter, len(cfg.Venues))
	for _, entry := range cfg.Venues {
		adapter, err := buildAdapter(entry)
		if err != nil {
			return err
		}
		v, err := registry.Register(entry.Name, quoteKindOf(entry.QuoteKind))
		if err != nil {
			return err
		}
		adapters[entry.Name] = adapter
		engine.AddVenue(v, adapter, entry.Symbol)
		log.Info().Str("venue", entry.Name).Str("symbol", entry.Symbol).
			Str("quote", entry.QuoteKind).Msg("venue wired")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// USDT rate provider, if configured.
	if cfg.Rate.Symbol != "" && cfg.Rate.Venue != "" {
		source, ok := adapters[cfg.Rate.Venue].(feed.TickerSource)
		if !ok {
			return fmt.Errorf("usdt_rate.venue %q has no ticker capability", cfg.Rate.Venue)
		}
		provider := usdtrate.New(source, cfg.Rate.Symbol, engine, cfg.ReconnectInitial(), cfg.ReconnectMax())
		go provider.Run(ctx)
	}

	server := httpapi.New(fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port), engine, metrics, precision)
	go func() {
		if err := server.Start(); err != nil {
			log.Error().Err(err).Msg("observer server stopped")
		}
	}()

	go observerTick(ctx, engine, cfg.ObserverTick())

	log.Info().Int("venues", len(cfg.Venues)).Int("precision", cfg.PricePrecision).Msg("aggregator running")
	engine.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("observer server shutdown")
	}
	log.Info().Msg("aggregator stopped")
	return nil
}

// observerTick periodically logs the aggregated top of book.
func observerTick(ctx context.Context, engine *pipeline.Engine, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			bid, ask, ok := engine.BestBidAsk()
			if !ok {
				continue
			}
			log.Debug().
				Int64("bid_key", int64(bid.Key)).Float64("bid_total", bid.Total).
				Int64("ask_key", int64(ask.Key)).Float64("ask_total", ask.Total).
				Float64("usdt_rate", engine.USDTRate()).
				Msg("aggregated top of book")
		}
	}
}

func dumpBook(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	depth, _ := cmd.Flags().GetInt("depth")

	var entry *config.VenueEntry
	for i := range cfg.Venues {
		if cfg.Venues[i].Name == args[0] {
			entry = &cfg.Venues[i]
			break
		}
	}
	if entry == nil {
		return fmt.Errorf("venue %q is not configured", args[0])
	}

	adapter, err := buildAdapter(*entry)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.SnapshotTimeout())
	defer cancel()
	snap, err := adapter.FetchSnapshot(ctx, entry.Symbol, depth)
	if err != nil {
		return err
	}

	fmt.Printf("%s %s snapshot, update id %d\n", entry.Name, entry.Symbol, snap.LastUpdateID)
	fmt.Println("bids:")
	for i, ps := range snap.Bids {
		if i >= depth {
			break
		}
		fmt.Printf("  %s  %s\n", ps.Price, ps.Size)
	}
	fmt.Println("asks:")
	for i, ps := range snap.Asks {
		if i >= depth {
			break
		}
		fmt.Printf("  %s  %s\n", ps.Price, ps.Size)
	}
	return nil
}

func listVenues(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	for _, v := range cfg.Venues {
		fmt.Printf("%-16s quote=%-4s symbol=%s\n", v.Name, v.QuoteKind, v.Symbol)
	}
	return nil
}
