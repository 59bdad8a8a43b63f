// Package obsmetrics holds the Prometheus instrumentation for the
// aggregation core: update throughput and latency per venue, book
// shape, reconnect and parse-error counters, and the live USDT rate.
package obsmetrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all Prometheus metrics for the aggregation core.
type Registry struct {
	UpdatesTotal     *prometheus.CounterVec
	ParseErrorsTotal *prometheus.CounterVec
	ReconnectsTotal  *prometheus.CounterVec
	SnapshotsTotal   *prometheus.CounterVec
	UpdateLatency    *prometheus.HistogramVec
	BookLevels       *prometheus.GaugeVec
	AggBestBid       prometheus.Gauge
	AggBestAsk       prometheus.Gauge
	USDTRate         prometheus.Gauge

	reg *prometheus.Registry
}

// NewRegistry creates and registers all core metrics on a fresh
// Prometheus registry.
func NewRegistry() *Registry {
	r := &Registry{
		UpdatesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "obagg_updates_total",
				Help: "Delta batches applied per venue",
			},
			[]string{"venue"},
		),
		ParseErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "obagg_parse_errors_total",
				Help: "Unparseable messages per venue",
			},
			[]string{"venue"},
		),
		ReconnectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "obagg_reconnects_total",
				Help: "Reconnect attempts per venue",
			},
			[]string{"venue"},
		),
		SnapshotsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "obagg_snapshots_total",
				Help: "REST snapshot fetches per venue and result",
			},
			[]string{"venue", "result"},
		),
		UpdateLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "obagg_update_latency_seconds",
				Help:    "Receive-to-aggregated-apply latency per venue",
				Buckets: []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
			},
			[]string{"venue"},
		),
		BookLevels: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "obagg_book_levels",
				Help: "Resting levels per venue book and side",
			},
			[]string{"venue", "side"},
		),
		AggBestBid: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "obagg_aggregated_best_bid",
				Help: "Aggregated best bid price in USDT",
			},
		),
		AggBestAsk: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "obagg_aggregated_best_ask",
				Help: "Aggregated best ask price in USDT",
			},
		),
		USDTRate: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "obagg_usdt_rate",
				Help: "Current USDT/USD conversion rate",
			},
		),
		reg: prometheus.NewRegistry(),
	}

	r.reg.MustRegister(
		r.UpdatesTotal,
		r.ParseErrorsTotal,
		r.ReconnectsTotal,
		r.SnapshotsTotal,
		r.UpdateLatency,
		r.BookLevels,
		r.AggBestBid,
		r.AggBestAsk,
		r.USDTRate,
	)
	return r
}

// Handler serves this registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
