// Package httpapi serves the read-only observer surface: venue
// health, aggregated top-of-book and depth with per-source breakdown,
// and the Prometheus metrics endpoint. Everything here reads core
// state through the engine; nothing mutates it.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/multivenue/obagg/internal/aggregate"
	"github.com/multivenue/obagg/internal/obsmetrics"
	"github.com/multivenue/obagg/internal/pipeline"
	"github.com/multivenue/obagg/internal/price"
)

// Server is the observer HTTP server.
type Server struct {
	engine    *pipeline.Engine
	metrics   *obsmetrics.Registry
	precision price.Precision
	runID     string
	server    *http.Server
}

// New builds a server bound to addr, reading from engine. metrics may
// be nil to skip the /metrics route.
func New(addr string, engine *pipeline.Engine, metrics *obsmetrics.Registry, precision price.Precision) *Server {
	s := &Server{
		engine:    engine,
		metrics:   metrics,
		precision: precision,
		runID:     uuid.New().String(),
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/venues", s.handleVenues).Methods(http.MethodGet)
	router.HandleFunc("/book/aggregated", s.handleAggregated).Methods(http.MethodGet)
	router.HandleFunc("/book/venue/{name}", s.handleVenueBook).Methods(http.MethodGet)
	if metrics != nil {
		router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	}

	s.server = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// RunID identifies this process run. The /health and /book/aggregated
// responses carry it as run_id; /venues, /book/venue/{name} and
// /metrics responses do not.
func (s *Server) RunID() string { return s.runID }

// Start serves until Shutdown or a listener error.
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Str("run_id", s.runID).Msg("observer http listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("observer http: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Warn().Err(err).Msg("observer response encode failed")
	}
}

type healthResponse struct {
	RunID    string            `json:"run_id"`
	USDTRate float64           `json:"usdt_rate"`
	Venues   []venueStatusJSON `json:"venues"`
}

type venueStatusJSON struct {
	Name         string  `json:"name"`
	QuoteKind    string  `json:"quote_kind"`
	Health       string  `json:"health"`
	LastUpdateID uint64  `json:"last_update_id"`
	LastMessage  string  `json:"last_message,omitempty"`
	LatencyMS    float64 `json:"latency_ewma_ms"`
	LastSampleMS float64 `json:"latency_last_ms"`
	ParseErrors  uint64  `json:"parse_errors"`
	Reconnects   uint64  `json:"reconnects"`
}

func (s *Server) venueStatuses() []venueStatusJSON {
	all := s.engine.Recorder().All()
	out := make([]venueStatusJSON, 0, len(all))
	for _, st := range all {
		vs := venueStatusJSON{
			Name:         st.Venue.Name(),
			QuoteKind:    st.Venue.QuoteKindOf().String(),
			Health:       st.Health.String(),
			LastUpdateID: st.LastUpdateID,
			LatencyMS:    float64(st.LatencyEWMA) / float64(time.Millisecond),
			LastSampleMS: float64(st.LastLatency) / float64(time.Millisecond),
			ParseErrors:  st.ParseErrors,
			Reconnects:   st.Reconnects,
		}
		if !st.LastMessage.IsZero() {
			vs.LastMessage = st.LastMessage.UTC().Format(time.RFC3339Nano)
		}
		out = append(out, vs)
	}
	return out
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		RunID:    s.runID,
		USDTRate: s.engine.USDTRate(),
		Venues:   s.venueStatuses(),
	})
}

func (s *Server) handleVenues(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.venueStatuses())
}

type aggLevelJSON struct {
	Price   float64            `json:"price"`
	Total   float64            `json:"total"`
	Sources map[string]float64 `json:"sources"`
}

func (s *Server) aggLevels(levels []aggregate.Level) []aggLevelJSON {
	out := make([]aggLevelJSON, 0, len(levels))
	for i := range levels {
		lvl := &levels[i]
		sources := make(map[string]float64)
		for _, src := range lvl.Sources() {
			sources[src.Venue.Name()] = src.Size
		}
		out = append(out, aggLevelJSON{
			Price:   price.Decode(lvl.Key, s.precision, 1),
			Total:   lvl.Total,
			Sources: sources,
		})
	}
	return out
}

func depthParam(r *http.Request) int {
	n := 10
	if raw := r.URL.Query().Get("depth"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 1000 {
			n = parsed
		}
	}
	return n
}

func (s *Server) handleAggregated(w http.ResponseWriter, r *http.Request) {
	bids, asks := s.engine.Depth(depthParam(r))
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"run_id":    s.runID,
		"usdt_rate": s.engine.USDTRate(),
		"bids":      s.aggLevels(bids),
		"asks":      s.aggLevels(asks),
	})
}

type bookLevelJSON struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

func (s *Server) handleVenueBook(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var found bool
	var response map[string]interface{}
	for _, st := range s.engine.Recorder().All() {
		if st.Venue.Name() != name {
			continue
		}
		bids, asks, ok := s.engine.VenueDepth(st.Venue, depthParam(r))
		if !ok {
			break
		}
		found = true
		jb := make([]bookLevelJSON, 0, len(bids))
		for _, l := range bids {
			jb = append(jb, bookLevelJSON{Price: price.Decode(l.Price, s.precision, 1), Size: l.Size})
		}
		ja := make([]bookLevelJSON, 0, len(asks))
		for _, l := range asks {
			ja = append(ja, bookLevelJSON{Price: price.Decode(l.Price, s.precision, 1), Size: l.Size})
		}
		response = map[string]interface{}{
			"venue":  name,
			"health": st.Health.String(),
			"bids":   jb,
			"asks":   ja,
		}
	}
	if !found {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("unknown venue %q", name)})
		return
	}
	s.writeJSON(w, http.StatusOK, response)
}
