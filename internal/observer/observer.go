// Package observer exposes read-only health and latency views of the
// aggregation core. The pipeline records into it; embedding
// applications read from it. Nothing here feeds back into the books.
package observer

import (
	"sync"
	"time"

	"github.com/multivenue/obagg/internal/venue"
)

// Health is the externally visible condition of one venue's pipeline.
type Health uint8

const (
	// Connecting covers every pre-sync phase: dialing, snapshotting,
	// replaying buffered deltas.
	Connecting Health = iota
	// Synced means the venue's book is live and contributing.
	Synced
	// Recovering means the venue hit a transient fault and is cycling
	// through reconnect with backoff; its contribution is dropped.
	Recovering
	// Quarantined means a fatal fault removed the venue for the
	// process lifetime.
	Quarantined
)

func (h Health) String() string {
	switch h {
	case Connecting:
		return "connecting"
	case Synced:
		return "synced"
	case Recovering:
		return "recovering"
	case Quarantined:
		return "quarantined"
	default:
		return "unknown"
	}
}

// ewmaAlpha weights the newest latency sample in the moving average.
const ewmaAlpha = 0.2

// VenueStatus is a point-in-time copy of one venue's health counters.
type VenueStatus struct {
	Venue        venue.Venue
	Health       Health
	LastUpdateID uint64
	LastMessage  time.Time
	LastLatency  time.Duration
	LatencyEWMA  time.Duration
	ParseErrors  uint64
	Reconnects   uint64
}

// Recorder collects per-venue status. Safe for concurrent use: the
// venue pipelines write while HTTP handlers and tickers read.
type Recorder struct {
	mu     sync.RWMutex
	status map[venue.ID]*VenueStatus
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{status: make(map[venue.ID]*VenueStatus)}
}

// Track registers a venue so its status is reported even before the
// first message arrives.
func (r *Recorder) Track(v venue.Venue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.status[v.ID()]; !ok {
		r.status[v.ID()] = &VenueStatus{Venue: v, Health: Connecting}
	}
}

func (r *Recorder) get(v venue.Venue) *VenueStatus {
	st, ok := r.status[v.ID()]
	if !ok {
		st = &VenueStatus{Venue: v, Health: Connecting}
		r.status[v.ID()] = st
	}
	return st
}

// SetHealth transitions a venue's visible health.
func (r *Recorder) SetHealth(v venue.Venue, h Health) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.get(v).Health = h
}

// RecordMessage notes a fully applied delta batch.
func (r *Recorder) RecordMessage(v venue.Venue, updateID uint64, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.get(v)
	st.LastUpdateID = updateID
	st.LastMessage = at
}

// RecordLatency folds one receive-to-applied latency sample into the
// venue's EWMA and keeps the raw sample.
func (r *Recorder) RecordLatency(v venue.Venue, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.get(v)
	st.LastLatency = d
	if st.LatencyEWMA == 0 {
		st.LatencyEWMA = d
	} else {
		st.LatencyEWMA = time.Duration(ewmaAlpha*float64(d) + (1-ewmaAlpha)*float64(st.LatencyEWMA))
	}
}

// RecordParseError counts one unparseable message.
func (r *Recorder) RecordParseError(v venue.Venue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.get(v).ParseErrors++
}

// RecordReconnect counts one reconnect attempt.
func (r *Recorder) RecordReconnect(v venue.Venue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.get(v).Reconnects++
}

// Status returns a copy of one venue's status.
func (r *Recorder) Status(v venue.Venue) (VenueStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.status[v.ID()]
	if !ok {
		return VenueStatus{}, false
	}
	return *st, true
}

// All returns a copy of every tracked venue's status, in venue id
// order.
func (r *Recorder) All() []VenueStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]VenueStatus, 0, len(r.status))
	for id := venue.ID(0); int(id) < venue.MaxVenues; id++ {
		if st, ok := r.status[id]; ok {
			out = append(out, *st)
		}
	}
	return out
}
