// Package faults defines the error taxonomy and reconnect policy
// shared by the per-venue book and the update pipeline. Errors are
// sentinel values wrapped with fmt.Errorf("%w", ...) so callers can
// classify with errors.Is.
package faults

import "errors"

// Sentinel errors, one per semantic failure kind.
var (
	// ErrSequenceGap: venue stream advanced past the expected update id.
	ErrSequenceGap = errors.New("sequence gap")
	// ErrSnapshotStale: snapshot is older than the earliest buffered delta.
	ErrSnapshotStale = errors.New("snapshot stale")
	// ErrSnapshotInvalid: crossed snapshot, or the snapshot failed to parse.
	ErrSnapshotInvalid = errors.New("snapshot invalid")
	// ErrParseError: an individual message could not be parsed.
	ErrParseError = errors.New("parse error")
	// ErrNetworkTransient: socket close, read timeout, DNS hiccup.
	ErrNetworkTransient = errors.New("network transient error")
	// ErrNetworkFatal: handshake refused with a permanent error code.
	ErrNetworkFatal = errors.New("network fatal error")
)

// Class is the transient/fatal classification that drives recovery.
type Class uint8

const (
	// Transient errors route to Recovery (reconnect + snapshot rebuild).
	Transient Class = iota
	// Fatal errors quarantine the venue for the process lifetime.
	Fatal
)

// ClassOf classifies an error using errors.Is against the taxonomy.
// Errors not recognized here default to Transient, the conservative
// choice: an unrecognized failure should trigger recovery rather than
// silently quarantine a venue that might otherwise recover.
func ClassOf(err error) Class {
	switch {
	case errors.Is(err, ErrNetworkFatal):
		return Fatal
	case errors.Is(err, ErrSequenceGap),
		errors.Is(err, ErrSnapshotStale),
		errors.Is(err, ErrSnapshotInvalid),
		errors.Is(err, ErrParseError),
		errors.Is(err, ErrNetworkTransient):
		return Transient
	default:
		return Transient
	}
}
