package pipeline

import (
	"fmt"

	"github.com/multivenue/obagg/internal/faults"
	"github.com/multivenue/obagg/internal/feed"
)

// admit decides what to do with a delta batch given the book's last
// applied id and the venue's sequence rule. A batch entirely at or
// below the applied id is stale and silently dropped (this is what
// makes re-delivery idempotent). A batch starting past the expected
// next id is a gap and forces a rebuild.
func admit(rule feed.SequenceRule, applied uint64, batch *feed.DeltaBatch) (apply bool, err error) {
	if batch.LastUpdateID <= applied {
		return false, nil
	}
	next := applied + 1
	switch rule {
	case feed.RuleContiguous:
		if batch.FirstUpdateID == next {
			return true, nil
		}
	case feed.RuleOverlap:
		if batch.FirstUpdateID <= next {
			return true, nil
		}
	}
	return false, fmt.Errorf("%w: expected %d, batch covers [%d, %d]",
		faults.ErrSequenceGap, next, batch.FirstUpdateID, batch.LastUpdateID)
}

// bridges reports whether a replayed batch straddles the snapshot
// boundary: the first batch applied after a snapshot at snapshotID
// must cover snapshotID+1.
func bridges(snapshotID uint64, batch *feed.DeltaBatch) bool {
	return batch.FirstUpdateID <= snapshotID+1 && snapshotID+1 <= batch.LastUpdateID
}
