package results

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/warp/results-engine/logging"
	"github.com/warp/results-engine/metrics"
	"golang.org/x/sync/singleflight"
)

// TombstoneSnapshot is an immutable set of deleted cells. A nil snapshot is
// empty.
type TombstoneSnapshot struct {
	cells   map[Cell]struct{}
	builtAt time.Time
}

// Has reports whether (date, cat) is deleted.
func (s *TombstoneSnapshot) Has(date Date, cat CategoryKey) bool {
	if s == nil {
		return false
	}
	_, ok := s.cells[Cell{Date: date, Category: cat}]
	return ok
}

// Len returns the number of tombstones.
func (s *TombstoneSnapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.cells)
}

// BuiltAt returns when the snapshot was read from the Override Store.
func (s *TombstoneSnapshot) BuiltAt() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.builtAt
}

// TombstoneIndex answers "is this cell deleted?" from a cached snapshot of
// the Override Store. Readers always see a complete snapshot: rebuilds
// build a new set and swap the pointer.
//
// If a rebuild fails the previous snapshot keeps being served.
type TombstoneIndex struct {
	store OverrideStore
	ttl   time.Duration
	clock Clock

	snap   atomic.Pointer[TombstoneSnapshot]
	stale  atomic.Bool
	flight singleflight.Group
}

var tombLog = logging.Component("tombstones")

// NewTombstoneIndex creates an index over store. The first query builds it.
func NewTombstoneIndex(store OverrideStore, ttl time.Duration, clock Clock) *TombstoneIndex {
	if clock == nil {
		clock = SystemClock{}
	}
	return &TombstoneIndex{store: store, ttl: ttl, clock: clock}
}

// IsDeleted reports whether (date, cat) is tombstoned.
func (idx *TombstoneIndex) IsDeleted(ctx context.Context, date Date, cat CategoryKey) bool {
	return idx.Snapshot(ctx).Has(date, cat)
}

// Invalidate forces a rebuild on the next query.
func (idx *TombstoneIndex) Invalidate() {
	idx.stale.Store(true)
}

// Snapshot returns the current snapshot, rebuilding it first when it has
// expired or was invalidated. Concurrent callers share one rebuild.
func (idx *TombstoneIndex) Snapshot(ctx context.Context) *TombstoneSnapshot {
	cur := idx.snap.Load()
	if cur != nil && !idx.stale.Load() && idx.clock.Now().Sub(cur.builtAt) < idx.ttl {
		return cur
	}

	// Detached so one caller's cancellation does not fail the shared rebuild.
	rctx := context.WithoutCancel(ctx)
	v, _, _ := idx.flight.Do("rebuild", func() (any, error) {
		_ = idx.Rebuild(rctx)
		return idx.snap.Load(), nil
	})
	if s, _ := v.(*TombstoneSnapshot); s != nil {
		return s
	}
	return nil
}

// Rebuild reads every override record, without date filter, and swaps in a
// new snapshot. On failure the current snapshot is kept and the index stays
// stale so the next query retries.
func (idx *TombstoneIndex) Rebuild(ctx context.Context) error {
	idx.stale.Store(false)

	records, err := idx.store.ListOverrides(ctx, DateRange{})
	if err != nil {
		idx.stale.Store(true)
		metrics.TombstoneRebuilds.WithLabelValues(metrics.OutcomeError).Inc()
		tombLog.Warn("tombstone rebuild failed, serving last snapshot",
			"error", err, "snapshot_size", idx.snap.Load().Len())
		return persistErr("list overrides", err)
	}

	cells := make(map[Cell]struct{})
	for _, rec := range records {
		if rec.IsTombstone() {
			cells[rec.Cell()] = struct{}{}
		}
	}
	idx.snap.Store(&TombstoneSnapshot{cells: cells, builtAt: idx.clock.Now()})

	metrics.TombstoneRebuilds.WithLabelValues(metrics.OutcomeOK).Inc()
	metrics.TombstoneSize.Set(float64(len(cells)))
	tombLog.Debug("tombstone index rebuilt", "tombstones", len(cells))
	return nil
}
