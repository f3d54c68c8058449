package results

import (
	"context"
	"sync"
)

// archiveWriter runs read-modify-write cycles on Archive months. Cycles on
// the same month are serialized within this process; other processes can
// still interleave (last writer wins).
type archiveWriter struct {
	store ArchiveStore
	clock Clock

	mu    sync.Mutex
	locks map[MonthKey]*sync.Mutex
}

func newArchiveWriter(store ArchiveStore, clock Clock) *archiveWriter {
	return &archiveWriter{store: store, clock: clock, locks: make(map[MonthKey]*sync.Mutex)}
}

func (w *archiveWriter) lock(key MonthKey) func() {
	w.mu.Lock()
	l, ok := w.locks[key]
	if !ok {
		l = &sync.Mutex{}
		w.locks[key] = l
	}
	w.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Update loads the month (or starts an empty one), applies fn and stores
// the result if fn reports a change. Returns whether a write happened.
func (w *archiveWriter) Update(ctx context.Context, key MonthKey, fn func(g *MonthlyGrid) bool) (bool, error) {
	unlock := w.lock(key)
	defer unlock()

	grid, err := w.store.GetMonth(ctx, key)
	if err != nil {
		return false, persistErr("read archive "+string(key), err)
	}
	if grid == nil {
		grid = NewMonthlyGrid(key)
	}

	if !fn(grid) {
		return false, nil
	}
	grid.MonthKey = key
	grid.UpdatedAt = w.clock.Now().UTC()
	if err := w.store.PutMonth(ctx, *grid); err != nil {
		return false, persistErr("write archive "+string(key), err)
	}
	return true, nil
}
