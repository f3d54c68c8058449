/*
store.go - Persistence and source interfaces

PURPOSE:
  Defines the interfaces between the engine and its collaborators.
  Implementations can use SQLite, plain files, or in-memory maps.

KEY INTERFACES:
  ArchiveStore:  one MonthlyGrid per month, whole-month reads and writes
  OverrideStore: raw admin values and tombstones keyed by (date, category)
  ScheduleStore: the schedule queue, saved as a batch
  CategoryStore: admin-defined categories
  RunLog:        audit of scheduler passes (optional)
  Source:        the external results page

NOT-FOUND CONTRACT:
  GetMonth returns (nil, nil) for a month that was never written. Deletes of
  missing keys succeed.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite, all stores
  - store/filestore/filestore.go: one JSON file per archive month
  - results/store/memory.go: in-memory, for tests and demos
  - source/http.go: HTTP Source

SEE ALSO:
  - reconciler.go, scheduler.go: main consumers
*/
package results

import (
	"context"
	"sync"
	"time"
)

// =============================================================================
// STORES
// =============================================================================

// ArchiveStore persists one MonthlyGrid per MonthKey.
type ArchiveStore interface {
	// GetMonth returns the stored grid, or nil if the month was never written.
	GetMonth(ctx context.Context, key MonthKey) (*MonthlyGrid, error)

	// PutMonth replaces the whole month document.
	PutMonth(ctx context.Context, grid MonthlyGrid) error
}

// OverrideStore persists raw override values. Records carrying a deletion
// sentinel are tombstones.
type OverrideStore interface {
	// ListOverrides returns records whose date lies in r, ordered by date
	// then category. The zero DateRange returns everything.
	ListOverrides(ctx context.Context, r DateRange) ([]OverrideRecord, error)

	// PutOverride inserts or replaces the record for its (date, category).
	PutOverride(ctx context.Context, rec OverrideRecord) error

	// DeleteOverride removes the record for (date, category), if any.
	DeleteOverride(ctx context.Context, date Date, cat CategoryKey) error
}

// ScheduleStore persists the schedule queue.
type ScheduleStore interface {
	// ListSchedule returns every item, executed and revoked included.
	ListSchedule(ctx context.Context) ([]ScheduleItem, error)

	// SaveSchedule atomically replaces the stored list with items.
	SaveSchedule(ctx context.Context, items []ScheduleItem) error
}

// CategoryStore persists admin-defined categories. Base categories are
// built in and never stored.
type CategoryStore interface {
	ListCategories(ctx context.Context) ([]Category, error)
	SaveCategory(ctx context.Context, c Category) error
	DeleteCategory(ctx context.Context, key CategoryKey) error
}

// RunLog records scheduler passes.
type RunLog interface {
	RecordRun(ctx context.Context, run ScheduleRun) error

	// ListRuns returns the most recent runs first.
	ListRuns(ctx context.Context, limit int) ([]ScheduleRun, error)
}

// =============================================================================
// EXTERNAL SOURCE
// =============================================================================

// Source fetches the external results page. Failures wrap
// ErrSourceUnavailable. Sources perform no writes.
type Source interface {
	Fetch(ctx context.Context, year int, month time.Month) (*RawGrid, error)
	FetchLive(ctx context.Context) (*RawLiveResults, error)
}

// Invalidator is implemented by secondary caches that a complete deletion
// must flush.
type Invalidator interface {
	Invalidate()
}

// =============================================================================
// CLOCK
// =============================================================================

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// ManualClock is a Clock that only moves when told to.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock returns a clock stopped at t.
func NewManualClock(t time.Time) *ManualClock {
	return &ManualClock{now: t}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to t.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
