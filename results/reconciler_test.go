package results_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/results-engine/results"
	"github.com/warp/results-engine/results/store"
)

// =============================================================================
// PRECEDENCE
// =============================================================================

func TestBuildGrid_PrecedenceOrder(t *testing.T) {
	// GIVEN: GALI cells where each day stacks one more source on top
	// WHEN: Building the October grid after the schedule items are due but
	//       before any sweep
	// THEN: Each cell shows the highest-precedence present value

	f := newFixture(t)
	f.putArchive(t, map[results.Date]map[results.CategoryKey]string{
		day(1): {results.GALI: "11"},
		day(2): {results.GALI: "12"},
		day(3): {results.GALI: "13"},
		day(4): {results.GALI: "14"},
		day(5): {results.GALI: "15"},
		day(6): {results.GALI: "16"},
		day(7): {results.GALI: "17"},
	})
	f.src.setGali(map[int]string{2: "22", 3: "23", 4: "24", 5: "25"})
	_, err := f.eng.Overrides.Set(f.ctx, day(3), "GALI", "33")
	require.NoError(t, err)
	_, err = f.eng.Overrides.Set(f.ctx, day(4), "GALI", "34")
	require.NoError(t, err)
	f.tombstone(t, day(5), results.GALI)
	f.tombstone(t, day(6), results.GALI)
	f.schedule(t, day(4), "GALI", "44", at(9, 0))
	f.schedule(t, day(6), "GALI", "46", at(9, 0))
	f.schedule(t, day(7), "GALI", "47", time.Date(2025, time.October, 31, 20, 0, 0, 0, time.UTC))

	f.clock.Set(at(9, 30))
	g := f.grid(t)

	tests := []struct {
		day  int
		want string
		why  string
	}{
		{1, "11", "archive only"},
		{2, "22", "external beats archive"},
		{3, "33", "override beats external"},
		{4, "44", "due schedule beats override"},
		{5, "", "tombstone suppresses external and archive"},
		{6, "46", "schedule beats tombstone"},
		{7, "17", "pending schedule is not live"},
		{8, "", "no source"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, g.Get(day(tt.day), results.GALI).String(), "day %d: %s", tt.day, tt.why)
	}
}

func TestBuildGrid_TombstoneSuppressesArchive(t *testing.T) {
	// GIVEN: Archive has GALI2=12 on Oct 5 and the Override Store a tombstone
	// WHEN: Building the grid with no schedule item for the cell
	// THEN: GALI2 is null on Oct 5

	f := newFixture(t)
	f.putArchive(t, map[results.Date]map[results.CategoryKey]string{
		day(5): {"GALI2": "12"},
	})
	f.tombstone(t, day(5), "GALI2")

	g := f.grid(t)

	assert.False(t, g.Get(day(5), "GALI2").Present())
}

func TestBuildGrid_DeletionSentinels(t *testing.T) {
	for _, raw := range []string{"", "null", " NULL ", results.DeletedMarker, "__deleted__"} {
		t.Run(raw, func(t *testing.T) {
			f := newFixture(t)
			f.putArchive(t, map[results.Date]map[results.CategoryKey]string{day(5): {results.GALI: "12"}})
			require.NoError(t, f.mem.PutOverride(f.ctx, results.OverrideRecord{Date: day(5), Category: results.GALI, Raw: raw}))

			g := f.grid(t)

			assert.False(t, g.Get(day(5), results.GALI).Present())
		})
	}
}

func TestBuildGrid_LaterPublishTimeWins(t *testing.T) {
	// GIVEN: Two items for (Oct 5, GALI2) at 09:00 -> 10 and 10:00 -> 20,
	//        added latest-first
	// WHEN: Both are due
	// THEN: The grid shows 20, before and after the sweep

	f := newFixture(t)
	f.schedule(t, day(5), "GALI2", "20", at(10, 0))
	f.schedule(t, day(5), "GALI2", "10", at(9, 0))

	f.clock.Set(at(10, 30))
	assert.Equal(t, "20", f.grid(t).Get(day(5), "GALI2").String(), "due but not swept")

	_, err := f.eng.Scheduler.RunDue(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, "20", f.grid(t).Get(day(5), "GALI2").String(), "after sweep")
	assert.Equal(t, "20", f.archive(t).Get(day(5), "GALI2").String())
}

// =============================================================================
// SOURCE FAILURES
// =============================================================================

func TestBuildGrid_SourceTimeoutFallsBackToArchive(t *testing.T) {
	// GIVEN: An External Source slower than the fetch timeout and an archive
	//        holding a value for every day
	// WHEN: Building the grid
	// THEN: Every day shows its archive value and no error is returned

	f := newFixture(t)
	cells := make(map[results.Date]map[results.CategoryKey]string)
	for d := 1; d <= oct.DaysIn(); d++ {
		cells[day(d)] = map[results.CategoryKey]string{results.DSWR: results.Some(d).String()}
	}
	f.putArchive(t, cells)
	f.src.setGali(map[int]string{1: "99"})
	f.src.delay = time.Second

	start := time.Now()
	g, err := f.eng.Reconciler.BuildGrid(f.ctx, 2025, time.October)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 900*time.Millisecond, "fetch must be cut by its timeout")

	require.Len(t, g.Rows, 31)
	for d := 1; d <= 31; d++ {
		assert.Equal(t, results.Some(d), g.Get(day(d), results.DSWR), "day %d", d)
	}
	assert.False(t, g.Get(day(1), results.GALI).Present(), "timed-out source contributes nothing")
}

func TestBuildGrid_SourceErrorIsAbsorbed(t *testing.T) {
	f := newFixture(t)
	f.src.err = errors.New("connection refused")

	g, err := f.eng.Reconciler.BuildGrid(f.ctx, 2025, time.October)

	require.NoError(t, err)
	assert.Len(t, g.Rows, 31)
}

func TestBuildGrid_StoreReadFailuresDegrade(t *testing.T) {
	// GIVEN: Every store read fails but the External Source works
	// WHEN: Building the grid
	// THEN: External values are served and no error is returned

	f := newFixture(t)
	f.src.setGali(map[int]string{1: "31"})
	boom := errors.New("disk on fire")
	for _, op := range []string{store.OpGetMonth, store.OpListOverrides, store.OpListSchedule, store.OpListCategories} {
		f.mem.Fail(op, boom)
	}

	g := f.grid(t)

	assert.Equal(t, "31", g.Get(day(1), results.GALI).String())
	assert.Equal(t, []results.CategoryKey{results.DSWR, results.FRBD, results.GZBD, results.GALI}, g.Fields)
}

func TestBuildGrid_InvalidValuesAreAbsent(t *testing.T) {
	// GIVEN: External cells that are not integers in [0, 99]
	// WHEN: Building the grid over an archive value
	// THEN: Invalid cells fall through to the archive; "0" normalizes to "00"

	f := newFixture(t)
	bad := []string{"-1", "100", "abc", "", "--", "null"}
	archive := make(map[results.Date]map[results.CategoryKey]string)
	external := make(map[int]string)
	for i, raw := range bad {
		archive[day(i+1)] = map[results.CategoryKey]string{results.GALI: "50"}
		external[i+1] = raw
	}
	external[20] = "0"
	f.putArchive(t, archive)
	f.src.setGali(external)

	g := f.grid(t)

	for i, raw := range bad {
		assert.Equal(t, "50", g.Get(day(i+1), results.GALI).String(), "external %q", raw)
	}
	assert.Equal(t, "00", g.Get(day(20), results.GALI).String())
}

func TestBuildGrid_InvalidMonth(t *testing.T) {
	f := newFixture(t)

	_, err := f.eng.Reconciler.BuildGrid(f.ctx, 2025, time.Month(13))

	assert.ErrorIs(t, err, results.ErrValidation)
}

// =============================================================================
// COLUMNS
// =============================================================================

func TestBuildGrid_ColumnOrder(t *testing.T) {
	// GIVEN: Twin categories GALI2 and FRBD2, an extra category XTRA, and an
	//        archive column OLD that is no longer defined
	// WHEN: Building the grid
	// THEN: Base columns come first with their twins adjacent, then admin
	//       categories by creation, then leftover archive columns

	f := newFixture(t)
	f.clock.Advance(time.Minute)
	_, err := f.eng.Categories.Create(f.ctx, results.CategoryInput{Label: "Xtra"})
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	_, err = f.eng.Categories.Create(f.ctx, results.CategoryInput{Key: "FRBD2", Label: "Faridabad 2"})
	require.NoError(t, err)
	f.putArchive(t, map[results.Date]map[results.CategoryKey]string{
		day(1): {results.GALI: "01", "OLD": "02"},
	})

	g := f.grid(t)

	assert.Equal(t, []results.CategoryKey{
		results.DSWR, results.FRBD, "FRBD2", results.GZBD, results.GALI, "GALI2", "XTRA", "OLD",
	}, g.Fields)
	assert.Equal(t, "02", g.Get(day(1), "OLD").String(), "archive-only columns keep their values")
}

// =============================================================================
// WRITE-BACK
// =============================================================================

func TestBuildGrid_WriteBackMergesExternalIntoArchive(t *testing.T) {
	// GIVEN: External values for Oct 3 and Oct 4, Oct 4 tombstoned, and an
	//        archive value for DSWR on Oct 3
	// WHEN: Building the grid and draining the write-back
	// THEN: The archive gains Oct 3 GALI, keeps DSWR, and never stores Oct 4

	f := newFixture(t)
	f.putArchive(t, map[results.Date]map[results.CategoryKey]string{day(3): {results.DSWR: "07"}})
	f.src.setGali(map[int]string{3: "45", 4: "55"})
	f.tombstone(t, day(4), results.GALI)

	f.grid(t)

	a := f.archive(t)
	require.NotNil(t, a)
	assert.Equal(t, "45", a.Get(day(3), results.GALI).String())
	assert.Equal(t, "07", a.Get(day(3), results.DSWR).String())
	assert.False(t, a.Get(day(4), results.GALI).Present())
}

func TestBuildGrid_WriteBackSkipsScheduleOwnedCells(t *testing.T) {
	f := newFixture(t)
	f.schedule(t, day(5), "GALI", "60", at(9, 0))
	f.clock.Set(at(9, 30))
	_, err := f.eng.Scheduler.RunDue(f.ctx)
	require.NoError(t, err)
	f.src.setGali(map[int]string{5: "61"})

	g := f.grid(t)

	assert.Equal(t, "60", g.Get(day(5), results.GALI).String())
	assert.Equal(t, "60", f.archive(t).Get(day(5), results.GALI).String())
}

// gatedArchive blocks the first GetMonth after arm until release.
type gatedArchive struct {
	results.ArchiveStore
	armed   atomic.Bool
	entered chan struct{}
	gate    chan struct{}
}

func (g *gatedArchive) arm() {
	g.entered = make(chan struct{})
	g.gate = make(chan struct{})
	g.armed.Store(true)
}

func (g *gatedArchive) GetMonth(ctx context.Context, key results.MonthKey) (*results.MonthlyGrid, error) {
	if g.armed.CompareAndSwap(true, false) {
		close(g.entered)
		<-g.gate
	}
	return g.ArchiveStore.GetMonth(ctx, key)
}

func TestBuildGrid_WriteBackYieldsToConcurrentSchedulerRun(t *testing.T) {
	// GIVEN: A due item GALI=20 whose RunDue holds the month lock, and an
	//        External Source reporting GALI=50 for the same cell
	// WHEN: A grid is built while RunDue is blocked, then RunDue completes
	//       and the write-back is drained
	// THEN: The archive keeps the Scheduler's value

	f := newFixture(t)
	archive := &gatedArchive{ArchiveStore: f.mem}
	eng := results.New(
		results.Stores{Archive: archive, Overrides: f.mem, Schedule: f.mem, Categories: f.mem, Runs: f.mem},
		f.src,
		results.Options{Clock: f.clock, Location: time.UTC, FetchTimeout: time.Second, WriteBackTimeout: time.Second},
	)
	f.schedule(t, day(5), "GALI", "20", at(9, 0))
	f.clock.Set(at(9, 30))
	f.src.setGali(map[int]string{5: "50"})

	archive.arm()
	runDone := make(chan error, 1)
	go func() {
		_, err := eng.Scheduler.RunDue(f.ctx)
		runDone <- err
	}()
	<-archive.entered

	g, err := eng.Reconciler.BuildGrid(f.ctx, 2025, time.October)
	require.NoError(t, err)
	assert.Equal(t, "20", g.Get(day(5), results.GALI).String())

	close(archive.gate)
	require.NoError(t, <-runDone)
	require.NoError(t, eng.Reconciler.Drain(f.ctx))

	items, err := eng.Queue.List(f.ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.True(t, items[0].Executed)
	assert.Equal(t, "20", f.archive(t).Get(day(5), results.GALI).String())
}

func TestBuildGrid_WriteBackSkipsCellsOfPendingItems(t *testing.T) {
	// GIVEN: A future item for Oct 6 GALI and external values for Oct 5 and 6
	// WHEN: Building the grid
	// THEN: Only Oct 5 is written back; Oct 6 waits for the Scheduler

	f := newFixture(t)
	f.schedule(t, day(6), "GALI", "33", at(23, 0))
	f.src.setGali(map[int]string{5: "51", 6: "52"})

	g := f.grid(t)

	assert.Equal(t, "52", g.Get(day(6), results.GALI).String())
	a := f.archive(t)
	require.NotNil(t, a)
	assert.Equal(t, "51", a.Get(day(5), results.GALI).String())
	assert.False(t, a.Get(day(6), results.GALI).Present())
}

func TestDrain_ConcurrentBuildsDoNotPanic(t *testing.T) {
	// GIVEN: External data, so every pass starts a write-back
	// WHEN: Grids are built while Drain is called repeatedly
	// THEN: Nothing panics and a final pass still writes back

	f := newFixture(t)
	f.src.setGali(map[int]string{2: "22"})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := f.eng.Reconciler.BuildGrid(f.ctx, 2025, time.October)
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, f.eng.Reconciler.Drain(f.ctx))
		}()
	}
	wg.Wait()

	f.grid(t)
	assert.Equal(t, "22", f.archive(t).Get(day(2), results.GALI).String())
}

func TestBuildGrid_NoWriteBackWithoutExternalData(t *testing.T) {
	f := newFixture(t)

	f.grid(t)

	assert.Nil(t, f.archive(t))
}

// =============================================================================
// TODAY
// =============================================================================

func TestToday_LayersLiveResults(t *testing.T) {
	// GIVEN: The month page lacks today's GALI but the live feed has it
	// WHEN: Reading today
	// THEN: The live value is shown under its canonical key

	f := newFixture(t)
	f.src.setGali(map[int]string{4: "40"})
	f.src.live = &results.RawLiveResults{Cells: map[string]string{"gali": "77", "Disawar": "--"}}

	view, err := f.eng.Reconciler.Today(f.ctx)
	require.NoError(t, err)
	require.NoError(t, f.eng.Reconciler.Drain(f.ctx))

	assert.Equal(t, day(5), view.Date)
	assert.Equal(t, "77", view.Values[results.GALI].String())
	assert.False(t, view.Values[results.DSWR].Present())
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestEngine_ConcurrentReadsAndWritesKeepEveryItem(t *testing.T) {
	// GIVEN: Readers building grids while writers add schedule items
	// WHEN: All goroutines finish
	// THEN: No added item is lost

	f := newFixture(t)
	f.src.setGali(map[int]string{1: "10"})

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, err := f.eng.Queue.Add(f.ctx, results.NewScheduleItem{
				Row:       map[string]string{"date": string(day(6)), "GALI": results.Some(i).String()},
				PublishAt: ptr(at(12, i)),
			})
			assert.NoError(t, err)
		}(i)
		go func() {
			defer wg.Done()
			_, _ = f.eng.Scheduler.RunDue(f.ctx)
			_, err := f.eng.Reconciler.BuildGrid(f.ctx, 2025, time.October)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	require.NoError(t, f.eng.Reconciler.Drain(f.ctx))

	items, err := f.eng.Queue.List(f.ctx)
	require.NoError(t, err)
	assert.Len(t, items, writers)
}
