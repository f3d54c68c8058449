package results_test

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/results-engine/results"
	"github.com/warp/results-engine/results/store"
)

func TestRunDue_AppliesOnlyDueItems(t *testing.T) {
	// GIVEN: One item due at 09:00 and one at 12:00
	// WHEN: RunDue runs at 09:30
	// THEN: Only the first is applied and marked executed

	f := newFixture(t)
	due := f.schedule(t, day(5), "GALI", "12", at(9, 0))
	later := f.schedule(t, day(5), "DSWR", "34", at(12, 0))
	f.clock.Set(at(9, 30))

	res, err := f.eng.Scheduler.RunDue(f.ctx)

	require.NoError(t, err)
	require.Len(t, res.Executed, 1)
	assert.Equal(t, due.ID, res.Executed[0].ID)
	assert.Equal(t, []results.MonthKey{oct}, res.Months)

	a := f.archive(t)
	assert.Equal(t, "12", a.Get(day(5), results.GALI).String())
	assert.False(t, a.Get(day(5), results.DSWR).Present())

	got, err := f.eng.Queue.Get(f.ctx, due.ID)
	require.NoError(t, err)
	assert.True(t, got.Executed)
	require.NotNil(t, got.ExecutedAt)
	assert.Equal(t, at(9, 30), *got.ExecutedAt)

	got, err = f.eng.Queue.Get(f.ctx, later.ID)
	require.NoError(t, err)
	assert.False(t, got.Executed)
}

func TestRunDue_IsIdempotent(t *testing.T) {
	// GIVEN: Two due items
	// WHEN: RunDue runs twice in immediate succession
	// THEN: The archive is identical after each run and the second run
	//       executes nothing

	f := newFixture(t)
	f.schedule(t, day(5), "GALI", "12", at(9, 0))
	f.schedule(t, day(6), "GALI2", "13", at(9, 15))
	f.clock.Set(at(9, 30))

	_, err := f.eng.Scheduler.RunDue(f.ctx)
	require.NoError(t, err)
	first := f.archive(t)

	res, err := f.eng.Scheduler.RunDue(f.ctx)
	require.NoError(t, err)
	second := f.archive(t)

	assert.Empty(t, res.Executed)
	assert.Empty(t, cmp.Diff(first, second, valueCmp))
}

func TestRunDue_MergesByDate(t *testing.T) {
	// GIVEN: An archive row for Oct 5 holding DSWR
	// WHEN: A GALI item for Oct 5 and one for Oct 2 execute
	// THEN: The Oct 5 row keeps DSWR and gains GALI; Oct 2 is inserted in order

	f := newFixture(t)
	f.putArchive(t, map[results.Date]map[results.CategoryKey]string{day(5): {results.DSWR: "33"}})
	f.schedule(t, day(5), "GALI", "44", at(9, 0))
	f.schedule(t, day(2), "GALI", "22", at(9, 0))
	f.clock.Set(at(9, 0))

	_, err := f.eng.Scheduler.RunDue(f.ctx)
	require.NoError(t, err)

	a := f.archive(t)
	require.Len(t, a.Rows, 2)
	assert.Equal(t, day(2), a.Rows[0].Date)
	assert.Equal(t, day(5), a.Rows[1].Date)
	assert.Equal(t, "33", a.Get(day(5), results.DSWR).String())
	assert.Equal(t, "44", a.Get(day(5), results.GALI).String())
	assert.Equal(t, []results.CategoryKey{results.DSWR, results.GALI}, a.Fields)
}

func TestRunDue_LaterPublishTimeWinsInArchive(t *testing.T) {
	f := newFixture(t)
	f.schedule(t, day(5), "GALI2", "20", at(10, 0))
	f.schedule(t, day(5), "GALI2", "10", at(9, 0))
	f.clock.Set(at(11, 0))

	res, err := f.eng.Scheduler.RunDue(f.ctx)

	require.NoError(t, err)
	require.Len(t, res.Executed, 2)
	assert.Equal(t, "10", res.Executed[0].Value.String(), "earliest applied first")
	assert.Equal(t, "20", f.archive(t).Get(day(5), "GALI2").String())
}

func TestRunDue_ArchiveFailureKeepsItemsPending(t *testing.T) {
	// GIVEN: A due item and an Archive Store rejecting writes
	// WHEN: RunDue runs
	// THEN: A persistence error is returned and the item stays pending until
	//       the store recovers and the next run applies it

	f := newFixture(t)
	item := f.schedule(t, day(5), "GALI", "12", at(9, 0))
	f.clock.Set(at(9, 30))
	f.mem.Fail(store.OpPutMonth, errors.New("disk full"))

	res, err := f.eng.Scheduler.RunDue(f.ctx)

	assert.ErrorIs(t, err, results.ErrPersistence)
	assert.Empty(t, res.Executed)
	got, err := f.eng.Queue.Get(f.ctx, item.ID)
	require.NoError(t, err)
	assert.False(t, got.Executed)

	f.mem.Fail(store.OpPutMonth, nil)
	res, err = f.eng.Scheduler.RunDue(f.ctx)
	require.NoError(t, err)
	assert.Len(t, res.Executed, 1)
	assert.Equal(t, "12", f.archive(t).Get(day(5), results.GALI).String())
}

func TestRunDue_BatchSaveFailureReupsertsHarmlessly(t *testing.T) {
	// GIVEN: A due item and a Schedule Store rejecting the batch save
	// WHEN: RunDue runs, fails, and runs again after recovery
	// THEN: The archive is written once, the item only counts as executed
	//       after the successful save, and the re-upsert changes nothing

	f := newFixture(t)
	item := f.schedule(t, day(5), "GALI", "12", at(9, 0))
	f.clock.Set(at(9, 30))
	f.mem.Fail(store.OpSaveSchedule, errors.New("locked"))

	res, err := f.eng.Scheduler.RunDue(f.ctx)
	assert.ErrorIs(t, err, results.ErrPersistence)
	assert.Empty(t, res.Executed)
	afterFailure := f.archive(t)
	assert.Equal(t, "12", afterFailure.Get(day(5), results.GALI).String())

	got, err := f.eng.Queue.Get(f.ctx, item.ID)
	require.NoError(t, err)
	assert.False(t, got.Executed, "executed flag is only persisted by the batch save")

	f.mem.Fail(store.OpSaveSchedule, nil)
	res, err = f.eng.Scheduler.RunDue(f.ctx)
	require.NoError(t, err)
	assert.Len(t, res.Executed, 1)
	assert.Empty(t, cmp.Diff(afterFailure, f.archive(t), valueCmp))
}

func TestRunDue_SpansMonths(t *testing.T) {
	f := newFixture(t)
	f.schedule(t, day(20), "GALI", "01", at(9, 0))
	f.schedule(t, results.DateOf(2025, time.November, 1), "GALI", "02", time.Date(2025, time.November, 1, 9, 0, 0, 0, time.UTC))
	f.clock.Set(time.Date(2025, time.November, 2, 0, 0, 0, 0, time.UTC))

	res, err := f.eng.Scheduler.RunDue(f.ctx)

	require.NoError(t, err)
	assert.Equal(t, []results.MonthKey{"2025-10", "2025-11"}, res.Months)
	nov, err := f.mem.GetMonth(f.ctx, "2025-11")
	require.NoError(t, err)
	require.NotNil(t, nov)
	assert.Equal(t, "02", nov.Get(results.DateOf(2025, time.November, 1), results.GALI).String())
}

func TestForceExecuteAll_IgnoresPublishTime(t *testing.T) {
	// GIVEN: Items publishing later today
	// WHEN: ForceExecuteAll runs now
	// THEN: All are applied through the same upsert path and recorded

	f := newFixture(t)
	f.schedule(t, day(5), "GALI", "12", at(18, 0))
	f.schedule(t, day(5), "GALI", "13", at(19, 0))

	res, err := f.eng.Scheduler.ForceExecuteAll(f.ctx)

	require.NoError(t, err)
	assert.Len(t, res.Executed, 2)
	assert.Equal(t, results.TriggerExecuteAll, res.Trigger)
	assert.Equal(t, "13", f.archive(t).Get(day(5), results.GALI).String())

	runs, err := f.eng.Scheduler.Runs(f.ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, results.TriggerExecuteAll, runs[0].Trigger)
	assert.Equal(t, 2, runs[0].Executed)
	assert.Equal(t, results.RunCompleted, runs[0].Status)
	assert.Equal(t, res.RunID, runs[0].ID)
}

func TestRunDue_RecordsOnlyRunsWithWork(t *testing.T) {
	f := newFixture(t)

	_, err := f.eng.Scheduler.RunDue(f.ctx)
	require.NoError(t, err)
	runs, err := f.eng.Scheduler.Runs(f.ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, runs)

	f.schedule(t, day(5), "GALI", "12", at(9, 0))
	f.clock.Set(at(9, 0))
	f.mem.Fail(store.OpPutMonth, errors.New("disk full"))
	_, err = f.eng.Scheduler.RunDue(f.ctx)
	require.Error(t, err)

	runs, err = f.eng.Scheduler.Runs(f.ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, results.RunFailed, runs[0].Status)
	assert.Contains(t, runs[0].Error, "disk full")
}

func TestRunDue_RevokedItemsAreSkipped(t *testing.T) {
	f := newFixture(t)
	f.schedule(t, day(5), "GALI", "12", at(9, 0))
	require.NoError(t, f.eng.Deleter.DeleteCompletely(f.ctx, day(5), results.GALI))
	f.clock.Set(at(9, 30))

	res, err := f.eng.Scheduler.RunDue(f.ctx)

	require.NoError(t, err)
	assert.Empty(t, res.Executed)
	a := f.archive(t)
	if a != nil {
		assert.False(t, a.Get(day(5), results.GALI).Present())
	}
}
