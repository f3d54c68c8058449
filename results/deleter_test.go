package results_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/results-engine/results"
	"github.com/warp/results-engine/results/store"
)

// =============================================================================
// COMPLETE DELETION
// =============================================================================

func TestDeleteCompletely_RemovesValueFromEveryStore(t *testing.T) {
	// GIVEN: Oct 5 GALI held by the archive, an override, an executed
	//        schedule item and the External Source
	// WHEN: Deleting the cell completely
	// THEN: Every store is updated, caches are flushed, and the grid shows
	//       null even though the External Source still reports a value

	f := newFixture(t)
	f.putArchive(t, map[results.Date]map[results.CategoryKey]string{day(5): {results.GALI: "12"}})
	_, err := f.eng.Overrides.Set(f.ctx, day(5), "GALI", "34")
	require.NoError(t, err)
	item := f.schedule(t, day(5), "GALI", "56", at(9, 0))
	f.clock.Set(at(9, 30))
	_, err = f.eng.Scheduler.RunDue(f.ctx)
	require.NoError(t, err)
	f.src.setGali(map[int]string{5: "78"})
	require.Equal(t, "56", f.grid(t).Get(day(5), results.GALI).String())

	require.NoError(t, f.eng.Deleter.DeleteCompletely(f.ctx, day(5), results.GALI))

	// Reconciled view
	assert.False(t, f.grid(t).Get(day(5), results.GALI).Present())

	// Archive Store
	assert.False(t, f.archive(t).Get(day(5), results.GALI).Present())

	// Override Store
	records, err := f.eng.Overrides.List(f.ctx, oct.Range())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].IsTombstone())

	// Schedule Queue
	got, err := f.eng.Queue.Get(f.ctx, item.ID)
	require.NoError(t, err)
	assert.True(t, got.Revoked)

	// Caches
	assert.Equal(t, int32(1), f.cache.n.Load())
	assert.True(t, f.eng.Tombstones.IsDeleted(f.ctx, day(5), results.GALI))
}

func TestDeleteCompletely_NewScheduleValueSupersedesTombstone(t *testing.T) {
	f := newFixture(t)
	f.putArchive(t, map[results.Date]map[results.CategoryKey]string{day(5): {results.GALI: "12"}})
	require.NoError(t, f.eng.Deleter.DeleteCompletely(f.ctx, day(5), results.GALI))

	f.schedule(t, day(5), "GALI", "90", at(10, 0))
	f.clock.Set(at(10, 30))

	assert.Equal(t, "90", f.grid(t).Get(day(5), results.GALI).String())
}

func TestDeleteCompletely_NewOverrideSupersedesTombstone(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.eng.Deleter.DeleteCompletely(f.ctx, day(5), results.GALI))

	_, err := f.eng.Overrides.Set(f.ctx, day(5), "GALI", "61")
	require.NoError(t, err)

	assert.Equal(t, "61", f.grid(t).Get(day(5), results.GALI).String())
}

func TestDeleteCompletely_PartialFailureStillTombstones(t *testing.T) {
	// GIVEN: An Archive Store rejecting writes
	// WHEN: Deleting a cell
	// THEN: A persistence error is returned, but the tombstone was written
	//       and caches flushed, so the grid already shows null

	f := newFixture(t)
	f.putArchive(t, map[results.Date]map[results.CategoryKey]string{day(5): {results.GALI: "12"}})
	f.mem.Fail(store.OpPutMonth, errors.New("disk full"))

	err := f.eng.Deleter.DeleteCompletely(f.ctx, day(5), results.GALI)

	assert.ErrorIs(t, err, results.ErrPersistence)
	assert.Equal(t, int32(1), f.cache.n.Load())
	assert.Equal(t, "12", f.archive(t).Get(day(5), results.GALI).String(), "archive write failed")
	assert.False(t, f.grid(t).Get(day(5), results.GALI).Present())
}

func TestDeleteCompletely_Validation(t *testing.T) {
	f := newFixture(t)

	assert.ErrorIs(t, f.eng.Deleter.DeleteCompletely(f.ctx, "", results.GALI), results.ErrValidation)
	assert.ErrorIs(t, f.eng.Deleter.DeleteCompletely(f.ctx, day(5), "bad key"), results.ErrValidation)
	assert.Equal(t, int32(0), f.cache.n.Load())
}

// =============================================================================
// OVERRIDES
// =============================================================================

func TestOverrideSet_Validation(t *testing.T) {
	tests := []struct {
		name     string
		category string
		raw      string
		wantErr  error
	}{
		{"empty is not a value", "GALI", "", results.ErrValidation},
		{"sentinel is not a value", "GALI", results.DeletedMarker, results.ErrValidation},
		{"out of range", "GALI", "100", results.ErrValidation},
		{"dash placeholder", "GALI", "--", results.ErrValidation},
		{"unknown category", "NOPE", "12", results.ErrCategoryNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)

			_, err := f.eng.Overrides.Set(f.ctx, day(5), tt.category, tt.raw)

			assert.ErrorIs(t, err, tt.wantErr)
			records, err := f.eng.Overrides.List(f.ctx, results.DateRange{})
			require.NoError(t, err)
			assert.Empty(t, records)
		})
	}
}

func TestOverrideSet_NormalizesValue(t *testing.T) {
	f := newFixture(t)

	rec, err := f.eng.Overrides.Set(f.ctx, day(5), "Disawar", " 7 ")

	require.NoError(t, err)
	assert.Equal(t, results.DSWR, rec.Category)
	assert.Equal(t, "07", rec.Raw)
	assert.Equal(t, "07", f.grid(t).Get(day(5), results.DSWR).String())
}

func TestOverrideClear_RestoresLowerPrecedence(t *testing.T) {
	f := newFixture(t)
	f.putArchive(t, map[results.Date]map[results.CategoryKey]string{day(5): {results.GALI: "12"}})
	f.tombstone(t, day(5), results.GALI)
	require.False(t, f.grid(t).Get(day(5), results.GALI).Present())

	require.NoError(t, f.eng.Overrides.Clear(f.ctx, day(5), results.GALI))

	assert.Equal(t, "12", f.grid(t).Get(day(5), results.GALI).String())
}
