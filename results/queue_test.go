package results_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/results-engine/results"
	"github.com/warp/results-engine/results/store"
)

// =============================================================================
// ADD
// =============================================================================

func TestQueueAdd_RejectsInvalidItemsWithoutMutation(t *testing.T) {
	// GIVEN: A queue already holding one item
	// WHEN: Adding an invalid item
	// THEN: The add is rejected and the stored list is exactly unchanged

	tests := []struct {
		name      string
		row       map[string]string
		publishAt *time.Time
		wantErr   error
	}{
		{"past publish time", map[string]string{"date": "2025-10-05", "GALI": "12"}, ptr(at(7, 0)), results.ErrValidation},
		{"publish time now", map[string]string{"date": "2025-10-05", "GALI": "12"}, ptr(startTime), results.ErrValidation},
		{"non-numeric value", map[string]string{"date": "2025-10-05", "GALI": "ab"}, ptr(at(9, 0)), results.ErrValidation},
		{"negative value", map[string]string{"date": "2025-10-05", "GALI": "-1"}, ptr(at(9, 0)), results.ErrValidation},
		{"value above 99", map[string]string{"date": "2025-10-05", "GALI": "100"}, ptr(at(9, 0)), results.ErrValidation},
		{"empty value", map[string]string{"date": "2025-10-05", "GALI": " "}, ptr(at(9, 0)), results.ErrValidation},
		{"malformed date", map[string]string{"date": "05-10-2025", "GALI": "12"}, ptr(at(9, 0)), results.ErrValidation},
		{"impossible date", map[string]string{"date": "2025-13-01", "GALI": "12"}, ptr(at(9, 0)), results.ErrValidation},
		{"short date", map[string]string{"date": "2025-10-5", "GALI": "12"}, ptr(at(9, 0)), results.ErrValidation},
		{"missing date", map[string]string{"GALI": "12"}, ptr(at(9, 0)), results.ErrValidation},
		{"two value fields", map[string]string{"date": "2025-10-05", "GALI": "12", "DSWR": "13"}, ptr(at(9, 0)), results.ErrValidation},
		{"no value field", map[string]string{"date": "2025-10-05"}, ptr(at(9, 0)), results.ErrValidation},
		{"publish in another month", map[string]string{"date": "2025-11-05", "GALI": "12"}, ptr(at(9, 0)), results.ErrValidation},
		{"no publish time and no default", map[string]string{"date": "2025-10-05", "GALI": "12"}, nil, results.ErrValidation},
		{"unknown category", map[string]string{"date": "2025-10-05", "NOPE": "12"}, ptr(at(9, 0)), results.ErrCategoryNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.schedule(t, day(6), "GALI", "01", at(9, 0))
			before, err := f.mem.ListSchedule(f.ctx)
			require.NoError(t, err)

			_, err = f.eng.Queue.Add(f.ctx, results.NewScheduleItem{Row: tt.row, PublishAt: tt.publishAt})

			assert.ErrorIs(t, err, tt.wantErr)
			after, err := f.mem.ListSchedule(f.ctx)
			require.NoError(t, err)
			assert.Empty(t, cmp.Diff(before, after, valueCmp))
		})
	}
}

func TestQueueAdd_NormalizesAliasAndValue(t *testing.T) {
	f := newFixture(t)

	item := f.schedule(t, day(5), " gali 2 ", "7", at(9, 0))

	assert.Equal(t, results.CategoryKey("GALI2"), item.Category)
	assert.Equal(t, "07", item.Value.String())
	assert.False(t, item.Executed)
	assert.NotEmpty(t, item.ID)
	assert.Equal(t, startTime, item.CreatedAt)
}

func TestQueueAdd_UsesCategoryDefaultPublishTime(t *testing.T) {
	// GIVEN: A category publishing at 18:30 by default
	// WHEN: Adding an item without a publish time
	// THEN: It publishes at 18:30 local time on the row's date

	f := newFixture(t)
	_, err := f.eng.Categories.Create(f.ctx, results.CategoryInput{Key: "EVE", Label: "Evening", DefaultPublishTime: "18:30"})
	require.NoError(t, err)

	item, err := f.eng.Queue.Add(f.ctx, results.NewScheduleItem{
		Row: map[string]string{"date": "2025-10-07", "Evening": "42"},
	})

	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, time.October, 7, 18, 30, 0, 0, time.UTC), item.PublishAt)
}

func TestQueueAdd_SameMonthCheckUsesLocalDate(t *testing.T) {
	// GIVEN: A queue in IST (UTC+5:30)
	// WHEN: Publishing at 20:00 UTC on Oct 31, which is Nov 1 in IST
	// THEN: An October row is rejected and a November row accepted

	mem := store.NewMemory()
	ist := time.FixedZone("IST", 5*3600+1800)
	eng := results.New(
		results.Stores{Archive: mem, Overrides: mem, Schedule: mem, Categories: mem},
		nil,
		results.Options{Clock: results.NewManualClock(startTime), Location: ist, RequireSameMonth: true},
	)
	publish := time.Date(2025, time.October, 31, 20, 0, 0, 0, time.UTC)
	ctx := context.Background()

	_, err := eng.Queue.Add(ctx, results.NewScheduleItem{Row: map[string]string{"date": "2025-10-31", "GALI": "1"}, PublishAt: &publish})
	assert.ErrorIs(t, err, results.ErrValidation)

	_, err = eng.Queue.Add(ctx, results.NewScheduleItem{Row: map[string]string{"date": "2025-11-01", "GALI": "1"}, PublishAt: &publish})
	assert.NoError(t, err)
}

func TestQueueAdd_CrossMonthAllowedWhenNotRequired(t *testing.T) {
	mem := store.NewMemory()
	eng := results.New(
		results.Stores{Archive: mem, Overrides: mem, Schedule: mem, Categories: mem},
		nil,
		results.Options{Clock: results.NewManualClock(startTime), RequireSameMonth: false},
	)

	_, err := eng.Queue.Add(context.Background(), results.NewScheduleItem{
		Row:       map[string]string{"date": "2025-11-05", "GALI": "12"},
		PublishAt: ptr(at(9, 0)),
	})

	assert.NoError(t, err)
}

func TestQueueAdd_PersistenceErrorSurfaces(t *testing.T) {
	f := newFixture(t)
	f.mem.Fail(store.OpSaveSchedule, errors.New("read-only filesystem"))

	_, err := f.eng.Queue.Add(f.ctx, results.NewScheduleItem{
		Row:       map[string]string{"date": "2025-10-05", "GALI": "12"},
		PublishAt: ptr(at(9, 0)),
	})

	assert.ErrorIs(t, err, results.ErrPersistence)
}

// =============================================================================
// UPDATE / DELETE
// =============================================================================

func TestQueueUpdate_ChangesPendingItem(t *testing.T) {
	f := newFixture(t)
	item := f.schedule(t, day(5), "GALI", "12", at(9, 0))

	updated, err := f.eng.Queue.Update(f.ctx, item.ID, results.SchedulePatch{
		Row:       map[string]string{"date": "2025-10-06", "GALI2": "34"},
		PublishAt: ptr(at(11, 0)),
	})

	require.NoError(t, err)
	assert.Equal(t, item.ID, updated.ID)
	assert.Equal(t, day(6), updated.Date)
	assert.Equal(t, results.CategoryKey("GALI2"), updated.Category)
	assert.Equal(t, "34", updated.Value.String())
	assert.Equal(t, at(11, 0), updated.PublishAt)

	got, err := f.eng.Queue.Get(f.ctx, item.ID)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(updated, got, valueCmp))
}

func TestQueueUpdate_Rejections(t *testing.T) {
	f := newFixture(t)
	pending := f.schedule(t, day(5), "GALI", "12", at(9, 0))
	executed := f.schedule(t, day(5), "DSWR", "13", at(8, 30))
	f.clock.Set(at(8, 45))
	_, err := f.eng.Scheduler.RunDue(f.ctx)
	require.NoError(t, err)

	_, err = f.eng.Queue.Update(f.ctx, "missing", results.SchedulePatch{PublishAt: ptr(at(10, 0))})
	assert.ErrorIs(t, err, results.ErrScheduleNotFound)

	_, err = f.eng.Queue.Update(f.ctx, executed.ID, results.SchedulePatch{PublishAt: ptr(at(10, 0))})
	assert.ErrorIs(t, err, results.ErrValidation, "executed items are immutable")

	_, err = f.eng.Queue.Update(f.ctx, pending.ID, results.SchedulePatch{PublishAt: ptr(at(8, 0))})
	assert.ErrorIs(t, err, results.ErrValidation, "publish time must stay in the future")

	got, err := f.eng.Queue.Get(f.ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, at(9, 0), got.PublishAt)
}

func TestQueueDelete(t *testing.T) {
	f := newFixture(t)
	item := f.schedule(t, day(5), "GALI", "12", at(9, 0))

	require.NoError(t, f.eng.Queue.Delete(f.ctx, item.ID))

	items, err := f.eng.Queue.List(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.ErrorIs(t, f.eng.Queue.Delete(f.ctx, item.ID), results.ErrNotFound)
}

func TestQueueDelete_KeepsExecutedItems(t *testing.T) {
	// GIVEN: An item the Scheduler has executed
	// WHEN: Deleting it
	// THEN: A validation error is returned and the item stays in the queue

	f := newFixture(t)
	item := f.schedule(t, day(5), "GALI", "12", at(9, 0))
	f.clock.Set(at(9, 30))
	_, err := f.eng.Scheduler.RunDue(f.ctx)
	require.NoError(t, err)

	err = f.eng.Queue.Delete(f.ctx, item.ID)

	assert.ErrorIs(t, err, results.ErrValidation)
	got, err := f.eng.Queue.Get(f.ctx, item.ID)
	require.NoError(t, err)
	assert.True(t, got.Executed)
}

func TestQueueList_OrderedByPublishTime(t *testing.T) {
	f := newFixture(t)
	f.schedule(t, day(5), "GALI", "03", at(12, 0))
	f.schedule(t, day(5), "GALI", "01", at(9, 0))
	f.schedule(t, day(5), "GALI", "02", at(10, 0))

	items, err := f.eng.Queue.List(f.ctx)

	require.NoError(t, err)
	require.Len(t, items, 3)
	for i, want := range []string{"01", "02", "03"} {
		assert.Equal(t, want, items[i].Value.String())
	}
}
