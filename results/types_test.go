package results_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/results-engine/results"
)

func TestParseValue_Boundaries(t *testing.T) {
	absent := []string{"-1", "100", "abc", "", "--", "null", " ", "1.5", "0x10"}
	for _, raw := range absent {
		assert.False(t, results.ParseValue(raw).Present(), "%q must be absent", raw)
	}

	present := map[string]string{"0": "00", "00": "00", "7": "07", " 42 ": "42", "99": "99", "099": "99"}
	for raw, want := range present {
		v := results.ParseValue(raw)
		assert.True(t, v.Present(), "%q must be present", raw)
		assert.Equal(t, want, v.String())
	}
}

func TestValue_JSON(t *testing.T) {
	row := results.ResultRow{
		Date:   "2025-10-05",
		Values: map[results.CategoryKey]results.Value{results.DSWR: results.Some(7), results.GALI: results.None},
	}

	b, err := json.Marshal(row)
	require.NoError(t, err)
	assert.JSONEq(t, `{"date":"2025-10-05","values":{"DSWR":"07","GALI":null}}`, string(b))

	var decoded results.ResultRow
	require.NoError(t, json.Unmarshal([]byte(`{"date":"2025-10-05","values":{"DSWR":7,"FRBD":"--","GALI":null,"GZBD":"12"}}`), &decoded))
	assert.Equal(t, results.Some(7), decoded.Get(results.DSWR))
	assert.False(t, decoded.Get(results.FRBD).Present())
	assert.False(t, decoded.Get(results.GALI).Present())
	assert.Equal(t, "12", decoded.Get(results.GZBD).String())
}

func TestParseDate(t *testing.T) {
	d, err := results.ParseDate(" 2025-10-05 ")
	require.NoError(t, err)
	assert.Equal(t, results.Date("2025-10-05"), d)
	assert.Equal(t, results.MonthKey("2025-10"), d.MonthKey())
	assert.Equal(t, 5, d.Day())

	for _, bad := range []string{"2025-10-5", "2025/10/05", "2025-02-30", "05-10-2025", ""} {
		_, err := results.ParseDate(bad)
		assert.ErrorIs(t, err, results.ErrValidation, bad)
	}
}

func TestMonthKey(t *testing.T) {
	feb := results.NewMonthKey(2024, time.February)

	assert.Equal(t, results.MonthKey("2024-02"), feb)
	assert.Equal(t, 29, feb.DaysIn())
	assert.Equal(t, results.DateRange{From: "2024-02-01", To: "2024-02-29"}, feb.Range())

	parsed, err := results.ParseMonthKey("2024-02")
	require.NoError(t, err)
	assert.Equal(t, feb, parsed)
	_, err = results.ParseMonthKey("2024-2-1")
	assert.ErrorIs(t, err, results.ErrValidation)
}

func TestDateRange_ZeroBoundsAreOpen(t *testing.T) {
	assert.True(t, results.DateRange{}.Contains("1999-01-01"))
	assert.True(t, results.DateRange{From: "2025-10-01"}.Contains("2030-01-01"))
	assert.False(t, results.DateRange{To: "2025-10-01"}.Contains("2025-10-02"))
}

func TestMonthlyGrid_UpsertMergesByDate(t *testing.T) {
	// GIVEN: An empty grid
	// WHEN: Upserting out of date order, twice into the same row
	// THEN: Rows stay sorted and unique; only the touched cell changes

	g := results.NewMonthlyGrid("2025-10")

	assert.True(t, g.Upsert("2025-10-09", results.GALI, results.Some(1)))
	assert.True(t, g.Upsert("2025-10-02", results.DSWR, results.Some(2)))
	assert.True(t, g.Upsert("2025-10-09", results.DSWR, results.Some(3)))
	assert.False(t, g.Upsert("2025-10-09", results.DSWR, results.Some(3)), "same value is not a change")
	assert.False(t, g.Upsert("2025-10-09", results.FRBD, results.None), "absent values are ignored")

	require.Len(t, g.Rows, 2)
	assert.Equal(t, results.Date("2025-10-02"), g.Rows[0].Date)
	assert.Equal(t, results.Date("2025-10-09"), g.Rows[1].Date)
	assert.Equal(t, "01", g.Get("2025-10-09", results.GALI).String())
	assert.Equal(t, []results.CategoryKey{results.GALI, results.DSWR}, g.Fields)

	assert.True(t, g.Clear("2025-10-09", results.GALI))
	assert.False(t, g.Clear("2025-10-09", results.GALI))
	assert.Equal(t, []results.CategoryKey{results.GALI, results.DSWR}, g.Fields, "fields never shrink")
}

func TestMonthlyGrid_NormalizeMergesDuplicates(t *testing.T) {
	g := &results.MonthlyGrid{
		MonthKey: "2025-10",
		Rows: []results.ResultRow{
			{Date: "2025-10-03", Values: map[results.CategoryKey]results.Value{results.GALI: results.Some(1)}},
			{Date: "2025-10-01", Values: map[results.CategoryKey]results.Value{results.DSWR: results.None}},
			{Date: "2025-10-03", Values: map[results.CategoryKey]results.Value{results.GALI: results.Some(2)}},
		},
	}

	g.Normalize()

	require.Len(t, g.Rows, 1)
	assert.Equal(t, "02", g.Get("2025-10-03", results.GALI).String())
	assert.Equal(t, []results.CategoryKey{results.GALI}, g.Fields)
}

func TestScheduleItem_Lifecycle(t *testing.T) {
	it := results.ScheduleItem{PublishAt: at(9, 0)}

	assert.False(t, it.Due(at(8, 59)))
	assert.True(t, it.Due(at(9, 0)))
	assert.False(t, it.Live(at(8, 59)))
	assert.True(t, it.Live(at(9, 0)))

	it.Executed = true
	assert.False(t, it.Due(at(10, 0)))
	assert.True(t, it.Live(at(8, 0)))

	it.Revoked = true
	assert.False(t, it.Live(at(10, 0)))
}
