/*
Package results provides the result reconciliation and scheduled-publish engine.

PURPOSE:
  Daily two-digit result values are published per category. They come from
  three places that disagree: an external page re-fetched on demand, a
  durable monthly archive, and admin-entered overrides and schedule items.
  This package merges them into one canonical per-day, per-category grid
  and applies due schedule items to the archive.

KEY CONCEPTS IN THIS FILE (types.go):
  - Date / MonthKey: calendar day ("2025-10-05") and month ("2025-10")
  - Value: a result in [0, 99] with explicit presence (no sentinel strings)
  - ResultRow / MonthlyGrid: the per-day rows of one month
  - Category: a result column
  - ScheduleItem: a value to publish at a future time
  - OverrideRecord / Tombstone: admin values and explicit deletions

PRECEDENCE (highest first):
  1. live schedule value (executed, or due but not yet swept)
  2. override value (unless the cell is tombstoned)
  3. external source value
  4. archive value
  A tombstone blanks the cell unless a schedule value is live.

SEE ALSO:
  - reconciler.go: grid construction
  - scheduler.go: due item execution
  - queue.go: schedule mutations and validation
  - tombstone.go: deleted-cell index
*/
package results

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// DATES
// =============================================================================

const (
	dateLayout  = "2006-01-02"
	monthLayout = "2006-01"
)

// Date is a calendar day in canonical "YYYY-MM-DD" form.
type Date string

// ParseDate parses a strict "YYYY-MM-DD" date.
func ParseDate(s string) (Date, error) {
	s = strings.TrimSpace(s)
	t, err := time.Parse(dateLayout, s)
	if err != nil || len(s) != len(dateLayout) {
		return "", &ValidationError{Field: "date", Message: fmt.Sprintf("%q is not a YYYY-MM-DD date", s)}
	}
	return Date(t.Format(dateLayout)), nil
}

// DateOf builds a Date from its components.
func DateOf(year int, month time.Month, day int) Date {
	return Date(time.Date(year, month, day, 0, 0, 0, 0, time.UTC).Format(dateLayout))
}

// DateIn returns the calendar date of t in loc.
func DateIn(t time.Time, loc *time.Location) Date {
	local := t.In(loc)
	return DateOf(local.Year(), local.Month(), local.Day())
}

// Time returns midnight UTC of the date.
func (d Date) Time() time.Time {
	t, _ := time.Parse(dateLayout, string(d))
	return t
}

func (d Date) Day() int           { return d.Time().Day() }
func (d Date) MonthKey() MonthKey { return MonthKey(string(d)[:len(monthLayout)]) }
func (d Date) String() string     { return string(d) }
func (d Date) Before(o Date) bool { return d < o }
func (d Date) IsZero() bool       { return d == "" }

// MonthKey identifies a calendar month as "YYYY-MM". It is the Archive
// Store key.
type MonthKey string

// NewMonthKey builds the key for year/month.
func NewMonthKey(year int, month time.Month) MonthKey {
	return MonthKey(fmt.Sprintf("%04d-%02d", year, int(month)))
}

// ParseMonthKey parses a "YYYY-MM" key.
func ParseMonthKey(s string) (MonthKey, error) {
	t, err := time.Parse(monthLayout, strings.TrimSpace(s))
	if err != nil {
		return "", &ValidationError{Field: "month", Message: fmt.Sprintf("%q is not a YYYY-MM month", s)}
	}
	return MonthKey(t.Format(monthLayout)), nil
}

func (m MonthKey) start() time.Time {
	t, _ := time.Parse(monthLayout, string(m))
	return t
}

func (m MonthKey) Year() int         { return m.start().Year() }
func (m MonthKey) Month() time.Month { return m.start().Month() }
func (m MonthKey) String() string    { return string(m) }
func (m MonthKey) Date(day int) Date { return DateOf(m.Year(), m.Month(), day) }

// DaysIn returns the number of days in the month.
func (m MonthKey) DaysIn() int {
	return m.start().AddDate(0, 1, -1).Day()
}

// Range returns the first and last day of the month.
func (m MonthKey) Range() DateRange {
	return DateRange{From: m.Date(1), To: m.Date(m.DaysIn())}
}

// DateRange is an inclusive range of dates. A zero bound is unbounded, so
// the zero DateRange matches every date.
type DateRange struct {
	From Date
	To   Date
}

// Contains reports whether d lies in the range.
func (r DateRange) Contains(d Date) bool {
	if !r.From.IsZero() && d < r.From {
		return false
	}
	if !r.To.IsZero() && d > r.To {
		return false
	}
	return true
}

// =============================================================================
// VALUE - A result with explicit presence
// =============================================================================

// MaxValue is the largest publishable result.
const MaxValue = 99

// Value is a result in [0, MaxValue] or absent. The zero Value is absent.
type Value struct {
	n     uint8
	valid bool
}

// None is the absent value.
var None = Value{}

// Some returns a present value. Out-of-range numbers yield None.
func Some(n int) Value {
	if n < 0 || n > MaxValue {
		return None
	}
	return Value{n: uint8(n), valid: true}
}

// ParseValue accepts a candidate only if, after trimming, it parses as an
// integer in [0, 99]. Anything else ("", "--", "null", "-1", "100") is None.
func ParseValue(s string) Value {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return None
	}
	return Some(n)
}

// Present reports whether the value exists.
func (v Value) Present() bool { return v.valid }

// Int returns the numeric value and whether it is present.
func (v Value) Int() (int, bool) { return int(v.n), v.valid }

// String returns the two-digit form ("07") or "" when absent.
func (v Value) String() string {
	if !v.valid {
		return ""
	}
	return fmt.Sprintf("%02d", v.n)
}

// Or returns v when present, otherwise fallback.
func (v Value) Or(fallback Value) Value {
	if v.valid {
		return v
	}
	return fallback
}

// MarshalJSON encodes a present value as its two-digit string and an
// absent one as null.
func (v Value) MarshalJSON() ([]byte, error) {
	if !v.valid {
		return []byte("null"), nil
	}
	return json.Marshal(v.String())
}

// UnmarshalJSON accepts null, strings and numbers. Invalid content decodes
// to None, so legacy archive documents carrying "--" read as absent.
func (v *Value) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	if raw == "null" {
		*v = None
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		s = raw
	}
	*v = ParseValue(s)
	return nil
}

// =============================================================================
// GRID
// =============================================================================

// CategoryKey is the stable identifier of a result column.
type CategoryKey string

// ResultRow holds the values of one day. Cells that are absent may be
// missing from Values or present as None.
type ResultRow struct {
	Date   Date                  `json:"date"`
	Values map[CategoryKey]Value `json:"values"`
}

// Get returns the cell value or None.
func (r ResultRow) Get(cat CategoryKey) Value {
	return r.Values[cat]
}

// MonthlyGrid is the per-day table of one month. Rows are unique by date and
// sorted ascending; Fields only ever grows.
type MonthlyGrid struct {
	MonthKey  MonthKey      `json:"month_key"`
	Fields    []CategoryKey `json:"fields"`
	Rows      []ResultRow   `json:"rows"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// NewMonthlyGrid returns an empty grid for key.
func NewMonthlyGrid(key MonthKey) *MonthlyGrid {
	return &MonthlyGrid{MonthKey: key}
}

// Row returns the row for date, if any.
func (g *MonthlyGrid) Row(date Date) (ResultRow, bool) {
	i := g.rowIndex(date)
	if i < 0 {
		return ResultRow{}, false
	}
	return g.Rows[i], true
}

// Get returns the value of a cell or None.
func (g *MonthlyGrid) Get(date Date, cat CategoryKey) Value {
	row, ok := g.Row(date)
	if !ok {
		return None
	}
	return row.Get(cat)
}

func (g *MonthlyGrid) rowIndex(date Date) int {
	i := sort.Search(len(g.Rows), func(i int) bool { return g.Rows[i].Date >= date })
	if i < len(g.Rows) && g.Rows[i].Date == date {
		return i
	}
	return -1
}

// Upsert merges one cell by date: an existing row only has that category
// set, otherwise a new row is inserted in date order. Absent values are
// ignored. Returns true if the grid changed.
func (g *MonthlyGrid) Upsert(date Date, cat CategoryKey, v Value) bool {
	if !v.Present() {
		return false
	}
	g.addField(cat)

	i := sort.Search(len(g.Rows), func(i int) bool { return g.Rows[i].Date >= date })
	if i < len(g.Rows) && g.Rows[i].Date == date {
		row := &g.Rows[i]
		if row.Values == nil {
			row.Values = make(map[CategoryKey]Value)
		}
		if old, ok := row.Values[cat]; ok && old == v {
			return false
		}
		row.Values[cat] = v
		return true
	}

	g.Rows = append(g.Rows, ResultRow{})
	copy(g.Rows[i+1:], g.Rows[i:])
	g.Rows[i] = ResultRow{Date: date, Values: map[CategoryKey]Value{cat: v}}
	return true
}

// Clear removes one cell. The column stays in Fields. Returns true if a
// present value was removed.
func (g *MonthlyGrid) Clear(date Date, cat CategoryKey) bool {
	i := g.rowIndex(date)
	if i < 0 {
		return false
	}
	old, ok := g.Rows[i].Values[cat]
	if !ok {
		return false
	}
	delete(g.Rows[i].Values, cat)
	return old.Present()
}

func (g *MonthlyGrid) addField(cat CategoryKey) {
	for _, f := range g.Fields {
		if f == cat {
			return
		}
	}
	g.Fields = append(g.Fields, cat)
}

// Normalize sorts rows by date, merges duplicate dates (later rows win per
// cell), drops absent cells and makes Fields cover every stored column.
// Stores call it on load so hand-edited or legacy documents behave.
func (g *MonthlyGrid) Normalize() {
	rows := g.Rows
	g.Rows = nil
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Date < rows[j].Date })
	for _, row := range rows {
		cats := make([]CategoryKey, 0, len(row.Values))
		for cat := range row.Values {
			cats = append(cats, cat)
		}
		sort.Slice(cats, func(i, j int) bool { return cats[i] < cats[j] })
		for _, cat := range cats {
			g.Upsert(row.Date, cat, row.Values[cat])
		}
	}
}

// Clone returns a deep copy.
func (g *MonthlyGrid) Clone() *MonthlyGrid {
	out := &MonthlyGrid{
		MonthKey:  g.MonthKey,
		Fields:    append([]CategoryKey(nil), g.Fields...),
		Rows:      make([]ResultRow, len(g.Rows)),
		UpdatedAt: g.UpdatedAt,
	}
	for i, row := range g.Rows {
		values := make(map[CategoryKey]Value, len(row.Values))
		for k, v := range row.Values {
			values[k] = v
		}
		out.Rows[i] = ResultRow{Date: row.Date, Values: values}
	}
	return out
}

// =============================================================================
// CATEGORIES
// =============================================================================

// Category is a result column. Keys are immutable once created.
type Category struct {
	Key   CategoryKey `json:"key"`
	Label string      `json:"label"`

	// DefaultPublishTime is an optional "HH:MM" local time used when a
	// schedule item is added without an explicit publish time.
	DefaultPublishTime string `json:"default_publish_time,omitempty"`

	// Base categories come from the external source and cannot be deleted.
	Base bool `json:"base"`

	CreatedAt time.Time `json:"created_at"`
}

// =============================================================================
// SCHEDULE
// =============================================================================

// ScheduleItem is a value to merge into the archive once PublishAt passes.
// Executed items are kept for history; Revoked items were withdrawn by a
// complete deletion of their cell and are ignored everywhere.
type ScheduleItem struct {
	ID         string      `json:"id"`
	Category   CategoryKey `json:"category"`
	Date       Date        `json:"date"`
	Value      Value       `json:"value"`
	PublishAt  time.Time   `json:"publish_at"`
	Executed   bool        `json:"executed"`
	ExecutedAt *time.Time  `json:"executed_at,omitempty"`
	Revoked    bool        `json:"revoked,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// Cell returns the (date, category) the item targets.
func (it ScheduleItem) Cell() Cell {
	return Cell{Date: it.Date, Category: it.Category}
}

// Due reports whether the Scheduler should apply the item at now.
func (it ScheduleItem) Due(now time.Time) bool {
	return it.Pending() && !now.Before(it.PublishAt)
}

// Pending reports whether the item still waits for execution.
func (it ScheduleItem) Pending() bool {
	return !it.Executed && !it.Revoked
}

// Live reports whether readers should see the item's value at now: it has
// executed, or it is due and merely waits for the next sweep.
func (it ScheduleItem) Live(now time.Time) bool {
	if it.Revoked {
		return false
	}
	return it.Executed || !now.Before(it.PublishAt)
}

// sortSchedule orders items by publish time ascending so that later items
// overwrite earlier ones when applied in order. CreatedAt then ID break ties.
func sortSchedule(items []ScheduleItem) {
	sort.SliceStable(items, func(i, j int) bool { return scheduleLess(items[i], items[j]) })
}

// ScheduleRun records one scheduler pass that found work.
type ScheduleRun struct {
	ID          string     `json:"id"`
	Trigger     string     `json:"trigger"` // run_due, execute_all
	Executed    int        `json:"executed"`
	Status      string     `json:"status"` // completed, failed
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// =============================================================================
// OVERRIDES AND TOMBSTONES
// =============================================================================

// DeletedMarker is the reserved override value written by a complete
// deletion.
const DeletedMarker = "__DELETED__"

// Cell addresses one grid cell. A tombstone is a deleted Cell.
type Cell struct {
	Date     Date        `json:"date"`
	Category CategoryKey `json:"category"`
}

// Tombstone marks a cell as explicitly deleted.
type Tombstone = Cell

// OverrideRecord is a raw admin-entered value. A Raw equal to a deletion
// sentinel makes the record a tombstone.
type OverrideRecord struct {
	Date      Date        `json:"date"`
	Category  CategoryKey `json:"category"`
	Raw       string      `json:"value"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Cell returns the record's cell.
func (o OverrideRecord) Cell() Cell {
	return Cell{Date: o.Date, Category: o.Category}
}

// IsTombstone reports whether the record marks a deletion.
func (o OverrideRecord) IsTombstone() bool {
	return IsDeletionSentinel(o.Raw)
}

// Value returns the record's value, None for tombstones and invalid content.
func (o OverrideRecord) Value() Value {
	if o.IsTombstone() {
		return None
	}
	return ParseValue(o.Raw)
}

// IsDeletionSentinel reports whether raw is empty, "null" or DeletedMarker.
func IsDeletionSentinel(raw string) bool {
	t := strings.TrimSpace(raw)
	return t == "" || strings.EqualFold(t, "null") || strings.EqualFold(t, DeletedMarker)
}

// =============================================================================
// EXTERNAL SOURCE
// =============================================================================

// RawGrid is the parsed external page for one month. Column names are the
// page's own (legacy) names; the Reconciler maps them through the alias table.
type RawGrid struct {
	Columns []string `json:"columns"`
	Rows    []RawRow `json:"rows"`
}

// RawRow is one day of the external page.
type RawRow struct {
	Date  Date              `json:"date"`
	Cells map[string]string `json:"cells"`
}

// RawLiveResults are today's values as published on the external page.
type RawLiveResults struct {
	Cells     map[string]string `json:"cells"`
	FetchedAt time.Time         `json:"fetched_at"`
}
