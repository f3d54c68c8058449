package results

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/warp/results-engine/logging"
)

// NewScheduleItem is an admin request to publish one value later.
//
// Row holds a "date" field plus exactly one category field, the way the
// admin panel submits a grid row:
//
//	{"date": "2025-10-05", "GALI2": "12"}
//
// A nil PublishAt uses the category's default publish time on Row's date.
type NewScheduleItem struct {
	Row       map[string]string
	PublishAt *time.Time
}

// SchedulePatch changes a pending item. A nil Row keeps the target cell and
// value; a nil PublishAt keeps the publish time.
type SchedulePatch struct {
	Row       map[string]string
	PublishAt *time.Time
}

// QueueOptions configures Schedule Queue validation.
type QueueOptions struct {
	// Location gives publish times their local calendar date.
	Location *time.Location

	// RequireSameMonth rejects items whose row date is not in the month of
	// their local publish date.
	RequireSameMonth bool
}

// Queue is the Schedule Queue. Every mutation is validated before anything
// is written; a rejected request leaves the stored list untouched.
//
// Mutations, including the Scheduler's and Deleter's, run one at a time
// in this process so a read-modify-write of the list cannot drop another
// writer's item.
type Queue struct {
	store      ScheduleStore
	categories *CategoryAdmin
	clock      Clock
	opts       QueueOptions

	mu sync.Mutex
}

var queueLog = logging.Component("queue")

// NewQueue creates a Queue over store.
func NewQueue(store ScheduleStore, categories *CategoryAdmin, clock Clock, opts QueueOptions) *Queue {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Queue{store: store, categories: categories, clock: clock, opts: opts}
}

// =============================================================================
// READS
// =============================================================================

// List returns every item ordered by publish time.
func (q *Queue) List(ctx context.Context) ([]ScheduleItem, error) {
	items, err := q.store.ListSchedule(ctx)
	if err != nil {
		return nil, persistErr("list schedule", err)
	}
	sortSchedule(items)
	return items, nil
}

// Get returns the item with id.
func (q *Queue) Get(ctx context.Context, id string) (ScheduleItem, error) {
	items, err := q.List(ctx)
	if err != nil {
		return ScheduleItem{}, err
	}
	if i := indexOfItem(items, id); i >= 0 {
		return items[i], nil
	}
	return ScheduleItem{}, fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
}

// =============================================================================
// MUTATIONS
// =============================================================================

// Add validates req and appends a new pending item.
func (q *Queue) Add(ctx context.Context, req NewScheduleItem) (ScheduleItem, error) {
	now := q.clock.Now()

	row, err := q.parseRow(ctx, req.Row)
	if err != nil {
		return ScheduleItem{}, err
	}
	at, err := q.publishTime(row.category, row.date, req.PublishAt, now)
	if err != nil {
		return ScheduleItem{}, err
	}

	item := ScheduleItem{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Category:  row.category.Key,
		Date:      row.date,
		Value:     row.value,
		PublishAt: at.UTC(),
		CreatedAt: now.UTC(),
	}
	_, err = q.update(ctx, func(items []ScheduleItem) ([]ScheduleItem, bool, error) {
		return append(items, item), true, nil
	})
	if err != nil {
		return ScheduleItem{}, err
	}

	queueLog.Info("schedule item added",
		"id", item.ID, "date", item.Date, "category", item.Category, "publish_at", item.PublishAt)
	return item, nil
}

// Update applies patch to a pending item. Executed and revoked items are
// immutable.
func (q *Queue) Update(ctx context.Context, id string, patch SchedulePatch) (ScheduleItem, error) {
	now := q.clock.Now()

	var row *parsedRow
	if patch.Row != nil {
		r, err := q.parseRow(ctx, patch.Row)
		if err != nil {
			return ScheduleItem{}, err
		}
		row = &r
	}

	var out ScheduleItem
	_, err := q.update(ctx, func(items []ScheduleItem) ([]ScheduleItem, bool, error) {
		i := indexOfItem(items, id)
		if i < 0 {
			return nil, false, fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
		}
		it := items[i]
		switch {
		case it.Executed:
			return nil, false, &ValidationError{Field: "id", Message: "schedule item already executed"}
		case it.Revoked:
			return nil, false, &ValidationError{Field: "id", Message: "schedule item was revoked by a deletion"}
		}

		cat := Category{Key: it.Category}
		if row != nil {
			it.Date, it.Category, it.Value = row.date, row.category.Key, row.value
			cat = row.category
		}
		at := it.PublishAt
		if patch.PublishAt != nil {
			at = *patch.PublishAt
		}
		at, err := q.publishTime(cat, it.Date, &at, now)
		if err != nil {
			return nil, false, err
		}
		it.PublishAt = at.UTC()

		items[i] = it
		out = it
		return items, true, nil
	})
	if err != nil {
		return ScheduleItem{}, err
	}

	queueLog.Info("schedule item updated", "id", id, "publish_at", out.PublishAt)
	return out, nil
}

// Delete removes a pending or revoked item. Executed items are kept as
// history.
func (q *Queue) Delete(ctx context.Context, id string) error {
	_, err := q.update(ctx, func(items []ScheduleItem) ([]ScheduleItem, bool, error) {
		i := indexOfItem(items, id)
		if i < 0 {
			return nil, false, fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
		}
		if items[i].Executed {
			return nil, false, &ValidationError{Field: "id", Message: "schedule item already executed"}
		}
		return append(items[:i], items[i+1:]...), true, nil
	})
	if err != nil {
		return err
	}
	queueLog.Info("schedule item deleted", "id", id)
	return nil
}

// revoke marks every live item targeting cell as revoked and returns how
// many changed.
func (q *Queue) revoke(ctx context.Context, cell Cell) (int, error) {
	n := 0
	_, err := q.update(ctx, func(items []ScheduleItem) ([]ScheduleItem, bool, error) {
		for i := range items {
			if items[i].Cell() == cell && !items[i].Revoked {
				items[i].Revoked = true
				n++
			}
		}
		return items, n > 0, nil
	})
	return n, err
}

// update runs one serialized read-modify-write of the stored list. fn
// returns the new list, whether to save it, and an error to report. The
// list is saved even when fn reports an error alongside save=true, so
// partial progress is kept. saved reports whether the batch write happened.
func (q *Queue) update(ctx context.Context, fn func([]ScheduleItem) ([]ScheduleItem, bool, error)) (saved bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	items, err := q.store.ListSchedule(ctx)
	if err != nil {
		return false, persistErr("list schedule", err)
	}

	next, save, fnErr := fn(items)
	if !save {
		return false, fnErr
	}
	if err := q.store.SaveSchedule(ctx, next); err != nil {
		return false, errors.Join(fnErr, persistErr("save schedule", err))
	}
	return true, fnErr
}

// =============================================================================
// VALIDATION
// =============================================================================

type parsedRow struct {
	date     Date
	category Category
	value    Value
}

// parseRow checks that row holds a YYYY-MM-DD date and exactly one
// category field carrying a non-negative integer.
func (q *Queue) parseRow(ctx context.Context, row map[string]string) (parsedRow, error) {
	var (
		dateRaw  string
		haveDate bool
		fields   []string
	)
	for k, v := range row {
		if NormalizeName(k) == "DATE" {
			dateRaw, haveDate = v, true
			continue
		}
		fields = append(fields, k)
	}
	sort.Strings(fields)

	if !haveDate {
		return parsedRow{}, &ValidationError{Field: "date", Message: "row must contain a date"}
	}
	date, err := ParseDate(dateRaw)
	if err != nil {
		return parsedRow{}, err
	}
	if len(fields) != 1 {
		return parsedRow{}, &ValidationError{
			Field:   "row",
			Message: fmt.Sprintf("row must contain exactly one value field besides date, got %d (%s)", len(fields), strings.Join(fields, ", ")),
		}
	}

	value, err := parseScheduleValue(row[fields[0]])
	if err != nil {
		return parsedRow{}, err
	}
	cat, err := q.categories.Resolve(ctx, fields[0])
	if err != nil {
		return parsedRow{}, err
	}
	return parsedRow{date: date, category: cat, value: value}, nil
}

// parseScheduleValue accepts a non-negative integer string up to MaxValue.
func parseScheduleValue(raw string) (Value, error) {
	s := strings.TrimSpace(raw)
	if s == "" || strings.Trim(s, "0123456789") != "" {
		return None, &ValidationError{Field: "value", Message: fmt.Sprintf("%q is not a non-negative integer", raw)}
	}
	v := ParseValue(s)
	if !v.Present() {
		return None, &ValidationError{Field: "value", Message: fmt.Sprintf("%q exceeds %d", raw, MaxValue)}
	}
	return v, nil
}

// publishTime resolves and checks the publish time of an item for date.
func (q *Queue) publishTime(cat Category, date Date, at *time.Time, now time.Time) (time.Time, error) {
	var t time.Time
	if at != nil {
		t = *at
	} else {
		if cat.DefaultPublishTime == "" {
			return time.Time{}, &ValidationError{Field: "publish_at", Message: "is required: category has no default publish time"}
		}
		h, m, err := ParseTimeOfDay(cat.DefaultPublishTime)
		if err != nil {
			return time.Time{}, err
		}
		d := date.Time()
		t = time.Date(d.Year(), d.Month(), d.Day(), h, m, 0, 0, q.opts.Location)
	}

	if !t.After(now) {
		return time.Time{}, &ValidationError{Field: "publish_at", Message: fmt.Sprintf("%s is not in the future", t.Format(time.RFC3339))}
	}
	if q.opts.RequireSameMonth {
		local := t.In(q.opts.Location)
		if NewMonthKey(local.Year(), local.Month()) != date.MonthKey() {
			return time.Time{}, &ValidationError{
				Field:   "publish_at",
				Message: fmt.Sprintf("local publish date %s is not in the month of %s", local.Format(dateLayout), date),
			}
		}
	}
	return t, nil
}

func indexOfItem(items []ScheduleItem, id string) int {
	for i := range items {
		if items[i].ID == id {
			return i
		}
	}
	return -1
}
