package results

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/warp/results-engine/logging"
)

// =============================================================================
// COMPLETE DELETION
// =============================================================================

// Deleter removes a cell from every store the Reconciler consults. A value
// deleted from only some of them comes back from the others, so every step
// runs even when an earlier one fails, and the caches are flushed either way.
type Deleter struct {
	overrides OverrideStore
	writer    *archiveWriter
	queue     *Queue
	index     *TombstoneIndex
	caches    []Invalidator
	clock     Clock
}

var delLog = logging.Component("deleter")

// DeleteCompletely tombstones (date, cat):
//  1. writes DeletedMarker to the Override Store
//  2. clears the cell in the Archive Store
//  3. revokes schedule items targeting the cell
//  4. flushes secondary caches and the Tombstone Index
func (d *Deleter) DeleteCompletely(ctx context.Context, date Date, cat CategoryKey) error {
	if date.IsZero() {
		return &ValidationError{Field: "date", Message: "is required"}
	}
	if !ValidKey(cat) {
		return &ValidationError{Field: "category", Message: fmt.Sprintf("%q is not a category key", cat)}
	}

	defer func() {
		for _, c := range d.caches {
			c.Invalidate()
		}
		d.index.Invalidate()
	}()

	cell := Cell{Date: date, Category: cat}
	var errs []error

	rec := OverrideRecord{Date: date, Category: cat, Raw: DeletedMarker, UpdatedAt: d.clock.Now().UTC()}
	if err := d.overrides.PutOverride(ctx, rec); err != nil {
		errs = append(errs, persistErr("write tombstone", err))
	}

	cleared, err := d.writer.Update(ctx, date.MonthKey(), func(g *MonthlyGrid) bool {
		return g.Clear(date, cat)
	})
	if err != nil {
		errs = append(errs, err)
	}

	revoked, err := d.queue.revoke(ctx, cell)
	if err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		delLog.Error("complete deletion partially failed",
			"date", date, "category", cat, "error", err)
		return err
	}
	delLog.Info("cell deleted",
		"date", date, "category", cat, "archive_cleared", cleared, "schedule_revoked", revoked)
	return nil
}

// =============================================================================
// OVERRIDES
// =============================================================================

// OverrideAdmin manages admin-entered values. Deletions go through the
// Deleter; Set only stores real values.
type OverrideAdmin struct {
	store      OverrideStore
	categories *CategoryAdmin
	index      *TombstoneIndex
	clock      Clock
}

// List returns the override records, tombstones included, whose date lies
// in r.
func (a *OverrideAdmin) List(ctx context.Context, r DateRange) ([]OverrideRecord, error) {
	records, err := a.store.ListOverrides(ctx, r)
	if err != nil {
		return nil, persistErr("list overrides", err)
	}
	return records, nil
}

// Set stores raw as the override of (date, category). It replaces any
// tombstone on the cell.
func (a *OverrideAdmin) Set(ctx context.Context, date Date, category, raw string) (OverrideRecord, error) {
	cat, err := a.categories.Resolve(ctx, category)
	if err != nil {
		return OverrideRecord{}, err
	}
	if IsDeletionSentinel(raw) {
		return OverrideRecord{}, &ValidationError{Field: "value", Message: "is empty; delete the result instead"}
	}
	v := ParseValue(raw)
	if !v.Present() {
		return OverrideRecord{}, &ValidationError{Field: "value", Message: fmt.Sprintf("%q is not an integer in [0, %d]", strings.TrimSpace(raw), MaxValue)}
	}

	rec := OverrideRecord{Date: date, Category: cat.Key, Raw: v.String(), UpdatedAt: a.clock.Now().UTC()}
	if err := a.store.PutOverride(ctx, rec); err != nil {
		return OverrideRecord{}, persistErr("write override", err)
	}
	a.index.Invalidate()
	return rec, nil
}

// Clear removes the override record of a cell. Clearing a tombstone
// record lets lower-precedence sources show through again.
func (a *OverrideAdmin) Clear(ctx context.Context, date Date, cat CategoryKey) error {
	if err := a.store.DeleteOverride(ctx, date, cat); err != nil {
		return persistErr("delete override", err)
	}
	a.index.Invalidate()
	return nil
}
