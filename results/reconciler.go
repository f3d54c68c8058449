/*
reconciler.go - Builds the canonical monthly grid

PURPOSE:
  Merges the External Source, the Archive Store, the Override Store and the
  Schedule Queue into one MonthlyGrid for display.

ALGORITHM (per day of the month, per column):
  1. Live schedule value                       -> emit
  2. Tombstoned (index or this month's records) -> null
  3. Override value                            -> emit
  4. External Source value                     -> emit
  5. Archive value                             -> emit
  6. null

  Only values parsing as integers in [0, 99] count as present.

FAILURE POLICY:
  Every input is loaded concurrently under a timeout. A failed or slow
  input is logged and treated as absent; BuildGrid itself only fails on an
  invalid month.

WRITE-BACK:
  When the External Source returned data, a goroutine merges it into the
  archive (per cell, tombstoned and scheduled cells skipped). Readers
  never wait for it; Drain does.

SEE ALSO:
  - tombstone.go: deleted-cell index
  - alias.go: column names and order
*/
package results

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/results-engine/logging"
	"github.com/warp/results-engine/metrics"
	"golang.org/x/sync/errgroup"
)

// ReconcilerOptions tunes I/O bounds.
type ReconcilerOptions struct {
	// FetchTimeout bounds each External Source fetch and each store read.
	FetchTimeout time.Duration

	// WriteBackTimeout bounds one asynchronous archive write-back.
	WriteBackTimeout time.Duration

	// Location decides which day is "today".
	Location *time.Location
}

// Reconciler produces MonthlyGrids for display.
type Reconciler struct {
	source     Source
	archive    ArchiveStore
	writer     *archiveWriter
	overrides  OverrideStore
	queue      *Queue
	categories *CategoryAdmin
	tombstones *TombstoneIndex
	aliases    *AliasTable
	clock      Clock
	opts       ReconcilerOptions

	wbMu    sync.Mutex
	drains  int // Drain calls in progress; write-backs are refused while > 0
	pending sync.WaitGroup
}

// DayView is one reconciled day.
type DayView struct {
	Date      Date                  `json:"date"`
	Fields    []CategoryKey         `json:"fields"`
	Values    map[CategoryKey]Value `json:"values"`
	UpdatedAt time.Time             `json:"updated_at"`
}

var recLog = logging.Component("reconciler")

// =============================================================================
// PUBLIC API
// =============================================================================

// BuildGrid returns the reconciled grid for year/month. Source and store
// failures degrade to lower-precedence data and are never returned.
func (r *Reconciler) BuildGrid(ctx context.Context, year int, month time.Month) (*MonthlyGrid, error) {
	if year < 1 || year > 9999 || month < time.January || month > time.December {
		return nil, &ValidationError{Field: "month", Message: "year must be 1-9999 and month 1-12"}
	}
	start := time.Now()
	defer func() { metrics.GridBuildDuration.Observe(time.Since(start).Seconds()) }()

	key := NewMonthKey(year, month)
	now := r.clock.Now()
	in := r.load(ctx, key, now, nil)
	grid := r.assemble(key, in, now)
	return grid, nil
}

// Today returns today's row with the live results of the External Source
// layered over its month page.
func (r *Reconciler) Today(ctx context.Context) (*DayView, error) {
	now := r.clock.Now()
	today := DateIn(now, r.opts.Location)
	key := today.MonthKey()

	in := r.load(ctx, key, now, &today)
	grid := r.assemble(key, in, now)

	row, _ := grid.Row(today)
	return &DayView{Date: today, Fields: grid.Fields, Values: row.Values, UpdatedAt: grid.UpdatedAt}, nil
}

// Drain waits for in-flight archive write-backs. Passes that finish while
// Drain waits skip their write-back.
func (r *Reconciler) Drain(ctx context.Context) error {
	r.wbMu.Lock()
	r.drains++
	r.wbMu.Unlock()

	done := make(chan struct{})
	go func() {
		r.pending.Wait()
		r.wbMu.Lock()
		r.drains--
		r.wbMu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// =============================================================================
// INPUTS
// =============================================================================

// inputs holds everything one pass reads. Each loader goroutine writes only
// its own fields.
type inputs struct {
	external     map[Date]map[CategoryKey]Value
	externalCols []CategoryKey

	archive *MonthlyGrid

	overrides      map[Cell]Value
	overrideCols   []CategoryKey
	localDeletions map[Cell]bool

	schedule     map[Cell]Value
	scheduleCols []CategoryKey

	categories []Category
	tombstones *TombstoneSnapshot

	live map[CategoryKey]Value
}

func (in *inputs) deleted(c Cell) bool {
	return in.localDeletions[c] || in.tombstones.Has(c.Date, c.Category)
}

func (r *Reconciler) load(ctx context.Context, key MonthKey, now time.Time, liveDay *Date) *inputs {
	in := &inputs{}

	var g errgroup.Group
	g.Go(func() error {
		in.external, in.externalCols = r.loadExternal(ctx, key)
		return nil
	})
	g.Go(func() error {
		in.archive = r.loadArchive(ctx, key)
		return nil
	})
	g.Go(func() error {
		in.overrides, in.overrideCols, in.localDeletions = r.loadOverrides(ctx, key)
		return nil
	})
	g.Go(func() error {
		in.schedule, in.scheduleCols = r.loadSchedule(ctx, key, now)
		return nil
	})
	g.Go(func() error {
		in.categories = r.loadCategories(ctx)
		return nil
	})
	g.Go(func() error {
		in.tombstones = r.tombstones.Snapshot(ctx)
		return nil
	})
	if liveDay != nil {
		g.Go(func() error {
			in.live = r.loadLive(ctx)
			return nil
		})
	}
	_ = g.Wait()

	if liveDay != nil && len(in.live) > 0 {
		if in.external == nil {
			in.external = make(map[Date]map[CategoryKey]Value)
		}
		day := in.external[*liveDay]
		if day == nil {
			day = make(map[CategoryKey]Value)
			in.external[*liveDay] = day
		}
		cats := make([]CategoryKey, 0, len(in.live))
		for cat, v := range in.live {
			day[cat] = v
			cats = append(cats, cat)
		}
		sort.Slice(cats, func(i, j int) bool { return cats[i] < cats[j] })
		in.externalCols = appendMissing(in.externalCols, cats...)
	}
	return in
}

func (r *Reconciler) loadExternal(ctx context.Context, key MonthKey) (map[Date]map[CategoryKey]Value, []CategoryKey) {
	if r.source == nil {
		return nil, nil
	}
	fctx, cancel := context.WithTimeout(ctx, r.opts.FetchTimeout)
	defer cancel()

	raw, err := r.source.Fetch(fctx, key.Year(), key.Month())
	if err != nil {
		logging.WithContext(ctx).Warn("external source unavailable, using lower-precedence data",
			"component", "reconciler", "month", key, "error", err)
		return nil, nil
	}
	if raw == nil {
		return nil, nil
	}

	colKeys := make(map[string]CategoryKey)
	var cols []CategoryKey
	resolve := func(name string) (CategoryKey, bool) {
		if k, ok := colKeys[name]; ok {
			return k, k != ""
		}
		k, known := r.aliases.Resolve(name)
		if !known {
			recLog.Debug("ignoring unknown external column", "column", name)
			colKeys[name] = ""
			return "", false
		}
		colKeys[name] = k
		cols = appendMissing(cols, k)
		return k, true
	}
	for _, name := range raw.Columns {
		resolve(name)
	}

	out := make(map[Date]map[CategoryKey]Value)
	for _, row := range raw.Rows {
		if row.Date.IsZero() || row.Date.MonthKey() != key {
			continue
		}
		names := make([]string, 0, len(row.Cells))
		for name := range row.Cells {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			k, ok := resolve(name)
			if !ok {
				continue
			}
			v := ParseValue(row.Cells[name])
			if !v.Present() {
				continue
			}
			if out[row.Date] == nil {
				out[row.Date] = make(map[CategoryKey]Value)
			}
			out[row.Date][k] = v
		}
	}
	return out, cols
}

func (r *Reconciler) loadLive(ctx context.Context) map[CategoryKey]Value {
	if r.source == nil {
		return nil
	}
	fctx, cancel := context.WithTimeout(ctx, r.opts.FetchTimeout)
	defer cancel()

	raw, err := r.source.FetchLive(fctx)
	if err != nil {
		logging.WithContext(ctx).Warn("live results unavailable",
			"component", "reconciler", "error", err)
		return nil
	}
	if raw == nil {
		return nil
	}
	out := make(map[CategoryKey]Value)
	for name, cell := range raw.Cells {
		k, known := r.aliases.Resolve(name)
		if !known {
			continue
		}
		if v := ParseValue(cell); v.Present() {
			out[k] = v
		}
	}
	return out
}

func (r *Reconciler) loadArchive(ctx context.Context, key MonthKey) *MonthlyGrid {
	actx, cancel := context.WithTimeout(ctx, r.opts.FetchTimeout)
	defer cancel()

	grid, err := r.archive.GetMonth(actx, key)
	if err != nil {
		logging.WithContext(ctx).Warn("archive read failed, treating month as absent",
			"component", "reconciler", "month", key, "error", err)
		return nil
	}
	return grid
}

func (r *Reconciler) loadOverrides(ctx context.Context, key MonthKey) (map[Cell]Value, []CategoryKey, map[Cell]bool) {
	octx, cancel := context.WithTimeout(ctx, r.opts.FetchTimeout)
	defer cancel()

	records, err := r.overrides.ListOverrides(octx, key.Range())
	if err != nil {
		logging.WithContext(ctx).Warn("override read failed, skipping overrides",
			"component", "reconciler", "month", key, "error", err)
		return nil, nil, nil
	}

	values := make(map[Cell]Value)
	deleted := make(map[Cell]bool)
	var cols []CategoryKey
	for _, rec := range records {
		if rec.IsTombstone() {
			deleted[rec.Cell()] = true
			continue
		}
		if v := rec.Value(); v.Present() {
			values[rec.Cell()] = v
			cols = appendMissing(cols, rec.Category)
		}
	}
	return values, cols, deleted
}

func (r *Reconciler) loadSchedule(ctx context.Context, key MonthKey, now time.Time) (map[Cell]Value, []CategoryKey) {
	sctx, cancel := context.WithTimeout(ctx, r.opts.FetchTimeout)
	defer cancel()

	items, err := r.queue.List(sctx)
	if err != nil {
		logging.WithContext(ctx).Warn("schedule read failed, skipping scheduled values",
			"component", "reconciler", "error", err)
		return nil, nil
	}

	// List is ordered by publish time, so later items overwrite earlier ones.
	values := make(map[Cell]Value)
	var cols []CategoryKey
	for _, it := range items {
		if it.Date.MonthKey() != key || !it.Live(now) || !it.Value.Present() {
			continue
		}
		values[it.Cell()] = it.Value
		cols = appendMissing(cols, it.Category)
	}
	return values, cols
}

func (r *Reconciler) loadCategories(ctx context.Context) []Category {
	cctx, cancel := context.WithTimeout(ctx, r.opts.FetchTimeout)
	defer cancel()

	cats, err := r.categories.List(cctx)
	if err != nil {
		logging.WithContext(ctx).Warn("category read failed, using base categories",
			"component", "reconciler", "error", err)
		return BaseCategories()
	}
	return cats
}

// =============================================================================
// MERGE
// =============================================================================

type cellSource int

const (
	fromNone cellSource = iota
	fromSchedule
	fromTombstone
	fromOverride
	fromExternal
	fromArchive
)

// resolve applies the precedence order to one cell.
func (in *inputs) resolve(c Cell) (Value, cellSource) {
	if v := in.schedule[c]; v.Present() {
		return v, fromSchedule
	}
	if in.deleted(c) {
		return None, fromTombstone
	}
	if v := in.overrides[c]; v.Present() {
		return v, fromOverride
	}
	if v := in.external[c.Date][c.Category]; v.Present() {
		return v, fromExternal
	}
	if in.archive != nil {
		if v := in.archive.Get(c.Date, c.Category); v.Present() {
			return v, fromArchive
		}
	}
	return None, fromNone
}

// assemble merges inputs into the output grid and starts the write-back.
func (r *Reconciler) assemble(key MonthKey, in *inputs, now time.Time) *MonthlyGrid {
	var archiveFields []CategoryKey
	if in.archive != nil {
		archiveFields = in.archive.Fields
	}
	fields := OrderFields(in.categories, archiveFields, in.externalCols, in.overrideCols, in.scheduleCols)

	days := key.DaysIn()
	grid := &MonthlyGrid{
		MonthKey:  key,
		Fields:    fields,
		Rows:      make([]ResultRow, 0, days),
		UpdatedAt: now.UTC(),
	}

	usedArchive := false
	for day := 1; day <= days; day++ {
		date := key.Date(day)
		values := make(map[CategoryKey]Value, len(fields))
		for _, f := range fields {
			v, src := in.resolve(Cell{Date: date, Category: f})
			values[f] = v
			if src == fromArchive {
				usedArchive = true
			}
		}
		grid.Rows = append(grid.Rows, ResultRow{Date: date, Values: values})
	}

	if usedArchive {
		metrics.ArchiveFallbacks.Inc()
	}
	if len(in.external) > 0 {
		r.writeBack(key, in)
	}
	return grid
}

// =============================================================================
// WRITE-BACK
// =============================================================================

// writeBack persists the external values of this pass into the archive in
// the background. Tombstoned cells and cells claimed by a schedule item are
// left alone. The queue is read again under the month lock because the
// Scheduler may have executed an item since this pass loaded its inputs.
func (r *Reconciler) writeBack(key MonthKey, in *inputs) {
	dates := make([]Date, 0, len(in.external))
	for d := range in.external {
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i] < dates[j] })

	r.wbMu.Lock()
	if r.drains > 0 {
		r.wbMu.Unlock()
		metrics.WriteBacks.WithLabelValues(metrics.OutcomeEmpty).Inc()
		recLog.Debug("archive write-back skipped while draining", "month", key)
		return
	}
	r.pending.Add(1)
	r.wbMu.Unlock()

	go func() {
		defer r.pending.Done()

		ctx, cancel := context.WithTimeout(context.Background(), r.opts.WriteBackTimeout)
		defer cancel()

		var claimErr error
		wrote, err := r.writer.Update(ctx, key, func(g *MonthlyGrid) bool {
			claimed, err := r.claimedCells(ctx, key)
			if err != nil {
				claimErr = err
				return false
			}
			changed := false
			for _, d := range dates {
				for _, cat := range in.externalCols {
					v := in.external[d][cat]
					c := Cell{Date: d, Category: cat}
					if !v.Present() || in.deleted(c) || in.schedule[c].Present() || claimed[c] {
						continue
					}
					if g.Upsert(d, cat, v) {
						changed = true
					}
				}
			}
			return changed
		})
		if err == nil {
			err = claimErr
		}

		switch {
		case err != nil:
			metrics.WriteBacks.WithLabelValues(metrics.OutcomeError).Inc()
			recLog.Warn("archive write-back failed", "month", key, "error", err)
		case wrote:
			metrics.WriteBacks.WithLabelValues(metrics.OutcomeOK).Inc()
			recLog.Debug("archive write-back stored", "month", key)
		default:
			metrics.WriteBacks.WithLabelValues(metrics.OutcomeEmpty).Inc()
		}
	}()
}

// claimedCells returns the cells of key targeted by a schedule item that
// has not been revoked. Pending items count too: the Scheduler upserts the
// archive before it marks the item executed.
func (r *Reconciler) claimedCells(ctx context.Context, key MonthKey) (map[Cell]bool, error) {
	items, err := r.queue.List(ctx)
	if err != nil {
		return nil, err
	}
	claimed := make(map[Cell]bool)
	for _, it := range items {
		if it.Date.MonthKey() == key && !it.Revoked {
			claimed[it.Cell()] = true
		}
	}
	return claimed, nil
}

func appendMissing(list []CategoryKey, keys ...CategoryKey) []CategoryKey {
	for _, k := range keys {
		found := false
		for _, have := range list {
			if have == k {
				found = true
				break
			}
		}
		if !found {
			list = append(list, k)
		}
	}
	return list
}
