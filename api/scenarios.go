/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the stores with data that
	shows how the engine reconciles its sources. Every scenario is built
	around the current month of the configured timezone.

AVAILABLE SCENARIOS:

	deleted-result:   An archived value removed by a complete deletion
	schedule-tie:     Two due items for one cell; the later publish time wins
	archive-fallback: A month served from the archive alone
	future-schedule:  Pending items and an admin category with a default time

HOW SCENARIOS WORK:
 1. Reset every resettable store and flush caches
 2. Write archive months, overrides and schedule items directly
 3. Use engine operations where the scenario is about them (deletion)

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "schedule-tie"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx, today)
 3. Add case to loadScenario

NOTE:

	Scenarios reset the stores. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler dependencies
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/warp/results-engine/logging"
	"github.com/warp/results-engine/results"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "deleted-result",
		Name:        "Deleted Result",
		Description: "Archived GALI value on day 1 deleted completely; it stays absent on every read",
	},
	{
		ID:          "schedule-tie",
		Name:        "Schedule Tie",
		Description: "Two due schedule items for today's GALI; the later publish time wins",
	},
	{
		ID:          "archive-fallback",
		Name:        "Archive Fallback",
		Description: "The current month exists only in the archive; reads serve it when the source is down",
	},
	{
		ID:          "future-schedule",
		Name:        "Future Schedule",
		Description: "An admin category with a default publish time and items waiting to publish",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current, Description: "Currently loaded scenario"})
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !knownScenario(req.ScenarioID) {
		writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}

	ctx := r.Context()
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset stores", err)
		return
	}
	if err := h.loadScenario(ctx, req.ScenarioID); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	h.invalidate()
	h.currentScenario = req.ScenarioID

	logging.WithContext(ctx).Info("scenario loaded", "scenario", req.ScenarioID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// ResetData clears every resettable store.
// POST /api/scenarios/reset
func (h *Handler) ResetData(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset stores", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// reset must be called with h.mu held.
func (h *Handler) reset(ctx context.Context) error {
	defer h.invalidate()
	h.currentScenario = ""
	for _, rs := range h.resetters {
		if err := rs.Reset(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) invalidate() {
	for _, c := range h.caches {
		c.Invalidate()
	}
	h.Engine.Tombstones.Invalidate()
}

func knownScenario(id string) bool {
	for _, s := range scenarios {
		if s.ID == id {
			return true
		}
	}
	return false
}

func (h *Handler) loadScenario(ctx context.Context, id string) error {
	now := h.Clock.Now()
	today := results.DateIn(now, h.Location)

	switch id {
	case "deleted-result":
		return h.loadDeletedResultScenario(ctx, today)
	case "schedule-tie":
		return h.loadScheduleTieScenario(ctx, today, now)
	case "archive-fallback":
		return h.loadArchiveFallbackScenario(ctx, today)
	case "future-schedule":
		return h.loadFutureScheduleScenario(ctx, today, now)
	}
	return fmt.Errorf("unknown scenario %q", id)
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// archiveMonth writes base-category values for days 1..today of today's
// month. Values are derived from the day so they are easy to recognize.
func (h *Handler) archiveMonth(ctx context.Context, today results.Date) error {
	key := today.MonthKey()
	g := results.NewMonthlyGrid(key)
	for day := 1; day <= today.Day(); day++ {
		for i, cat := range results.BaseKeys {
			g.Upsert(key.Date(day), cat, results.Some((day*7+i*13)%100))
		}
	}
	g.UpdatedAt = h.Clock.Now().UTC()
	return h.Stores.Archive.PutMonth(ctx, *g)
}

func (h *Handler) loadDeletedResultScenario(ctx context.Context, today results.Date) error {
	if err := h.archiveMonth(ctx, today); err != nil {
		return err
	}
	return h.Engine.Deleter.DeleteCompletely(ctx, today.MonthKey().Date(1), results.GALI)
}

func (h *Handler) loadScheduleTieScenario(ctx context.Context, today results.Date, now time.Time) error {
	items := []results.ScheduleItem{
		newItem(today, results.GALI, 11, now.Add(-2*time.Hour), now.Add(-3*time.Hour)),
		newItem(today, results.GALI, 22, now.Add(-1*time.Hour), now.Add(-3*time.Hour)),
	}
	return h.Stores.Schedule.SaveSchedule(ctx, items)
}

func (h *Handler) loadArchiveFallbackScenario(ctx context.Context, today results.Date) error {
	if err := h.archiveMonth(ctx, today); err != nil {
		return err
	}
	// An admin correction layered over the archive
	return h.Stores.Overrides.PutOverride(ctx, results.OverrideRecord{
		Date:      today,
		Category:  results.DSWR,
		Raw:       "45",
		UpdatedAt: h.Clock.Now().UTC(),
	})
}

func (h *Handler) loadFutureScheduleScenario(ctx context.Context, today results.Date, now time.Time) error {
	cat, err := h.Engine.Categories.Create(ctx, results.CategoryInput{
		Key:                "GALI2",
		Label:              "Gali 2",
		DefaultPublishTime: "23:59",
	})
	if err != nil {
		return err
	}
	items := []results.ScheduleItem{
		newItem(today, results.GALI, 33, now.Add(time.Hour), now),
		newItem(today, cat.Key, 44, now.Add(2*time.Hour), now),
	}
	return h.Stores.Schedule.SaveSchedule(ctx, items)
}

func newItem(date results.Date, cat results.CategoryKey, v int, publishAt, createdAt time.Time) results.ScheduleItem {
	return results.ScheduleItem{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Category:  cat,
		Date:      date,
		Value:     results.Some(v),
		PublishAt: publishAt.UTC(),
		CreatedAt: createdAt.UTC(),
	}
}
