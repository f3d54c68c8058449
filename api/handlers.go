/*
handlers.go - HTTP API handlers for the results engine

PURPOSE:
  Exposes the results engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the engine components.

ENDPOINTS:
  Results:
    GET    /api/results/{year}/{month}      Reconciled month
    GET    /api/results/today               Today's row with live values
    DELETE /api/results/{date}/{category}   Complete deletion

  Schedule:
    GET    /api/schedule                    List items
    POST   /api/schedule                    Add item
    GET    /api/schedule/{id}               Get item
    PUT    /api/schedule/{id}               Update pending item
    DELETE /api/schedule/{id}               Remove item

  Categories:
    GET/POST /api/categories, PUT/DELETE /api/categories/{key}

  Overrides:
    GET    /api/overrides?from=&to=
    PUT    /api/overrides/{date}/{category} {"value": "42"}
    DELETE /api/overrides/{date}/{category}

  Admin:
    POST   /api/admin/schedule/run-due
    POST   /api/admin/schedule/execute-all
    GET    /api/admin/runs?limit=

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Engine: the results engine components
  - Stores: raw store access for demo scenarios
  - Trigger: runs due schedule items around requests

REQUEST FLOW:
  1. Parse path and body
  2. Run due schedule items (reads: before, mutations: after)
  3. Call the engine
  4. Serialize response or map the error

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Schedule item or category not found
  - 409: Category already exists
  - 500: Persistence failures

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/warp/results-engine/logging"
	"github.com/warp/results-engine/results"
)

const (
	defaultRunsLimit = 50
	maxRunsLimit     = 500
	maxBodyBytes     = 1 << 20
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Resetter clears a store. Used by scenario loading and the reset endpoint.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Config carries the dependencies of a Handler.
type Config struct {
	Engine   *results.Engine
	Stores   results.Stores
	Clock    results.Clock
	Location *time.Location

	// Resetters are cleared by /api/scenarios/reset and before loading a
	// scenario. Stores that do not implement Resetter are left alone.
	Resetters []Resetter

	// Caches are flushed after a reset.
	Caches []results.Invalidator
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine   *results.Engine
	Stores   results.Stores
	Trigger  *DueTrigger
	Clock    results.Clock
	Location *time.Location

	resetters []Resetter
	caches    []results.Invalidator

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler.
func NewHandler(cfg Config) *Handler {
	if cfg.Clock == nil {
		cfg.Clock = results.SystemClock{}
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Handler{
		Engine:    cfg.Engine,
		Stores:    cfg.Stores,
		Trigger:   NewDueTrigger(cfg.Engine.Scheduler),
		Clock:     cfg.Clock,
		Location:  cfg.Location,
		resetters: cfg.Resetters,
		caches:    cfg.Caches,
	}
}

// Health reports liveness.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// RESULT ENDPOINTS
// =============================================================================

// GetMonth returns the reconciled grid for a month.
// GET /api/results/{year}/{month}
func (h *Handler) GetMonth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	year, err1 := strconv.Atoi(chi.URLParam(r, "year"))
	month, err2 := strconv.Atoi(chi.URLParam(r, "month"))
	if err := errors.Join(err1, err2); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid year or month", err)
		return
	}

	h.Trigger.Before(ctx)

	grid, err := h.Engine.Reconciler.BuildGrid(ctx, year, time.Month(month))
	if err != nil {
		h.writeEngineError(w, r, "Failed to build grid", err)
		return
	}
	cats, err := h.Engine.Categories.List(ctx)
	if err != nil {
		logging.WithContext(ctx).Warn("category list unavailable", "error", err)
		cats = results.BaseCategories()
	}

	writeJSON(w, http.StatusOK, toGridDTO(grid, cats))
}

// GetToday returns today's reconciled row.
// GET /api/results/today
func (h *Handler) GetToday(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	h.Trigger.Before(ctx)

	day, err := h.Engine.Reconciler.Today(ctx)
	if err != nil {
		h.writeEngineError(w, r, "Failed to build today's results", err)
		return
	}
	writeJSON(w, http.StatusOK, toDayDTO(day))
}

// DeleteResult removes a cell from every store.
// DELETE /api/results/{date}/{category}
func (h *Handler) DeleteResult(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	date, err := results.ParseDate(chi.URLParam(r, "date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date", err)
		return
	}
	cat := h.categoryKey(ctx, chi.URLParam(r, "category"))

	h.Trigger.Before(ctx)
	if err := h.Engine.Deleter.DeleteCompletely(ctx, date, cat); err != nil {
		h.writeEngineError(w, r, "Failed to delete result", err)
		return
	}
	h.Trigger.After()

	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "date": string(date), "category": string(cat)})
}

// categoryKey resolves a path segment to a key. Names that match no
// category are still accepted as keys so stray cells can be removed.
func (h *Handler) categoryKey(ctx context.Context, name string) results.CategoryKey {
	if c, err := h.Engine.Categories.Resolve(ctx, name); err == nil {
		return c.Key
	}
	return results.KeyFromName(name)
}

// =============================================================================
// SCHEDULE ENDPOINTS
// =============================================================================

// ListSchedule returns every schedule item ordered by publish time.
// GET /api/schedule
func (h *Handler) ListSchedule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	h.Trigger.Before(ctx)

	items, err := h.Engine.Queue.List(ctx)
	if err != nil {
		h.writeEngineError(w, r, "Failed to list schedule", err)
		return
	}
	now := h.Clock.Now()
	dtos := make([]ScheduleItemDTO, 0, len(items))
	for _, it := range items {
		dtos = append(dtos, toScheduleItemDTO(it, now))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetSchedule returns one schedule item.
// GET /api/schedule/{id}
func (h *Handler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	h.Trigger.Before(ctx)

	it, err := h.Engine.Queue.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.writeEngineError(w, r, "Failed to get schedule item", err)
		return
	}
	writeJSON(w, http.StatusOK, toScheduleItemDTO(it, h.Clock.Now()))
}

// AddSchedule adds a schedule item.
// POST /api/schedule
func (h *Handler) AddSchedule(w http.ResponseWriter, r *http.Request) {
	var req CreateScheduleRequest
	if !decodeBody(w, r, &req) {
		return
	}

	h.Trigger.Before(r.Context())
	it, err := h.Engine.Queue.Add(r.Context(), results.NewScheduleItem{Row: req.Row, PublishAt: req.PublishAt})
	if err != nil {
		h.writeEngineError(w, r, "Failed to add schedule item", err)
		return
	}
	h.Trigger.After()

	writeJSON(w, http.StatusCreated, toScheduleItemDTO(it, h.Clock.Now()))
}

// UpdateSchedule changes a pending schedule item.
// PUT /api/schedule/{id}
func (h *Handler) UpdateSchedule(w http.ResponseWriter, r *http.Request) {
	var req UpdateScheduleRequest
	if !decodeBody(w, r, &req) {
		return
	}

	h.Trigger.Before(r.Context())
	it, err := h.Engine.Queue.Update(r.Context(), chi.URLParam(r, "id"), results.SchedulePatch{
		Row:       req.Row,
		PublishAt: req.PublishAt,
	})
	if err != nil {
		h.writeEngineError(w, r, "Failed to update schedule item", err)
		return
	}
	h.Trigger.After()

	writeJSON(w, http.StatusOK, toScheduleItemDTO(it, h.Clock.Now()))
}

// DeleteSchedule removes a schedule item.
// DELETE /api/schedule/{id}
func (h *Handler) DeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	h.Trigger.Before(r.Context())
	if err := h.Engine.Queue.Delete(r.Context(), id); err != nil {
		h.writeEngineError(w, r, "Failed to delete schedule item", err)
		return
	}
	h.Trigger.After()

	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
}

// =============================================================================
// ADMIN ENDPOINTS
// =============================================================================

// RunDue executes due schedule items now.
// POST /api/admin/schedule/run-due
func (h *Handler) RunDue(w http.ResponseWriter, r *http.Request) {
	res, err := h.Engine.Scheduler.RunDue(r.Context())
	if err != nil {
		h.writeEngineError(w, r, "Failed to run due items", err)
		return
	}
	writeJSON(w, http.StatusOK, toRunResultDTO(res, h.Clock.Now()))
}

// ExecuteAll executes every pending schedule item regardless of publish time.
// POST /api/admin/schedule/execute-all
func (h *Handler) ExecuteAll(w http.ResponseWriter, r *http.Request) {
	res, err := h.Engine.Scheduler.ForceExecuteAll(r.Context())
	if err != nil {
		h.writeEngineError(w, r, "Failed to execute schedule", err)
		return
	}
	logging.WithContext(r.Context()).Info("forced schedule execution", "executed", len(res.Executed))
	writeJSON(w, http.StatusOK, toRunResultDTO(res, h.Clock.Now()))
}

// ListRuns returns recent scheduler runs, newest first.
// GET /api/admin/runs?limit=50
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunsLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = min(n, maxRunsLimit)
	}

	runs, err := h.Engine.Scheduler.Runs(r.Context(), limit)
	if err != nil {
		h.writeEngineError(w, r, "Failed to list runs", err)
		return
	}
	dtos := make([]ScheduleRunDTO, 0, len(runs))
	for _, run := range runs {
		dtos = append(dtos, toScheduleRunDTO(run))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// CATEGORY ENDPOINTS
// =============================================================================

// ListCategories returns base and admin categories.
// GET /api/categories
func (h *Handler) ListCategories(w http.ResponseWriter, r *http.Request) {
	cats, err := h.Engine.Categories.List(r.Context())
	if err != nil {
		h.writeEngineError(w, r, "Failed to list categories", err)
		return
	}
	writeJSON(w, http.StatusOK, toCategoryDTOs(cats))
}

// CreateCategory adds an admin category.
// POST /api/categories
func (h *Handler) CreateCategory(w http.ResponseWriter, r *http.Request) {
	var req CreateCategoryRequest
	if !decodeBody(w, r, &req) {
		return
	}

	c, err := h.Engine.Categories.Create(r.Context(), results.CategoryInput{
		Key:                req.Key,
		Label:              req.Label,
		DefaultPublishTime: req.DefaultPublishTime,
	})
	if err != nil {
		h.writeEngineError(w, r, "Failed to create category", err)
		return
	}
	writeJSON(w, http.StatusCreated, toCategoryDTO(c))
}

// UpdateCategory changes the label or default publish time of a category.
// PUT /api/categories/{key}
func (h *Handler) UpdateCategory(w http.ResponseWriter, r *http.Request) {
	var req UpdateCategoryRequest
	if !decodeBody(w, r, &req) {
		return
	}

	key := results.KeyFromName(chi.URLParam(r, "key"))
	c, err := h.Engine.Categories.Update(r.Context(), key, results.CategoryPatch{
		Label:              req.Label,
		DefaultPublishTime: req.DefaultPublishTime,
	})
	if err != nil {
		h.writeEngineError(w, r, "Failed to update category", err)
		return
	}
	writeJSON(w, http.StatusOK, toCategoryDTO(c))
}

// DeleteCategory removes an admin category. Stored values are kept.
// DELETE /api/categories/{key}
func (h *Handler) DeleteCategory(w http.ResponseWriter, r *http.Request) {
	key := results.KeyFromName(chi.URLParam(r, "key"))
	if err := h.Engine.Categories.Delete(r.Context(), key); err != nil {
		h.writeEngineError(w, r, "Failed to delete category", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "key": string(key)})
}

// =============================================================================
// OVERRIDE ENDPOINTS
// =============================================================================

// ListOverrides returns override records, tombstones included.
// GET /api/overrides?from=2025-10-01&to=2025-10-31
func (h *Handler) ListOverrides(w http.ResponseWriter, r *http.Request) {
	var rng results.DateRange
	for param, dst := range map[string]*results.Date{"from": &rng.From, "to": &rng.To} {
		s := r.URL.Query().Get(param)
		if s == "" {
			continue
		}
		d, err := results.ParseDate(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid %s date", param), err)
			return
		}
		*dst = d
	}

	recs, err := h.Engine.Overrides.List(r.Context(), rng)
	if err != nil {
		h.writeEngineError(w, r, "Failed to list overrides", err)
		return
	}
	dtos := make([]OverrideDTO, 0, len(recs))
	for _, rec := range recs {
		dtos = append(dtos, toOverrideDTO(rec))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// SetOverride stores an admin value for a cell.
// PUT /api/overrides/{date}/{category}
func (h *Handler) SetOverride(w http.ResponseWriter, r *http.Request) {
	date, err := results.ParseDate(chi.URLParam(r, "date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date", err)
		return
	}
	var req SetOverrideRequest
	if !decodeBody(w, r, &req) {
		return
	}

	h.Trigger.Before(r.Context())
	rec, err := h.Engine.Overrides.Set(r.Context(), date, chi.URLParam(r, "category"), req.Value)
	if err != nil {
		h.writeEngineError(w, r, "Failed to set override", err)
		return
	}
	h.Trigger.After()

	writeJSON(w, http.StatusOK, toOverrideDTO(rec))
}

// ClearOverride removes the override record of a cell, tombstones included.
// DELETE /api/overrides/{date}/{category}
func (h *Handler) ClearOverride(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	date, err := results.ParseDate(chi.URLParam(r, "date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date", err)
		return
	}
	cat := h.categoryKey(ctx, chi.URLParam(r, "category"))

	h.Trigger.Before(ctx)
	if err := h.Engine.Overrides.Clear(ctx, date, cat); err != nil {
		h.writeEngineError(w, r, "Failed to clear override", err)
		return
	}
	h.Trigger.After()

	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared", "date": string(date), "category": string(cat)})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeEngineError maps an engine error to its status code.
func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, message string, err error) {
	switch {
	case results.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	case results.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case results.IsConflict(err):
		writeError(w, http.StatusConflict, message, err)
	default:
		logging.WithContext(r.Context()).Error(message, "error", err, "path", r.URL.Path)
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

// decodeBody decodes a JSON body into dst and writes a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}
