// Package store provides in-memory implementations of the results stores.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/results-engine/results"
)

// Operation names accepted by Memory.Fail.
const (
	OpGetMonth       = "GetMonth"
	OpPutMonth       = "PutMonth"
	OpListOverrides  = "ListOverrides"
	OpPutOverride    = "PutOverride"
	OpDeleteOverride = "DeleteOverride"
	OpListSchedule   = "ListSchedule"
	OpSaveSchedule   = "SaveSchedule"
	OpListCategories = "ListCategories"
	OpSaveCategory   = "SaveCategory"
	OpDeleteCategory = "DeleteCategory"
	OpRecordRun      = "RecordRun"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements every results store interface. Values are copied in
// and out so callers never share state with the store.
type Memory struct {
	mu         sync.RWMutex
	months     map[results.MonthKey]results.MonthlyGrid
	overrides  map[results.Cell]results.OverrideRecord
	schedule   []results.ScheduleItem
	categories map[results.CategoryKey]results.Category
	runs       []results.ScheduleRun
	failures   map[string]error
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		months:     make(map[results.MonthKey]results.MonthlyGrid),
		overrides:  make(map[results.Cell]results.OverrideRecord),
		categories: make(map[results.CategoryKey]results.Category),
		failures:   make(map[string]error),
	}
}

// Fail makes every later call of op return err. A nil err clears it.
func (m *Memory) Fail(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

func (m *Memory) failure(op string) error {
	return m.failures[op]
}

// Reset drops all data and failures.
func (m *Memory) Reset(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.months = make(map[results.MonthKey]results.MonthlyGrid)
	m.overrides = make(map[results.Cell]results.OverrideRecord)
	m.schedule = nil
	m.categories = make(map[results.CategoryKey]results.Category)
	m.runs = nil
	m.failures = make(map[string]error)
	return nil
}

// =============================================================================
// ARCHIVE
// =============================================================================

func (m *Memory) GetMonth(_ context.Context, key results.MonthKey) (*results.MonthlyGrid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failure(OpGetMonth); err != nil {
		return nil, err
	}
	g, ok := m.months[key]
	if !ok {
		return nil, nil
	}
	return g.Clone(), nil
}

func (m *Memory) PutMonth(_ context.Context, grid results.MonthlyGrid) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(OpPutMonth); err != nil {
		return err
	}
	m.months[grid.MonthKey] = *grid.Clone()
	return nil
}

// =============================================================================
// OVERRIDES
// =============================================================================

func (m *Memory) ListOverrides(_ context.Context, r results.DateRange) ([]results.OverrideRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failure(OpListOverrides); err != nil {
		return nil, err
	}
	out := make([]results.OverrideRecord, 0, len(m.overrides))
	for _, rec := range m.overrides {
		if r.Contains(rec.Date) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].Category < out[j].Category
	})
	return out, nil
}

func (m *Memory) PutOverride(_ context.Context, rec results.OverrideRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(OpPutOverride); err != nil {
		return err
	}
	m.overrides[rec.Cell()] = rec
	return nil
}

func (m *Memory) DeleteOverride(_ context.Context, date results.Date, cat results.CategoryKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(OpDeleteOverride); err != nil {
		return err
	}
	delete(m.overrides, results.Cell{Date: date, Category: cat})
	return nil
}

// =============================================================================
// SCHEDULE
// =============================================================================

func (m *Memory) ListSchedule(_ context.Context) ([]results.ScheduleItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failure(OpListSchedule); err != nil {
		return nil, err
	}
	out := make([]results.ScheduleItem, len(m.schedule))
	copy(out, m.schedule)
	return out, nil
}

func (m *Memory) SaveSchedule(_ context.Context, items []results.ScheduleItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(OpSaveSchedule); err != nil {
		return err
	}
	m.schedule = make([]results.ScheduleItem, len(items))
	copy(m.schedule, items)
	return nil
}

// =============================================================================
// CATEGORIES
// =============================================================================

func (m *Memory) ListCategories(_ context.Context) ([]results.Category, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failure(OpListCategories); err != nil {
		return nil, err
	}
	out := make([]results.Category, 0, len(m.categories))
	for _, c := range m.categories {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *Memory) SaveCategory(_ context.Context, c results.Category) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(OpSaveCategory); err != nil {
		return err
	}
	m.categories[c.Key] = c
	return nil
}

func (m *Memory) DeleteCategory(_ context.Context, key results.CategoryKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(OpDeleteCategory); err != nil {
		return err
	}
	delete(m.categories, key)
	return nil
}

// =============================================================================
// RUN LOG
// =============================================================================

func (m *Memory) RecordRun(_ context.Context, run results.ScheduleRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(OpRecordRun); err != nil {
		return err
	}
	m.runs = append(m.runs, run)
	return nil
}

func (m *Memory) ListRuns(_ context.Context, limit int) ([]results.ScheduleRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]results.ScheduleRun, 0, len(m.runs))
	for i := len(m.runs) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, m.runs[i])
	}
	return out, nil
}
