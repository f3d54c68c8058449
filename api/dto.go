/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALUES:
  Result values are always two-digit strings ("07") or null. A grid row
  carries every field of the grid so clients never have to tell "missing
  key" from "null".

VALIDATION:
  Validation is done by the engine, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - results/types.go: Domain model
*/
package api

import (
	"time"

	"github.com/warp/results-engine/results"
)

// =============================================================================
// RESULTS
// =============================================================================

// GridDTO is a reconciled month.
type GridDTO struct {
	Month     string        `json:"month"`
	Fields    []string      `json:"fields"`
	Rows      []GridRowDTO  `json:"rows"`
	UpdatedAt string        `json:"updated_at,omitempty"`
	Labels    []CategoryDTO `json:"categories"`
}

// GridRowDTO is one day of a grid. Values has an entry for every field.
type GridRowDTO struct {
	Date   string                   `json:"date"`
	Values map[string]results.Value `json:"values"`
}

func toGridDTO(g *results.MonthlyGrid, cats []results.Category) GridDTO {
	dto := GridDTO{
		Month:  string(g.MonthKey),
		Fields: make([]string, len(g.Fields)),
		Rows:   make([]GridRowDTO, 0, len(g.Rows)),
		Labels: toCategoryDTOs(cats),
	}
	for i, f := range g.Fields {
		dto.Fields[i] = string(f)
	}
	if !g.UpdatedAt.IsZero() {
		dto.UpdatedAt = g.UpdatedAt.UTC().Format(time.RFC3339)
	}
	for _, row := range g.Rows {
		dto.Rows = append(dto.Rows, GridRowDTO{Date: string(row.Date), Values: fillValues(g.Fields, row.Values)})
	}
	return dto
}

// DayDTO is today's reconciled row.
type DayDTO struct {
	Date      string                   `json:"date"`
	Fields    []string                 `json:"fields"`
	Values    map[string]results.Value `json:"values"`
	UpdatedAt string                   `json:"updated_at,omitempty"`
}

func toDayDTO(d *results.DayView) DayDTO {
	dto := DayDTO{
		Date:   string(d.Date),
		Fields: make([]string, len(d.Fields)),
		Values: fillValues(d.Fields, d.Values),
	}
	for i, f := range d.Fields {
		dto.Fields[i] = string(f)
	}
	if !d.UpdatedAt.IsZero() {
		dto.UpdatedAt = d.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return dto
}

func fillValues(fields []results.CategoryKey, values map[results.CategoryKey]results.Value) map[string]results.Value {
	out := make(map[string]results.Value, len(fields))
	for _, f := range fields {
		out[string(f)] = values[f]
	}
	return out
}

// =============================================================================
// SCHEDULE
// =============================================================================

// ScheduleItemDTO represents a schedule item in API responses.
type ScheduleItemDTO struct {
	ID         string        `json:"id"`
	Category   string        `json:"category"`
	Date       string        `json:"date"`
	Value      results.Value `json:"value"`
	PublishAt  string        `json:"publish_at"`
	Executed   bool          `json:"executed"`
	ExecutedAt *string       `json:"executed_at,omitempty"`
	Revoked    bool          `json:"revoked"`
	Status     string        `json:"status"` // pending, due, executed, revoked
	CreatedAt  string        `json:"created_at"`
}

func toScheduleItemDTO(it results.ScheduleItem, now time.Time) ScheduleItemDTO {
	dto := ScheduleItemDTO{
		ID:        it.ID,
		Category:  string(it.Category),
		Date:      string(it.Date),
		Value:     it.Value,
		PublishAt: it.PublishAt.UTC().Format(time.RFC3339),
		Executed:  it.Executed,
		Revoked:   it.Revoked,
		CreatedAt: it.CreatedAt.UTC().Format(time.RFC3339),
	}
	if it.ExecutedAt != nil {
		s := it.ExecutedAt.UTC().Format(time.RFC3339)
		dto.ExecutedAt = &s
	}
	switch {
	case it.Revoked:
		dto.Status = "revoked"
	case it.Executed:
		dto.Status = "executed"
	case it.Due(now):
		dto.Status = "due"
	default:
		dto.Status = "pending"
	}
	return dto
}

// CreateScheduleRequest adds a schedule item. Row carries "date" plus one
// category column; PublishAt is RFC 3339 and optional when the category has
// a default publish time.
type CreateScheduleRequest struct {
	Row       map[string]string `json:"row"`
	PublishAt *time.Time        `json:"publish_at,omitempty"`
}

// UpdateScheduleRequest changes a pending item.
type UpdateScheduleRequest struct {
	Row       map[string]string `json:"row,omitempty"`
	PublishAt *time.Time        `json:"publish_at,omitempty"`
}

// RunResultDTO reports a scheduler pass.
type RunResultDTO struct {
	RunID    string            `json:"run_id,omitempty"`
	Trigger  string            `json:"trigger"`
	Executed []ScheduleItemDTO `json:"executed"`
	Months   []string          `json:"months"`
}

func toRunResultDTO(res results.RunResult, now time.Time) RunResultDTO {
	dto := RunResultDTO{
		RunID:    res.RunID,
		Trigger:  res.Trigger,
		Executed: make([]ScheduleItemDTO, 0, len(res.Executed)),
		Months:   make([]string, 0, len(res.Months)),
	}
	for _, it := range res.Executed {
		dto.Executed = append(dto.Executed, toScheduleItemDTO(it, now))
	}
	for _, m := range res.Months {
		dto.Months = append(dto.Months, string(m))
	}
	return dto
}

// ScheduleRunDTO is a run log entry.
type ScheduleRunDTO struct {
	ID          string  `json:"id"`
	Trigger     string  `json:"trigger"`
	Executed    int     `json:"executed"`
	Status      string  `json:"status"`
	Error       string  `json:"error,omitempty"`
	StartedAt   string  `json:"started_at"`
	CompletedAt *string `json:"completed_at,omitempty"`
}

func toScheduleRunDTO(r results.ScheduleRun) ScheduleRunDTO {
	dto := ScheduleRunDTO{
		ID:        r.ID,
		Trigger:   r.Trigger,
		Executed:  r.Executed,
		Status:    r.Status,
		Error:     r.Error,
		StartedAt: r.StartedAt.UTC().Format(time.RFC3339),
	}
	if r.CompletedAt != nil {
		s := r.CompletedAt.UTC().Format(time.RFC3339)
		dto.CompletedAt = &s
	}
	return dto
}

// =============================================================================
// CATEGORIES
// =============================================================================

// CategoryDTO represents a category in API responses.
type CategoryDTO struct {
	Key                string `json:"key"`
	Label              string `json:"label"`
	DefaultPublishTime string `json:"default_publish_time,omitempty"`
	Base               bool   `json:"base"`
	CreatedAt          string `json:"created_at,omitempty"`
}

func toCategoryDTOs(cats []results.Category) []CategoryDTO {
	out := make([]CategoryDTO, 0, len(cats))
	for _, c := range cats {
		out = append(out, toCategoryDTO(c))
	}
	return out
}

func toCategoryDTO(c results.Category) CategoryDTO {
	dto := CategoryDTO{
		Key:                string(c.Key),
		Label:              c.Label,
		DefaultPublishTime: c.DefaultPublishTime,
		Base:               c.Base,
	}
	if !c.CreatedAt.IsZero() {
		dto.CreatedAt = c.CreatedAt.UTC().Format(time.RFC3339)
	}
	return dto
}

// CreateCategoryRequest is the request to create a category.
type CreateCategoryRequest struct {
	Key                string `json:"key"`
	Label              string `json:"label"`
	DefaultPublishTime string `json:"default_publish_time"`
}

// UpdateCategoryRequest changes a category. Omitted fields are kept.
type UpdateCategoryRequest struct {
	Label              *string `json:"label"`
	DefaultPublishTime *string `json:"default_publish_time"`
}

// =============================================================================
// OVERRIDES
// =============================================================================

// OverrideDTO represents an override record. Tombstone records carry a
// null value and tombstone=true.
type OverrideDTO struct {
	Date      string        `json:"date"`
	Category  string        `json:"category"`
	Value     results.Value `json:"value"`
	Tombstone bool          `json:"tombstone"`
	UpdatedAt string        `json:"updated_at,omitempty"`
}

func toOverrideDTO(rec results.OverrideRecord) OverrideDTO {
	dto := OverrideDTO{
		Date:      string(rec.Date),
		Category:  string(rec.Category),
		Value:     rec.Value(),
		Tombstone: rec.IsTombstone(),
	}
	if !rec.UpdatedAt.IsZero() {
		dto.UpdatedAt = rec.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return dto
}

// SetOverrideRequest sets an override value.
type SetOverrideRequest struct {
	Value string `json:"value"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest selects a scenario to load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
