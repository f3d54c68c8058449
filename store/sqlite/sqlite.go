/*
Package sqlite provides a SQLite-backed implementation of the results stores.

PURPOSE:
  Implements every persistence interface of the results package
  (ArchiveStore, OverrideStore, ScheduleStore, CategoryStore, RunLog) in a
  single SQLite database.

KEY TABLES:
  archive_months:  one JSON MonthlyGrid document per month key
  overrides:       raw admin values and tombstones, keyed by (date, category)
  schedule_items:  the schedule queue, executed and revoked items included
  categories:      admin-defined categories (base categories are built in)
  schedule_runs:   audit of scheduler passes that found work

WHOLE-DOCUMENT WRITES:
  PutMonth replaces the month document and SaveSchedule replaces the whole
  queue inside one transaction, so a failed write leaves the previous
  state intact.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single connection, which also
  keeps ":memory:" databases coherent across calls.

WAL MODE:
  File databases are opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/results.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  eng := results.New(results.Stores{Archive: store, Overrides: store, ...}, src, opts)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - results/store.go: Interface definitions
  - results/store/memory.go: In-memory implementation for testing
  - store/filestore: alternative Archive Store on plain files
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/results-engine/results"
)

const timeLayout = time.RFC3339Nano

// Store implements all results storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Archive (one document per month)
	CREATE TABLE IF NOT EXISTS archive_months (
		month_key TEXT PRIMARY KEY,
		grid_json TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Overrides and tombstones
	CREATE TABLE IF NOT EXISTS overrides (
		date TEXT NOT NULL,
		category TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (date, category)
	);

	-- Schedule queue
	CREATE TABLE IF NOT EXISTS schedule_items (
		id TEXT PRIMARY KEY,
		category TEXT NOT NULL,
		date TEXT NOT NULL,
		value TEXT,
		publish_at TEXT NOT NULL,
		executed BOOLEAN NOT NULL DEFAULT FALSE,
		executed_at TEXT,
		revoked BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL
	);

	-- Hot path: due items
	CREATE INDEX IF NOT EXISTS idx_schedule_items_pending
		ON schedule_items(publish_at) WHERE executed = FALSE AND revoked = FALSE;

	-- Categories
	CREATE TABLE IF NOT EXISTS categories (
		key TEXT PRIMARY KEY,
		label TEXT NOT NULL,
		default_publish_time TEXT,
		created_at TEXT NOT NULL
	);

	-- Scheduler runs
	CREATE TABLE IF NOT EXISTS schedule_runs (
		id TEXT PRIMARY KEY,
		run_trigger TEXT NOT NULL,
		executed INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		error TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_schedule_runs_started
		ON schedule_runs(started_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// ARCHIVE STORE
// =============================================================================

// GetMonth returns the archived grid for key, or nil if it was never written.
func (s *Store) GetMonth(ctx context.Context, key results.MonthKey) (*results.MonthlyGrid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var doc string
	err := s.db.QueryRowContext(ctx,
		"SELECT grid_json FROM archive_months WHERE month_key = ?", string(key),
	).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get month %s: %w", key, err)
	}

	var grid results.MonthlyGrid
	if err := json.Unmarshal([]byte(doc), &grid); err != nil {
		return nil, fmt.Errorf("failed to decode month %s: %w", key, err)
	}
	grid.MonthKey = key
	grid.Normalize()
	return &grid, nil
}

// PutMonth replaces the month document.
func (s *Store) PutMonth(ctx context.Context, grid results.MonthlyGrid) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := json.Marshal(grid)
	if err != nil {
		return fmt.Errorf("failed to encode month %s: %w", grid.MonthKey, err)
	}

	query := `
		INSERT INTO archive_months (month_key, grid_json, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(month_key) DO UPDATE SET
			grid_json = excluded.grid_json,
			updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query,
		string(grid.MonthKey), string(doc), grid.UpdatedAt.UTC().Format(timeLayout),
	); err != nil {
		return fmt.Errorf("failed to put month %s: %w", grid.MonthKey, err)
	}
	return nil
}

// =============================================================================
// OVERRIDE STORE
// =============================================================================

// ListOverrides returns records in r ordered by date then category.
func (s *Store) ListOverrides(ctx context.Context, r results.DateRange) ([]results.OverrideRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT date, category, value, updated_at
		FROM overrides
		WHERE (? = '' OR date >= ?) AND (? = '' OR date <= ?)
		ORDER BY date ASC, category ASC
	`
	rows, err := s.db.QueryContext(ctx, query,
		string(r.From), string(r.From), string(r.To), string(r.To))
	if err != nil {
		return nil, fmt.Errorf("failed to query overrides: %w", err)
	}
	defer rows.Close()

	var out []results.OverrideRecord
	for rows.Next() {
		var rec results.OverrideRecord
		var date, category, updatedAt string
		if err := rows.Scan(&date, &category, &rec.Raw, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan override: %w", err)
		}
		rec.Date = results.Date(date)
		rec.Category = results.CategoryKey(category)
		rec.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PutOverride inserts or replaces the record for its cell.
func (s *Store) PutOverride(ctx context.Context, rec results.OverrideRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO overrides (date, category, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(date, category) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query,
		string(rec.Date), string(rec.Category), rec.Raw, rec.UpdatedAt.UTC().Format(timeLayout),
	); err != nil {
		return fmt.Errorf("failed to put override: %w", err)
	}
	return nil
}

// DeleteOverride removes the record for a cell, if any.
func (s *Store) DeleteOverride(ctx context.Context, date results.Date, cat results.CategoryKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM overrides WHERE date = ? AND category = ?", string(date), string(cat),
	); err != nil {
		return fmt.Errorf("failed to delete override: %w", err)
	}
	return nil
}

// =============================================================================
// SCHEDULE STORE
// =============================================================================

// ListSchedule returns every schedule item.
func (s *Store) ListSchedule(ctx context.Context) ([]results.ScheduleItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, category, date, value, publish_at, executed, executed_at, revoked, created_at
		FROM schedule_items
		ORDER BY publish_at ASC, created_at ASC, id ASC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query schedule: %w", err)
	}
	defer rows.Close()

	var out []results.ScheduleItem
	for rows.Next() {
		var it results.ScheduleItem
		var category, date, publishAt, createdAt string
		var value, executedAt sql.NullString
		if err := rows.Scan(&it.ID, &category, &date, &value, &publishAt,
			&it.Executed, &executedAt, &it.Revoked, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan schedule item: %w", err)
		}
		it.Category = results.CategoryKey(category)
		it.Date = results.Date(date)
		it.Value = results.ParseValue(value.String)
		it.PublishAt, _ = time.Parse(timeLayout, publishAt)
		it.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		if executedAt.Valid {
			t, _ := time.Parse(timeLayout, executedAt.String)
			it.ExecutedAt = &t
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// SaveSchedule replaces the stored queue with items in one transaction.
func (s *Store) SaveSchedule(ctx context.Context, items []results.ScheduleItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM schedule_items"); err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO schedule_items
			(id, category, date, value, publish_at, executed, executed_at, revoked, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, it := range items {
			var executedAt *string
			if it.ExecutedAt != nil {
				s := it.ExecutedAt.UTC().Format(timeLayout)
				executedAt = &s
			}
			if _, err := stmt.ExecContext(ctx,
				it.ID, string(it.Category), string(it.Date), nullString(it.Value.String()),
				it.PublishAt.UTC().Format(timeLayout), it.Executed, executedAt, it.Revoked,
				it.CreatedAt.UTC().Format(timeLayout),
			); err != nil {
				return fmt.Errorf("item %s: %w", it.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save schedule: %w", err)
	}
	return nil
}

// withTx runs fn inside a database transaction. Callers hold s.mu.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(sqlTx); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// =============================================================================
// CATEGORY STORE
// =============================================================================

// ListCategories returns admin categories ordered by creation.
func (s *Store) ListCategories(ctx context.Context) ([]results.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT key, label, default_publish_time, created_at
		FROM categories
		ORDER BY created_at ASC, key ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query categories: %w", err)
	}
	defer rows.Close()

	var out []results.Category
	for rows.Next() {
		var c results.Category
		var key, createdAt string
		var publishTime sql.NullString
		if err := rows.Scan(&key, &c.Label, &publishTime, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan category: %w", err)
		}
		c.Key = results.CategoryKey(key)
		c.DefaultPublishTime = publishTime.String
		c.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

// SaveCategory inserts or updates a category. The key and creation time
// of an existing row are kept.
func (s *Store) SaveCategory(ctx context.Context, c results.Category) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO categories (key, label, default_publish_time, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			label = excluded.label,
			default_publish_time = excluded.default_publish_time
	`
	if _, err := s.db.ExecContext(ctx, query,
		string(c.Key), c.Label, nullString(c.DefaultPublishTime), c.CreatedAt.UTC().Format(timeLayout),
	); err != nil {
		return fmt.Errorf("failed to save category: %w", err)
	}
	return nil
}

// DeleteCategory removes a category, if present.
func (s *Store) DeleteCategory(ctx context.Context, key results.CategoryKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM categories WHERE key = ?", string(key)); err != nil {
		return fmt.Errorf("failed to delete category: %w", err)
	}
	return nil
}

// =============================================================================
// RUN LOG
// =============================================================================

// RecordRun saves a scheduler run.
func (s *Store) RecordRun(ctx context.Context, r results.ScheduleRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO schedule_runs (id, run_trigger, executed, status, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			executed = excluded.executed,
			status = excluded.status,
			error = excluded.error,
			completed_at = excluded.completed_at
	`

	var completedAt *string
	if r.CompletedAt != nil {
		s := r.CompletedAt.UTC().Format(timeLayout)
		completedAt = &s
	}

	if _, err := s.db.ExecContext(ctx, query,
		r.ID, r.Trigger, r.Executed, r.Status, nullString(r.Error),
		r.StartedAt.UTC().Format(timeLayout), completedAt,
	); err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs first. A limit <= 0 returns all.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]results.ScheduleRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_trigger, executed, status, error, started_at, completed_at
		FROM schedule_runs
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []results.ScheduleRun
	for rows.Next() {
		var r results.ScheduleRun
		var runErr, completedAt sql.NullString
		var startedAt string
		if err := rows.Scan(&r.ID, &r.Trigger, &r.Executed, &r.Status, &runErr, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.Error = runErr.String
		r.StartedAt, _ = time.Parse(timeLayout, startedAt)
		if completedAt.Valid {
			t, _ := time.Parse(timeLayout, completedAt.String)
			r.CompletedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"archive_months", "overrides", "schedule_items", "categories", "schedule_runs"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
