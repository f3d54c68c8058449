/*
Package filestore provides a file-system Archive Store.

PURPOSE:
  Keeps one JSON document per archive month under a directory
  ("2025-10.json"), the layout the public results site reads directly.
  Writes replace the whole document atomically, so readers never see a
  half-written month.

SEE ALSO:
  - results/store.go: ArchiveStore contract
  - store/sqlite: the default Archive Store
*/
package filestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/natefinch/atomic"
	"github.com/warp/results-engine/results"
)

const (
	dirPerms  = 0o755
	filePerms = 0o644
)

// Archive implements results.ArchiveStore on a directory of JSON files.
type Archive struct {
	dir string
	mu  sync.RWMutex
}

// New creates the directory if needed and returns an Archive rooted there.
func New(dir string) (*Archive, error) {
	if err := os.MkdirAll(dir, dirPerms); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return &Archive{dir: dir}, nil
}

func (a *Archive) path(key results.MonthKey) string {
	return filepath.Join(a.dir, string(key)+".json")
}

// GetMonth reads the month document, or returns nil if there is none.
func (a *Archive) GetMonth(ctx context.Context, key results.MonthKey) (*results.MonthlyGrid, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := results.ParseMonthKey(string(key)); err != nil {
		return nil, err
	}

	a.mu.RLock()
	data, err := os.ReadFile(a.path(key))
	a.mu.RUnlock()
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read month %s: %w", key, err)
	}

	var grid results.MonthlyGrid
	if err := json.Unmarshal(data, &grid); err != nil {
		return nil, fmt.Errorf("failed to decode month %s: %w", key, err)
	}
	grid.MonthKey = key
	grid.Normalize()
	return &grid, nil
}

// PutMonth atomically replaces the month document.
func (a *Archive) PutMonth(ctx context.Context, grid results.MonthlyGrid) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := results.ParseMonthKey(string(grid.MonthKey)); err != nil {
		return err
	}

	data, err := json.MarshalIndent(grid, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode month %s: %w", grid.MonthKey, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	path := a.path(grid.MonthKey)
	_, statErr := os.Stat(path)
	if err := atomic.WriteFile(path, bytes.NewReader(append(data, '\n'))); err != nil {
		return fmt.Errorf("failed to write month %s: %w", grid.MonthKey, err)
	}
	// atomic.WriteFile doesn't set permissions for new files
	if errors.Is(statErr, fs.ErrNotExist) {
		if err := os.Chmod(path, filePerms); err != nil {
			return fmt.Errorf("failed to set file permissions: %w", err)
		}
	}
	return nil
}

// Months lists the stored month keys in ascending order.
func (a *Archive) Months() ([]results.MonthKey, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	matches, err := filepath.Glob(filepath.Join(a.dir, "*.json"))
	if err != nil {
		return nil, err
	}
	var out []results.MonthKey
	for _, m := range matches {
		name := filepath.Base(m)
		key, err := results.ParseMonthKey(name[:len(name)-len(".json")])
		if err != nil || string(key) != name[:len(name)-len(".json")] {
			continue
		}
		out = append(out, key)
	}
	return out, nil
}

// Reset removes every month document (for testing/demo).
func (a *Archive) Reset(ctx context.Context) error {
	months, err := a.Months()
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, key := range months {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := os.Remove(a.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove month %s: %w", key, err)
		}
	}
	return nil
}
