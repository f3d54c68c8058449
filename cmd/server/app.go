package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/warp/results-engine/api"
	"github.com/warp/results-engine/config"
	"github.com/warp/results-engine/logging"
	"github.com/warp/results-engine/results"
	"github.com/warp/results-engine/source"
	"github.com/warp/results-engine/store/filestore"
	"github.com/warp/results-engine/store/sqlite"
)

const userAgent = "results-engine/1.0"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Database   string
	Listen     string
}

// app is the wired engine with everything needed to shut it down.
type app struct {
	cfg      *config.Config
	location *time.Location
	db       *sqlite.Store
	stores   results.Stores
	engine   *results.Engine
	cache    *source.Cached // nil without an External Source

	resetters []api.Resetter
}

// loadConfig reads the config file, if any, and applies flag overrides.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if opts.ConfigPath != "" {
		loaded, err := config.Load(opts.ConfigPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if opts.Database != "" {
		cfg.Storage.Database = opts.Database
	}
	if opts.Listen != "" {
		cfg.Server.Listen = opts.Listen
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// newApp opens the stores and builds the engine.
func newApp(cfg *config.Config, clock results.Clock) (*app, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	logging.Init(level, cfg.Logging.JSON)
	log := logging.Component("main")

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	db, err := sqlite.New(cfg.Storage.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	a := &app{cfg: cfg, location: loc, db: db}
	a.stores = results.Stores{Archive: db, Overrides: db, Schedule: db, Categories: db, Runs: db}
	a.resetters = []api.Resetter{db}

	if cfg.Storage.ArchiveDriver == "file" {
		archive, err := filestore.New(cfg.Storage.ArchiveDir)
		if err != nil {
			db.Close()
			return nil, err
		}
		a.stores.Archive = archive
		a.resetters = append(a.resetters, archive)
		log.Info("file archive enabled", "dir", cfg.Storage.ArchiveDir)
	}

	var src results.Source
	var caches []results.Invalidator
	if cfg.Source.BaseURL != "" {
		httpSrc, err := source.NewHTTP(source.Options{
			BaseURL:   cfg.Source.BaseURL,
			Timeout:   cfg.Source.Timeout.Duration,
			UserAgent: userAgent,
			Clock:     clock,
		})
		if err != nil {
			db.Close()
			return nil, err
		}
		a.cache = source.NewCached(httpSrc, cfg.Source.CacheTTL.Duration, clock)
		src = a.cache
		caches = append(caches, a.cache)
		log.Info("external source enabled", "base_url", cfg.Source.BaseURL)
	} else {
		log.Warn("no external source configured; grids come from local stores only")
	}

	a.engine = results.New(a.stores, src, results.Options{
		Clock:            clock,
		Location:         loc,
		FetchTimeout:     cfg.Source.Timeout.Duration,
		TombstoneTTL:     cfg.Tombstones.TTL.Duration,
		RequireSameMonth: cfg.Schedule.RequireSameMonth,
	}, caches...)

	return a, nil
}

// handler builds the API handler over the app's engine.
func (a *app) handler(clock results.Clock) *api.Handler {
	var caches []results.Invalidator
	if a.cache != nil {
		caches = append(caches, a.cache)
	}
	return api.NewHandler(api.Config{
		Engine:    a.engine,
		Stores:    a.stores,
		Clock:     clock,
		Location:  a.location,
		Resetters: a.resetters,
		Caches:    caches,
	})
}

// Close waits for archive write-backs and closes the database.
func (a *app) Close(ctx context.Context) error {
	drainErr := a.engine.Reconciler.Drain(ctx)
	return errors.Join(drainErr, a.db.Close())
}
