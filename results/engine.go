package results

import (
	"time"
)

const (
	defaultFetchTimeout     = 5 * time.Second
	defaultWriteBackTimeout = 10 * time.Second
	defaultTombstoneTTL     = 5 * time.Minute
)

// Stores bundles the persistence backends.
type Stores struct {
	Archive    ArchiveStore
	Overrides  OverrideStore
	Schedule   ScheduleStore
	Categories CategoryStore
	Runs       RunLog // optional
}

// Options tunes the engine. Zero values take defaults.
type Options struct {
	Clock            Clock
	Location         *time.Location
	FetchTimeout     time.Duration
	WriteBackTimeout time.Duration
	TombstoneTTL     time.Duration
	RequireSameMonth bool
}

// Engine wires the components around one set of stores. Build it once per
// process and share it.
type Engine struct {
	Aliases    *AliasTable
	Tombstones *TombstoneIndex
	Categories *CategoryAdmin
	Overrides  *OverrideAdmin
	Queue      *Queue
	Scheduler  *Scheduler
	Reconciler *Reconciler
	Deleter    *Deleter
}

// New creates an Engine. source may be nil to run without an External
// Source. caches are flushed by complete deletions.
func New(stores Stores, source Source, opts Options, caches ...Invalidator) *Engine {
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaultFetchTimeout
	}
	if opts.WriteBackTimeout <= 0 {
		opts.WriteBackTimeout = defaultWriteBackTimeout
	}
	if opts.TombstoneTTL <= 0 {
		opts.TombstoneTTL = defaultTombstoneTTL
	}

	aliases := NewAliasTable()
	writer := newArchiveWriter(stores.Archive, opts.Clock)
	index := NewTombstoneIndex(stores.Overrides, opts.TombstoneTTL, opts.Clock)
	categories := NewCategoryAdmin(stores.Categories, aliases, opts.Clock)
	queue := NewQueue(stores.Schedule, categories, opts.Clock, QueueOptions{
		Location:         opts.Location,
		RequireSameMonth: opts.RequireSameMonth,
	})

	return &Engine{
		Aliases:    aliases,
		Tombstones: index,
		Categories: categories,
		Overrides: &OverrideAdmin{
			store:      stores.Overrides,
			categories: categories,
			index:      index,
			clock:      opts.Clock,
		},
		Queue: queue,
		Scheduler: &Scheduler{
			queue:   queue,
			archive: writer,
			runs:    stores.Runs,
			clock:   opts.Clock,
		},
		Reconciler: &Reconciler{
			source:     source,
			archive:    stores.Archive,
			writer:     writer,
			overrides:  stores.Overrides,
			queue:      queue,
			categories: categories,
			tombstones: index,
			aliases:    aliases,
			clock:      opts.Clock,
			opts: ReconcilerOptions{
				FetchTimeout:     opts.FetchTimeout,
				WriteBackTimeout: opts.WriteBackTimeout,
				Location:         opts.Location,
			},
		},
		Deleter: &Deleter{
			overrides: stores.Overrides,
			writer:    writer,
			queue:     queue,
			index:     index,
			caches:    caches,
			clock:     opts.Clock,
		},
	}
}
