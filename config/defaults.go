package config

import "time"

// =============================================================================
// Server Defaults
// =============================================================================

const (
	// DefaultListenAddress is the HTTP listen address.
	// Override via config: server.listen
	DefaultListenAddress = ":8080"

	// DefaultReadTimeout and DefaultWriteTimeout bound a single HTTP exchange.
	// Override via config: server.read_timeout, server.write_timeout
	DefaultReadTimeout  = 15 * time.Second
	DefaultWriteTimeout = 15 * time.Second

	// DefaultIdleTimeout closes idle keep-alive connections.
	// Override via config: server.idle_timeout
	DefaultIdleTimeout = 60 * time.Second

	// DefaultShutdownTimeout is how long in-flight requests and archive
	// write-backs get to finish on SIGINT/SIGTERM.
	DefaultShutdownTimeout = 30 * time.Second
)

// =============================================================================
// Storage Defaults
// =============================================================================

const (
	// DefaultDatabasePath is the SQLite database holding overrides, the
	// schedule queue, categories and (with the sqlite archive driver) the archive.
	// Override via config: storage.database
	DefaultDatabasePath = "results.db"

	// DefaultArchiveDriver selects the Archive Store backend: "sqlite" or "file".
	// Override via config: storage.archive_driver
	DefaultArchiveDriver = "sqlite"

	// DefaultArchiveDir is the directory of the file archive driver.
	// Override via config: storage.archive_dir
	DefaultArchiveDir = "archive"
)

// =============================================================================
// External Source Defaults
// =============================================================================

const (
	// DefaultFetchTimeout bounds one External Source fetch. It must stay in
	// single-digit seconds; the read path falls back to the archive after it.
	// Override via config: source.timeout
	DefaultFetchTimeout = 5 * time.Second

	// MaxFetchTimeout is the upper bound accepted by Validate.
	MaxFetchTimeout = 9 * time.Second

	// DefaultSourceCacheTTL is how long a fetched month is reused.
	// Override via config: source.cache_ttl
	DefaultSourceCacheTTL = 60 * time.Second
)

// =============================================================================
// Engine Defaults
// =============================================================================

const (
	// DefaultTombstoneTTL is how long a Tombstone Index snapshot is served
	// before it is rebuilt from the Override Store.
	// Override via config: tombstones.ttl
	DefaultTombstoneTTL = 5 * time.Minute

	// DefaultWriteBackTimeout bounds one asynchronous archive write-back.
	DefaultWriteBackTimeout = 10 * time.Second

	// DefaultTimezone is the zone used for "today" and publish-time dates.
	// Override via config: schedule.timezone
	DefaultTimezone = "Asia/Kolkata"
)
