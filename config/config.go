// Package config loads the results engine configuration.
//
// Configuration is read from a YAML file, or from a JSON-with-comments file
// when the extension is .json or .jsonc. Every field is optional; missing
// fields keep the values of DefaultConfig.
//
//	server:
//	  listen: ":8080"
//	storage:
//	  database: /var/lib/results/results.db
//	  archive_driver: file
//	  archive_dir: /var/lib/results/archive
//	source:
//	  base_url: https://example.org/results
//	  timeout: 5s
//	tombstones:
//	  ttl: 5m
//	schedule:
//	  timezone: Asia/Kolkata
//	  require_same_month: true
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"
)

// Config represents the complete engine configuration.
type Config struct {
	Server     ServerConfig    `yaml:"server" json:"server"`
	Storage    StorageConfig   `yaml:"storage" json:"storage"`
	Source     SourceConfig    `yaml:"source" json:"source"`
	Tombstones TombstoneConfig `yaml:"tombstones" json:"tombstones"`
	Schedule   ScheduleConfig  `yaml:"schedule" json:"schedule"`
	Logging    LoggingConfig   `yaml:"logging" json:"logging"`
}

// ServerConfig configures the HTTP boundary.
type ServerConfig struct {
	Listen          string   `yaml:"listen" json:"listen"`
	ReadTimeout     Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout     Duration `yaml:"idle_timeout" json:"idle_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`

	// AllowedOrigins is the CORS allow-list for the admin frontend.
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`
}

// StorageConfig selects the persistence backends.
type StorageConfig struct {
	// Database is the SQLite path. ":memory:" keeps everything in memory.
	Database string `yaml:"database" json:"database"`

	// ArchiveDriver is "sqlite" or "file".
	ArchiveDriver string `yaml:"archive_driver" json:"archive_driver"`

	// ArchiveDir is used by the file archive driver.
	ArchiveDir string `yaml:"archive_dir" json:"archive_dir"`
}

// SourceConfig configures the External Source Adapter.
type SourceConfig struct {
	// BaseURL serves GET {base}/month?year=YYYY&month=MM and GET {base}/live.
	// An empty BaseURL disables the external fetch; grids then come from
	// archive, overrides and schedule only.
	BaseURL string `yaml:"base_url" json:"base_url"`

	Timeout  Duration `yaml:"timeout" json:"timeout"`
	CacheTTL Duration `yaml:"cache_ttl" json:"cache_ttl"`
}

// TombstoneConfig configures the Tombstone Index cache.
type TombstoneConfig struct {
	TTL Duration `yaml:"ttl" json:"ttl"`
}

// ScheduleConfig configures schedule validation.
type ScheduleConfig struct {
	// Timezone is an IANA zone name used for "today" and for the local
	// date of publish times.
	Timezone string `yaml:"timezone" json:"timezone"`

	// RequireSameMonth rejects items whose row date is not in the calendar
	// month of their local publish date.
	RequireSameMonth bool `yaml:"require_same_month" json:"require_same_month"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
	JSON  bool   `yaml:"json" json:"json"`
}

// Load loads configuration from a YAML or JSONC file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := Parse(data, filepath.Ext(path), cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Parse decodes data into cfg. ext selects the format: ".json" and ".jsonc"
// are JSON with comments and trailing commas, anything else is YAML.
func Parse(data []byte, ext string, cfg *Config) error {
	switch strings.ToLower(ext) {
	case ".json", ".jsonc":
		standardized, err := hujson.Standardize(data)
		if err != nil {
			return fmt.Errorf("invalid JSONC: %w", err)
		}
		if err := json.Unmarshal(standardized, cfg); err != nil {
			return fmt.Errorf("invalid JSON: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("invalid YAML: %w", err)
		}
	}
	return nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:          DefaultListenAddress,
			ReadTimeout:     Duration{DefaultReadTimeout},
			WriteTimeout:    Duration{DefaultWriteTimeout},
			IdleTimeout:     Duration{DefaultIdleTimeout},
			ShutdownTimeout: Duration{DefaultShutdownTimeout},
			AllowedOrigins:  []string{"http://localhost:5173", "http://localhost:8080"},
		},
		Storage: StorageConfig{
			Database:      DefaultDatabasePath,
			ArchiveDriver: DefaultArchiveDriver,
			ArchiveDir:    DefaultArchiveDir,
		},
		Source: SourceConfig{
			Timeout:  Duration{DefaultFetchTimeout},
			CacheTTL: Duration{DefaultSourceCacheTTL},
		},
		Tombstones: TombstoneConfig{
			TTL: Duration{DefaultTombstoneTTL},
		},
		Schedule: ScheduleConfig{
			Timezone:         DefaultTimezone,
			RequireSameMonth: true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if c.Storage.Database == "" {
		return fmt.Errorf("storage.database is required")
	}
	switch c.Storage.ArchiveDriver {
	case "sqlite":
	case "file":
		if c.Storage.ArchiveDir == "" {
			return fmt.Errorf("storage.archive_dir is required with the file archive driver")
		}
	default:
		return fmt.Errorf("storage.archive_driver: unknown driver %q (want sqlite or file)", c.Storage.ArchiveDriver)
	}
	if c.Source.BaseURL != "" && !strings.HasPrefix(c.Source.BaseURL, "http://") && !strings.HasPrefix(c.Source.BaseURL, "https://") {
		return fmt.Errorf("source.base_url must be an http(s) URL, got %q", c.Source.BaseURL)
	}
	if c.Source.Timeout.Duration <= 0 || c.Source.Timeout.Duration > MaxFetchTimeout {
		return fmt.Errorf("source.timeout must be in (0, %s], got %s", MaxFetchTimeout, c.Source.Timeout.Duration)
	}
	if c.Source.CacheTTL.Duration < 0 {
		return fmt.Errorf("source.cache_ttl must not be negative")
	}
	if c.Tombstones.TTL.Duration <= 0 {
		return fmt.Errorf("tombstones.ttl must be positive")
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("schedule.timezone: %w", err)
	}
	return nil
}

// Location resolves Schedule.Timezone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Schedule.Timezone)
}

// Duration is a time.Duration that decodes from "5s"-style strings in both
// YAML and JSON.
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"5s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}
