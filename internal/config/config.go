// Package config provides the engine configuration schema.
//
// Configuration is file-based (YAML) with environment overrides. The
// engine is a library-first component, so the schema covers only what
// the binary itself owns: storage backend, decision log tuning, seeding
// and observability. Marketplace data (agents, tasks, organizations)
// is never configured here; it arrives through the read model stores.
package config

import (
	"time"
)

// Config is the top-level configuration for the policy engine.
type Config struct {
	// Store selects and configures the persistence backend.
	Store StoreConfig `yaml:"store" mapstructure:"store"`

	// DecisionLog tunes the asynchronous decision writer.
	DecisionLog DecisionLogConfig `yaml:"decision_log" mapstructure:"decision_log"`

	// Cache tunes the evaluation result cache.
	Cache CacheConfig `yaml:"cache" mapstructure:"cache"`

	// Seed configures optional template seeding at startup.
	Seed SeedConfig `yaml:"seed" mapstructure:"seed"`

	// Telemetry configures trace export.
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`

	// LogLevel is the slog level: debug, info, warn, or error.
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Backend is "memory", "sqlite", or "jsonl". The jsonl backend
	// persists only the decision log (packs stay in memory).
	// Default: "memory".
	Backend string `yaml:"backend" mapstructure:"backend" validate:"omitempty,oneof=memory sqlite jsonl"`
	// SQLitePath is the database file path. Required when Backend is
	// "sqlite".
	SQLitePath string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	// JSONLDir is the decision log directory. Required when Backend is
	// "jsonl".
	JSONLDir string `yaml:"jsonl_dir" mapstructure:"jsonl_dir"`
	// JSONLRetentionDays is how long decision log files are kept.
	// Default: 90.
	JSONLRetentionDays int `yaml:"jsonl_retention_days" mapstructure:"jsonl_retention_days" validate:"omitempty,min=1"`
}

// DecisionLogConfig tunes the async decision writer. Decisions are
// recorded off the checkpoint path; under sustained overload records
// are dropped (and counted) rather than blocking evaluations.
type DecisionLogConfig struct {
	// ChannelSize is the record buffer between checkpoints and the writer.
	// Default: 1000.
	ChannelSize int `yaml:"channel_size" mapstructure:"channel_size" validate:"omitempty,min=1"`
	// BatchSize is how many records are written per store call.
	// Default: 100.
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size" validate:"omitempty,min=1"`
	// FlushInterval bounds how long a partial batch may wait.
	// Default: 1s.
	FlushInterval time.Duration `yaml:"flush_interval" mapstructure:"flush_interval"`
	// SendTimeout is how long a checkpoint blocks when the buffer is
	// full before dropping the record. 0 drops immediately.
	// Default: 100ms.
	SendTimeout time.Duration `yaml:"send_timeout" mapstructure:"send_timeout"`
}

// CacheConfig tunes the evaluation result cache.
type CacheConfig struct {
	// Size is the maximum number of cached (pack, input) results.
	// Default: 1000.
	Size int `yaml:"size" mapstructure:"size" validate:"omitempty,min=1"`
}

// SeedConfig controls idempotent template seeding at startup.
type SeedConfig struct {
	// Enabled turns on seeding of a global default pack.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
	// Template is the catalog template to seed from.
	// Default: "MINIMAL".
	Template string `yaml:"template" mapstructure:"template"`
	// Actor is recorded as the pack creator.
	// Default: "system".
	Actor string `yaml:"actor" mapstructure:"actor"`
}

// TelemetryConfig configures trace export.
type TelemetryConfig struct {
	// TracesEnabled turns on span export to stdout.
	// Default: false.
	TracesEnabled bool `yaml:"traces_enabled" mapstructure:"traces_enabled"`
}

// SetDefaults applies default values for optional fields.
func (c *Config) SetDefaults() {
	if c.Store.Backend == "" {
		c.Store.Backend = "memory"
	}
	if c.DecisionLog.ChannelSize == 0 {
		c.DecisionLog.ChannelSize = 1000
	}
	if c.DecisionLog.BatchSize == 0 {
		c.DecisionLog.BatchSize = 100
	}
	if c.DecisionLog.FlushInterval == 0 {
		c.DecisionLog.FlushInterval = time.Second
	}
	if c.DecisionLog.SendTimeout == 0 {
		c.DecisionLog.SendTimeout = 100 * time.Millisecond
	}
	if c.Cache.Size == 0 {
		c.Cache.Size = 1000
	}
	if c.Seed.Template == "" {
		c.Seed.Template = "MINIMAL"
	}
	if c.Seed.Actor == "" {
		c.Seed.Actor = "system"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}
