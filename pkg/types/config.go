package types

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds backend selection and cache parameters.
// Environment variables override file values through LoadEnv.
type Config struct {
	Backend       string        `json:"backend" yaml:"backend" env:"ENTCACHE_BACKEND"`
	DataDir       string        `json:"data_dir" yaml:"data_dir" env:"ENTCACHE_DATA_DIR"`
	URLRoot       string        `json:"url_root" yaml:"url_root" env:"ENTCACHE_URL_ROOT"`
	CompletionTTL time.Duration `json:"completion_ttl" yaml:"completion_ttl" env:"ENTCACHE_COMPLETION_TTL"`
	SQLiteConfig  SQLiteConfig  `json:"sqlite" yaml:"sqlite" envPrefix:"ENTCACHE_SQLITE_"`
}

// SQLiteConfig tunes when the SQLite backend writes its JSONL mirror.
type SQLiteConfig struct {
	SyncStrategy  string `json:"sync_strategy" yaml:"sync_strategy" env:"SYNC_STRATEGY"`
	BatchSize     int    `json:"batch_size" yaml:"batch_size" env:"BATCH_SIZE"`
	BatchInterval int    `json:"batch_interval" yaml:"batch_interval" env:"BATCH_INTERVAL"`
}

// Supported backend names.
const (
	BackendSQLite = "sqlite"
)

// Sync strategies for the SQLite JSONL mirror.
const (
	SyncImmediate = "immediate"
	SyncOnClose   = "on_close"
	SyncBatch     = "batch"
)

// Defaults.
const (
	DefaultURLRoot       = "api"
	DefaultCompletionTTL = 5 * time.Minute
	DefaultBatchSize     = 100
	DefaultBatchInterval = 5
)

// Config validation errors.
var (
	ErrBackendEmpty         = errors.New("backend must not be empty")
	ErrBackendUnknown       = errors.New("unknown backend")
	ErrSyncStrategyUnknown  = errors.New("unknown sync strategy")
	ErrBatchSizeInvalid     = errors.New("batch size must be positive")
	ErrBatchIntervalInvalid = errors.New("batch interval must be positive")
	ErrAlreadyAttached      = errors.New("store is already attached")
	ErrDetached             = errors.New("store is detached")
)

// knownBackends lists the backends that Validate accepts.
var knownBackends = map[string]bool{
	BackendSQLite: true,
}

var knownSyncStrategies = map[string]bool{
	"":            true,
	SyncImmediate: true,
	SyncOnClose:   true,
	SyncBatch:     true,
}

// Validate checks that the Config is well-formed. It returns a sentinel error
// from this package on failure.
func (c Config) Validate() error {
	if c.Backend == "" {
		return ErrBackendEmpty
	}
	if !knownBackends[c.Backend] {
		return ErrBackendUnknown
	}
	return c.SQLiteConfig.Validate()
}

// Validate checks the sync strategy and batch parameters.
func (s SQLiteConfig) Validate() error {
	if !knownSyncStrategies[s.SyncStrategy] {
		return ErrSyncStrategyUnknown
	}
	if s.SyncStrategy == SyncBatch {
		if s.BatchSize < 0 {
			return ErrBatchSizeInvalid
		}
		if s.BatchInterval < 0 {
			return ErrBatchIntervalInvalid
		}
	}
	return nil
}

// GetSyncStrategy returns the strategy, defaulting to immediate.
func (s SQLiteConfig) GetSyncStrategy() string {
	if s.SyncStrategy == "" {
		return SyncImmediate
	}
	return s.SyncStrategy
}

// GetBatchSize returns the batch size, defaulting to DefaultBatchSize.
func (s SQLiteConfig) GetBatchSize() int {
	if s.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return s.BatchSize
}

// GetBatchInterval returns the batch interval in seconds.
func (s SQLiteConfig) GetBatchInterval() int {
	if s.BatchInterval <= 0 {
		return DefaultBatchInterval
	}
	return s.BatchInterval
}

// GetURLRoot returns the URL root used to classify failed requests.
func (c Config) GetURLRoot() string {
	if c.URLRoot == "" {
		return DefaultURLRoot
	}
	return c.URLRoot
}

// GetCompletionTTL returns how long unclaimed completions are retained.
func (c Config) GetCompletionTTL() time.Duration {
	if c.CompletionTTL <= 0 {
		return DefaultCompletionTTL
	}
	return c.CompletionTTL
}

// LoadEnv overlays ENTCACHE_* environment variables onto c.
func (c *Config) LoadEnv() error {
	if err := env.Parse(c); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
