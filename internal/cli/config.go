package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/viper"

	"github.com/mesh-intelligence/entitycache/internal/paths"
	"github.com/mesh-intelligence/entitycache/pkg/types"
)

const (
	configFileName = "config"
	configFileType = "yaml"

	cfgKeyBackend       = "backend"
	cfgKeyDataDir       = "data_dir"
	cfgKeyURLRoot       = "url_root"
	cfgKeyCompletionTTL = "completion_ttl"
	cfgKeySyncStrategy  = "sqlite.sync_strategy"
	cfgKeyBatchSize     = "sqlite.batch_size"
	cfgKeyBatchInterval = "sqlite.batch_interval"
)

// defaultConfigYAML is written to config.yaml on first run.
const defaultConfigYAML = `# entcache configuration

# Backend selection
backend: sqlite

# Data directory (optional; overridable by --data-dir)
# data_dir:

# Root used to build request URLs in error reports
# url_root: api

# How long unclaimed completions are kept
# completion_ttl: 5m

# JSONL mirror: immediate, on_close or batch
# sqlite:
#   sync_strategy: immediate
#   batch_size: 100
#   batch_interval: 5
`

// loadConfig resolves the config directory, reads config.yaml with Viper,
// overlays ENTCACHE_* environment variables and resolves the data directory.
// A missing config.yaml is not an error.
func loadConfig(f *rootFlags) (types.Config, error) {
	configDir, err := paths.ResolveConfigDir(f.configDir)
	if err != nil {
		return types.Config{}, fmt.Errorf("resolve config dir: %w", err)
	}

	v := viper.New()
	v.SetDefault(cfgKeyBackend, types.BackendSQLite)
	v.SetConfigName(configFileName)
	v.SetConfigType(configFileType)
	v.AddConfigPath(configDir)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return types.Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := types.Config{
		Backend:       v.GetString(cfgKeyBackend),
		URLRoot:       v.GetString(cfgKeyURLRoot),
		CompletionTTL: v.GetDuration(cfgKeyCompletionTTL),
		SQLiteConfig: types.SQLiteConfig{
			SyncStrategy:  v.GetString(cfgKeySyncStrategy),
			BatchSize:     v.GetInt(cfgKeyBatchSize),
			BatchInterval: v.GetInt(cfgKeyBatchInterval),
		},
	}
	if err := cfg.LoadEnv(); err != nil {
		return types.Config{}, err
	}

	// The data directory has its own precedence and overrides the env overlay.
	cfg.DataDir, err = paths.ResolveDataDir(f.dataDir, v.GetString(cfgKeyDataDir))
	if err != nil {
		return types.Config{}, fmt.Errorf("resolve data dir: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return types.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ensureDefaultConfigFile creates the config directory and a default
// config.yaml when the file does not exist. It reports whether it wrote one.
func ensureDefaultConfigFile(configDir string) (bool, error) {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return false, fmt.Errorf("create config dir: %w", err)
	}
	path := paths.ConfigFile(configDir)
	_, err := os.Stat(path)
	if err == nil {
		return false, nil
	}
	if !os.IsNotExist(err) {
		return false, fmt.Errorf("stat config file: %w", err)
	}
	if err := os.WriteFile(path, []byte(defaultConfigYAML), 0o644); err != nil {
		return false, err
	}
	return true, nil
}
