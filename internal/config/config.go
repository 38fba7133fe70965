// Package config loads the engine's runtime configuration: the data
// file location and the cache's worker-pool size. Page/key/value
// limits are compile-time constants of internal/node, not
// configurable, so they are not represented here.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config controls how cmd/btreekv opens its Cache.
type Config struct {
	// DataFile is the path to the memory-mapped data file.
	DataFile string `yaml:"data_file"`

	// PoolWorkers bounds the cache's async page-fetch/commit pool.
	PoolWorkers int `yaml:"pool_workers"`

	// SyncMode forces every cache operation to complete inline,
	// bypassing the worker pool entirely; useful for single-shot CLI
	// invocations where there is nothing to overlap with.
	SyncMode bool `yaml:"sync_mode"`
}

// DefaultConfig returns the configuration cmd/btreekv falls back to
// when no file is given.
func DefaultConfig() *Config {
	return &Config{
		DataFile:    "btreekv.db",
		PoolWorkers: 4,
		SyncMode:    false,
	}
}

// Load reads a YAML config file, filling in defaults for zero fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.PoolWorkers <= 0 {
		cfg.PoolWorkers = 4
	}
	return cfg, nil
}

// LoadOrDefault reads path if it exists, otherwise returns defaults.
func LoadOrDefault(path string) *Config {
	if path == "" {
		return DefaultConfig()
	}
	if _, err := os.Stat(path); err != nil {
		return DefaultConfig()
	}
	cfg, err := Load(path)
	if err != nil {
		return DefaultConfig()
	}
	return cfg
}
