// Package config carries the persistence core tunables, with defaults
// matching the reference behavior and an optional YAML overlay.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every knob the core exposes.
type Config struct {
	// StorePath is the SQLite data source; ":memory:" for an ephemeral store.
	StorePath string `yaml:"storePath"`

	// ProjectionBatchSize bounds rows per rebuild transaction.
	ProjectionBatchSize int `yaml:"projectionBatchSize"`

	// CompactMinEvents and CompactRatio gate log compaction.
	CompactMinEvents int     `yaml:"compactMinEvents"`
	CompactRatio     float64 `yaml:"compactRatio"`

	// CompactInterval paces the idle compaction loop.
	CompactInterval time.Duration `yaml:"compactInterval"`

	// BackgroundRebuild runs projection rebuilds on the worker context
	// instead of inline.
	BackgroundRebuild bool `yaml:"backgroundRebuild"`

	// Debug enables verbose logging.
	Debug bool `yaml:"debug"`
}

// Default returns the reference configuration.
func Default() Config {
	return Config{
		StorePath:           "cognitive-space.db",
		ProjectionBatchSize: 200,
		CompactMinEvents:    2000,
		CompactRatio:        3.0,
		CompactInterval:     5 * time.Minute,
		BackgroundRebuild:   true,
	}
}

// Load returns the defaults overlaid with the YAML file at path. An empty
// path returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
