// Package config defines the engine configuration and its YAML loading.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/nanodb/nanodb/pkg/logger"
	"github.com/nanodb/nanodb/pkg/telemetry"
)

// Config holds everything needed to open a NanoDB storage engine.
type Config struct {
	// DataFile is the path of the page file. Created if absent.
	DataFile string `yaml:"data_file"`
	// WALDir is the directory holding write-ahead log segments.
	WALDir string `yaml:"wal_dir"`
	// PoolSize is the number of page frames in the buffer pool.
	PoolSize int `yaml:"pool_size"`
	// WALSegmentSize is the size at which a log segment is rolled, in bytes.
	WALSegmentSize int64 `yaml:"wal_segment_size"`
	// WALBufferSize is the in-memory log buffer size, in bytes.
	WALBufferSize int `yaml:"wal_buffer_size"`
	// CheckpointEveryRecords triggers an automatic checkpoint once this
	// many log records have accumulated since the last one. Zero disables
	// automatic checkpoints.
	CheckpointEveryRecords uint64 `yaml:"checkpoint_every_records"`
	// MaxNodeEntries caps entries per B+Tree node. Zero means derive a
	// sensible budget from the page size.
	MaxNodeEntries int `yaml:"max_node_entries"`

	Logging   logger.Config    `yaml:"logging"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// Default returns a configuration suitable for a local single-node engine.
func Default() Config {
	return Config{
		DataFile:               "data/nanodb.db",
		WALDir:                 "data/wal",
		PoolSize:               128,
		WALSegmentSize:         16 * 1024 * 1024,
		WALBufferSize:          64 * 1024,
		CheckpointEveryRecords: 4096,
		Logging: logger.Config{
			Level:      "info",
			Format:     "json",
			OutputFile: "stdout",
		},
		Telemetry: telemetry.Config{
			Enabled:        false,
			ServiceName:    "nanodb",
			PrometheusPort: 9464,
		},
	}
}

// Load reads a YAML configuration file, layered over Default().
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	if c.DataFile == "" {
		return fmt.Errorf("data_file must be set")
	}
	if c.WALDir == "" {
		return fmt.Errorf("wal_dir must be set")
	}
	if c.PoolSize < 2 {
		return fmt.Errorf("pool_size must be at least 2, got %d", c.PoolSize)
	}
	if c.WALBufferSize <= 0 {
		return fmt.Errorf("wal_buffer_size must be positive, got %d", c.WALBufferSize)
	}
	if c.WALSegmentSize < int64(c.WALBufferSize) {
		return fmt.Errorf("wal_segment_size (%d) must be >= wal_buffer_size (%d)",
			c.WALSegmentSize, c.WALBufferSize)
	}
	if c.MaxNodeEntries != 0 && c.MaxNodeEntries < 4 {
		return fmt.Errorf("max_node_entries must be 0 (derive) or >= 4, got %d", c.MaxNodeEntries)
	}
	return nil
}
