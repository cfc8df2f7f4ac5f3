package storage

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Engine is the vlogkv storage engine.
// It owns the offset index and the value log and coordinates their lifecycle.
type Engine struct {
	index  *Table[string, uint64]
	values *ValueLog
	// Configuration
	config EngineConfig
	// Data directory
	dataDir string
}

// EngineConfig configures the storage engine.
type EngineConfig struct {
	// SnapshotFile, LogFile and ValueFile are file names inside the data directory.
	SnapshotFile string
	LogFile      string
	ValueFile    string
	// CompactionInterval is how often the index snapshot is rewritten.
	CompactionInterval time.Duration
	// SyncMode determines when index and value files are synced to disk.
	SyncMode SyncMode
	Logger   *slog.Logger
}

// DefaultEngineConfig returns production-ready defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		SnapshotFile:       "db.txt",
		LogFile:            "logs.txt",
		ValueFile:          "values.bin",
		CompactionInterval: 2 * time.Second,
		SyncMode:           SyncBatch,
	}
}

// Open creates or opens an engine in the given directory.
//
// A snapshot or log file that cannot be parsed fails Open; the engine never
// starts from a partially loaded index.
func Open(dataDir string, config EngineConfig) (*Engine, error) {
	// Create data directory
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	defaults := DefaultEngineConfig()
	if config.SnapshotFile == "" {
		config.SnapshotFile = defaults.SnapshotFile
	}
	if config.LogFile == "" {
		config.LogFile = defaults.LogFile
	}
	if config.ValueFile == "" {
		config.ValueFile = defaults.ValueFile
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	index, err := OpenTable[string, uint64](
		filepath.Join(dataDir, config.SnapshotFile),
		filepath.Join(dataDir, config.LogFile),
		OffsetCodec{},
		TableConfig{
			CompactionInterval: config.CompactionInterval,
			SyncMode:           config.SyncMode,
			Logger:             logger,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open index: %w", err)
	}

	values, err := OpenValueLog(
		filepath.Join(dataDir, config.ValueFile),
		index,
		ValueLogConfig{SyncMode: config.SyncMode},
	)
	if err != nil {
		index.Close()
		return nil, fmt.Errorf("failed to open value log: %w", err)
	}

	logger.Debug("storage engine opened",
		"dir", dataDir,
		"keys", index.Stats().KeyCount,
		"value_log_bytes", values.Size())

	return &Engine{
		index:   index,
		values:  values,
		config:  config,
		dataDir: dataDir,
	}, nil
}

// Put stores value under key.
func (e *Engine) Put(key string, value []byte) error {
	return e.values.Put(key, value)
}

// Get retrieves the value stored under key.
func (e *Engine) Get(key string) ([]byte, bool, error) {
	return e.values.Get(key)
}

// FlushLog makes every accepted write durable. Value bytes are synced before
// the index log that references them is rewritten.
func (e *Engine) FlushLog() error {
	if e.config.SyncMode == SyncBatch {
		if err := e.values.Sync(); err != nil {
			return fmt.Errorf("failed to sync value log: %w", err)
		}
	}
	return e.index.FlushLog()
}

// Compact rewrites the index snapshot.
func (e *Engine) Compact() error {
	return e.index.Compact()
}

// Close gracefully shuts down the engine. The index is flushed and compacted
// before any file handle is released.
func (e *Engine) Close() error {
	if err := e.values.Sync(); err != nil {
		return fmt.Errorf("failed to sync value log: %w", err)
	}
	if err := e.index.Close(); err != nil {
		e.values.Close()
		return fmt.Errorf("failed to close index: %w", err)
	}
	return e.values.Close()
}

// Stats returns current statistics.
func (e *Engine) Stats() EngineStats {
	return EngineStats{
		Index:  e.index.Stats(),
		Values: e.values.Stats(),
	}
}

// EngineStats contains runtime statistics.
type EngineStats struct {
	Index  TableStats
	Values ValueLogStats
}
