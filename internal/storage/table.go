package storage

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Record is a single key/value write.
type Record[K comparable, V any] struct {
	Key   K
	Value V
}

// Table is a persistent map from K to V.
//
// Writes land in a pending buffer and, unless a compaction is in flight, in
// the snapshot map as well. FlushLog persists the buffer to the log file and
// merges it into the snapshot map. A background goroutine periodically
// writes the snapshot map to the snapshot file.
//
// Reads and writes never touch the disk. FlushLog writes the log while
// holding the table lock; Compact writes the snapshot without it, relying on
// the compacting flag to keep the snapshot map frozen.
type Table[K comparable, V any] struct {
	codec        Codec[K, V]
	snapshotPath string
	logPath      string
	config       TableConfig
	logger       *slog.Logger

	mu         sync.Mutex
	pending    []Record[K, V]
	snapshot   map[K]V
	compacting bool
	// merged holds records folded into snapshot since the last snapshot file
	// write began. They stay in the log file until a snapshot covers them.
	merged []Record[K, V]

	flushes      atomic.Uint64
	compactions  atomic.Uint64
	compactFails atomic.Uint64
	lastErr      atomic.Pointer[error]

	// Background compactor
	closeChan chan struct{}
	wg        sync.WaitGroup
	closed    atomic.Bool
}

// TableConfig configures a Table.
type TableConfig struct {
	// CompactionInterval is the period of the background compactor.
	CompactionInterval time.Duration
	// SyncMode SyncNone skips fsync on log and snapshot writes.
	SyncMode SyncMode
	// Logger receives background compaction failures.
	Logger *slog.Logger
}

// DefaultTableConfig returns sensible defaults.
func DefaultTableConfig() TableConfig {
	return TableConfig{
		CompactionInterval: 2 * time.Second,
		SyncMode:           SyncBatch,
	}
}

// OpenTable loads the table persisted at snapshotPath and logPath and starts
// its background compactor. The snapshot is replayed first, then the log.
// Missing files mean an empty table; a malformed file is an error wrapping
// ErrCorruptedFile.
func OpenTable[K comparable, V any](snapshotPath, logPath string, codec Codec[K, V], config TableConfig) (*Table[K, V], error) {
	if config.CompactionInterval <= 0 {
		config.CompactionInterval = DefaultTableConfig().CompactionInterval
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	t := &Table[K, V]{
		codec:        codec,
		snapshotPath: snapshotPath,
		logPath:      logPath,
		config:       config,
		logger:       logger.With("snapshot", snapshotPath),
		snapshot:     make(map[K]V),
		closeChan:    make(chan struct{}),
	}

	if _, err := readRecordFile(snapshotPath, codec, func(key K, value V) {
		t.snapshot[key] = value
	}); err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	// Log records are not in the snapshot file yet. They stay in the log
	// until the next compaction writes them out.
	_, err := readRecordFile(logPath, codec, func(key K, value V) {
		t.snapshot[key] = value
		t.merged = append(t.merged, Record[K, V]{Key: key, Value: value})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to replay log: %w", err)
	}

	t.wg.Add(1)
	go t.compactionWorker()

	return t, nil
}

// Put records a write. The write is visible to Get immediately and becomes
// durable on the next FlushLog.
func (t *Table[K, V]) Put(key K, value V) error {
	if t.closed.Load() {
		return ErrClosed
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.pending = append(t.pending, Record[K, V]{Key: key, Value: value})
	if !t.compacting {
		t.snapshot[key] = value
	}
	return nil
}

// Get returns the current value for key. The newest pending write wins over
// the snapshot map.
func (t *Table[K, V]) Get(key K) (V, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := len(t.pending) - 1; i >= 0; i-- {
		if t.pending[i].Key == key {
			return t.own(t.pending[i].Value), true
		}
	}

	value, ok := t.snapshot[key]
	if !ok {
		var zero V
		return zero, false
	}
	return t.own(value), true
}

// own copies value out of table memory. Callers hold t.mu.
func (t *Table[K, V]) own(value V) V {
	if c, ok := t.codec.(Cloner[V]); ok {
		return c.Clone(value)
	}
	return value
}

// FlushLog rewrites the log file with every write not yet covered by the
// snapshot file. When no compaction is running the pending buffer is merged
// into the snapshot map and cleared; otherwise it is kept for the next flush.
func (t *Table[K, V]) FlushLog() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	logged := len(t.merged) + len(t.pending)
	err := writeRecordFile(t.logPath, t.codec, logged, func(emit func(K, V) error) error {
		for _, r := range t.merged {
			if err := emit(r.Key, r.Value); err != nil {
				return err
			}
		}
		for _, r := range t.pending {
			if err := emit(r.Key, r.Value); err != nil {
				return err
			}
		}
		return nil
	}, t.config.SyncMode != SyncNone)
	if err != nil {
		return fmt.Errorf("failed to flush log: %w", err)
	}
	t.flushes.Add(1)

	if t.compacting {
		return nil
	}
	for _, r := range t.pending {
		t.snapshot[r.Key] = r.Value
	}
	t.merged = append(t.merged, t.pending...)
	t.pending = nil
	return nil
}

// Compact writes the snapshot map to the snapshot file. Concurrent calls
// while a compaction is running return immediately.
func (t *Table[K, V]) Compact() error {
	if !t.beginCompaction() {
		return nil
	}
	err := t.writeSnapshot()
	t.endCompaction(err)
	return err
}

func (t *Table[K, V]) beginCompaction() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.compacting {
		return false
	}
	t.compacting = true
	return true
}

// writeSnapshot runs without t.mu. While compacting is set neither Put nor
// FlushLog modifies t.snapshot, so reading it here races only with readers.
func (t *Table[K, V]) writeSnapshot() error {
	err := writeRecordFile(t.snapshotPath, t.codec, len(t.snapshot), func(emit func(K, V) error) error {
		for key, value := range t.snapshot {
			if err := emit(key, value); err != nil {
				return err
			}
		}
		return nil
	}, t.config.SyncMode != SyncNone)
	if err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}

func (t *Table[K, V]) endCompaction(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.compacting = false
	if err != nil {
		t.compactFails.Add(1)
		t.lastErr.Store(&err)
		return
	}
	// FlushLog does not merge while compacting, so everything in merged was
	// in the snapshot map that was just written.
	t.merged = nil
	t.compactions.Add(1)
}

func (t *Table[K, V]) compactionWorker() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.config.CompactionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.closeChan:
			return
		case <-ticker.C:
			if err := t.Compact(); err != nil {
				t.logger.Warn("background compaction failed", "error", err)
			}
		}
	}
}

// Close stops the background compactor and persists everything: a final
// log flush, a compaction and a second flush that leaves the log empty.
// Calling Close more than once is a no-op.
func (t *Table[K, V]) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	close(t.closeChan)
	t.wg.Wait()

	if err := t.FlushLog(); err != nil {
		return err
	}
	if err := t.Compact(); err != nil {
		return err
	}
	return t.FlushLog()
}

// Stats returns current statistics.
func (t *Table[K, V]) Stats() TableStats {
	t.mu.Lock()
	stats := TableStats{
		PendingCount: len(t.pending),
		MergedCount:  len(t.merged),
		KeyCount:     len(t.snapshot),
		Compacting:   t.compacting,
	}
	t.mu.Unlock()

	stats.Flushes = t.flushes.Load()
	stats.Compactions = t.compactions.Load()
	stats.CompactionFailures = t.compactFails.Load()
	if p := t.lastErr.Load(); p != nil {
		stats.LastCompactionError = *p
	}
	return stats
}

// TableStats contains runtime statistics.
type TableStats struct {
	PendingCount        int
	MergedCount         int // merged writes still waiting for a snapshot
	KeyCount            int // keys in the snapshot map; pending-only keys are not counted
	Compacting          bool
	Flushes             uint64
	Compactions         uint64
	CompactionFailures  uint64
	LastCompactionError error
}
