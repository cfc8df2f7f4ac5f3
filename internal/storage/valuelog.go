package storage

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
)

// ValueLog stores values of any size in an append-only file and keeps their
// offsets in an offset index.
//
// Record format:
//   - Length (8 bytes, host byte order)
//   - Payload (Length bytes)
//
// Records carry no key and no delimiter; a record can only be found through
// the offset index. Overwriting a key appends a new record and repoints the
// index, the old bytes are never reclaimed.
type ValueLog struct {
	file     *os.File
	path     string
	index    *Table[string, uint64]
	syncMode SyncMode

	// mu serializes appends against each other and against reads of the
	// file size.
	mu     sync.RWMutex
	size   int64
	closed bool

	puts         atomic.Uint64
	gets         atomic.Uint64
	bytesWritten atomic.Uint64
	bytesRead    atomic.Uint64
}

const valueHeaderSize = 8

// ValueLogConfig configures value log behavior.
type ValueLogConfig struct {
	SyncMode SyncMode
}

// DefaultValueLogConfig returns sensible defaults.
func DefaultValueLogConfig() ValueLogConfig {
	return ValueLogConfig{
		SyncMode: SyncBatch,
	}
}

// OpenValueLog opens or creates the value file at path. The file is only ever
// appended to.
func OpenValueLog(path string, index *Table[string, uint64], config ValueLogConfig) (*ValueLog, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}

	size, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		file.Close()
		return nil, err
	}

	return &ValueLog{
		file:     file,
		path:     path,
		index:    index,
		syncMode: config.SyncMode,
		size:     size,
	}, nil
}

// Put appends value and points key at it.
//
// The append and the index update are two steps. A crash in between leaves
// unreferenced bytes in the value file and the previous value indexed.
func (v *ValueLog) Put(key string, value []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return ErrClosed
	}

	offset, err := v.file.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("failed to seek value log end: %w", err)
	}

	buf := make([]byte, valueHeaderSize+len(value))
	binary.NativeEndian.PutUint64(buf, uint64(len(value)))
	copy(buf[valueHeaderSize:], value)

	if _, err := v.file.Write(buf); err != nil {
		// A short write may have moved the end; resync before the next put.
		if end, serr := v.file.Seek(0, io.SeekEnd); serr == nil {
			v.size = end
		}
		return fmt.Errorf("failed to append value: %w", err)
	}
	v.size = offset + int64(len(buf))

	if v.syncMode == SyncAlways {
		if err := v.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync value log: %w", err)
		}
	}

	if err := v.index.Put(key, uint64(offset)); err != nil {
		return err
	}

	v.puts.Add(1)
	v.bytesWritten.Add(uint64(len(buf)))
	return nil
}

// Get returns the latest value stored for key. A key that was never written
// returns found == false and no error.
func (v *ValueLog) Get(key string) ([]byte, bool, error) {
	offset, ok := v.index.Get(key)
	if !ok {
		return nil, false, nil
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.closed {
		return nil, false, ErrClosed
	}

	// ReadAt leaves the file position alone, so appends keep landing at
	// the end of the file.
	if offset > uint64(v.size) || uint64(v.size)-offset < valueHeaderSize {
		return nil, false, fmt.Errorf("%w: key %q offset %d beyond end %d", ErrCorruptedValueLog, key, offset, v.size)
	}
	var header [valueHeaderSize]byte
	if _, err := v.file.ReadAt(header[:], int64(offset)); err != nil {
		return nil, false, fmt.Errorf("failed to read value header: %w", err)
	}

	length := binary.NativeEndian.Uint64(header[:])
	start := offset + valueHeaderSize
	if length > uint64(v.size)-start {
		return nil, false, fmt.Errorf("%w: key %q length %d overruns end %d", ErrCorruptedValueLog, key, length, v.size)
	}

	value := make([]byte, length)
	if length > 0 {
		if _, err := v.file.ReadAt(value, int64(start)); err != nil {
			return nil, false, fmt.Errorf("failed to read value: %w", err)
		}
	}

	v.gets.Add(1)
	v.bytesRead.Add(valueHeaderSize + length)
	return value, true, nil
}

// Sync flushes the value file to disk.
func (v *ValueLog) Sync() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil
	}
	return v.file.Sync()
}

// Size returns the value file size in bytes.
func (v *ValueLog) Size() int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.size
}

// Close syncs and closes the value file. It does not close the index.
func (v *ValueLog) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return nil
	}
	v.closed = true

	if err := v.file.Sync(); err != nil {
		v.file.Close()
		return err
	}
	return v.file.Close()
}

// Stats returns current statistics.
func (v *ValueLog) Stats() ValueLogStats {
	return ValueLogStats{
		Size:         v.Size(),
		Puts:         v.puts.Load(),
		Gets:         v.gets.Load(),
		BytesWritten: v.bytesWritten.Load(),
		BytesRead:    v.bytesRead.Load(),
	}
}

// ValueLogStats contains runtime statistics.
type ValueLogStats struct {
	Size         int64
	Puts         uint64
	Gets         uint64
	BytesWritten uint64
	BytesRead    uint64
}
