package storage

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
)

// Snapshot and log files share one text layout:
//
//	<count> <key> <value> <key> <value> ...
//
// The count is written first, followed by exactly that many codec records.
// Files are always rewritten whole, never appended to.

// SyncMode determines when writes are synced to disk.
type SyncMode int

const (
	// SyncNone - no explicit sync (fastest, least durable)
	SyncNone SyncMode = iota
	// SyncBatch - sync on flush boundaries
	SyncBatch
	// SyncAlways - fsync after every write (slowest, most durable)
	SyncAlways
)

func (m SyncMode) String() string {
	switch m {
	case SyncNone:
		return "none"
	case SyncBatch:
		return "batch"
	case SyncAlways:
		return "always"
	default:
		return "unknown"
	}
}

// ParseSyncMode parses the String form of a SyncMode.
func ParseSyncMode(s string) (SyncMode, error) {
	switch s {
	case "none":
		return SyncNone, nil
	case "batch":
		return SyncBatch, nil
	case "always":
		return SyncAlways, nil
	}
	return SyncNone, fmt.Errorf("unknown sync mode %q", s)
}

const tmpExt = ".tmp"

// writeRecordFile replaces path with count followed by the records produced
// by each. The content goes to a temporary file first and is renamed over
// path, so a failed write leaves the previous file intact.
func writeRecordFile[K comparable, V any](path string, codec Codec[K, V], count int, each func(emit func(K, V) error) error, sync bool) error {
	tmpPath := path + tmpExt
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}

	writer := bufio.NewWriterSize(file, 64*1024) // 64KB buffer
	err = writeRecords(writer, codec, count, each)
	if err == nil {
		err = writer.Flush()
	}
	if err == nil && sync {
		err = file.Sync()
	}
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpPath)
		return err
	}

	return os.Rename(tmpPath, path)
}

func writeRecords[K comparable, V any](w *bufio.Writer, codec Codec[K, V], count int, each func(emit func(K, V) error) error) error {
	if _, err := w.WriteString(strconv.Itoa(count) + " "); err != nil {
		return err
	}
	written := 0
	err := each(func(key K, value V) error {
		written++
		return codec.Write(w, key, value)
	})
	if err != nil {
		return err
	}
	if written != count {
		return fmt.Errorf("wrote %d records, header says %d", written, count)
	}
	return nil
}

// readRecordFile replays every record of path through apply, in file order.
// A missing or empty file holds no records.
func readRecordFile[K comparable, V any](path string, codec Codec[K, V], apply func(K, V)) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil // Nothing persisted yet
		}
		return 0, err
	}
	defer file.Close()

	tokens := NewTokens(bufio.NewReader(file))

	raw, err := tokens.Next()
	if err == io.EOF {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	count, err := strconv.Atoi(raw)
	if err != nil || count < 0 {
		return 0, fmt.Errorf("%w: %s: bad record count %q", ErrCorruptedFile, path, raw)
	}

	for i := 0; i < count; i++ {
		key, value, err := codec.Read(tokens)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return i, fmt.Errorf("%w: %s: record %d of %d: %v", ErrCorruptedFile, path, i, count, err)
		}
		apply(key, value)
	}

	return count, nil
}
