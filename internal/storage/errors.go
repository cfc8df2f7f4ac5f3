package storage

import "errors"

var (
	// ErrClosed is returned when writing to a table or value log after Close.
	ErrClosed = errors.New("storage is closed")

	// ErrCorruptedFile is returned when a snapshot or log file cannot be replayed.
	ErrCorruptedFile = errors.New("corrupted index file")

	// ErrCorruptedValueLog is returned when an indexed offset does not point at a
	// complete record in the value log.
	ErrCorruptedValueLog = errors.New("corrupted value log record")
)
