package wal

import "errors"

var (
	// ErrCorrupted indicates a record whose trailing CRC32 does not match.
	ErrCorrupted = errors.New("wal: corrupted record")

	// ErrLogClosed indicates an operation on a closed WAL.
	ErrLogClosed = errors.New("wal: log closed")

	// ErrLogNotFound indicates no segment files exist yet.
	ErrLogNotFound = errors.New("wal: log not found")

	// ErrTruncated indicates a record cut short by a partial write.
	ErrTruncated = errors.New("wal: truncated record")
)
