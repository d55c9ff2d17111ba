package storage

import (
	"errors"

	"logcask/internal/record"
)

var (
	// ErrKeyNotFound is returned when a key is absent or tombstoned.
	ErrKeyNotFound = errors.New("key not found")

	// ErrKeyEmpty is returned for zero-length keys.
	ErrKeyEmpty = errors.New("key is empty")

	// ErrKeyTooLarge is returned when a key exceeds the configured cap.
	ErrKeyTooLarge = errors.New("key exceeds maximum size")

	// ErrValueTooLarge is returned when a value exceeds the configured cap.
	ErrValueTooLarge = errors.New("value exceeds maximum size")

	// ErrCorruptRecord is surfaced when stored bytes fail their checksum.
	// Corruption is reported, never healed.
	ErrCorruptRecord = record.ErrCorruptRecord

	// ErrMergeInProgress is returned when a merge is already running.
	ErrMergeInProgress = errors.New("merge already in progress")

	// ErrEngineClosed is returned for operations on a closed engine.
	ErrEngineClosed = errors.New("engine is closed")
)
