package common

import (
	"errors"
	"fmt"
)

var (
	ErrKeyNotFound = errors.New("key not found")
	ErrDiskFull    = errors.New("disk full")

	ErrClosed   = errors.New("storage engine closed")
	ErrKeyEmpty = errors.New("key cannot be empty")

	// ErrCorrupt marks an on-disk structure that violated a format invariant:
	// an unrecognized node type, a search-vector pointer outside its segment,
	// a garbage-counter mismatch, an unknown undo opcode, and so on. Always
	// fatal for the operation in progress.
	ErrCorrupt = errors.New("corrupt database structure")

	// ErrCacheFull is returned by the node cache when every eviction
	// candidate is pinned or dirty and no frame can be recycled.
	ErrCacheFull = errors.New("node cache full")

	// ErrIOFailure wraps a failed PageStore read or write.
	ErrIOFailure = errors.New("page i/o failure")

	// ErrInterrupted is returned when a blocking wait (spare buffer pool
	// acquisition, lock wait during recovery) is interrupted.
	ErrInterrupted = errors.New("interrupted")

	// ErrConstraintViolation indicates an asserted invariant was broken,
	// which indicates programmer error rather than a storage fault.
	ErrConstraintViolation = errors.New("constraint violation")
)

// Corruptf wraps ErrCorrupt with a formatted reason.
func Corruptf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorrupt, fmt.Sprintf(format, args...))
}

// IOFailuref wraps ErrIOFailure with the offending page id and cause.
func IOFailuref(pageID uint64, cause error) error {
	return fmt.Errorf("%w: page %d: %w", ErrIOFailure, pageID, cause)
}

// Constraintf wraps ErrConstraintViolation with a formatted reason.
func Constraintf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConstraintViolation, fmt.Sprintf(format, args...))
}
