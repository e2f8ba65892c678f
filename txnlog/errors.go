package txnlog

import "errors"

var (
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("log store closed")
	// ErrCorruptSegment marks a segment whose header is unreadable or
	// whose magic or version does not match.
	ErrCorruptSegment = errors.New("corrupt log segment")
	// ErrNoSegments is returned by reads against a store with no
	// segment files on disk.
	ErrNoSegments = errors.New("log store has no segments")
)
