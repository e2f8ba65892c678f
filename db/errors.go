// Package db layers shared database lifecycle, transactions, per-key
// cooperative locks, and transaction-log binding on top of the engine
// package. A Registry arbitrates one Descriptor per filesystem path;
// Handles are cheap per-consumer references to a Descriptor.
package db

import "errors"

var (
	// ErrModeMismatch is returned when a path is opened under a
	// different isolation mode than its live Descriptor uses.
	ErrModeMismatch = errors.New("database already open under a different isolation mode")
	// ErrAlreadyClosed is returned by operations on a closed Handle,
	// Transaction, or Descriptor.
	ErrAlreadyClosed = errors.New("already closed")
	// ErrAlreadyCommitted is returned when aborting a transaction that
	// has committed or is committing.
	ErrAlreadyCommitted = errors.New("transaction already committed")
	// ErrAlreadyAborted is returned when committing an aborted
	// transaction.
	ErrAlreadyAborted = errors.New("transaction already aborted")
	// ErrLogAlreadyBound is returned when a transaction binds a second
	// log store.
	ErrLogAlreadyBound = errors.New("transaction already bound to a log store")
	// ErrLogNotBound is returned when log entries are appended before
	// UseLog.
	ErrLogNotBound = errors.New("transaction not bound to a log store")
	// ErrReferencesRemain is returned by Destroy when handles or other
	// references survive the close sweep.
	ErrReferencesRemain = errors.New("references remain on destroy")
	// ErrDrainTimeout is recorded when a close exceeds its bounded wait
	// for outstanding async operations. Close proceeds regardless.
	ErrDrainTimeout = errors.New("timed out draining async operations")
	// ErrWouldBlock is the sync read path's signal that the result is
	// not resolvable from caches without blocking I/O.
	ErrWouldBlock = errors.New("read would block")
)
