package engine

import "errors"

var (
	// ErrNotFound is returned by reads that miss. Callers treat it as
	// "absent", not as a failure.
	ErrNotFound = errors.New("engine: key not found")

	// ErrBusy reports a concurrency conflict: optimistic validation failed
	// at commit, or a pessimistic write lost the write-time lock race. The
	// transaction object is dead and must be replaced before retrying.
	ErrBusy = errors.New("engine: transaction conflict, retry required")

	// ErrClosed is returned for operations on a closed engine or a
	// finished transaction.
	ErrClosed = errors.New("engine: already closed")

	// ErrFamilyNotFound reports an unknown column family name.
	ErrFamilyNotFound = errors.New("engine: column family not found")

	// ErrFamilyExists reports a create for a name already in the catalog.
	ErrFamilyExists = errors.New("engine: column family already exists")
)
