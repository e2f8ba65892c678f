package db

import (
	"errors"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/stratumdb/stratum/engine"
)

// Handle is a per-consumer reference to a Descriptor bound to one
// column family. Handles are cheap; every consumer holds its own and
// closes it when done. Closing cancels the handle's outstanding async
// operations and detaches its lock and listener registrations.
type Handle struct {
	desc    *Descriptor
	reg     *Registry
	family  *engine.ColumnFamily
	tracker *asyncTracker
	closed  atomic.Bool
	log     zerolog.Logger
}

// Descriptor returns the shared database state this handle references.
func (h *Handle) Descriptor() *Descriptor { return h.desc }

// Family returns the column family the handle is bound to.
func (h *Handle) Family() *engine.ColumnFamily { return h.family }

// Lock returns the descriptor's lock manager.
func (h *Handle) Lock() *LockManager { return h.desc.locks }

func (h *Handle) isClosed() bool { return h.closed.Load() }

// Get reads key outside any transaction. A miss is engine.ErrNotFound.
func (h *Handle) Get(key []byte) ([]byte, error) {
	if h.isClosed() {
		return nil, ErrAlreadyClosed
	}
	return h.desc.eng.Get(h.family, key)
}

// Put writes key through a one-shot transaction.
func (h *Handle) Put(key, value []byte) error {
	return h.oneShot(func(t *Transaction) error {
		return t.Put(key, value)
	})
}

// Remove deletes key through a one-shot transaction.
func (h *Handle) Remove(key []byte) error {
	return h.oneShot(func(t *Transaction) error {
		return t.Remove(key)
	})
}

// oneShot retries the write when its commit hits a conflict; with a
// single staged operation re-staging is mechanical.
func (h *Handle) oneShot(stage func(*Transaction) error) error {
	attempts := h.reg.cfg.Async.CommitRetryLimit
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		var t *Transaction
		t, err = h.CreateTransaction(engine.TxnOptions{})
		if err != nil {
			return err
		}
		if err = stage(t); err != nil {
			t.Abort()
			return err
		}
		if _, err = t.CommitSync(); err == nil {
			return nil
		}
		t.Abort()
		if !errors.Is(err, engine.ErrBusy) {
			return err
		}
	}
	return err
}

// CreateTransaction begins a transaction against the handle's column
// family.
func (h *Handle) CreateTransaction(opts engine.TxnOptions) (*Transaction, error) {
	if h.isClosed() {
		return nil, ErrAlreadyClosed
	}

	inner, err := h.desc.eng.Begin(opts)
	if err != nil {
		return nil, err
	}
	t := &Transaction{
		id:     uint32(inner.ID()),
		desc:   h.desc,
		handle: h,
		opts:   opts,
		inner:  inner,
	}
	h.desc.registerTxn(t)
	return t, nil
}

// Listen registers fn for events matching the glob pattern. The
// registration dies with the handle.
func (h *Handle) Listen(pattern string, fn ListenerFn) (uint64, error) {
	if h.isClosed() {
		return 0, ErrAlreadyClosed
	}
	return h.desc.listeners.add(h, pattern, fn)
}

// Unlisten removes one registration by id.
func (h *Handle) Unlisten(id uint64) {
	h.desc.listeners.remove(id)
}

// Notify fans an event out to every matching listener on the
// descriptor.
func (h *Handle) Notify(event string, args ...any) {
	h.desc.listeners.notify(event, args...)
}

// Flush forces an engine flush through the descriptor.
func (h *Handle) Flush() error {
	if h.isClosed() {
		return ErrAlreadyClosed
	}
	return h.desc.Flush()
}

// Close releases the handle via its registry. Idempotent.
func (h *Handle) Close() error {
	return h.reg.Close(h)
}
