package engine

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
)

// TxnOptions configures one transaction.
type TxnOptions struct {
	// DisableSnapshot makes reads observe the latest committed state
	// instead of a fixed point-in-time view.
	DisableSnapshot bool
}

// CachedResult describes the outcome of a cache-only read.
type CachedResult int

const (
	// CachedUnknown means the transaction's own writes cannot answer the
	// read; resolving it requires I/O.
	CachedUnknown CachedResult = iota

	// CachedFound means the key was written by this transaction.
	CachedFound

	// CachedDeleted means the key was deleted by this transaction.
	CachedDeleted
)

type pendingWrite struct {
	value     []byte
	tombstone bool
}

// Txn is one engine transaction: a buffered write set over a consistent
// snapshot. A Txn is not safe for concurrent use; the db layer serializes
// access to it.
type Txn struct {
	eng     *Engine
	id      uint64
	baseSeq uint64
	snap    *pebble.Snapshot

	mu      sync.Mutex
	pending map[string]pendingWrite
	order   []string // first-write order of keys, for deterministic apply
	hashes  []uint64

	done atomic.Bool
}

// Begin starts a transaction with a consistent snapshot unless disabled.
func (e *Engine) Begin(opts TxnOptions) (*Txn, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}

	txn := &Txn{
		eng:     e,
		id:      e.nextTxnID.Add(1),
		baseSeq: e.commitSeq.Load(),
		pending: make(map[string]pendingWrite),
	}
	if !opts.DisableSnapshot {
		txn.snap = e.db.NewSnapshot()
	}
	return txn, nil
}

// ID returns the engine transaction id, unique within this engine.
func (t *Txn) ID() uint64 { return t.id }

// BaseSequence returns the commit sequence the transaction started from.
func (t *Txn) BaseSequence() uint64 { return t.baseSeq }

// GetCached resolves a read from the transaction's own write set only.
// It never performs I/O.
func (t *Txn) GetCached(cf *ColumnFamily, key []byte) ([]byte, CachedResult) {
	if t.done.Load() {
		return nil, CachedUnknown
	}

	t.mu.Lock()
	w, ok := t.pending[string(dataKey(cf.ID, key))]
	t.mu.Unlock()

	if !ok {
		return nil, CachedUnknown
	}
	if w.tombstone {
		return nil, CachedDeleted
	}
	out := make([]byte, len(w.value))
	copy(out, w.value)
	return out, CachedFound
}

// Get reads a key with read-your-writes semantics: the transaction's own
// write set first, then the snapshot (or latest state when the snapshot
// was disabled).
func (t *Txn) Get(cf *ColumnFamily, key []byte) ([]byte, error) {
	if t.done.Load() {
		return nil, ErrClosed
	}

	if val, res := t.GetCached(cf, key); res == CachedFound {
		return val, nil
	} else if res == CachedDeleted {
		return nil, ErrNotFound
	}

	full := dataKey(cf.ID, key)
	var (
		val    []byte
		closer interface{ Close() error }
		err    error
	)
	if t.snap != nil {
		val, closer, err = t.snap.Get(full)
	} else {
		val, closer, err = t.eng.db.Get(full)
	}
	if err == pebble.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

// Put stages a write. Under pessimistic isolation the key lock is taken
// now; a second writer gets ErrBusy immediately.
func (t *Txn) Put(cf *ColumnFamily, key, value []byte) error {
	v := make([]byte, len(value))
	copy(v, value)
	return t.stage(cf, key, pendingWrite{value: v})
}

// Delete stages a tombstone.
func (t *Txn) Delete(cf *ColumnFamily, key []byte) error {
	return t.stage(cf, key, pendingWrite{tombstone: true})
}

func (t *Txn) stage(cf *ColumnFamily, key []byte, w pendingWrite) error {
	if t.done.Load() {
		return ErrClosed
	}

	hash := keyHash(cf.ID, key)
	if t.eng.mode == Pessimistic {
		if holder, ok := t.eng.locks.acquire(hash, t.id); !ok {
			return fmt.Errorf("%w: key locked by transaction %d", ErrBusy, holder)
		}
	}

	full := string(dataKey(cf.ID, key))
	t.mu.Lock()
	if _, seen := t.pending[full]; !seen {
		t.order = append(t.order, full)
		t.hashes = append(t.hashes, hash)
	}
	t.pending[full] = w
	t.mu.Unlock()
	return nil
}

// Commit validates (optimistic) and applies the write set, returning the
// assigned commit sequence number. On ErrBusy the transaction is finished
// and must be replaced; on success it is finished. Other errors also
// finish the transaction; a partially applied batch never escapes Pebble.
func (t *Txn) Commit() (uint64, error) {
	if t.done.Swap(true) {
		return 0, ErrClosed
	}
	defer t.release()

	e := t.eng
	if e.closed.Load() {
		return 0, ErrClosed
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	if e.mode == Optimistic && len(t.hashes) > 0 {
		if e.window.conflicts(t.baseSeq, t.hashes) {
			return 0, fmt.Errorf("%w: write set conflicts with a later commit", ErrBusy)
		}
	}

	seq := e.commitSeq.Load() + 1

	batch := e.db.NewBatch()
	defer batch.Close()

	for _, full := range t.order {
		w := t.pending[full]
		if w.tombstone {
			if err := batch.Delete([]byte(full), nil); err != nil {
				return 0, err
			}
		} else {
			if err := batch.Set([]byte(full), w.value, nil); err != nil {
				return 0, err
			}
		}
	}

	seqBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(seqBuf, seq)
	if err := batch.Set(metaKey(commitSeqKey), seqBuf, nil); err != nil {
		return 0, err
	}

	if err := batch.Commit(e.writeOpts()); err != nil {
		return 0, fmt.Errorf("engine commit failed: %w", err)
	}

	e.commitSeq.Store(seq)
	if e.mode == Optimistic {
		e.window.record(seq, t.hashes)
	}
	return seq, nil
}

// Rollback discards the write set and releases resources. Idempotent.
func (t *Txn) Rollback() {
	if t.done.Swap(true) {
		return
	}
	t.release()
}

func (t *Txn) release() {
	if t.snap != nil {
		t.snap.Close()
		t.snap = nil
	}
	if t.eng.mode == Pessimistic {
		t.eng.locks.releaseTxn(t.id)
	}
}
