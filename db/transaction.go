package db

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jizhuozhi/go-future"

	"github.com/stratumdb/stratum/engine"
	"github.com/stratumdb/stratum/telemetry"
	"github.com/stratumdb/stratum/txnlog"
)

// TxnState is a transaction's lifecycle state.
type TxnState int32

const (
	StatePending TxnState = iota
	StateCommitting
	StateCommitted
	StateAborted
)

func (s TxnState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateCommitting:
		return "committing"
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	}
	return "unknown"
}

// CommitResult carries the engine commit sequence and, when a log store
// was bound with buffered entries, the position its batch landed at.
type CommitResult struct {
	Sequence    uint64
	LogPosition txnlog.Position
}

// Transaction wraps one engine transaction and drives the commit/abort
// state machine. After a retryable conflict the engine transaction is
// replaced but the Transaction keeps its identity; staged writes and
// buffered log entries are the caller's to re-apply.
type Transaction struct {
	id     uint32
	desc   *Descriptor
	handle *Handle
	opts   engine.TxnOptions

	mu        sync.Mutex
	state     atomic.Int32
	inner     *engine.Txn
	logStore  *txnlog.Store
	logBuf    [][]byte
	conflicts int
	result    CommitResult
}

// ID returns the transaction's 32-bit identity, stable across
// conflict-driven engine transaction replacement.
func (t *Transaction) ID() uint32 { return t.id }

// State returns the current lifecycle state.
func (t *Transaction) State() TxnState { return TxnState(t.state.Load()) }

// ensureOpen requires t.mu. Only Pending transactions accept work.
func (t *Transaction) ensureOpen() error {
	if TxnState(t.state.Load()) != StatePending {
		return ErrAlreadyClosed
	}
	return nil
}

// Put stages a write under the transaction's snapshot semantics.
func (t *Transaction) Put(key, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureOpen(); err != nil {
		return err
	}
	return t.inner.Put(t.handle.family, key, value)
}

// Remove stages a deletion.
func (t *Transaction) Remove(key []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureOpen(); err != nil {
		return err
	}
	return t.inner.Delete(t.handle.family, key)
}

// GetSync reads key, trying the cache-only tier first. With
// allowBlocking false an inconclusive cache probe returns ErrWouldBlock
// instead of touching the engine. A miss is engine.ErrNotFound.
func (t *Transaction) GetSync(key []byte, allowBlocking bool) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureOpen(); err != nil {
		return nil, err
	}

	started := time.Now()
	val, cached := t.inner.GetCached(t.handle.family, key)
	switch cached {
	case engine.CachedFound:
		telemetry.TxnGetSeconds.With("cached").Observe(time.Since(started).Seconds())
		return val, nil
	case engine.CachedDeleted:
		return nil, engine.ErrNotFound
	}

	if !allowBlocking {
		return nil, ErrWouldBlock
	}
	val, err := t.inner.Get(t.handle.family, key)
	telemetry.TxnGetSeconds.With("snapshot").Observe(time.Since(started).Seconds())
	return val, err
}

// Get reads key asynchronously. The cache tier resolves on the calling
// goroutine; otherwise the snapshot read runs on the descriptor's
// worker pool.
func (t *Transaction) Get(key []byte) *future.Future[[]byte] {
	p := future.NewPromise[[]byte]()

	val, err := t.GetSync(key, false)
	if err == nil {
		p.Set(val, nil)
		return p.Future()
	}
	if !errors.Is(err, ErrWouldBlock) {
		p.Set(nil, err)
		return p.Future()
	}

	opID, ok := t.handle.tracker.register()
	if !ok {
		p.Set(nil, ErrAlreadyClosed)
		return p.Future()
	}
	submitted := t.desc.pool.submit(func() {
		defer t.handle.tracker.unregister(opID)
		if t.handle.tracker.isCanceled() {
			p.Set(nil, ErrAlreadyClosed)
			return
		}
		val, err := t.GetSync(key, true)
		t.handle.tracker.markExecuted(opID)
		p.Set(val, err)
	})
	if !submitted {
		t.handle.tracker.unregister(opID)
		p.Set(nil, ErrAlreadyClosed)
	}
	return p.Future()
}

// UseLog binds the transaction to a named log store, opening or
// creating it on first use. At most one store can be bound.
func (t *Transaction) UseLog(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureOpen(); err != nil {
		return err
	}
	if t.logStore != nil {
		return ErrLogAlreadyBound
	}

	store, err := t.desc.LogStore(name)
	if err != nil {
		return err
	}
	t.logStore = store
	return nil
}

// Log buffers one entry for the bound store. Buffered entries are
// written as a single batch when the transaction commits.
func (t *Transaction) Log(payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureOpen(); err != nil {
		return err
	}
	if t.logStore == nil {
		return ErrLogNotBound
	}

	buf := make([]byte, len(payload))
	copy(buf, payload)
	t.logBuf = append(t.logBuf, buf)
	return nil
}

// CommitSync commits on the calling goroutine. Committing an already
// committed transaction returns the original result without
// re-executing. On a retryable conflict the transaction returns to
// Pending with the same id, its engine transaction replaced and its log
// buffer cleared, and ErrBusy is surfaced so the caller can re-stage
// and retry.
func (t *Transaction) CommitSync() (CommitResult, error) {
	t.mu.Lock()
	res, committed, err := t.commitLocked()
	t.mu.Unlock()

	if committed {
		t.desc.deregisterTxn(t.id)
		t.desc.listeners.notify(EventCommitted, t.id, res.Sequence, res.LogPosition)
	}
	return res, err
}

// Commit commits asynchronously on the descriptor's worker pool.
func (t *Transaction) Commit() *future.Future[CommitResult] {
	p := future.NewPromise[CommitResult]()

	opID, ok := t.handle.tracker.register()
	if !ok {
		p.Set(CommitResult{}, ErrAlreadyClosed)
		return p.Future()
	}
	t.state.CompareAndSwap(int32(StatePending), int32(StateCommitting))
	submitted := t.desc.pool.submit(func() {
		defer t.handle.tracker.unregister(opID)
		if t.handle.tracker.isCanceled() {
			t.state.CompareAndSwap(int32(StateCommitting), int32(StatePending))
			p.Set(CommitResult{}, ErrAlreadyClosed)
			return
		}
		res, err := t.CommitSync()
		t.handle.tracker.markExecuted(opID)
		p.Set(res, err)
	})
	if !submitted {
		t.handle.tracker.unregister(opID)
		t.state.CompareAndSwap(int32(StateCommitting), int32(StatePending))
		p.Set(CommitResult{}, ErrAlreadyClosed)
	}
	return p.Future()
}

// commitLocked requires t.mu. committed reports a successful transition
// this call so the caller can notify listeners outside the lock.
func (t *Transaction) commitLocked() (CommitResult, bool, error) {
	switch TxnState(t.state.Load()) {
	case StateCommitted:
		return t.result, false, nil
	case StateAborted:
		return CommitResult{}, false, ErrAlreadyAborted
	}
	t.state.Store(int32(StateCommitting))
	started := time.Now()

	var pos txnlog.Position
	logged := false
	if t.logStore != nil && len(t.logBuf) > 0 {
		var err error
		pos, err = t.logStore.WriteBatch(t.logBuf, unixMS())
		if err != nil {
			t.state.Store(int32(StatePending))
			return CommitResult{}, false, fmt.Errorf("log write failed: %w", err)
		}
		logged = true
	}

	seq, err := t.inner.Commit()
	if err != nil {
		if logged {
			if aerr := t.logStore.AbortBatch(pos); aerr != nil {
				t.desc.log.Warn().Err(aerr).Msg("Log batch abort failed")
			}
		}
		if errors.Is(err, engine.ErrBusy) {
			return CommitResult{}, false, t.handleConflict(err)
		}
		t.state.Store(int32(StatePending))
		telemetry.TxnTotal.With("failed").Inc()
		return CommitResult{}, false, fmt.Errorf("commit failed: %w", err)
	}

	if logged {
		t.logStore.CommitFinished(pos, seq)
	}
	t.result = CommitResult{Sequence: seq, LogPosition: pos}
	t.state.Store(int32(StateCommitted))
	telemetry.TxnTotal.With("committed").Inc()
	telemetry.TxnCommitSeconds.Observe(time.Since(started).Seconds())
	return t.result, true, nil
}

// handleConflict requires t.mu. Replaces the engine transaction under
// the same identity, clears the log buffer, and returns the transaction
// to Pending so the caller can re-stage and retry.
func (t *Transaction) handleConflict(cause error) error {
	telemetry.TxnTotal.With("conflict").Inc()
	telemetry.ConflictRetriesTotal.Inc()
	t.conflicts++

	t.inner.Rollback()
	fresh, err := t.desc.eng.Begin(t.opts)
	if err != nil {
		t.state.Store(int32(StatePending))
		return fmt.Errorf("unable to restart transaction after conflict: %w", err)
	}
	t.inner = fresh
	t.logBuf = nil
	t.state.Store(int32(StatePending))

	limit := t.desc.registry.cfg.Async.CommitRetryLimit
	if limit > 0 && t.conflicts >= limit {
		return fmt.Errorf("commit conflict retries exhausted after %d attempts: %w", t.conflicts, cause)
	}
	if pause := t.desc.registry.cfg.Async.CommitRetryPauseMS; pause > 0 {
		time.Sleep(time.Duration(pause) * time.Millisecond)
	}
	return cause
}

// Abort rolls the transaction back. Valid from Pending; aborting twice
// is a no-op; aborting a committed or committing transaction fails.
func (t *Transaction) Abort() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch TxnState(t.state.Load()) {
	case StateAborted:
		return nil
	case StateCommitted, StateCommitting:
		return ErrAlreadyCommitted
	}

	t.inner.Rollback()
	t.logBuf = nil
	t.state.Store(int32(StateAborted))
	telemetry.TxnTotal.With("aborted").Inc()
	t.desc.deregisterTxn(t.id)
	return nil
}

// forceClose rolls back a still-pending transaction during descriptor
// teardown. The descriptor has already dropped its registration.
func (t *Transaction) forceClose() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if TxnState(t.state.Load()) != StatePending {
		return
	}
	t.inner.Rollback()
	t.logBuf = nil
	t.state.Store(int32(StateAborted))
}

func unixMS() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Millisecond)
}
