package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stratumdb/stratum/engine"
)

func TestCommitVisibility(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(testConfig())
	defer reg.Shutdown()
	h := openTestHandle(t, reg, filepath.Join(t.TempDir(), "db"), engine.Optimistic)
	defer h.Close()

	// A snapshot taken before the commit must not see the write.
	early, err := h.CreateTransaction(engine.TxnOptions{})
	require.NoError(t, err)

	writer, err := h.CreateTransaction(engine.TxnOptions{})
	require.NoError(t, err)
	require.NoError(t, writer.Put([]byte("k"), []byte("v")))
	res, err := writer.CommitSync()
	require.NoError(t, err)
	require.Greater(t, res.Sequence, uint64(0))
	require.Equal(t, StateCommitted, writer.State())

	_, err = early.GetSync([]byte("k"), true)
	require.ErrorIs(t, err, engine.ErrNotFound)
	require.NoError(t, early.Abort())

	late, err := h.CreateTransaction(engine.TxnOptions{})
	require.NoError(t, err)
	defer late.Abort()
	val, err := late.GetSync([]byte("k"), true)
	require.NoError(t, err)
	require.Equal(t, []byte("v"), val)
}

func TestCommitIsIdempotent(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(testConfig())
	defer reg.Shutdown()
	h := openTestHandle(t, reg, filepath.Join(t.TempDir(), "db"), engine.Optimistic)
	defer h.Close()

	txn, err := h.CreateTransaction(engine.TxnOptions{})
	require.NoError(t, err)
	require.NoError(t, txn.Put([]byte("k"), []byte("v")))

	first, err := txn.CommitSync()
	require.NoError(t, err)
	second, err := txn.CommitSync()
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestConflictKeepsIdentityAndRetries(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(testConfig())
	defer reg.Shutdown()
	h := openTestHandle(t, reg, filepath.Join(t.TempDir(), "db"), engine.Optimistic)
	defer h.Close()

	loser, err := h.CreateTransaction(engine.TxnOptions{})
	require.NoError(t, err)
	require.NoError(t, loser.Put([]byte("hot"), []byte("loser")))
	id := loser.ID()

	winner, err := h.CreateTransaction(engine.TxnOptions{})
	require.NoError(t, err)
	require.NoError(t, winner.Put([]byte("hot"), []byte("winner")))
	_, err = winner.CommitSync()
	require.NoError(t, err)

	_, err = loser.CommitSync()
	require.ErrorIs(t, err, engine.ErrBusy)
	require.Equal(t, StatePending, loser.State())
	require.Equal(t, id, loser.ID())

	// The caller re-stages writes against the replaced engine txn, and
	// the second commit goes through.
	require.NoError(t, loser.Put([]byte("hot"), []byte("retried")))
	_, err = loser.CommitSync()
	require.NoError(t, err)

	val, err := h.Get([]byte("hot"))
	require.NoError(t, err)
	require.Equal(t, []byte("retried"), val)
}

func TestAbortStateMachine(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(testConfig())
	defer reg.Shutdown()
	h := openTestHandle(t, reg, filepath.Join(t.TempDir(), "db"), engine.Optimistic)
	defer h.Close()

	txn, err := h.CreateTransaction(engine.TxnOptions{})
	require.NoError(t, err)
	require.NoError(t, txn.Put([]byte("k"), []byte("v")))
	require.NoError(t, txn.Abort())
	require.Equal(t, StateAborted, txn.State())
	require.NoError(t, txn.Abort())

	// The aborted write never landed.
	_, err = h.Get([]byte("k"))
	require.ErrorIs(t, err, engine.ErrNotFound)

	// Closed transactions reject work.
	require.ErrorIs(t, txn.Put([]byte("k"), []byte("v")), ErrAlreadyClosed)
	_, err = txn.GetSync([]byte("k"), true)
	require.ErrorIs(t, err, ErrAlreadyClosed)
	_, err = txn.CommitSync()
	require.ErrorIs(t, err, ErrAlreadyAborted)

	committed, err := h.CreateTransaction(engine.TxnOptions{})
	require.NoError(t, err)
	require.NoError(t, committed.Put([]byte("x"), []byte("y")))
	_, err = committed.CommitSync()
	require.NoError(t, err)
	require.ErrorIs(t, committed.Abort(), ErrAlreadyCommitted)
}

func TestGetSyncCacheTier(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(testConfig())
	defer reg.Shutdown()
	h := openTestHandle(t, reg, filepath.Join(t.TempDir(), "db"), engine.Optimistic)
	defer h.Close()

	require.NoError(t, h.Put([]byte("stored"), []byte("on-disk")))

	txn, err := h.CreateTransaction(engine.TxnOptions{})
	require.NoError(t, err)
	defer txn.Abort()

	// A value only on disk is inconclusive without blocking.
	_, err = txn.GetSync([]byte("stored"), false)
	require.ErrorIs(t, err, ErrWouldBlock)

	// The transaction's own write resolves from cache.
	require.NoError(t, txn.Put([]byte("mine"), []byte("cached")))
	val, err := txn.GetSync([]byte("mine"), false)
	require.NoError(t, err)
	require.Equal(t, []byte("cached"), val)

	// Blocking reads resolve both.
	val, err = txn.GetSync([]byte("stored"), true)
	require.NoError(t, err)
	require.Equal(t, []byte("on-disk"), val)
}

func TestAsyncGetAndCommit(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(testConfig())
	defer reg.Shutdown()
	h := openTestHandle(t, reg, filepath.Join(t.TempDir(), "db"), engine.Optimistic)
	defer h.Close()

	require.NoError(t, h.Put([]byte("k"), []byte("v")))

	txn, err := h.CreateTransaction(engine.TxnOptions{})
	require.NoError(t, err)

	val, err := txn.Get([]byte("k")).Get()
	require.NoError(t, err)
	require.Equal(t, []byte("v"), val)

	require.NoError(t, txn.Put([]byte("k2"), []byte("v2")))
	res, err := txn.Commit().Get()
	require.NoError(t, err)
	require.Greater(t, res.Sequence, uint64(0))
	require.Equal(t, StateCommitted, txn.State())
}

func TestTransactionLogBinding(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(testConfig())
	defer reg.Shutdown()
	h := openTestHandle(t, reg, filepath.Join(t.TempDir(), "db"), engine.Optimistic)
	defer h.Close()

	txn, err := h.CreateTransaction(engine.TxnOptions{})
	require.NoError(t, err)

	require.ErrorIs(t, txn.Log([]byte("too early")), ErrLogNotBound)
	require.NoError(t, txn.UseLog("feed"))
	require.ErrorIs(t, txn.UseLog("other"), ErrLogAlreadyBound)

	require.NoError(t, txn.Log([]byte("first")))
	require.NoError(t, txn.Log([]byte("second")))
	require.NoError(t, txn.Put([]byte("k"), []byte("v")))

	var events []uint32
	_, err = h.Listen(EventCommitted, func(event string, args ...any) {
		events = append(events, args[0].(uint32))
	})
	require.NoError(t, err)

	res, err := txn.CommitSync()
	require.NoError(t, err)
	require.False(t, res.LogPosition.IsZero())
	require.Equal(t, []uint32{txn.ID()}, events)

	store, err := h.Descriptor().LogStore("feed")
	require.NoError(t, err)
	require.Equal(t, res.LogPosition, store.Head())
	require.Equal(t, store.Head(), store.LastCommitted())

	reader := store.ReadFrom(store.FlushedPosition())
	first, err := reader.Next()
	require.NoError(t, err)
	require.Equal(t, []byte("first"), first.Payload)
	require.False(t, first.LastInBatch())
	second, err := reader.Next()
	require.NoError(t, err)
	require.Equal(t, []byte("second"), second.Payload)
	require.True(t, second.LastInBatch())
}

func TestFlushDrivesLogTracker(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(testConfig())
	defer reg.Shutdown()
	h := openTestHandle(t, reg, filepath.Join(t.TempDir(), "db"), engine.Optimistic)
	defer h.Close()

	txn, err := h.CreateTransaction(engine.TxnOptions{})
	require.NoError(t, err)
	require.NoError(t, txn.UseLog("feed"))
	require.NoError(t, txn.Log([]byte("entry")))
	require.NoError(t, txn.Put([]byte("k"), []byte("v")))
	res, err := txn.CommitSync()
	require.NoError(t, err)

	store, err := h.Descriptor().LogStore("feed")
	require.NoError(t, err)
	require.True(t, store.FlushedPosition().IsZero())

	require.NoError(t, h.Flush())
	require.Eventually(t, func() bool {
		return store.FlushedPosition() == res.LogPosition
	}, 2*time.Second, 10*time.Millisecond)
}
