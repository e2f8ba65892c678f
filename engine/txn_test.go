package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTxnReadYourWrites(t *testing.T) {
	t.Parallel()

	eng := openTestEngine(t, Optimistic)
	cf, _ := eng.ColumnFamily(DefaultFamily)

	txn, err := eng.Begin(TxnOptions{})
	require.NoError(t, err)
	defer txn.Rollback()

	require.NoError(t, txn.Put(cf, []byte("k"), []byte("v1")))
	val, err := txn.Get(cf, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), val)

	require.NoError(t, txn.Delete(cf, []byte("k")))
	_, err = txn.Get(cf, []byte("k"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTxnGetCachedTiers(t *testing.T) {
	t.Parallel()

	eng := openTestEngine(t, Optimistic)
	cf, _ := eng.ColumnFamily(DefaultFamily)

	seed, err := eng.Begin(TxnOptions{})
	require.NoError(t, err)
	require.NoError(t, seed.Put(cf, []byte("committed"), []byte("x")))
	_, err = seed.Commit()
	require.NoError(t, err)

	txn, err := eng.Begin(TxnOptions{})
	require.NoError(t, err)
	defer txn.Rollback()

	// Key only present in the database: cache tier cannot answer.
	_, res := txn.GetCached(cf, []byte("committed"))
	require.Equal(t, CachedUnknown, res)

	require.NoError(t, txn.Put(cf, []byte("mine"), []byte("y")))
	val, res := txn.GetCached(cf, []byte("mine"))
	require.Equal(t, CachedFound, res)
	require.Equal(t, []byte("y"), val)

	require.NoError(t, txn.Delete(cf, []byte("mine")))
	_, res = txn.GetCached(cf, []byte("mine"))
	require.Equal(t, CachedDeleted, res)
}

func TestSnapshotIsolation(t *testing.T) {
	t.Parallel()

	eng := openTestEngine(t, Optimistic)
	cf, _ := eng.ColumnFamily(DefaultFamily)

	reader, err := eng.Begin(TxnOptions{})
	require.NoError(t, err)
	defer reader.Rollback()

	writer, err := eng.Begin(TxnOptions{})
	require.NoError(t, err)
	require.NoError(t, writer.Put(cf, []byte("k"), []byte("new")))
	_, err = writer.Commit()
	require.NoError(t, err)

	// Snapshot taken before the commit must not observe it.
	_, err = reader.Get(cf, []byte("k"))
	require.ErrorIs(t, err, ErrNotFound)

	// A transaction started after the commit does.
	late, err := eng.Begin(TxnOptions{})
	require.NoError(t, err)
	defer late.Rollback()
	val, err := late.Get(cf, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("new"), val)
}

func TestOptimisticConflictDetected(t *testing.T) {
	t.Parallel()

	eng := openTestEngine(t, Optimistic)
	cf, _ := eng.ColumnFamily(DefaultFamily)

	a, err := eng.Begin(TxnOptions{})
	require.NoError(t, err)
	b, err := eng.Begin(TxnOptions{})
	require.NoError(t, err)

	require.NoError(t, a.Put(cf, []byte("hot"), []byte("a")))
	require.NoError(t, b.Put(cf, []byte("hot"), []byte("b")))

	_, err = a.Commit()
	require.NoError(t, err)

	_, err = b.Commit()
	require.ErrorIs(t, err, ErrBusy)

	// The losing value must not be visible.
	val, err := eng.Get(cf, []byte("hot"))
	require.NoError(t, err)
	require.Equal(t, []byte("a"), val)
}

func TestOptimisticDisjointWritesCommit(t *testing.T) {
	t.Parallel()

	eng := openTestEngine(t, Optimistic)
	cf, _ := eng.ColumnFamily(DefaultFamily)

	a, err := eng.Begin(TxnOptions{})
	require.NoError(t, err)
	b, err := eng.Begin(TxnOptions{})
	require.NoError(t, err)

	require.NoError(t, a.Put(cf, []byte("left"), []byte("a")))
	require.NoError(t, b.Put(cf, []byte("right"), []byte("b")))

	_, err = a.Commit()
	require.NoError(t, err)
	_, err = b.Commit()
	require.NoError(t, err)
}

func TestPessimisticWriteLockConflict(t *testing.T) {
	t.Parallel()

	eng := openTestEngine(t, Pessimistic)
	cf, _ := eng.ColumnFamily(DefaultFamily)

	a, err := eng.Begin(TxnOptions{})
	require.NoError(t, err)
	b, err := eng.Begin(TxnOptions{})
	require.NoError(t, err)

	require.NoError(t, a.Put(cf, []byte("hot"), []byte("a")))

	// Second writer is refused at write time, not commit time.
	err = b.Put(cf, []byte("hot"), []byte("b"))
	require.ErrorIs(t, err, ErrBusy)

	_, err = a.Commit()
	require.NoError(t, err)

	// Lock released by commit; b can stage and commit now.
	require.NoError(t, b.Put(cf, []byte("hot"), []byte("b")))
	_, err = b.Commit()
	require.NoError(t, err)
}

func TestPessimisticRollbackReleasesLocks(t *testing.T) {
	t.Parallel()

	eng := openTestEngine(t, Pessimistic)
	cf, _ := eng.ColumnFamily(DefaultFamily)

	a, err := eng.Begin(TxnOptions{})
	require.NoError(t, err)
	require.NoError(t, a.Put(cf, []byte("k"), []byte("a")))
	a.Rollback()

	b, err := eng.Begin(TxnOptions{})
	require.NoError(t, err)
	require.NoError(t, b.Put(cf, []byte("k"), []byte("b")))
	_, err = b.Commit()
	require.NoError(t, err)
}

func TestTxnOperationsAfterFinishFail(t *testing.T) {
	t.Parallel()

	eng := openTestEngine(t, Optimistic)
	cf, _ := eng.ColumnFamily(DefaultFamily)

	txn, err := eng.Begin(TxnOptions{})
	require.NoError(t, err)
	require.NoError(t, txn.Put(cf, []byte("k"), []byte("v")))
	_, err = txn.Commit()
	require.NoError(t, err)

	require.ErrorIs(t, txn.Put(cf, []byte("k"), []byte("v2")), ErrClosed)
	_, err = txn.Get(cf, []byte("k"))
	require.ErrorIs(t, err, ErrClosed)
	_, err = txn.Commit()
	require.ErrorIs(t, err, ErrClosed)

	// Rollback after commit is a harmless no-op.
	txn.Rollback()
}

func TestConflictWindowFloorRejectsAncientTxn(t *testing.T) {
	t.Parallel()

	w := newConflictWindow(4)
	// Fill past capacity so early entries are evicted and raise the floor.
	for seq := uint64(1); seq <= 8; seq++ {
		w.record(seq, []uint64{seq * 1000})
	}
	require.NotZero(t, w.floor)

	// A base sequence below the floor cannot be validated.
	require.True(t, w.conflicts(w.floor-1, []uint64{999999}))

	// A fresh base sequence with an untouched key passes.
	require.False(t, w.conflicts(8, []uint64{424242}))
}
