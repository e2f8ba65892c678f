package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testOptions(mode Isolation) Options {
	opts := DefaultOptions()
	opts.Isolation = mode
	opts.BlockCacheSize = 8 << 20
	opts.DisableSync = true
	return opts
}

func openTestEngine(t *testing.T, mode Isolation) *Engine {
	t.Helper()

	eng, err := Open(t.TempDir(), testOptions(mode))
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

func TestOpenCreatesDefaultFamily(t *testing.T) {
	t.Parallel()

	eng := openTestEngine(t, Optimistic)
	cf, err := eng.ColumnFamily(DefaultFamily)
	require.NoError(t, err)
	require.Equal(t, DefaultFamily, cf.Name)
	require.NotZero(t, cf.ID)
}

func TestColumnFamilyPersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	eng, err := Open(dir, testOptions(Optimistic))
	require.NoError(t, err)

	created, err := eng.CreateColumnFamily("events")
	require.NoError(t, err)
	require.NoError(t, eng.Close())

	eng, err = Open(dir, testOptions(Optimistic))
	require.NoError(t, err)
	defer eng.Close()

	cf, err := eng.ColumnFamily("events")
	require.NoError(t, err)
	require.Equal(t, created.ID, cf.ID)

	_, err = eng.CreateColumnFamily("events")
	require.ErrorIs(t, err, ErrFamilyExists)
}

func TestDropColumnFamilyRemovesData(t *testing.T) {
	t.Parallel()

	eng := openTestEngine(t, Optimistic)
	cf, err := eng.CreateColumnFamily("scratch")
	require.NoError(t, err)

	txn, err := eng.Begin(TxnOptions{})
	require.NoError(t, err)
	require.NoError(t, txn.Put(cf, []byte("k"), []byte("v")))
	_, err = txn.Commit()
	require.NoError(t, err)

	require.NoError(t, eng.DropColumnFamily("scratch"))
	_, err = eng.ColumnFamily("scratch")
	require.ErrorIs(t, err, ErrFamilyNotFound)

	// Same name can be recreated and starts empty.
	cf2, err := eng.CreateColumnFamily("scratch")
	require.NoError(t, err)
	_, err = eng.Get(cf2, []byte("k"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDropDefaultFamilyFails(t *testing.T) {
	t.Parallel()

	eng := openTestEngine(t, Optimistic)
	require.Error(t, eng.DropColumnFamily(DefaultFamily))
}

func TestCommitAdvancesSequence(t *testing.T) {
	t.Parallel()

	eng := openTestEngine(t, Optimistic)
	cf, _ := eng.ColumnFamily(DefaultFamily)

	before := eng.LatestSequence()
	txn, err := eng.Begin(TxnOptions{})
	require.NoError(t, err)
	require.NoError(t, txn.Put(cf, []byte("a"), []byte("1")))
	seq, err := txn.Commit()
	require.NoError(t, err)
	require.Equal(t, before+1, seq)
	require.Equal(t, seq, eng.LatestSequence())
}

func TestCommitSequenceSurvivesReopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	eng, err := Open(dir, testOptions(Optimistic))
	require.NoError(t, err)
	cf, _ := eng.ColumnFamily(DefaultFamily)

	for i := 0; i < 3; i++ {
		txn, err := eng.Begin(TxnOptions{})
		require.NoError(t, err)
		require.NoError(t, txn.Put(cf, []byte{byte(i)}, []byte("v")))
		_, err = txn.Commit()
		require.NoError(t, err)
	}
	last := eng.LatestSequence()
	require.NoError(t, eng.Close())

	eng, err = Open(dir, testOptions(Optimistic))
	require.NoError(t, err)
	defer eng.Close()
	require.Equal(t, last, eng.LatestSequence())
}

func TestFlushAdvancesWatermarkAndNotifies(t *testing.T) {
	t.Parallel()

	eng := openTestEngine(t, Optimistic)
	cf, _ := eng.ColumnFamily(DefaultFamily)

	txn, err := eng.Begin(TxnOptions{})
	require.NoError(t, err)
	require.NoError(t, txn.Put(cf, []byte("a"), []byte("1")))
	seq, err := txn.Commit()
	require.NoError(t, err)

	var notified uint64
	cancel := eng.OnFlush(func(s uint64) { notified = s })
	defer cancel()

	require.NoError(t, eng.Flush())
	require.Equal(t, seq, eng.FlushedSequence())
	require.Equal(t, seq, notified)

	// Cancelled listeners stop firing.
	cancel()
	notified = 0
	require.NoError(t, eng.Flush())
	require.Zero(t, notified)
}
