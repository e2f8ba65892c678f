package engine

import (
	"github.com/puzpuzpuz/xsync/v3"
)

// lockTable implements write-time key locking for pessimistic databases
// using lock-free concurrent maps. Locks are scoped to one engine and
// resolved by key hash; the holder is a transaction id.
type lockTable struct {
	// keys: keyHash → holder txn id
	keys *xsync.MapOf[uint64, uint64]

	// byTxn: reverse index txn id → set of keyHash
	byTxn *xsync.MapOf[uint64, *xsync.MapOf[uint64, struct{}]]
}

func newLockTable() *lockTable {
	return &lockTable{
		keys:  xsync.NewMapOf[uint64, uint64](),
		byTxn: xsync.NewMapOf[uint64, *xsync.MapOf[uint64, struct{}]](),
	}
}

// acquire attempts to lock hash for txnID. Returns the holder and whether
// the lock was obtained; re-acquiring an owned lock succeeds.
func (t *lockTable) acquire(hash uint64, txnID uint64) (holder uint64, acquired bool) {
	current, loaded := t.keys.LoadOrStore(hash, txnID)
	if loaded && current != txnID {
		return current, false
	}

	txnSet, _ := t.byTxn.LoadOrStore(txnID, xsync.NewMapOf[uint64, struct{}]())
	txnSet.Store(hash, struct{}{})
	return txnID, true
}

// releaseTxn drops every lock held by txnID.
func (t *lockTable) releaseTxn(txnID uint64) {
	txnSet, ok := t.byTxn.Load(txnID)
	if !ok {
		return
	}

	var hashes []uint64
	txnSet.Range(func(hash uint64, _ struct{}) bool {
		hashes = append(hashes, hash)
		return true
	})

	for _, hash := range hashes {
		if holder, ok := t.keys.Load(hash); ok && holder == txnID {
			t.keys.Delete(hash)
		}
	}
	t.byTxn.Delete(txnID)
}

// held reports whether hash is currently locked.
func (t *lockTable) held(hash uint64) (uint64, bool) {
	return t.keys.Load(hash)
}

// size returns the number of held locks.
func (t *lockTable) size() int {
	return t.keys.Size()
}
