package engine

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	cuckoo "github.com/linvon/cuckoo-filter"

	"github.com/stratumdb/stratum/telemetry"
)

const (
	// Cuckoo filter configuration: capacity = bucketSize × numBuckets.
	cuckooBucketSize      = 4
	cuckooFingerprintSize = 16
	cuckooNumBuckets      = 65536

	defaultWindowSize = 1 << 16
)

// hashBufPool reduces allocations for hash-to-bytes conversion.
var hashBufPool = sync.Pool{
	New: func() any { return make([]byte, 8) },
}

// keyHash fingerprints a (family, key) pair for conflict tracking.
func keyHash(familyID uint32, key []byte) uint64 {
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], familyID)
	h := xxhash.New()
	_, _ = h.Write(prefix[:])
	_, _ = h.Write(key)
	return h.Sum64()
}

// conflictWindow tracks recently committed write keys for optimistic
// validation.
//
// Design:
//   - Hash = XXH64(familyID ‖ key) for each committed write
//   - Filter MISS = key definitely not written recently → no conflict
//   - Filter HIT  = maybe written → consult the LRU for the commit sequence
//   - The LRU bounds memory; evicted hashes leave the filter too, and the
//     eviction floor rises so transactions older than the window are
//     conservatively rejected rather than silently missing a conflict.
//
// Thread safety is provided by the engine's commit mutex: the window is
// only read and mutated while a commit holds it.
type conflictWindow struct {
	filter  *cuckoo.Filter
	recent  *lru.Cache[uint64, uint64] // keyHash → commit sequence
	floor   uint64                     // highest seq evicted from the window
	entries int
}

func newConflictWindow(size int) *conflictWindow {
	if size <= 0 {
		size = defaultWindowSize
	}

	w := &conflictWindow{
		filter: cuckoo.NewFilter(cuckooBucketSize, cuckooFingerprintSize,
			cuckooNumBuckets, cuckoo.TableTypePacked),
	}

	cache, err := lru.NewWithEvict[uint64, uint64](size, func(hash uint64, seq uint64) {
		w.removeFromFilter(hash)
		if seq > w.floor {
			w.floor = seq
		}
	})
	if err != nil {
		// lru.New only fails for a non-positive size, guarded above.
		panic(err)
	}
	w.recent = cache
	return w
}

func (w *conflictWindow) removeFromFilter(hash uint64) {
	buf := hashBufPool.Get().([]byte)
	binary.LittleEndian.PutUint64(buf, hash)
	w.filter.Delete(buf)
	hashBufPool.Put(buf)
}

// conflicts reports whether any write hash collides with a commit after
// baseSeq. A base sequence older than the eviction floor cannot be
// validated and is treated as conflicting.
func (w *conflictWindow) conflicts(baseSeq uint64, hashes []uint64) bool {
	if baseSeq < w.floor {
		telemetry.EngineConflictChecks.With("window_expired").Inc()
		return true
	}

	for _, hash := range hashes {
		buf := hashBufPool.Get().([]byte)
		binary.LittleEndian.PutUint64(buf, hash)
		hit := w.filter.Contain(buf)
		hashBufPool.Put(buf)

		if !hit {
			telemetry.EngineConflictChecks.With("fast_path").Inc()
			continue
		}

		seq, ok := w.recent.Get(hash)
		if ok && seq > baseSeq {
			telemetry.EngineConflictChecks.With("slow_path_conflict").Inc()
			return true
		}
		// Filter hit without an LRU entry is a cuckoo false positive.
		telemetry.EngineConflictChecks.With("slow_path").Inc()
	}
	return false
}

// record registers the writes of a committed transaction.
func (w *conflictWindow) record(seq uint64, hashes []uint64) {
	for _, hash := range hashes {
		if _, ok := w.recent.Peek(hash); !ok {
			buf := hashBufPool.Get().([]byte)
			binary.LittleEndian.PutUint64(buf, hash)
			w.filter.Add(buf)
			hashBufPool.Put(buf)
		}
		w.recent.Add(hash, seq)
	}
	w.entries = w.recent.Len()
}
