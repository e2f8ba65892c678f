// Package engine wraps Pebble with the transactional capabilities the db
// layer builds on: per-path databases opened in an optimistic or
// pessimistic isolation mode, named column families, snapshot transactions,
// monotonically increasing commit sequence numbers, and a flush watermark
// with listener notification.
package engine

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/stratumdb/stratum/encoding"
	"github.com/stratumdb/stratum/telemetry"
)

// Isolation selects the conflict strategy for a database. It is fixed at
// open and applies to every transaction on that database.
type Isolation int

const (
	Optimistic Isolation = iota
	Pessimistic
)

func (i Isolation) String() string {
	if i == Pessimistic {
		return "pessimistic"
	}
	return "optimistic"
}

// Column family 0 is reserved for engine metadata; user families start at 1.
const (
	metaFamilyID    = uint32(0)
	DefaultFamily   = "default"
	familyKeyPrefix = "cf/"
	commitSeqKey    = "seq/commit"
	familySeqKey    = "seq/family"
)

// Options configures an engine open.
type Options struct {
	Isolation      Isolation
	BlockCacheSize int64         // bytes; ignored when Cache is set
	Cache          *pebble.Cache // optional shared block cache
	Parallelism    int           // max concurrent compactions
	MemTableSize   uint64
	MemTableCount  int
	DisableSync    bool // commit with pebble.NoSync (tests only)
}

// DefaultOptions returns engine options suitable for embedded use.
func DefaultOptions() Options {
	return Options{
		Isolation:      Optimistic,
		BlockCacheSize: 64 << 20,
		Parallelism:    3,
		MemTableSize:   32 << 20,
		MemTableCount:  2,
	}
}

// ColumnFamily is a named keyspace partition within one database.
type ColumnFamily struct {
	ID   uint32
	Name string
}

// familyRecord is the persisted catalog entry for a column family.
type familyRecord struct {
	ID        uint32
	Name      string
	CreatedAt int64
}

// pebbleLogger routes Pebble's internal logging through zerolog.
type pebbleLogger struct{}

func (l *pebbleLogger) Infof(format string, args ...interface{}) {
	log.Debug().Msgf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Errorf(format string, args ...interface{}) {
	log.Error().Msgf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...interface{}) {
	log.Fatal().Msgf("[pebble] "+format, args...)
}

// Engine is one open transactional database.
type Engine struct {
	db   *pebble.DB
	path string
	mode Isolation
	sync bool

	cache    *pebble.Cache
	ownCache bool

	families     *xsync.MapOf[string, *ColumnFamily]
	nextFamilyID atomic.Uint32

	nextTxnID atomic.Uint64
	commitSeq atomic.Uint64

	// commitMu serializes optimistic validation with batch application so
	// the conflict window cannot miss a concurrent commit.
	commitMu sync.Mutex
	window   *conflictWindow
	locks    *lockTable

	flushedSeq atomic.Uint64
	flushMu    sync.Mutex

	listenerMu     sync.RWMutex
	nextListenerID uint64
	flushListeners map[uint64]func(seq uint64)

	closed atomic.Bool
}

// Open opens (creating if needed) the transactional database at path.
func Open(path string, opts Options) (*Engine, error) {
	cache := opts.Cache
	ownCache := false
	if cache == nil {
		size := opts.BlockCacheSize
		if size <= 0 {
			size = 64 << 20
		}
		cache = pebble.NewCache(size)
		ownCache = true
	}

	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = 3
	}
	memTableSize := opts.MemTableSize
	if memTableSize == 0 {
		memTableSize = 32 << 20
	}
	memTableCount := opts.MemTableCount
	if memTableCount <= 0 {
		memTableCount = 2
	}

	pebbleOpts := &pebble.Options{
		Cache:                       cache,
		MemTableSize:                memTableSize,
		MemTableStopWritesThreshold: memTableCount,
		MaxConcurrentCompactions:    func() int { return parallelism },
		Logger:                      &pebbleLogger{},
	}

	db, err := pebble.Open(path, pebbleOpts)
	if err != nil {
		if ownCache {
			cache.Unref()
		}
		return nil, fmt.Errorf("failed to open engine at %s: %w", path, err)
	}

	eng := &Engine{
		db:             db,
		path:           path,
		mode:           opts.Isolation,
		sync:           !opts.DisableSync,
		cache:          cache,
		ownCache:       ownCache,
		families:       xsync.NewMapOf[string, *ColumnFamily](),
		window:         newConflictWindow(defaultWindowSize),
		flushListeners: make(map[uint64]func(uint64)),
	}
	if opts.Isolation == Pessimistic {
		eng.locks = newLockTable()
	}

	if err := eng.loadCatalog(); err != nil {
		db.Close()
		if ownCache {
			cache.Unref()
		}
		return nil, fmt.Errorf("failed to load engine catalog: %w", err)
	}

	// Guarantee the default family so fresh databases are usable at once.
	if _, err := eng.ColumnFamily(DefaultFamily); err != nil {
		if _, cerr := eng.CreateColumnFamily(DefaultFamily); cerr != nil {
			db.Close()
			if ownCache {
				cache.Unref()
			}
			return nil, cerr
		}
	}

	log.Debug().
		Str("path", path).
		Str("mode", eng.mode.String()).
		Uint64("commit_seq", eng.commitSeq.Load()).
		Msg("Engine opened")

	return eng, nil
}

// Mode returns the isolation strategy fixed at open.
func (e *Engine) Mode() Isolation { return e.mode }

// Path returns the database directory.
func (e *Engine) Path() string { return e.path }

// Close flushes and closes the database. Idempotent.
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}

	err := e.db.Close()
	if e.ownCache {
		e.cache.Unref()
	}
	return err
}

// Destroy removes the on-disk database. The engine must be closed first.
func Destroy(path string) error {
	return os.RemoveAll(path)
}

// metaKey builds a metadata key in the reserved family-0 keyspace.
func metaKey(suffix string) []byte {
	key := make([]byte, 4+len(suffix))
	copy(key[4:], suffix)
	return key
}

// dataKey prefixes a user key with its 4-byte big-endian family id.
func dataKey(familyID uint32, key []byte) []byte {
	out := make([]byte, 4+len(key))
	binary.BigEndian.PutUint32(out, familyID)
	copy(out[4:], key)
	return out
}

// prefixUpperBound returns the smallest key greater than every key with
// the given prefix.
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}
	return nil
}

func (e *Engine) loadCatalog() error {
	// Commit sequence.
	val, closer, err := e.db.Get(metaKey(commitSeqKey))
	if err == nil {
		if len(val) >= 8 {
			e.commitSeq.Store(binary.BigEndian.Uint64(val))
		}
		closer.Close()
	} else if err != pebble.ErrNotFound {
		return err
	}
	e.flushedSeq.Store(e.commitSeq.Load())

	// Family id sequence.
	val, closer, err = e.db.Get(metaKey(familySeqKey))
	if err == nil {
		if len(val) >= 4 {
			e.nextFamilyID.Store(binary.BigEndian.Uint32(val))
		}
		closer.Close()
	} else if err != pebble.ErrNotFound {
		return err
	}

	// Family records.
	prefix := metaKey(familyKeyPrefix)
	iter, err := e.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		var rec familyRecord
		if err := encoding.Unmarshal(val, &rec); err != nil {
			return fmt.Errorf("corrupt column family record %q: %w", iter.Key(), err)
		}
		e.families.Store(rec.Name, &ColumnFamily{ID: rec.ID, Name: rec.Name})
	}
	return iter.Error()
}

// CreateColumnFamily adds a named keyspace and persists its catalog record.
func (e *Engine) CreateColumnFamily(name string) (*ColumnFamily, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if name == "" {
		return nil, fmt.Errorf("column family name must not be empty")
	}
	if _, ok := e.families.Load(name); ok {
		return nil, fmt.Errorf("%w: %s", ErrFamilyExists, name)
	}

	id := e.nextFamilyID.Add(1)
	rec := familyRecord{ID: id, Name: name, CreatedAt: time.Now().UnixNano()}
	data, err := encoding.Marshal(rec)
	if err != nil {
		return nil, err
	}

	batch := e.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(metaKey(familyKeyPrefix+name), data, nil); err != nil {
		return nil, err
	}
	idBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(idBuf, id)
	if err := batch.Set(metaKey(familySeqKey), idBuf, nil); err != nil {
		return nil, err
	}
	if err := batch.Commit(e.writeOpts()); err != nil {
		return nil, fmt.Errorf("failed to persist column family %s: %w", name, err)
	}

	cf := &ColumnFamily{ID: id, Name: name}
	if prev, loaded := e.families.LoadOrStore(name, cf); loaded {
		return prev, nil
	}
	return cf, nil
}

// ColumnFamily resolves a name to its handle.
func (e *Engine) ColumnFamily(name string) (*ColumnFamily, error) {
	if cf, ok := e.families.Load(name); ok {
		return cf, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrFamilyNotFound, name)
}

// ColumnFamilyNames lists the catalog.
func (e *Engine) ColumnFamilyNames() []string {
	var names []string
	e.families.Range(func(name string, _ *ColumnFamily) bool {
		names = append(names, name)
		return true
	})
	return names
}

// DropColumnFamily deletes a family's data and catalog record. The default
// family cannot be dropped.
func (e *Engine) DropColumnFamily(name string) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if name == DefaultFamily {
		return fmt.Errorf("cannot drop the %s column family", DefaultFamily)
	}
	cf, ok := e.families.Load(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrFamilyNotFound, name)
	}

	prefix := dataKey(cf.ID, nil)
	batch := e.db.NewBatch()
	defer batch.Close()

	if err := batch.DeleteRange(prefix, prefixUpperBound(prefix), nil); err != nil {
		return err
	}
	if err := batch.Delete(metaKey(familyKeyPrefix+name), nil); err != nil {
		return err
	}
	if err := batch.Commit(e.writeOpts()); err != nil {
		return fmt.Errorf("failed to drop column family %s: %w", name, err)
	}

	e.families.Delete(name)
	return nil
}

func (e *Engine) writeOpts() *pebble.WriteOptions {
	if e.sync {
		return pebble.Sync
	}
	return pebble.NoSync
}

// LatestSequence reports the last assigned commit sequence number.
func (e *Engine) LatestSequence() uint64 { return e.commitSeq.Load() }

// FlushedSequence reports the durability watermark: every commit with a
// sequence at or below it has been flushed out of the memtables.
func (e *Engine) FlushedSequence() uint64 { return e.flushedSeq.Load() }

// Flush forces the memtables to disk, advances the flushed watermark to
// the latest commit sequence observed before the flush started, and
// notifies flush listeners.
func (e *Engine) Flush() error {
	if e.closed.Load() {
		return ErrClosed
	}

	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	seq := e.commitSeq.Load()
	if err := e.db.Flush(); err != nil {
		return fmt.Errorf("engine flush failed: %w", err)
	}
	e.flushedSeq.Store(seq)

	telemetry.EngineFlushesTotal.Inc()
	telemetry.EngineFlushedSequence.Set(float64(seq))

	e.listenerMu.RLock()
	listeners := make([]func(uint64), 0, len(e.flushListeners))
	for _, fn := range e.flushListeners {
		listeners = append(listeners, fn)
	}
	e.listenerMu.RUnlock()

	// Invoked outside the listener lock so callbacks may re-enter.
	for _, fn := range listeners {
		fn(seq)
	}

	log.Debug().Str("path", e.path).Uint64("seq", seq).Msg("Engine flushed")
	return nil
}

// OnFlush registers fn to run after each flush with the new watermark.
// The returned func removes the registration.
func (e *Engine) OnFlush(fn func(seq uint64)) (cancel func()) {
	e.listenerMu.Lock()
	e.nextListenerID++
	id := e.nextListenerID
	e.flushListeners[id] = fn
	e.listenerMu.Unlock()

	return func() {
		e.listenerMu.Lock()
		delete(e.flushListeners, id)
		e.listenerMu.Unlock()
	}
}

// Get reads the latest committed value outside any transaction.
func (e *Engine) Get(cf *ColumnFamily, key []byte) ([]byte, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	val, closer, err := e.db.Get(dataKey(cf.ID, key))
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
