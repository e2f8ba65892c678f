package db

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/stratumdb/stratum/engine"
	"github.com/stratumdb/stratum/telemetry"
	"github.com/stratumdb/stratum/txnlog"
)

// Descriptor is the shared state for one open database path: the engine
// handle, live transactions, closable resources, the lock manager, the
// listener table, and any bound transaction log stores. Jointly owned
// by the Registry and every Handle; torn down when the last handle
// closes. Each mutable collection has its own mutex, held only for map
// manipulation and never across a callback.
type Descriptor struct {
	path     string
	mode     engine.Isolation
	eng      *engine.Engine
	registry *Registry
	log      zerolog.Logger

	refMu sync.Mutex
	refs  int // includes the registry's own implicit reference

	txnMu sync.Mutex
	txns  map[uint32]*Transaction

	closableMu   sync.Mutex
	nextClosable uint64
	closables    map[uint64]io.Closer

	logMu     sync.Mutex
	logStores map[string]*txnlog.Store

	locks     *LockManager
	listeners *listenerTable
	pool      *workerPool

	flushCancel func()
	purgeStop   chan struct{}
	purgeDone   chan struct{}
}

func newDescriptor(reg *Registry, path string, opts OpenOptions) (*Descriptor, error) {
	engOpts := engine.DefaultOptions()
	engOpts.Isolation = opts.Mode
	engOpts.DisableSync = opts.DisableSync
	if opts.BlockCacheSize > 0 {
		engOpts.BlockCacheSize = opts.BlockCacheSize
	} else if reg.cfg.Engine.BlockCacheSizeMB > 0 {
		engOpts.BlockCacheSize = reg.cfg.Engine.BlockCacheSizeMB << 20
	}
	if opts.Parallelism > 0 {
		engOpts.Parallelism = opts.Parallelism
	} else if reg.cfg.Engine.Parallelism > 0 {
		engOpts.Parallelism = reg.cfg.Engine.Parallelism
	}
	if reg.cfg.Engine.MemTableSizeMB > 0 {
		engOpts.MemTableSize = uint64(reg.cfg.Engine.MemTableSizeMB) << 20
	}
	if reg.cfg.Engine.MemTableCount > 0 {
		engOpts.MemTableCount = reg.cfg.Engine.MemTableCount
	}

	eng, err := engine.Open(path, engOpts)
	if err != nil {
		return nil, fmt.Errorf("unable to open database at %s: %w", path, err)
	}

	d := &Descriptor{
		path:      path,
		mode:      opts.Mode,
		eng:       eng,
		registry:  reg,
		log:       log.With().Str("database", path).Logger(),
		refs:      1, // the registry's implicit reference
		txns:      make(map[uint32]*Transaction),
		closables: make(map[uint64]io.Closer),
		logStores: make(map[string]*txnlog.Store),
		locks:     newLockManager(path),
		listeners: newListenerTable(),
		pool:      newWorkerPool(reg.cfg.Async.WorkerCount),
		purgeStop: make(chan struct{}),
		purgeDone: make(chan struct{}),
	}

	// Stores written in earlier runs must keep correlating flushes even
	// before anything rebinds them.
	names, err := txnlog.ListStores(path)
	if err != nil {
		eng.Close()
		return nil, err
	}
	for _, name := range names {
		if _, err := d.openLogStore(name); err != nil {
			d.closeLogStores()
			eng.Close()
			return nil, err
		}
	}

	d.flushCancel = eng.OnFlush(d.onEngineFlush)
	go d.purgeLoop(reg.purgeInterval())

	return d, nil
}

// Path returns the database's filesystem path.
func (d *Descriptor) Path() string { return d.path }

// Mode returns the isolation mode the descriptor was opened under.
func (d *Descriptor) Mode() engine.Isolation { return d.mode }

// Engine exposes the underlying engine, shared read-mostly across all
// Handles.
func (d *Descriptor) Engine() *engine.Engine { return d.eng }

// Locks returns the descriptor's lock manager.
func (d *Descriptor) Locks() *LockManager { return d.locks }

// Flush forces an engine flush, advancing the durability watermark and
// driving the log stores' flush trackers.
func (d *Descriptor) Flush() error { return d.eng.Flush() }

// onEngineFlush pushes the new durability watermark into every loaded
// log store's correlation state.
func (d *Descriptor) onEngineFlush(seq uint64) {
	d.logMu.Lock()
	stores := make([]*txnlog.Store, 0, len(d.logStores))
	for _, s := range d.logStores {
		stores = append(stores, s)
	}
	d.logMu.Unlock()

	for _, s := range stores {
		if err := s.DatabaseFlushed(seq); err != nil {
			d.log.Warn().Err(err).Str("store", s.Name()).Msg("Flush checkpoint failed")
		}
	}
}

func (d *Descriptor) purgeLoop(interval time.Duration) {
	defer close(d.purgeDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.purgeStop:
			return
		case <-ticker.C:
			d.logMu.Lock()
			stores := make([]*txnlog.Store, 0, len(d.logStores))
			for _, s := range d.logStores {
				stores = append(stores, s)
			}
			d.logMu.Unlock()

			for _, s := range stores {
				if err := s.Purge(false); err != nil {
					d.log.Warn().Err(err).Str("store", s.Name()).Msg("Retention purge failed")
				}
			}
		}
	}
}

// LogStore returns the named transaction log store, opening or creating
// it on first use.
func (d *Descriptor) LogStore(name string) (*txnlog.Store, error) {
	d.logMu.Lock()
	defer d.logMu.Unlock()
	return d.openLogStore(name)
}

// openLogStore requires d.logMu except during construction.
func (d *Descriptor) openLogStore(name string) (*txnlog.Store, error) {
	if s, ok := d.logStores[name]; ok {
		return s, nil
	}
	s, err := txnlog.Open(d.path, name, d.registry.logOptions())
	if err != nil {
		return nil, fmt.Errorf("unable to open log store %s: %w", name, err)
	}
	d.logStores[name] = s
	return s, nil
}

// LogStoreNames lists the loaded stores.
func (d *Descriptor) LogStoreNames() []string {
	d.logMu.Lock()
	defer d.logMu.Unlock()
	names := make([]string, 0, len(d.logStores))
	for name := range d.logStores {
		names = append(names, name)
	}
	return names
}

func (d *Descriptor) closeLogStores() {
	d.logMu.Lock()
	stores := d.logStores
	d.logStores = make(map[string]*txnlog.Store)
	d.logMu.Unlock()

	for name, s := range stores {
		if err := s.Close(); err != nil {
			d.log.Warn().Err(err).Str("store", name).Msg("Log store close failed")
		}
	}
}

func (d *Descriptor) registerTxn(t *Transaction) {
	d.txnMu.Lock()
	d.txns[t.id] = t
	d.txnMu.Unlock()
}

func (d *Descriptor) deregisterTxn(id uint32) {
	d.txnMu.Lock()
	delete(d.txns, id)
	d.txnMu.Unlock()
}

func (d *Descriptor) txnCount() int {
	d.txnMu.Lock()
	defer d.txnMu.Unlock()
	return len(d.txns)
}

// AddClosable registers a resource torn down with the descriptor, such
// as an iterator. The returned id releases it early.
func (d *Descriptor) AddClosable(c io.Closer) uint64 {
	d.closableMu.Lock()
	defer d.closableMu.Unlock()
	d.nextClosable++
	id := d.nextClosable
	d.closables[id] = c
	return id
}

// RemoveClosable drops a closable without closing it.
func (d *Descriptor) RemoveClosable(id uint64) {
	d.closableMu.Lock()
	defer d.closableMu.Unlock()
	delete(d.closables, id)
}

// teardown destroys the descriptor: closables first, then live
// transactions, then log stores, then the engine. Best effort
// throughout; failures are logged, not returned, so partial cleanup
// cannot wedge a close.
func (d *Descriptor) teardown() {
	close(d.purgeStop)
	<-d.purgeDone
	if d.flushCancel != nil {
		d.flushCancel()
	}

	d.closableMu.Lock()
	closables := d.closables
	d.closables = make(map[uint64]io.Closer)
	d.closableMu.Unlock()
	for _, c := range closables {
		if err := c.Close(); err != nil {
			d.log.Warn().Err(err).Msg("Closable teardown failed")
		}
	}

	d.txnMu.Lock()
	txns := make([]*Transaction, 0, len(d.txns))
	for _, t := range d.txns {
		txns = append(txns, t)
	}
	d.txns = make(map[uint32]*Transaction)
	d.txnMu.Unlock()
	for _, t := range txns {
		t.forceClose()
	}

	d.pool.close()
	d.closeLogStores()

	if err := d.eng.Close(); err != nil {
		d.log.Warn().Err(err).Msg("Engine close failed")
	}
	telemetry.OpenDescriptors.Dec()
	d.log.Info().Msg("Database closed")
}
