package db

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/stratumdb/stratum/cfg"
	"github.com/stratumdb/stratum/engine"
	"github.com/stratumdb/stratum/telemetry"
	"github.com/stratumdb/stratum/txnlog"
)

// OpenOptions selects how a database path is opened. The isolation mode
// is fixed at first open; later opens must match it.
type OpenOptions struct {
	Mode           engine.Isolation
	BlockCacheSize int64 // bytes, 0 means configured default
	Parallelism    int
	Family         string // column family, default family when empty
	DisableSync    bool
}

type registryEntry struct {
	desc    *Descriptor
	closing bool
	done    chan struct{} // closed once teardown finishes
}

// Registry arbitrates one Descriptor per database path. It is an
// explicit service object constructed once at process start and handed
// to everything that opens databases; there is no package-level
// instance.
type Registry struct {
	cfg *cfg.Configuration
	log zerolog.Logger

	mu      sync.Mutex
	entries map[string]*registryEntry
	closed  bool
}

// NewRegistry builds a registry around the given configuration.
func NewRegistry(c *cfg.Configuration) *Registry {
	return &Registry{
		cfg:     c,
		log:     log.With().Str("component", "registry").Logger(),
		entries: make(map[string]*registryEntry),
	}
}

func (r *Registry) logOptions() txnlog.Options {
	opts := txnlog.DefaultOptions()
	if r.cfg.TxnLog.MaxSegmentSizeMB > 0 {
		opts.MaxSegmentSize = int64(r.cfg.TxnLog.MaxSegmentSizeMB) << 20
	}
	if r.cfg.TxnLog.RetentionHours > 0 {
		opts.Retention = time.Duration(r.cfg.TxnLog.RetentionHours) * time.Hour
	}
	if r.cfg.TxnLog.MaxAgeThreshold > 0 {
		opts.MaxAgeThreshold = r.cfg.TxnLog.MaxAgeThreshold
	}
	if r.cfg.TxnLog.CorrelationSlots > 0 {
		opts.CorrelationSlots = r.cfg.TxnLog.CorrelationSlots
	}
	return opts
}

func (r *Registry) purgeInterval() time.Duration {
	if s := r.cfg.TxnLog.PurgeIntervalS; s > 0 {
		return time.Duration(s) * time.Second
	}
	return time.Minute
}

func (r *Registry) drainTimeout() time.Duration {
	if ms := r.cfg.Async.DrainTimeoutMS; ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return 5 * time.Second
}

// Open returns a handle on the database at path, creating its
// Descriptor on first open and reusing it afterwards. A mode conflict
// with the live Descriptor fails with ErrModeMismatch; a Descriptor
// mid-close blocks the open until teardown finishes, then a fresh one
// is created.
func (r *Registry) Open(path string, opts OpenOptions) (*Handle, error) {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrAlreadyClosed
		}

		e := r.entries[path]
		switch {
		case e == nil:
			desc, err := newDescriptor(r, path, opts)
			if err != nil {
				r.mu.Unlock()
				telemetry.OpensTotal.With("error").Inc()
				return nil, err
			}
			e = &registryEntry{desc: desc, done: make(chan struct{})}
			r.entries[path] = e
			telemetry.OpenDescriptors.Inc()
			telemetry.OpensTotal.With("created").Inc()
			r.log.Info().Str("path", path).Stringer("mode", opts.Mode).Msg("Database opened")

		case e.closing:
			done := e.done
			r.mu.Unlock()
			<-done
			continue

		default:
			if e.desc.mode != opts.Mode {
				r.mu.Unlock()
				telemetry.OpensTotal.With("mode_mismatch").Inc()
				return nil, fmt.Errorf("%s is open as %s: %w", path, e.desc.mode, ErrModeMismatch)
			}
			telemetry.OpensTotal.With("reused").Inc()
		}

		desc := e.desc
		desc.refMu.Lock()
		desc.refs++
		desc.refMu.Unlock()
		r.mu.Unlock()
		telemetry.DescriptorRefs.Inc()

		h, err := r.newHandle(desc, opts)
		if err != nil {
			r.release(desc)
			telemetry.DescriptorRefs.Dec()
			return nil, err
		}
		return h, nil
	}
}

func (r *Registry) newHandle(desc *Descriptor, opts OpenOptions) (*Handle, error) {
	name := opts.Family
	if name == "" {
		name = engine.DefaultFamily
	}
	family, err := desc.eng.ColumnFamily(name)
	if errors.Is(err, engine.ErrFamilyNotFound) {
		family, err = desc.eng.CreateColumnFamily(name)
	}
	if err != nil {
		return nil, err
	}

	return &Handle{
		desc:    desc,
		reg:     r,
		family:  family,
		tracker: newAsyncTracker(),
		log:     desc.log.With().Str("family", name).Logger(),
	}, nil
}

// Close detaches a handle: cancels and drains its async operations
// (bounded), releases its lock and listener registrations, and drops
// its Descriptor reference. Dropping the last handle reference tears
// the Descriptor down and wakes any opener blocked on the path.
func (r *Registry) Close(h *Handle) error {
	if h.closed.Swap(true) {
		return nil
	}

	if err := h.tracker.cancelAndDrain(r.drainTimeout()); err != nil {
		h.log.Warn().Err(err).Msg("Async drain timed out during close")
	}
	h.desc.locks.ReleaseOwner(h)
	h.desc.listeners.removeOwner(h)

	r.release(h.desc)
	telemetry.DescriptorRefs.Dec()
	return nil
}

// release drops one descriptor reference, tearing it down when only the
// registry's implicit reference remains.
func (r *Registry) release(d *Descriptor) {
	r.mu.Lock()
	d.refMu.Lock()
	d.refs--
	last := d.refs <= 1
	d.refMu.Unlock()

	if !last {
		r.mu.Unlock()
		return
	}
	e := r.entries[d.path]
	if e == nil || e.desc != d || e.closing {
		r.mu.Unlock()
		return
	}
	e.closing = true
	r.mu.Unlock()

	d.teardown()

	r.mu.Lock()
	delete(r.entries, d.path)
	r.mu.Unlock()
	close(e.done)
}

// Destroy closes the database at path and removes its on-disk data,
// including its transaction log directory. It fails loudly with
// ErrReferencesRemain while handles are still attached; a stray
// reference means the caller has not released everything it owns.
func (r *Registry) Destroy(path string) error {
	r.mu.Lock()
	e := r.entries[path]
	if e != nil && !e.closing {
		d := e.desc
		d.refMu.Lock()
		refs := d.refs
		d.refMu.Unlock()
		if refs > 1 {
			r.mu.Unlock()
			return fmt.Errorf("%s still has %d handle(s): %w", path, refs-1, ErrReferencesRemain)
		}

		e.closing = true
		r.mu.Unlock()
		d.teardown()
		r.mu.Lock()
		delete(r.entries, path)
		r.mu.Unlock()
		close(e.done)
	} else {
		r.mu.Unlock()
	}

	if err := engine.Destroy(path); err != nil {
		return fmt.Errorf("unable to remove database files: %w", err)
	}
	if err := os.RemoveAll(txnlog.BaseDir(path)); err != nil {
		return fmt.Errorf("unable to remove transaction logs: %w", err)
	}
	r.log.Info().Str("path", path).Msg("Database destroyed")
	return nil
}

// Shutdown force-closes every open Descriptor. Used at process
// teardown; handles left open become inert.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	entries := make([]*registryEntry, 0, len(r.entries))
	for _, e := range r.entries {
		if !e.closing {
			e.closing = true
			entries = append(entries, e)
		}
	}
	r.mu.Unlock()

	for _, e := range entries {
		e.desc.teardown()
		close(e.done)
	}

	r.mu.Lock()
	r.entries = make(map[string]*registryEntry)
	r.mu.Unlock()
	r.log.Info().Int("databases", len(entries)).Msg("Registry shut down")
}

// PathStatus is one database's diagnostic snapshot.
type PathStatus struct {
	Path         string   `json:"path"`
	Mode         string   `json:"mode"`
	Handles      int      `json:"handles"`
	Transactions int      `json:"transactions"`
	LockedKeys   int      `json:"locked_keys"`
	Listeners    int      `json:"listeners"`
	LogStores    []string `json:"log_stores"`
}

// RegistryStatus is the diagnostic snapshot served by the admin
// surface.
type RegistryStatus struct {
	Databases []PathStatus `json:"databases"`
}

// LogStoreStatus is one log store's position snapshot.
type LogStoreStatus struct {
	Name           string          `json:"name"`
	Head           txnlog.Position `json:"head"`
	LastCommitted  txnlog.Position `json:"last_committed"`
	Flushed        txnlog.Position `json:"flushed"`
	PendingBatches int             `json:"pending_batches"`
}

// LogStores reports position snapshots for every log store of the
// database at path. The database must currently be open.
func (r *Registry) LogStores(path string) ([]LogStoreStatus, error) {
	r.mu.Lock()
	e := r.entries[path]
	if e == nil || e.closing {
		r.mu.Unlock()
		return nil, fmt.Errorf("database %s is not open", path)
	}
	d := e.desc
	r.mu.Unlock()

	names := d.LogStoreNames()
	stores := make([]LogStoreStatus, 0, len(names))
	for _, name := range names {
		s, err := d.LogStore(name)
		if err != nil {
			return nil, err
		}
		stores = append(stores, LogStoreStatus{
			Name:           name,
			Head:           s.Head(),
			LastCommitted:  s.LastCommitted(),
			Flushed:        s.FlushedPosition(),
			PendingBatches: s.PendingBatches(),
		})
	}
	return stores, nil
}

// Status reports every open database's mode, reference count, and
// resource counts.
func (r *Registry) Status() RegistryStatus {
	r.mu.Lock()
	descs := make([]*Descriptor, 0, len(r.entries))
	for _, e := range r.entries {
		if !e.closing {
			descs = append(descs, e.desc)
		}
	}
	r.mu.Unlock()

	status := RegistryStatus{Databases: make([]PathStatus, 0, len(descs))}
	for _, d := range descs {
		d.refMu.Lock()
		refs := d.refs
		d.refMu.Unlock()

		status.Databases = append(status.Databases, PathStatus{
			Path:         d.path,
			Mode:         d.mode.String(),
			Handles:      refs - 1,
			Transactions: d.txnCount(),
			LockedKeys:   d.locks.Count(),
			Listeners:    d.listeners.count(),
			LogStores:    d.LogStoreNames(),
		})
	}
	return status
}
