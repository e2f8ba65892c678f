package db

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/stratumdb/stratum/telemetry"
)

// Awaitable is anything a lock callback can return to defer queue
// advancement until it settles. *future.Future[any] satisfies it.
type Awaitable interface {
	Get() (any, error)
}

// LockFn is a lock callback. It may return a plain value, an error, or
// an Awaitable whose settlement completes the callback.
type LockFn func() any

type lockWaiter struct {
	owner    *Handle
	fn       LockFn
	promise  *future.Promise[any]
	enqueued time.Time
	settled  atomic.Bool
}

// settle resolves the waiter's promise exactly once, regardless of
// which completion path fires.
func (w *lockWaiter) settle(val any, err error) {
	if w.promise == nil || w.settled.Swap(true) {
		return
	}
	w.promise.Set(val, err)
}

type lockQueue struct {
	mu      sync.Mutex
	waiters []*lockWaiter
	dead    bool
	// running guards the one-callback-per-key invariant. A CAS, not a
	// blocking lock, so no scheduling goroutine ever waits on user code.
	running atomic.Bool
}

// LockManager is a table of per-key cooperative mutexes scoped to one
// Descriptor. Callbacks for the same key run one at a time in enqueue
// order; callbacks for different keys are independent.
type LockManager struct {
	mu   sync.Mutex
	keys map[string]*lockQueue
	log  zerolog.Logger
}

func newLockManager(path string) *LockManager {
	return &LockManager{
		keys: make(map[string]*lockQueue),
		log:  log.With().Str("database", path).Logger(),
	}
}

func (lm *LockManager) queue(key string) *lockQueue {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.keys[key]
}

func (lm *LockManager) enqueue(key string, w *lockWaiter) {
	for {
		lm.mu.Lock()
		q := lm.keys[key]
		if q == nil {
			q = &lockQueue{}
			lm.keys[key] = q
		}
		lm.mu.Unlock()

		q.mu.Lock()
		if q.dead {
			q.mu.Unlock()
			continue
		}
		q.waiters = append(q.waiters, w)
		q.mu.Unlock()

		telemetry.LockQueueDepth.Inc()
		return
	}
}

// reapIfIdle removes a key's queue once it is empty with nothing
// running. The dead flag makes a racing enqueue retry against a fresh
// queue instead of appending to the removed one.
func (lm *LockManager) reapIfIdle(key string, q *lockQueue) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.waiters) == 0 && !q.running.Load() && lm.keys[key] == q {
		q.dead = true
		delete(lm.keys, key)
	}
}

// TryLock enqueues fn for key and runs it immediately when it is the
// only waiter. Otherwise fn runs once every earlier callback for the
// key has completed.
func (lm *LockManager) TryLock(key string, owner *Handle, fn LockFn) {
	lm.enqueue(key, &lockWaiter{owner: owner, fn: fn, enqueued: time.Now()})
	lm.advance(key)
}

// WithLock behaves like TryLock and returns a future that settles with
// the callback's result, or with the result of the Awaitable the
// callback returned.
func (lm *LockManager) WithLock(key string, owner *Handle, fn LockFn) *future.Future[any] {
	p := future.NewPromise[any]()
	lm.enqueue(key, &lockWaiter{owner: owner, fn: fn, promise: p, enqueued: time.Now()})
	lm.advance(key)
	return p.Future()
}

// advance runs queued callbacks for key while the running guard can be
// claimed. Synchronous callbacks complete inline and the loop keeps
// draining; an asynchronous one parks the queue until its Awaitable
// settles.
func (lm *LockManager) advance(key string) {
	for {
		q := lm.queue(key)
		if q == nil || !q.running.CompareAndSwap(false, true) {
			return
		}

		q.mu.Lock()
		var w *lockWaiter
		if len(q.waiters) > 0 {
			w = q.waiters[0]
			q.waiters = q.waiters[1:]
		}
		q.mu.Unlock()
		if w != nil {
			telemetry.LockQueueDepth.Dec()
		}

		if w == nil {
			q.running.Store(false)
			lm.reapIfIdle(key, q)
			// A waiter may have slipped in between the pop and the
			// guard release; re-check before giving up.
			if q2 := lm.queue(key); q2 != nil {
				q2.mu.Lock()
				pending := len(q2.waiters) > 0
				q2.mu.Unlock()
				if pending {
					continue
				}
			}
			return
		}

		if lm.invoke(key, q, w) {
			q.running.Store(false)
			continue
		}
		return
	}
}

// invoke runs one callback outside every table mutex. Returns true when
// the callback completed synchronously; false when completion was
// handed to an Awaitable, which will release the guard and re-advance.
func (lm *LockManager) invoke(key string, q *lockQueue, w *lockWaiter) bool {
	telemetry.LockWaitSeconds.Observe(time.Since(w.enqueued).Seconds())

	// Orphaned registrations must never fire after their owner closed.
	if w.owner != nil && w.owner.isClosed() {
		w.settle(nil, ErrAlreadyClosed)
		return true
	}

	result := w.fn()
	switch v := result.(type) {
	case Awaitable:
		go func() {
			val, err := v.Get()
			w.settle(val, err)
			telemetry.LockReleasesTotal.With("completed").Inc()
			q.running.Store(false)
			lm.advance(key)
		}()
		return false
	case error:
		w.settle(nil, v)
	default:
		w.settle(v, nil)
	}
	telemetry.LockReleasesTotal.With("completed").Inc()
	return true
}

// Unlock force-drains key's queue, running every pending callback in
// FIFO order on the calling goroutine. Awaitable results are waited on
// so ordering holds.
func (lm *LockManager) Unlock(key string) {
	q := lm.queue(key)
	if q == nil {
		return
	}

	q.mu.Lock()
	drained := q.waiters
	q.waiters = nil
	q.mu.Unlock()

	for _, w := range drained {
		if w.owner != nil && w.owner.isClosed() {
			w.settle(nil, ErrAlreadyClosed)
			continue
		}
		result := w.fn()
		if v, ok := result.(Awaitable); ok {
			val, err := v.Get()
			w.settle(val, err)
		} else if err, ok := result.(error); ok {
			w.settle(nil, err)
		} else {
			w.settle(result, nil)
		}
	}

	telemetry.LockQueueDepth.Sub(float64(len(drained)))
	telemetry.LockReleasesTotal.With("unlock").Add(float64(len(drained)))
	lm.reapIfIdle(key, q)
}

// HasLock reports whether any callback is queued or running for key.
func (lm *LockManager) HasLock(key string) bool {
	return lm.queue(key) != nil
}

// ReleaseOwner drops every queued registration owned by owner, or whose
// owner is already closed, settling their promises as closed. Used when
// a Handle shuts down.
func (lm *LockManager) ReleaseOwner(owner *Handle) {
	lm.mu.Lock()
	queues := make(map[string]*lockQueue, len(lm.keys))
	for key, q := range lm.keys {
		queues[key] = q
	}
	lm.mu.Unlock()

	released := 0
	for key, q := range queues {
		q.mu.Lock()
		kept := q.waiters[:0]
		for _, w := range q.waiters {
			if w.owner == owner || (w.owner != nil && w.owner.isClosed()) {
				w.settle(nil, ErrAlreadyClosed)
				released++
				continue
			}
			kept = append(kept, w)
		}
		q.waiters = kept
		q.mu.Unlock()
		lm.reapIfIdle(key, q)
	}

	if released > 0 {
		telemetry.LockQueueDepth.Sub(float64(released))
		telemetry.LockReleasesTotal.With("owner_closed").Add(float64(released))
		lm.log.Debug().Int("released", released).Msg("Released lock registrations for closed handle")
	}
}

// Count returns the number of keys with live queues.
func (lm *LockManager) Count() int {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return len(lm.keys)
}
