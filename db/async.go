package db

import (
	"sync"
	"sync/atomic"
	"time"
)

// workerPool runs blocking engine calls off the caller's goroutine so
// async reads and commits never stall user-facing scheduling.
type workerPool struct {
	mu     sync.RWMutex
	tasks  chan func()
	wg     sync.WaitGroup
	closed bool
}

func newWorkerPool(workers int) *workerPool {
	if workers < 1 {
		workers = 1
	}
	p := &workerPool{tasks: make(chan func(), workers*4)}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer p.wg.Done()
			for task := range p.tasks {
				task()
			}
		}()
	}
	return p
}

// submit schedules a task, reporting false once the pool has closed.
// Falls back to a dedicated goroutine when the queue is saturated so a
// full pool cannot deadlock a completion that itself submits work.
func (p *workerPool) submit(task func()) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.tasks <- task:
	default:
		go task()
	}
	return true
}

func (p *workerPool) close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// asyncTracker implements the close-time drain protocol shared by
// Handles and Transactions. Every async operation registers before its
// execution phase, marks itself executed once the blocking call is past,
// and unregisters after its completion phase. Close sets the canceled
// flag, then waits (bounded) until every operation is either gone or at
// least past execution.
type asyncTracker struct {
	mu       sync.Mutex
	cond     *sync.Cond
	ops      map[uint64]bool // id -> executed
	nextID   uint64
	canceled atomic.Bool
}

func newAsyncTracker() *asyncTracker {
	t := &asyncTracker{ops: make(map[uint64]bool)}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// register adds an operation. ok is false when the owner was already
// canceled, in which case the operation must not start.
func (t *asyncTracker) register() (uint64, bool) {
	if t.canceled.Load() {
		return 0, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := t.nextID
	t.ops[id] = false
	return id, true
}

// markExecuted records that the operation's blocking phase finished.
func (t *asyncTracker) markExecuted(id uint64) {
	t.mu.Lock()
	if _, ok := t.ops[id]; ok {
		t.ops[id] = true
	}
	t.mu.Unlock()
	t.cond.Broadcast()
}

func (t *asyncTracker) unregister(id uint64) {
	t.mu.Lock()
	delete(t.ops, id)
	t.mu.Unlock()
	t.cond.Broadcast()
}

// isCanceled is checked cooperatively inside execution phases.
func (t *asyncTracker) isCanceled() bool {
	return t.canceled.Load()
}

// drained reports whether every operation is unregistered or past its
// execution phase. Caller holds t.mu.
func (t *asyncTracker) drained() bool {
	for _, executed := range t.ops {
		if !executed {
			return false
		}
	}
	return true
}

// cancelAndDrain flags cancellation and waits up to timeout for the
// drain condition. ErrDrainTimeout is advisory; the owner proceeds with
// teardown either way.
func (t *asyncTracker) cancelAndDrain(timeout time.Duration) error {
	t.canceled.Store(true)

	deadline := time.Now().Add(timeout)
	expired := atomic.Bool{}
	timer := time.AfterFunc(timeout, func() {
		expired.Store(true)
		t.cond.Broadcast()
	})
	defer timer.Stop()

	t.mu.Lock()
	defer t.mu.Unlock()
	for !t.drained() {
		if expired.Load() || !time.Now().Before(deadline) {
			return ErrDrainTimeout
		}
		t.cond.Wait()
	}
	return nil
}
