package db

import (
	"fmt"
	"sync"

	"github.com/gobwas/glob"
)

// EventCommitted fires on a Descriptor's listener table after every
// successful transaction commit. Args: transaction id (uint32), engine
// commit sequence (uint64), log position (txnlog.Position, zero when no
// store was bound).
const EventCommitted = "committed"

// ListenerFn receives the event name that matched and the notifier's
// arguments.
type ListenerFn func(event string, args ...any)

type listenerEntry struct {
	owner   *Handle
	pattern glob.Glob
	fn      ListenerFn
}

// listenerTable is a Descriptor's event fan-out. Patterns are globs so
// one registration can watch a family of events. Callbacks run outside
// the table lock.
type listenerTable struct {
	mu      sync.RWMutex
	next    uint64
	entries map[uint64]*listenerEntry
}

func newListenerTable() *listenerTable {
	return &listenerTable{entries: make(map[uint64]*listenerEntry)}
}

func (t *listenerTable) add(owner *Handle, pattern string, fn ListenerFn) (uint64, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return 0, fmt.Errorf("invalid listener pattern %q: %w", pattern, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	id := t.next
	t.entries[id] = &listenerEntry{owner: owner, pattern: g, fn: fn}
	return id, nil
}

func (t *listenerTable) remove(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, id)
}

func (t *listenerTable) removeOwner(owner *Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, e := range t.entries {
		if e.owner == owner {
			delete(t.entries, id)
		}
	}
}

func (t *listenerTable) notify(event string, args ...any) {
	t.mu.RLock()
	var matched []ListenerFn
	for _, e := range t.entries {
		if e.owner != nil && e.owner.isClosed() {
			continue
		}
		if e.pattern.Match(event) {
			matched = append(matched, e.fn)
		}
	}
	t.mu.RUnlock()

	for _, fn := range matched {
		fn(event, args...)
	}
}

func (t *listenerTable) count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
