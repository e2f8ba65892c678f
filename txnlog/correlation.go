package txnlog

import "math/bits"

// correlationTable samples (committed position, engine sequence) pairs
// into a fixed number of slots by binary decimation: the slot for each
// insert is the trailing-zero count of a monotonic counter, capped at
// the last slot. Slot 0 turns over every other insert, slot 1 every
// fourth, so recent correlations stay precise while old ones thin out
// without the table ever growing.
type correlationTable struct {
	slots   []correlationSlot
	counter uint64
}

type correlationSlot struct {
	pos       Position
	engineSeq uint64
	set       bool
}

func newCorrelationTable(size int) *correlationTable {
	if size < 1 {
		size = 1
	}
	return &correlationTable{slots: make([]correlationSlot, size)}
}

func (t *correlationTable) insert(pos Position, engineSeq uint64) {
	t.counter++
	slot := bits.TrailingZeros64(t.counter)
	if slot >= len(t.slots) {
		slot = len(t.slots) - 1
	}
	t.slots[slot] = correlationSlot{pos: pos, engineSeq: engineSeq, set: true}
}

// latestAtOrBelow returns the most advanced sampled position whose
// engine sequence is at or below engineSeq.
func (t *correlationTable) latestAtOrBelow(engineSeq uint64) (Position, bool) {
	var best Position
	found := false
	for _, s := range t.slots {
		if !s.set || s.engineSeq > engineSeq {
			continue
		}
		if !found || best.Less(s.pos) {
			best = s.pos
			found = true
		}
	}
	return best, found
}
