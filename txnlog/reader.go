package txnlog

import (
	"io"
	"sort"
)

// Reader iterates entries of a store in log order, stopping at the
// committed boundary so a consumer never observes a batch whose engine
// commit is still pending.
type Reader struct {
	s   *Store
	pos Position
}

// ReadFrom returns a reader starting at pos. A position inside a purged
// segment resumes at the oldest surviving one.
func (s *Store) ReadFrom(pos Position) *Reader {
	return &Reader{s: s, pos: pos}
}

// Position returns the position of the next entry the reader would
// return.
func (r *Reader) Position() Position {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.pos
}

// Next returns the next committed entry and advances the reader.
// io.EOF means the committed boundary was reached; later calls resume
// once more batches commit.
func (r *Reader) Next() (Entry, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Entry{}, ErrClosed
	}

	for {
		if !r.pos.Less(s.lastCommitted) {
			return Entry{}, io.EOF
		}

		i := sort.Search(len(s.segments), func(i int) bool {
			return s.segments[i].seq >= r.pos.Seq
		})
		if i == len(s.segments) {
			return Entry{}, io.EOF
		}
		seg := s.segments[i]
		if seg.seq > r.pos.Seq || r.pos.Offset < headerSize {
			r.pos = Position{Seq: seg.seq, Offset: headerSize}
			continue
		}

		f, err := s.readerFor(seg)
		if err != nil {
			return Entry{}, err
		}
		entry, next, err := seg.readEntryAt(f, r.pos.Offset)
		if err == io.EOF {
			// End of this segment, move to the next one.
			r.pos = Position{Seq: seg.seq + 1, Offset: headerSize}
			continue
		}
		if err != nil {
			return Entry{}, err
		}

		r.pos = Position{Seq: seg.seq, Offset: next}
		if entry.Aborted() {
			continue
		}
		return entry, nil
	}
}
