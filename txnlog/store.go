package txnlog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/stratumdb/stratum/telemetry"
)

const (
	trackerFileName  = "flushed"
	storeDirSuffix   = "-txnlog"
	readerCacheSize  = 8
	defaultCorrSlots = 32
)

// Options controls segment rotation, retention, and correlation
// sampling for one store.
type Options struct {
	// MaxSegmentSize rotates the current segment once its size would
	// exceed this many bytes.
	MaxSegmentSize int64
	// Retention is how long a segment is kept after creation. Purge
	// deletes older segments; rotation also triggers once a segment's
	// age crosses Retention × (1 − MaxAgeThreshold).
	Retention time.Duration
	// MaxAgeThreshold is the fraction of Retention kept in reserve so
	// a segment never ages out while still accepting writes.
	MaxAgeThreshold float64
	// CorrelationSlots bounds the position/sequence sampling table.
	CorrelationSlots int
}

// DefaultOptions returns the rotation and retention defaults.
func DefaultOptions() Options {
	return Options{
		MaxSegmentSize:   16 << 20,
		Retention:        72 * time.Hour,
		MaxAgeThreshold:  0.25,
		CorrelationSlots: defaultCorrSlots,
	}
}

// BaseDir returns the directory holding every log store of the database
// at dbPath.
func BaseDir(dbPath string) string {
	return dbPath + storeDirSuffix
}

// StoreDir returns the directory of one named store.
func StoreDir(dbPath, name string) string {
	return filepath.Join(BaseDir(dbPath), name)
}

// ListStores returns the names of stores present under a database's log
// directory. A missing directory is an empty list.
func ListStores(dbPath string) ([]string, error) {
	entries, err := os.ReadDir(BaseDir(dbPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("unable to list log stores: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// Store is a named, rotating sequence of log segments. Writes append
// whole commit batches; the store tracks which written batches have
// finished their engine commit and keeps the committed boundary at the
// start of the earliest still-pending batch so replay never crosses a
// gap.
type Store struct {
	name string
	dir  string
	opts Options
	log  zerolog.Logger

	mu       sync.Mutex
	segments []*logSegment // ascending sequence order
	writer   *os.File      // append handle of the newest segment
	nextSeq  uint64
	head     Position

	// pending maps each batch's returned end position to its start.
	// starts holds every pending batch's start plus the head sentinel,
	// sorted; its minimum is the committed boundary.
	pending       map[Position]Position
	starts        []Position
	lastCommitted Position

	corr    *correlationTable
	flushed Position

	readers *lru.Cache[uint64, *os.File]
	closed  bool

	nowFn func() float64 // unix ms, replaced in tests
}

func nowMS() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Millisecond)
}

// Open opens or creates the named store under the database's log
// directory, recovering segment state, the committed boundary, and the
// persisted flush tracker.
func Open(dbPath, name string, opts Options) (*Store, error) {
	if opts.MaxSegmentSize <= 0 {
		opts.MaxSegmentSize = DefaultOptions().MaxSegmentSize
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultOptions().Retention
	}
	if opts.CorrelationSlots <= 0 {
		opts.CorrelationSlots = defaultCorrSlots
	}

	dir := StoreDir(dbPath, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("unable to create log store directory: %w", err)
	}

	readers, err := lru.NewWithEvict(readerCacheSize, func(_ uint64, f *os.File) {
		f.Close()
	})
	if err != nil {
		return nil, err
	}

	s := &Store{
		name:    name,
		dir:     dir,
		opts:    opts,
		log:     log.With().Str("log_store", name).Logger(),
		pending: make(map[Position]Position),
		corr:    newCorrelationTable(opts.CorrelationSlots),
		readers: readers,
		nowFn:   nowMS,
		nextSeq: 1,
	}

	if err := s.loadSegments(); err != nil {
		return nil, err
	}
	if err := s.loadTracker(); err != nil {
		return nil, err
	}

	s.starts = []Position{s.head}
	s.lastCommitted = s.head
	return s, nil
}

func (s *Store) loadSegments() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("unable to read log store directory: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), segmentSuffix) {
			continue
		}
		seq, err := strconv.ParseUint(strings.TrimSuffix(e.Name(), segmentSuffix), 10, 64)
		if err != nil {
			s.log.Warn().Str("file", e.Name()).Msg("Skipping unrecognized file in log store")
			continue
		}
		seg, err := openSegment(filepath.Join(s.dir, e.Name()), seq)
		if err != nil {
			return err
		}
		s.segments = append(s.segments, seg)
	}

	sort.Slice(s.segments, func(i, j int) bool {
		return s.segments[i].seq < s.segments[j].seq
	})
	if len(s.segments) == 0 {
		return nil
	}

	// Trim any zeroed tail off the newest segment so the head lands on
	// the last complete entry, then reopen it for appending.
	cur := s.segments[len(s.segments)-1]
	r, err := s.readerFor(cur)
	if err != nil {
		return err
	}
	if err := cur.extendIndex(r); err != nil {
		return err
	}

	w, err := os.OpenFile(cur.path, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("unable to reopen segment for append: %w", err)
	}
	if err := w.Truncate(cur.size); err != nil {
		w.Close()
		return fmt.Errorf("unable to trim segment tail: %w", err)
	}
	if _, err := w.Seek(cur.size, io.SeekStart); err != nil {
		w.Close()
		return err
	}

	s.writer = w
	s.nextSeq = cur.seq + 1
	s.head = Position{Seq: cur.seq, Offset: cur.size}
	return nil
}

func (s *Store) loadTracker() error {
	buf, err := os.ReadFile(filepath.Join(s.dir, trackerFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("unable to read flush tracker: %w", err)
	}
	if pos, ok := UnmarshalPosition(buf); ok {
		s.flushed = pos
	}
	return nil
}

// Name returns the store's name.
func (s *Store) Name() string {
	return s.name
}

// readerFor returns a cached read handle for a segment.
func (s *Store) readerFor(seg *logSegment) (*os.File, error) {
	if f, ok := s.readers.Get(seg.seq); ok {
		return f, nil
	}
	f, err := os.Open(seg.path)
	if err != nil {
		return nil, fmt.Errorf("unable to open segment for reading: %w", err)
	}
	s.readers.Add(seg.seq, f)
	return f, nil
}

func (s *Store) current() *logSegment {
	if len(s.segments) == 0 {
		return nil
	}
	return s.segments[len(s.segments)-1]
}

// rotate closes the current append handle and opens the next segment.
func (s *Store) rotate(cause string) error {
	if s.writer != nil {
		if err := s.writer.Close(); err != nil {
			return fmt.Errorf("unable to close segment: %w", err)
		}
		s.writer = nil
	}

	// A full purge may have taken the directory with the segments.
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("unable to recreate log store directory: %w", err)
	}
	seg, w, err := createSegment(s.dir, s.nextSeq, s.nowFn())
	if err != nil {
		return err
	}
	s.segments = append(s.segments, seg)
	s.writer = w
	s.nextSeq++
	s.head = Position{Seq: seg.seq, Offset: seg.size}

	telemetry.LogRotationsTotal.With(cause).Inc()
	s.log.Debug().Uint64("segment", seg.seq).Str("cause", cause).Msg("Rotated log segment")
	return nil
}

// rotationDue reports whether the current segment must be replaced
// before accepting another write of the given size.
func (s *Store) rotationDue(extra int64) (string, bool) {
	cur := s.current()
	if cur == nil {
		return "create", true
	}
	if cur.size > headerSize && cur.size+extra > s.opts.MaxSegmentSize {
		return "size", true
	}
	ageLimit := float64(s.opts.Retention/time.Millisecond) * (1 - s.opts.MaxAgeThreshold)
	if s.nowFn()-cur.createdAt >= ageLimit {
		return "age", true
	}
	return "", false
}

// WriteBatch appends one commit batch. Every entry is stamped with ts
// and the final entry carries the batch-terminator flag. The batch may
// span a rotation; each touched segment gets one write call. The
// returned position is the write head after the batch and identifies
// the batch to CommitFinished.
func (s *Store) WriteBatch(payloads [][]byte, ts float64) (Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Position{}, ErrClosed
	}
	if len(payloads) == 0 {
		return s.head, nil
	}
	if ts <= 0 {
		ts = s.nowFn()
	}

	start := s.head
	buf := make([]byte, 0, 4096)
	flush := func() error {
		if len(buf) == 0 {
			return nil
		}
		if _, err := s.writer.Write(buf); err != nil {
			return fmt.Errorf("unable to append to segment: %w", err)
		}
		cur := s.current()
		cur.size += int64(len(buf))
		s.head = Position{Seq: cur.seq, Offset: cur.size}
		telemetry.LogBytesWrittenTotal.Add(float64(len(buf)))
		buf = buf[:0]
		return nil
	}

	if cause, due := s.rotationDue(entryHeaderSize + int64(len(payloads[0]))); due {
		// Nothing written yet, so the head sentinel moves into the new
		// segment along with the batch start.
		s.removeStart(start)
		if err := s.rotate(cause); err != nil {
			return Position{}, err
		}
		start = s.head
		s.insertStart(start)
	}

	for i, payload := range payloads {
		need := entryHeaderSize + int64(len(payload))
		cur := s.current()
		if cur.size+int64(len(buf))+need > s.opts.MaxSegmentSize && cur.size+int64(len(buf)) > headerSize {
			if err := flush(); err != nil {
				return Position{}, err
			}
			if err := s.rotate("size"); err != nil {
				return Position{}, err
			}
		}

		var flags byte
		if i == len(payloads)-1 {
			flags = flagLastInBatch
		}
		hdr := make([]byte, entryHeaderSize)
		encodeEntryHeader(hdr, ts, len(payload), flags)
		buf = append(buf, hdr...)
		buf = append(buf, payload...)
	}
	if err := flush(); err != nil {
		return Position{}, err
	}
	if err := s.writer.Sync(); err != nil {
		return Position{}, fmt.Errorf("unable to sync segment: %w", err)
	}

	end := s.head
	s.pending[end] = start
	s.insertStart(end)
	telemetry.LogUncommittedPositions.Set(float64(len(s.pending)))
	return end, nil
}

// insertStart adds a position to the sorted start set. The previous
// head sentinel already covers the batch's own start.
func (s *Store) insertStart(p Position) {
	i := sort.Search(len(s.starts), func(i int) bool {
		return !s.starts[i].Less(p)
	})
	if i < len(s.starts) && s.starts[i] == p {
		return
	}
	s.starts = append(s.starts, Position{})
	copy(s.starts[i+1:], s.starts[i:])
	s.starts[i] = p
}

func (s *Store) removeStart(p Position) {
	i := sort.Search(len(s.starts), func(i int) bool {
		return !s.starts[i].Less(p)
	})
	if i < len(s.starts) && s.starts[i] == p {
		s.starts = append(s.starts[:i], s.starts[i+1:]...)
	}
}

// CommitFinished marks the batch that WriteBatch returned pos for as
// committed in the engine at engineSeq. The committed boundary advances
// to the start of the earliest batch still pending, so out-of-order
// completions never expose a gap. The committed boundary and engineSeq
// are sampled into the correlation table.
func (s *Store) CommitFinished(pos Position, engineSeq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start, ok := s.pending[pos]
	if !ok {
		return
	}
	delete(s.pending, pos)
	s.removeStart(start)

	s.lastCommitted = s.starts[0]
	s.corr.insert(s.lastCommitted, engineSeq)
	telemetry.LogUncommittedPositions.Set(float64(len(s.pending)))
}

// AbortBatch disowns the batch WriteBatch returned pos for after its
// engine commit failed: its entries are flagged aborted in place so
// readers skip them, and the committed boundary is free to advance past
// its bytes. Nothing is correlated or checkpointed.
func (s *Store) AbortBatch(pos Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	start, ok := s.pending[pos]
	if !ok {
		return nil
	}
	delete(s.pending, pos)
	s.removeStart(start)
	s.lastCommitted = s.starts[0]
	telemetry.LogUncommittedPositions.Set(float64(len(s.pending)))

	cur := start
	for cur.Less(pos) {
		i := sort.Search(len(s.segments), func(i int) bool {
			return s.segments[i].seq >= cur.Seq
		})
		if i == len(s.segments) {
			break
		}
		seg := s.segments[i]
		if seg.seq > cur.Seq || cur.Offset < headerSize {
			cur = Position{Seq: seg.seq, Offset: headerSize}
			continue
		}

		r, err := s.readerFor(seg)
		if err != nil {
			return err
		}
		entry, next, err := seg.readEntryAt(r, cur.Offset)
		if err == io.EOF {
			cur = Position{Seq: seg.seq + 1, Offset: headerSize}
			continue
		}
		if err != nil {
			return err
		}
		if err := s.rewriteFlags(seg, cur.Offset, entry.Flags|flagAborted); err != nil {
			return err
		}
		cur = Position{Seq: seg.seq, Offset: next}
	}
	return nil
}

// rewriteFlags updates one entry's flags byte in place.
func (s *Store) rewriteFlags(seg *logSegment, offset int64, flags byte) error {
	at := offset + entryHeaderSize - 1
	if seg == s.current() && s.writer != nil {
		_, err := s.writer.WriteAt([]byte{flags}, at)
		return err
	}
	f, err := os.OpenFile(seg.path, os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("unable to open segment for flag rewrite: %w", err)
	}
	defer f.Close()
	_, err = f.WriteAt([]byte{flags}, at)
	return err
}

// DatabaseFlushed records that the engine made everything up to
// engineSeq durable. The most advanced correlated position at or below
// that sequence is persisted to the flush tracker, giving replay a
// conservative resume point after a crash.
func (s *Store) DatabaseFlushed(engineSeq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	pos, ok := s.corr.latestAtOrBelow(engineSeq)
	if !ok || !s.flushed.Less(pos) {
		return nil
	}

	path := filepath.Join(s.dir, trackerFileName)
	if err := os.WriteFile(path, MarshalPosition(pos), 0o644); err != nil {
		return fmt.Errorf("unable to persist flush tracker: %w", err)
	}
	s.flushed = pos
	telemetry.LogFlushCheckpointsTotal.Inc()
	return nil
}

// FlushedPosition returns the persisted replay lower bound.
func (s *Store) FlushedPosition() Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushed
}

// LastCommitted returns the contiguous committed boundary.
func (s *Store) LastCommitted() Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCommitted
}

// Head returns the position of the next byte to be written.
func (s *Store) Head() Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.head
}

// PendingBatches returns the number of written batches whose engine
// commit has not finished.
func (s *Store) PendingBatches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// FindPositionByTimestamp locates the first entry whose timestamp is at
// or after ts, searching the newest segment first and falling back
// through older ones. ok is false when every entry precedes ts; the
// returned position is then the head, where such an entry would appear
// next.
func (s *Store) FindPositionByTimestamp(ts float64) (Position, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Position{}, false, ErrClosed
	}

	var best Position
	found := false
	for i := len(s.segments) - 1; i >= 0; i-- {
		seg := s.segments[i]
		r, err := s.readerFor(seg)
		if err != nil {
			return Position{}, false, err
		}
		if err := seg.extendIndex(r); err != nil {
			return Position{}, false, err
		}
		if len(seg.index) == 0 {
			continue
		}

		off, ok := seg.findTimestamp(ts)
		if !ok {
			// Everything here is older than ts; newer segments have
			// already been searched.
			break
		}
		best = Position{Seq: seg.seq, Offset: off}
		found = true
		if seg.firstTimestamp() >= ts {
			// ts precedes this whole segment, an older one may still
			// contain a closer match.
			continue
		}
		break
	}

	if !found {
		return s.head, false, nil
	}
	return best, true, nil
}

// Purge deletes segments older than the retention window, or every
// segment when all is set. A fully purged store also loses its flush
// tracker and directory.
func (s *Store) Purge(all bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.purgeLocked(all)
}

func (s *Store) purgeLocked(all bool) error {
	cutoff := s.nowFn() - float64(s.opts.Retention/time.Millisecond)
	cur := s.current()

	kept := make([]*logSegment, 0, len(s.segments))
	for _, seg := range s.segments {
		if !all && seg.createdAt > cutoff {
			kept = append(kept, seg)
			continue
		}
		if seg == cur && s.writer != nil {
			s.writer.Close()
			s.writer = nil
		}
		s.readers.Remove(seg.seq)
		if err := os.Remove(seg.path); err != nil {
			return fmt.Errorf("unable to remove segment %s: %w", seg.path, err)
		}
		telemetry.LogSegmentsPurgedTotal.Inc()
		s.log.Debug().Uint64("segment", seg.seq).Msg("Purged log segment")
	}
	s.segments = kept

	if len(s.segments) == 0 && all {
		// Pending batches went with their segments; the next write
		// starts the batch state over in a fresh segment.
		s.pending = make(map[Position]Position)
		s.head = Position{Seq: s.nextSeq, Offset: headerSize}
		s.starts = []Position{s.head}
		s.lastCommitted = s.head

		os.Remove(filepath.Join(s.dir, trackerFileName))
		if err := os.Remove(s.dir); err == nil {
			s.log.Info().Msg("Removed empty log store directory")
		}
	}
	return nil
}

// Close purges expired segments and releases every file handle. The
// store is unusable afterwards.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	if err := s.purgeLocked(false); err != nil {
		s.log.Warn().Err(err).Msg("Purge on close failed")
	}
	if s.writer != nil {
		s.writer.Close()
		s.writer = nil
	}
	s.readers.Purge()
	s.closed = true
	return nil
}
