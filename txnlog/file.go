package txnlog

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
)

// Segment file layout. Header:
//
//	magic    4 bytes  "STLG"
//	version  1 byte
//	created  8 bytes  big-endian float64, unix milliseconds
//
// followed by entries:
//
//	timestamp 8 bytes  big-endian float64, unix milliseconds
//	length    4 bytes  big-endian uint32, payload byte count
//	flags     1 byte   bit 0 set on the last entry of a batch
//	payload   length bytes
//
// Segments are preallocated in zeroed regions by the filesystem, so a
// zero timestamp marks the logical end of the file: no valid entry
// carries timestamp 0.
const (
	segmentMagic   = "STLG"
	segmentVersion = 1

	headerSize      = 13
	entryHeaderSize = 13

	flagLastInBatch = 0x01
	flagAborted     = 0x02

	segmentSuffix = ".txnlog"
)

// Entry is one decoded log record.
type Entry struct {
	Timestamp float64
	Flags     byte
	Payload   []byte
}

// LastInBatch reports whether this entry closed its write batch.
func (e Entry) LastInBatch() bool {
	return e.Flags&flagLastInBatch != 0
}

// Aborted reports whether the entry belongs to a batch whose engine
// commit failed after the batch was written. Readers skip such entries.
func (e Entry) Aborted() bool {
	return e.Flags&flagAborted != 0
}

type indexEntry struct {
	ts     float64
	offset int64
}

// logSegment is one segment file of a store. The write handle is held
// only by the store's current segment; readers open their own handles.
type logSegment struct {
	path      string
	seq       uint64
	version   byte
	createdAt float64 // unix ms
	size      int64   // logical size, excludes any zeroed tail

	// Sparse-free timestamp index, built lazily on first timestamp
	// query and extended as the segment grows. Only entries with a
	// timestamp strictly greater than the previous indexed one are
	// kept, so the index is strictly increasing.
	index   []indexEntry
	indexed int64 // offset the index scan has reached
}

func segmentPath(dir string, seq uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%d%s", seq, segmentSuffix))
}

// createSegment writes a fresh segment header and returns the segment
// with its append handle.
func createSegment(dir string, seq uint64, nowMS float64) (*logSegment, *os.File, error) {
	path := segmentPath(dir, seq)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to create segment %s: %w", path, err)
	}

	hdr := make([]byte, headerSize)
	copy(hdr, segmentMagic)
	hdr[4] = segmentVersion
	binary.BigEndian.PutUint64(hdr[5:], math.Float64bits(nowMS))
	if _, err := f.Write(hdr); err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("unable to write segment header: %w", err)
	}

	seg := &logSegment{
		path:      path,
		seq:       seq,
		version:   segmentVersion,
		createdAt: nowMS,
		size:      headerSize,
		indexed:   headerSize,
	}
	return seg, f, nil
}

// openSegment validates an existing segment's header and records its
// physical size. The logical size is trimmed lazily when the index scan
// hits a zeroed tail.
func openSegment(path string, seq uint64) (*logSegment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("unable to open segment %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("unable to stat segment %s: %w", path, err)
	}
	if info.Size() < headerSize {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrCorruptSegment, path, info.Size())
	}

	hdr := make([]byte, headerSize)
	if _, err := io.ReadFull(f, hdr); err != nil {
		return nil, fmt.Errorf("unable to read segment header %s: %w", path, err)
	}
	if string(hdr[:4]) != segmentMagic {
		return nil, fmt.Errorf("%w: %s has bad magic", ErrCorruptSegment, path)
	}
	if hdr[4] != segmentVersion {
		return nil, fmt.Errorf("%w: %s has version %d", ErrCorruptSegment, path, hdr[4])
	}

	return &logSegment{
		path:      path,
		seq:       seq,
		version:   hdr[4],
		createdAt: math.Float64frombits(binary.BigEndian.Uint64(hdr[5:])),
		size:      info.Size(),
		indexed:   headerSize,
	}, nil
}

// encodeEntryHeader fills a 13-byte entry header.
func encodeEntryHeader(buf []byte, ts float64, length int, flags byte) {
	binary.BigEndian.PutUint64(buf, math.Float64bits(ts))
	binary.BigEndian.PutUint32(buf[8:], uint32(length))
	buf[12] = flags
}

// readEntryAt decodes the entry at the given offset. A zero timestamp
// means the offset sits in the zeroed tail and the segment logically
// ends there; io.EOF is returned in that case and at the physical end.
func (s *logSegment) readEntryAt(r io.ReaderAt, offset int64) (Entry, int64, error) {
	var hdr [entryHeaderSize]byte
	if _, err := r.ReadAt(hdr[:], offset); err != nil {
		if err == io.EOF {
			return Entry{}, 0, io.EOF
		}
		return Entry{}, 0, fmt.Errorf("unable to read entry header at %d: %w", offset, err)
	}

	ts := math.Float64frombits(binary.BigEndian.Uint64(hdr[:8]))
	if ts == 0 {
		return Entry{}, 0, io.EOF
	}

	length := binary.BigEndian.Uint32(hdr[8:12])
	payload := make([]byte, length)
	if _, err := r.ReadAt(payload, offset+entryHeaderSize); err != nil {
		return Entry{}, 0, fmt.Errorf("unable to read entry payload at %d: %w", offset, err)
	}

	next := offset + entryHeaderSize + int64(length)
	return Entry{Timestamp: ts, Flags: hdr[12], Payload: payload}, next, nil
}

// extendIndex scans entries from the last indexed offset up to the
// current logical size, appending monotonically increasing timestamps.
// Hitting a zeroed tail trims the logical size to the scan offset.
func (s *logSegment) extendIndex(r io.ReaderAt) error {
	offset := s.indexed
	for offset < s.size {
		entry, next, err := s.readEntryAt(r, offset)
		if err == io.EOF {
			s.size = offset
			break
		}
		if err != nil {
			return err
		}
		if len(s.index) == 0 || entry.Timestamp > s.index[len(s.index)-1].ts {
			s.index = append(s.index, indexEntry{ts: entry.Timestamp, offset: offset})
		}
		offset = next
	}
	s.indexed = offset
	return nil
}

// findTimestamp returns the offset of the first indexed entry with a
// timestamp at or after ts. ok is false when every indexed entry is
// older than ts. extendIndex must have run first.
func (s *logSegment) findTimestamp(ts float64) (int64, bool) {
	i := sort.Search(len(s.index), func(i int) bool {
		return s.index[i].ts >= ts
	})
	if i == len(s.index) {
		return 0, false
	}
	return s.index[i].offset, true
}

// firstTimestamp returns the earliest indexed timestamp, or 0 when the
// segment holds no entries.
func (s *logSegment) firstTimestamp() float64 {
	if len(s.index) == 0 {
		return 0
	}
	return s.index[0].ts
}
