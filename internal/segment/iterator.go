package segment

import (
	"io"

	"logcask/internal/record"
)

// Iterator scans a segment's records in file order. It is lazy and
// restartable. On the first malformed record it stops and remembers the
// truncation point instead of failing the scan, so a half-written tail
// never poisons recovery.
type Iterator struct {
	seg       *Segment
	offset    int64
	truncated bool
	done      bool
}

// Iterate returns a fresh iterator positioned at the start of the segment.
func (s *Segment) Iterate() *Iterator {
	return &Iterator{seg: s}
}

// Next returns the offset and record of the next entry. ok is false once
// the segment is exhausted or a malformed record was hit.
func (it *Iterator) Next() (offset int64, rec *record.Record, ok bool) {
	if it.done {
		return 0, nil, false
	}

	start := it.offset

	header := make([]byte, record.HeaderSize)
	n, err := it.seg.ReadAt(header, start)
	if err == io.EOF && n == 0 {
		it.done = true
		return 0, nil, false
	}
	if err != nil && err != io.EOF {
		it.stop()
		return 0, nil, false
	}
	if n < record.HeaderSize {
		it.stop()
		return 0, nil, false
	}

	h, err := record.DecodeHeader(header)
	if err != nil {
		it.stop()
		return 0, nil, false
	}

	total := int64(record.HeaderSize) + h.BodyLen()
	buf := make([]byte, total)
	copy(buf, header)
	if _, err := it.seg.ReadAt(buf[record.HeaderSize:], start+record.HeaderSize); err != nil {
		it.stop()
		return 0, nil, false
	}

	rec, err = record.Decode(buf)
	if err != nil {
		it.stop()
		return 0, nil, false
	}

	it.offset = start + total
	return start, rec, true
}

func (it *Iterator) stop() {
	it.truncated = true
	it.done = true
}

// Offset returns the position the next record would be read from. After a
// scan finishes this is the length of the valid prefix.
func (it *Iterator) Offset() int64 {
	return it.offset
}

// Truncated reports whether the scan stopped at a malformed record, along
// with the offset of the valid prefix preceding it.
func (it *Iterator) Truncated() (int64, bool) {
	return it.offset, it.truncated
}

// Reset rewinds the iterator to the start of the segment.
func (it *Iterator) Reset() {
	it.offset = 0
	it.truncated = false
	it.done = false
}
