package segment

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/exp/mmap"
)

const (
	// DataFileSuffix is the extension of segment data files.
	DataFileSuffix = ".data"

	// HintFileSuffix is the extension of the per-segment recovery hint
	// files written by merge.
	HintFileSuffix = ".hint"

	// MergeFileSuffix marks in-progress merge output files. They are not
	// part of the segment set until renamed to DataFileSuffix.
	MergeFileSuffix = ".merge"
)

// ID identifies a segment. IDs increase monotonically; the segment with the
// highest ID is the active one.
type ID uint32

// State describes a segment's position in its lifecycle.
type State int

const (
	// StateActive: the single segment currently accepting appends.
	StateActive State = iota
	// StateImmutable: sealed, read-only, shared by readers.
	StateImmutable
	// StateRetired: consumed by merge; its file is gone.
	StateRetired
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateImmutable:
		return "immutable"
	case StateRetired:
		return "retired"
	default:
		return "unknown"
	}
}

// ErrNotFound is returned when a read references a segment that is no
// longer part of the set.
var ErrNotFound = errors.New("segment not found")

// ErrClosed is returned when an operation reaches a manager whose
// handles have already been released.
var ErrClosed = errors.New("segment manager closed")

// DataPath returns the data file path for a segment id.
func DataPath(dir string, id ID) string {
	return filepath.Join(dir, fmt.Sprintf("%d%s", id, DataFileSuffix))
}

// HintPath returns the hint file path for a segment id.
func HintPath(dir string, id ID) string {
	return filepath.Join(dir, fmt.Sprintf("%d%s", id, HintFileSuffix))
}

// MergePath returns the temporary merge output path for a segment id.
func MergePath(dir string, id ID) string {
	return DataPath(dir, id) + MergeFileSuffix
}

// Segment is one append-only log file. An active segment holds an exclusive
// write handle; an immutable segment is backed by a shared mmap reader.
// Field mutation (sealing, retiring) is serialized by the owning Manager.
type Segment struct {
	id    ID
	path  string
	state State

	file   *os.File       // active only
	reader *mmap.ReaderAt // immutable only
	size   int64
}

// Create opens a fresh active segment at path, truncating any existing file.
func Create(path string, id ID) (*Segment, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create segment %d: %w", id, err)
	}
	return &Segment{id: id, path: path, state: StateActive, file: f}, nil
}

// OpenActive reopens an existing segment for continued appends. Used at
// startup for the newest segment on disk.
func OpenActive(path string, id ID) (*Segment, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open segment %d: %w", id, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat segment %d: %w", id, err)
	}
	return &Segment{id: id, path: path, state: StateActive, file: f, size: info.Size()}, nil
}

// OpenImmutable opens a sealed segment read-only through mmap.
func OpenImmutable(path string, id ID) (*Segment, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mmap segment %d: %w", id, err)
	}
	return &Segment{id: id, path: path, state: StateImmutable, reader: r, size: int64(r.Len())}, nil
}

func (s *Segment) ID() ID       { return s.id }
func (s *Segment) Path() string { return s.path }
func (s *Segment) State() State { return s.state }
func (s *Segment) Size() int64  { return s.size }

// Append writes b at the end of the segment and returns the offset the
// write started at. Only valid on the active segment; the caller holds the
// writer role.
func (s *Segment) Append(b []byte) (int64, error) {
	if s.state != StateActive {
		return 0, fmt.Errorf("append to %s segment %d", s.state, s.id)
	}

	offset := s.size
	n, err := s.file.WriteAt(b, offset)
	if err != nil {
		// A partial write leaves garbage past the previous size. Trim it
		// so the tail stays at the last full record; if even that fails,
		// surface both errors so the divergence is visible.
		if terr := s.file.Truncate(offset); terr != nil {
			return 0, fmt.Errorf("append to segment %d: %w (cleanup truncate: %v)", s.id, err, terr)
		}
		return 0, fmt.Errorf("append to segment %d: %w", s.id, err)
	}

	s.size += int64(n)
	return offset, nil
}

// ReadAt fills p with segment bytes starting at off.
func (s *Segment) ReadAt(p []byte, off int64) (int, error) {
	if s.reader != nil {
		return s.reader.ReadAt(p, off)
	}
	if s.file != nil {
		return s.file.ReadAt(p, off)
	}
	return 0, ErrNotFound
}

// Sync flushes appended bytes to stable storage.
func (s *Segment) Sync() error {
	if s.file == nil {
		return nil
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync segment %d: %w", s.id, err)
	}
	return nil
}

// Truncate discards bytes past size. Used by recovery to drop a torn tail.
func (s *Segment) Truncate(size int64) error {
	if s.file == nil {
		return fmt.Errorf("truncate immutable segment %d", s.id)
	}
	if err := s.file.Truncate(size); err != nil {
		return fmt.Errorf("truncate segment %d: %w", s.id, err)
	}
	s.size = size
	return nil
}

// Seal syncs and converts an active segment into an immutable one.
func (s *Segment) Seal() error {
	if s.state != StateActive {
		return nil
	}
	if err := s.Sync(); err != nil {
		return err
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("close segment %d: %w", s.id, err)
	}
	s.file = nil

	r, err := mmap.Open(s.path)
	if err != nil {
		return fmt.Errorf("mmap sealed segment %d: %w", s.id, err)
	}
	s.reader = r
	s.state = StateImmutable
	return nil
}

// Close releases whichever handle the segment holds.
func (s *Segment) Close() error {
	if s.file != nil {
		f := s.file
		s.file = nil
		return f.Close()
	}
	if s.reader != nil {
		r := s.reader
		s.reader = nil
		return r.Close()
	}
	return nil
}
