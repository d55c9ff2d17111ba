package segment

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Manager owns the segment set: exactly one active segment plus any number
// of immutable ones. All segment-set mutation (rotation, merge install,
// retirement) happens under its lock; reads share it.
type Manager struct {
	dir       string
	threshold int64

	mu         sync.RWMutex
	active     *Segment
	immutables map[ID]*Segment
}

// Open scans dir for segment files and assembles the set. The segment with
// the highest id is reopened for appends; the rest become immutable. An
// empty directory starts with segment 1.
func Open(dir string, threshold int64) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	ids, err := scanDataFiles(dir)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		dir:        dir,
		threshold:  threshold,
		immutables: make(map[ID]*Segment),
	}

	if len(ids) == 0 {
		active, err := Create(DataPath(dir, 1), 1)
		if err != nil {
			return nil, err
		}
		m.active = active
		return m, nil
	}

	for _, id := range ids[:len(ids)-1] {
		seg, err := OpenImmutable(DataPath(dir, id), id)
		if err != nil {
			m.closeAll()
			return nil, err
		}
		m.immutables[id] = seg
	}

	newest := ids[len(ids)-1]
	active, err := OpenActive(DataPath(dir, newest), newest)
	if err != nil {
		m.closeAll()
		return nil, err
	}
	m.active = active

	return m, nil
}

func scanDataFiles(dir string) ([]ID, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read data directory: %w", err)
	}

	var ids []ID
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, DataFileSuffix) {
			continue
		}
		raw := strings.TrimSuffix(name, DataFileSuffix)
		id, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("data directory corrupted: unexpected file %q", name)
		}
		ids = append(ids, ID(id))
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Active returns the segment currently accepting appends.
func (m *Manager) Active() *Segment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// List returns every segment oldest first, the active one last.
func (m *Manager) List() []*Segment {
	m.mu.RLock()
	defer m.mu.RUnlock()

	segs := m.immutablesLocked()
	return append(segs, m.active)
}

// Immutables returns the sealed segments oldest first.
func (m *Manager) Immutables() []*Segment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.immutablesLocked()
}

func (m *Manager) immutablesLocked() []*Segment {
	segs := make([]*Segment, 0, len(m.immutables)+1)
	for _, seg := range m.immutables {
		segs = append(segs, seg)
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].id < segs[j].id })
	return segs
}

// Append writes an encoded record to the active segment, rotating first if
// the record would push it past the size threshold. The caller holds the
// writer role.
func (m *Manager) Append(b []byte) (ID, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return 0, 0, ErrClosed
	}

	if m.active.Size() > 0 && m.active.Size()+int64(len(b)) > m.threshold {
		if err := m.rotateLocked(); err != nil {
			return 0, 0, err
		}
	}

	offset, err := m.active.Append(b)
	if err != nil {
		return 0, 0, err
	}
	return m.active.id, offset, nil
}

// Rotate seals the active segment and opens a fresh one. Atomic from the
// readers' point of view.
func (m *Manager) Rotate() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rotateLocked()
}

func (m *Manager) rotateLocked() error {
	old := m.active

	next, err := Create(DataPath(m.dir, old.id+1), old.id+1)
	if err != nil {
		return fmt.Errorf("rotation: %w", err)
	}

	if err := old.Seal(); err != nil {
		next.Close()
		os.Remove(next.path)
		return fmt.Errorf("rotation: %w", err)
	}

	m.immutables[old.id] = old
	m.active = next
	return nil
}

// ReadRecordAt returns size bytes of segment id starting at off. The read
// completes under the set lock, so a concurrent retirement can never close
// the backing handle mid-read.
func (m *Manager) ReadRecordAt(id ID, off int64, size int64) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seg := m.lookupLocked(id)
	if seg == nil {
		return nil, ErrNotFound
	}

	buf := make([]byte, size)
	if _, err := seg.ReadAt(buf, off); err != nil {
		return nil, fmt.Errorf("read segment %d at %d: %w", id, off, err)
	}
	return buf, nil
}

func (m *Manager) lookupLocked(id ID) *Segment {
	if m.active != nil && m.active.id == id {
		return m.active
	}
	return m.immutables[id]
}

// TotalImmutableSize returns the cumulative size of sealed segments, the
// quantity the merge threshold is compared against.
func (m *Manager) TotalImmutableSize() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total int64
	for _, seg := range m.immutables {
		total += seg.size
	}
	return total
}

// DiskUsage returns the cumulative size of all segments. Zero once the
// manager is closed.
func (m *Manager) DiskUsage() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total int64
	if m.active != nil {
		total = m.active.size
	}
	for _, seg := range m.immutables {
		total += seg.size
	}
	return total
}

// Install opens merge output segments (already renamed into place) and adds
// them to the immutable set.
func (m *Manager) Install(ids []ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range ids {
		seg, err := OpenImmutable(DataPath(m.dir, id), id)
		if err != nil {
			return fmt.Errorf("install merged segment %d: %w", id, err)
		}
		m.immutables[id] = seg
	}
	return nil
}

// Retire removes consumed segments from the set, closes their handles and
// deletes their files (data and hint).
func (m *Manager) Retire(ids []ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		seg, ok := m.immutables[id]
		if !ok {
			continue
		}
		delete(m.immutables, id)
		seg.state = StateRetired
		if err := seg.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := os.Remove(seg.path); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := os.Remove(HintPath(m.dir, id)); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Sync flushes the active segment.
func (m *Manager) Sync() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.active == nil {
		return ErrClosed
	}
	return m.active.Sync()
}

// Close flushes and closes every handle.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	if m.active != nil {
		if err := m.active.Sync(); err != nil {
			firstErr = err
		}
	}
	if err := m.closeAll(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (m *Manager) closeAll() error {
	var firstErr error
	if m.active != nil {
		if err := m.active.Close(); err != nil {
			firstErr = err
		}
		m.active = nil
	}
	for id, seg := range m.immutables {
		if err := seg.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.immutables, id)
	}
	return firstErr
}

// Dir returns the data directory the manager operates in.
func (m *Manager) Dir() string {
	return m.dir
}

// RemoveStaleMergeFiles deletes leftover merge outputs from an interrupted
// merge that never reached its manifest.
func RemoveStaleMergeFiles(dir string) error {
	matches, err := filepath.Glob(filepath.Join(dir, "*"+MergeFileSuffix))
	if err != nil {
		return err
	}
	for _, path := range matches {
		if err := os.Remove(path); err != nil {
			return err
		}
	}
	return nil
}
