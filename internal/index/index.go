package index

import (
	"sort"
	"sync"

	"logcask/internal/segment"
)

// Entry locates the most recent durable record for a key.
type Entry struct {
	SegmentID segment.ID
	Offset    int64
	Size      int64
	Timestamp int64
	Tombstone bool
}

// SameLocation reports whether two entries reference the same record.
func (e Entry) SameLocation(other Entry) bool {
	return e.SegmentID == other.SegmentID && e.Offset == other.Offset
}

// Index is the in-memory keydir: key to latest record location. It holds at
// most one entry per key and supports many concurrent readers alongside a
// single writer. Last writer wins; there is no versioning.
type Index struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// New returns an empty index.
func New() *Index {
	return &Index{entries: make(map[string]Entry)}
}

// Get returns the entry for key, if any.
func (idx *Index) Get(key []byte) (Entry, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	e, ok := idx.entries[string(key)]
	return e, ok
}

// Put unconditionally replaces the entry for key. The caller guarantees the
// entry matches the most recent durable append.
func (idx *Index) Put(key []byte, e Entry) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.entries[string(key)] = e
}

// Remove drops the entry for key.
func (idx *Index) Remove(key []byte) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.entries, string(key))
}

// ReplaceIfAt swaps in the relocated entry only if the index still points
// at the old location. A write that landed mid-merge keeps precedence.
func (idx *Index) ReplaceIfAt(key []byte, old, relocated Entry) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	current, ok := idx.entries[string(key)]
	if !ok || !current.SameLocation(old) {
		return false
	}
	idx.entries[string(key)] = relocated
	return true
}

// RemoveIfAt drops the entry only if it still points at the given location.
// Used when merge reclaims a tombstone.
func (idx *Index) RemoveIfAt(key []byte, old Entry) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	current, ok := idx.entries[string(key)]
	if !ok || !current.SameLocation(old) {
		return false
	}
	delete(idx.entries, string(key))
	return true
}

// Len returns the number of entries, tombstones included.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

// LiveLen returns the number of non-tombstone entries.
func (idx *Index) LiveLen() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	n := 0
	for _, e := range idx.entries {
		if !e.Tombstone {
			n++
		}
	}
	return n
}

// Keys returns a sorted snapshot of all live keys, taken at call time.
func (idx *Index) Keys() [][]byte {
	idx.mu.RLock()
	keys := make([]string, 0, len(idx.entries))
	for k, e := range idx.entries {
		if !e.Tombstone {
			keys = append(keys, k)
		}
	}
	idx.mu.RUnlock()

	sort.Strings(keys)

	out := make([][]byte, len(keys))
	for i, k := range keys {
		out[i] = []byte(k)
	}
	return out
}

// Snapshot returns a point-in-time copy of every entry, tombstones
// included. Iteration over a snapshot is decoupled from later mutation.
func (idx *Index) Snapshot() map[string]Entry {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	out := make(map[string]Entry, len(idx.entries))
	for k, e := range idx.entries {
		out[k] = e
	}
	return out
}
