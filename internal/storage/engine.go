package storage

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"logcask/internal/config"
	"logcask/internal/index"
	"logcask/internal/logging"
	"logcask/internal/monitoring"
	"logcask/internal/record"
	"logcask/internal/segment"
)

// Engine is a Bitcask-style log-structured key-value store: an append-only
// set of segment files plus an in-memory index from key to the latest
// record location. One Engine instance owns all resources for a data
// directory; Open creates it and Close releases it. There is no ambient
// state.
type Engine struct {
	cfg     config.StorageConfig
	logger  *logging.Logger
	metrics *monitoring.Metrics

	manager *segment.Manager
	keydir  *index.Index

	// mu serializes the writer role: put, delete, rotation and the merge
	// publish step. Readers go through pubMu's read side plus the keydir
	// and manager locks, never mu.
	mu           sync.Mutex
	lastActiveID segment.ID

	// pubMu guards the merge publish window. Publish swaps segment
	// objects and index entries together under the write side; readers
	// hold the read side across the lookup+read pair, so an entry fetched
	// there always matches the segment object it points at.
	pubMu sync.RWMutex

	merging atomic.Bool
	closed  atomic.Bool

	stats engineCounters

	done chan struct{}
	wg   sync.WaitGroup
}

type engineCounters struct {
	merges         atomic.Int64
	reclaimedBytes atomic.Int64
}

var _ KV = (*Engine)(nil)

// Open validates the configuration, resolves any interrupted merge,
// assembles the segment set and rebuilds the index by replaying segments
// in (segment id, offset) order. A torn tail on the newest segment is
// truncated and logged; it never fails the open.
func Open(cfg *config.Config, logger *logging.Logger, metrics *monitoring.Metrics) (*Engine, error) {
	if err := cfg.Storage.Validate(); err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	log := logger.WithComponent("storage")

	if err := resolveInterruptedMerge(cfg.Storage.DataDir, log); err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	manager, err := segment.Open(cfg.Storage.DataDir, cfg.Storage.SegmentSizeThreshold)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	e := &Engine{
		cfg:     cfg.Storage,
		logger:  log,
		metrics: metrics,
		manager: manager,
		keydir:  index.New(),
		done:    make(chan struct{}),
	}
	e.lastActiveID = manager.Active().ID()

	start := time.Now()
	if err := e.recover(); err != nil {
		manager.Close()
		return nil, fmt.Errorf("open: %w", err)
	}

	e.logger.Info("engine opened",
		"data_dir", e.cfg.DataDir,
		"segments", len(manager.List()),
		"keys", e.keydir.LiveLen(),
		"recovery_ms", time.Since(start).Milliseconds(),
	)

	if e.cfg.SyncPolicy == config.SyncPeriodic {
		e.wg.Add(1)
		go e.syncLoop()
	}
	if e.metrics != nil {
		e.wg.Add(1)
		go e.gaugeLoop()
	}

	return e, nil
}

// Put stores value under key. The index is updated only after the append
// (and, under the always policy, its fsync) succeeded, so a failed put
// never leaves the index referencing unwritten bytes.
func (e *Engine) Put(key, value []byte) error {
	start := time.Now()
	err := e.put(key, value)
	e.metrics.ObserveOp(monitoring.OpPut, time.Since(start), err)
	return err
}

func (e *Engine) put(key, value []byte) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	if err := e.validateKey(key); err != nil {
		return err
	}
	if len(value) > e.cfg.MaxValueSize {
		return ErrValueTooLarge
	}

	rec := &record.Record{
		Key:       key,
		Value:     value,
		Timestamp: time.Now().UnixNano(),
	}

	e.mu.Lock()
	entry, err := e.append(rec)
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("put: %w", err)
	}
	e.keydir.Put(key, entry)
	e.mu.Unlock()

	e.maybeTriggerMerge()
	return nil
}

// Delete appends a tombstone and marks the key deleted in the index.
// Reads observe the deletion immediately; the bytes are reclaimed by a
// later merge. Deleting an absent key succeeds without writing.
func (e *Engine) Delete(key []byte) error {
	start := time.Now()
	err := e.delete(key)
	e.metrics.ObserveOp(monitoring.OpDelete, time.Since(start), err)
	return err
}

func (e *Engine) delete(key []byte) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	if err := e.validateKey(key); err != nil {
		return err
	}

	if current, ok := e.keydir.Get(key); !ok || current.Tombstone {
		return nil
	}

	rec := &record.Record{
		Key:       key,
		Timestamp: time.Now().UnixNano(),
		Tombstone: true,
	}

	e.mu.Lock()
	entry, err := e.append(rec)
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("delete: %w", err)
	}
	e.keydir.Put(key, entry)
	e.mu.Unlock()

	e.maybeTriggerMerge()
	return nil
}

// append writes an encoded record through the segment manager and returns
// the index entry for it. Caller holds e.mu.
func (e *Engine) append(rec *record.Record) (index.Entry, error) {
	encoded := record.Encode(rec)

	segID, offset, err := e.manager.Append(encoded)
	if err != nil {
		return index.Entry{}, err
	}

	if segID != e.lastActiveID {
		e.lastActiveID = segID
		e.metrics.RecordRotation()
		e.logger.Debug("rotated active segment", "segment_id", segID)
	}

	if e.cfg.SyncPolicy == config.SyncAlways {
		if err := e.manager.Sync(); err != nil {
			return index.Entry{}, err
		}
	}

	return index.Entry{
		SegmentID: segID,
		Offset:    offset,
		Size:      rec.Size(),
		Timestamp: rec.Timestamp,
		Tombstone: rec.Tombstone,
	}, nil
}

// Get returns the value stored under key. The record is checksum-validated
// on every read; corruption is surfaced as ErrCorruptRecord, not healed.
func (e *Engine) Get(key []byte) ([]byte, error) {
	start := time.Now()
	value, err := e.get(key)
	e.metrics.ObserveOp(monitoring.OpGet, time.Since(start), err)
	return value, err
}

func (e *Engine) get(key []byte) ([]byte, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	if err := e.validateKey(key); err != nil {
		return nil, err
	}

	rec, err := e.readEntry(key)
	if err != nil {
		return nil, err
	}
	return rec.Value, nil
}

// readEntry looks up key and reads the record its index entry points at,
// validating the checksum. The lookup and the segment read happen under
// pubMu's read side: a merge publish moves the entry and the segment
// object in one step on the write side, so the pair seen here is always
// consistent and the read can never land in a republished file.
func (e *Engine) readEntry(key []byte) (*record.Record, error) {
	e.pubMu.RLock()
	entry, ok := e.keydir.Get(key)
	if !ok || entry.Tombstone {
		e.pubMu.RUnlock()
		return nil, ErrKeyNotFound
	}
	buf, err := e.manager.ReadRecordAt(entry.SegmentID, entry.Offset, entry.Size)
	e.pubMu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("get: %w", err)
	}

	rec, err := record.Decode(buf)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(rec.Key, key) {
		return nil, ErrCorruptRecord
	}
	return rec, nil
}

// Exists reports whether key currently has a live value. It never touches
// disk.
func (e *Engine) Exists(key []byte) (bool, error) {
	if e.closed.Load() {
		return false, ErrEngineClosed
	}
	if err := e.validateKey(key); err != nil {
		return false, err
	}

	entry, ok := e.keydir.Get(key)
	return ok && !entry.Tombstone, nil
}

// ListKeys returns all live keys, sorted, from an index snapshot taken at
// call time. Later mutation does not affect the returned slice. A closed
// engine returns nil.
func (e *Engine) ListKeys() [][]byte {
	if e.closed.Load() {
		return nil
	}
	return e.keydir.Keys()
}

// Fold invokes fn for each live key-value pair over an index snapshot
// taken at call time, in key order, until fn returns false.
func (e *Engine) Fold(fn func(key, value []byte) bool) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}

	snapshot := e.keydir.Snapshot()
	keys := make([]string, 0, len(snapshot))
	for k, entry := range snapshot {
		if !entry.Tombstone {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		key := []byte(k)
		rec, err := e.readEntry(key)
		if errors.Is(err, ErrKeyNotFound) {
			// Deleted since the snapshot was taken.
			continue
		}
		if err != nil {
			return err
		}
		if !fn(key, rec.Value) {
			return nil
		}
	}
	return nil
}

// Sync flushes the active segment to stable storage regardless of the
// configured policy.
func (e *Engine) Sync() error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	return e.manager.Sync()
}

// BatchPut stores each pair in order, stopping at the first failure.
func (e *Engine) BatchPut(items []KeyValue) error {
	for _, item := range items {
		if err := e.Put(item.Key, item.Value); err != nil {
			return fmt.Errorf("batch put %q: %w", item.Key, err)
		}
	}
	return nil
}

// BatchGet looks up every key, marking the Found flag per pair.
func (e *Engine) BatchGet(keys [][]byte) ([]KeyValue, error) {
	results := make([]KeyValue, 0, len(keys))
	for _, key := range keys {
		value, err := e.Get(key)
		switch {
		case err == nil:
			results = append(results, KeyValue{Key: key, Value: value, Found: true})
		case errors.Is(err, ErrKeyNotFound):
			results = append(results, KeyValue{Key: key, Found: false})
		default:
			return nil, err
		}
	}
	return results, nil
}

// BatchDelete removes every key in order.
func (e *Engine) BatchDelete(keys [][]byte) error {
	for _, key := range keys {
		if err := e.Delete(key); err != nil {
			return fmt.Errorf("batch delete %q: %w", key, err)
		}
	}
	return nil
}

// Stats returns a point-in-time view of the engine. A closed engine
// reports the zero value.
func (e *Engine) Stats() Stats {
	if e.closed.Load() {
		return Stats{}
	}

	all := e.keydir.Len()
	live := e.keydir.LiveLen()
	immutables := e.manager.Immutables()

	return Stats{
		Keys:              live,
		Tombstones:        all - live,
		Segments:          len(immutables) + 1,
		ImmutableSegments: len(immutables),
		ImmutableBytes:    e.manager.TotalImmutableSize(),
		DiskUsage:         e.manager.DiskUsage(),
		Merges:            e.stats.merges.Load(),
		ReclaimedBytes:    e.stats.reclaimedBytes.Load(),
	}
}

// Close stops background work, flushes the active segment and releases
// every file handle. The engine cannot be reused afterwards.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	close(e.done)
	e.wg.Wait()

	// A background merge holds mmap readers outside the manager lock; it
	// observes the closed flag and bails, so this wait is short.
	for e.merging.Load() {
		time.Sleep(time.Millisecond)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	err := e.manager.Close()
	if err != nil {
		e.logger.WithError(err).Error("close failed")
		return fmt.Errorf("close: %w", err)
	}
	e.logger.Info("engine closed")
	return nil
}

func (e *Engine) validateKey(key []byte) error {
	if len(key) == 0 {
		return ErrKeyEmpty
	}
	if len(key) > e.cfg.MaxKeySize {
		return ErrKeyTooLarge
	}
	return nil
}

// maybeTriggerMerge starts a background merge when the sealed data has
// grown past the configured threshold.
func (e *Engine) maybeTriggerMerge() {
	if !e.cfg.AutoMerge || e.merging.Load() {
		return
	}
	if e.manager.TotalImmutableSize() < e.cfg.MergeThreshold {
		return
	}

	go func() {
		err := e.Merge()
		if err != nil && !errors.Is(err, ErrMergeInProgress) && !errors.Is(err, ErrEngineClosed) {
			e.logger.WithError(err).Error("background merge failed")
		}
	}()
}

func (e *Engine) syncLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := e.manager.Sync(); err != nil {
				e.logger.WithError(err).Error("periodic sync failed")
			}
		case <-e.done:
			return
		}
	}
}

func (e *Engine) gaugeLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.metrics.SetEngineGauges(e.keydir.LiveLen(), len(e.manager.List()), e.manager.DiskUsage())
		case <-e.done:
			return
		}
	}
}
