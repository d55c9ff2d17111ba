package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"logcask/internal/index"
	"logcask/internal/logging"
	"logcask/internal/record"
	"logcask/internal/segment"
)

// mergeManifestName marks a merge whose outputs are complete. Publish
// removes it; recovery finishes a marked merge and discards an unmarked
// one.
const mergeManifestName = "MERGE.fin"

type mergeManifest struct {
	Consumed []segment.ID `json:"consumed"`
	Outputs  []segment.ID `json:"outputs"`
}

// Merge rewrites the live records of all immutable segments into fresh
// output segments and retires the sources, reclaiming the space held by
// superseded records and reclaimable tombstones. The scan/rewrite phase
// runs concurrently with reads and writes; only the final publish is
// serialized, against the writer through mu and against readers through
// pubMu. The active segment is never touched.
//
// A put landing mid-merge simply makes the affected record fail its
// liveness check at publish, so no whole-engine lock is needed.
func (e *Engine) Merge() error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	if !e.merging.CompareAndSwap(false, true) {
		return ErrMergeInProgress
	}
	defer e.merging.Store(false)

	// Close waits for the merging flag to clear before unmapping
	// segments, but only after setting closed. Re-checking here closes
	// the race between its flag store and our swap above.
	if e.closed.Load() {
		return ErrEngineClosed
	}

	start := time.Now()

	sources := e.manager.Immutables()
	if len(sources) == 0 {
		return nil
	}

	consumed := make([]segment.ID, len(sources))
	var consumedBytes int64
	for i, src := range sources {
		consumed[i] = src.ID()
		consumedBytes += src.Size()
	}

	// Rewrite phase: no engine locks held. Output segments reuse the
	// smallest consumed ids so merged records keep their precedence below
	// everything written after them.
	out := newMergeWriter(e.manager.Dir(), consumed, e.cfg.SegmentSizeThreshold)

	var relocations []relocation
	var drops []tombstoneDrop

	for _, src := range sources {
		if e.closed.Load() {
			out.discard()
			return ErrEngineClosed
		}

		it := src.Iterate()
		for {
			offset, rec, ok := it.Next()
			if !ok {
				break
			}

			current, found := e.keydir.Get(rec.Key)
			if !found || current.SegmentID != src.ID() || current.Offset != offset {
				continue // superseded
			}

			if rec.Tombstone {
				// Every record this tombstone shadows lives in the
				// consumed set, so the tombstone itself is reclaimable.
				drops = append(drops, tombstoneDrop{key: rec.Key, old: current})
				continue
			}

			relocated, err := out.append(rec)
			if err != nil {
				out.discard()
				return fmt.Errorf("merge: %w", err)
			}
			relocations = append(relocations, relocation{key: rec.Key, old: current, new: relocated})
		}
		if _, truncated := it.Truncated(); truncated {
			e.logger.Warn("skipping malformed tail during merge", "segment_id", src.ID())
		}
	}

	outputs, outputBytes, err := out.finish()
	if err != nil {
		out.discard()
		return fmt.Errorf("merge: %w", err)
	}

	// Last pre-commit point: Close is still waiting on the merging flag,
	// so once the manifest lands the publish below runs against a live
	// manager.
	if e.closed.Load() {
		out.discard()
		return ErrEngineClosed
	}

	manifest := mergeManifest{Consumed: consumed, Outputs: outputs}
	if err := writeMergeManifest(e.manager.Dir(), manifest); err != nil {
		out.discard()
		return fmt.Errorf("merge: %w", err)
	}

	// Publish: from here the merge is committed; recovery completes it
	// after a crash. Serialized against the writer so readers move from
	// old locations to new ones in one step.
	e.mu.Lock()
	err = e.publishMerge(manifest, relocations, drops)
	e.mu.Unlock()
	if err != nil {
		return fmt.Errorf("merge publish: %w", err)
	}

	reclaimed := consumedBytes - outputBytes
	e.stats.merges.Add(1)
	e.stats.reclaimedBytes.Add(reclaimed)
	e.metrics.RecordMerge(reclaimed)

	e.logger.Info("merge completed",
		"consumed_segments", len(consumed),
		"output_segments", len(outputs),
		"live_records", len(relocations),
		"dropped_tombstones", len(drops),
		"reclaimed_bytes", reclaimed,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

type relocation struct {
	key      []byte
	old, new index.Entry
}

type tombstoneDrop struct {
	key []byte
	old index.Entry
}

func (e *Engine) publishMerge(manifest mergeManifest, relocations []relocation, drops []tombstoneDrop) error {
	dir := e.manager.Dir()

	// Move outputs into place first. In-flight readers are unaffected:
	// they read through the old segments' open handles, which outlive the
	// rename, and cannot reach the new files until Install below.
	for _, id := range manifest.Outputs {
		if err := os.Rename(segment.MergePath(dir, id), segment.DataPath(dir, id)); err != nil {
			return err
		}
		if err := os.Rename(segment.HintPath(dir, id)+segment.MergeFileSuffix, segment.HintPath(dir, id)); err != nil {
			return err
		}
	}

	// Segment objects and index entries swap together under pubMu, so a
	// reader can never pair a pre-merge entry with a post-merge segment.
	e.pubMu.Lock()
	defer e.pubMu.Unlock()

	if err := e.manager.Install(manifest.Outputs); err != nil {
		return err
	}

	// Relocations lose to any write that landed after the liveness check;
	// the conditional swap keeps the newer entry.
	for _, r := range relocations {
		e.keydir.ReplaceIfAt(r.key, r.old, r.new)
	}
	for _, d := range drops {
		e.keydir.RemoveIfAt(d.key, d.old)
	}

	retire := make([]segment.ID, 0, len(manifest.Consumed))
	outputSet := make(map[segment.ID]bool, len(manifest.Outputs))
	for _, id := range manifest.Outputs {
		outputSet[id] = true
	}
	for _, id := range manifest.Consumed {
		if !outputSet[id] {
			retire = append(retire, id)
		}
	}
	if err := e.manager.Retire(retire); err != nil {
		return err
	}

	return os.Remove(filepath.Join(dir, mergeManifestName))
}

// mergeWriter streams live records into output segments, rotating at the
// size threshold and maintaining a hint file per output. Files carry the
// merge suffix until publish renames them.
type mergeWriter struct {
	dir       string
	ids       []segment.ID // allocation pool, ascending
	threshold int64

	current *segment.Segment
	hints   *hintWriter
	done    []segment.ID
	total   int64
}

func newMergeWriter(dir string, ids []segment.ID, threshold int64) *mergeWriter {
	return &mergeWriter{dir: dir, ids: ids, threshold: threshold}
}

func (mw *mergeWriter) append(rec *record.Record) (index.Entry, error) {
	encoded := record.Encode(rec)

	if mw.current != nil && mw.current.Size() > 0 && mw.current.Size()+int64(len(encoded)) > mw.threshold {
		if err := mw.closeCurrent(); err != nil {
			return index.Entry{}, err
		}
	}
	if mw.current == nil {
		if err := mw.openNext(); err != nil {
			return index.Entry{}, err
		}
	}

	offset, err := mw.current.Append(encoded)
	if err != nil {
		return index.Entry{}, err
	}

	entry := index.Entry{
		SegmentID: mw.current.ID(),
		Offset:    offset,
		Size:      rec.Size(),
		Timestamp: rec.Timestamp,
	}
	if err := mw.hints.Append(rec.Key, entry); err != nil {
		return index.Entry{}, err
	}
	return entry, nil
}

func (mw *mergeWriter) openNext() error {
	if len(mw.done) >= len(mw.ids) {
		// Outputs hold a subset of the consumed bytes under the same
		// threshold, so the pool cannot run dry.
		return fmt.Errorf("merge output id pool exhausted")
	}
	id := mw.ids[len(mw.done)]

	seg, err := segment.Create(segment.MergePath(mw.dir, id), id)
	if err != nil {
		return err
	}
	hints, err := newHintWriter(segment.HintPath(mw.dir, id) + segment.MergeFileSuffix)
	if err != nil {
		seg.Close()
		return err
	}

	mw.current = seg
	mw.hints = hints
	return nil
}

func (mw *mergeWriter) closeCurrent() error {
	if mw.current == nil {
		return nil
	}
	if err := mw.current.Sync(); err != nil {
		return err
	}
	mw.total += mw.current.Size()
	mw.done = append(mw.done, mw.current.ID())
	if err := mw.current.Close(); err != nil {
		return err
	}
	mw.current = nil
	if err := mw.hints.Close(); err != nil {
		return err
	}
	mw.hints = nil
	return nil
}

// finish seals the outputs and returns their ids and cumulative size.
func (mw *mergeWriter) finish() ([]segment.ID, int64, error) {
	if err := mw.closeCurrent(); err != nil {
		return nil, 0, err
	}
	return mw.done, mw.total, nil
}

// discard removes every temporary file this writer produced. Pre-manifest
// failures leave the engine exactly as it was.
func (mw *mergeWriter) discard() {
	if mw.current != nil {
		mw.current.Close()
		mw.current = nil
	}
	if mw.hints != nil {
		mw.hints.Close()
		mw.hints = nil
	}
	segment.RemoveStaleMergeFiles(mw.dir)
}

func writeMergeManifest(dir string, manifest mergeManifest) error {
	data, err := json.Marshal(manifest)
	if err != nil {
		return err
	}

	tmp := filepath.Join(dir, mergeManifestName+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, mergeManifestName))
}

// resolveInterruptedMerge brings the data directory to a consistent state
// before the segment set is opened. A manifest on disk means a crash hit
// the publish window: finish the swap. No manifest means any merge
// leftovers are incomplete: throw them away.
func resolveInterruptedMerge(dir string, logger *logging.Logger) error {
	manifestPath := filepath.Join(dir, mergeManifestName)
	os.Remove(manifestPath + ".tmp")

	data, err := os.ReadFile(manifestPath)
	if os.IsNotExist(err) {
		return segment.RemoveStaleMergeFiles(dir)
	}
	if err != nil {
		return fmt.Errorf("read merge manifest: %w", err)
	}

	var manifest mergeManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("parse merge manifest: %w", err)
	}

	logger.Warn("completing interrupted merge",
		"consumed_segments", len(manifest.Consumed),
		"output_segments", len(manifest.Outputs))

	outputSet := make(map[segment.ID]bool, len(manifest.Outputs))
	for _, id := range manifest.Outputs {
		outputSet[id] = true

		// Rename is skipped when the crashed publish already did it.
		mergePath := segment.MergePath(dir, id)
		if _, err := os.Stat(mergePath); err == nil {
			if err := os.Rename(mergePath, segment.DataPath(dir, id)); err != nil {
				return err
			}
		}
		hintTmp := segment.HintPath(dir, id) + segment.MergeFileSuffix
		if _, err := os.Stat(hintTmp); err == nil {
			if err := os.Rename(hintTmp, segment.HintPath(dir, id)); err != nil {
				return err
			}
		}
	}

	for _, id := range manifest.Consumed {
		if outputSet[id] {
			continue
		}
		if err := os.Remove(segment.DataPath(dir, id)); err != nil && !os.IsNotExist(err) {
			return err
		}
		if err := os.Remove(segment.HintPath(dir, id)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}

	return os.Remove(manifestPath)
}
