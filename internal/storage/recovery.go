package storage

import (
	"errors"
	"os"

	"logcask/internal/index"
)

// recover rebuilds the keydir by replaying every segment oldest to newest
// and, within each, records in file order. Physical order decides
// precedence, so each record unconditionally overwrites the previous entry
// for its key; timestamps are never compared. Tombstones are indexed like
// any other record, which later merges rely on.
func (e *Engine) recover() error {
	segments := e.manager.List()

	for i, seg := range segments {
		isNewest := i == len(segments)-1

		// Sealed segments produced by a merge carry a hint file that
		// spares us decoding the data file.
		if !isNewest {
			entries, err := loadHint(e.manager.Dir(), seg.ID())
			if err == nil {
				for _, h := range entries {
					e.keydir.Put(h.key, index.Entry{
						SegmentID: seg.ID(),
						Offset:    h.offset,
						Size:      h.size,
						Timestamp: h.timestamp,
					})
				}
				continue
			}
			if !errors.Is(err, os.ErrNotExist) {
				e.logger.WithError(err).Warn("ignoring unusable hint file",
					"segment_id", seg.ID())
			}
		}

		it := seg.Iterate()
		count := 0
		for {
			offset, rec, ok := it.Next()
			if !ok {
				break
			}
			e.keydir.Put(rec.Key, index.Entry{
				SegmentID: seg.ID(),
				Offset:    offset,
				Size:      rec.Size(),
				Timestamp: rec.Timestamp,
				Tombstone: rec.Tombstone,
			})
			count++
		}

		// A malformed record ends the scan. On the newest segment this is
		// the torn tail of an unclean shutdown: cut it off so appends
		// resume from the last valid record. Sealed segments are left
		// alone; their trailing garbage is unreferenced and will die with
		// the segment at the next merge. Neither case fails the open.
		if validLen, truncated := it.Truncated(); truncated {
			if isNewest {
				if err := seg.Truncate(validLen); err != nil {
					return err
				}
				e.logger.Warn("truncated torn segment tail",
					"segment_id", seg.ID(),
					"valid_bytes", validLen,
					"records", count)
			} else {
				e.logger.Warn("sealed segment has malformed tail, ignoring trailing bytes",
					"segment_id", seg.ID(),
					"valid_bytes", validLen,
					"records", count)
			}
		}
	}

	return nil
}
