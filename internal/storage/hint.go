package storage

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"logcask/internal/index"
	"logcask/internal/segment"
)

// Hint files sit beside merge output segments and let recovery rebuild
// that segment's index entries without decoding the data file. Each entry
// is, big-endian:
//
//	key_len(4) | offset(8) | size(4) | timestamp(8) | key
//
// Merge outputs hold live records only, so hints never carry tombstones.
// A hint is an optimization: when missing or malformed, recovery falls
// back to scanning the data file.
const hintEntryHeaderSize = 24

type hintEntry struct {
	key       []byte
	offset    int64
	size      int64
	timestamp int64
}

// hintWriter accumulates hint entries for one output segment.
type hintWriter struct {
	file *os.File
	w    *bufio.Writer
}

func newHintWriter(path string) (*hintWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create hint file: %w", err)
	}
	return &hintWriter{file: f, w: bufio.NewWriter(f)}, nil
}

func (hw *hintWriter) Append(key []byte, entry index.Entry) error {
	var header [hintEntryHeaderSize]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(len(key)))
	binary.BigEndian.PutUint64(header[4:12], uint64(entry.Offset))
	binary.BigEndian.PutUint32(header[12:16], uint32(entry.Size))
	binary.BigEndian.PutUint64(header[16:24], uint64(entry.Timestamp))

	if _, err := hw.w.Write(header[:]); err != nil {
		return fmt.Errorf("write hint entry: %w", err)
	}
	if _, err := hw.w.Write(key); err != nil {
		return fmt.Errorf("write hint entry: %w", err)
	}
	return nil
}

func (hw *hintWriter) Close() error {
	if err := hw.w.Flush(); err != nil {
		hw.file.Close()
		return fmt.Errorf("flush hint file: %w", err)
	}
	if err := hw.file.Sync(); err != nil {
		hw.file.Close()
		return fmt.Errorf("sync hint file: %w", err)
	}
	return hw.file.Close()
}

// loadHint reads the hint file for a segment. Returns os.ErrNotExist when
// there is none and a wrapped error when the file is unreadable or
// malformed; callers fall back to a full scan in either case.
func loadHint(dir string, id segment.ID) ([]hintEntry, error) {
	f, err := os.Open(segment.HintPath(dir, id))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var entries []hintEntry
	header := make([]byte, hintEntryHeaderSize)

	for {
		if _, err := io.ReadFull(r, header); err != nil {
			if err == io.EOF {
				return entries, nil
			}
			return nil, fmt.Errorf("malformed hint file for segment %d: %w", id, err)
		}

		keyLen := binary.BigEndian.Uint32(header[0:4])
		if keyLen == 0 || keyLen > uint32(1<<30) {
			return nil, fmt.Errorf("malformed hint file for segment %d: key length %d", id, keyLen)
		}

		entry := hintEntry{
			key:       make([]byte, keyLen),
			offset:    int64(binary.BigEndian.Uint64(header[4:12])),
			size:      int64(binary.BigEndian.Uint32(header[12:16])),
			timestamp: int64(binary.BigEndian.Uint64(header[16:24])),
		}
		if _, err := io.ReadFull(r, entry.key); err != nil {
			return nil, fmt.Errorf("malformed hint file for segment %d: %w", id, err)
		}

		entries = append(entries, entry)
	}
}
