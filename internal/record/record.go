package record

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
)

// On-disk layout, big-endian:
//
//	checksum(4) | timestamp(8) | key_len(4) | value_len(4) | key | value
//
// The checksum covers everything after the checksum field. A value_len of
// TombstoneSentinel marks a deletion; tombstones carry no value bytes.
const (
	HeaderSize = 20

	// TombstoneSentinel is the value_len marking a deletion record.
	TombstoneSentinel = uint32(0xFFFFFFFF)

	// MaxKeySize bounds key_len so a corrupted header cannot trigger a
	// huge allocation during decode.
	MaxKeySize = uint32(1 << 30)

	// MaxValueSize bounds value_len the same way.
	MaxValueSize = uint32(1 << 30)
)

// ErrCorruptRecord is returned when a record fails its checksum or carries
// an impossible length field.
var ErrCorruptRecord = errors.New("corrupt record")

// Record is one immutable entry in a segment file.
type Record struct {
	Key       []byte
	Value     []byte
	Timestamp int64
	Tombstone bool
}

// Size returns the encoded size of the record in bytes. Tombstones carry
// no value bytes regardless of the Value field.
func (r *Record) Size() int64 {
	n := int64(HeaderSize + len(r.Key))
	if !r.Tombstone {
		n += int64(len(r.Value))
	}
	return n
}

// Encode serializes the record, computing its checksum.
func Encode(r *Record) []byte {
	buf := make([]byte, r.Size())

	binary.BigEndian.PutUint64(buf[4:12], uint64(r.Timestamp))
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(r.Key)))

	if r.Tombstone {
		binary.BigEndian.PutUint32(buf[16:20], TombstoneSentinel)
	} else {
		binary.BigEndian.PutUint32(buf[16:20], uint32(len(r.Value)))
	}

	copy(buf[HeaderSize:], r.Key)
	if !r.Tombstone {
		copy(buf[HeaderSize+len(r.Key):], r.Value)
	}

	checksum := crc32.ChecksumIEEE(buf[4:])
	binary.BigEndian.PutUint32(buf[0:4], checksum)

	return buf
}

// Header is the decoded fixed-width prefix of a record.
type Header struct {
	Checksum  uint32
	Timestamp int64
	KeyLen    uint32
	ValueLen  uint32 // TombstoneSentinel for deletions
}

// Tombstone reports whether the header marks a deletion record.
func (h *Header) Tombstone() bool {
	return h.ValueLen == TombstoneSentinel
}

// BodyLen returns the number of bytes following the header.
func (h *Header) BodyLen() int64 {
	n := int64(h.KeyLen)
	if !h.Tombstone() {
		n += int64(h.ValueLen)
	}
	return n
}

// DecodeHeader parses the fixed-width header and validates its length
// fields. The checksum is not verified here; that requires the body.
func DecodeHeader(buf []byte) (*Header, error) {
	if len(buf) < HeaderSize {
		return nil, ErrCorruptRecord
	}

	h := &Header{
		Checksum:  binary.BigEndian.Uint32(buf[0:4]),
		Timestamp: int64(binary.BigEndian.Uint64(buf[4:12])),
		KeyLen:    binary.BigEndian.Uint32(buf[12:16]),
		ValueLen:  binary.BigEndian.Uint32(buf[16:20]),
	}

	if h.KeyLen == 0 || h.KeyLen > MaxKeySize {
		return nil, ErrCorruptRecord
	}
	if !h.Tombstone() && h.ValueLen > MaxValueSize {
		return nil, ErrCorruptRecord
	}

	return h, nil
}

// Decode deserializes one record from buf, which must contain the complete
// encoded record. Fails with ErrCorruptRecord on checksum mismatch or if
// the length fields overrun the buffer.
func Decode(buf []byte) (*Record, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return nil, err
	}

	total := int64(HeaderSize) + h.BodyLen()
	if int64(len(buf)) < total {
		return nil, ErrCorruptRecord
	}

	if crc32.ChecksumIEEE(buf[4:total]) != h.Checksum {
		return nil, ErrCorruptRecord
	}

	rec := &Record{
		Key:       make([]byte, h.KeyLen),
		Timestamp: h.Timestamp,
		Tombstone: h.Tombstone(),
	}
	copy(rec.Key, buf[HeaderSize:HeaderSize+h.KeyLen])

	if !rec.Tombstone {
		rec.Value = make([]byte, h.ValueLen)
		copy(rec.Value, buf[HeaderSize+h.KeyLen:total])
	}

	return rec, nil
}
