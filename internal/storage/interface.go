package storage

// KV is the operation surface of the storage engine. Higher layers
// (servers, replication, tooling) consume this interface.
type KV interface {
	Put(key, value []byte) error
	Get(key []byte) ([]byte, error)
	Delete(key []byte) error
	Exists(key []byte) (bool, error)
	ListKeys() [][]byte
	Fold(fn func(key, value []byte) bool) error
	Merge() error
	Sync() error
	Stats() Stats
	Close() error

	// Batch conveniences. These share the single writer like their
	// scalar counterparts; they are not crash-atomic transactions.
	BatchPut(items []KeyValue) error
	BatchGet(keys [][]byte) ([]KeyValue, error)
	BatchDelete(keys [][]byte) error
}

// KeyValue represents a key-value pair
type KeyValue struct {
	Key   []byte
	Value []byte
	Found bool
}

// Stats is a point-in-time view of engine state.
type Stats struct {
	Keys              int   `json:"keys"`
	Tombstones        int   `json:"tombstones"`
	Segments          int   `json:"segments"`
	ImmutableSegments int   `json:"immutable_segments"`
	ImmutableBytes    int64 `json:"immutable_bytes"`
	DiskUsage         int64 `json:"disk_usage"`
	Merges            int64 `json:"merges"`
	ReclaimedBytes    int64 `json:"reclaimed_bytes"`
}
