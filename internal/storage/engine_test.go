package storage

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"logcask/internal/config"
	"logcask/internal/logging"
)

func testConfig(dir string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Storage.DataDir = dir
	cfg.Storage.SegmentSizeThreshold = 4096
	cfg.Storage.MergeThreshold = 16384
	cfg.Storage.AutoMerge = false
	cfg.Storage.MaxKeySize = 1024
	cfg.Storage.MaxValueSize = 2048
	cfg.Metrics.Enabled = false
	return cfg
}

func testLogger() *logging.Logger {
	logConfig := logging.TestLoggingConfig()
	return logging.NewLogger(&logConfig)
}

func setupTestEngine(t *testing.T) (*Engine, func()) {
	t.Helper()

	engine, err := Open(testConfig(t.TempDir()), testLogger(), nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return engine, func() { engine.Close() }
}

func TestOpen(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr bool
	}{
		{
			name:   "fresh directory",
			mutate: func(cfg *config.Config) {},
		},
		{
			name: "empty data dir rejected",
			mutate: func(cfg *config.Config) {
				cfg.Storage.DataDir = ""
			},
			wantErr: true,
		},
		{
			name: "invalid sync policy rejected",
			mutate: func(cfg *config.Config) {
				cfg.Storage.SyncPolicy = "eventually"
			},
			wantErr: true,
		},
		{
			name: "threshold below max record rejected",
			mutate: func(cfg *config.Config) {
				cfg.Storage.SegmentSizeThreshold = 100
			},
			wantErr: true,
		},
		{
			name: "periodic sync policy",
			mutate: func(cfg *config.Config) {
				cfg.Storage.SyncPolicy = config.SyncPeriodic
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t.TempDir())
			tt.mutate(cfg)

			engine, err := Open(cfg, testLogger(), nil)
			if (err != nil) != tt.wantErr {
				t.Errorf("Open() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if engine != nil {
				engine.Close()
			}
		})
	}
}

func TestEngine_Put_Get(t *testing.T) {
	engine, cleanup := setupTestEngine(t)
	defer cleanup()

	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"simple key-value", "key1", "value1"},
		{"empty value", "key2", ""},
		{"unicode key-value", "키", "값"},
		{"special chars", "key!@#$%", "value!@#$%"},
		{"binary-ish value", "key3", "\x00\x01\x02\xff"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := engine.Put([]byte(tt.key), []byte(tt.value))
			if err != nil {
				t.Errorf("Put() error = %v", err)
				return
			}

			got, err := engine.Get([]byte(tt.key))
			if err != nil {
				t.Errorf("Get() error = %v", err)
				return
			}

			if string(got) != tt.value {
				t.Errorf("Get() = %q, want %q", string(got), tt.value)
			}
		})
	}
}

func TestEngine_Get_NotFound(t *testing.T) {
	engine, cleanup := setupTestEngine(t)
	defer cleanup()

	_, err := engine.Get([]byte("nonexistent"))
	if !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Get() error = %v, want %v", err, ErrKeyNotFound)
	}
}

func TestEngine_Update(t *testing.T) {
	engine, cleanup := setupTestEngine(t)
	defer cleanup()

	key := []byte("update-test")

	for i := 0; i < 5; i++ {
		value := []byte(fmt.Sprintf("version-%d", i))
		if err := engine.Put(key, value); err != nil {
			t.Fatalf("Put() error = %v", err)
		}

		got, err := engine.Get(key)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if !bytes.Equal(got, value) {
			t.Errorf("Get() = %q, want %q", got, value)
		}
	}
}

func TestEngine_Delete(t *testing.T) {
	engine, cleanup := setupTestEngine(t)
	defer cleanup()

	key := []byte("delete-test")

	if err := engine.Put(key, []byte("delete-value")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	if err := engine.Delete(key); err != nil {
		t.Errorf("Delete() error = %v", err)
	}

	_, err := engine.Get(key)
	if !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Get() after Delete() error = %v, want %v", err, ErrKeyNotFound)
	}

	// Deleting an absent or already-deleted key succeeds without writing.
	if err := engine.Delete(key); err != nil {
		t.Errorf("Delete() of deleted key error = %v, want nil", err)
	}
	if err := engine.Delete([]byte("never-existed")); err != nil {
		t.Errorf("Delete() of absent key error = %v, want nil", err)
	}
}

func TestEngine_DeleteThenPut(t *testing.T) {
	engine, cleanup := setupTestEngine(t)
	defer cleanup()

	key := []byte("resurrect")

	if err := engine.Put(key, []byte("first")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := engine.Delete(key); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := engine.Put(key, []byte("second")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err := engine.Get(key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != "second" {
		t.Errorf("Get() = %q, want %q", got, "second")
	}
}

func TestEngine_KeyValidation(t *testing.T) {
	engine, cleanup := setupTestEngine(t)
	defer cleanup()

	if err := engine.Put(nil, []byte("v")); !errors.Is(err, ErrKeyEmpty) {
		t.Errorf("Put(empty key) error = %v, want %v", err, ErrKeyEmpty)
	}
	if _, err := engine.Get([]byte{}); !errors.Is(err, ErrKeyEmpty) {
		t.Errorf("Get(empty key) error = %v, want %v", err, ErrKeyEmpty)
	}
	if err := engine.Delete(nil); !errors.Is(err, ErrKeyEmpty) {
		t.Errorf("Delete(empty key) error = %v, want %v", err, ErrKeyEmpty)
	}

	bigKey := []byte(strings.Repeat("k", 1025))
	if err := engine.Put(bigKey, []byte("v")); !errors.Is(err, ErrKeyTooLarge) {
		t.Errorf("Put(oversized key) error = %v, want %v", err, ErrKeyTooLarge)
	}

	bigValue := []byte(strings.Repeat("v", 2049))
	if err := engine.Put([]byte("k"), bigValue); !errors.Is(err, ErrValueTooLarge) {
		t.Errorf("Put(oversized value) error = %v, want %v", err, ErrValueTooLarge)
	}
}

func TestEngine_Exists(t *testing.T) {
	engine, cleanup := setupTestEngine(t)
	defer cleanup()

	key := []byte("exists-test")

	exists, err := engine.Exists(key)
	if err != nil {
		t.Fatalf("Exists() error = %v", err)
	}
	if exists {
		t.Error("Exists() = true for absent key")
	}

	if err := engine.Put(key, []byte("v")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	exists, err = engine.Exists(key)
	if err != nil {
		t.Fatalf("Exists() error = %v", err)
	}
	if !exists {
		t.Error("Exists() = false for present key")
	}

	if err := engine.Delete(key); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	exists, err = engine.Exists(key)
	if err != nil {
		t.Fatalf("Exists() error = %v", err)
	}
	if exists {
		t.Error("Exists() = true for deleted key")
	}
}

func TestEngine_ListKeys(t *testing.T) {
	engine, cleanup := setupTestEngine(t)
	defer cleanup()

	for _, key := range []string{"charlie", "alpha", "bravo", "delta"} {
		if err := engine.Put([]byte(key), []byte("v")); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
	}
	if err := engine.Delete([]byte("bravo")); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	keys := engine.ListKeys()
	want := []string{"alpha", "charlie", "delta"}
	if len(keys) != len(want) {
		t.Fatalf("ListKeys() returned %d keys, want %d", len(keys), len(want))
	}
	for i, key := range keys {
		if string(key) != want[i] {
			t.Errorf("ListKeys()[%d] = %q, want %q", i, key, want[i])
		}
	}
}

func TestEngine_Fold(t *testing.T) {
	engine, cleanup := setupTestEngine(t)
	defer cleanup()

	data := map[string]string{"a": "1", "b": "2", "c": "3"}
	for k, v := range data {
		if err := engine.Put([]byte(k), []byte(v)); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
	}
	if err := engine.Delete([]byte("b")); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	seen := map[string]string{}
	err := engine.Fold(func(key, value []byte) bool {
		seen[string(key)] = string(value)
		return true
	})
	if err != nil {
		t.Fatalf("Fold() error = %v", err)
	}

	if len(seen) != 2 || seen["a"] != "1" || seen["c"] != "3" {
		t.Errorf("Fold() visited %v, want a=1 and c=3 only", seen)
	}

	// Early termination.
	visits := 0
	err = engine.Fold(func(key, value []byte) bool {
		visits++
		return false
	})
	if err != nil {
		t.Fatalf("Fold() error = %v", err)
	}
	if visits != 1 {
		t.Errorf("Fold() with early stop visited %d pairs, want 1", visits)
	}
}

func TestEngine_Rotation(t *testing.T) {
	engine, cleanup := setupTestEngine(t)
	defer cleanup()

	// Each record is ~1KB; the 4KB threshold forces several rotations.
	value := []byte(strings.Repeat("x", 1000))
	for i := 0; i < 20; i++ {
		key := []byte(fmt.Sprintf("rotate-%02d", i))
		if err := engine.Put(key, value); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
	}

	stats := engine.Stats()
	if stats.ImmutableSegments == 0 {
		t.Error("expected at least one immutable segment after writing past the threshold")
	}

	// Records in sealed segments stay readable.
	for i := 0; i < 20; i++ {
		key := []byte(fmt.Sprintf("rotate-%02d", i))
		got, err := engine.Get(key)
		if err != nil {
			t.Fatalf("Get(%s) error = %v", key, err)
		}
		if !bytes.Equal(got, value) {
			t.Errorf("Get(%s) returned wrong value", key)
		}
	}
}

func TestEngine_ReopenPreservesData(t *testing.T) {
	dir := t.TempDir()

	engine, err := Open(testConfig(dir), testLogger(), nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	value := []byte(strings.Repeat("y", 500))
	for i := 0; i < 30; i++ {
		if err := engine.Put([]byte(fmt.Sprintf("key-%02d", i)), value); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
	}
	if err := engine.Put([]byte("key-05"), []byte("updated")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := engine.Delete([]byte("key-10")); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := engine.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := Open(testConfig(dir), testLogger(), nil)
	if err != nil {
		t.Fatalf("Open() after close error = %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Get([]byte("key-05"))
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != "updated" {
		t.Errorf("Get(key-05) = %q, want %q (last write must win)", got, "updated")
	}

	if _, err := reopened.Get([]byte("key-10")); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Get(deleted key) after reopen error = %v, want %v", err, ErrKeyNotFound)
	}

	got, err = reopened.Get([]byte("key-20"))
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !bytes.Equal(got, value) {
		t.Error("Get(key-20) returned wrong value after reopen")
	}
}

func TestEngine_Stats(t *testing.T) {
	engine, cleanup := setupTestEngine(t)
	defer cleanup()

	for i := 0; i < 10; i++ {
		if err := engine.Put([]byte(fmt.Sprintf("stat-%d", i)), []byte("v")); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
	}
	if err := engine.Delete([]byte("stat-3")); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	stats := engine.Stats()
	if stats.Keys != 9 {
		t.Errorf("Stats().Keys = %d, want 9", stats.Keys)
	}
	if stats.Tombstones != 1 {
		t.Errorf("Stats().Tombstones = %d, want 1", stats.Tombstones)
	}
	if stats.Segments < 1 {
		t.Errorf("Stats().Segments = %d, want >= 1", stats.Segments)
	}
	if stats.DiskUsage <= 0 {
		t.Errorf("Stats().DiskUsage = %d, want > 0", stats.DiskUsage)
	}
}

func TestEngine_Sync(t *testing.T) {
	engine, cleanup := setupTestEngine(t)
	defer cleanup()

	if err := engine.Put([]byte("sync-key"), []byte("sync-value")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := engine.Sync(); err != nil {
		t.Errorf("Sync() error = %v", err)
	}
}

func TestEngine_SyncAlwaysPolicy(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Storage.SyncPolicy = config.SyncAlways

	engine, err := Open(cfg, testLogger(), nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer engine.Close()

	if err := engine.Put([]byte("durable"), []byte("value")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	got, err := engine.Get([]byte("durable"))
	if err != nil || string(got) != "value" {
		t.Errorf("Get() = %q, %v, want value, nil", got, err)
	}
}

func TestEngine_ClosedErrors(t *testing.T) {
	engine, _ := setupTestEngine(t)
	if err := engine.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if err := engine.Put([]byte("k"), []byte("v")); !errors.Is(err, ErrEngineClosed) {
		t.Errorf("Put() after close error = %v, want %v", err, ErrEngineClosed)
	}
	if _, err := engine.Get([]byte("k")); !errors.Is(err, ErrEngineClosed) {
		t.Errorf("Get() after close error = %v, want %v", err, ErrEngineClosed)
	}
	if err := engine.Delete([]byte("k")); !errors.Is(err, ErrEngineClosed) {
		t.Errorf("Delete() after close error = %v, want %v", err, ErrEngineClosed)
	}
	if err := engine.Merge(); !errors.Is(err, ErrEngineClosed) {
		t.Errorf("Merge() after close error = %v, want %v", err, ErrEngineClosed)
	}

	// Double close is a no-op.
	if err := engine.Close(); err != nil {
		t.Errorf("second Close() error = %v, want nil", err)
	}
}

func TestEngine_StatsAfterClose(t *testing.T) {
	engine, _ := setupTestEngine(t)

	if err := engine.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := engine.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if got := engine.Stats(); got != (Stats{}) {
		t.Errorf("Stats() after close = %+v, want zero value", got)
	}
	if keys := engine.ListKeys(); keys != nil {
		t.Errorf("ListKeys() after close returned %d keys, want nil", len(keys))
	}
}

func TestEngine_Batch(t *testing.T) {
	engine, cleanup := setupTestEngine(t)
	defer cleanup()

	items := []KeyValue{
		{Key: []byte("batch-1"), Value: []byte("one")},
		{Key: []byte("batch-2"), Value: []byte("two")},
		{Key: []byte("batch-3"), Value: []byte("three")},
	}
	if err := engine.BatchPut(items); err != nil {
		t.Fatalf("BatchPut() error = %v", err)
	}

	results, err := engine.BatchGet([][]byte{
		[]byte("batch-1"), []byte("missing"), []byte("batch-3"),
	})
	if err != nil {
		t.Fatalf("BatchGet() error = %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("BatchGet() returned %d results, want 3", len(results))
	}
	if !results[0].Found || string(results[0].Value) != "one" {
		t.Errorf("BatchGet()[0] = %+v, want found=true value=one", results[0])
	}
	if results[1].Found {
		t.Errorf("BatchGet()[1].Found = true for missing key")
	}
	if !results[2].Found || string(results[2].Value) != "three" {
		t.Errorf("BatchGet()[2] = %+v, want found=true value=three", results[2])
	}

	if err := engine.BatchDelete([][]byte{[]byte("batch-1"), []byte("batch-2")}); err != nil {
		t.Fatalf("BatchDelete() error = %v", err)
	}
	if _, err := engine.Get([]byte("batch-1")); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Get() after BatchDelete() error = %v, want %v", err, ErrKeyNotFound)
	}
}

// Exercises a full lifecycle: fill across several segments, overwrite,
// delete, merge, then reopen and check the surviving state.
func TestEngine_Lifecycle(t *testing.T) {
	dir := t.TempDir()

	engine, err := Open(testConfig(dir), testLogger(), nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	padding := strings.Repeat("p", 400)
	for i := 0; i < 40; i++ {
		key := []byte(fmt.Sprintf("user:%02d", i))
		if err := engine.Put(key, []byte(fmt.Sprintf("v1-%d-%s", i, padding))); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
	}
	for i := 0; i < 20; i++ {
		key := []byte(fmt.Sprintf("user:%02d", i))
		if err := engine.Put(key, []byte(fmt.Sprintf("v2-%d", i))); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
	}
	for i := 30; i < 40; i++ {
		if err := engine.Delete([]byte(fmt.Sprintf("user:%02d", i))); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
	}

	if err := engine.Merge(); err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if err := engine.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := Open(testConfig(dir), testLogger(), nil)
	if err != nil {
		t.Fatalf("Open() after merge error = %v", err)
	}
	defer reopened.Close()

	for i := 0; i < 20; i++ {
		key := []byte(fmt.Sprintf("user:%02d", i))
		got, err := reopened.Get(key)
		if err != nil {
			t.Fatalf("Get(%s) error = %v", key, err)
		}
		want := fmt.Sprintf("v2-%d", i)
		if string(got) != want {
			t.Errorf("Get(%s) = %q, want %q", key, got, want)
		}
	}
	for i := 20; i < 30; i++ {
		key := []byte(fmt.Sprintf("user:%02d", i))
		if _, err := reopened.Get(key); err != nil {
			t.Errorf("Get(%s) error = %v, want original value intact", key, err)
		}
	}
	for i := 30; i < 40; i++ {
		key := []byte(fmt.Sprintf("user:%02d", i))
		if _, err := reopened.Get(key); !errors.Is(err, ErrKeyNotFound) {
			t.Errorf("Get(%s) error = %v, want %v", key, err, ErrKeyNotFound)
		}
	}
}
