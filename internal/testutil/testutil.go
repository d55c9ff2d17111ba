package testutil

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"logcask/internal/config"
	"logcask/internal/logging"
	"logcask/internal/storage"
)

// TestConfig creates a configuration suitable for tests: a throwaway data
// directory and a small segment threshold so rotation and merging are easy
// to trigger.
func TestConfig(dataDir string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Storage.DataDir = dataDir
	cfg.Storage.SegmentSizeThreshold = 4096
	cfg.Storage.MergeThreshold = 16384
	cfg.Storage.AutoMerge = false
	cfg.Storage.MaxKeySize = 1024
	cfg.Storage.MaxValueSize = 2048
	cfg.Storage.Cache.Enabled = false
	cfg.Metrics.Enabled = false
	return cfg
}

// TestLogger creates a test logger with minimal configuration
func TestLogger() *logging.Logger {
	testLogConfig := logging.TestLoggingConfig()
	return logging.NewLogger(&testLogConfig)
}

// TestEngine creates a storage engine backed by a temporary directory,
// closed automatically when the test finishes.
func TestEngine(t *testing.T) *storage.Engine {
	t.Helper()

	engine := OpenTestEngine(t, t.TempDir())
	t.Cleanup(func() {
		engine.Close()
	})
	return engine
}

// OpenTestEngine opens an engine over an existing directory. Reopen-style
// tests use it to restart over the same files; callers own the Close.
func OpenTestEngine(t *testing.T, dataDir string) *storage.Engine {
	t.Helper()

	engine, err := storage.Open(TestConfig(dataDir), TestLogger(), nil)
	if err != nil {
		t.Fatalf("Failed to open test storage engine: %v", err)
	}
	return engine
}

// GenerateRandomString generates a random string of given length
func GenerateRandomString(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	result := make([]byte, length)
	for i := range result {
		result[i] = charset[rand.Intn(len(charset))]
	}
	return string(result)
}

// GenerateRandomKey generates a random key for testing
func GenerateRandomKey() string {
	return fmt.Sprintf("test-key-%s", GenerateRandomString(8))
}

// GenerateRandomValue generates a random value for testing
func GenerateRandomValue() string {
	return fmt.Sprintf("test-value-%s", GenerateRandomString(16))
}

// PopulateTestData populates storage with test data and returns the data map
func PopulateTestData(t *testing.T, kv storage.KV, count int) map[string]string {
	t.Helper()

	data := make(map[string]string)
	for i := 0; i < count; i++ {
		key := fmt.Sprintf("test-key-%d", i)
		value := fmt.Sprintf("test-value-%d", i)

		err := kv.Put([]byte(key), []byte(value))
		if err != nil {
			t.Fatalf("Failed to put test data: %v", err)
		}

		data[key] = value
	}

	return data
}

// AssertKeyExists verifies that a key exists in storage
func AssertKeyExists(t *testing.T, kv storage.KV, key string) {
	t.Helper()

	exists, err := kv.Exists([]byte(key))
	if err != nil {
		t.Fatalf("Failed to check key existence: %v", err)
	}

	if !exists {
		t.Errorf("Expected key %s to exist, but it doesn't", key)
	}
}

// AssertKeyNotExists verifies that a key does not exist in storage
func AssertKeyNotExists(t *testing.T, kv storage.KV, key string) {
	t.Helper()

	exists, err := kv.Exists([]byte(key))
	if err != nil {
		t.Fatalf("Failed to check key existence: %v", err)
	}

	if exists {
		t.Errorf("Expected key %s to not exist, but it does", key)
	}
}

// AssertKeyValue verifies that a key has the expected value
func AssertKeyValue(t *testing.T, kv storage.KV, key, expectedValue string) {
	t.Helper()

	value, err := kv.Get([]byte(key))
	if err != nil {
		t.Fatalf("Failed to get key %s: %v", key, err)
	}

	if string(value) != expectedValue {
		t.Errorf("Expected key %s to have value %s, got %s", key, expectedValue, string(value))
	}
}

// WaitForCondition waits for a condition to become true with timeout
func WaitForCondition(t *testing.T, condition func() bool, timeout time.Duration, checkInterval time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(checkInterval)
	}

	t.Fatalf("Condition not met within timeout %v", timeout)
}

// ConcurrentTest runs multiple test functions concurrently
func ConcurrentTest(t *testing.T, concurrency int, testFunc func(int)) {
	t.Helper()

	done := make(chan bool, concurrency)
	errors := make(chan error, concurrency)

	for i := 0; i < concurrency; i++ {
		go func(index int) {
			defer func() {
				if r := recover(); r != nil {
					errors <- fmt.Errorf("goroutine %d panicked: %v", index, r)
				}
				done <- true
			}()

			testFunc(index)
		}(i)
	}

	for i := 0; i < concurrency; i++ {
		<-done
	}

	select {
	case err := <-errors:
		t.Fatalf("Concurrent test failed: %v", err)
	default:
	}
}
