package benchmarks

import (
	"context"
	"fmt"
	"testing"

	"github.com/go-redis/redis/v8"

	"logcask/internal/storage"
	"logcask/internal/testutil"
)

// Comparing an embedded log-structured store against a networked cache is
// apples to oranges on latency; the point is throughput under the same
// access pattern. Skips when no Redis server is listening locally.

func setupRedis(b *testing.B) *redis.Client {
	b.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   0,
	})

	ctx := context.Background()
	if _, err := client.Ping(ctx).Result(); err != nil {
		b.Skipf("Redis not available for comparison: %v", err)
	}
	client.FlushDB(ctx)

	b.Cleanup(func() { client.Close() })
	return client
}

func BenchmarkVsRedis_SingleOperations(b *testing.B) {
	value := testutil.GenerateRandomString(100)

	b.Run("LogCask_Put", func(b *testing.B) {
		engine := setupBenchmarkEngine(b)

		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			key := []byte(fmt.Sprintf("redis-cmp-%d", i))
			if err := engine.Put(key, []byte(value)); err != nil {
				b.Fatalf("Put failed: %v", err)
			}
		}
	})

	b.Run("Redis_Set", func(b *testing.B) {
		client := setupRedis(b)
		ctx := context.Background()

		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			key := fmt.Sprintf("redis-cmp-%d", i)
			if err := client.Set(ctx, key, value, 0).Err(); err != nil {
				b.Fatalf("Set failed: %v", err)
			}
		}
	})

	b.Run("LogCask_Get", func(b *testing.B) {
		engine := setupBenchmarkEngine(b)
		const numKeys = 10000
		for i := 0; i < numKeys; i++ {
			if err := engine.Put([]byte(fmt.Sprintf("redis-cmp-%d", i)), []byte(value)); err != nil {
				b.Fatalf("Setup Put failed: %v", err)
			}
		}

		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			key := []byte(fmt.Sprintf("redis-cmp-%d", i%numKeys))
			if _, err := engine.Get(key); err != nil {
				b.Fatalf("Get failed: %v", err)
			}
		}
	})

	b.Run("Redis_Get", func(b *testing.B) {
		client := setupRedis(b)
		ctx := context.Background()
		const numKeys = 10000
		for i := 0; i < numKeys; i++ {
			if err := client.Set(ctx, fmt.Sprintf("redis-cmp-%d", i), value, 0).Err(); err != nil {
				b.Fatalf("Setup Set failed: %v", err)
			}
		}

		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			key := fmt.Sprintf("redis-cmp-%d", i%numKeys)
			if err := client.Get(ctx, key).Err(); err != nil {
				b.Fatalf("Get failed: %v", err)
			}
		}
	})
}

func BenchmarkVsRedis_BatchOperations(b *testing.B) {
	const batchSize = 100
	value := testutil.GenerateRandomString(100)

	b.Run("LogCask_BatchPut", func(b *testing.B) {
		engine := setupBenchmarkEngine(b)

		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			items := make([]storage.KeyValue, batchSize)
			for j := range items {
				items[j] = storage.KeyValue{
					Key:   []byte(fmt.Sprintf("batch-%d-%d", i, j)),
					Value: []byte(value),
				}
			}
			if err := engine.BatchPut(items); err != nil {
				b.Fatalf("BatchPut failed: %v", err)
			}
		}
	})

	b.Run("Redis_Pipeline", func(b *testing.B) {
		client := setupRedis(b)
		ctx := context.Background()

		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			pipe := client.Pipeline()
			for j := 0; j < batchSize; j++ {
				pipe.Set(ctx, fmt.Sprintf("batch-%d-%d", i, j), value, 0)
			}
			if _, err := pipe.Exec(ctx); err != nil {
				b.Fatalf("Pipeline failed: %v", err)
			}
		}
	})
}
