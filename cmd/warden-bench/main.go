// Command warden-bench measures cache reads and lock round trips on the
// available backends.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-warden/v1/adapter"
	"github.com/mirkobrombin/go-warden/v1/lock"
	"github.com/mirkobrombin/go-warden/v1/presets"
)

var (
	concurrency = flag.Int("c", 50, "Concurrency")
	requests    = flag.Int("n", 100000, "Requests")
	dataSize    = flag.Int("d", 256, "Payload size")
	target      = flag.String("target", "all", "Targets: warden-local, warden-redis, ristretto, redis, actor-lock, redis-lock")
	redisAddr   = flag.String("redis-addr", "localhost:6379", "Redis address")
)

type op func(ctx context.Context, worker, i int) error

func main() {
	flag.Parse()

	payload := make([]byte, *dataSize)
	for i := range payload {
		payload[i] = 'x'
	}

	targets := strings.Split(*target, ",")
	if *target == "all" {
		targets = []string{"warden-local", "ristretto", "warden-redis", "redis", "actor-lock", "redis-lock"}
	}

	fmt.Printf("| %-15s | %-10s | %-12s | %-12s |\n", "System", "Ops/sec", "Avg Latency", "P99 Latency")
	fmt.Println("|:---|:---|:---|:---|")

	for _, t := range targets {
		runBenchmark(strings.TrimSpace(t), payload)
	}
}

// setup returns the measured operation for name and a cleanup function.
func setup(ctx context.Context, name string, payload []byte) (op, func(), error) {
	const key = "bench_key"
	load := func(context.Context) ([]byte, bool, error) { return payload, true, nil }

	switch name {
	case "warden-local", "warden-redis":
		var (
			s   *presets.Stack[[]byte]
			err error
		)
		if name == "warden-local" {
			s, err = presets.NewInMemoryStandalone[[]byte](presets.Options{Codec: "bytes"})
		} else {
			s, err = presets.NewRedis[[]byte](presets.RedisOptions{Addr: *redisAddr, Options: presets.Options{Codec: "bytes"}})
		}
		if err != nil {
			return nil, nil, err
		}
		if _, _, err := s.GetOrSet(ctx, key, load, time.Hour); err != nil {
			_ = s.Close()
			return nil, nil, err
		}
		get := func(ctx context.Context, _, _ int) error {
			_, _, err := s.GetOrSet(ctx, key, load, time.Hour)
			return err
		}
		return get, func() { _ = s.Close() }, nil

	case "ristretto":
		c, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: 1e7,
			MaxCost:     1 << 30,
			BufferItems: 64,
		})
		if err != nil {
			return nil, nil, err
		}
		c.Set(key, payload, 1)
		c.Wait()
		get := func(context.Context, int, int) error {
			if _, found := c.Get(key); !found {
				return fmt.Errorf("not found")
			}
			return nil
		}
		return get, c.Close, nil

	case "redis":
		r := redis.NewClient(&redis.Options{Addr: *redisAddr})
		if err := r.Set(ctx, key, payload, 0).Err(); err != nil {
			_ = r.Close()
			return nil, nil, err
		}
		get := func(ctx context.Context, _, _ int) error { return r.Get(ctx, key).Err() }
		return get, func() { _ = r.Close() }, nil

	case "actor-lock":
		a := lock.NewActor()
		return lockRoundTrip(a), a.Close, nil

	case "redis-lock":
		r := redis.NewClient(&redis.Options{Addr: *redisAddr})
		if err := r.Ping(ctx).Err(); err != nil {
			_ = r.Close()
			return nil, nil, err
		}
		return lockRoundTrip(lock.NewStore(adapter.NewRedisKV(r))), func() { _ = r.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown target %q", name)
}

// lockRoundTrip acquires and releases a key private to each worker, so the
// numbers reflect lock overhead rather than contention.
func lockRoundTrip(l lock.Locker) op {
	return func(ctx context.Context, worker, _ int) error {
		key := fmt.Sprintf("bench:%d", worker)
		owner := fmt.Sprintf("w%d", worker)
		ok, err := l.TryAcquire(ctx, key, owner, time.Second)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s contended", key)
		}
		_, err = l.Release(ctx, key, owner)
		return err
	}
}

func runBenchmark(name string, payload []byte) {
	ctx := context.Background()
	fn, cleanup, err := setup(ctx, name, payload)
	if err != nil {
		log.Printf("%s: %v", name, err)
		fmt.Printf("| %-15s | %-10s | %-12s | %-12s |\n", name, "FAIL", "-", "-")
		return
	}
	defer cleanup()

	var wg sync.WaitGroup
	var ops int64
	totalReqs := *requests
	latencies := make([]int64, totalReqs)

	start := time.Now()
	chunk := totalReqs / *concurrency

	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			offset := idx * chunk
			for j := 0; j < chunk; j++ {
				reqStart := time.Now()
				if err := fn(ctx, idx, j); err == nil {
					atomic.AddInt64(&ops, 1)
					latencies[offset+j] = time.Since(reqStart).Nanoseconds()
				}
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	if ops == 0 {
		fmt.Printf("| %-15s | %-10s | %-12s | %-12s |\n", name, "ERROR", "-", "-")
		return
	}

	throughput := float64(ops) / elapsed.Seconds()
	avgLat := float64(elapsed.Nanoseconds()) / float64(ops)

	p99 := "-"
	valid := make([]int64, 0, ops)
	for _, l := range latencies {
		if l > 0 {
			valid = append(valid, l)
		}
	}
	if len(valid) > 0 {
		sort.Slice(valid, func(i, j int) bool { return valid[i] < valid[j] })
		idx := min(int(float64(len(valid))*0.99), len(valid)-1)
		p99 = fmt.Sprintf("%d", valid[idx])
	}

	fmt.Printf("| %-15s | %-10.0f | %-12.0f | %-12s |\n", name, throughput, avgLat, p99)
}
