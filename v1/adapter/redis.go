package adapter

import (
	"context"
	stdErrors "errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	wardenerrors "github.com/mirkobrombin/go-warden/v1/errors"
)

const (
	defaultRedisOpTimeout = 5 * time.Second
	defaultScanCount      = 100
)

var compareAndDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

var compareAndExpireScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    if tonumber(ARGV[2]) > 0 then
        return redis.call("PEXPIRE", KEYS[1], ARGV[2])
    end
    return redis.call("PERSIST", KEYS[1]) + 1
else
    return 0
end
`)

// RedisKV implements KV using a Redis backend. Conditional deletes and
// expiry updates run as server-side scripts, so the compare and the write
// are a single atomic step.
type RedisKV struct {
	client    redis.UniversalClient
	timeout   time.Duration
	scanCount int64
}

// RedisOption configures a RedisKV.
type RedisOption func(*redisOptions)

type redisOptions struct {
	timeout   time.Duration
	scanCount int64
}

// WithTimeout sets the operation timeout for Redis calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(o *redisOptions) {
		o.timeout = d
	}
}

// WithScanCount sets the COUNT hint used when iterating keys.
func WithScanCount(n int64) RedisOption {
	return func(o *redisOptions) {
		if n > 0 {
			o.scanCount = n
		}
	}
}

// NewRedisKV returns a new RedisKV using the provided Redis client.
func NewRedisKV(client redis.UniversalClient, opts ...RedisOption) *RedisKV {
	o := redisOptions{timeout: defaultRedisOpTimeout, scanCount: defaultScanCount}
	for _, opt := range opts {
		opt(&o)
	}
	return &RedisKV{client: client, timeout: o.timeout, scanCount: o.scanCount}
}

// begin checks ctx and derives the per-operation deadline.
func (s *RedisKV) begin(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, translateRedis(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	return cctx, cancel, nil
}

func translateRedis(err error) error {
	switch {
	case err == nil:
		return nil
	case stdErrors.Is(err, context.DeadlineExceeded):
		return wardenerrors.ErrTimeout
	case stdErrors.Is(err, redis.ErrClosed):
		return wardenerrors.ErrConnectionClosed
	}
	return err
}

// Get implements KV.Get.
func (s *RedisKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer cancel()
	data, err := s.client.Get(cctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, translateRedis(err)
	}
	return data, true, nil
}

// Set implements KV.Set.
func (s *RedisKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	return translateRedis(s.client.Set(cctx, key, value, ttl).Err())
}

// SetNX implements KV.SetNX.
func (s *RedisKV) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	ok, err := s.client.SetNX(cctx, key, value, ttl).Result()
	if err != nil {
		return false, translateRedis(err)
	}
	return ok, nil
}

// Delete implements KV.Delete.
func (s *RedisKV) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()
	n, err := s.client.Del(cctx, keys...).Result()
	if err != nil {
		return 0, translateRedis(err)
	}
	return n, nil
}

// CompareAndDelete implements KV.CompareAndDelete.
func (s *RedisKV) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	n, err := compareAndDeleteScript.Run(cctx, s.client, []string{key}, expected).Int64()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, translateRedis(err)
	}
	return n > 0, nil
}

// CompareAndExpire implements KV.CompareAndExpire.
func (s *RedisKV) CompareAndExpire(ctx context.Context, key string, expected []byte, ttl time.Duration) (bool, error) {
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	n, err := compareAndExpireScript.Run(cctx, s.client, []string{key}, expected, ttl.Milliseconds()).Int64()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, translateRedis(err)
	}
	return n > 0, nil
}

// TTL implements KV.TTL.
func (s *RedisKV) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return 0, false, err
	}
	defer cancel()
	d, err := s.client.PTTL(cctx, key).Result()
	if err != nil {
		return 0, false, translateRedis(err)
	}
	// go-redis reports -2 for a missing key and -1 for a key without expiry.
	switch d {
	case -2:
		return 0, false, nil
	case -1:
		return 0, true, nil
	}
	return d, true, nil
}

// Keys implements KV.Keys using SCAN to iterate over keys.
func (s *RedisKV) Keys(ctx context.Context, pattern string) ([]string, error) {
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	var keys []string
	err = s.scan(cctx, pattern, func(batch []string) error {
		keys = append(keys, batch...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// DeleteByPattern implements KV.DeleteByPattern. Keys are deleted batch by
// batch while scanning, so keys created concurrently may survive.
func (s *RedisKV) DeleteByPattern(ctx context.Context, pattern string) (int64, error) {
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()
	var total int64
	err = s.scan(cctx, pattern, func(batch []string) error {
		if len(batch) == 0 {
			return nil
		}
		n, err := s.client.Del(cctx, batch...).Result()
		if err != nil {
			return translateRedis(err)
		}
		total += n
		return nil
	})
	return total, err
}

func (s *RedisKV) scan(ctx context.Context, pattern string, fn func([]string) error) error {
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, s.scanCount).Result()
		if err != nil {
			return translateRedis(err)
		}
		if err := fn(batch); err != nil {
			return err
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Batch implements Batcher.Batch using a Redis transaction pipeline.
func (s *RedisKV) Batch(ctx context.Context) (Batch, error) {
	return &redisBatch{s: s, sets: make(map[string]batchSet)}, nil
}

type redisBatch struct {
	s       *RedisKV
	sets    map[string]batchSet
	deletes []string
}

func (b *redisBatch) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	b.sets[key] = batchSet{value: value, ttl: ttl}
	return nil
}

func (b *redisBatch) Delete(ctx context.Context, key string) error {
	b.deletes = append(b.deletes, key)
	return nil
}

func (b *redisBatch) Commit(ctx context.Context) error {
	cctx, cancel, err := b.s.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	pipe := b.s.client.TxPipeline()
	if len(b.deletes) > 0 {
		pipe.Del(cctx, b.deletes...)
	}
	for k, v := range b.sets {
		pipe.Set(cctx, k, v.value, v.ttl)
	}
	if _, err := pipe.Exec(cctx); err != nil {
		return translateRedis(err)
	}
	return nil
}
