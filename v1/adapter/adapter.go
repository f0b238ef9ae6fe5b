package adapter

import (
	"context"
	"time"
)

// KV abstracts the shared key-value store that backs both the distributed
// cache tier and the store-atomic lock. It is the single source of truth for
// every process using it.
//
// Values are opaque byte slices. A zero TTL means the key never expires.
// Patterns use Redis glob syntax (*, ?, [abc], [^abc], \ escapes).
type KV interface {
	// Get returns the value for key. The boolean reports whether the key exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value unconditionally.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX stores value only if key does not exist. It reports whether the
	// write happened.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// Delete removes keys and returns how many existed.
	Delete(ctx context.Context, keys ...string) (int64, error)
	// CompareAndDelete atomically removes key if its current value equals
	// expected. It reports whether the key was removed.
	CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error)
	// CompareAndExpire atomically resets the TTL of key if its current value
	// equals expected. It reports whether the TTL was updated.
	CompareAndExpire(ctx context.Context, key string, expected []byte, ttl time.Duration) (bool, error)
	// TTL returns the remaining time to live of key. The boolean reports
	// whether the key exists; a zero duration means no expiry.
	TTL(ctx context.Context, key string) (time.Duration, bool, error)
	// Keys returns the keys matching pattern.
	Keys(ctx context.Context, pattern string) ([]string, error)
	// DeleteByPattern removes every key matching pattern and returns how many
	// were removed.
	DeleteByPattern(ctx context.Context, pattern string) (int64, error)
}

// Batch allows grouping multiple writes before committing them to the
// underlying storage.
type Batch interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Commit(ctx context.Context) error
}

// Batcher is implemented by stores that support batch operations.
type Batcher interface {
	Batch(ctx context.Context) (Batch, error)
}

type batchSet struct {
	value []byte
	ttl   time.Duration
}
