package adapter

import (
	"bytes"
	"context"
	"sync"
	"time"
)

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// InMemoryKV is a KV implementation backed by a map. Expired keys are
// dropped lazily by whichever call observes them.
//
// It gives single-process deployments and tests the same atomicity the
// distributed stores provide: every operation runs under one mutex.
type InMemoryKV struct {
	mu    sync.Mutex
	items map[string]memEntry
	now   func() time.Time
}

// InMemoryOption configures an InMemoryKV.
type InMemoryOption func(*InMemoryKV)

// WithClock replaces the time source, mainly for tests.
func WithClock(now func() time.Time) InMemoryOption {
	return func(s *InMemoryKV) {
		s.now = now
	}
}

// NewInMemoryKV returns a new InMemoryKV.
func NewInMemoryKV(opts ...InMemoryOption) *InMemoryKV {
	s := &InMemoryKV{items: make(map[string]memEntry), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// lookup returns the live entry for key. Callers must hold s.mu.
func (s *InMemoryKV) lookup(key string, now time.Time) (memEntry, bool) {
	e, ok := s.items[key]
	if !ok {
		return memEntry{}, false
	}
	if e.expired(now) {
		delete(s.items, key)
		return memEntry{}, false
	}
	return e, true
}

func (s *InMemoryKV) expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

// Get implements KV.Get.
func (s *InMemoryKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookup(key, s.now())
	if !ok {
		return nil, false, nil
	}
	return bytes.Clone(e.value), true, nil
}

// Set implements KV.Set.
func (s *InMemoryKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	now := s.now()
	s.items[key] = memEntry{value: bytes.Clone(value), expiresAt: s.expiry(now, ttl)}
	s.mu.Unlock()
	return nil
}

// SetNX implements KV.SetNX.
func (s *InMemoryKV) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if _, ok := s.lookup(key, now); ok {
		return false, nil
	}
	s.items[key] = memEntry{value: bytes.Clone(value), expiresAt: s.expiry(now, ttl)}
	return true, nil
}

// Delete implements KV.Delete.
func (s *InMemoryKV) Delete(ctx context.Context, keys ...string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var n int64
	for _, k := range keys {
		if _, ok := s.lookup(k, now); ok {
			delete(s.items, k)
			n++
		}
	}
	return n, nil
}

// CompareAndDelete implements KV.CompareAndDelete.
func (s *InMemoryKV) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookup(key, s.now())
	if !ok || !bytes.Equal(e.value, expected) {
		return false, nil
	}
	delete(s.items, key)
	return true, nil
}

// CompareAndExpire implements KV.CompareAndExpire.
func (s *InMemoryKV) CompareAndExpire(ctx context.Context, key string, expected []byte, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	e, ok := s.lookup(key, now)
	if !ok || !bytes.Equal(e.value, expected) {
		return false, nil
	}
	e.expiresAt = s.expiry(now, ttl)
	s.items[key] = e
	return true, nil
}

// TTL implements KV.TTL.
func (s *InMemoryKV) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	e, ok := s.lookup(key, now)
	if !ok {
		return 0, false, nil
	}
	if e.expiresAt.IsZero() {
		return 0, true, nil
	}
	return e.expiresAt.Sub(now), true, nil
}

// Keys implements KV.Keys.
func (s *InMemoryKV) Keys(ctx context.Context, pattern string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	re, err := CompilePattern(pattern)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var keys []string
	for k := range s.items {
		if _, ok := s.lookup(k, now); ok && re.MatchString(k) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// DeleteByPattern implements KV.DeleteByPattern.
func (s *InMemoryKV) DeleteByPattern(ctx context.Context, pattern string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	re, err := CompilePattern(pattern)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var n int64
	for k := range s.items {
		if _, ok := s.lookup(k, now); ok && re.MatchString(k) {
			delete(s.items, k)
			n++
		}
	}
	return n, nil
}

// Batch implements Batcher.Batch.
func (s *InMemoryKV) Batch(ctx context.Context) (Batch, error) {
	return &inMemoryBatch{s: s, sets: make(map[string]batchSet)}, nil
}

type inMemoryBatch struct {
	s       *InMemoryKV
	sets    map[string]batchSet
	deletes []string
}

func (b *inMemoryBatch) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	b.sets[key] = batchSet{value: bytes.Clone(value), ttl: ttl}
	return nil
}

func (b *inMemoryBatch) Delete(ctx context.Context, key string) error {
	b.deletes = append(b.deletes, key)
	return nil
}

func (b *inMemoryBatch) Commit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	now := b.s.now()
	for _, k := range b.deletes {
		delete(b.s.items, k)
	}
	for k, v := range b.sets {
		b.s.items[k] = memEntry{value: v.value, expiresAt: b.s.expiry(now, v.ttl)}
	}
	return nil
}
