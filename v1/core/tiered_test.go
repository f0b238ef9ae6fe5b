package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirkobrombin/go-warden/v1/adapter"
	"github.com/mirkobrombin/go-warden/v1/cache"
	"github.com/mirkobrombin/go-warden/v1/syncbus"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// journal records the order in which tiers are written.
type journal struct {
	mu  sync.Mutex
	ops []string
}

func (j *journal) add(op string) {
	j.mu.Lock()
	j.ops = append(j.ops, op)
	j.mu.Unlock()
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.ops...)
}

type recordingL1[T any] struct {
	cache.Cache[T]
	j      *journal
	setErr error
}

func (r *recordingL1[T]) Set(ctx context.Context, key string, v T, ttl time.Duration) error {
	r.j.add("l1:set:" + key)
	if r.setErr != nil {
		return r.setErr
	}
	return r.Cache.Set(ctx, key, v, ttl)
}

func (r *recordingL1[T]) Invalidate(ctx context.Context, key string) error {
	r.j.add("l1:invalidate:" + key)
	return r.Cache.Invalidate(ctx, key)
}

// recordingStore hides Manager.SetMany so warmup takes the per-item path.
type recordingStore[T any] struct {
	Store[T]
	j        *journal
	setErr   error
	getOrSet atomic.Int32
}

func (r *recordingStore[T]) Set(ctx context.Context, key string, v T, ttl time.Duration) error {
	r.j.add("l2:set:" + key)
	if r.setErr != nil {
		return r.setErr
	}
	return r.Store.Set(ctx, key, v, ttl)
}

func (r *recordingStore[T]) Remove(ctx context.Context, key string) error {
	r.j.add("l2:remove:" + key)
	return r.Store.Remove(ctx, key)
}

func (r *recordingStore[T]) GetOrSet(ctx context.Context, key string, f Factory[T], ttl time.Duration) (T, bool, error) {
	r.getOrSet.Add(1)
	return r.Store.GetOrSet(ctx, key, f, ttl)
}

func newTiered[T any](t *testing.T, l1 cache.Cache[T], l2 Store[T], opts ...TieredOption) *Tiered[T] {
	t.Helper()
	tc, err := NewTiered(l1, l2, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tc.Close() })
	return tc
}

func TestTieredGetFillsL1(t *testing.T) {
	ctx := context.Background()
	m := NewManager[string](adapter.NewInMemoryKV())
	l1 := cache.NewInMemory[string]()
	tc := newTiered[string](t, l1, m)

	require.NoError(t, m.Set(ctx, "k", "from-l2", time.Hour))
	v, ok, err := tc.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "from-l2", v)

	v, ok, err = l1.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "from-l2", v)

	_, ok, err = tc.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTieredLocalTTLCappedByRequestedTTL(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: fixedNow}
	l1 := cache.NewInMemory[int](cache.WithClock[int](clock.Now))
	m := NewManager[int](adapter.NewInMemoryKV())
	tc := newTiered[int](t, l1, m, WithLocalTTL(time.Minute))

	_, _, err := tc.GetOrSet(ctx, "short", func(context.Context) (int, bool, error) { return 1, true, nil }, 10*time.Second)
	require.NoError(t, err)
	_, _, err = tc.GetOrSet(ctx, "long", func(context.Context) (int, bool, error) { return 2, true, nil }, time.Hour)
	require.NoError(t, err)

	clock.Advance(11 * time.Second)
	_, ok, _ := l1.Get(ctx, "short")
	assert.False(t, ok, "L1 must not outlive the requested TTL")
	_, ok, _ = l1.Get(ctx, "long")
	assert.True(t, ok)

	clock.Advance(time.Minute)
	_, ok, _ = l1.Get(ctx, "long")
	assert.False(t, ok, "L1 keeps entries for the local TTL at most")
}

func TestTieredWritesL2BeforeL1(t *testing.T) {
	ctx := context.Background()
	j := &journal{}
	l1 := &recordingL1[int]{Cache: cache.NewInMemory[int](), j: j}
	l2 := &recordingStore[int]{Store: NewManager[int](adapter.NewInMemoryKV()), j: j}
	tc := newTiered[int](t, l1, l2)

	require.NoError(t, tc.Set(ctx, "k", 1, time.Minute))
	require.NoError(t, tc.Remove(ctx, "k"))
	assert.Equal(t, []string{"l2:set:k", "l1:set:k", "l2:remove:k", "l1:invalidate:k"}, j.list())
}

func TestTieredL2FailureLeavesL1Untouched(t *testing.T) {
	ctx := context.Background()
	j := &journal{}
	boom := errors.New("l2 down")
	l1 := &recordingL1[int]{Cache: cache.NewInMemory[int](), j: j}
	l2 := &recordingStore[int]{Store: NewManager[int](adapter.NewInMemoryKV()), j: j, setErr: boom}
	tc := newTiered[int](t, l1, l2)

	require.ErrorIs(t, tc.Set(ctx, "k", 1, time.Minute), boom)
	assert.Equal(t, []string{"l2:set:k"}, j.list())
	_, ok, _ := l1.Get(ctx, "k")
	assert.False(t, ok)
}

func TestTieredL1FailureAfterL2Write(t *testing.T) {
	ctx := context.Background()
	j := &journal{}
	inner := cache.NewInMemory[int]()
	require.NoError(t, inner.Set(ctx, "k", 1, time.Minute))
	l1 := &recordingL1[int]{Cache: inner, j: j, setErr: errors.New("l1 full")}
	m := NewManager[int](adapter.NewInMemoryKV())
	tc := newTiered[int](t, l1, m)

	require.NoError(t, tc.Set(ctx, "k", 2, time.Minute))
	assert.Equal(t, []string{"l1:set:k", "l1:invalidate:k"}, j.list())

	v, ok, err := tc.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, v, "the stale L1 value must not survive a failed L1 write")
}

func TestTieredGetOrSetCollapsesCallers(t *testing.T) {
	ctx := context.Background()
	l2 := &recordingStore[int]{Store: NewManager[int](adapter.NewInMemoryKV()), j: &journal{}}
	tc := newTiered[int](t, cache.NewInMemory[int](), l2)

	var calls atomic.Int32
	release := make(chan struct{})
	factory := func(context.Context) (int, bool, error) {
		calls.Add(1)
		<-release
		return 99, true, nil
	}

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, ok, err := tc.GetOrSet(ctx, "hot", factory, time.Minute)
			if err == nil && (!ok || v != 99) {
				err = fmt.Errorf("got %d, %v", v, ok)
			}
			errs <- err
		}()
	}
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.EqualValues(t, 1, calls.Load())
	assert.Less(t, l2.getOrSet.Load(), int32(20))
}

func TestTieredGetOrSetHonorsCallerContext(t *testing.T) {
	m := NewManager[int](adapter.NewInMemoryKV())
	tc := newTiered[int](t, cache.NewInMemory[int](), m)

	release := make(chan struct{})
	defer close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err := tc.GetOrSet(ctx, "slow", func(context.Context) (int, bool, error) {
		<-release
		return 1, true, nil
	}, time.Minute)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTieredGetOrSetNegative(t *testing.T) {
	ctx := context.Background()
	l1 := cache.NewInMemory[int]()
	tc := newTiered[int](t, l1, NewManager[int](adapter.NewInMemoryKV()))

	_, ok, err := tc.GetOrSet(ctx, "nobody", func(context.Context) (int, bool, error) { return 0, false, nil }, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, _ = l1.Get(ctx, "nobody")
	assert.False(t, ok, "negative results stay out of L1")
}

func TestTieredClearByPattern(t *testing.T) {
	for name, newL1 := range map[string]func(t *testing.T) cache.Cache[int]{
		"lru": func(t *testing.T) cache.Cache[int] { return cache.NewInMemory[int]() },
		"ristretto": func(t *testing.T) cache.Cache[int] {
			c, err := cache.NewRistretto[int]()
			require.NoError(t, err)
			t.Cleanup(c.Close)
			return c
		},
	} {
		newL1 := newL1
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l1 := newL1(t)
			m := NewManager[int](adapter.NewInMemoryKV())
			tc := newTiered(t, l1, Store[int](m))

			require.NoError(t, tc.Set(ctx, "user:1", 1, time.Minute))
			require.NoError(t, tc.Set(ctx, "user:2", 2, time.Minute))
			require.NoError(t, m.Set(ctx, "order:1", 3, time.Minute))

			n, err := tc.ClearByPattern(ctx, "user:*")
			require.NoError(t, err)
			assert.EqualValues(t, 2, n)

			for _, k := range []string{"user:1", "user:2"} {
				_, ok, err := tc.Get(ctx, k)
				require.NoError(t, err)
				assert.False(t, ok, k)
			}
			v, ok, err := tc.Get(ctx, "order:1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, 3, v)
		})
	}
}

func TestTieredWarmup(t *testing.T) {
	items := make(map[string]int, 250)
	for i := 0; i < 250; i++ {
		items[fmt.Sprintf("item:%03d", i)] = i
	}
	for name, wrap := range map[string]func(*Manager[int]) Store[int]{
		"batched":  func(m *Manager[int]) Store[int] { return m },
		"per-item": func(m *Manager[int]) Store[int] { return &recordingStore[int]{Store: m, j: &journal{}} },
	} {
		wrap := wrap
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			kv := adapter.NewInMemoryKV()
			m := NewManager[int](kv)
			l1 := cache.NewInMemory[int]()
			tc := newTiered[int](t, l1, wrap(m), WithWarmupBatchSize(100), WithWarmupConcurrency(4))

			require.NoError(t, tc.WarmupCache(ctx, items, time.Minute))
			for k, want := range items {
				v, ok, err := m.Get(ctx, k)
				require.NoError(t, err)
				require.True(t, ok, k)
				assert.Equal(t, want, v)
				v, ok, err = l1.Get(ctx, k)
				require.NoError(t, err)
				require.True(t, ok, k)
				assert.Equal(t, want, v)
			}
		})
	}
}

func TestTieredWarmupStopsOnError(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("l2 down")
	j := &journal{}
	l2 := &recordingStore[int]{Store: NewManager[int](adapter.NewInMemoryKV()), j: j, setErr: boom}
	tc := newTiered[int](t, cache.NewInMemory[int](), l2, WithWarmupBatchSize(2))

	err := tc.WarmupCache(ctx, map[string]int{"a": 1, "b": 2, "c": 3, "d": 4}, time.Minute)
	require.ErrorIs(t, err, boom)
	assert.LessOrEqual(t, len(j.list()), 2, "later batches must not start")
}

func TestTieredCrossInstanceInvalidation(t *testing.T) {
	ctx := context.Background()
	bus := syncbus.NewInMemoryBus()
	m := NewManager[string](adapter.NewInMemoryKV())
	l1a, l1b := cache.NewInMemory[string](), cache.NewInMemory[string]()
	a := newTiered[string](t, l1a, m, WithInvalidationBus(bus))
	b := newTiered[string](t, l1b, m, WithInvalidationBus(bus))

	require.NoError(t, a.Set(ctx, "cfg", "v1", time.Hour))
	v, ok, err := b.Get(ctx, "cfg")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v1", v)

	require.NoError(t, a.Set(ctx, "cfg", "v2", time.Hour))
	require.Eventually(t, func() bool {
		_, ok, _ := l1b.Get(ctx, "cfg")
		return !ok
	}, time.Second, 5*time.Millisecond)

	v, _, err = b.Get(ctx, "cfg")
	require.NoError(t, err)
	assert.Equal(t, "v2", v)

	time.Sleep(20 * time.Millisecond)
	v, ok, _ = l1a.Get(ctx, "cfg")
	require.True(t, ok, "an instance ignores its own invalidations")
	assert.Equal(t, "v2", v)

	require.NoError(t, b.Set(ctx, "user:1", "x", time.Hour))
	_, _, err = a.Get(ctx, "user:1")
	require.NoError(t, err)
	_, err = b.ClearByPattern(ctx, "user:*")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok, _ := l1a.Get(ctx, "user:1")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestTieredCloseUnsubscribes(t *testing.T) {
	bus := syncbus.NewInMemoryBus()
	tc, err := NewTiered[int](cache.NewInMemory[int](), NewManager[int](adapter.NewInMemoryKV()), WithInvalidationBus(bus))
	require.NoError(t, err)
	require.NoError(t, tc.Close())
	require.NoError(t, tc.Close())

	require.NoError(t, bus.Publish(context.Background(), InvalidateTopic, []byte(`{"o":"x","k":"k"}`)))
	assert.Zero(t, bus.Metrics().Delivered)
}

// pausingStore holds the first read until the test lets it go, leaving room
// for a write to land between the L2 read and the L1 fill.
type pausingStore[T any] struct {
	Store[T]
	once   sync.Once
	read   chan struct{}
	resume chan struct{}
}

func newPausingStore[T any](inner Store[T]) *pausingStore[T] {
	return &pausingStore[T]{Store: inner, read: make(chan struct{}), resume: make(chan struct{})}
}

func (p *pausingStore[T]) pause() {
	p.once.Do(func() {
		close(p.read)
		<-p.resume
	})
}

func (p *pausingStore[T]) Get(ctx context.Context, key string) (T, bool, error) {
	v, ok, err := p.Store.Get(ctx, key)
	p.pause()
	return v, ok, err
}

func (p *pausingStore[T]) GetOrSet(ctx context.Context, key string, f Factory[T], ttl time.Duration) (T, bool, error) {
	v, ok, err := p.Store.GetOrSet(ctx, key, f, ttl)
	p.pause()
	return v, ok, err
}

func TestTieredFillRacingWriteIsDropped(t *testing.T) {
	writes := map[string]func(ctx context.Context, tc *Tiered[int]) error{
		"set": func(ctx context.Context, tc *Tiered[int]) error {
			return tc.Set(ctx, "k", 2, time.Minute)
		},
		"remove": func(ctx context.Context, tc *Tiered[int]) error {
			return tc.Remove(ctx, "k")
		},
		"pattern": func(ctx context.Context, tc *Tiered[int]) error {
			_, err := tc.ClearByPattern(ctx, "*")
			return err
		},
	}
	reads := map[string]func(ctx context.Context, tc *Tiered[int]) (int, bool, error){
		"get": func(ctx context.Context, tc *Tiered[int]) (int, bool, error) {
			return tc.Get(ctx, "k")
		},
		"getorset": func(ctx context.Context, tc *Tiered[int]) (int, bool, error) {
			return tc.GetOrSet(ctx, "k", func(context.Context) (int, bool, error) { return 9, true, nil }, time.Minute)
		},
	}
	for rname, read := range reads {
		read := read
		for wname, write := range writes {
			write := write
			t.Run(rname+"/"+wname, func(t *testing.T) {
				ctx := context.Background()
				m := NewManager[int](adapter.NewInMemoryKV())
				require.NoError(t, m.Set(ctx, "k", 1, time.Minute))
				l2 := newPausingStore[int](m)
				l1 := cache.NewInMemory[int]()
				tc := newTiered[int](t, l1, l2)

				done := make(chan int, 1)
				go func() {
					v, _, err := read(ctx, tc)
					assert.NoError(t, err)
					done <- v
				}()
				<-l2.read
				require.NoError(t, write(ctx, tc))
				close(l2.resume)
				assert.Equal(t, 1, <-done)

				stored, inL2, err := m.Get(ctx, "k")
				require.NoError(t, err)
				cached, inL1, err := l1.Get(ctx, "k")
				require.NoError(t, err)
				if inL1 {
					require.True(t, inL2, "L1 holds %d after L2 dropped the key", cached)
					assert.Equal(t, stored, cached)
				}
			})
		}
	}
}

func TestTieredUnrelatedWriteKeepsFill(t *testing.T) {
	ctx := context.Background()
	m := NewManager[int](adapter.NewInMemoryKV())
	require.NoError(t, m.Set(ctx, "k", 1, time.Minute))
	l2 := newPausingStore[int](m)
	l1 := cache.NewInMemory[int]()
	tc := newTiered[int](t, l1, l2)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _, err := tc.Get(ctx, "k")
		assert.NoError(t, err)
	}()
	<-l2.read
	other := "other"
	for stripeOf(other) == stripeOf("k") {
		other += "!"
	}
	require.NoError(t, tc.Set(ctx, other, 2, time.Minute))
	close(l2.resume)
	<-done

	v, ok, err := l1.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestTieredGetFillBoundedByStoreTTL(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: fixedNow}
	m := NewManager[int](adapter.NewInMemoryKV(adapter.WithClock(clock.Now)), WithJitter(0))
	l1 := cache.NewInMemory[int](cache.WithClock[int](clock.Now))
	tc := newTiered[int](t, l1, m, WithLocalTTL(time.Minute))

	require.NoError(t, m.Set(ctx, "short", 1, 10*time.Second))
	require.NoError(t, m.Set(ctx, "forever", 2, 0))
	for _, k := range []string{"short", "forever"} {
		_, ok, err := tc.Get(ctx, k)
		require.NoError(t, err)
		require.True(t, ok)
	}

	clock.Advance(11 * time.Second)
	_, ok, _ := l1.Get(ctx, "short")
	assert.False(t, ok, "L1 copy outlived the store entry")
	_, ok, _ = l1.Get(ctx, "forever")
	assert.True(t, ok)

	clock.Advance(time.Minute)
	_, ok, _ = l1.Get(ctx, "forever")
	assert.False(t, ok)
}
