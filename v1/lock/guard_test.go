package lock_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirkobrombin/go-warden/v1/adapter"
	wardenerrors "github.com/mirkobrombin/go-warden/v1/errors"
	"github.com/mirkobrombin/go-warden/v1/lock"
	"github.com/mirkobrombin/go-warden/v1/syncbus"
)

// guardLockers returns real-clock lockers; ExecuteWithLock waits in real time.
func guardLockers(t *testing.T) map[string]lock.Locker {
	a := lock.NewActor()
	t.Cleanup(a.Close)
	return map[string]lock.Locker{
		"actor": a,
		"store": lock.NewStore(adapter.NewInMemoryKV()),
	}
}

func TestTokenReleaseIsIdempotent(t *testing.T) {
	for name, l := range guardLockers(t) {
		l := l
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			g := lock.NewGuard(l)

			tok, ok, err := g.Acquire(ctx, "k", "o1", time.Minute)
			require.NoError(t, err)
			require.True(t, ok)
			require.True(t, tok.Valid())
			assert.Equal(t, "k", tok.Key())
			assert.Equal(t, "o1", tok.Owner())

			require.NoError(t, tok.Release(ctx))
			assert.False(t, tok.Valid())

			// someone else takes the key; a second release must not touch it
			other, ok, err := g.Acquire(ctx, "k", "o2", time.Minute)
			require.NoError(t, err)
			require.True(t, ok)

			require.NoError(t, tok.Release(ctx))
			owner, found, err := l.GetOwner(ctx, "k")
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, "o2", owner)

			ok, err = tok.Extend(ctx, time.Minute)
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, other.Release(ctx))
		})
	}
}

func TestGuardAcquireContention(t *testing.T) {
	ctx := context.Background()
	g := lock.NewGuard(lock.NewStore(adapter.NewInMemoryKV()))

	first, ok, err := g.Acquire(ctx, "k", "", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEmpty(t, first.Owner(), "empty owner gets a generated id")

	tok, ok, err := g.Acquire(ctx, "k", "", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, tok)
}

func TestGuardRejectsEmptyKey(t *testing.T) {
	g := lock.NewGuard(lock.NewStore(adapter.NewInMemoryKV()))
	_, _, err := g.Acquire(context.Background(), "", "o1", time.Second)
	require.ErrorIs(t, err, wardenerrors.ErrInvalidKey)

	err = g.ExecuteWithLock(context.Background(), "", "o1", time.Second, func(context.Context) error {
		t.Fatal("fn must not run")
		return nil
	})
	require.ErrorIs(t, err, wardenerrors.ErrInvalidKey)
}

func TestExecuteWithLockReleasesAndPropagates(t *testing.T) {
	for name, l := range guardLockers(t) {
		l := l
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			g := lock.NewGuard(l)
			boom := errors.New("boom")

			err := g.ExecuteWithLock(ctx, "k", "o1", time.Second, func(ctx context.Context) error {
				locked, err := l.IsLocked(ctx, "k")
				require.NoError(t, err)
				assert.True(t, locked)
				return boom
			})
			require.ErrorIs(t, err, boom)

			locked, err := l.IsLocked(ctx, "k")
			require.NoError(t, err)
			assert.False(t, locked)
		})
	}
}

func TestExecuteWithLockTimeout(t *testing.T) {
	for name, l := range guardLockers(t) {
		l := l
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			g := lock.NewGuard(l, lock.WithPollInterval(10*time.Millisecond))

			ok, err := l.TryAcquire(ctx, "k", "holder", time.Minute)
			require.NoError(t, err)
			require.True(t, ok)

			start := time.Now()
			err = g.ExecuteWithLock(ctx, "k", "waiter", 100*time.Millisecond, func(context.Context) error {
				t.Fatal("fn must not run")
				return nil
			})
			require.ErrorIs(t, err, wardenerrors.ErrLockTimeout)
			assert.Less(t, time.Since(start), time.Second)
		})
	}
}

func TestExecuteWithLockCallerCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l := lock.NewStore(adapter.NewInMemoryKV())
	g := lock.NewGuard(l, lock.WithPollInterval(10*time.Millisecond))
	ok, err := l.TryAcquire(ctx, "k", "holder", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	time.AfterFunc(30*time.Millisecond, cancel)
	err = g.ExecuteWithLock(ctx, "k", "waiter", 5*time.Second, func(context.Context) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, wardenerrors.ErrLockTimeout)
}

func TestExecuteWithLockWokenByUnlockEvent(t *testing.T) {
	ctx := context.Background()
	bus := syncbus.NewInMemoryBus()
	l := lock.NewStore(adapter.NewInMemoryKV())
	// polling alone would not retry before the deadline
	g := lock.NewGuard(l, lock.WithBus(bus), lock.WithPollInterval(time.Minute))

	holder, ok, err := g.Acquire(ctx, "k", "holder", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	time.AfterFunc(50*time.Millisecond, func() { _ = holder.Release(ctx) })

	start := time.Now()
	ran := false
	err = g.ExecuteWithLock(ctx, "k", "waiter", 5*time.Second, func(context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestExecuteWithLockNestedSameOwner(t *testing.T) {
	ctx := context.Background()
	g := lock.NewGuard(lock.NewStore(adapter.NewInMemoryKV()), lock.WithPollInterval(5*time.Millisecond))

	inner := false
	err := g.ExecuteWithLock(ctx, "k", "o1", time.Second, func(ctx context.Context) error {
		tok, ok := lock.HeldToken(ctx, "k")
		require.True(t, ok)
		assert.Equal(t, "o1", tok.Owner())

		return g.ExecuteWithLock(ctx, "k", "o1", 100*time.Millisecond, func(context.Context) error {
			inner = true
			return nil
		})
	})
	require.NoError(t, err)
	assert.True(t, inner)
}

func TestExecuteWithLockNestedOtherOwnerTimesOut(t *testing.T) {
	ctx := context.Background()
	g := lock.NewGuard(lock.NewStore(adapter.NewInMemoryKV()), lock.WithPollInterval(5*time.Millisecond))

	err := g.ExecuteWithLock(ctx, "k", "o1", time.Second, func(ctx context.Context) error {
		return g.ExecuteWithLock(ctx, "k", "o2", 50*time.Millisecond, func(context.Context) error {
			return nil
		})
	})
	require.ErrorIs(t, err, wardenerrors.ErrLockTimeout)
}

func TestExecuteWithLockSerializesCallers(t *testing.T) {
	for name, l := range guardLockers(t) {
		l := l
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			g := lock.NewGuard(l, lock.WithBus(syncbus.NewInMemoryBus()), lock.WithPollInterval(2*time.Millisecond))

			var inFlight, maxInFlight atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					err := g.ExecuteWithLock(ctx, "k", "", 5*time.Second, func(context.Context) error {
						n := inFlight.Add(1)
						for {
							m := maxInFlight.Load()
							if n <= m || maxInFlight.CompareAndSwap(m, n) {
								break
							}
						}
						time.Sleep(5 * time.Millisecond)
						inFlight.Add(-1)
						return nil
					})
					assert.NoError(t, err)
				}()
			}
			wg.Wait()
			assert.EqualValues(t, 1, maxInFlight.Load())
		})
	}
}

func TestExecuteWithLockReleasesAfterCancelledContext(t *testing.T) {
	l := lock.NewStore(adapter.NewInMemoryKV())
	g := lock.NewGuard(l)
	ctx, cancel := context.WithCancel(context.Background())

	err := g.ExecuteWithLock(ctx, "k", "o1", time.Second, func(context.Context) error {
		cancel()
		return nil
	})
	require.NoError(t, err)

	locked, err := l.IsLocked(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestReleasePublishesUnlock(t *testing.T) {
	ctx := context.Background()
	bus := syncbus.NewInMemoryBus()
	g := lock.NewGuard(lock.NewStore(adapter.NewInMemoryKV()), lock.WithBus(bus))
	ch, err := bus.Subscribe(ctx, lock.UnlockTopic("k"))
	require.NoError(t, err)

	tok, ok, err := g.Acquire(ctx, "k", "o1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, tok.Release(ctx))
	require.NoError(t, tok.Release(ctx))

	select {
	case ev := <-ch:
		assert.Equal(t, "o1", string(ev.Payload))
	case <-time.After(time.Second):
		t.Fatal("no unlock event")
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected second unlock event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}
