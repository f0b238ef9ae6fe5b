package lock_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wardenerrors "github.com/mirkobrombin/go-warden/v1/errors"
	"github.com/mirkobrombin/go-warden/v1/lock"
)

const shortTTL = 60 * time.Millisecond

func TestKeepAliveOutlivesTTL(t *testing.T) {
	for name, l := range guardLockers(t) {
		l := l
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			g := lock.NewGuard(l)
			tok, ok, err := g.Acquire(ctx, "report", "w1", shortTTL)
			require.NoError(t, err)
			require.True(t, ok)

			lease := tok.KeepAlive(shortTTL)
			time.Sleep(4 * shortTTL)

			ok, err = l.TryAcquire(ctx, "report", "w2", time.Minute)
			require.NoError(t, err)
			assert.False(t, ok, "kept-alive lock expired")
			select {
			case <-lease.Lost():
				t.Fatal("lease reported a loss")
			default:
			}

			lease.Stop()
			require.NoError(t, tok.Release(ctx))
			locked, err := l.IsLocked(ctx, "report")
			require.NoError(t, err)
			assert.False(t, locked)
		})
	}
}

func TestKeepAliveReportsLostLock(t *testing.T) {
	for name, l := range guardLockers(t) {
		l := l
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tok, ok, err := lock.NewGuard(l).Acquire(ctx, "report", "w1", shortTTL)
			require.NoError(t, err)
			require.True(t, ok)
			lease := tok.KeepAlive(shortTTL)
			defer lease.Stop()

			_, err = l.ForceRelease(ctx, "report")
			require.NoError(t, err)
			ok, err = l.TryAcquire(ctx, "report", "w2", time.Minute)
			require.NoError(t, err)
			require.True(t, ok)

			select {
			case <-lease.Lost():
			case <-time.After(time.Second):
				t.Fatal("loss not reported")
			}
			owner, _, err := l.GetOwner(ctx, "report")
			require.NoError(t, err)
			assert.Equal(t, "w2", owner)
		})
	}
}

func TestExecuteWithLockKeepAlive(t *testing.T) {
	for name, l := range guardLockers(t) {
		l := l
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			g := lock.NewGuard(l, lock.WithKeepAlive())

			err := g.ExecuteWithLock(ctx, "nightly", "w1", shortTTL, func(ctx context.Context) error {
				time.Sleep(4 * shortTTL)
				owner, found, err := l.GetOwner(ctx, "nightly")
				require.NoError(t, err)
				require.True(t, found)
				assert.Equal(t, "w1", owner)
				return ctx.Err()
			})
			require.NoError(t, err)

			locked, err := l.IsLocked(ctx, "nightly")
			require.NoError(t, err)
			assert.False(t, locked)
		})
	}
}

func TestExecuteWithLockKeepAliveCancelsOnLoss(t *testing.T) {
	for name, l := range guardLockers(t) {
		l := l
		t.Run(name, func(t *testing.T) {
			g := lock.NewGuard(l, lock.WithKeepAlive())

			var cause error
			err := g.ExecuteWithLock(context.Background(), "nightly", "w1", shortTTL, func(ctx context.Context) error {
				_, err := l.ForceRelease(context.Background(), "nightly")
				require.NoError(t, err)
				select {
				case <-ctx.Done():
					cause = context.Cause(ctx)
					return ctx.Err()
				case <-time.After(time.Second):
					return nil
				}
			})
			require.ErrorIs(t, err, context.Canceled)
			assert.ErrorIs(t, cause, wardenerrors.ErrLockLost)
		})
	}
}
