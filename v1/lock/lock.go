package lock

import (
	"context"
	"time"
)

// DefaultTTL is used when TryAcquire is called with a non-positive ttl.
const DefaultTTL = 30 * time.Second

// Locker is implemented by Actor and Store.
//
// Losing a race and asking about an unknown key are reported through the
// boolean results. An error always means the backend could not answer and
// says nothing about who holds the lock.
type Locker interface {
	// TryAcquire takes key for owner if it is free or expired. It never waits.
	TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// Release frees key if owner holds it.
	Release(ctx context.Context, key, owner string) (bool, error)
	// Extend pushes the expiry of key to now+extra if owner holds it.
	Extend(ctx context.Context, key, owner string, extra time.Duration) (bool, error)
	// ForceRelease frees key whoever holds it.
	ForceRelease(ctx context.Context, key string) (bool, error)
	// IsLocked reports whether key is currently held.
	IsLocked(ctx context.Context, key string) (bool, error)
	// GetOwner returns the current holder of key.
	GetOwner(ctx context.Context, key string) (string, bool, error)
}

// State describes a held lock.
type State struct {
	Owner      string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Held reports whether s describes a lock that is still valid at now.
func (s State) Held(now time.Time) bool {
	return s.Owner != "" && !now.After(s.ExpiresAt)
}

func normalizeTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}
