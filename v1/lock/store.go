package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/mirkobrombin/go-warden/v1/adapter"
	wardenerrors "github.com/mirkobrombin/go-warden/v1/errors"
)

const storeImpl = "store"

// Store implements Locker directly on an adapter.KV. The owner is written as
// the key's value, and release and extend only touch the key while it still
// holds that value, so an owner whose lock expired cannot free a lock taken
// by someone else in the meantime.
//
// IsLocked and GetOwner are plain reads. They may be stale by the time they
// return and must not be used to decide whether it is safe to proceed.
type Store struct {
	kv     adapter.KV
	prefix string
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithKeyPrefix namespaces every lock key in the store.
func WithKeyPrefix(prefix string) StoreOption {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// NewStore returns a Store backed by kv.
func NewStore(kv adapter.KV, opts ...StoreOption) *Store {
	s := &Store{kv: kv}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) key(key string) string {
	return s.prefix + key
}

func unavailable(op string, err error) error {
	return fmt.Errorf("lock %s: %w: %w", op, wardenerrors.ErrUnavailable, err)
}

// TryAcquire implements Locker.TryAcquire.
func (s *Store) TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if key == "" || owner == "" {
		return false, nil
	}
	ok, err := s.kv.SetNX(ctx, s.key(key), []byte(owner), normalizeTTL(ttl))
	if err != nil {
		err = unavailable("acquire", err)
	}
	observeAcquire(storeImpl, ok, err)
	return ok, err
}

// Release implements Locker.Release.
func (s *Store) Release(ctx context.Context, key, owner string) (bool, error) {
	if key == "" || owner == "" {
		return false, nil
	}
	ok, err := s.kv.CompareAndDelete(ctx, s.key(key), []byte(owner))
	if err != nil {
		err = unavailable("release", err)
	}
	observeRelease(storeImpl, ok, err)
	return ok, err
}

// Extend implements Locker.Extend.
func (s *Store) Extend(ctx context.Context, key, owner string, extra time.Duration) (bool, error) {
	if key == "" || owner == "" {
		return false, nil
	}
	ok, err := s.kv.CompareAndExpire(ctx, s.key(key), []byte(owner), normalizeTTL(extra))
	if err != nil {
		return false, unavailable("extend", err)
	}
	return ok, nil
}

// ForceRelease implements Locker.ForceRelease.
func (s *Store) ForceRelease(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	n, err := s.kv.Delete(ctx, s.key(key))
	if err != nil {
		return false, unavailable("force release", err)
	}
	return n > 0, nil
}

// IsLocked implements Locker.IsLocked.
func (s *Store) IsLocked(ctx context.Context, key string) (bool, error) {
	_, ok, err := s.GetOwner(ctx, key)
	return ok, err
}

// GetOwner implements Locker.GetOwner.
func (s *Store) GetOwner(ctx context.Context, key string) (string, bool, error) {
	if key == "" {
		return "", false, nil
	}
	v, ok, err := s.kv.Get(ctx, s.key(key))
	if err != nil {
		return "", false, unavailable("get owner", err)
	}
	if !ok {
		return "", false, nil
	}
	return string(v), true, nil
}

// Inspect returns what the store knows about key. AcquiredAt is not stored
// and is left zero; ExpiresAt is derived from the remaining TTL.
func (s *Store) Inspect(ctx context.Context, key string) (State, bool, error) {
	owner, ok, err := s.GetOwner(ctx, key)
	if err != nil || !ok {
		return State{}, false, err
	}
	st := State{Owner: owner}
	ttl, ok, err := s.kv.TTL(ctx, s.key(key))
	if err != nil {
		return State{}, false, unavailable("ttl", err)
	}
	if !ok {
		// released between the two reads
		return State{}, false, nil
	}
	if ttl > 0 {
		st.ExpiresAt = time.Now().Add(ttl)
	}
	return st, true, nil
}
