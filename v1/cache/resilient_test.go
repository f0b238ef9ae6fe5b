package cache

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type failingCache[T any] struct{ err error }

func (f failingCache[T]) Get(context.Context, string) (T, bool, error) {
	var zero T
	return zero, false, f.err
}
func (f failingCache[T]) Set(context.Context, string, T, time.Duration) error { return f.err }
func (f failingCache[T]) Invalidate(context.Context, string) error            { return f.err }

func TestResilientCacheSwallowsErrors(t *testing.T) {
	var buf bytes.Buffer
	r := NewResilient[string](failingCache[string]{err: errors.New("l1 down")}, zerolog.New(&buf))
	ctx := context.Background()

	if _, ok, err := r.Get(ctx, "k"); ok || err != nil {
		t.Fatalf("expected miss without error, ok %v err %v", ok, err)
	}
	if err := r.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("expected nil from set, got %v", err)
	}
	if err := r.Invalidate(ctx, "k"); err != nil {
		t.Fatalf("expected nil from invalidate, got %v", err)
	}
	if n := strings.Count(buf.String(), "l1 down"); n != 3 {
		t.Fatalf("expected 3 logged failures got %d: %s", n, buf.String())
	}
}

func TestResilientCachePassesThrough(t *testing.T) {
	inner := NewInMemory[string](WithSweepInterval[string](0))
	defer inner.Close()
	r := NewResilient[string](inner, zerolog.Nop())
	ctx := context.Background()

	_ = r.Set(ctx, "user:1", "a", time.Minute)
	if v, ok, err := r.Get(ctx, "user:1"); err != nil || !ok || v != "a" {
		t.Fatalf("expected a, got %v ok %v err %v", v, ok, err)
	}
	n, err := r.InvalidatePattern(ctx, "user:*")
	if err != nil || n != 1 {
		t.Fatalf("expected 1 invalidated, got %d err %v", n, err)
	}
}
