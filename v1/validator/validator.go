// Package validator checks that a process-local cache agrees with the
// shared store behind it.
package validator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/mirkobrombin/go-warden/v1/adapter"
	"github.com/mirkobrombin/go-warden/v1/cache"
)

// Mode defines validator behaviour.
type Mode int

const (
	// ModeNoop only counts mismatches.
	ModeNoop Mode = iota
	// ModeAlert counts and logs mismatches.
	ModeAlert
	// ModeAutoHeal drops mismatching local entries so the next read goes
	// to the store.
	ModeAutoHeal
)

// Source is the authoritative tier. core.Manager implements it.
type Source[T any] interface {
	Get(ctx context.Context, key string) (T, bool, error)
	Keys(ctx context.Context, pattern string) ([]string, error)
}

// Validator periodically compares local and shared values.
type Validator[T any] struct {
	local      cache.Cache[T]
	source     Source[T]
	mode       Mode
	interval   time.Duration
	pattern    string
	log        zerolog.Logger
	mismatches atomic.Uint64
}

// Option configures a Validator.
type Option[T any] func(*Validator[T])

// WithPattern restricts validation to keys matching a Redis style glob.
func WithPattern[T any](p string) Option[T] {
	return func(v *Validator[T]) { v.pattern = p }
}

// WithLogger sets the logger used by ModeAlert and ModeAutoHeal.
func WithLogger[T any](l zerolog.Logger) Option[T] {
	return func(v *Validator[T]) { v.log = l }
}

// New creates a new Validator.
func New[T any](local cache.Cache[T], source Source[T], mode Mode, interval time.Duration, opts ...Option[T]) *Validator[T] {
	v := &Validator[T]{
		local:    local,
		source:   source,
		mode:     mode,
		interval: interval,
		pattern:  "*",
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Run starts the validation loop. It returns when ctx is done.
func (v *Validator[T]) Run(ctx context.Context) {
	if v.source == nil || v.interval <= 0 {
		return
	}
	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := v.Scan(ctx); err != nil && ctx.Err() == nil {
				v.log.Warn().Err(err).Msg("validation scan failed")
			}
		}
	}
}

// Scan runs one validation pass and returns the mismatches it found.
//
// A local entry mismatches when the store holds a different value or no
// value at all. Keys are taken from the store and, when the local cache is a
// cache.KeyLister, from the local cache too.
func (v *Validator[T]) Scan(ctx context.Context) (int, error) {
	keys, err := v.source.Keys(ctx, v.pattern)
	if err != nil {
		return 0, err
	}
	if kl, ok := v.local.(cache.KeyLister); ok {
		local, err := kl.Keys(ctx)
		if err != nil {
			return 0, err
		}
		re, err := adapter.CompilePattern(v.pattern)
		if err != nil {
			return 0, err
		}
		for _, k := range local {
			if re.MatchString(k) {
				keys = append(keys, k)
			}
		}
	}

	seen := make(map[string]struct{}, len(keys))
	found := 0
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}

		lv, ok, err := v.local.Get(ctx, k)
		if err != nil || !ok {
			continue
		}
		sv, ok, err := v.source.Get(ctx, k)
		if err != nil {
			return found, err
		}
		if ok && digest(lv) == digest(sv) {
			continue
		}
		found++
		v.mismatches.Add(1)
		switch v.mode {
		case ModeAlert:
			v.log.Warn().Str("key", k).Bool("in_store", ok).Msg("local cache diverged from store")
		case ModeAutoHeal:
			if err := v.local.Invalidate(ctx, k); err != nil {
				v.log.Warn().Err(err).Str("key", k).Msg("drop diverged local entry")
			}
		}
	}
	return found, nil
}

// Metrics returns number of mismatches detected.
func (v *Validator[T]) Metrics() uint64 {
	return v.mismatches.Load()
}

func digest(v any) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%v", v)))
	return hex.EncodeToString(h[:])
}
