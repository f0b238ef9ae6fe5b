package main

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-warden/v1/lock"
	"github.com/mirkobrombin/go-warden/v1/presets"
)

type product struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	Price float64 `json:"price"`
}

func expect(step string, got, want bool) error {
	if got != want {
		return fmt.Errorf("%s: got %v, want %v", step, got, want)
	}
	return nil
}

// jobScenario shows that a lock is exclusive while held and that an
// abandoned lock frees itself once its TTL passes.
func jobScenario(ctx context.Context, log zerolog.Logger, l lock.Locker, ttl time.Duration) error {
	const key = "job-42"
	ok, err := l.TryAcquire(ctx, key, "worker-A", ttl)
	if err != nil {
		return err
	}
	if err := expect("worker-A acquires", ok, true); err != nil {
		return err
	}
	ok, err = l.TryAcquire(ctx, key, "worker-B", ttl)
	if err != nil {
		return err
	}
	if err := expect("worker-B is rejected", ok, false); err != nil {
		return err
	}
	log.Info().Dur("ttl", ttl).Msg("worker-A holds job-42 and goes silent")

	select {
	case <-time.After(ttl + 100*time.Millisecond):
	case <-ctx.Done():
		return ctx.Err()
	}

	ok, err = l.TryAcquire(ctx, key, "worker-B", ttl)
	if err != nil {
		return err
	}
	if err := expect("worker-B takes over", ok, true); err != nil {
		return err
	}
	owner, _, err := l.GetOwner(ctx, key)
	if err != nil {
		return err
	}
	if owner != "worker-B" {
		return fmt.Errorf("owner is %q, want worker-B", owner)
	}
	released, err := l.Release(ctx, key, "worker-A")
	if err != nil {
		return err
	}
	if err := expect("stale worker-A cannot release", released, false); err != nil {
		return err
	}
	if _, err := l.Release(ctx, key, "worker-B"); err != nil {
		return err
	}
	log.Info().Str("owner", owner).Msg("job-42 recovered after expiry")
	return nil
}

// stampede fires clients concurrent reads at a cold hot key and at a key the
// data source does not know, counting how often the source is hit.
func stampede(ctx context.Context, log zerolog.Logger, s *presets.Stack[product], clients int, latency time.Duration) error {
	var loads atomic.Int32
	source := func(id string) func(context.Context) (product, bool, error) {
		return func(ctx context.Context) (product, bool, error) {
			loads.Add(1)
			select {
			case <-time.After(latency):
			case <-ctx.Done():
				return product{}, false, ctx.Err()
			}
			if id != "p-1" {
				return product{}, false, nil
			}
			return product{ID: id, Name: "Mechanical keyboard", Price: 89.9}, true, nil
		}
	}

	for _, id := range []string{"p-1", "p-404"} {
		id := id
		key := "product:" + id
		if err := s.Remove(ctx, key); err != nil {
			return err
		}
		loads.Store(0)
		var found atomic.Int32
		start := time.Now()
		g, gctx := errgroup.WithContext(ctx)
		for i := 0; i < clients; i++ {
			g.Go(func() error {
				_, ok, err := s.GetOrSet(gctx, key, source(id), time.Minute)
				if ok {
					found.Add(1)
				}
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		log.Info().
			Str("key", key).
			Int("clients", clients).
			Int32("found", found.Load()).
			Int32("source_loads", loads.Load()).
			Dur("elapsed", time.Since(start)).
			Msg("stampede")
	}
	return nil
}

// exclusive runs a read-modify-write section from many goroutines and
// checks none of them overlapped.
func exclusive(ctx context.Context, log zerolog.Logger, g *lock.Guard, workers int) error {
	var (
		mu      sync.Mutex
		inside  int
		maxSeen int
		counter int
	)
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(32)
	for i := 0; i < workers; i++ {
		eg.Go(func() error {
			return g.ExecuteWithLock(ctx, "counter", "", 10*time.Second, func(context.Context) error {
				mu.Lock()
				inside++
				maxSeen = max(maxSeen, inside)
				mu.Unlock()

				counter++

				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	if maxSeen != 1 || counter != workers {
		return fmt.Errorf("guarded section overlapped: max %d, counter %d", maxSeen, counter)
	}
	log.Info().Int("workers", workers).Int("counter", counter).Msg("guarded section stayed exclusive")
	return nil
}
