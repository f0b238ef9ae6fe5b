package lock

import (
	"context"
	"sync"
	"time"

	"github.com/mirkobrombin/go-warden/v1/metrics"
)

// Lease renews a Token in the background until it is stopped or the lock
// turns out to be gone.
type Lease struct {
	tok  *Token
	ttl  time.Duration
	stop chan struct{}
	lost chan struct{}
	done chan struct{}
	once sync.Once
}

// KeepAlive extends t to ttl every ttl/2 from a background goroutine. A
// renewal that finds the lock owned by someone else, or no renewal
// succeeding for a whole ttl, closes Lost. Releasing the token or calling
// Stop ends the renewals.
func (t *Token) KeepAlive(ttl time.Duration) *Lease {
	l := &Lease{
		tok:  t,
		ttl:  normalizeTTL(ttl),
		stop: make(chan struct{}),
		lost: make(chan struct{}),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

// Lost is closed when the lock could not be kept.
func (l *Lease) Lost() <-chan struct{} { return l.lost }

// Stop ends the renewals and waits for the renewal goroutine. It does not
// release the lock.
func (l *Lease) Stop() {
	l.once.Do(func() { close(l.stop) })
	<-l.done
}

func (l *Lease) run() {
	defer close(l.done)
	interval := max(l.ttl/2, time.Millisecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log := l.tok.g.log.With().Str("key", l.tok.key).Str("owner", l.tok.owner).Logger()
	renewed := time.Now()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
		}
		if !l.tok.Valid() {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		ok, err := l.tok.Extend(ctx, l.ttl)
		cancel()
		switch {
		case err != nil:
			log.Warn().Err(err).Msg("renew lock")
			if time.Since(renewed) < l.ttl {
				continue
			}
		case ok:
			renewed = time.Now()
			continue
		}
		if !l.tok.Valid() {
			return
		}
		log.Warn().Msg("lock lost while kept alive")
		metrics.LockLostCounter.Inc()
		close(l.lost)
		return
	}
}
