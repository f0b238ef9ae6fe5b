package core

import (
	"sync"

	"github.com/dgraph-io/ristretto/z"
)

const fenceStripes = 256

// fence orders L1 fills after the writes they raced with. A fill records a
// ticket before reading L2 and lands only if no write to the same stripe, and
// no pattern invalidation, happened since. Keys sharing a stripe only cost
// the occasional skipped fill.
type fence struct {
	epochMu sync.RWMutex
	epoch   uint64
	stripes [fenceStripes]struct {
		mu  sync.Mutex
		gen uint64
	}
}

type ticket struct {
	stripe int
	epoch  uint64
	gen    uint64
}

func stripeOf(key string) int {
	return int(z.MemHashString(key) % fenceStripes)
}

func (f *fence) ticket(key string) ticket {
	f.epochMu.RLock()
	defer f.epochMu.RUnlock()
	i := stripeOf(key)
	s := &f.stripes[i]
	s.mu.Lock()
	defer s.mu.Unlock()
	return ticket{stripe: i, epoch: f.epoch, gen: s.gen}
}

// fill runs write when tk is still current. write must not call back into f.
func (f *fence) fill(tk ticket, write func()) bool {
	f.epochMu.RLock()
	defer f.epochMu.RUnlock()
	s := &f.stripes[tk.stripe]
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.epoch != tk.epoch || s.gen != tk.gen {
		return false
	}
	write()
	return true
}

// bump invalidates outstanding tickets for key. Writers call it after the
// L2 write and before touching L1.
func (f *fence) bump(key string) {
	s := &f.stripes[stripeOf(key)]
	s.mu.Lock()
	s.gen++
	s.mu.Unlock()
}

// bumpAll invalidates every outstanding ticket.
func (f *fence) bumpAll() {
	f.epochMu.Lock()
	f.epoch++
	f.epochMu.Unlock()
}
