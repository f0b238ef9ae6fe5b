// Package cache provides the process-local (L1) tier used by warden's tiered
// coordinator, along with the codecs that serialize values for L2 and the
// TTL jitter helper.
//
// InMemoryCache is an LRU with per-entry TTL and an optional background
// sweeper. RistrettoCache trades exact LRU for TinyLFU admission. Both are
// private to one process and never authoritative: anything they hold can be
// dropped and rebuilt from L2.
package cache
