// Package lock provides mutual exclusion keyed by string with two
// interchangeable implementations. Actor serializes every call for a key
// through a per-key goroutine, Store delegates atomicity to an adapter.KV.
// Both expire locks lazily, so a crashed owner never blocks a key for longer
// than its TTL.
//
// Guard wraps either implementation with scoped tokens and a blocking
// ExecuteWithLock helper that is woken by unlock events on a syncbus.Bus.
package lock
