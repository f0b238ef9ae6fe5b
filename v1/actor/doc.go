// Package actor provides a minimal addressable execution substrate.
//
// A System hosts one unit per string address. Each unit owns a piece of state
// and a goroutine that drains the unit's mailbox, so every call addressed to
// the same unit runs strictly one at a time and needs no further locking.
// Calls to different addresses run in parallel with no ordering between them.
//
// Units are created on first use. When an idle timeout is configured, a unit
// whose mailbox is empty and whose state the owner reports as disposable is
// passivated and rebuilt from the zero state on the next call.
package actor
