// Package errors defines the sentinel errors shared by warden packages.
//
// Contention and absence are never reported through these values: a lock that
// is held by someone else or a key that does not exist are ordinary results.
// These sentinels describe infrastructure trouble and caller mistakes.
package errors

import "errors"

var (
	// ErrTimeout is returned when a backend call exceeds its deadline.
	ErrTimeout = errors.New("timeout")
	// ErrConnectionClosed is returned when the backend connection is gone.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrUnavailable marks a lock or cache backend that could not be reached.
	// Callers must not assume anything about lock ownership when they see it.
	ErrUnavailable = errors.New("backend unavailable")
	// ErrLockTimeout is returned when a lock could not be obtained in time.
	ErrLockTimeout = errors.New("lock acquisition timed out")
	// ErrLockLost is the cancellation cause seen by code running under a
	// kept-alive lock once a renewal finds the lock gone.
	ErrLockLost = errors.New("lock lost")
	// ErrInvalidKey is returned by wrapper APIs when given an empty key.
	ErrInvalidKey = errors.New("invalid key")
)
