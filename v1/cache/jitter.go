package cache

import (
	"math/rand"
	"time"
)

// DefaultJitter is the fraction by which positive entry TTLs are spread.
const DefaultJitter = 0.1

// Jitter returns ttl moved by a uniformly random amount within
// ±fraction*ttl, so entries written together do not expire together.
// Non-positive ttl or fraction returns ttl unchanged; fraction is capped at 1.
func Jitter(ttl time.Duration, fraction float64) time.Duration {
	if ttl <= 0 || fraction <= 0 {
		return ttl
	}
	if fraction > 1 {
		fraction = 1
	}
	spread := float64(ttl) * fraction
	d := ttl + time.Duration((rand.Float64()*2-1)*spread)
	if d <= 0 {
		// fraction 1 can land on zero, which would mean "no expiry"
		return 1
	}
	return d
}
