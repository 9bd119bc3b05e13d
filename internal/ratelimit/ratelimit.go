// Package ratelimit admits frames from the active session at a bounded rate.
//
// A Bucket holds up to Capacity tokens and refills continuously at Rate
// tokens per second. It starts full, so a client can send one second of
// frames immediately. Time is always passed in by the caller: the session
// control loop owns the clock and tests drive it explicitly.
package ratelimit

import (
	"time"

	"golang.org/x/time/rate"
)

// Bucket is not safe for concurrent use; the session control loop is its
// only caller.
type Bucket struct {
	lim          *rate.Limiter
	rate         float64
	capacity     int
	lastRefillAt time.Time
}

// New returns a full bucket refilling at perSecond tokens per second.
func New(perSecond float64, capacity int, now time.Time) *Bucket {
	if capacity < 1 {
		capacity = 1
	}
	lim := rate.NewLimiter(rate.Limit(perSecond), capacity)
	// Anchor the limiter at now with a full bucket.
	lim.SetBurstAt(now, capacity)
	return &Bucket{
		lim:          lim,
		rate:         perSecond,
		capacity:     capacity,
		lastRefillAt: now,
	}
}

// Admit consumes one token if available. A now earlier than the last call is
// treated as the last call time so tokens never go negative or refill twice.
func (b *Bucket) Admit(now time.Time) bool {
	if now.Before(b.lastRefillAt) {
		now = b.lastRefillAt
	}
	b.lastRefillAt = now
	return b.lim.AllowN(now, 1)
}

// Tokens reports the tokens available at now, in [0, Capacity].
func (b *Bucket) Tokens(now time.Time) float64 {
	if now.Before(b.lastRefillAt) {
		now = b.lastRefillAt
	}
	t := b.lim.TokensAt(now)
	if t < 0 {
		return 0
	}
	return t
}

// Capacity returns the bucket size.
func (b *Bucket) Capacity() int { return b.capacity }

// Rate returns the refill rate in tokens per second.
func (b *Bucket) Rate() float64 { return b.rate }

// LastRefillAt returns the time of the most recent Admit.
func (b *Bucket) LastRefillAt() time.Time { return b.lastRefillAt }
