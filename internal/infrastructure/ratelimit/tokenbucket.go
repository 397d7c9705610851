// tokenbucket.go: Token bucket algorithm implementation
package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket implements a thread-safe, in-memory token bucket.
// Tokens may go negative through Force; a bucket in debt refuses Take until
// refill brings it back to at least one token.
type TokenBucket struct {
	capacity   float64
	tokens     float64 // current tokens (float for partial refill)
	rate       float64 // tokens per second
	lastRefill time.Time
	now        func() time.Time
	mu         sync.Mutex
}

// NewTokenBucket creates a full bucket with the given capacity and refill rate (tokens per second).
func NewTokenBucket(capacity int, rate float64) *TokenBucket {
	return NewTokenBucketWithClock(capacity, rate, time.Now)
}

// NewTokenBucketWithClock is NewTokenBucket with an injectable time source.
func NewTokenBucketWithClock(capacity int, rate float64, now func() time.Time) *TokenBucket {
	return &TokenBucket{
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		rate:       rate,
		lastRefill: now(),
		now:        now,
	}
}

// Allow checks if a token can be consumed (does not consume).
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked()
	return tb.tokens >= 1
}

// Take attempts to consume a token. Returns true if allowed, false if rate limited.
func (tb *TokenBucket) Take() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked()
	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// Force consumes a token unconditionally, borrowing against future refill.
// Debt is capped at one bucket so a burst of forced sends cannot starve
// the bucket indefinitely.
func (tb *TokenBucket) Force() {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked()
	tb.tokens--
	if tb.tokens < -tb.capacity {
		tb.tokens = -tb.capacity
	}
}

// refillLocked refills tokens based on elapsed time. Caller must hold tb.mu.
func (tb *TokenBucket) refillLocked() {
	now := tb.now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed > 0 {
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}
}

// Drain empties the bucket.
func (tb *TokenBucket) Drain() {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked()
	tb.tokens = 0
}

// Remaining returns the number of tokens left (rounded down, may be negative).
func (tb *TokenBucket) Remaining() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked()
	return int(tb.tokens)
}

// Reset sets the bucket to full capacity.
func (tb *TokenBucket) Reset() {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.tokens = tb.capacity
	tb.lastRefill = tb.now()
}
