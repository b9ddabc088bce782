package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket implements the token bucket algorithm for rate limiting
type TokenBucket struct {
	capacity   int        // Maximum number of tokens
	tokens     float64    // Current number of tokens
	refillRate float64    // Tokens added per second
	lastRefill time.Time  // Last time tokens were refilled
	now        func() time.Time
	mu         sync.Mutex // Mutex for thread safety
}

// NewTokenBucket creates a new token bucket rate limiter
// capacity: Maximum number of attempts allowed in a burst
// refillRate: Number of attempts allowed per second
func NewTokenBucket(capacity int, refillRate float64) *TokenBucket {
	return newTokenBucket(capacity, refillRate, time.Now)
}

func newTokenBucket(capacity int, refillRate float64, now func() time.Time) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		tokens:     float64(capacity),
		refillRate: refillRate,
		lastRefill: now(),
		now:        now,
	}
}

// Allow checks if an attempt should be allowed
// Returns true if the attempt is allowed, false if rate limited
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	// Refill tokens based on time elapsed
	now := tb.now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	tokensToAdd := elapsed * tb.refillRate

	tb.tokens = min(float64(tb.capacity), tb.tokens+tokensToAdd)
	tb.lastRefill = now

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true
	}

	return false
}

// Reset resets the token bucket to full capacity
func (tb *TokenBucket) Reset() {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.tokens = float64(tb.capacity)
	tb.lastRefill = tb.now()
}

// Limiter manages per-principal token buckets. Login attempts are limited per
// principal identifier so a burst against one account does not throttle
// anyone else.
type Limiter struct {
	buckets    map[string]*TokenBucket
	capacity   int
	refillRate float64
	now        func() time.Time
	mu         sync.Mutex
	ttl        time.Duration // Time to live for inactive buckets
}

// LimiterOption is a function that configures a Limiter
type LimiterOption func(*Limiter)

// WithClock overrides the clock, for tests
func WithClock(now func() time.Time) LimiterOption {
	return func(l *Limiter) {
		l.now = now
	}
}

// NewLimiter creates a new per-key limiter
// capacity: Maximum number of attempts allowed in a burst per key
// refillRate: Number of attempts allowed per second per key
// ttl: Time to keep inactive buckets in memory (0 = forever)
func NewLimiter(capacity int, refillRate float64, ttl time.Duration, options ...LimiterOption) *Limiter {
	l := &Limiter{
		buckets:    make(map[string]*TokenBucket),
		capacity:   capacity,
		refillRate: refillRate,
		now:        time.Now,
		ttl:        ttl,
	}

	for _, option := range options {
		option(l)
	}

	// Start cleanup goroutine if TTL is set
	if ttl > 0 {
		go l.cleanup()
	}

	return l
}

// Allow checks if an attempt for the given key should be allowed
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	bucket, exists := l.buckets[key]
	if !exists {
		bucket = newTokenBucket(l.capacity, l.refillRate, l.now)
		l.buckets[key] = bucket
	}
	l.mu.Unlock()

	return bucket.Allow()
}

// Reset resets the limiter for a specific key
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if bucket, exists := l.buckets[key]; exists {
		bucket.Reset()
	}
}

// Remove removes a specific key from the limiter
func (l *Limiter) Remove(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

// ActiveKeys returns the number of keys currently tracked
func (l *Limiter) ActiveKeys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// cleanup periodically removes inactive buckets
func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.ttl)
	defer ticker.Stop()

	for range ticker.C {
		l.mu.Lock()
		now := l.now()
		for key, bucket := range l.buckets {
			// Remove bucket if it hasn't been used recently
			if now.Sub(bucket.lastRefill) > l.ttl {
				delete(l.buckets, key)
			}
		}
		l.mu.Unlock()
	}
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
