package ratelimit

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock lets tests advance time without sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestTokenBucket(t *testing.T) {
	t.Run("AllowsBurstUpToCapacity", func(t *testing.T) {
		clock := newFakeClock()
		bucket := newTokenBucket(3, 1.0, clock.Now)

		assert.True(t, bucket.Allow())
		assert.True(t, bucket.Allow())
		assert.True(t, bucket.Allow())
		assert.False(t, bucket.Allow(), "4th attempt in burst should be denied")
	})

	t.Run("RefillsOverTime", func(t *testing.T) {
		clock := newFakeClock()
		bucket := newTokenBucket(2, 1.0, clock.Now)

		assert.True(t, bucket.Allow())
		assert.True(t, bucket.Allow())
		assert.False(t, bucket.Allow())

		clock.Advance(1 * time.Second)
		assert.True(t, bucket.Allow(), "one token should have refilled")
		assert.False(t, bucket.Allow())
	})

	t.Run("RefillCapsAtCapacity", func(t *testing.T) {
		clock := newFakeClock()
		bucket := newTokenBucket(2, 1.0, clock.Now)

		clock.Advance(1 * time.Hour)

		assert.True(t, bucket.Allow())
		assert.True(t, bucket.Allow())
		assert.False(t, bucket.Allow(), "refill must not exceed capacity")
	})

	t.Run("ResetRestoresFullCapacity", func(t *testing.T) {
		clock := newFakeClock()
		bucket := newTokenBucket(2, 0.1, clock.Now)

		assert.True(t, bucket.Allow())
		assert.True(t, bucket.Allow())
		assert.False(t, bucket.Allow())

		bucket.Reset()
		assert.True(t, bucket.Allow())
		assert.True(t, bucket.Allow())
	})
}

func TestLimiter(t *testing.T) {
	t.Run("KeysAreIsolated", func(t *testing.T) {
		clock := newFakeClock()
		limiter := NewLimiter(1, 0.1, 0, WithClock(clock.Now))

		assert.True(t, limiter.Allow("alice"))
		assert.False(t, limiter.Allow("alice"))
		assert.True(t, limiter.Allow("bob"), "bob should not be affected by alice's attempts")
	})

	t.Run("ResetAffectsOnlyOneKey", func(t *testing.T) {
		clock := newFakeClock()
		limiter := NewLimiter(1, 0.1, 0, WithClock(clock.Now))

		assert.True(t, limiter.Allow("alice"))
		assert.True(t, limiter.Allow("bob"))
		assert.False(t, limiter.Allow("alice"))
		assert.False(t, limiter.Allow("bob"))

		limiter.Reset("alice")
		assert.True(t, limiter.Allow("alice"))
		assert.False(t, limiter.Allow("bob"))
	})

	t.Run("RemoveForgetsKey", func(t *testing.T) {
		clock := newFakeClock()
		limiter := NewLimiter(1, 0.1, 0, WithClock(clock.Now))

		assert.True(t, limiter.Allow("alice"))
		assert.False(t, limiter.Allow("alice"))

		limiter.Remove("alice")
		assert.Equal(t, 0, limiter.ActiveKeys())
		assert.True(t, limiter.Allow("alice"), "removed key starts with a fresh bucket")
	})

	t.Run("ConcurrentAccess", func(t *testing.T) {
		clock := newFakeClock()
		limiter := NewLimiter(5, 1.0, 0, WithClock(clock.Now))

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				key := fmt.Sprintf("user-%d", n%3)
				limiter.Allow(key)
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 3, limiter.ActiveKeys())
	})
}
