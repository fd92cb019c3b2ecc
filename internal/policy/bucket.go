package policy

import (
	"sync"
	"time"
)

// refill granularity: elapsed time below this adds nothing and does not
// advance the refill clock, so sub-tick calls cannot leak fractional tokens.
const refillGranularity = 50 * time.Millisecond

// TokenBucket is an integer token bucket. Refill is computed from wall-clock
// elapsed milliseconds (elapsed_ms * rps / 1000), clamped to capacity, and
// the last-refill timestamp advances only when at least one token was added.
type TokenBucket struct {
	mu       sync.Mutex
	rps      int64
	capacity int64
	tokens   int64
	last     time.Time
	now      func() time.Time
}

// NewTokenBucket builds a bucket that starts full.
func NewTokenBucket(rps, burst int) *TokenBucket {
	return newTokenBucketAt(rps, burst, time.Now)
}

func newTokenBucketAt(rps, burst int, now func() time.Time) *TokenBucket {
	return &TokenBucket{
		rps:      int64(rps),
		capacity: int64(burst),
		tokens:   int64(burst),
		last:     now(),
		now:      now,
	}
}

// Allow takes one token, refilling first. Returns false when empty.
func (b *TokenBucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	elapsed := now.Sub(b.last)
	if elapsed >= refillGranularity {
		add := elapsed.Milliseconds() * b.rps / 1000
		if add > 0 {
			b.tokens += add
			if b.tokens > b.capacity {
				b.tokens = b.capacity
			}
			b.last = now
		}
	}
	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}
