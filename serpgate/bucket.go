package serpgate

import (
	"context"
	"sync"
	"time"

	"github.com/hazyhaar/brandscope/resilience"
)

// Bucket is a token bucket: capacity permits, refilled continuously at
// refill rate. Mutated only under its mutex; shared by all jobs.
type Bucket struct {
	mu       sync.Mutex
	capacity float64
	refill   float64 // tokens per second
	tokens   float64
	last     time.Time
	now      func() time.Time
}

// NewBucket creates a full bucket with the given capacity and refill rate
// (tokens per second).
func NewBucket(capacity int, refillPerSecond float64) *Bucket {
	return &Bucket{
		capacity: float64(capacity),
		refill:   refillPerSecond,
		tokens:   float64(capacity),
		last:     time.Now(),
		now:      time.Now,
	}
}

// SetClock replaces the clock (for testing). Not safe concurrently with use.
func (b *Bucket) SetClock(fn func() time.Time) {
	b.last = fn()
	b.now = fn
}

// advance refills tokens for elapsed time. Must be called with mu held.
func (b *Bucket) advance() {
	now := b.now()
	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.refill
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.last = now
	}
}

// TryTake takes one token if available.
func (b *Bucket) TryTake() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Tokens returns the current token count (after refill).
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	return b.tokens
}

// nextTokenIn returns how long until one token is available.
func (b *Bucket) nextTokenIn() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	if b.tokens >= 1 {
		return 0
	}
	if b.refill <= 0 {
		return -1 // never
	}
	missing := 1 - b.tokens
	return time.Duration(missing / b.refill * float64(time.Second))
}

// Take blocks cooperatively until a token is available, up to maxWait.
// On timeout it returns a transient rate_exceeded error eligible for the
// fallback policy.
func (b *Bucket) Take(ctx context.Context, maxWait time.Duration) error {
	deadline := b.now().Add(maxWait)
	for {
		if b.TryTake() {
			return nil
		}
		wait := b.nextTokenIn()
		if wait < 0 || b.now().Add(wait).After(deadline) {
			return resilience.New(resilience.KindRateExceeded,
				"search rate budget exhausted")
		}
		select {
		case <-ctx.Done():
			return resilience.Wrap(resilience.KindRateExceeded,
				"canceled while waiting for rate budget", ctx.Err())
		case <-time.After(wait):
		}
	}
}
