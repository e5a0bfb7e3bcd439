// Package limiter implements token-bucket rate limiting and a LEDBAT-style
// delay-based congestion controller, per-peer and global.
//
// Grounded on the teacher's single-mutex-per-component discipline
// (internal/bfd/session.go's timer handling never holds a lock across a
// sleep); the token-bucket and LEDBAT formulas themselves are bespoke math,
// the same way the teacher's FSM timer math is bespoke per RFC 5880.
package limiter

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// sleepGranularity bounds how long Request cooperatively sleeps before
// re-checking the bucket, keeping suspension points short per the
// concurrency model's 100ms rule.
const sleepGranularity = 100 * time.Millisecond

// TokenBucket is a mutex-protected token bucket. A zero configured rate
// means unlimited: Request and TryTake both bypass accounting entirely.
type TokenBucket struct {
	mu         sync.Mutex
	rate       float64 // bytes/sec; 0 = unlimited
	capacity   float64 // bucket capacity in bytes
	tokens     float64
	lastRefill time.Time
}

// NewTokenBucket creates a bucket with the given rate in bytes/sec.
// Capacity defaults to 2x rate; rate == 0 means unlimited.
func NewTokenBucket(rateBps float64) *TokenBucket {
	return &TokenBucket{
		rate:       rateBps,
		capacity:   rateBps * 2,
		tokens:     rateBps * 2,
		lastRefill: time.Now(),
	}
}

// Request blocks cooperatively until n bytes of budget are available, then
// deducts them. It sleeps in increments of at most sleepGranularity and
// re-evaluates, so no single suspension exceeds that bound. Returns only
// once the deduction is complete, or if ctx is cancelled first.
func (b *TokenBucket) Request(ctx context.Context, n int) error {
	for {
		if granted := b.TryTake(n); granted == n {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("token bucket request: %w", ctx.Err())
		case <-time.After(sleepGranularity):
		}
	}
}

// TryTake returns the largest prefix of n bytes that fits in the current
// bucket and deducts it. Never blocks. With rate 0 it always grants n in
// full (unlimited mode).
func (b *TokenBucket) TryTake(n int) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.rate == 0 {
		return n
	}

	b.refillLocked()

	want := float64(n)
	if b.tokens >= want {
		b.tokens -= want
		return n
	}

	granted := int(b.tokens)
	b.tokens -= float64(granted)
	return granted
}

// SetRate changes the bucket's rate and proportionally rescales capacity.
// A rate of 0 switches the bucket to unlimited mode.
func (b *TokenBucket) SetRate(rateBps float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	b.rate = rateBps
	b.capacity = rateBps * 2
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
}

// Reset refills the bucket to full capacity immediately.
func (b *TokenBucket) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tokens = b.capacity
	b.lastRefill = time.Now()
}

// Rate returns the currently configured rate in bytes/sec.
func (b *TokenBucket) Rate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rate
}

// refillLocked adds tokens accrued since lastRefill. Caller must hold mu.
func (b *TokenBucket) refillLocked() {
	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.lastRefill = now

	if elapsed <= 0 {
		return
	}

	b.tokens += b.rate * elapsed
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
}
