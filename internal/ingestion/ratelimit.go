package ingestion

import (
	"context"
	"sync"
	"time"
)

// TokenBucket is a per-source rate limiter: ratePerSecond tokens refill
// continuously up to a burst capacity, one token consumed per outbound
// call. Hand-rolled rather than reaching for `golang.org/x/time/rate` —
// this contract is simple enough without a library (see DESIGN.md).
type TokenBucket struct {
	mu         sync.Mutex
	rate       float64 // tokens per second
	burst      float64 // bucket capacity
	tokens     float64
	lastRefill time.Time
}

// NewTokenBucket constructs a bucket starting full.
func NewTokenBucket(ratePerSecond float64, burst int) *TokenBucket {
	if burst <= 0 {
		burst = 1
	}
	return &TokenBucket{
		rate:       ratePerSecond,
		burst:      float64(burst),
		tokens:     float64(burst),
		lastRefill: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is done.
func (b *TokenBucket) Wait(ctx context.Context) error {
	for {
		wait, ok := b.take()
		if ok {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// take attempts to consume one token, returning (0, true) on success or
// the duration to wait before retrying on failure.
func (b *TokenBucket) take() (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.lastRefill = now
	b.tokens += elapsed * b.rate
	if b.tokens > b.burst {
		b.tokens = b.burst
	}

	if b.tokens >= 1 {
		b.tokens--
		return 0, true
	}

	deficit := 1 - b.tokens
	waitSeconds := deficit / b.rate
	return time.Duration(waitSeconds * float64(time.Second)), false
}
