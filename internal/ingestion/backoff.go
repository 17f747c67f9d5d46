package ingestion

import (
	"math"
	"math/rand"
	"time"
)

// Backoff constants for transient ingestion failures.
const (
	BackoffBase        = 500 * time.Millisecond
	BackoffFactor      = 2.0
	BackoffJitter      = 0.2
	BackoffCap         = 60 * time.Second
	BackoffMaxAttempts = 8
)

// Delay returns the exponential-backoff-with-jitter wait before retry
// attempt (1-indexed), capped and jittered.
func Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	raw := float64(BackoffBase) * math.Pow(BackoffFactor, float64(attempt-1))
	if raw > float64(BackoffCap) {
		raw = float64(BackoffCap)
	}
	jitterRange := raw * BackoffJitter
	jittered := raw + (rand.Float64()*2-1)*jitterRange
	if jittered < 0 {
		jittered = 0
	}
	return time.Duration(jittered)
}
