package ingestion

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDelay_GrowsExponentiallyWithinJitterBounds(t *testing.T) {
	for attempt := 1; attempt <= 5; attempt++ {
		raw := float64(BackoffBase) * pow2(attempt-1)
		lo := time.Duration(raw * (1 - BackoffJitter))
		hi := time.Duration(raw * (1 + BackoffJitter))
		d := Delay(attempt)
		require.GreaterOrEqual(t, d, lo)
		require.LessOrEqual(t, d, hi)
	}
}

func TestDelay_CapsAtMaximum(t *testing.T) {
	d := Delay(BackoffMaxAttempts)
	require.LessOrEqual(t, d, time.Duration(float64(BackoffCap)*(1+BackoffJitter)))
}

func pow2(n int) float64 {
	result := 1.0
	for i := 0; i < n; i++ {
		result *= 2
	}
	return result
}
