package queue

import (
	"math"
	"math/rand"
	"time"
)

// Backoff returns the delay before the attempt-th retry (attempt starts at 1)
// under the given policy, with ±25% jitter so a burst of failures does not
// come back as a burst of retries.
func Backoff(p RetryPolicy, attempt int) time.Duration {
	if p.Multiplier <= 1 {
		p.Multiplier = DefaultRetryPolicy.Multiplier
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultRetryPolicy.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultRetryPolicy.MaxDelay
	}

	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}

	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(d * jitter)
}
