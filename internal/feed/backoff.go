package feed

import (
	"math"
	"time"
)

// BackoffDelay returns min(max, base^attempt) seconds for attempt >= 1.
func BackoffDelay(base float64, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	secs := math.Pow(base, float64(attempt))
	if math.IsInf(secs, 0) || secs >= max.Seconds() {
		return max
	}
	return time.Duration(secs * float64(time.Second))
}
