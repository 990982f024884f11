package publish

import (
	"math"
	"math/rand"
	"time"
)

// DefaultMaxAttempts mirrors PUBLISH_MAX_ATTEMPTS' default.
const DefaultMaxAttempts = 10

// backoffSchedule computes the delay before attempt number attempt
// (1-indexed), doubling from base and capped at max, with up to 20%
// jitter so a burst of tasks scheduled at once doesn't retry in lockstep.
// With NewDriver's defaults (10 attempts, a 4-minute base, a 6h cap)
// the tenth attempt lands about 23h after the first before jitter,
// matching the ~24h retry window.
func backoffSchedule(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base * time.Duration(math.Pow(2, float64(attempt-1)))
	if delay > max || delay <= 0 {
		delay = max
	}
	jitter := time.Duration(rand.Int63n(int64(delay) / 5 + 1)) //nolint:gosec // jitter, not security sensitive
	return delay + jitter
}
