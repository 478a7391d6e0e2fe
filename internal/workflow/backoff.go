package workflow

import (
	"math"
	"time"

	"github.com/sethvargo/go-retry"
)

// BackoffDelay is the wait after the k-th failed attempt (zero-indexed):
// base * 2^k. Overflow saturates at the largest duration.
func BackoffDelay(base time.Duration, k int) time.Duration {
	if base <= 0 || k < 0 {
		return 0
	}
	if k >= 62 {
		return time.Duration(math.MaxInt64)
	}
	d := base << uint(k)
	if d < base || d>>uint(k) != base {
		return time.Duration(math.MaxInt64)
	}
	return d
}

// newBackoff yields base, 2*base, 4*base, ... and stops once maxAttempts
// attempts have been made.
func newBackoff(base time.Duration, maxAttempts int) retry.Backoff {
	k := 0
	b := retry.BackoffFunc(func() (time.Duration, bool) {
		d := BackoffDelay(base, k)
		k++
		return d, false
	})
	retries := 0
	if maxAttempts > 1 {
		retries = maxAttempts - 1
	}
	return retry.WithMaxRetries(uint64(retries), b)
}
