package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy bounds an exponential backoff loop.
type Policy struct {
	Initial     time.Duration
	Max         time.Duration
	MaxAttempts int
}

// Delay returns the wait before retrying after the given (1-based) attempt:
// exponential growth capped at Max, with jitter over the upper half.
func (p Policy) Delay(attempt int) time.Duration {
	return backoffWithJitter(p.Initial, p.Max, attempt)
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	if max > 0 && exp > float64(max) {
		exp = float64(max)
	}
	wait := time.Duration(exp)
	half := int64(wait / 2)
	if half <= 0 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(half))
	return wait/2 + jitter
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
