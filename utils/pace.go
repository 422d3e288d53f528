package utils

import (
	"context"
	"math/rand"
	"time"
)

// SleepJitter blocks for a uniformly random duration in [min, max], or
// until ctx is cancelled. Randomized gaps between fetches keep the request
// timing from forming a fixed-rate signature.
func SleepJitter(ctx context.Context, min, max time.Duration) error {
	d := min
	if max > min {
		d = min + time.Duration(rand.Int63n(int64(max-min)))
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
