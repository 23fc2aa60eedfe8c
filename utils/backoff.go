package utils

import (
	"time"

	"golang.org/x/exp/rand"
)

// Jitter returns a random duration in [0, max).
func Jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}

// Backoff 指数退避：min * 2^attempt，封顶 max，再叠加最多一半的随机抖动
func Backoff(attempt int, min, max time.Duration) time.Duration {
	d := min
	for i := 0; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	return d + Jitter(d/2)
}
