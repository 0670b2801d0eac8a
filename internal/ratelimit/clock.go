package ratelimit

import "time"

// Clock is the time source for limiters. Tests substitute a manual clock.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// PerSecond returns a limiter allowing a burst of n events that sustains n
// events per second. n <= 0 returns nil, which callers treat as unlimited.
func PerSecond(clock Clock, n int) *Limiter {
	if n <= 0 {
		return nil
	}
	return NewLimiter(clock, n, n)
}
