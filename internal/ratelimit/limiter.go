// Package ratelimit bounds inbound signaling traffic per session.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a deterministic rate limiter in GCRA form: it tracks the
// theoretical arrival time of the next event instead of a token count. An
// event is allowed while the schedule runs no more than burst intervals ahead
// of the clock.
type Limiter struct {
	clock    Clock
	interval time.Duration
	window   time.Duration

	mu  sync.Mutex
	tat time.Time
}

// NewLimiter allows bursts of burst events and a sustained rate of perSecond
// events per second. A limiter with burst or perSecond <= 0 refuses
// everything.
func NewLimiter(clock Clock, burst int, perSecond int) *Limiter {
	if clock == nil {
		clock = RealClock{}
	}
	l := &Limiter{clock: clock}
	if burst > 0 && perSecond > 0 {
		l.interval = time.Second / time.Duration(perSecond)
		l.window = time.Duration(burst) * l.interval
	}
	return l
}

// Allow reports whether n events may proceed now and, if so, books them.
// n <= 0 always succeeds.
func (l *Limiter) Allow(n int) bool {
	if n <= 0 {
		return true
	}
	if l.interval <= 0 {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	tat := l.tat
	if tat.Before(now) {
		tat = now
	}
	next := tat.Add(time.Duration(n) * l.interval)
	if next.Sub(now) > l.window {
		return false
	}
	l.tat = next
	return true
}
