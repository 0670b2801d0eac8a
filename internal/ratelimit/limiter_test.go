package ratelimit

import (
	"sync"
	"testing"
	"time"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestLimiter_BurstThenSustainedRate(t *testing.T) {
	clk := &manualClock{now: time.Unix(0, 0)}
	l := NewLimiter(clk, 5, 5)

	if !l.Allow(5) {
		t.Fatalf("expected initial burst to succeed")
	}
	if l.Allow(1) {
		t.Fatalf("expected burst to be exhausted")
	}

	clk.Advance(200 * time.Millisecond)
	if !l.Allow(1) {
		t.Fatalf("expected one event after 200ms at 5/s")
	}
	if l.Allow(1) {
		t.Fatalf("expected only one event to be freed")
	}
}

func TestLimiter_IdleTimeDoesNotBankBeyondBurst(t *testing.T) {
	clk := &manualClock{now: time.Unix(0, 0)}
	l := NewLimiter(clk, 1, 1)

	if !l.Allow(1) {
		t.Fatalf("expected initial event")
	}
	clk.Advance(10 * time.Second)
	if !l.Allow(1) {
		t.Fatalf("expected event after idle period")
	}
	if l.Allow(1) {
		t.Fatalf("idle time banked more than the burst")
	}
}

func TestLimiter_ClockGoingBackwards(t *testing.T) {
	clk := &manualClock{now: time.Unix(100, 0)}
	l := NewLimiter(clk, 2, 2)
	if !l.Allow(2) {
		t.Fatalf("expected burst")
	}
	clk.Advance(-time.Minute)
	if l.Allow(1) {
		t.Fatalf("a clock step backwards refilled the limiter")
	}
}

func TestLimiter_Degenerate(t *testing.T) {
	l := NewLimiter(nil, 0, 10)
	if l.Allow(1) {
		t.Fatalf("zero burst allowed an event")
	}
	if !l.Allow(0) {
		t.Fatalf("Allow(0) must always succeed")
	}
}

func TestPerSecond(t *testing.T) {
	if l := PerSecond(nil, 0); l != nil {
		t.Fatalf("PerSecond(0)=%v, want nil", l)
	}

	clk := &manualClock{now: time.Unix(0, 0)}
	l := PerSecond(clk, 2)
	if !l.Allow(1) || !l.Allow(1) {
		t.Fatalf("expected burst of 2")
	}
	if l.Allow(1) {
		t.Fatalf("expected third message in the same instant to be limited")
	}
	clk.Advance(500 * time.Millisecond)
	if !l.Allow(1) {
		t.Fatalf("expected refill after 500ms")
	}
}
