package clocksync

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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

// simulatedLink models a remote whose clock runs skew ahead of the local one,
// with fixed outbound and inbound one-way delays.
func simulatedLink(local *manualClock, skew, outbound, inbound time.Duration) Prober {
	return ProberFunc(func(ctx context.Context, t0 float64) (float64, error) {
		local.Advance(outbound)
		t1 := Seconds(local.Now().Add(skew))
		local.Advance(inbound)
		return t1, nil
	})
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestEstimate_SymmetricDelayYieldsZero(t *testing.T) {
	for _, d := range []time.Duration{0, time.Millisecond, 40 * time.Millisecond, 750 * time.Millisecond} {
		clk := &manualClock{now: time.Unix(1_700_000_000, 0)}
		e := &Estimator{Clock: clk, Logger: quiet()}

		s := e.Estimate(context.Background(), simulatedLink(clk, 0, d, d))
		require.NoError(t, s.Err)
		assert.InDelta(t, 0, s.Offset, 1e-6, "delay %v", d)
		assert.Equal(t, 2*d, s.RTT)
		assert.False(t, s.TimedOut)
	}
}

func TestEstimate_AsymmetricDelay(t *testing.T) {
	cases := []struct{ d1, d2 time.Duration }{
		{10 * time.Millisecond, 30 * time.Millisecond},
		{120 * time.Millisecond, 20 * time.Millisecond},
		{0, 500 * time.Millisecond},
	}
	for _, tc := range cases {
		clk := &manualClock{now: time.Unix(1_700_000_000, 0)}
		e := &Estimator{Clock: clk, Logger: quiet()}

		s := e.Estimate(context.Background(), simulatedLink(clk, 0, tc.d1, tc.d2))
		want := (tc.d1 - tc.d2).Seconds() / 2
		assert.InDelta(t, want, s.Offset, 1e-6, "d1=%v d2=%v", tc.d1, tc.d2)
	}
}

func TestEstimate_RecoversSkew(t *testing.T) {
	clk := &manualClock{now: time.Unix(1_700_000_000, 0)}
	e := &Estimator{Clock: clk, Logger: quiet()}

	s := e.Estimate(context.Background(), simulatedLink(clk, -2500*time.Millisecond, 15*time.Millisecond, 15*time.Millisecond))
	assert.InDelta(t, -2.5, s.Offset, 1e-6)
}

func TestEstimate_TimeoutFailsOpen(t *testing.T) {
	e := &Estimator{Timeout: 20 * time.Millisecond, Logger: quiet()}

	start := time.Now()
	s := e.Estimate(context.Background(), ProberFunc(func(ctx context.Context, t0 float64) (float64, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, s.TimedOut)
	assert.Equal(t, 0.0, s.Offset)
	assert.ErrorIs(t, s.Err, context.DeadlineExceeded)
}

func TestEstimate_ProbeErrorFailsOpen(t *testing.T) {
	e := &Estimator{Logger: quiet()}
	s := e.Estimate(context.Background(), ProberFunc(func(context.Context, float64) (float64, error) {
		return 0, errors.New("socket closed")
	}))
	assert.False(t, s.TimedOut)
	assert.Equal(t, 0.0, s.Offset)
	assert.Error(t, s.Err)
}

func TestOffsetFormula(t *testing.T) {
	assert.Equal(t, 1.5, Offset(10, 12, 11))
	assert.Equal(t, 0.0, Offset(10, 10.5, 11))
}

func TestEchoProber(t *testing.T) {
	sent := make(chan float64, 1)
	p := NewEchoProber(func(t0 float64) error {
		sent <- t0
		return nil
	})

	assert.False(t, p.Deliver(42, 1), "no probe is waiting yet")

	done := make(chan float64, 1)
	go func() {
		t1, err := p.Probe(context.Background(), 42)
		if err != nil {
			t1 = -1
		}
		done <- t1
	}()

	select {
	case t0 := <-sent:
		assert.Equal(t, 42.0, t0)
	case <-time.After(2 * time.Second):
		t.Fatalf("probe was not sent")
	}
	assert.False(t, p.Deliver(41, 1), "echo of another probe")
	assert.True(t, p.Deliver(42, 43.5))

	select {
	case t1 := <-done:
		assert.Equal(t, 43.5, t1)
	case <-time.After(2 * time.Second):
		t.Fatalf("probe did not return")
	}
	assert.False(t, p.Deliver(42, 44), "the probe already returned")
}

func TestEchoProber_StrayEchoDoesNotBlockTheRealOne(t *testing.T) {
	var p *EchoProber
	p = NewEchoProber(func(t0 float64) error {
		// Two echoes arrive before Probe reads either; the later one wins.
		require.True(t, p.Deliver(t0, 1))
		require.True(t, p.Deliver(t0, 2))
		return nil
	})

	t1, err := p.Probe(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 2.0, t1)
}

func TestEchoProber_ContextCancel(t *testing.T) {
	p := NewEchoProber(func(float64) error { return nil })
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Probe(ctx, 1)
	assert.ErrorIs(t, err, context.Canceled)
}
