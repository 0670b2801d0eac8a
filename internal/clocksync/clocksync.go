// Package clocksync estimates the clock offset between the server and a
// client with a single three-timestamp round trip.
package clocksync

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"
)

const DefaultTimeout = 3 * time.Second

type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// Prober sends one probe stamped with t0 and returns the remote receipt
// timestamp t1. All timestamps are seconds since the Unix epoch.
type Prober interface {
	Probe(ctx context.Context, t0 float64) (t1 float64, err error)
}

type ProberFunc func(ctx context.Context, t0 float64) (float64, error)

func (f ProberFunc) Probe(ctx context.Context, t0 float64) (float64, error) { return f(ctx, t0) }

// Sample is the outcome of one estimate. Offset is remote minus local: adding
// it to a local timestamp yields the remote clock's reading.
type Sample struct {
	Offset   float64
	RTT      time.Duration
	TimedOut bool
	Err      error
}

type Estimator struct {
	Clock   Clock
	Timeout time.Duration
	Logger  *slog.Logger
}

// Estimate runs one probe. It never fails: if no echo arrives within the
// timeout, or the probe errors, the offset is zero and a warning is logged.
func (e *Estimator) Estimate(ctx context.Context, p Prober) Sample {
	clock := e.Clock
	if clock == nil {
		clock = RealClock{}
	}
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sent := clock.Now()
	t1, err := p.Probe(ctx, Seconds(sent))
	received := clock.Now()
	if err == nil && (math.IsNaN(t1) || math.IsInf(t1, 0)) {
		err = errors.New("clocksync: invalid remote timestamp")
	}
	if err != nil {
		timedOut := errors.Is(err, context.DeadlineExceeded)
		logger.Warn("clock offset estimate failed, assuming zero offset",
			"timed_out", timedOut,
			"timeout", timeout,
			"err", err,
		)
		return Sample{TimedOut: timedOut, Err: err}
	}

	return Sample{
		Offset: Offset(Seconds(sent), t1, Seconds(received)),
		RTT:    received.Sub(sent),
	}
}

// Offset averages the two one-way skew estimates of a round trip: t0 local
// send, t1 remote receipt, t2 local receipt.
func Offset(t0, t1, t2 float64) float64 {
	return ((t1 - t0) + (t1 - t2)) / 2
}

func Seconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
