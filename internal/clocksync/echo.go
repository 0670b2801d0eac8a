package clocksync

import (
	"context"
	"sync"
)

// EchoProber adapts a message-based transport to Prober: Probe sends the
// probe through send and waits for Deliver to be called with the matching
// echo. Echoes for other probes are rejected.
type EchoProber struct {
	send func(t0 float64) error

	mu      sync.Mutex
	pending float64
	waiting bool
	echoes  chan float64
}

func NewEchoProber(send func(t0 float64) error) *EchoProber {
	return &EchoProber{
		send:   send,
		echoes: make(chan float64, 1),
	}
}

func (p *EchoProber) Probe(ctx context.Context, t0 float64) (float64, error) {
	p.mu.Lock()
	p.pending, p.waiting = t0, true
	p.drain()
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.waiting = false
		p.mu.Unlock()
	}()

	if err := p.send(t0); err != nil {
		return 0, err
	}
	select {
	case t1 := <-p.echoes:
		return t1, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Deliver hands an echo to the waiting Probe. It never blocks. It reports
// false when no probe is waiting or t0 belongs to another probe; a matching
// echo replaces any unconsumed one.
func (p *EchoProber) Deliver(t0, t1 float64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.waiting || t0 != p.pending {
		return false
	}
	p.drain()
	p.echoes <- t1
	return true
}

// drain empties the echo slot. Callers hold mu.
func (p *EchoProber) drain() {
	select {
	case <-p.echoes:
	default:
	}
}
