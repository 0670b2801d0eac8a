// Package mux routes signaling envelopes to the handler of their channel.
package mux

import (
	"fmt"
	"log/slog"

	"github.com/wilsonzlin/aero/proxy/gazelink/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/gazelink/internal/protocol"
)

// HandlerFunc handles one envelope. name is the channel-local event name,
// e.g. "offer" for "peer:offer".
type HandlerFunc func(name string, env protocol.Envelope) error

// Routes has one field per protocol.Channel. A nil field means this side of
// the connection does not accept that channel.
type Routes struct {
	Room   HandlerFunc
	Peer   HandlerFunc
	Proc   HandlerFunc
	Result HandlerFunc
}

type Mux struct {
	routes  Routes
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func New(routes Routes, logger *slog.Logger, m *metrics.Metrics) *Mux {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mux{routes: routes, logger: logger, metrics: m}
}

func (m *Mux) handler(ch protocol.Channel) HandlerFunc {
	switch ch {
	case protocol.ChannelRoom:
		return m.routes.Room
	case protocol.ChannelPeer:
		return m.routes.Peer
	case protocol.ChannelProc:
		return m.routes.Proc
	case protocol.ChannelResult:
		return m.routes.Result
	default:
		return nil
	}
}

// Dispatch classifies env by its event prefix and calls that channel's
// handler. Unroutable events are logged and dropped. Handler errors are
// returned wrapped with the event name.
func (m *Mux) Dispatch(env protocol.Envelope) error {
	ch, name := protocol.Classify(env.Event)
	h := m.handler(ch)
	if h == nil {
		m.metrics.Inc(metrics.UnknownEvent)
		m.logger.Warn("dropping unroutable signaling event", "event", env.Event, "channel", ch.String())
		return nil
	}
	if err := h(name, env); err != nil {
		return fmt.Errorf("%s: %w", env.Event, err)
	}
	return nil
}
