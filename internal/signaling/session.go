package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/gazelink/internal/clocksync"
	"github.com/wilsonzlin/aero/proxy/gazelink/internal/eventloop"
	"github.com/wilsonzlin/aero/proxy/gazelink/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/gazelink/internal/mux"
	"github.com/wilsonzlin/aero/proxy/gazelink/internal/procnode"
	"github.com/wilsonzlin/aero/proxy/gazelink/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/gazelink/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/gazelink/internal/relay"
	"github.com/wilsonzlin/aero/proxy/gazelink/internal/room"
)

const wsWriteWait = 1 * time.Second

// errBadPayload marks client input that is malformed rather than merely
// unexpected. It closes the connection.
var errBadPayload = errors.New("bad payload")

type wsSession struct {
	srv    *Server
	conn   *websocket.Conn
	logger *slog.Logger

	id    string
	relay *relay.Session

	limiter *ratelimit.Limiter
	prober  *clocksync.EchoProber
	ctx     context.Context
	cancel  context.CancelFunc

	// loop owns the fields below. worker runs connector calls in order.
	loop      *eventloop.Loop
	worker    *eventloop.Loop
	mux       *mux.Mux
	clockDone bool
	held      []protocol.Envelope
	procOpen  bool

	writeMu   sync.Mutex
	closeOnce sync.Once
}

var _ relay.Sink = (*wsSession)(nil)

func newWSSession(s *Server, conn *websocket.Conn) *wsSession {
	ctx, cancel := context.WithCancel(context.Background())
	ws := &wsSession{
		srv:     s,
		conn:    conn,
		logger:  s.logger,
		limiter: s.newLimiter(),
		ctx:     ctx,
		cancel:  cancel,
		loop:    eventloop.New(),
		worker:  eventloop.New(),
	}
	ws.prober = clocksync.NewEchoProber(func(t0 float64) error {
		return ws.sendEvent(protocol.EventRoomPing, protocol.RoomPing{T0: t0})
	})
	ws.mux = mux.New(mux.Routes{
		Room: ws.handleRoom,
		Peer: ws.handlePeer,
		Proc: ws.handleProc,
	}, ws.logger, s.metrics)
	return ws
}

func (ws *wsSession) run() {
	defer ws.Close()

	sess, err := ws.srv.sessions.CreateSession(ws)
	if err != nil {
		if errors.Is(err, relay.ErrTooManySessions) {
			ws.fail("too_many_sessions", "too many sessions", websocket.CloseTryAgainLater, "too many sessions")
		} else {
			ws.fail("internal_error", err.Error(), websocket.CloseInternalServerErr, "internal error")
		}
		return
	}
	ws.id = sess.ID()
	ws.relay = sess
	ws.logger = ws.logger.With("session_id", ws.id)
	if !ws.srv.track(ws) {
		ws.closeWith(websocket.CloseGoingAway, "server shutting down")
		return
	}
	ws.logger.Info("signaling session opened")

	ws.conn.SetReadLimit(ws.srv.cfg.MaxMessageBytes)
	_ = ws.conn.SetReadDeadline(time.Now().Add(ws.srv.cfg.IdleTimeout))
	ws.conn.SetPongHandler(func(string) error {
		return ws.conn.SetReadDeadline(time.Now().Add(ws.srv.cfg.IdleTimeout))
	})
	go ws.keepalive()

	if err := ws.sendEvent(protocol.EventRoomWelcome, protocol.RoomWelcome{SessionID: ws.id}); err != nil {
		return
	}
	go ws.estimateClock()

	for {
		msgType, data, err := ws.conn.ReadMessage()
		if err != nil {
			if isTimeout(err) {
				ws.closeWith(websocket.CloseNormalClosure, "idle timeout")
			}
			return
		}
		_ = ws.conn.SetReadDeadline(time.Now().Add(ws.srv.cfg.IdleTimeout))

		// Counted after the read, so the offending frame is consumed.
		if ws.limiter != nil && !ws.limiter.Allow(1) {
			ws.srv.metrics.Inc(metrics.DropReasonRateLimited)
			ws.fail("rate_limited", "rate limit exceeded", websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			ws.fail("bad_message", "expected text message", websocket.CloseUnsupportedData, "expected text message")
			return
		}
		env, err := protocol.ParseEnvelope(data)
		if err != nil {
			ws.srv.metrics.Inc(metrics.BadMessage)
			ws.fail("bad_message", err.Error(), websocket.ClosePolicyViolation, "bad message")
			return
		}
		ws.loop.Post(func() { ws.dispatch(env) })
	}
}

func (ws *wsSession) keepalive() {
	ticker := time.NewTicker(ws.srv.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := ws.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case <-ws.ctx.Done():
			return
		}
	}
}

func (ws *wsSession) estimateClock() {
	est := clocksync.Estimator{
		Clock:   ws.srv.cfg.Clock,
		Timeout: ws.srv.cfg.ClockSyncTimeout,
		Logger:  ws.logger,
	}
	sample := est.Estimate(ws.ctx, ws.prober)
	if ws.ctx.Err() != nil {
		return
	}
	ws.loop.Post(func() { ws.clockResolved(sample) })
}

// clockResolved runs on the loop. proc:* messages held until now are replayed
// in arrival order.
func (ws *wsSession) clockResolved(sample clocksync.Sample) {
	ws.relay.SetClockOffset(sample.Offset)
	if sample.TimedOut {
		ws.srv.metrics.Inc(metrics.ClockSyncTimeout)
	} else {
		ws.srv.metrics.Inc(metrics.ClockSyncCompleted)
	}
	ws.logger.Info("clock offset estimated", "offset", sample.Offset, "rtt", sample.RTT, "timed_out", sample.TimedOut)
	_ = ws.sendEvent(protocol.EventRoomClock, protocol.RoomClock{
		Offset:   sample.Offset,
		RTT:      sample.RTT.Seconds(),
		TimedOut: sample.TimedOut,
	})

	ws.clockDone = true
	held := ws.held
	ws.held = nil
	for _, env := range held {
		ws.dispatch(env)
	}
}

func (ws *wsSession) dispatch(env protocol.Envelope) {
	err := ws.mux.Dispatch(env)
	if err == nil {
		return
	}
	if errors.Is(err, errBadPayload) {
		ws.srv.metrics.Inc(metrics.BadMessage)
		ws.fail("bad_message", err.Error(), websocket.ClosePolicyViolation, "bad message")
		_ = ws.conn.Close()
		return
	}
	ws.logger.Warn("signaling event failed", "event", env.Event, "err", err)
}

func decode(env protocol.Envelope, v any) error {
	if err := env.DecodeData(v); err != nil {
		return fmt.Errorf("%w: %v", errBadPayload, err)
	}
	return nil
}

func (ws *wsSession) handleRoom(name string, env protocol.Envelope) error {
	switch env.Event {
	case protocol.EventRoomJoin:
		var msg protocol.RoomJoin
		if err := decode(env, &msg); err != nil {
			return err
		}
		if err := msg.Validate(); err != nil {
			return fmt.Errorf("%w: %v", errBadPayload, err)
		}
		res, err := ws.srv.rooms.Join(msg.RoomID, ws.id)
		switch {
		case errors.Is(err, room.ErrRoomFull):
			return ws.sendEvent(protocol.EventRoomFull, protocol.RoomFull{RoomID: msg.RoomID})
		case err != nil:
			return fmt.Errorf("%w: %v", errBadPayload, err)
		}
		ws.relay.SetRoom(res.RoomID, res.Role)
		return ws.sendEvent(protocol.EventRoomWelcome, protocol.RoomWelcome{
			SessionID: ws.id,
			RoomID:    res.RoomID,
			Members:   res.Members,
		})

	case protocol.EventRoomLeave:
		var msg protocol.RoomLeave
		if err := decode(env, &msg); err != nil {
			return err
		}
		ws.srv.rooms.Leave(ws.id)
		ws.relay.SetRoom("", protocol.RoleNone)
		return nil

	case protocol.EventRoomPong:
		var msg protocol.RoomPong
		if err := decode(env, &msg); err != nil {
			return err
		}
		if !ws.prober.Deliver(msg.T0, msg.T1) {
			ws.logger.Debug("dropping unexpected clock echo", "t0", msg.T0)
		}
		return nil

	default:
		ws.srv.metrics.Inc(metrics.UnknownEvent)
		ws.logger.Warn("dropping room event not accepted from clients", "event", env.Event)
		return nil
	}
}

// handlePeer relays peer negotiation to the other member of the room,
// unchanged. The server keeps no peer negotiation state beyond the pairing
// epoch: messages stamped with any other pairing than the current one are
// dropped.
func (ws *wsSession) handlePeer(name string, env protocol.Envelope) error {
	var epoch uint64
	switch name {
	case protocol.NameOffer, protocol.NameAnswer:
		var msg protocol.DescriptionMessage
		if err := decode(env, &msg); err != nil {
			return err
		}
		if err := msg.Description.Validate(name); err != nil {
			return fmt.Errorf("%w: %v", errBadPayload, err)
		}
		epoch = msg.Epoch
	case protocol.NameICECandidate:
		var msg protocol.CandidateMessage
		if err := decode(env, &msg); err != nil {
			return err
		}
		epoch = msg.Epoch
	default:
		ws.srv.metrics.Inc(metrics.UnknownEvent)
		ws.logger.Warn("dropping peer event not accepted from clients", "event", env.Event)
		return nil
	}

	peer, current := ws.srv.counterpart(ws.id)
	if peer == nil {
		ws.logger.Info("dropping peer message without a counterpart", "event", env.Event)
		return nil
	}
	if epoch != current {
		ws.srv.metrics.Inc(metrics.PeerStale)
		ws.logger.Info("dropping peer message from an earlier pairing", "event", env.Event, "epoch", epoch, "current_epoch", current)
		return nil
	}
	return peer.Deliver(env)
}

// handleProc relays proc negotiation to the processing node. Nothing is
// forwarded before the clock estimate resolves, so the node always receives
// the session's offset with the offer.
func (ws *wsSession) handleProc(name string, env protocol.Envelope) error {
	if !ws.clockDone {
		if len(ws.held) >= maxHeldProcMessages {
			ws.srv.metrics.Inc(metrics.ProtocolViolation)
			ws.logger.Warn("dropping proc message, too many held before clock sync", "event", env.Event)
			return nil
		}
		ws.held = append(ws.held, env)
		return nil
	}

	switch name {
	case protocol.NameOffer:
		var msg protocol.DescriptionMessage
		if err := decode(env, &msg); err != nil {
			return err
		}
		if err := msg.Description.Validate(protocol.NameOffer); err != nil {
			return fmt.Errorf("%w: %v", errBadPayload, err)
		}
		return ws.procOffer(msg.Description)

	case protocol.NameICECandidate:
		var msg protocol.CandidateMessage
		if err := decode(env, &msg); err != nil {
			return err
		}
		if !ws.procOpen {
			ws.srv.metrics.Inc(metrics.ProtocolViolation)
			ws.logger.Warn("dropping proc candidate before offer")
			return nil
		}
		ws.procCandidate(msg.Candidate)
		return nil

	default:
		ws.srv.metrics.Inc(metrics.UnknownEvent)
		ws.logger.Warn("dropping proc event not accepted from clients", "event", env.Event)
		return nil
	}
}

func (ws *wsSession) procOffer(offer protocol.SessionDescription) error {
	connector := ws.srv.cfg.Connector
	if connector == nil {
		return ws.sendEvent(protocol.EventRoomError, protocol.RoomError{
			Code:    "procnode_unavailable",
			Message: procnode.ErrNotConfigured.Error(),
		})
	}
	ws.procOpen = true

	offset, _ := ws.relay.ClockOffset()
	id := ws.id
	ws.worker.Post(func() {
		ctx, cancel := context.WithTimeout(ws.ctx, ws.srv.cfg.ConnectorTimeout)
		defer cancel()
		answer, err := connector.Connect(ctx, id, offer, offset)
		ws.loop.Post(func() { ws.procAnswered(answer, err) })
	})
	return nil
}

// procCandidate is queued behind any outstanding Connect on the worker, so
// the node sees candidates only after the offer.
func (ws *wsSession) procCandidate(c protocol.Candidate) {
	connector := ws.srv.cfg.Connector
	id := ws.id
	ws.worker.Post(func() {
		ctx, cancel := context.WithTimeout(ws.ctx, ws.srv.cfg.ConnectorTimeout)
		defer cancel()
		if err := connector.AddICECandidate(ctx, id, c); err != nil && ws.ctx.Err() == nil {
			ws.srv.metrics.Inc(metrics.ProcNodeError)
			ws.logger.Warn("relay proc candidate failed", "err", err)
		}
	})
}

func (ws *wsSession) procAnswered(answer protocol.SessionDescription, err error) {
	if err != nil {
		if ws.ctx.Err() != nil {
			return
		}
		ws.procOpen = false
		ws.srv.metrics.Inc(metrics.ProcNodeError)
		ws.logger.Warn("processing node connect failed", "err", err)
		_ = ws.sendEvent(protocol.EventRoomError, protocol.RoomError{Code: "procnode_error", Message: err.Error()})
		return
	}
	ws.srv.metrics.Inc(metrics.ProcNodeConnected)
	_ = ws.sendEvent(protocol.EventProcAnswer, protocol.DescriptionMessage{Description: answer})
}

// Deliver writes env to the client. It implements relay.Sink and is also how
// room notices and relayed peer messages reach this connection.
func (ws *wsSession) Deliver(env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()
	_ = ws.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return ws.conn.WriteMessage(websocket.TextMessage, data)
}

func (ws *wsSession) sendEvent(event string, data any) error {
	env, err := protocol.NewEnvelope(event, data)
	if err != nil {
		return err
	}
	return ws.Deliver(env)
}

// notice sends a room notice written on behalf of another session. A failed
// write is logged; the read side of this connection notices the broken
// socket and tears it down.
func (ws *wsSession) notice(event string, data any) {
	if err := ws.sendEvent(event, data); err != nil {
		ws.logger.Warn("failed to send room notice", "event", event, "err", err)
	}
}

func (ws *wsSession) fail(code, message string, closeCode int, closeReason string) {
	_ = ws.sendEvent(protocol.EventRoomError, protocol.RoomError{Code: code, Message: message})
	ws.closeWith(closeCode, closeReason)
}

func (ws *wsSession) closeWith(code int, reason string) {
	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()
	_ = ws.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

// Close tears the session down: room membership first, so the remaining
// member is told, then the processing node session, then the relay entry.
func (ws *wsSession) Close() {
	ws.closeOnce.Do(func() {
		if ws.relay != nil {
			ws.srv.rooms.Leave(ws.id)
			ws.srv.untrack(ws)
		}

		ws.loop.Post(func() {
			if ws.procOpen {
				ws.disconnectProc()
			}
			ws.worker.Post(ws.worker.Stop)
			ws.loop.Stop()
		})

		ws.cancel()
		if ws.relay != nil {
			ws.relay.Close()
			ws.logger.Info("signaling session closed")
		}
		_ = ws.conn.Close()
	})
}

// disconnectProc runs after every queued connector call. The session context
// is already cancelled by then, so it gets its own deadline.
func (ws *wsSession) disconnectProc() {
	connector := ws.srv.cfg.Connector
	id := ws.id
	timeout := ws.srv.cfg.ConnectorTimeout
	logger := ws.logger
	ws.worker.Post(func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := connector.Disconnect(ctx, id); err != nil {
			logger.Warn("processing node disconnect failed", "err", err)
		}
	})
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
