// Package client is the end-user side of gazelink: one signaling connection,
// a peer Negotiation against the other member of the joined room, and a proc
// Negotiation against the processing node.
//
// Both Negotiations are owned by a single event loop. Frames read from the
// server, transport callbacks and public API calls are all posted into it, so
// the Negotiation state machines never see concurrent calls.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/gazelink/internal/clocksync"
	"github.com/wilsonzlin/aero/proxy/gazelink/internal/eventloop"
	"github.com/wilsonzlin/aero/proxy/gazelink/internal/mux"
	"github.com/wilsonzlin/aero/proxy/gazelink/internal/negotiation"
	"github.com/wilsonzlin/aero/proxy/gazelink/internal/protocol"
)

const (
	wsWriteWait = 1 * time.Second

	DefaultEventBuffer  = 32
	DefaultResultBuffer = 256
)

var (
	ErrClosed           = errors.New("client: closed")
	ErrNotInRoom        = errors.New("client: not in a room")
	ErrProcessingActive = errors.New("client: processing negotiation already active")
	ErrUnexpectedFrame  = errors.New("client: unexpected first frame")
)

// TransportFactory creates the transport for a new Negotiation.
type TransportFactory func(kind negotiation.Kind) (negotiation.Transport, error)

type Config struct {
	// URL is the signaling endpoint, e.g. ws://host:8080/signal.
	URL    string
	Header http.Header
	Dialer *websocket.Dialer

	NewTransport        TransportFactory
	MaxQueuedCandidates int

	// Clock stamps room:pong replies. Defaults to the system clock.
	Clock clocksync.Clock

	EventBuffer  int
	ResultBuffer int

	Logger *slog.Logger
}

type Client struct {
	cfg       Config
	logger    *slog.Logger
	conn      *websocket.Conn
	sessionID string

	loop    *eventloop.Loop
	mux     *mux.Mux
	events  chan protocol.Envelope
	results chan protocol.GazeResult

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
	readDone  chan struct{}
	err       error

	// Owned by loop.
	roomID string
	peer   *negotiation.Negotiation
	// peerEpoch is the pairing the peer Negotiation belongs to, 0 before a
	// role notice. Peer messages carry it both ways.
	peerEpoch   uint64
	proc        *negotiation.Negotiation
	clockOffset float64
	clockKnown  bool
}

// Dial connects to the signaling server and waits for the room:welcome that
// carries this client's session id.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.NewTransport == nil {
		return nil, errors.New("client: NewTransport is required")
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	if cfg.Clock == nil {
		cfg.Clock = clocksync.RealClock{}
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultEventBuffer
	}
	if cfg.ResultBuffer <= 0 {
		cfg.ResultBuffer = DefaultResultBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conn, _, err := dialer.DialContext(ctx, cfg.URL, cfg.Header)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", cfg.URL, err)
	}

	welcome, err := readWelcome(ctx, conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	c := &Client{
		cfg:       cfg,
		logger:    logger.With("component", "client", "session_id", welcome.SessionID),
		conn:      conn,
		sessionID: welcome.SessionID,
		loop:      eventloop.New(),
		events:    make(chan protocol.Envelope, cfg.EventBuffer),
		results:   make(chan protocol.GazeResult, cfg.ResultBuffer),
		done:      make(chan struct{}),
		readDone:  make(chan struct{}),
	}
	c.mux = mux.New(mux.Routes{
		Room:   c.handleRoom,
		Peer:   c.handlePeer,
		Proc:   c.handleProc,
		Result: c.handleResult,
	}, c.logger, nil)

	go c.readLoop()
	return c, nil
}

func readWelcome(ctx context.Context, conn *websocket.Conn) (protocol.RoomWelcome, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
		defer conn.SetReadDeadline(time.Time{})
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		return protocol.RoomWelcome{}, fmt.Errorf("client: read welcome: %w", err)
	}
	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		return protocol.RoomWelcome{}, fmt.Errorf("client: read welcome: %w", err)
	}
	if env.Event != protocol.EventRoomWelcome {
		if env.Event == protocol.EventRoomError {
			var e protocol.RoomError
			if env.DecodeData(&e) == nil {
				return protocol.RoomWelcome{}, fmt.Errorf("client: server refused session: %s: %s", e.Code, e.Message)
			}
		}
		return protocol.RoomWelcome{}, fmt.Errorf("%w: %s", ErrUnexpectedFrame, env.Event)
	}
	var w protocol.RoomWelcome
	if err := env.DecodeData(&w); err != nil {
		return protocol.RoomWelcome{}, fmt.Errorf("client: read welcome: %w", err)
	}
	if w.SessionID == "" {
		return protocol.RoomWelcome{}, fmt.Errorf("%w: welcome without session id", ErrUnexpectedFrame)
	}
	return w, nil
}

// SessionID is the server-assigned id that tags this client's results.
func (c *Client) SessionID() string { return c.sessionID }

// Events carries room notices: room:welcome, room:full, room:peer-left,
// room:clock, room:error, peer:caller and peer:callee. Frames are dropped
// when the buffer is full.
func (c *Client) Events() <-chan protocol.Envelope { return c.events }

// Results carries gaze results in arrival order. Results are dropped when the
// buffer is full.
func (c *Client) Results() <-chan protocol.GazeResult { return c.results }

// Done is closed once the client has shut down.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the client shut down. It is nil before Done is closed and
// after an explicit Close.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Client) call(ctx context.Context, fn func()) error {
	if err := c.loop.Call(ctx, fn); err != nil {
		if errors.Is(err, eventloop.ErrStopped) {
			return ErrClosed
		}
		return err
	}
	return nil
}

// Join asks the server to add this client to roomID. A fresh Idle peer
// Negotiation is armed; its role arrives later as peer:caller or peer:callee.
func (c *Client) Join(ctx context.Context, roomID string) error {
	var err error
	callErr := c.call(ctx, func() {
		if c.roomID != "" && c.roomID != roomID {
			c.leaveRoom()
		}
		c.roomID = roomID
		if err = c.armPeer(); err != nil {
			return
		}
		err = c.sendEvent(protocol.EventRoomJoin, protocol.RoomJoin{RoomID: roomID})
	})
	if callErr != nil {
		return callErr
	}
	return err
}

// Leave leaves the current room and closes the peer Negotiation. The proc
// Negotiation is unaffected.
func (c *Client) Leave(ctx context.Context) error {
	var err error
	callErr := c.call(ctx, func() {
		if c.roomID == "" {
			err = ErrNotInRoom
			return
		}
		err = c.leaveRoom()
	})
	if callErr != nil {
		return callErr
	}
	return err
}

func (c *Client) leaveRoom() error {
	c.roomID = ""
	c.closePeer()
	return c.sendEvent(protocol.EventRoomLeave, protocol.RoomLeave{})
}

// StartProcessing opens a proc Negotiation as initiator and sends its offer.
// The server forwards it to the processing node once the clock offset is
// known. A closed proc Negotiation is replaced; an active one is an error.
func (c *Client) StartProcessing(ctx context.Context) error {
	var err error
	callErr := c.call(ctx, func() {
		if c.proc != nil && c.proc.State() != negotiation.StateClosed {
			err = ErrProcessingActive
			return
		}
		c.proc, err = c.newNegotiation(negotiation.KindProc, protocol.RoleInitiator)
		if err != nil {
			return
		}
		err = c.proc.CreateOffer()
	})
	if callErr != nil {
		return callErr
	}
	return err
}

// StopProcessing closes the proc Negotiation.
func (c *Client) StopProcessing(ctx context.Context) error {
	return c.call(ctx, func() {
		if c.proc != nil {
			_ = c.proc.Close(nil)
		}
	})
}

// PeerState reports the state of the peer Negotiation, if one is armed.
func (c *Client) PeerState(ctx context.Context) (negotiation.State, bool) {
	return c.state(ctx, func() *negotiation.Negotiation { return c.peer })
}

// ProcState reports the state of the proc Negotiation, if one was started.
func (c *Client) ProcState(ctx context.Context) (negotiation.State, bool) {
	return c.state(ctx, func() *negotiation.Negotiation { return c.proc })
}

func (c *Client) state(ctx context.Context, get func() *negotiation.Negotiation) (negotiation.State, bool) {
	var (
		st negotiation.State
		ok bool
	)
	if err := c.call(ctx, func() {
		if n := get(); n != nil {
			st, ok = n.State(), true
		}
	}); err != nil {
		return negotiation.StateClosed, false
	}
	return st, ok
}

// ClockOffset returns the offset announced by the server in room:clock.
func (c *Client) ClockOffset(ctx context.Context) (float64, bool) {
	var (
		off float64
		ok  bool
	)
	if err := c.call(ctx, func() { off, ok = c.clockOffset, c.clockKnown }); err != nil {
		return 0, false
	}
	return off, ok
}

// Close closes both Negotiations, releasing their transports, then the
// signaling connection. It must not be called from a transport callback.
func (c *Client) Close() error {
	c.shutdown(nil)
	<-c.readDone
	return nil
}

func (c *Client) shutdown(reason error) {
	c.closeOnce.Do(func() {
		c.err = reason
		if c.loop.Post(func() {
			if c.peer != nil {
				_ = c.peer.Close(nil)
			}
			if c.proc != nil {
				_ = c.proc.Close(nil)
			}
			c.loop.Stop()
		}) {
			<-c.loop.Done()
		}

		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(wsWriteWait))
		c.writeMu.Unlock()
		_ = c.conn.Close()
		close(c.done)
	})
}

func (c *Client) readLoop() {
	defer close(c.readDone)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Info("signaling connection lost", "err", err)
				go c.shutdown(err)
			}
			return
		}
		env, err := protocol.ParseEnvelope(data)
		if err != nil {
			c.logger.Warn("dropping malformed frame", "err", err)
			continue
		}
		c.loop.Post(func() {
			if err := c.mux.Dispatch(env); err != nil {
				c.logger.Warn("signaling event failed", "event", env.Event, "err", err)
			}
		})
	}
}

func (c *Client) handleRoom(name string, env protocol.Envelope) error {
	switch env.Event {
	case protocol.EventRoomPing:
		var ping protocol.RoomPing
		if err := env.DecodeData(&ping); err != nil {
			return err
		}
		return c.sendEvent(protocol.EventRoomPong, protocol.RoomPong{
			T0: ping.T0,
			T1: clocksync.Seconds(c.cfg.Clock.Now()),
		})

	case protocol.EventRoomClock:
		var clock protocol.RoomClock
		if err := env.DecodeData(&clock); err != nil {
			return err
		}
		c.clockOffset, c.clockKnown = clock.Offset, true

	case protocol.EventRoomPeerLeft:
		// The remaining member waits, as initiator, for the next joiner.
		c.closePeer()
		if c.roomID != "" {
			if err := c.armPeer(); err != nil {
				return err
			}
		}

	case protocol.EventRoomFull:
		c.roomID = ""
		c.closePeer()

	case protocol.EventRoomWelcome, protocol.EventRoomError:
	default:
		c.logger.Debug("ignoring room event", "event", env.Event)
		return nil
	}
	c.notify(env)
	return nil
}

func (c *Client) handlePeer(name string, env protocol.Envelope) error {
	switch name {
	case protocol.NameCaller, protocol.NameCallee:
		var notice protocol.RoleNotice
		if err := env.DecodeData(&notice); err != nil {
			return err
		}
		role := protocol.RoleResponder
		if name == protocol.NameCaller {
			role = protocol.RoleInitiator
		}
		c.notify(env)
		if c.roomID == "" {
			return nil
		}
		// Every pairing starts from a fresh Negotiation.
		if c.peer == nil || c.peer.State() != negotiation.StateIdle || c.peer.Role() != protocol.RoleNone {
			c.closePeer()
			if err := c.armPeer(); err != nil {
				return err
			}
		}
		c.peerEpoch = notice.Epoch
		if err := c.peer.AssignRole(role); err != nil {
			return err
		}
		if role == protocol.RoleInitiator {
			return c.peer.CreateOffer()
		}
		return nil
	}

	if c.peer == nil {
		c.logger.Warn("dropping peer event without a peer negotiation", "event", env.Event)
		return nil
	}
	return c.receive(c.peer, name, env, c.peerEpoch)
}

func (c *Client) handleProc(name string, env protocol.Envelope) error {
	if c.proc == nil {
		c.logger.Warn("dropping proc event without a proc negotiation", "event", env.Event)
		return nil
	}
	return c.receive(c.proc, name, env, 0)
}

// receive feeds env to n. Messages stamped with another pairing epoch than
// epoch were sent for a Negotiation that no longer exists and are dropped.
func (c *Client) receive(n *negotiation.Negotiation, name string, env protocol.Envelope, epoch uint64) error {
	switch name {
	case protocol.NameOffer, protocol.NameAnswer:
		var msg protocol.DescriptionMessage
		if err := env.DecodeData(&msg); err != nil {
			return err
		}
		if msg.Epoch != epoch {
			c.dropStale(env, msg.Epoch, epoch)
			return nil
		}
		if name == protocol.NameOffer {
			return n.ReceiveOffer(msg.Description)
		}
		return n.ReceiveAnswer(msg.Description)
	case protocol.NameICECandidate:
		var msg protocol.CandidateMessage
		if err := env.DecodeData(&msg); err != nil {
			return err
		}
		if msg.Epoch != epoch {
			c.dropStale(env, msg.Epoch, epoch)
			return nil
		}
		return n.ReceiveCandidate(msg.Candidate)
	default:
		return fmt.Errorf("unexpected %s event %q", n.Kind(), name)
	}
}

func (c *Client) dropStale(env protocol.Envelope, got, want uint64) {
	c.logger.Debug("dropping message from an earlier pairing", "event", env.Event, "epoch", got, "current_epoch", want)
}

func (c *Client) handleResult(name string, env protocol.Envelope) error {
	var r protocol.GazeResult
	if err := env.DecodeData(&r); err != nil {
		return err
	}
	select {
	case c.results <- r:
	default:
		c.logger.Warn("dropping result, consumer is behind", "frame_id", r.FrameID)
	}
	return nil
}

func (c *Client) notify(env protocol.Envelope) {
	select {
	case c.events <- env:
	default:
		c.logger.Warn("dropping room notice, consumer is behind", "event", env.Event)
	}
}

// armPeer installs a fresh Idle peer Negotiation unless a live one exists.
func (c *Client) armPeer() error {
	if c.peer != nil && c.peer.State() != negotiation.StateClosed {
		return nil
	}
	n, err := c.newNegotiation(negotiation.KindPeer, protocol.RoleNone)
	if err != nil {
		return err
	}
	c.peer = n
	return nil
}

func (c *Client) closePeer() {
	if c.peer == nil {
		return
	}
	n := c.peer
	c.peer = nil
	c.peerEpoch = 0
	_ = n.Close(nil)
}

func (c *Client) newNegotiation(kind negotiation.Kind, role protocol.Role) (*negotiation.Negotiation, error) {
	tr, err := c.cfg.NewTransport(kind)
	if err != nil {
		return nil, fmt.Errorf("client: new %s transport: %w", kind, err)
	}
	var n *negotiation.Negotiation
	n, err = negotiation.New(negotiation.Config{
		Kind:                kind,
		Role:                role,
		Transport:           tr,
		Signaler:            signaler{c: c, kind: kind},
		MaxQueuedCandidates: c.cfg.MaxQueuedCandidates,
		Post:                func(fn func()) { c.loop.Post(fn) },
		Logger:              c.logger,
		OnStateChange: func(from, to negotiation.State) {
			c.logger.Debug("negotiation state", "kind", kind.String(), "from", from.String(), "to", to.String())
		},
		OnClose: func(reason error) {
			c.loop.Post(func() { c.negotiationClosed(n, reason) })
		},
	})
	if err != nil {
		_ = tr.Close()
		return nil, err
	}
	return n, nil
}

// negotiationClosed re-arms the peer side. A transport failure or protocol
// violation is recovered by leaving and rejoining the room so the server
// re-pairs and re-announces roles to both members; a fresh Idle Negotiation
// without a role would otherwise wait for a notice that never comes. Any other
// close just gets a fresh Idle Negotiation. A closed proc Negotiation stays
// closed until StartProcessing.
func (c *Client) negotiationClosed(n *negotiation.Negotiation, reason error) {
	if reason != nil {
		c.logger.Warn("negotiation closed", "kind", n.Kind().String(), "err", reason)
	}
	if n != c.peer || c.roomID == "" {
		return
	}
	c.peer = nil
	c.peerEpoch = 0

	if errors.Is(reason, negotiation.ErrTransportFailure) || errors.Is(reason, negotiation.ErrProtocolViolation) {
		roomID := c.roomID
		if err := c.sendEvent(protocol.EventRoomLeave, protocol.RoomLeave{}); err != nil {
			return
		}
		if err := c.armPeer(); err != nil {
			c.logger.Warn("re-arm peer negotiation failed", "err", err)
			return
		}
		_ = c.sendEvent(protocol.EventRoomJoin, protocol.RoomJoin{RoomID: roomID})
		return
	}
	if err := c.armPeer(); err != nil {
		c.logger.Warn("re-arm peer negotiation failed", "err", err)
	}
}

type signaler struct {
	c    *Client
	kind negotiation.Kind
}

// epoch stamps peer messages with the current pairing. Signaler calls run on
// the loop, and a closed Negotiation never sends, so the stamp always belongs
// to the sending Negotiation.
func (s signaler) epoch() uint64 {
	if s.kind != negotiation.KindPeer {
		return 0
	}
	return s.c.peerEpoch
}

func (s signaler) SendDescription(desc protocol.SessionDescription) error {
	return s.c.sendEvent(protocol.Event(s.kind.Channel(), desc.Type), protocol.DescriptionMessage{Description: desc, Epoch: s.epoch()})
}

func (s signaler) SendCandidate(cand protocol.Candidate) error {
	return s.c.sendEvent(protocol.Event(s.kind.Channel(), protocol.NameICECandidate), protocol.CandidateMessage{Candidate: cand, Epoch: s.epoch()})
}

func (c *Client) sendEvent(event string, data any) error {
	env, err := protocol.NewEnvelope(event, data)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(env)
}
