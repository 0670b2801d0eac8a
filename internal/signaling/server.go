package signaling

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/gazelink/internal/clocksync"
	"github.com/wilsonzlin/aero/proxy/gazelink/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/gazelink/internal/origin"
	"github.com/wilsonzlin/aero/proxy/gazelink/internal/procnode"
	"github.com/wilsonzlin/aero/proxy/gazelink/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/gazelink/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/gazelink/internal/relay"
	"github.com/wilsonzlin/aero/proxy/gazelink/internal/room"
)

const (
	PathSignal = "/signal"

	DefaultIdleTimeout          = 60 * time.Second
	DefaultPingInterval         = 20 * time.Second
	DefaultMaxMessageBytes      = 64 * 1024
	DefaultMaxMessagesPerSecond = 50
	DefaultConnectorTimeout     = 10 * time.Second

	// maxHeldProcMessages bounds proc:* messages held while the clock
	// estimate is outstanding.
	maxHeldProcMessages = 256
)

// Config wires together the runtime dependencies for the signaling service.
type Config struct {
	// Sessions registers client sessions for the result relay. Required.
	Sessions *relay.SessionManager

	// Connector reaches the processing node. When nil, proc offers are
	// answered with a room:error.
	Connector        procnode.Connector
	ConnectorTimeout time.Duration

	Origins origin.Policy

	ClockSyncTimeout time.Duration
	Clock            clocksync.Clock

	IdleTimeout          time.Duration
	PingInterval         time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Server implements the signaling WebSocket endpoint.
type Server struct {
	cfg      Config
	sessions *relay.SessionManager
	rooms    *room.Manager
	metrics  *metrics.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[string]*wsSession
	closed bool
}

func NewServer(cfg Config) *Server {
	if cfg.ConnectorTimeout <= 0 {
		cfg.ConnectorTimeout = DefaultConnectorTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clocksync.RealClock{}
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.IdleTimeout {
		cfg.PingInterval = min(DefaultPingInterval, cfg.IdleTimeout/2)
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "signaling")

	m := cfg.Metrics
	sessions := cfg.Sessions
	if sessions == nil {
		sessions = relay.NewSessionManager(relay.Config{}, m, logger)
	}
	if m == nil {
		m = sessions.Metrics()
	}

	s := &Server{
		cfg:      cfg,
		sessions: sessions,
		metrics:  m,
		logger:   logger,
		conns:    make(map[string]*wsSession),
		upgrader: websocket.Upgrader{CheckOrigin: cfg.Origins.CheckRequest},
	}
	s.rooms = room.NewManager(notifier{s}, m, logger)
	return s
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET "+PathSignal, s.handleWebSocketSignal)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

func (s *Server) Rooms() *room.Manager { return s.rooms }

// Close disconnects every client session.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*wsSession, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		c.Close()
	}
}

func (s *Server) handleWebSocketSignal(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ws := newWSSession(s, conn)
	ws.run()
}

func (s *Server) track(ws *wsSession) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[ws.id] = ws
	return true
}

func (s *Server) untrack(ws *wsSession) {
	s.mu.Lock()
	if s.conns[ws.id] == ws {
		delete(s.conns, ws.id)
	}
	s.mu.Unlock()
}

func (s *Server) conn(id string) *wsSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[id]
}

// counterpart returns the other member of id's room and the current pairing
// epoch. It is nil unless the room is paired and the member is connected.
func (s *Server) counterpart(id string) (*wsSession, uint64) {
	peerID, epoch, ok := s.rooms.Counterpart(id)
	if !ok {
		return nil, 0
	}
	return s.conn(peerID), epoch
}

// notifier delivers room membership events. It runs under the room
// manager's lock, so it only writes frames and never re-enters the manager.
type notifier struct{ s *Server }

func (n notifier) Paired(roomID, initiator, responder string, epoch uint64) {
	// The joiner hears its role first; by the time the initiator can offer,
	// the responder already knows it is the callee.
	if ws := n.s.conn(responder); ws != nil {
		ws.relay.SetRoom(roomID, protocol.RoleResponder)
		ws.notice(protocol.EventPeerCallee, protocol.RoleNotice{RoomID: roomID, PeerID: initiator, Epoch: epoch})
	}
	if ws := n.s.conn(initiator); ws != nil {
		ws.relay.SetRoom(roomID, protocol.RoleInitiator)
		ws.notice(protocol.EventPeerCaller, protocol.RoleNotice{RoomID: roomID, PeerID: responder, Epoch: epoch})
	}
}

func (n notifier) PeerLeft(roomID, remaining, departed string) {
	if ws := n.s.conn(remaining); ws != nil {
		ws.relay.SetRoom(roomID, protocol.RoleNone)
		ws.notice(protocol.EventRoomPeerLeft, protocol.RoomPeerLeft{RoomID: roomID, PeerID: departed})
	}
}

func (s *Server) newLimiter() *ratelimit.Limiter {
	n := s.cfg.MaxMessagesPerSecond
	if n == 0 {
		n = DefaultMaxMessagesPerSecond
	}
	return ratelimit.PerSecond(ratelimit.RealClock{}, n)
}
