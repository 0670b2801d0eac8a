package procnode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/wilsonzlin/aero/proxy/gazelink/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/gazelink/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/gazelink/internal/relay"
)

const (
	// PathFeed is where the signaling server accepts result feed connections.
	PathFeed = "/procnode/feed"

	DefaultReconnectDelay = 3 * time.Second

	feedWriteWait     = 1 * time.Second
	feedMaxFrameBytes = 64 * 1024
)

var (
	ErrFeedNotConnected = errors.New("result feed is not connected")
	ErrMissingSessionID = errors.New("result is missing sessionId")
)

// Codec selects how results are framed on the feed. JSON results travel as
// text frames, msgpack results as binary frames.
type Codec string

const (
	CodecJSON    Codec = "json"
	CodecMsgpack Codec = "msgpack"
)

func ParseCodec(s string) (Codec, error) {
	switch Codec(s) {
	case CodecJSON, CodecMsgpack:
		return Codec(s), nil
	case "":
		return CodecJSON, nil
	default:
		return "", fmt.Errorf("invalid feed codec %q (expected %q or %q)", s, CodecJSON, CodecMsgpack)
	}
}

// EncodeResult frames r for the feed.
func EncodeResult(codec Codec, r protocol.GazeResult) (int, []byte, error) {
	switch codec {
	case CodecMsgpack:
		b, err := msgpack.Marshal(r)
		return websocket.BinaryMessage, b, err
	default:
		b, err := json.Marshal(r)
		return websocket.TextMessage, b, err
	}
}

// DecodeResult parses one feed frame.
func DecodeResult(messageType int, data []byte) (protocol.GazeResult, error) {
	var r protocol.GazeResult
	switch messageType {
	case websocket.TextMessage:
		if err := protocol.DecodeStrict(data, &r); err != nil {
			return protocol.GazeResult{}, err
		}
	case websocket.BinaryMessage:
		if err := msgpack.Unmarshal(data, &r); err != nil {
			return protocol.GazeResult{}, err
		}
	default:
		return protocol.GazeResult{}, fmt.Errorf("unexpected frame type %d", messageType)
	}
	if r.SessionID == "" {
		return protocol.GazeResult{}, ErrMissingSessionID
	}
	return r, nil
}

// Forwarder routes a result to the session it is addressed to.
// relay.SessionManager implements it.
type Forwarder interface {
	Forward(sessionID string, result protocol.GazeResult) error
}

type FeedServerConfig struct {
	Forwarder Forwarder
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	// IdleTimeout closes a feed that has sent nothing, not even a pong, for
	// this long. PingInterval must be smaller.
	IdleTimeout  time.Duration
	PingInterval time.Duration
}

// FeedServer accepts result feed connections from processing nodes.
type FeedServer struct {
	cfg      FeedServerConfig
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func NewFeedServer(cfg FeedServerConfig) *FeedServer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.IdleTimeout {
		cfg.PingInterval = cfg.IdleTimeout / 3
	}
	return &FeedServer{
		cfg:    cfg,
		logger: logger.With("component", "procnode_feed"),
		upgrader: websocket.Upgrader{
			// Processing nodes are not browsers and send no Origin header.
			CheckOrigin: func(r *http.Request) bool { return r.Header.Get("Origin") == "" },
		},
	}
}

func (s *FeedServer) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET "+PathFeed, s)
}

func (s *FeedServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.cfg.Metrics.Inc(metrics.FeedConnected)
	s.logger.Info("processing node feed connected", "remote_addr", r.RemoteAddr)
	s.serve(conn)
	s.logger.Info("processing node feed disconnected", "remote_addr", r.RemoteAddr)
}

func (s *FeedServer) serve(conn *websocket.Conn) {
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)

	conn.SetReadLimit(feedMaxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	})

	go func() {
		ticker := time.NewTicker(s.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(feedWriteWait)); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	// A single reader per feed keeps each session's results in feed order.
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))

		result, err := DecodeResult(msgType, data)
		if err != nil {
			s.cfg.Metrics.Inc(metrics.FeedBadMessage)
			s.logger.Warn("dropping malformed feed frame", "err", err)
			continue
		}
		if err := s.cfg.Forwarder.Forward(result.SessionID, result); err != nil && !errors.Is(err, relay.ErrRelayMiss) {
			s.logger.Warn("forward result failed", "session_id", result.SessionID, "err", err)
		}
	}
}

type FeedClientConfig struct {
	// URL is the server's feed endpoint, e.g. ws://127.0.0.1:8080/procnode/feed.
	URL            string
	Codec          Codec
	Dialer         *websocket.Dialer
	ReconnectDelay time.Duration
	Logger         *slog.Logger
}

// FeedClient is the processing node's end of the result feed. It keeps one
// connection to the server and redials after ReconnectDelay when it drops.
type FeedClient struct {
	cfg    FeedClientConfig
	logger *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func NewFeedClient(cfg FeedClientConfig) *FeedClient {
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.Codec == "" {
		cfg.Codec = CodecJSON
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &FeedClient{cfg: cfg, logger: logger.With("component", "feed_client")}
}

// Run dials and redials until ctx is done.
func (c *FeedClient) Run(ctx context.Context) error {
	for {
		conn, _, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, nil)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("feed dial failed", "url", c.cfg.URL, "err", err, "retry_in", c.cfg.ReconnectDelay)
		} else {
			c.logger.Info("feed connected", "url", c.cfg.URL)
			c.hold(ctx, conn)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("feed disconnected", "retry_in", c.cfg.ReconnectDelay)
		}

		timer := time.NewTimer(c.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// hold owns conn until it fails or ctx is done. Reading keeps the default
// ping handler answering the server's keepalives.
func (c *FeedClient) hold(ctx context.Context, conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
}

func (c *FeedClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Publish sends r on the current connection. Results published while the
// feed is down are dropped with ErrFeedNotConnected.
func (c *FeedClient) Publish(r protocol.GazeResult) error {
	if r.SessionID == "" {
		return ErrMissingSessionID
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrFeedNotConnected
	}

	msgType, data, err := EncodeResult(c.cfg.Codec, r)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
	return conn.WriteMessage(msgType, data)
}
