package procnode

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/gazelink/internal/clocksync"
	"github.com/wilsonzlin/aero/proxy/gazelink/internal/eventloop"
	"github.com/wilsonzlin/aero/proxy/gazelink/internal/negotiation"
	"github.com/wilsonzlin/aero/proxy/gazelink/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/gazelink/internal/webrtcpeer"
)

const maxRequestBytes = 256 * 1024

// Publisher ships results to the signaling server. FeedClient implements it.
type Publisher interface {
	Publish(r protocol.GazeResult) error
}

type NodeConfig struct {
	API        *webrtc.API
	ICEServers []webrtc.ICEServer
	// GatherTimeout bounds how long /connect waits for the answer's
	// candidates. The node does not trickle.
	GatherTimeout time.Duration
	// MaxQueuedCandidates bounds candidates received before /connect.
	MaxQueuedCandidates int

	// FPS emits synthetic results on a ticker once a session connects. Zero
	// emits one result per video frame received instead.
	FPS float64

	Publisher Publisher
	Clock     clocksync.Clock
	Logger    *slog.Logger
}

// Node is a stand-in processing node. It answers proc offers over HTTP and
// emits synthetic gaze results for every connected session. It computes no
// gaze.
type Node struct {
	cfg    NodeConfig
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*nodeSession

	overrideMu sync.Mutex
	override   *protocol.Point
	blink      bool
}

func NewNode(cfg NodeConfig) *Node {
	if cfg.API == nil {
		cfg.API = webrtc.NewAPI()
	}
	if cfg.Clock == nil {
		cfg.Clock = clocksync.RealClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Node{
		cfg:      cfg,
		logger:   logger.With("component", "procnode"),
		sessions: make(map[string]*nodeSession),
	}
}

func (n *Node) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+PathConnect, n.handleConnect)
	mux.HandleFunc("POST "+PathICECandidate, n.handleICECandidate)
	mux.HandleFunc("POST "+PathDisconnect, n.handleDisconnect)
	return mux
}

// SetGaze pins the emitted gaze point. A nil point resumes the synthetic
// pattern.
func (n *Node) SetGaze(p *protocol.Point) {
	n.overrideMu.Lock()
	defer n.overrideMu.Unlock()
	if p == nil {
		n.override = nil
		return
	}
	v := *p
	n.override = &v
}

// ToggleBlink flips the emitted blink flag and returns the new value.
func (n *Node) ToggleBlink() bool {
	n.overrideMu.Lock()
	defer n.overrideMu.Unlock()
	n.blink = !n.blink
	return n.blink
}

func (n *Node) Sessions() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sessions)
}

// SessionState reports the proc negotiation state of sessionID.
func (n *Node) SessionState(ctx context.Context, sessionID string) (negotiation.State, bool) {
	n.mu.Lock()
	s := n.sessions[sessionID]
	n.mu.Unlock()
	if s == nil {
		return negotiation.StateClosed, false
	}
	var st negotiation.State
	if err := s.loop.Call(ctx, func() { st = s.neg.State() }); err != nil {
		return negotiation.StateClosed, false
	}
	return st, true
}

func (n *Node) Close() {
	n.mu.Lock()
	sessions := make([]*nodeSession, 0, len(n.sessions))
	for _, s := range n.sessions {
		sessions = append(sessions, s)
	}
	n.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
}

func (n *Node) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req ConnectRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	offer := protocol.SessionDescription{Type: req.Type, SDP: req.SDP}
	if req.SessionID == "" {
		http.Error(w, "missing sessionId", http.StatusBadRequest)
		return
	}
	if err := offer.Validate(protocol.NameOffer); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s, err := n.sessionForOffer(r.Context(), req.SessionID)
	if err != nil {
		n.logger.Error("create session failed", "session_id", req.SessionID, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	n.logger.Info("proc offer received", "session_id", req.SessionID, "clock_offset", req.ClockOffset)

	var (
		answer *protocol.SessionDescription
		negErr error
	)
	callErr := s.loop.Call(r.Context(), func() {
		negErr = s.neg.ReceiveOffer(offer)
		answer = s.neg.LocalDescription()
	})
	switch {
	case callErr != nil:
		http.Error(w, callErr.Error(), http.StatusServiceUnavailable)
		return
	case errors.Is(negErr, negotiation.ErrProtocolViolation):
		http.Error(w, negErr.Error(), http.StatusConflict)
		return
	case negErr != nil || answer == nil:
		n.logger.Warn("answer failed", "session_id", req.SessionID, "err", negErr)
		http.Error(w, "negotiation failed", http.StatusBadGateway)
		return
	}

	writeJSON(w, ConnectResponse{Type: answer.Type, SDP: answer.SDP})
}

func (n *Node) handleICECandidate(w http.ResponseWriter, r *http.Request) {
	var req ICECandidateRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		http.Error(w, "missing sessionId", http.StatusBadRequest)
		return
	}

	// Candidates may beat the offer here; the session is created so its
	// negotiation can queue them.
	s, err := n.session(req.SessionID)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.loop.Post(func() { _ = s.neg.ReceiveCandidate(req.Candidate) })
	w.WriteHeader(http.StatusNoContent)
}

func (n *Node) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	var req DisconnectRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	n.mu.Lock()
	s := n.sessions[req.SessionID]
	n.mu.Unlock()
	if s != nil {
		s.close()
	}
	w.WriteHeader(http.StatusNoContent)
}

// sessionForOffer returns a session that can accept an offer: an existing
// Idle one (possibly holding early candidates) or a fresh one replacing a
// session that already negotiated.
func (n *Node) sessionForOffer(ctx context.Context, id string) (*nodeSession, error) {
	s, err := n.session(id)
	if err != nil {
		return nil, err
	}
	var st negotiation.State
	err = s.loop.Call(ctx, func() { st = s.neg.State() })
	switch {
	case errors.Is(err, eventloop.ErrStopped):
	case err != nil:
		return nil, err
	case st == negotiation.StateIdle:
		return s, nil
	default:
		s.close()
	}
	return n.session(id)
}

func (n *Node) session(id string) (*nodeSession, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if s := n.sessions[id]; s != nil {
		return s, nil
	}
	s, err := n.newSession(id)
	if err != nil {
		return nil, err
	}
	n.sessions[id] = s
	return s, nil
}

func (n *Node) removeSession(s *nodeSession) {
	n.mu.Lock()
	if n.sessions[s.id] == s {
		delete(n.sessions, s.id)
	}
	n.mu.Unlock()
}

func (n *Node) newSession(id string) (*nodeSession, error) {
	s := &nodeSession{
		id:     id,
		node:   n,
		loop:   eventloop.New(),
		done:   make(chan struct{}),
		logger: n.logger.With("session_id", id),
	}

	opts := webrtcpeer.Options{
		ICEServers:       n.cfg.ICEServers,
		WaitForGathering: true,
		GatherTimeout:    n.cfg.GatherTimeout,
	}
	if n.cfg.FPS <= 0 {
		opts.OnTrack = s.readFrames
	}
	tr, err := webrtcpeer.NewTransport(n.cfg.API, opts)
	if err != nil {
		s.loop.Stop()
		return nil, err
	}

	neg, err := negotiation.New(negotiation.Config{
		Kind:                    negotiation.KindProc,
		Role:                    protocol.RoleResponder,
		Transport:               tr,
		Signaler:                answerOnly{},
		MaxQueuedCandidates:     n.cfg.MaxQueuedCandidates,
		Post:                    func(fn func()) { s.loop.Post(fn) },
		OnConnectionStateChange: s.connectionStateChanged,
		OnClose:                 s.negotiationClosed,
		Logger:                  s.logger,
	})
	if err != nil {
		_ = tr.Close()
		s.loop.Stop()
		return nil, err
	}
	s.neg = neg
	return s, nil
}

// answerOnly is the node's Signaler. The answer goes back in the /connect
// response with every candidate inlined, so nothing is trickled.
type answerOnly struct{}

func (answerOnly) SendDescription(protocol.SessionDescription) error { return nil }
func (answerOnly) SendCandidate(protocol.Candidate) error            { return nil }

type nodeSession struct {
	id     string
	node   *Node
	loop   *eventloop.Loop
	neg    *negotiation.Negotiation
	logger *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
	frameMu   sync.Mutex
	frameID   int64
	ticking   bool
}

// connectionStateChanged runs on the session loop.
func (s *nodeSession) connectionStateChanged(cs negotiation.ConnectionState) {
	s.logger.Info("proc transport state", "state", cs.String())
	if cs != negotiation.ConnectionStateConnected || s.node.cfg.FPS <= 0 || s.ticking {
		return
	}
	s.ticking = true
	go s.tick(time.Duration(float64(time.Second) / s.node.cfg.FPS))
}

func (s *nodeSession) negotiationClosed(reason error) {
	if reason != nil {
		s.logger.Info("proc negotiation closed", "err", reason)
	}
	s.close()
}

func (s *nodeSession) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.node.removeSession(s)
		s.loop.Post(func() {
			_ = s.neg.Close(nil)
			s.loop.Stop()
		})
	})
}

func (s *nodeSession) tick(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.emit()
		case <-s.done:
			return
		}
	}
}

// readFrames emits one result per completed video frame, marked by the RTP
// marker bit on the frame's last packet.
func (s *nodeSession) readFrames(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	if track.Kind() != webrtc.RTPCodecTypeVideo {
		return
	}
	s.logger.Info("video track received", "codec", track.Codec().MimeType)
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("video track ended", "err", err)
			}
			return
		}
		if pkt.Marker {
			s.emit()
		}
	}
}

func (s *nodeSession) emit() {
	s.frameMu.Lock()
	s.frameID++
	frameID := s.frameID
	s.frameMu.Unlock()

	now := s.node.cfg.Clock.Now()
	raw := syntheticGaze(now)
	gaze, blink := s.node.current(raw)

	if s.node.cfg.Publisher == nil {
		return
	}
	err := s.node.cfg.Publisher.Publish(protocol.GazeResult{
		SessionID: s.id,
		FrameID:   frameID,
		Gaze:      gaze,
		RawGaze:   raw,
		Blink:     blink,
		Timestamp: clocksync.Seconds(now),
	})
	if err != nil {
		s.logger.Debug("result not published", "frame_id", frameID, "err", err)
	}
}

func (n *Node) current(raw protocol.Point) (protocol.Point, bool) {
	n.overrideMu.Lock()
	defer n.overrideMu.Unlock()
	if n.override != nil {
		return *n.override, n.blink
	}
	return raw, n.blink
}

// syntheticGaze traces a slow Lissajous curve over the normalized screen.
func syntheticGaze(t time.Time) protocol.Point {
	sec := float64(t.UnixNano()) / float64(time.Second)
	return protocol.Point{
		X: 0.5 + 0.4*math.Sin(sec*0.7),
		Y: 0.5 + 0.3*math.Sin(sec*0.9+math.Pi/4),
	}
}

func decodeRequest(w http.ResponseWriter, r *http.Request, v any) bool {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes+1))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return false
	}
	if len(data) > maxRequestBytes {
		http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
		return false
	}
	if err := protocol.DecodeStrict(data, v); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
