package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/wilsonzlin/aero/proxy/gazelink/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/gazelink/internal/protocol"
)

// Sink delivers envelopes to one client connection.
type Sink interface {
	Deliver(env protocol.Envelope) error
}

type Config struct {
	// MaxSessions caps concurrent sessions. Zero means unlimited.
	MaxSessions int
}

type SessionManager struct {
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewSessionManager(cfg Config, m *metrics.Metrics, logger *slog.Logger) *SessionManager {
	if m == nil {
		m = metrics.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{
		cfg:      cfg,
		metrics:  m,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

func (sm *SessionManager) Metrics() *metrics.Metrics { return sm.metrics }

// CreateSession registers a new session delivering through sink. The session
// is unregistered when it is closed.
func (sm *SessionManager) CreateSession(sink Sink) (*Session, error) {
	if sink == nil {
		return nil, errors.New("relay: sink is required")
	}
	for attempt := 0; attempt < 3; attempt++ {
		id, err := newSessionID()
		if err != nil {
			return nil, err
		}

		sm.mu.Lock()
		if sm.cfg.MaxSessions > 0 && len(sm.sessions) >= sm.cfg.MaxSessions {
			sm.metrics.Inc(metrics.DropReasonTooManySessions)
			sm.mu.Unlock()
			return nil, ErrTooManySessions
		}
		if _, taken := sm.sessions[id]; taken {
			sm.mu.Unlock()
			continue
		}

		session := newSession(id, sink, func() {
			sm.deleteSession(id)
		})
		sm.sessions[id] = session
		sm.mu.Unlock()
		return session, nil
	}

	return nil, errors.New("failed to allocate unique session id")
}

func (sm *SessionManager) deleteSession(id string) {
	sm.mu.Lock()
	delete(sm.sessions, id)
	sm.mu.Unlock()
}

func (sm *SessionManager) Lookup(id string) (*Session, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s, ok := sm.sessions[id]
	return s, ok
}

func (sm *SessionManager) ActiveSessions() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.sessions)
}

// Forward delivers result to the session it is addressed to. A missing or
// closed session yields ErrRelayMiss and a relay_miss count.
//
// Results forwarded from one goroutine reach the client in call order.
func (sm *SessionManager) Forward(sessionID string, result protocol.GazeResult) error {
	sess, ok := sm.Lookup(sessionID)
	if !ok || sess.Closed() {
		sm.metrics.Inc(metrics.RelayMiss)
		sm.logger.Debug("dropping result for unknown session", "session_id", sessionID, "frame_id", result.FrameID)
		return ErrRelayMiss
	}

	result.SessionID = sessionID
	if offset, ok := sess.ClockOffset(); ok && result.Timestamp != 0 {
		result.ClientTimestamp = result.Timestamp + offset
	}

	env, err := protocol.NewEnvelope(protocol.EventResultGaze, result)
	if err != nil {
		return err
	}
	if err := sess.deliver(env); err != nil {
		sm.metrics.Inc(metrics.RelayMiss)
		if errors.Is(err, ErrSessionClosed) {
			return ErrRelayMiss
		}
		return fmt.Errorf("%w: %v", ErrRelayMiss, err)
	}
	sm.metrics.Inc(metrics.RelayDelivered)
	return nil
}

// CloseAll closes every registered session.
func (sm *SessionManager) CloseAll() {
	sm.mu.Lock()
	sessions := make([]*Session, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		sessions = append(sessions, s)
	}
	sm.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

func newSessionID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return id.String(), nil
}
