package relay

import (
	"sync"

	"github.com/wilsonzlin/aero/proxy/gazelink/internal/protocol"
)

// Session is one client's logical connection to the server.
type Session struct {
	id   string
	sink Sink

	// deliverMu keeps result delivery in Forward call order.
	deliverMu sync.Mutex

	mu     sync.Mutex
	closed bool
	done   chan struct{}

	roomID      string
	role        protocol.Role
	offset      float64
	offsetKnown bool

	onClose func()
}

func newSession(id string, sink Sink, onClose func()) *Session {
	return &Session{
		id:      id,
		sink:    sink,
		done:    make(chan struct{}),
		onClose: onClose,
	}
}

func (s *Session) ID() string { return s.id }

// Done is closed when the session is closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// SetRoom records the session's room and role. An empty roomID clears both.
func (s *Session) SetRoom(roomID string, role protocol.Role) {
	s.mu.Lock()
	s.roomID = roomID
	s.role = role
	if roomID == "" {
		s.role = protocol.RoleNone
	}
	s.mu.Unlock()
}

func (s *Session) Room() (string, protocol.Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID, s.role
}

// SetClockOffset stores the estimated client-minus-server offset in seconds.
// Only the first call takes effect.
func (s *Session) SetClockOffset(offset float64) {
	s.mu.Lock()
	if !s.offsetKnown {
		s.offset = offset
		s.offsetKnown = true
	}
	s.mu.Unlock()
}

func (s *Session) ClockOffset() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset, s.offsetKnown
}

func (s *Session) deliver(env protocol.Envelope) error {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if s.Closed() {
		return ErrSessionClosed
	}
	return s.sink.Deliver(env)
}

// AddOnClose registers an additional callback to run when the session closes.
//
// It is safe to call multiple times. If the session is already closed, fn is
// invoked synchronously.
func (s *Session) AddOnClose(fn func()) {
	if fn == nil {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		fn()
		return
	}

	prev := s.onClose
	s.onClose = func() {
		if prev != nil {
			prev()
		}
		fn()
	}
	s.mu.Unlock()
}

func (s *Session) Close() {
	s.mu.Lock()
	onClose := s.closeLocked()
	s.mu.Unlock()

	if onClose != nil {
		onClose()
	}
}

func (s *Session) closeLocked() func() {
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	onClose := s.onClose
	s.onClose = nil
	return onClose
}
