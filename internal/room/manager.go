// Package room tracks two-member rooms and assigns negotiation roles.
package room

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/wilsonzlin/aero/proxy/gazelink/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/gazelink/internal/protocol"
)

// Capacity is the maximum number of members in a room.
const Capacity = 2

var (
	ErrRoomFull         = errors.New("room full")
	ErrInvalidRoomID    = errors.New("invalid room id")
	ErrInvalidSessionID = errors.New("invalid session id")
)

// Notifier receives membership events. Calls are made while the Manager's
// lock is held, so both role notices of a pairing are issued before any other
// join or leave can be observed. Implementations must not call back into the
// Manager.
type Notifier interface {
	// Paired runs when a room reaches two members. The initiator is the
	// member that joined first. epoch is unique to this pairing across all
	// rooms of the Manager.
	Paired(roomID, initiator, responder string, epoch uint64)
	PeerLeft(roomID, remaining, departed string)
}

type JoinResult struct {
	RoomID string
	// Role is RoleNone while the session is alone in the room.
	Role    protocol.Role
	PeerID  string
	Members []string
	// Epoch is the current pairing, 0 while the session is alone.
	Epoch uint64
}

type LeaveResult struct {
	RoomID string
	// Remaining is the member left behind, empty if the room is now empty.
	Remaining string
}

type room struct {
	id      string
	members []string
	roles   map[string]protocol.Role
	epoch   uint64
}

type Manager struct {
	notifier Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu       sync.Mutex
	rooms    map[string]*room
	sessions map[string]string
	epochs   uint64
}

func NewManager(notifier Notifier, m *metrics.Metrics, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		notifier: notifier,
		metrics:  m,
		logger:   logger,
		rooms:    make(map[string]*room),
		sessions: make(map[string]string),
	}
}

// Join adds sessionID to roomID. A full room is never mutated. Joining the
// room the session is already in returns its current result; joining another
// room leaves the current one first.
func (m *Manager) Join(roomID, sessionID string) (JoinResult, error) {
	if roomID == "" {
		return JoinResult{}, ErrInvalidRoomID
	}
	if sessionID == "" {
		return JoinResult{}, ErrInvalidSessionID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.sessions[sessionID]; ok && current == roomID {
		return m.resultLocked(m.rooms[roomID], sessionID), nil
	}

	r := m.rooms[roomID]
	if r != nil && len(r.members) >= Capacity {
		m.metrics.Inc(metrics.RoomFull)
		m.logger.Info("room full", "room_id", roomID, "session_id", sessionID)
		return JoinResult{RoomID: roomID}, ErrRoomFull
	}

	if _, ok := m.sessions[sessionID]; ok {
		m.leaveLocked(sessionID)
	}

	if r == nil {
		r = &room{id: roomID, roles: make(map[string]protocol.Role, Capacity)}
		m.rooms[roomID] = r
	}
	r.members = append(r.members, sessionID)
	m.sessions[sessionID] = roomID
	m.metrics.Inc(metrics.RoomJoined)

	if len(r.members) == Capacity {
		initiator, responder := r.members[0], r.members[1]
		r.roles[initiator] = protocol.RoleInitiator
		r.roles[responder] = protocol.RoleResponder
		m.epochs++
		r.epoch = m.epochs
		m.metrics.Inc(metrics.RoomPaired)
		m.logger.Info("room paired", "room_id", roomID, "initiator", initiator, "responder", responder, "epoch", r.epoch)
		if m.notifier != nil {
			m.notifier.Paired(roomID, initiator, responder, r.epoch)
		}
	}

	return m.resultLocked(r, sessionID), nil
}

// Leave removes sessionID from its room. It reports false if the session was
// not in a room.
func (m *Manager) Leave(sessionID string) (LeaveResult, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return LeaveResult{}, false
	}
	return m.leaveLocked(sessionID), true
}

func (m *Manager) leaveLocked(sessionID string) LeaveResult {
	roomID := m.sessions[sessionID]
	delete(m.sessions, sessionID)

	r := m.rooms[roomID]
	if r == nil {
		return LeaveResult{RoomID: roomID}
	}
	for i, id := range r.members {
		if id == sessionID {
			r.members = append(r.members[:i], r.members[i+1:]...)
			break
		}
	}
	// Roles belong to a pairing; the next 1->2 transition assigns them again.
	clear(r.roles)
	r.epoch = 0

	if len(r.members) == 0 {
		delete(m.rooms, roomID)
		return LeaveResult{RoomID: roomID}
	}

	remaining := r.members[0]
	m.metrics.Inc(metrics.RoomPeerLeft)
	m.logger.Info("room peer left", "room_id", roomID, "session_id", sessionID, "remaining", remaining)
	if m.notifier != nil {
		m.notifier.PeerLeft(roomID, remaining, sessionID)
	}
	return LeaveResult{RoomID: roomID, Remaining: remaining}
}

func (m *Manager) resultLocked(r *room, sessionID string) JoinResult {
	res := JoinResult{
		RoomID:  r.id,
		Role:    r.roles[sessionID],
		Members: append([]string(nil), r.members...),
		Epoch:   r.epoch,
	}
	for _, id := range r.members {
		if id != sessionID {
			res.PeerID = id
		}
	}
	return res
}

// Members returns the members of roomID in join order.
func (m *Manager) Members(roomID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.rooms[roomID]
	if r == nil {
		return nil
	}
	return append([]string(nil), r.members...)
}

// Counterpart returns the other member of sessionID's room and the epoch of
// the current pairing. ok is false unless the room is paired.
func (m *Manager) Counterpart(sessionID string) (peerID string, epoch uint64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.rooms[m.sessions[sessionID]]
	if r == nil || r.epoch == 0 {
		return "", 0, false
	}
	for _, id := range r.members {
		if id != sessionID {
			return id, r.epoch, true
		}
	}
	return "", 0, false
}

// RoomOf returns the room sessionID is in.
func (m *Manager) RoomOf(sessionID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.sessions[sessionID]
	return id, ok
}

// Rooms is the number of non-empty rooms.
func (m *Manager) Rooms() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}
