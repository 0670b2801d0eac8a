package metrics

import "sync"

// Event counter names. Each is exported as the `event` label of
// gazelink_events_total.
const (
	RoomJoined        = "room_joined"
	RoomFull          = "room_full"
	RoomPaired        = "room_paired"
	RoomPeerLeft      = "room_peer_left"
	ProtocolViolation = "protocol_violation"
	UnknownEvent      = "unknown_event"
	BadMessage        = "bad_message"
	PeerStale         = "peer_stale"

	RelayDelivered = "relay_delivered"
	RelayMiss      = "relay_miss"

	ClockSyncCompleted = "clock_sync_completed"
	ClockSyncTimeout   = "clock_sync_timeout"

	ProcNodeConnected = "procnode_connected"
	ProcNodeError     = "procnode_error"
	FeedConnected     = "feed_connected"
	FeedBadMessage    = "feed_bad_message"

	DropReasonRateLimited     = "rate_limited"
	DropReasonTooManySessions = "too_many_sessions"
)

// Metrics is a minimal, concurrency-safe counter registry.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of every counter.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
