package client_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/gazelink/internal/client"
	"github.com/wilsonzlin/aero/proxy/gazelink/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/gazelink/internal/negotiation"
	"github.com/wilsonzlin/aero/proxy/gazelink/internal/negotiation/negotiationtest"
	"github.com/wilsonzlin/aero/proxy/gazelink/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/gazelink/internal/relay"
	"github.com/wilsonzlin/aero/proxy/gazelink/internal/signaling"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeConnector struct {
	mu          sync.Mutex
	connects    []string
	disconnects []string
}

func (f *fakeConnector) Connect(_ context.Context, sessionID string, _ protocol.SessionDescription, _ float64) (protocol.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, sessionID)
	return protocol.SessionDescription{Type: "answer", SDP: "fake-answer-procnode"}, nil
}

func (f *fakeConnector) AddICECandidate(context.Context, string, protocol.Candidate) error {
	return nil
}

func (f *fakeConnector) Disconnect(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects = append(f.disconnects, sessionID)
	return nil
}

func (f *fakeConnector) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.connects), len(f.disconnects)
}

type harness struct {
	sm    *relay.SessionManager
	fc    *fakeConnector
	wsURL string
}

func newHarness(t *testing.T, maxSessions int) *harness {
	t.Helper()
	m := metrics.New()
	sm := relay.NewSessionManager(relay.Config{MaxSessions: maxSessions}, m, quiet)
	fc := &fakeConnector{}
	srv := signaling.NewServer(signaling.Config{
		Sessions:         sm,
		Connector:        fc,
		ClockSyncTimeout: 2 * time.Second,
		Metrics:          m,
		Logger:           quiet,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(srv.Close)
	return &harness{
		sm:    sm,
		fc:    fc,
		wsURL: "ws" + strings.TrimPrefix(ts.URL, "http") + signaling.PathSignal,
	}
}

// transports hands out in-memory transports and remembers them per kind.
type transports struct {
	name string

	mu   sync.Mutex
	made map[negotiation.Kind][]*negotiationtest.Transport
}

func (ts *transports) factory(kind negotiation.Kind) (negotiation.Transport, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.made == nil {
		ts.made = make(map[negotiation.Kind][]*negotiationtest.Transport)
	}
	tr := negotiationtest.New(fmt.Sprintf("%s-%s-%d", ts.name, kind, len(ts.made[kind])))
	tr.LocalCandidates = []protocol.Candidate{{Candidate: "candidate:" + tr.Name}}
	ts.made[kind] = append(ts.made[kind], tr)
	return tr, nil
}

func (ts *transports) all(kind negotiation.Kind) []*negotiationtest.Transport {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]*negotiationtest.Transport(nil), ts.made[kind]...)
}

func (ts *transports) last(t *testing.T, kind negotiation.Kind) *negotiationtest.Transport {
	t.Helper()
	all := ts.all(kind)
	if len(all) == 0 {
		t.Fatalf("%s: no %s transport created", ts.name, kind)
	}
	return all[len(all)-1]
}

type peer struct {
	*client.Client
	tr *transports
}

func (h *harness) dial(t *testing.T, name string) *peer {
	t.Helper()
	tr := &transports{name: name}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := client.Dial(ctx, client.Config{
		URL:          h.wsURL,
		NewTransport: tr.factory,
		Logger:       quiet,
	})
	if err != nil {
		t.Fatalf("Dial %s: %v", name, err)
	}
	t.Cleanup(func() { _ = c.Close() })
	if c.SessionID() == "" {
		t.Fatalf("%s: empty session id", name)
	}
	return &peer{Client: c, tr: tr}
}

func (p *peer) join(t *testing.T, roomID string) {
	t.Helper()
	if err := p.Join(context.Background(), roomID); err != nil {
		t.Fatalf("Join %s: %v", roomID, err)
	}
}

// nextEvent skips room notices until event arrives.
func (p *peer) nextEvent(t *testing.T, event string) protocol.Envelope {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case env := <-p.Events():
			if env.Event == event {
				return env
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", event)
		}
	}
}

func waitState(t *testing.T, what string, get func(context.Context) (negotiation.State, bool), want negotiation.State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		st, ok := get(context.Background())
		if ok && st == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("%s state=(%s,%v), want %s", what, st, ok, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func hasCandidate(tr *negotiationtest.Transport, candidate string) bool {
	for _, c := range tr.Applied() {
		if c.Candidate == candidate {
			return true
		}
	}
	return false
}

func pair(t *testing.T, h *harness, roomID string) (*peer, *peer) {
	t.Helper()
	a := h.dial(t, "a")
	a.join(t, roomID)
	// a must be seated before b joins to be the initiator.
	a.nextEvent(t, protocol.EventRoomWelcome)
	b := h.dial(t, "b")
	b.join(t, roomID)

	waitState(t, "a peer", a.PeerState, negotiation.StateOpen)
	waitState(t, "b peer", b.PeerState, negotiation.StateOpen)
	return a, b
}

func TestClient_PairsAndOpensPeerNegotiation(t *testing.T) {
	h := newHarness(t, 0)
	a, b := pair(t, h, "r1")

	var notice protocol.RoleNotice
	if err := a.nextEvent(t, protocol.EventPeerCaller).DecodeData(&notice); err != nil || notice.PeerID != b.SessionID() {
		t.Fatalf("a caller notice=%+v err=%v", notice, err)
	}
	if err := b.nextEvent(t, protocol.EventPeerCallee).DecodeData(&notice); err != nil || notice.PeerID != a.SessionID() {
		t.Fatalf("b callee notice=%+v err=%v", notice, err)
	}

	at := a.tr.last(t, negotiation.KindPeer)
	bt := b.tr.last(t, negotiation.KindPeer)
	if r := bt.Remote(); r == nil || r.Type != "offer" || r.SDP != "fake-offer-"+at.Name {
		t.Fatalf("b remote=%+v", r)
	}
	if r := at.Remote(); r == nil || r.Type != "answer" || r.SDP != "fake-answer-"+bt.Name {
		t.Fatalf("a remote=%+v", r)
	}
	waitUntil(t, "candidates exchanged", func() bool {
		return hasCandidate(bt, "candidate:"+at.Name) && hasCandidate(at, "candidate:"+bt.Name)
	})
}

func TestClient_RoomFullIsReported(t *testing.T) {
	h := newHarness(t, 0)
	pair(t, h, "r1")

	c := h.dial(t, "c")
	c.join(t, "r1")
	var full protocol.RoomFull
	if err := c.nextEvent(t, protocol.EventRoomFull).DecodeData(&full); err != nil || full.RoomID != "r1" {
		t.Fatalf("full=%+v err=%v", full, err)
	}
	waitUntil(t, "peer negotiation released", func() bool {
		_, ok := c.PeerState(context.Background())
		return !ok
	})
	if !c.tr.last(t, negotiation.KindPeer).Closed() {
		t.Fatalf("unused peer transport not closed")
	}
}

func TestClient_PeerLeftReArmsNegotiation(t *testing.T) {
	h := newHarness(t, 0)
	a, b := pair(t, h, "r1")
	first := a.tr.last(t, negotiation.KindPeer)

	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var left protocol.RoomPeerLeft
	if err := a.nextEvent(t, protocol.EventRoomPeerLeft).DecodeData(&left); err != nil || left.PeerID != b.SessionID() {
		t.Fatalf("peer-left=%+v err=%v", left, err)
	}
	waitState(t, "a peer after peer-left", a.PeerState, negotiation.StateIdle)
	if !first.Closed() {
		t.Fatalf("old peer transport not closed")
	}

	c := h.dial(t, "c")
	c.join(t, "r1")
	waitState(t, "a peer", a.PeerState, negotiation.StateOpen)
	waitState(t, "c peer", c.PeerState, negotiation.StateOpen)
	if n := len(a.tr.all(negotiation.KindPeer)); n != 2 {
		t.Fatalf("a peer transports=%d, want 2", n)
	}
	if r := c.tr.last(t, negotiation.KindPeer).Remote(); r == nil || r.Type != "offer" {
		t.Fatalf("c remote=%+v, want a's offer", r)
	}
}

func TestClient_TransportFailureRejoinsRoom(t *testing.T) {
	h := newHarness(t, 0)
	a, b := pair(t, h, "r1")

	a.tr.last(t, negotiation.KindPeer).SetConnectionState(negotiation.ConnectionStateFailed)

	b.nextEvent(t, protocol.EventRoomPeerLeft)
	waitUntil(t, "re-pairing", func() bool {
		return len(a.tr.all(negotiation.KindPeer)) == 2 && len(b.tr.all(negotiation.KindPeer)) == 2
	})
	waitState(t, "a peer", a.PeerState, negotiation.StateOpen)
	waitState(t, "b peer", b.PeerState, negotiation.StateOpen)

	// b stayed in the room, so it initiates the second pairing.
	if r := a.tr.last(t, negotiation.KindPeer).Remote(); r == nil || r.Type != "offer" {
		t.Fatalf("a remote=%+v, want b's offer", r)
	}
}

// pairedWith reports whether x and y hold the two ends of one peer
// Negotiation: each side's remote description came from the other's latest
// transport.
func pairedWith(x, y *peer) bool {
	xt, yt := x.tr.all(negotiation.KindPeer), y.tr.all(negotiation.KindPeer)
	if len(xt) == 0 || len(yt) == 0 {
		return false
	}
	xr, yr := xt[len(xt)-1].Remote(), yt[len(yt)-1].Remote()
	if xr == nil || yr == nil {
		return false
	}
	xName, yName := xt[len(xt)-1].Name, yt[len(yt)-1].Name
	return (xr.SDP == "fake-offer-"+yName && yr.SDP == "fake-answer-"+xName) ||
		(xr.SDP == "fake-answer-"+yName && yr.SDP == "fake-offer-"+xName)
}

func TestClient_SimultaneousTransportFailureRecovers(t *testing.T) {
	h := newHarness(t, 0)
	a, b := pair(t, h, "r1")

	// ICE failures are usually seen by both ends at once.
	a.tr.last(t, negotiation.KindPeer).SetConnectionState(negotiation.ConnectionStateFailed)
	b.tr.last(t, negotiation.KindPeer).SetConnectionState(negotiation.ConnectionStateFailed)

	waitUntil(t, "both sides re-paired and open", func() bool {
		as, aok := a.PeerState(context.Background())
		bs, bok := b.PeerState(context.Background())
		return aok && bok && as == negotiation.StateOpen && bs == negotiation.StateOpen && pairedWith(a, b)
	})

	// Nothing left in flight undoes the recovered pairing.
	time.Sleep(200 * time.Millisecond)
	waitState(t, "a peer", a.PeerState, negotiation.StateOpen)
	waitState(t, "b peer", b.PeerState, negotiation.StateOpen)
	if !pairedWith(a, b) {
		t.Fatalf("a and b hold different pairings after recovery")
	}
}

// rawMember is a room member driven frame by frame over a bare WebSocket.
type rawMember struct {
	t      *testing.T
	conn   *websocket.Conn
	frames chan protocol.Envelope
}

func (h *harness) dialRaw(t *testing.T) *rawMember {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(h.wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	m := &rawMember{t: t, conn: conn, frames: make(chan protocol.Envelope, 64)}
	go func() {
		defer close(m.frames)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			env, err := protocol.ParseEnvelope(data)
			if err != nil {
				continue
			}
			switch env.Event {
			case protocol.EventRoomPing, protocol.EventRoomClock:
				continue
			}
			m.frames <- env
		}
	}()
	m.expect(protocol.EventRoomWelcome, nil)
	return m
}

func (m *rawMember) send(event string, data any) {
	m.t.Helper()
	env, err := protocol.NewEnvelope(event, data)
	if err != nil {
		m.t.Fatalf("envelope: %v", err)
	}
	if err := m.conn.WriteJSON(env); err != nil {
		m.t.Fatalf("send %s: %v", event, err)
	}
}

// expect skips frames until event arrives.
func (m *rawMember) expect(event string, v any) {
	m.t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case env, ok := <-m.frames:
			if !ok {
				m.t.Fatalf("connection closed while waiting for %s", event)
			}
			if env.Event != event {
				continue
			}
			if v != nil {
				if err := env.DecodeData(v); err != nil {
					m.t.Fatalf("decode %s: %v", event, err)
				}
			}
			return
		case <-timeout:
			m.t.Fatalf("timed out waiting for %s", event)
		}
	}
}

func TestClient_PeerViolationWhilePairedRejoinsRoom(t *testing.T) {
	h := newHarness(t, 0)
	a := h.dial(t, "a")
	a.join(t, "r1")
	a.nextEvent(t, protocol.EventRoomWelcome)

	m := h.dialRaw(t)
	m.send(protocol.EventRoomJoin, protocol.RoomJoin{RoomID: "r1"})
	var first protocol.RoleNotice
	m.expect(protocol.EventPeerCallee, &first)
	var offer protocol.DescriptionMessage
	m.expect(protocol.EventPeerOffer, &offer)
	if offer.Epoch != first.Epoch {
		t.Fatalf("offer epoch=%d, want %d", offer.Epoch, first.Epoch)
	}
	answer := protocol.DescriptionMessage{Description: protocol.SessionDescription{Type: "answer", SDP: "raw-answer"}, Epoch: first.Epoch}
	m.send(protocol.EventPeerAnswer, answer)
	waitState(t, "a peer", a.PeerState, negotiation.StateOpen)

	// A second answer is a violation on an Open Negotiation. a stays in the
	// room, so it must rejoin to get a role again.
	m.send(protocol.EventPeerAnswer, answer)
	m.expect(protocol.EventRoomPeerLeft, nil)
	var second protocol.RoleNotice
	m.expect(protocol.EventPeerCaller, &second)
	if second.Epoch <= first.Epoch {
		t.Fatalf("epoch=%d after rejoin, want > %d", second.Epoch, first.Epoch)
	}

	m.send(protocol.EventPeerOffer, protocol.DescriptionMessage{
		Description: protocol.SessionDescription{Type: "offer", SDP: "raw-offer"},
		Epoch:       second.Epoch,
	})
	var reply protocol.DescriptionMessage
	m.expect(protocol.EventPeerAnswer, &reply)
	if reply.Epoch != second.Epoch {
		t.Fatalf("answer epoch=%d, want %d", reply.Epoch, second.Epoch)
	}
	waitState(t, "a peer", a.PeerState, negotiation.StateOpen)
	if n := len(a.tr.all(negotiation.KindPeer)); n != 2 {
		t.Fatalf("a peer transports=%d, want 2", n)
	}
}

func TestClient_DropsPeerMessagesFromEarlierPairing(t *testing.T) {
	h := newHarness(t, 0)
	a := h.dial(t, "a")
	a.join(t, "r1")
	a.nextEvent(t, protocol.EventRoomWelcome)

	m := h.dialRaw(t)
	m.send(protocol.EventRoomJoin, protocol.RoomJoin{RoomID: "r1"})
	var notice protocol.RoleNotice
	m.expect(protocol.EventPeerCallee, &notice)
	m.expect(protocol.EventPeerOffer, nil)

	// Stamped with a pairing that is not the current one: the server drops
	// it, so a keeps waiting for the real answer.
	m.send(protocol.EventPeerAnswer, protocol.DescriptionMessage{
		Description: protocol.SessionDescription{Type: "answer", SDP: "stale"},
		Epoch:       notice.Epoch + 100,
	})
	time.Sleep(100 * time.Millisecond)
	waitState(t, "a peer", a.PeerState, negotiation.StateLocalOfferPending)

	m.send(protocol.EventPeerAnswer, protocol.DescriptionMessage{
		Description: protocol.SessionDescription{Type: "answer", SDP: "current"},
		Epoch:       notice.Epoch,
	})
	waitState(t, "a peer", a.PeerState, negotiation.StateOpen)
	if r := a.tr.last(t, negotiation.KindPeer).Remote(); r == nil || r.SDP != "current" {
		t.Fatalf("a remote=%+v, want the current answer", r)
	}
}

func TestClient_LeaveClosesPeerOnly(t *testing.T) {
	h := newHarness(t, 0)
	a, b := pair(t, h, "r1")

	if err := a.StartProcessing(context.Background()); err != nil {
		t.Fatalf("StartProcessing: %v", err)
	}
	waitState(t, "a proc", a.ProcState, negotiation.StateOpen)

	if err := a.Leave(context.Background()); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if _, ok := a.PeerState(context.Background()); ok {
		t.Fatalf("peer negotiation still armed after leave")
	}
	waitState(t, "a proc", a.ProcState, negotiation.StateOpen)
	b.nextEvent(t, protocol.EventRoomPeerLeft)

	if err := a.Leave(context.Background()); !errors.Is(err, client.ErrNotInRoom) {
		t.Fatalf("second Leave err=%v, want ErrNotInRoom", err)
	}
}

func TestClient_ProcessingDeliversResults(t *testing.T) {
	h := newHarness(t, 0)
	a := h.dial(t, "a")

	a.nextEvent(t, protocol.EventRoomClock)
	if _, ok := a.ClockOffset(context.Background()); !ok {
		t.Fatalf("clock offset unknown after room:clock")
	}

	if err := a.StartProcessing(context.Background()); err != nil {
		t.Fatalf("StartProcessing: %v", err)
	}
	waitState(t, "a proc", a.ProcState, negotiation.StateOpen)
	if err := a.StartProcessing(context.Background()); !errors.Is(err, client.ErrProcessingActive) {
		t.Fatalf("second StartProcessing err=%v, want ErrProcessingActive", err)
	}
	if r := a.tr.last(t, negotiation.KindProc).Remote(); r == nil || r.SDP != "fake-answer-procnode" {
		t.Fatalf("proc remote=%+v", r)
	}

	for i := int64(1); i <= 5; i++ {
		if err := h.sm.Forward(a.SessionID(), protocol.GazeResult{FrameID: i, Gaze: protocol.Point{X: 0.5, Y: 0.5}, Timestamp: 10}); err != nil {
			t.Fatalf("Forward: %v", err)
		}
	}
	for i := int64(1); i <= 5; i++ {
		select {
		case r := <-a.Results():
			if r.FrameID != i || r.SessionID != a.SessionID() || r.ClientTimestamp == 0 {
				t.Fatalf("result=%+v, want frame %d", r, i)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for result %d", i)
		}
	}

	if err := a.StopProcessing(context.Background()); err != nil {
		t.Fatalf("StopProcessing: %v", err)
	}
	waitState(t, "a proc", a.ProcState, negotiation.StateClosed)
	if err := a.StartProcessing(context.Background()); err != nil {
		t.Fatalf("restart processing: %v", err)
	}
	waitState(t, "a proc", a.ProcState, negotiation.StateOpen)

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	waitUntil(t, "proc disconnect", func() bool {
		_, disconnects := h.fc.counts()
		return disconnects == 1
	})
	if connects, _ := h.fc.counts(); connects != 2 {
		t.Fatalf("connects=%d, want 2", connects)
	}
}

func TestClient_CloseReleasesTransports(t *testing.T) {
	h := newHarness(t, 0)
	a, _ := pair(t, h, "r1")
	if err := a.StartProcessing(context.Background()); err != nil {
		t.Fatalf("StartProcessing: %v", err)
	}

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatalf("Done not closed after Close")
	}
	for _, kind := range []negotiation.Kind{negotiation.KindPeer, negotiation.KindProc} {
		for _, tr := range a.tr.all(kind) {
			if !tr.Closed() {
				t.Fatalf("%s transport %s not closed", kind, tr.Name)
			}
		}
	}
	if err := a.Join(context.Background(), "r2"); !errors.Is(err, client.ErrClosed) {
		t.Fatalf("Join after Close err=%v, want ErrClosed", err)
	}
	if a.Err() != nil {
		t.Fatalf("Err=%v after explicit Close", a.Err())
	}
}

func TestClient_DialRefusedWhenServerFull(t *testing.T) {
	h := newHarness(t, 1)
	h.dial(t, "a")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tr := &transports{name: "b"}
	_, err := client.Dial(ctx, client.Config{URL: h.wsURL, NewTransport: tr.factory, Logger: quiet})
	if err == nil || !strings.Contains(err.Error(), "too_many_sessions") {
		t.Fatalf("Dial err=%v, want too_many_sessions refusal", err)
	}
}
