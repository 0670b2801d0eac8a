// Package negotiationtest provides an in-memory negotiation.Transport for
// tests.
package negotiationtest

import (
	"sync"

	"github.com/wilsonzlin/aero/proxy/gazelink/internal/negotiation"
	"github.com/wilsonzlin/aero/proxy/gazelink/internal/protocol"
)

// Transport records every call made by a Negotiation. Descriptions it
// produces carry Name in their SDP so tests can tell endpoints apart.
type Transport struct {
	Name string

	// LocalCandidates are reported through OnLocalCandidate right after a
	// local description is produced, on the producing goroutine.
	LocalCandidates []protocol.Candidate

	OfferErr  error
	AnswerErr error
	RemoteErr error

	mu      sync.Mutex
	calls   []string
	applied []protocol.Candidate
	remote  *protocol.SessionDescription
	closed  bool
	onCand  func(protocol.Candidate)
	onState func(negotiation.ConnectionState)
}

func New(name string) *Transport {
	return &Transport{Name: name}
}

func (t *Transport) CreateLocalOffer() (protocol.SessionDescription, error) {
	return t.produce("create-offer", "offer", t.OfferErr)
}

func (t *Transport) CreateLocalAnswer() (protocol.SessionDescription, error) {
	return t.produce("create-answer", "answer", t.AnswerErr)
}

func (t *Transport) produce(call, typ string, failWith error) (protocol.SessionDescription, error) {
	t.record(call)
	if failWith != nil {
		return protocol.SessionDescription{}, failWith
	}
	t.mu.Lock()
	onCand := t.onCand
	cands := append([]protocol.Candidate(nil), t.LocalCandidates...)
	t.mu.Unlock()
	if onCand != nil {
		for _, c := range cands {
			onCand(c)
		}
	}
	return protocol.SessionDescription{Type: typ, SDP: "fake-" + typ + "-" + t.Name}, nil
}

func (t *Transport) SetRemoteDescription(desc protocol.SessionDescription) error {
	t.record("set-remote:" + desc.Type)
	if t.RemoteErr != nil {
		return t.RemoteErr
	}
	t.mu.Lock()
	t.remote = &desc
	t.mu.Unlock()
	return nil
}

func (t *Transport) AddICECandidate(c protocol.Candidate) error {
	t.record("add:" + c.Candidate)
	t.mu.Lock()
	t.applied = append(t.applied, c)
	t.mu.Unlock()
	return nil
}

func (t *Transport) OnLocalCandidate(fn func(protocol.Candidate)) {
	t.mu.Lock()
	t.onCand = fn
	t.mu.Unlock()
}

func (t *Transport) OnConnectionStateChange(fn func(negotiation.ConnectionState)) {
	t.mu.Lock()
	t.onState = fn
	t.mu.Unlock()
}

func (t *Transport) Close() error {
	t.record("close")
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

// EmitCandidate reports a local candidate as the real transport would after
// gathering.
func (t *Transport) EmitCandidate(c protocol.Candidate) {
	t.mu.Lock()
	fn := t.onCand
	t.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

// SetConnectionState reports a connectivity change.
func (t *Transport) SetConnectionState(s negotiation.ConnectionState) {
	t.mu.Lock()
	fn := t.onState
	t.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (t *Transport) Calls() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.calls...)
}

func (t *Transport) Applied() []protocol.Candidate {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]protocol.Candidate(nil), t.applied...)
}

func (t *Transport) Remote() *protocol.SessionDescription {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.remote == nil {
		return nil
	}
	d := *t.remote
	return &d
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) record(call string) {
	t.mu.Lock()
	t.calls = append(t.calls, call)
	t.mu.Unlock()
}

// Signaler collects everything a Negotiation sends.
type Signaler struct {
	mu           sync.Mutex
	descriptions []protocol.SessionDescription
	candidates   []protocol.Candidate
	order        []string

	// OnDescription, when set, runs after a description is recorded. Tests use
	// it to feed events back into the Negotiation re-entrantly.
	OnDescription func(protocol.SessionDescription)
}

func (s *Signaler) SendDescription(desc protocol.SessionDescription) error {
	s.mu.Lock()
	s.descriptions = append(s.descriptions, desc)
	s.order = append(s.order, "description:"+desc.Type)
	hook := s.OnDescription
	s.mu.Unlock()
	if hook != nil {
		hook(desc)
	}
	return nil
}

func (s *Signaler) SendCandidate(c protocol.Candidate) error {
	s.mu.Lock()
	s.candidates = append(s.candidates, c)
	s.order = append(s.order, "candidate:"+c.Candidate)
	s.mu.Unlock()
	return nil
}

func (s *Signaler) Descriptions() []protocol.SessionDescription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.SessionDescription(nil), s.descriptions...)
}

func (s *Signaler) Candidates() []protocol.Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Candidate(nil), s.candidates...)
}

// Order lists sends as "description:<type>" and "candidate:<candidate>".
func (s *Signaler) Order() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}
