// Package negotiation implements the offer/answer state machine that runs
// once per (session, remote endpoint) pair.
//
// A Negotiation is not safe for concurrent use. All methods must be called
// from the owner's event loop; transport callbacks are routed back onto that
// loop through Config.Post.
//
// A method called while another operation is still running (from a Signaler
// or Transport callback) is queued and returns nil immediately. Its outcome
// is observed through State and Err, or through Config.OnClose when it
// force-closes the Negotiation.
package negotiation

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/wilsonzlin/aero/proxy/gazelink/internal/protocol"
)

// Transport is the peer connectivity capability a Negotiation drives.
type Transport interface {
	CreateLocalOffer() (protocol.SessionDescription, error)
	CreateLocalAnswer() (protocol.SessionDescription, error)
	SetRemoteDescription(desc protocol.SessionDescription) error
	AddICECandidate(c protocol.Candidate) error
	OnLocalCandidate(fn func(protocol.Candidate))
	OnConnectionStateChange(fn func(ConnectionState))
	Close() error
}

// Signaler carries locally produced descriptions and candidates to the
// remote endpoint.
type Signaler interface {
	SendDescription(desc protocol.SessionDescription) error
	SendCandidate(c protocol.Candidate) error
}

type Config struct {
	Kind      Kind
	Role      protocol.Role
	Transport Transport
	Signaler  Signaler

	// MaxQueuedCandidates bounds the candidate queue. Zero uses
	// DefaultMaxQueuedCandidates.
	MaxQueuedCandidates int

	// Post schedules fn on the owner's event loop. Transport callbacks may fire
	// on arbitrary goroutines and are always delivered through Post. When nil,
	// callbacks run on the calling goroutine.
	Post func(fn func())

	OnStateChange           func(from, to State)
	OnConnectionStateChange func(ConnectionState)
	// OnClose runs once, after the transport has been released. reason is nil
	// for an explicit Close(nil).
	OnClose func(reason error)

	Logger *slog.Logger
}

type Negotiation struct {
	kind      Kind
	role      protocol.Role
	transport Transport
	signaler  Signaler
	post      func(fn func())
	logger    *slog.Logger

	onStateChange func(from, to State)
	onConnState   func(ConnectionState)
	onClose       func(reason error)

	state    State
	local    *protocol.SessionDescription
	remote   *protocol.SessionDescription
	queue    *CandidateQueue
	closeErr error

	busy     bool
	deferred []func()
}

func New(cfg Config) (*Negotiation, error) {
	if cfg.Transport == nil {
		return nil, errors.New("negotiation: transport is required")
	}
	if cfg.Signaler == nil {
		return nil, errors.New("negotiation: signaler is required")
	}
	switch cfg.Role {
	case protocol.RoleNone, protocol.RoleInitiator, protocol.RoleResponder:
	default:
		return nil, fmt.Errorf("negotiation: invalid role %q", cfg.Role)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	post := cfg.Post
	if post == nil {
		post = func(fn func()) { fn() }
	}

	n := &Negotiation{
		kind:          cfg.Kind,
		role:          cfg.Role,
		transport:     cfg.Transport,
		signaler:      cfg.Signaler,
		post:          post,
		logger:        logger.With("kind", cfg.Kind.String()),
		onStateChange: cfg.OnStateChange,
		onConnState:   cfg.OnConnectionStateChange,
		onClose:       cfg.OnClose,
		state:         StateIdle,
		queue:         NewCandidateQueue(cfg.MaxQueuedCandidates),
	}

	cfg.Transport.OnLocalCandidate(func(c protocol.Candidate) {
		n.post(func() { _ = n.run(func() error { return n.emitLocalCandidate(c) }) })
	})
	cfg.Transport.OnConnectionStateChange(func(s ConnectionState) {
		n.post(func() { _ = n.run(func() error { return n.handleConnectionState(s) }) })
	})

	return n, nil
}

func (n *Negotiation) Kind() Kind { return n.kind }

func (n *Negotiation) Role() protocol.Role { return n.role }

func (n *Negotiation) State() State { return n.state }

// Err returns the reason the Negotiation was closed, if any.
func (n *Negotiation) Err() error { return n.closeErr }

func (n *Negotiation) LocalDescription() *protocol.SessionDescription { return copyDesc(n.local) }

func (n *Negotiation) RemoteDescription() *protocol.SessionDescription { return copyDesc(n.remote) }

// QueuedCandidates is the number of remote candidates waiting for the remote
// description.
func (n *Negotiation) QueuedCandidates() int { return n.queue.Len() }

// AssignRole records the role announced by the room. Only valid while Idle.
func (n *Negotiation) AssignRole(role protocol.Role) error {
	return n.run(func() error {
		if n.state == StateClosed {
			n.dropped(OpAssignRole)
			return nil
		}
		if n.state != StateIdle || role == protocol.RoleNone {
			return n.violation(OpAssignRole, nil)
		}
		n.role = role
		return nil
	})
}

func (n *Negotiation) CreateOffer() error { return n.run(n.createOffer) }

func (n *Negotiation) ReceiveOffer(desc protocol.SessionDescription) error {
	return n.run(func() error { return n.receiveOffer(desc) })
}

func (n *Negotiation) ReceiveAnswer(desc protocol.SessionDescription) error {
	return n.run(func() error { return n.receiveAnswer(desc) })
}

func (n *Negotiation) ReceiveCandidate(c protocol.Candidate) error {
	return n.run(func() error { return n.receiveCandidate(c) })
}

// Close releases the transport and moves to StateClosed. It is valid from any
// state and idempotent.
func (n *Negotiation) Close(reason error) error {
	return n.run(func() error {
		n.close(reason)
		return nil
	})
}

// run executes op unless another operation is already in progress, in which
// case op is queued and replayed, in order, once the current one resolves.
// A queued op's error never reaches its caller: violations and transport
// errors close the Negotiation and are reported through OnClose.
func (n *Negotiation) run(op func() error) error {
	if n.busy {
		n.deferred = append(n.deferred, func() {
			if err := op(); err != nil && n.state != StateClosed {
				n.logger.Warn("queued operation failed", "err", err)
			}
		})
		return nil
	}
	n.busy = true
	err := op()
	for len(n.deferred) > 0 {
		next := n.deferred[0]
		n.deferred = n.deferred[1:]
		next()
	}
	n.busy = false
	return err
}

func (n *Negotiation) createOffer() error {
	if n.state == StateClosed {
		n.dropped(OpCreateOffer)
		return nil
	}
	if n.state != StateIdle || n.role != protocol.RoleInitiator {
		return n.violation(OpCreateOffer, nil)
	}

	offer, err := n.transport.CreateLocalOffer()
	if err != nil {
		return n.fail(OpCreateOffer, err)
	}
	n.local = &offer
	n.setState(StateLocalOfferPending)

	if err := n.signaler.SendDescription(offer); err != nil {
		return n.fail(OpCreateOffer, fmt.Errorf("send offer: %w", err))
	}
	return nil
}

func (n *Negotiation) receiveOffer(desc protocol.SessionDescription) error {
	if n.state == StateClosed {
		n.dropped(OpReceiveOffer)
		return nil
	}
	if err := desc.Validate("offer"); err != nil {
		return n.violation(OpReceiveOffer, err)
	}
	if n.state != StateIdle || n.role != protocol.RoleResponder {
		return n.violation(OpReceiveOffer, nil)
	}

	n.remote = &desc
	n.setState(StateRemoteOfferReceived)
	if err := n.transport.SetRemoteDescription(desc); err != nil {
		return n.fail(OpReceiveOffer, err)
	}

	answer, err := n.transport.CreateLocalAnswer()
	if err != nil {
		return n.fail(OpReceiveOffer, err)
	}
	n.local = &answer
	n.setState(StateLocalAnswerPending)

	if err := n.signaler.SendDescription(answer); err != nil {
		return n.fail(OpReceiveOffer, fmt.Errorf("send answer: %w", err))
	}

	n.flush()
	n.setState(StateOpen)
	return nil
}

func (n *Negotiation) receiveAnswer(desc protocol.SessionDescription) error {
	if n.state == StateClosed {
		n.dropped(OpReceiveAnswer)
		return nil
	}
	if err := desc.Validate("answer"); err != nil {
		return n.violation(OpReceiveAnswer, err)
	}
	if n.state != StateLocalOfferPending {
		return n.violation(OpReceiveAnswer, nil)
	}

	n.remote = &desc
	if err := n.transport.SetRemoteDescription(desc); err != nil {
		return n.fail(OpReceiveAnswer, err)
	}
	n.flush()
	n.setState(StateOpen)
	return nil
}

func (n *Negotiation) receiveCandidate(c protocol.Candidate) error {
	if n.state == StateClosed {
		n.dropped(OpReceiveCandidate)
		return nil
	}
	if n.remote != nil {
		n.apply(c)
		return nil
	}
	if err := n.queue.Push(c); err != nil {
		return n.violation(OpReceiveCandidate, err)
	}
	return nil
}

func (n *Negotiation) flush() {
	for _, c := range n.queue.Drain() {
		n.apply(c)
	}
}

func (n *Negotiation) apply(c protocol.Candidate) {
	if err := n.transport.AddICECandidate(c); err != nil {
		// The transport rejected this candidate; others may still succeed.
		n.logger.Warn("add ice candidate failed", "err", err)
	}
}

func (n *Negotiation) emitLocalCandidate(c protocol.Candidate) error {
	if n.state == StateClosed {
		return nil
	}
	if err := n.signaler.SendCandidate(c); err != nil {
		n.logger.Warn("send local candidate failed", "err", err)
		return err
	}
	return nil
}

func (n *Negotiation) handleConnectionState(s ConnectionState) error {
	if n.state == StateClosed {
		return nil
	}
	if n.onConnState != nil {
		n.onConnState(s)
	}
	if !s.Lost() {
		return nil
	}
	err := &TransportError{Kind: n.kind, State: s}
	n.logger.Info("transport lost", "connection_state", s.String(), "state", n.state.String())
	n.close(err)
	return err
}

func (n *Negotiation) violation(op Op, cause error) error {
	err := &ViolationError{Kind: n.kind, Op: op, State: n.state, Role: n.role, Err: cause}
	n.logger.Warn("negotiation protocol violation", "op", string(op), "state", n.state.String(), "err", err)
	n.close(err)
	return err
}

func (n *Negotiation) fail(op Op, cause error) error {
	err := &TransportError{Kind: n.kind, Op: op, Err: cause}
	n.logger.Warn("negotiation transport error", "op", string(op), "state", n.state.String(), "err", cause)
	n.close(err)
	return err
}

func (n *Negotiation) dropped(op Op) {
	n.logger.Debug("dropping operation on closed negotiation", "op", string(op))
}

func (n *Negotiation) close(reason error) {
	if n.state == StateClosed {
		return
	}
	n.closeErr = reason
	n.local = nil
	n.remote = nil
	n.queue.Reset()
	if err := n.transport.Close(); err != nil {
		n.logger.Debug("transport close failed", "err", err)
	}
	n.setState(StateClosed)
	if n.onClose != nil {
		n.onClose(reason)
	}
}

func (n *Negotiation) setState(to State) {
	from := n.state
	if from == to {
		return
	}
	n.state = to
	n.logger.Debug("negotiation state", "from", from.String(), "to", to.String())
	if n.onStateChange != nil {
		n.onStateChange(from, to)
	}
}

func copyDesc(d *protocol.SessionDescription) *protocol.SessionDescription {
	if d == nil {
		return nil
	}
	c := *d
	return &c
}
