package negotiation

import (
	"errors"
	"fmt"

	"github.com/wilsonzlin/aero/proxy/gazelink/internal/protocol"
)

var (
	ErrProtocolViolation  = errors.New("negotiation: protocol violation")
	ErrTransportFailure   = errors.New("negotiation: transport failure")
	ErrCandidateQueueFull = errors.New("negotiation: candidate queue full")
	ErrQueueFlushed       = errors.New("negotiation: candidate queue already flushed")
)

// ViolationError reports an operation that arrived in a state that cannot
// accept it. The Negotiation is closed by the time the error is returned.
type ViolationError struct {
	Kind  Kind
	Op    Op
	State State
	Role  protocol.Role
	Err   error
}

func (e *ViolationError) Error() string {
	role := string(e.Role)
	if role == "" {
		role = "none"
	}
	msg := fmt.Sprintf("%s negotiation: %s not allowed in state %s (role %s)", e.Kind, e.Op, e.State, role)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ViolationError) Is(target error) bool { return target == ErrProtocolViolation }

func (e *ViolationError) Unwrap() error { return e.Err }

// TransportError reports that the underlying transport failed, either while
// producing a description or by reporting a lost connection.
type TransportError struct {
	Kind Kind
	// Op is empty when the failure came from a connection state change.
	Op    Op
	State ConnectionState
	Err   error
}

func (e *TransportError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s negotiation: transport %s", e.Kind, e.State)
	}
	return fmt.Sprintf("%s negotiation: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *TransportError) Is(target error) bool { return target == ErrTransportFailure }

func (e *TransportError) Unwrap() error { return e.Err }
