package negotiation

import "github.com/wilsonzlin/aero/proxy/gazelink/internal/protocol"

// State is the position of a Negotiation in the offer/answer handshake.
type State uint8

const (
	StateIdle State = iota
	// StateLocalOfferPending: the local offer has been produced and emitted and
	// the remote answer has not arrived yet.
	StateLocalOfferPending
	StateRemoteOfferReceived
	StateLocalAnswerPending
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLocalOfferPending:
		return "local-offer-pending"
	case StateRemoteOfferReceived:
		return "remote-offer-received"
	case StateLocalAnswerPending:
		return "local-answer-pending"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Kind identifies the remote endpoint of a Negotiation.
type Kind uint8

const (
	KindPeer Kind = iota
	KindProc
)

func (k Kind) String() string {
	switch k {
	case KindPeer:
		return "peer"
	case KindProc:
		return "proc"
	default:
		return "unknown"
	}
}

// Channel is the signaling channel that carries this kind's messages.
func (k Kind) Channel() protocol.Channel {
	switch k {
	case KindPeer:
		return protocol.ChannelPeer
	case KindProc:
		return protocol.ChannelProc
	default:
		return protocol.ChannelUnknown
	}
}

// ConnectionState mirrors the transport's connectivity as reported through
// Transport.OnConnectionStateChange.
type ConnectionState uint8

const (
	ConnectionStateNew ConnectionState = iota
	ConnectionStateConnecting
	ConnectionStateConnected
	ConnectionStateDisconnected
	ConnectionStateFailed
	ConnectionStateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionStateNew:
		return "new"
	case ConnectionStateConnecting:
		return "connecting"
	case ConnectionStateConnected:
		return "connected"
	case ConnectionStateDisconnected:
		return "disconnected"
	case ConnectionStateFailed:
		return "failed"
	case ConnectionStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Lost reports whether the state means the transport can no longer carry
// media and the Negotiation must be torn down.
func (s ConnectionState) Lost() bool {
	switch s {
	case ConnectionStateDisconnected, ConnectionStateFailed, ConnectionStateClosed:
		return true
	default:
		return false
	}
}

// Op names a Negotiation operation in errors and logs.
type Op string

const (
	OpCreateOffer      Op = "create-offer"
	OpReceiveOffer     Op = "receive-offer"
	OpReceiveAnswer    Op = "receive-answer"
	OpReceiveCandidate Op = "receive-candidate"
	OpAssignRole       Op = "assign-role"
	OpLocalCandidate   Op = "local-candidate"
)
