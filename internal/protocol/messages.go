package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	EventRoomJoin     = "room:join"
	EventRoomLeave    = "room:leave"
	EventRoomWelcome  = "room:welcome"
	EventRoomFull     = "room:full"
	EventRoomPeerLeft = "room:peer-left"
	EventRoomPing     = "room:ping"
	EventRoomPong     = "room:pong"
	EventRoomClock    = "room:clock"
	EventRoomError    = "room:error"

	EventPeerCaller       = "peer:caller"
	EventPeerCallee       = "peer:callee"
	EventPeerOffer        = "peer:offer"
	EventPeerAnswer       = "peer:answer"
	EventPeerICECandidate = "peer:ice-candidate"

	EventProcOffer        = "proc:offer"
	EventProcAnswer       = "proc:answer"
	EventProcICECandidate = "proc:ice-candidate"

	EventResultGaze = "result:gaze"
)

// Channel-local names shared by the peer and proc negotiation channels.
const (
	NameOffer        = "offer"
	NameAnswer       = "answer"
	NameICECandidate = "ice-candidate"
	NameCaller       = "caller"
	NameCallee       = "callee"
)

var (
	ErrMissingEvent   = errors.New("protocol: missing event")
	ErrInvalidSDPType = errors.New("protocol: invalid session description type")
	ErrMissingSDP     = errors.New("protocol: missing session description sdp")
	ErrMissingRoomID  = errors.New("protocol: missing roomId")
)

// Role is the part a session plays in its room's peer negotiation.
type Role string

const (
	RoleNone      Role = ""
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

// Envelope is the single frame type carried on the signaling connection.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into an envelope for event.
func NewEnvelope(event string, data any) (Envelope, error) {
	env := Envelope{Event: event}
	if data == nil {
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s: %w", event, err)
	}
	env.Data = raw
	return env, nil
}

// ParseEnvelope decodes a frame, rejecting unknown fields and trailing data.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := DecodeStrict(data, &env); err != nil {
		return Envelope{}, err
	}
	if env.Event == "" {
		return Envelope{}, ErrMissingEvent
	}
	return env, nil
}

// DecodeData decodes the envelope payload into v. An empty payload decodes as
// an empty object.
func (e Envelope) DecodeData(v any) error {
	if len(e.Data) == 0 || bytes.Equal(e.Data, []byte("null")) {
		return DecodeStrict([]byte("{}"), v)
	}
	if err := DecodeStrict(e.Data, v); err != nil {
		return fmt.Errorf("%s: %w", e.Event, err)
	}
	return nil
}

func DecodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}

// SessionDescription is a JSON-friendly SDP offer/answer. It deliberately
// carries no WebRTC library types.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func (d SessionDescription) Validate(wantType string) error {
	if d.Type != wantType {
		return fmt.Errorf("%w: %q (want %q)", ErrInvalidSDPType, d.Type, wantType)
	}
	if d.SDP == "" {
		return ErrMissingSDP
	}
	return nil
}

type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

type RoomJoin struct {
	RoomID string `json:"roomId"`
}

func (j RoomJoin) Validate() error {
	if j.RoomID == "" {
		return ErrMissingRoomID
	}
	return nil
}

type RoomLeave struct{}

type RoomWelcome struct {
	SessionID string   `json:"sessionId"`
	RoomID    string   `json:"roomId,omitempty"`
	Members   []string `json:"members,omitempty"`
}

type RoomFull struct {
	RoomID string `json:"roomId"`
}

type RoomPeerLeft struct {
	RoomID string `json:"roomId"`
	PeerID string `json:"peerId"`
}

// RoomPing carries T0, the server's send time in seconds since the Unix epoch.
type RoomPing struct {
	T0 float64 `json:"t0"`
}

// RoomPong echoes T0 and adds T1, the client's receipt time.
type RoomPong struct {
	T0 float64 `json:"t0"`
	T1 float64 `json:"t1"`
}

type RoomClock struct {
	Offset   float64 `json:"offset"`
	RTT      float64 `json:"rtt"`
	TimedOut bool    `json:"timedOut,omitempty"`
}

type RoomError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RoleNotice is the payload of peer:caller and peer:callee.
// RoleNotice announces a pairing. Epoch identifies the pairing; every
// peer:* message sent under it carries the same value.
type RoleNotice struct {
	RoomID string `json:"roomId"`
	PeerID string `json:"peerId"`
	Epoch  uint64 `json:"epoch"`
}

// DescriptionMessage carries an offer or answer. Epoch is set on the peer
// channel only.
type DescriptionMessage struct {
	Description SessionDescription `json:"description"`
	Epoch       uint64             `json:"epoch,omitempty"`
}

type CandidateMessage struct {
	Candidate Candidate `json:"candidate"`
	Epoch     uint64    `json:"epoch,omitempty"`
}

type Point struct {
	X float64 `json:"x" msgpack:"x"`
	Y float64 `json:"y" msgpack:"y"`
}

// GazeResult is one processed frame. Timestamp is the processing node's
// capture time in seconds; ClientTimestamp is the same instant on the
// client's clock, filled in by the relay when the offset is known.
type GazeResult struct {
	SessionID       string  `json:"sessionId" msgpack:"sessionId"`
	FrameID         int64   `json:"frameId" msgpack:"frameId"`
	Gaze            Point   `json:"gaze" msgpack:"gaze"`
	RawGaze         Point   `json:"rawGaze" msgpack:"rawGaze"`
	Blink           bool    `json:"blink" msgpack:"blink"`
	Timestamp       float64 `json:"timestamp,omitempty" msgpack:"timestamp,omitempty"`
	ClientTimestamp float64 `json:"clientTimestamp,omitempty" msgpack:"clientTimestamp,omitempty"`
}
