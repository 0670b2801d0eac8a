package protocol

import (
	"errors"
	"testing"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		event    string
		wantCh   Channel
		wantName string
	}{
		{"room:join", ChannelRoom, "join"},
		{"peer:ice-candidate", ChannelPeer, "ice-candidate"},
		{"proc:offer", ChannelProc, "offer"},
		{"result:gaze", ChannelResult, "gaze"},
		{"c2c:offer", ChannelUnknown, ""},
		{"room:", ChannelUnknown, ""},
		{"room", ChannelUnknown, ""},
		{"", ChannelUnknown, ""},
		{"ROOM:join", ChannelUnknown, ""},
	}
	for _, tc := range cases {
		ch, name := Classify(tc.event)
		if ch != tc.wantCh || name != tc.wantName {
			t.Fatalf("Classify(%q)=(%v,%q), want (%v,%q)", tc.event, ch, name, tc.wantCh, tc.wantName)
		}
	}
}

func TestEventRoundTripsThroughClassify(t *testing.T) {
	for _, ch := range Channels() {
		got, name := Classify(Event(ch, "x"))
		if got != ch || name != "x" {
			t.Fatalf("Classify(Event(%v))=(%v,%q)", ch, got, name)
		}
	}
}

func TestParseEnvelope_Strict(t *testing.T) {
	if _, err := ParseEnvelope([]byte(`{"event":"room:join","data":{"roomId":"r1"}}`)); err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if _, err := ParseEnvelope([]byte(`{"event":"room:join","extra":1}`)); err == nil {
		t.Fatalf("expected unknown field error")
	}
	if _, err := ParseEnvelope([]byte(`{"event":"room:join"} {}`)); err == nil {
		t.Fatalf("expected trailing data error")
	}
	if _, err := ParseEnvelope([]byte(`{"data":{}}`)); !errors.Is(err, ErrMissingEvent) {
		t.Fatalf("err=%v, want %v", err, ErrMissingEvent)
	}
}

func TestEnvelopeDecodeData(t *testing.T) {
	env, err := NewEnvelope(EventRoomJoin, RoomJoin{RoomID: "r1"})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	var join RoomJoin
	if err := env.DecodeData(&join); err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if join.RoomID != "r1" {
		t.Fatalf("roomId=%q, want r1", join.RoomID)
	}

	var leave RoomLeave
	if err := (Envelope{Event: EventRoomLeave}).DecodeData(&leave); err != nil {
		t.Fatalf("DecodeData(empty): %v", err)
	}

	if err := (Envelope{Event: EventRoomJoin, Data: []byte(`{"room":"r1"}`)}).DecodeData(&join); err == nil {
		t.Fatalf("expected unknown field error")
	}
}

func TestSessionDescriptionValidate(t *testing.T) {
	if err := (SessionDescription{Type: "offer", SDP: "v=0"}).Validate("offer"); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := (SessionDescription{Type: "answer", SDP: "v=0"}).Validate("offer"); !errors.Is(err, ErrInvalidSDPType) {
		t.Fatalf("err=%v, want %v", err, ErrInvalidSDPType)
	}
	if err := (SessionDescription{Type: "offer"}).Validate("offer"); !errors.Is(err, ErrMissingSDP) {
		t.Fatalf("err=%v, want %v", err, ErrMissingSDP)
	}
}
