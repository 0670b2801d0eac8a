package relay

import (
	"testing"

	"github.com/wilsonzlin/aero/proxy/gazelink/internal/protocol"
)

func TestSession_AddOnCloseRunsOnceInOrder(t *testing.T) {
	sm := NewSessionManager(Config{}, nil, nil)
	s, err := sm.CreateSession(&recordingSink{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	var order []int
	s.AddOnClose(func() { order = append(order, 1) })
	s.AddOnClose(func() { order = append(order, 2) })

	s.Close()
	s.Close()

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("close callbacks=%v, want [1 2]", order)
	}

	ran := false
	s.AddOnClose(func() { ran = true })
	if !ran {
		t.Fatalf("AddOnClose after Close should run immediately")
	}
}

func TestSession_RoomAndRole(t *testing.T) {
	sm := NewSessionManager(Config{}, nil, nil)
	s, err := sm.CreateSession(&recordingSink{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	s.SetRoom("r1", protocol.RoleResponder)
	if room, role := s.Room(); room != "r1" || role != protocol.RoleResponder {
		t.Fatalf("Room()=(%q,%q), want (r1,responder)", room, role)
	}

	s.SetRoom("", protocol.RoleInitiator)
	if room, role := s.Room(); room != "" || role != protocol.RoleNone {
		t.Fatalf("Room()=(%q,%q), want cleared", room, role)
	}
}

func TestSession_ClockOffsetIsSetOnce(t *testing.T) {
	sm := NewSessionManager(Config{}, nil, nil)
	s, err := sm.CreateSession(&recordingSink{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if _, ok := s.ClockOffset(); ok {
		t.Fatalf("offset known before estimate")
	}
	s.SetClockOffset(0.25)
	s.SetClockOffset(9)
	if off, ok := s.ClockOffset(); !ok || off != 0.25 {
		t.Fatalf("ClockOffset()=(%v,%v), want (0.25,true)", off, ok)
	}
}
