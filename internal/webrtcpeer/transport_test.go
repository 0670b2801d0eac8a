package webrtcpeer_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/gazelink/internal/config"
	"github.com/wilsonzlin/aero/proxy/gazelink/internal/eventloop"
	"github.com/wilsonzlin/aero/proxy/gazelink/internal/negotiation"
	"github.com/wilsonzlin/aero/proxy/gazelink/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/gazelink/internal/webrtcpeer"
)

// APIOptions.Net must accept the virtual network pion's SettingEngine takes.
var _ transport.Net = (*vnet.Net)(nil)

// newLoop runs every Negotiation call of the test on one goroutine.
func newLoop(t *testing.T) *eventloop.Loop {
	l := eventloop.New()
	t.Cleanup(l.Stop)
	return l
}

func call(t *testing.T, l *eventloop.Loop, fn func()) {
	t.Helper()
	if err := l.Call(context.Background(), fn); err != nil {
		t.Fatalf("loop call: %v", err)
	}
}

// forward delivers one side's signaling output to the other Negotiation.
type forward struct {
	l    *eventloop.Loop
	peer **negotiation.Negotiation
}

func (f forward) SendDescription(desc protocol.SessionDescription) error {
	f.l.Post(func() {
		switch desc.Type {
		case protocol.NameOffer:
			_ = (*f.peer).ReceiveOffer(desc)
		case protocol.NameAnswer:
			_ = (*f.peer).ReceiveAnswer(desc)
		}
	})
	return nil
}

func (f forward) SendCandidate(c protocol.Candidate) error {
	f.l.Post(func() { _ = (*f.peer).ReceiveCandidate(c) })
	return nil
}

func newVNet(t *testing.T) (*vnet.Net, *vnet.Net) {
	t.Helper()

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })

	netA, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.1"}})
	if err != nil {
		t.Fatalf("new net A: %v", err)
	}
	netB, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.2"}})
	if err != nil {
		t.Fatalf("new net B: %v", err)
	}
	if err := router.AddNet(netA); err != nil {
		t.Fatalf("add net A: %v", err)
	}
	if err := router.AddNet(netB); err != nil {
		t.Fatalf("add net B: %v", err)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}
	return netA, netB
}

func TestTransport_NegotiatesOverVNet(t *testing.T) {
	netA, netB := newVNet(t)
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	apiA, err := webrtcpeer.NewAPI(config.Config{}, webrtcpeer.APIOptions{Net: netA, Logger: quiet})
	if err != nil {
		t.Fatalf("NewAPI A: %v", err)
	}
	apiB, err := webrtcpeer.NewAPI(config.Config{}, webrtcpeer.APIOptions{Net: netB, Logger: quiet})
	if err != nil {
		t.Fatalf("NewAPI B: %v", err)
	}

	remoteMsg := make(chan string, 1)
	trA, err := webrtcpeer.NewTransport(apiA, webrtcpeer.Options{
		DataChannels: []string{webrtcpeer.DataChannelLabelMeta},
		Video:        webrtc.RTPTransceiverDirectionRecvonly,
	})
	if err != nil {
		t.Fatalf("NewTransport A: %v", err)
	}
	trB, err := webrtcpeer.NewTransport(apiB, webrtcpeer.Options{
		OnDataChannel: func(dc *webrtc.DataChannel) {
			dc.OnMessage(func(msg webrtc.DataChannelMessage) {
				select {
				case remoteMsg <- string(msg.Data):
				default:
				}
			})
		},
	})
	if err != nil {
		t.Fatalf("NewTransport B: %v", err)
	}

	l := newLoop(t)
	connected := make(chan protocol.Role, 2)
	var negA, negB *negotiation.Negotiation

	mk := func(role protocol.Role, tr negotiation.Transport, peer **negotiation.Negotiation) *negotiation.Negotiation {
		n, err := negotiation.New(negotiation.Config{
			Kind:      negotiation.KindPeer,
			Role:      role,
			Transport: tr,
			Signaler:  forward{l: l, peer: peer},
			Post:      func(fn func()) { l.Post(fn) },
			Logger:    quiet,
			OnConnectionStateChange: func(s negotiation.ConnectionState) {
				if s == negotiation.ConnectionStateConnected {
					select {
					case connected <- role:
					default:
					}
				}
			},
		})
		if err != nil {
			t.Errorf("negotiation.New: %v", err)
		}
		return n
	}
	call(t, l, func() {
		negA = mk(protocol.RoleInitiator, trA, &negB)
		negB = mk(protocol.RoleResponder, trB, &negA)
	})
	if negA == nil || negB == nil {
		t.FailNow()
	}
	t.Cleanup(func() {
		_ = trA.Close()
		_ = trB.Close()
	})

	var offerErr error
	call(t, l, func() { offerErr = negA.CreateOffer() })
	if offerErr != nil {
		t.Fatalf("CreateOffer: %v", offerErr)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-connected:
		case <-time.After(10 * time.Second):
			t.Fatalf("timed out waiting for both transports to connect")
		}
	}

	var stateA, stateB negotiation.State
	call(t, l, func() {
		stateA = negA.State()
		stateB = negB.State()
	})
	if stateA != negotiation.StateOpen || stateB != negotiation.StateOpen {
		t.Fatalf("states=(%s,%s), want both open", stateA, stateB)
	}

	dc, ok := trA.DataChannel(webrtcpeer.DataChannelLabelMeta)
	if !ok {
		t.Fatalf("meta datachannel missing on offerer")
	}
	deadline := time.Now().Add(5 * time.Second)
	for dc.ReadyState() != webrtc.DataChannelStateOpen {
		if time.Now().After(deadline) {
			t.Fatalf("meta datachannel did not open")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := dc.SendText("hello"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	select {
	case got := <-remoteMsg:
		if got != "hello" {
			t.Fatalf("message=%q, want %q", got, "hello")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for datachannel message")
	}
}

func TestDescriptionConversion(t *testing.T) {
	if _, err := webrtcpeer.ToPionDescription(protocol.SessionDescription{Type: "pranswer", SDP: "v=0"}); err == nil {
		t.Fatalf("expected error for unsupported sdp type")
	}
	if _, err := webrtcpeer.ToPionDescription(protocol.SessionDescription{Type: "offer"}); err == nil {
		t.Fatalf("expected error for empty sdp")
	}

	d, err := webrtcpeer.ToPionDescription(protocol.SessionDescription{Type: "answer", SDP: "v=0"})
	if err != nil {
		t.Fatalf("ToPionDescription: %v", err)
	}
	if got := webrtcpeer.FromPionDescription(d); got.Type != "answer" || got.SDP != "v=0" {
		t.Fatalf("round trip=%+v", got)
	}
}

func TestCandidateConversion(t *testing.T) {
	mid := "0"
	idx := uint16(1)
	in := protocol.Candidate{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host", SDPMid: &mid, SDPMLineIndex: &idx}
	out := webrtcpeer.FromPionCandidate(webrtcpeer.ToPionCandidate(in))
	if out.Candidate != in.Candidate || *out.SDPMid != mid || *out.SDPMLineIndex != idx || out.UsernameFragment != nil {
		t.Fatalf("round trip=%+v", out)
	}
}
