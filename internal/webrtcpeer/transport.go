package webrtcpeer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/gazelink/internal/negotiation"
	"github.com/wilsonzlin/aero/proxy/gazelink/internal/protocol"
)

const (
	// DataChannelLabelMeta carries small application messages between peers.
	DataChannelLabelMeta = "meta"

	DefaultGatherTimeout = 2 * time.Second
)

var ErrGatherTimeout = errors.New("ice gathering timed out")

type Options struct {
	ICEServers []webrtc.ICEServer

	// DataChannels are created before the local offer so the offer carries an
	// application section. The answering side receives them via OnDataChannel.
	DataChannels []string

	// Video adds a video transceiver with this direction before the local
	// offer. RTPTransceiverDirectionUnknown adds none.
	Video webrtc.RTPTransceiverDirection

	// WaitForGathering makes CreateLocalOffer/CreateLocalAnswer return a
	// description that already contains every local candidate, for endpoints
	// that cannot trickle.
	WaitForGathering bool
	GatherTimeout    time.Duration

	OnDataChannel func(*webrtc.DataChannel)
	OnTrack       func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
}

// Transport implements negotiation.Transport on a pion PeerConnection.
type Transport struct {
	pc   *webrtc.PeerConnection
	opts Options

	mu           sync.Mutex
	channels     map[string]*webrtc.DataChannel
	mediaAdded   bool
	onCandidate  func(protocol.Candidate)
	onConnection func(negotiation.ConnectionState)
	closeOnce    sync.Once
	closeErr     error
}

var _ negotiation.Transport = (*Transport)(nil)

func NewTransport(api *webrtc.API, opts Options) (*Transport, error) {
	if api == nil {
		api = webrtc.NewAPI()
	}
	if opts.GatherTimeout <= 0 {
		opts.GatherTimeout = DefaultGatherTimeout
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: opts.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	t := &Transport{
		pc:       pc,
		opts:     opts,
		channels: make(map[string]*webrtc.DataChannel),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		t.mu.Lock()
		fn := t.onCandidate
		t.mu.Unlock()
		if fn != nil {
			fn(FromPionCandidate(c.ToJSON()))
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		t.mu.Lock()
		fn := t.onConnection
		t.mu.Unlock()
		if fn != nil {
			fn(connectionState(s))
		}
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		t.mu.Lock()
		t.channels[dc.Label()] = dc
		t.mu.Unlock()
		if opts.OnDataChannel != nil {
			opts.OnDataChannel(dc)
		}
	})
	if opts.OnTrack != nil {
		pc.OnTrack(opts.OnTrack)
	}

	return t, nil
}

func (t *Transport) PeerConnection() *webrtc.PeerConnection { return t.pc }

// DataChannel returns the channel with label, whether created locally or
// announced by the remote side.
func (t *Transport) DataChannel(label string) (*webrtc.DataChannel, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	dc, ok := t.channels[label]
	return dc, ok
}

func (t *Transport) addOfferMedia() error {
	t.mu.Lock()
	added := t.mediaAdded
	t.mediaAdded = true
	t.mu.Unlock()
	if added {
		return nil
	}

	for _, label := range t.opts.DataChannels {
		dc, err := t.pc.CreateDataChannel(label, nil)
		if err != nil {
			return fmt.Errorf("create datachannel %q: %w", label, err)
		}
		t.mu.Lock()
		t.channels[label] = dc
		t.mu.Unlock()
		if t.opts.OnDataChannel != nil {
			t.opts.OnDataChannel(dc)
		}
	}
	if t.opts.Video != webrtc.RTPTransceiverDirectionUnknown {
		if _, err := t.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: t.opts.Video,
		}); err != nil {
			return fmt.Errorf("add video transceiver: %w", err)
		}
	}
	return nil
}

func (t *Transport) CreateLocalOffer() (protocol.SessionDescription, error) {
	if err := t.addOfferMedia(); err != nil {
		return protocol.SessionDescription{}, err
	}
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return protocol.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	return t.setLocal(offer)
}

func (t *Transport) CreateLocalAnswer() (protocol.SessionDescription, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return protocol.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	return t.setLocal(answer)
}

func (t *Transport) setLocal(desc webrtc.SessionDescription) (protocol.SessionDescription, error) {
	var gathered <-chan struct{}
	if t.opts.WaitForGathering {
		gathered = webrtc.GatheringCompletePromise(t.pc)
	}
	if err := t.pc.SetLocalDescription(desc); err != nil {
		return protocol.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	if gathered != nil {
		ctx, cancel := context.WithTimeout(context.Background(), t.opts.GatherTimeout)
		defer cancel()
		select {
		case <-gathered:
		case <-ctx.Done():
			return protocol.SessionDescription{}, ErrGatherTimeout
		}
	}

	local := t.pc.LocalDescription()
	if local == nil {
		return protocol.SessionDescription{}, errors.New("missing local description")
	}
	return FromPionDescription(*local), nil
}

func (t *Transport) SetRemoteDescription(desc protocol.SessionDescription) error {
	pionDesc, err := ToPionDescription(desc)
	if err != nil {
		return err
	}
	if err := t.pc.SetRemoteDescription(pionDesc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

func (t *Transport) AddICECandidate(c protocol.Candidate) error {
	// An empty candidate marks end-of-candidates; pion gathers that from the
	// remote description on its own.
	if c.Candidate == "" {
		return nil
	}
	if err := t.pc.AddICECandidate(ToPionCandidate(c)); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

func (t *Transport) OnLocalCandidate(fn func(protocol.Candidate)) {
	t.mu.Lock()
	t.onCandidate = fn
	t.mu.Unlock()
}

func (t *Transport) OnConnectionStateChange(fn func(negotiation.ConnectionState)) {
	t.mu.Lock()
	t.onConnection = fn
	t.mu.Unlock()
}

func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.pc.Close()
	})
	return t.closeErr
}

func connectionState(s webrtc.PeerConnectionState) negotiation.ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return negotiation.ConnectionStateConnecting
	case webrtc.PeerConnectionStateConnected:
		return negotiation.ConnectionStateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return negotiation.ConnectionStateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return negotiation.ConnectionStateFailed
	case webrtc.PeerConnectionStateClosed:
		return negotiation.ConnectionStateClosed
	default:
		return negotiation.ConnectionStateNew
	}
}

func FromPionDescription(d webrtc.SessionDescription) protocol.SessionDescription {
	return protocol.SessionDescription{Type: d.Type.String(), SDP: d.SDP}
}

func ToPionDescription(d protocol.SessionDescription) (webrtc.SessionDescription, error) {
	typ := webrtc.NewSDPType(d.Type)
	switch typ {
	case webrtc.SDPTypeOffer, webrtc.SDPTypeAnswer:
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %q", protocol.ErrInvalidSDPType, d.Type)
	}
	if d.SDP == "" {
		return webrtc.SessionDescription{}, protocol.ErrMissingSDP
	}
	return webrtc.SessionDescription{Type: typ, SDP: d.SDP}, nil
}

func FromPionCandidate(c webrtc.ICECandidateInit) protocol.Candidate {
	return protocol.Candidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func ToPionCandidate(c protocol.Candidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}
