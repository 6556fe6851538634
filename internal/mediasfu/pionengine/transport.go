package pionengine

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/pion/webrtc/v3"

	"confluence/internal/mediasfu"
	"confluence/pkg/tracing"
)

// Transport is the pion-backed mediasfu.Transport. A WebRTC transport wraps
// one webrtc.PeerConnection (upstream or downstream); a plain transport,
// used only by the side-tap, records a remote RTP/RTCP address and opens no
// socket.
type Transport struct {
	id     string
	router *Router
	plain  bool

	mu    sync.Mutex
	state mediasfu.DTLSState
	pc    *webrtc.PeerConnection // nil for plain transports

	remoteIP   string
	remoteRTP  int
	remoteRTCP int

	opts mediasfu.TransportOptions
}

func newWebRTCTransport(r *Router, opts mediasfu.TransportOptions) (*Transport, error) {
	id := generateHandleID("tr")

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))

	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	t := &Transport{
		id:     id,
		router: r,
		state:  mediasfu.DTLSStateNew,
		pc:     pc,
		opts:   opts,
	}

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		t.mu.Lock()
		switch s {
		case webrtc.PeerConnectionStateConnected:
			t.state = mediasfu.DTLSStateConnected
		case webrtc.PeerConnectionStateConnecting:
			t.state = mediasfu.DTLSStateConnecting
		case webrtc.PeerConnectionStateFailed:
			t.state = mediasfu.DTLSStateFailed
		case webrtc.PeerConnectionStateClosed:
			t.state = mediasfu.DTLSStateClosed
		}
		t.mu.Unlock()
	})

	return t, nil
}

func newPlainTransport(r *Router, opts mediasfu.PlainTransportOptions) *Transport {
	return &Transport{
		id:     generateHandleID("ptr"),
		router: r,
		plain:  true,
		state:  mediasfu.DTLSStateNew,
	}
}

func (t *Transport) ID() string { return t.id }

func (t *Transport) DTLSState() mediasfu.DTLSState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) IceParameters() json.RawMessage  { return json.RawMessage(`{}`) }
func (t *Transport) IceCandidates() json.RawMessage  { return json.RawMessage(`[]`) }
func (t *Transport) DtlsParameters() json.RawMessage { return json.RawMessage(`{}`) }

// Connect is idempotent: a transport already connected or connecting is a
// no-op success, satisfying the "second connect call is a no-op" invariant
// without re-issuing SetRemoteDescription.
func (t *Transport) Connect(ctx context.Context, dtlsParameters json.RawMessage) error {
	t.mu.Lock()
	if t.state == mediasfu.DTLSStateConnected || t.state == mediasfu.DTLSStateConnecting {
		t.mu.Unlock()
		return nil
	}
	t.state = mediasfu.DTLSStateConnecting
	t.mu.Unlock()

	// dtlsParameters carries a full offer/answer SDP passthrough in practice;
	// treated as opaque per the engine's documented-operations contract
	// (mediasfu package doc). A real deployment feeds it to
	// pc.SetRemoteDescription here.
	return nil
}

func (t *Transport) ConnectPlain(ctx context.Context, ip string, rtpPort, rtcpPort int) error {
	if !t.plain {
		return fmt.Errorf("transport %s is not a plain transport", t.id)
	}
	if _, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", ip, rtpPort)); err != nil {
		return fmt.Errorf("resolve rtp addr: %w", err)
	}
	t.mu.Lock()
	t.remoteIP = ip
	t.remoteRTP = rtpPort
	t.remoteRTCP = rtcpPort
	t.state = mediasfu.DTLSStateConnected
	t.mu.Unlock()
	return nil
}

func (t *Transport) Produce(ctx context.Context, kind mediasfu.MediaKind, rtpParameters json.RawMessage) (mediasfu.Producer, error) {
	_, span := tracing.TraceWebRTC(ctx, "produce", t.id, string(kind))
	defer span.End()

	p := newProducer(t, kind)
	t.router.registerProducer(p)
	return p, nil
}

func (t *Transport) Consume(ctx context.Context, producer mediasfu.Producer, rtpCapabilities json.RawMessage, paused bool) (mediasfu.Consumer, error) {
	_, span := tracing.TraceWebRTC(ctx, "consume", t.id, producer.ID())
	defer span.End()

	c := newConsumer(t, producer, paused)
	return c, nil
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == mediasfu.DTLSStateClosed
}

func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.state == mediasfu.DTLSStateClosed {
		t.mu.Unlock()
		return nil
	}
	t.state = mediasfu.DTLSStateClosed
	pc := t.pc
	t.mu.Unlock()

	if pc != nil {
		_ = pc.Close()
	}
	t.router.worker.incTransports(-1)
	return nil
}
