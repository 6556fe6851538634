// Package mediasfu defines the contract this system expects from the
// underlying media SFU library: opaque Worker/Router/Transport/Producer/
// Consumer handles with documented operations. The wire-level media protocol
// itself is an external collaborator; this package only names the
// operations the coordination layer calls. internal/mediasfu/pionengine
// provides the one concrete implementation.
package mediasfu

import (
	"context"
	"encoding/json"
)

// DTLSState mirrors the small state machine an SFU transport exposes.
type DTLSState string

const (
	DTLSStateNew        DTLSState = "new"
	DTLSStateConnecting DTLSState = "connecting"
	DTLSStateConnected  DTLSState = "connected"
	DTLSStateFailed     DTLSState = "failed"
	DTLSStateClosed     DTLSState = "closed"
)

// MediaKind is the engine-level kind a Producer/Consumer is created with.
type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

// DominantSpeakerEvent is emitted by a Router's active-speaker observer.
type DominantSpeakerEvent struct {
	ProducerID string
}

// Worker is one media-processing process/slot. Handles are opaque; pid() is
// abstracted rather than derived from internal process layout, since the
// underlying process model is implementation-specific.
type Worker interface {
	Pid() int
	CumulativeCPUTime(ctx context.Context) (float64, error)
	CreateRouter(ctx context.Context, roomID string) (Router, error)
	Close(ctx context.Context) error
	Closed() bool
}

// Router owns one room's media graph: transports, producers, consumers, and
// the dominant-speaker observer.
type Router interface {
	ID() string
	RTPCapabilities() json.RawMessage
	CanConsume(ctx context.Context, producerID string, rtpCapabilities json.RawMessage) (bool, error)

	CreateWebRTCTransport(ctx context.Context, opts TransportOptions) (Transport, error)
	CreatePlainTransport(ctx context.Context, opts PlainTransportOptions) (Transport, error)

	// ObserveDominantSpeaker starts the active-speaker observer at the given
	// sampling interval and delivers events until ctx is cancelled.
	ObserveDominantSpeaker(ctx context.Context, interval_ms int, onEvent func(DominantSpeakerEvent)) (Closer, error)

	Close(ctx context.Context) error
	Closed() bool
}

// Closer is a handle that can be torn down independently of its owner.
type Closer interface {
	Close(ctx context.Context) error
}

// TransportOptions configures a new WebRTC transport.
type TransportOptions struct {
	EnableUDP          bool
	EnableTCP          bool
	PreferUDP          bool
	InitialBitrate     int
	MaxIncomingBitrate int
}

// PlainTransportOptions configures the side-tap's plain RTP transport.
type PlainTransportOptions struct {
	ListenIP  string
	RTCPMux   bool
	Comedia   bool
}

// Transport represents either an upstream (producer) or downstream
// (consumer) WebRTC transport, or a plain RTP transport used by the
// side-tap.
type Transport interface {
	ID() string
	DTLSState() DTLSState
	IceParameters() json.RawMessage
	IceCandidates() json.RawMessage
	DtlsParameters() json.RawMessage

	// Connect is idempotent: calling it while already connected/connecting
	// is a no-op that returns nil.
	Connect(ctx context.Context, dtlsParameters json.RawMessage) error

	// ConnectPlain binds a plain transport to a remote RTP/RTCP endpoint.
	ConnectPlain(ctx context.Context, ip string, rtpPort, rtcpPort int) error

	Produce(ctx context.Context, kind MediaKind, rtpParameters json.RawMessage) (Producer, error)
	Consume(ctx context.Context, producer Producer, rtpCapabilities json.RawMessage, paused bool) (Consumer, error)

	Close(ctx context.Context) error
	Closed() bool
}

// Producer is a server-side handle for media a peer uploaded.
type Producer interface {
	ID() string
	Kind() MediaKind
	Paused() bool
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Close(ctx context.Context) error
	Closed() bool
}

// Consumer is a server-side handle for media being delivered to a peer.
type Consumer interface {
	ID() string
	ProducerID() string
	Kind() MediaKind
	RTPParameters() json.RawMessage
	Paused() bool
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Close(ctx context.Context) error
	Closed() bool
}
