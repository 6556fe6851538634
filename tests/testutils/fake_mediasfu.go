// Package testutils provides fakes for the mediasfu engine contract, so
// unit tests of internal/room, internal/transportsvc and
// internal/activespeaker don't need a real pion PeerConnection. Grounded in
// tests/testutils/mock_webrtc.go (a narrow MockPeerConnection
// satisfying only the operations the code under test calls).
package testutils

import (
	"context"
	"encoding/json"
	"sync"

	"confluence/internal/mediasfu"
)

type FakeWorker struct {
	PidValue int
	router   *FakeRouter
}

func NewFakeWorker(pid int) *FakeWorker { return &FakeWorker{PidValue: pid} }

func (w *FakeWorker) Pid() int { return w.PidValue }
func (w *FakeWorker) CumulativeCPUTime(ctx context.Context) (float64, error) { return 0, nil }
func (w *FakeWorker) CreateRouter(ctx context.Context, roomID string) (mediasfu.Router, error) {
	r := NewFakeRouter(roomID)
	w.router = r
	return r, nil
}
func (w *FakeWorker) Close(ctx context.Context) error { return nil }
func (w *FakeWorker) Closed() bool                     { return false }

type FakeRouter struct {
	id string

	mu        sync.Mutex
	closed    bool
	producers map[string]*FakeProducer
}

func NewFakeRouter(id string) *FakeRouter {
	return &FakeRouter{id: id, producers: make(map[string]*FakeProducer)}
}

func (r *FakeRouter) ID() string                         { return r.id }
func (r *FakeRouter) RTPCapabilities() json.RawMessage   { return json.RawMessage(`{}`) }
func (r *FakeRouter) CanConsume(ctx context.Context, producerID string, caps json.RawMessage) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.producers[producerID]
	return ok && !p.Closed(), nil
}
func (r *FakeRouter) CreateWebRTCTransport(ctx context.Context, opts mediasfu.TransportOptions) (mediasfu.Transport, error) {
	return NewFakeTransport(r, false), nil
}
func (r *FakeRouter) CreatePlainTransport(ctx context.Context, opts mediasfu.PlainTransportOptions) (mediasfu.Transport, error) {
	return NewFakeTransport(r, true), nil
}
func (r *FakeRouter) ObserveDominantSpeaker(ctx context.Context, intervalMs int, onEvent func(mediasfu.DominantSpeakerEvent)) (mediasfu.Closer, error) {
	return noopCloser{}, nil
}
func (r *FakeRouter) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}
func (r *FakeRouter) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *FakeRouter) registerProducer(p *FakeProducer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.producers[p.ID()] = p
}

type noopCloser struct{}

func (noopCloser) Close(ctx context.Context) error { return nil }

type FakeTransport struct {
	id     string
	router *FakeRouter
	plain  bool

	mu     sync.Mutex
	state  mediasfu.DTLSState
	connectCalls int
}

var fakeIDCounter int
var fakeIDMu sync.Mutex

func nextFakeID(prefix string) string {
	fakeIDMu.Lock()
	defer fakeIDMu.Unlock()
	fakeIDCounter++
	return prefix + "-" + string(rune('a'+fakeIDCounter%26)) + string(rune('0'+fakeIDCounter/26%10))
}

func NewFakeTransport(r *FakeRouter, plain bool) *FakeTransport {
	return &FakeTransport{id: nextFakeID("transport"), router: r, plain: plain, state: mediasfu.DTLSStateNew}
}

func (t *FakeTransport) ID() string                          { return t.id }
func (t *FakeTransport) DTLSState() mediasfu.DTLSState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}
func (t *FakeTransport) IceParameters() json.RawMessage  { return json.RawMessage(`{}`) }
func (t *FakeTransport) IceCandidates() json.RawMessage  { return json.RawMessage(`[]`) }
func (t *FakeTransport) DtlsParameters() json.RawMessage { return json.RawMessage(`{}`) }

func (t *FakeTransport) Connect(ctx context.Context, dtlsParameters json.RawMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connectCalls++
	if t.state == mediasfu.DTLSStateConnected || t.state == mediasfu.DTLSStateConnecting {
		return nil
	}
	t.state = mediasfu.DTLSStateConnected
	return nil
}

func (t *FakeTransport) ConnectCallCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connectCalls
}

func (t *FakeTransport) ConnectPlain(ctx context.Context, ip string, rtpPort, rtcpPort int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = mediasfu.DTLSStateConnected
	return nil
}

func (t *FakeTransport) Produce(ctx context.Context, kind mediasfu.MediaKind, rtpParameters json.RawMessage) (mediasfu.Producer, error) {
	p := NewFakeProducer(kind)
	t.router.registerProducer(p)
	return p, nil
}

func (t *FakeTransport) Consume(ctx context.Context, producer mediasfu.Producer, rtpCapabilities json.RawMessage, paused bool) (mediasfu.Consumer, error) {
	return NewFakeConsumer(producer, paused), nil
}

func (t *FakeTransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == mediasfu.DTLSStateClosed
}

func (t *FakeTransport) Close(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = mediasfu.DTLSStateClosed
	return nil
}

type FakeProducer struct {
	id   string
	kind mediasfu.MediaKind

	mu     sync.Mutex
	paused bool
	closed bool
}

func NewFakeProducer(kind mediasfu.MediaKind) *FakeProducer {
	return &FakeProducer{id: nextFakeID("producer"), kind: kind}
}

func (p *FakeProducer) ID() string               { return p.id }
func (p *FakeProducer) Kind() mediasfu.MediaKind { return p.kind }
func (p *FakeProducer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}
func (p *FakeProducer) Pause(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
	return nil
}
func (p *FakeProducer) Resume(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
	return nil
}
func (p *FakeProducer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
func (p *FakeProducer) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

type FakeConsumer struct {
	id         string
	producerID string
	kind       mediasfu.MediaKind

	mu     sync.Mutex
	paused bool
	closed bool
}

func NewFakeConsumer(producer mediasfu.Producer, paused bool) *FakeConsumer {
	return &FakeConsumer{id: nextFakeID("consumer"), producerID: producer.ID(), kind: producer.Kind(), paused: paused}
}

func (c *FakeConsumer) ID() string               { return c.id }
func (c *FakeConsumer) ProducerID() string       { return c.producerID }
func (c *FakeConsumer) Kind() mediasfu.MediaKind { return c.kind }
func (c *FakeConsumer) RTPParameters() json.RawMessage { return json.RawMessage(`{}`) }
func (c *FakeConsumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}
func (c *FakeConsumer) Pause(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
	return nil
}
func (c *FakeConsumer) Resume(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
	return nil
}
func (c *FakeConsumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
func (c *FakeConsumer) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
