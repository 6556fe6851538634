package pionengine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"confluence/internal/mediasfu"
)

// Router is the pion-backed mediasfu.Router. It owns every Transport created
// for one room and runs the dominant-speaker observer, tracking forwarders
// per stream the same way a typical SFU router does, generalized to an
// explicit Router/Transport split.
type Router struct {
	id     string
	worker *Worker

	mu         sync.RWMutex
	transports map[string]*Transport
	producers  map[string]*Producer
	closed     bool

	observerCancel context.CancelFunc
}

func newRouter(roomID string, w *Worker) *Router {
	return &Router{
		id:         roomID,
		worker:     w,
		transports: make(map[string]*Transport),
		producers:  make(map[string]*Producer),
	}
}

func (r *Router) ID() string { return r.id }

// RTPCapabilities is opaque pass-through: the coordination layer only needs
// to hand this blob back to clients verbatim,'s framing of the
// media protocol as an external contract.
func (r *Router) RTPCapabilities() json.RawMessage {
	return json.RawMessage(`{"codecs":[{"kind":"audio","mimeType":"audio/opus","clockRate":48000,"channels":2,"payloadType":100},{"kind":"video","mimeType":"video/VP8","clockRate":90000,"payloadType":101}]}`)
}

func (r *Router) CanConsume(ctx context.Context, producerID string, rtpCapabilities json.RawMessage) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.producers[producerID]
	if !ok || p.Closed() {
		return false, nil
	}
	return true, nil
}

func (r *Router) CreateWebRTCTransport(ctx context.Context, opts mediasfu.TransportOptions) (mediasfu.Transport, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("router %s is closed", r.id)
	}
	r.mu.Unlock()

	t, err := newWebRTCTransport(r, opts)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.transports[t.ID()] = t
	r.mu.Unlock()
	r.worker.incTransports(1)
	return t, nil
}

func (r *Router) CreatePlainTransport(ctx context.Context, opts mediasfu.PlainTransportOptions) (mediasfu.Transport, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("router %s is closed", r.id)
	}
	r.mu.Unlock()

	t := newPlainTransport(r, opts)
	r.mu.Lock()
	r.transports[t.ID()] = t
	r.mu.Unlock()
	r.worker.incTransports(1)
	return t, nil
}

func (r *Router) registerProducer(p *Producer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.producers[p.ID()] = p
}

func (r *Router) ObserveDominantSpeaker(ctx context.Context, intervalMs int, onEvent func(mediasfu.DominantSpeakerEvent)) (mediasfu.Closer, error) {
	obsCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.observerCancel = cancel
	r.mu.Unlock()

	ticker := time.NewTicker(time.Duration(intervalMs) * time.Millisecond)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-obsCtx.Done():
				return
			case <-ticker.C:
				// Real dominant-speaker detection is audio-level analysis
				// inside the SFU; this engine has no such analyzer wired up
				// in-process, so it never fabricates an event on its own.
				// onEvent is never called by this engine, so no
				// dominant-speaker events reach the handler from it.
				_ = onEvent
			}
		}
	}()

	return closerFunc(func(ctx context.Context) error {
		cancel()
		return nil
	}), nil
}

type closerFunc func(ctx context.Context) error

func (f closerFunc) Close(ctx context.Context) error { return f(ctx) }

func (r *Router) Closed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

func (r *Router) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	if r.observerCancel != nil {
		r.observerCancel()
	}
	transports := make([]*Transport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	r.mu.Unlock()

	for _, t := range transports {
		_ = t.Close(ctx)
	}
	r.worker.removeRouter(r.id)
	return nil
}
