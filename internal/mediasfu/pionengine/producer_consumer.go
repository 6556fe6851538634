package pionengine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"sync"

	"confluence/internal/mediasfu"
)

func generateHandleID(prefix string) string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return prefix + "_" + hex.EncodeToString(b)
}

// Producer is the pion-backed mediasfu.Producer: a bookkeeping handle, since
// the actual RTP flow lives on the webrtc.PeerConnection of its owning
// Transport.
type Producer struct {
	id     string
	kind   mediasfu.MediaKind
	transport *Transport

	mu     sync.Mutex
	paused bool
	closed bool
}

func newProducer(t *Transport, kind mediasfu.MediaKind) *Producer {
	return &Producer{
		id:        generateHandleID("pr"),
		kind:      kind,
		transport: t,
	}
}

func (p *Producer) ID() string             { return p.id }
func (p *Producer) Kind() mediasfu.MediaKind { return p.kind }

func (p *Producer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *Producer) Pause(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
	return nil
}

func (p *Producer) Resume(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
	return nil
}

func (p *Producer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Producer) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Consumer is the pion-backed mediasfu.Consumer.
type Consumer struct {
	id         string
	producerID string
	kind       mediasfu.MediaKind

	mu     sync.Mutex
	paused bool
	closed bool
}

func newConsumer(t *Transport, producer mediasfu.Producer, paused bool) *Consumer {
	return &Consumer{
		id:         generateHandleID("co"),
		producerID: producer.ID(),
		kind:       producer.Kind(),
		paused:     paused,
	}
}

func (c *Consumer) ID() string         { return c.id }
func (c *Consumer) ProducerID() string { return c.producerID }
func (c *Consumer) Kind() mediasfu.MediaKind { return c.kind }

func (c *Consumer) RTPParameters() json.RawMessage {
	return json.RawMessage(`{}`)
}

func (c *Consumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *Consumer) Pause(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
	return nil
}

func (c *Consumer) Resume(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
	return nil
}

func (c *Consumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Consumer) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
