// Package room implements the Room Model and Peer Model: per-room
// and per-peer state, transport/producer bookkeeping, and room lifecycle.
// Follows a publisher/subscriber/track-forwarder bookkeeping style,
// regrouped around an explicit Room/Peer/DownstreamTransport split instead
// of flat publisher/subscriber maps.
package room

import (
	"context"
	"sync"

	"confluence/internal/domain"
	"confluence/internal/mediasfu"
	apperrors "confluence/pkg/errors"
)

// Role distinguishes an upstream (producer) transport from a downstream
// (consumer) transport at creation time.
type Role string

const (
	RoleProducer Role = "producer"
	RoleConsumer Role = "consumer"
)

// Peer is one connected user's state within one room. A peer binds to
// exactly one socket and at most one room.
type Peer struct {
	UserId      domain.UserId
	DisplayName string
	SocketId    domain.SocketId

	mu sync.RWMutex

	room *Room

	upstreamTransport    mediasfu.Transport
	downstreamTransports []*DownstreamTransport
	producers            map[domain.StreamKind]mediasfu.Producer
}

func NewPeer(userID domain.UserId, displayName string, socketID domain.SocketId) *Peer {
	return &Peer{
		UserId:      userID,
		DisplayName: displayName,
		SocketId:    socketID,
		producers:   make(map[domain.StreamKind]mediasfu.Producer),
	}
}

func (p *Peer) Room() *Room {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.room
}

func (p *Peer) setRoom(r *Room) {
	p.mu.Lock()
	p.room = r
	p.mu.Unlock()
}

func (p *Peer) UpstreamTransport() mediasfu.Transport {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.upstreamTransport
}

func (p *Peer) DownstreamTransports() []*DownstreamTransport {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*DownstreamTransport, len(p.downstreamTransports))
	copy(out, p.downstreamTransports)
	return out
}

func (p *Peer) Producers() map[domain.StreamKind]mediasfu.Producer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[domain.StreamKind]mediasfu.Producer, len(p.producers))
	for k, v := range p.producers {
		out[k] = v
	}
	return out
}

func (p *Peer) Producer(kind domain.StreamKind) (mediasfu.Producer, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pr, ok := p.producers[kind]
	return pr, ok
}

// AddTransport creates a WebRTC transport on the room router:
// producer role attaches it as the upstream; consumer role appends a new
// DownstreamTransport recording the associated audio/video producer ids.
func (p *Peer) AddTransport(ctx context.Context, r *Room, role Role, streamKind domain.StreamKind, associatedProducerID, audioPid, videoPid domain.ProducerId) (mediasfu.Transport, error) {
	router := r.Router()
	if router == nil {
		return nil, apperrors.NewNotInRoomError()
	}

	t, err := router.CreateWebRTCTransport(ctx, mediasfu.TransportOptions{
		EnableUDP:          true,
		EnableTCP:          true,
		PreferUDP:          true,
		InitialBitrate:     r.cfg.InitialBitrate,
		MaxIncomingBitrate: r.cfg.MaxIncomingBitrate,
	})
	if err != nil {
		return nil, err
	}

	switch role {
	case RoleProducer:
		p.mu.Lock()
		p.upstreamTransport = t
		p.mu.Unlock()
	case RoleConsumer:
		dt := NewDownstreamTransport(t, audioPid, videoPid)
		dt.StreamKind = streamKind
		dt.ProducerID = associatedProducerID
		p.mu.Lock()
		p.downstreamTransports = append(p.downstreamTransports, dt)
		p.mu.Unlock()
	}
	return t, nil
}

// AddProducer records a newly created producer; if kind is audio-like it is
// also registered with the room's active-speaker list.
func (p *Peer) AddProducer(kind domain.StreamKind, producer mediasfu.Producer) {
	p.mu.Lock()
	p.producers[kind] = producer
	room := p.room
	p.mu.Unlock()

	if domain.IsAudioLike(kind) && room != nil {
		room.AppendActiveSpeaker(producer.ID())
	}
}

// RemoveProducer drops the producer recorded under kind, used by
// closeProducers once the caller has already closed its
// underlying media handle.
func (p *Peer) RemoveProducer(kind domain.StreamKind) {
	p.mu.Lock()
	delete(p.producers, kind)
	p.mu.Unlock()
}

// DownstreamByAudioPid finds the live downstream transport created for a
// given audioPid, or nil.
func (p *Peer) DownstreamByAudioPid(audioPid domain.ProducerId) *DownstreamTransport {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, dt := range p.downstreamTransports {
		if dt.AssociatedAudioPid == audioPid && !dt.Closed() {
			return dt
		}
	}
	return nil
}

// DownstreamByConsumerProducerID finds the downstream transport holding a
// consumer whose ProducerID() == pid, for unpauseConsumer lookups.
func (p *Peer) DownstreamByConsumerProducerID(pid domain.ProducerId) *DownstreamTransport {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, dt := range p.downstreamTransports {
		for _, c := range dt.Consumers {
			if c.ProducerID() == pid {
				return dt
			}
		}
	}
	return nil
}

// ClearDownstreamReferencesTo nulls out AssociatedAudioPid/AssociatedVideoPid
// on every downstream transport that referenced a departed producer id,
// used during peer-disconnect cleanup on every *other* peer.
func (p *Peer) ClearDownstreamReferencesTo(pid domain.ProducerId) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, dt := range p.downstreamTransports {
		if dt.AssociatedAudioPid == pid {
			dt.AssociatedAudioPid = ""
		}
		if dt.AssociatedVideoPid == pid {
			dt.AssociatedVideoPid = ""
		}
	}
}

// Cleanup closes the upstream transport, every downstream transport, and
// every producer. Idempotent: safe to call more than once.
func (p *Peer) Cleanup(ctx context.Context) int {
	p.mu.Lock()
	upstream := p.upstreamTransport
	downstream := p.downstreamTransports
	producers := p.producers
	p.upstreamTransport = nil
	p.downstreamTransports = nil
	p.producers = make(map[domain.StreamKind]mediasfu.Producer)
	p.mu.Unlock()

	closedTransports := 0
	if upstream != nil && !upstream.Closed() {
		_ = upstream.Close(ctx)
		closedTransports++
	}
	for _, dt := range downstream {
		if !dt.Closed() {
			_ = dt.Transport.Close(ctx)
			closedTransports++
		}
	}
	for _, pr := range producers {
		if !pr.Closed() {
			_ = pr.Close(ctx)
		}
	}
	return closedTransports
}
