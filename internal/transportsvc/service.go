// Package transportsvc implements the Transport/Media Service:
// transport creation, producer/consumer binding, and idempotence on
// connect.
package transportsvc

import (
	"context"
	"encoding/json"

	"confluence/internal/domain"
	"confluence/internal/mediasfu"
	"confluence/internal/room"
	apperrors "confluence/pkg/errors"
)

// Workers is the slice of internal/workerpool.Pool this service needs for
// transport-count bookkeeping.
type Workers interface {
	IncTransports(pid int, delta int)
}

type Service struct {
	workers Workers
}

func New(workers Workers) *Service {
	return &Service{workers: workers}
}

// TransportRequest mirrors the client-facing requestTransport payload.
type TransportRequest struct {
	Role       room.Role
	StreamKind domain.StreamKind
	AudioPid   domain.ProducerId
	VideoPid   domain.ProducerId
}

// TransportParams is the (subset of) parameters returned to the client to
// construct its local transport.
type TransportParams struct {
	ID             string
	IceParameters  json.RawMessage
	IceCandidates  json.RawMessage
	DtlsParameters json.RawMessage
}

func paramsOf(t mediasfu.Transport) TransportParams {
	return TransportParams{
		ID:             t.ID(),
		IceParameters:  t.IceParameters(),
		IceCandidates:  t.IceCandidates(),
		DtlsParameters: t.DtlsParameters(),
	}
}

// HandleTransportRequest implements handleTransportRequest.
func (s *Service) HandleTransportRequest(ctx context.Context, r *room.Room, p *room.Peer, req TransportRequest) (TransportParams, error) {
	if req.Role == room.RoleProducer {
		if existing := p.UpstreamTransport(); existing != nil && !existing.Closed() {
			return paramsOf(existing), nil
		}
		t, err := p.AddTransport(ctx, r, room.RoleProducer, "", "", "", "")
		if err != nil {
			return TransportParams{}, err
		}
		s.workers.IncTransports(r.WorkerPid(), 1)
		return paramsOf(t), nil
	}

	// Consumer: keyed by audioPid.
	if existing := p.DownstreamByAudioPid(req.AudioPid); existing != nil {
		return paramsOf(existing.Transport), nil
	}

	videoPid, err := s.resolveAssociatedVideoPid(r, req.AudioPid)
	if err != nil {
		return TransportParams{}, err
	}

	t, err := p.AddTransport(ctx, r, room.RoleConsumer, req.StreamKind, req.AudioPid, req.AudioPid, videoPid)
	if err != nil {
		return TransportParams{}, err
	}
	s.workers.IncTransports(r.WorkerPid(), 1)
	return paramsOf(t), nil
}

// resolveAssociatedVideoPid locates the peer who owns the producer with id
// == audioPid (either audio or screenAudio), and returns the id of its
// paired video producer (video, or screenVideo for a screen-audio owner).
func (s *Service) resolveAssociatedVideoPid(r *room.Room, audioPid domain.ProducerId) (domain.ProducerId, error) {
	owner, actualKind, _, ok := r.FindProducerOwner(audioPid)
	if !ok {
		return "", apperrors.NewDownstreamNotFoundError()
	}

	if actualKind == domain.StreamKindScreenAudio {
		if v, ok := owner.Producer(domain.StreamKindScreenVideo); ok {
			return v.ID(), nil
		}
		return "", nil
	}
	if v, ok := owner.Producer(domain.StreamKindVideo); ok {
		return v.ID(), nil
	}
	return "", nil
}

// ConnectTransport implements idempotent connect.
func (s *Service) ConnectTransport(ctx context.Context, t mediasfu.Transport, dtlsParameters json.RawMessage) error {
	if t.DTLSState() == mediasfu.DTLSStateConnected || t.DTLSState() == mediasfu.DTLSStateConnecting {
		return nil
	}
	return t.Connect(ctx, dtlsParameters)
}

// StartProducing implements startProducing.
func (s *Service) StartProducing(ctx context.Context, r *room.Room, p *room.Peer, streamKind domain.StreamKind, rtpParameters json.RawMessage) (mediasfu.Producer, error) {
	if p.Room() == nil {
		return nil, apperrors.NewNotInRoomError()
	}
	upstream := p.UpstreamTransport()
	if upstream == nil {
		return nil, apperrors.NewNoUpstreamError()
	}

	producer, err := upstream.Produce(ctx, mediasfu.MediaKind(domain.MapKind(streamKind)), rtpParameters)
	if err != nil {
		return nil, err
	}
	p.AddProducer(streamKind, producer)
	return producer, nil
}

// ConsumeResult is returned to the client by consumeMedia.
type ConsumeResult struct {
	ID            string
	ProducerID    domain.ProducerId
	Kind          mediasfu.MediaKind
	RTPParameters json.RawMessage
}

// ConsumeMedia implements consumeMedia.
func (s *Service) ConsumeMedia(ctx context.Context, r *room.Room, p *room.Peer, rtpCapabilities json.RawMessage, pid domain.ProducerId, requestedKind domain.StreamKind) (ConsumeResult, error) {
	_, actualKind, producer, ok := r.FindProducerOwner(pid)
	if !ok {
		return ConsumeResult{}, apperrors.NewDownstreamNotFoundError()
	}

	router := r.Router()
	if router == nil {
		return ConsumeResult{}, apperrors.NewNotInRoomError()
	}
	canConsume, err := router.CanConsume(ctx, pid, rtpCapabilities)
	if err != nil {
		return ConsumeResult{}, err
	}
	if !canConsume {
		return ConsumeResult{}, apperrors.NewCannotConsumeError()
	}

	var dt *room.DownstreamTransport
	if domain.IsAudioLike(actualKind) {
		dt = p.DownstreamByAudioPid(pid)
	} else {
		for _, cand := range p.DownstreamTransports() {
			if cand.AssociatedVideoPid == pid {
				dt = cand
				break
			}
		}
	}
	if dt == nil {
		return ConsumeResult{}, apperrors.NewDownstreamNotFoundError()
	}

	consumer, err := dt.Transport.Consume(ctx, producer, rtpCapabilities, false)
	if err != nil {
		return ConsumeResult{}, err
	}
	dt.Consumers[actualKind] = consumer

	return ConsumeResult{
		ID:            consumer.ID(),
		ProducerID:    pid,
		Kind:          consumer.Kind(),
		RTPParameters: consumer.RTPParameters(),
	}, nil
}

// UnpauseConsumer implements unpauseConsumer.
func (s *Service) UnpauseConsumer(ctx context.Context, p *room.Peer, pid domain.ProducerId) error {
	dt := p.DownstreamByConsumerProducerID(pid)
	if dt == nil {
		return apperrors.NewConsumerNotFoundError()
	}
	for _, c := range dt.Consumers {
		if c.ProducerID() == pid {
			return c.Resume(ctx)
		}
	}
	return apperrors.NewConsumerNotFoundError()
}

// AudioOp is the audioChange operation kind.
type AudioOp string

const (
	AudioOpMute   AudioOp = "mute"
	AudioOpUnmute AudioOp = "unmute"
)

// HandleAudioChange implements handleAudioChange.
func (s *Service) HandleAudioChange(ctx context.Context, p *room.Peer, op AudioOp) error {
	producer, ok := p.Producer(domain.StreamKindAudio)
	if !ok {
		return apperrors.NewNoUpstreamError()
	}
	if op == AudioOpMute {
		return producer.Pause(ctx)
	}
	return producer.Resume(ctx)
}
