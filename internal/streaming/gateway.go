// Package streaming implements the Streaming Gateway: the anonymous
// media socket surface that routes joinRoom/requestTransport/... events to
// the Room Store, Transport/Media Service, Active-Speaker Engine and Audio
// Side-Tap, materializing a Peer per socket. It is deliberately stateless —
// the caller (cmd/confluence's socket handler) owns the Peer-per-socket
// mapping; every method here takes the Peer explicitly. Follows a
// websocket event-router switch style, generalized from a single
// signaling-room model to this room/peer/transport split.
package streaming

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"confluence/internal/activespeaker"
	"confluence/internal/domain"
	"confluence/internal/mediasfu"
	"confluence/internal/ports"
	"confluence/internal/room"
	"confluence/internal/sidetap"
	"confluence/internal/transportsvc"
	apperrors "confluence/pkg/errors"
)

const (
	EventNewParticipant  = "newParticipant"
	EventParticipantLeft = "participantLeft"
	EventNewProducer     = "newProducer"
	EventProducerClosed  = "producerClosed"
)

// Workers is the slice of internal/workerpool.Pool this gateway needs:
// router/transport counters on the worker backing a room.
type Workers interface {
	IncRouters(pid int, delta int)
	IncTransports(pid int, delta int)
}

// SideTap is the slice of internal/sidetap.Manager this gateway drives.
type SideTap interface {
	Start(ctx context.Context, router sidetap.Router, roomID domain.RoomId, participantID domain.UserId, displayName string, producer mediasfu.Producer) (*domain.AudioSession, error)
	Stop(ctx context.Context, roomID domain.RoomId, producerID domain.ProducerId)
	ClearRoom(roomID domain.RoomId)
}

// Gateway wires the socket-level media event contract onto the room store,
// transport service, active-speaker engine and audio side-tap.
type Gateway struct {
	rooms       *room.Store
	workers     Workers
	transport   *transportsvc.Service
	engine      *activespeaker.Engine
	dominant    *activespeaker.DominantSpeakerHandler
	sidetap     SideTap
	locks       ports.Locks
	broadcaster ports.Broadcaster
	clock       ports.Clock
	logger      *zap.SugaredLogger
}

// New builds a Gateway. rooms is set afterward via SetRoomStore, because
// room.NewStore itself needs this Gateway's OnDominantSpeaker/OnRefresh
// methods as callbacks — a two-phase wiring the caller (cmd/confluence)
// performs once at startup.
func New(workers Workers, transport *transportsvc.Service, engine *activespeaker.Engine, sidetapMgr SideTap, locks ports.Locks, broadcaster ports.Broadcaster, clock ports.Clock, logger *zap.SugaredLogger) *Gateway {
	return &Gateway{
		workers:     workers,
		transport:   transport,
		engine:      engine,
		dominant:    activespeaker.NewDominantSpeakerHandler(engine),
		sidetap:     sidetapMgr,
		locks:       locks,
		broadcaster: broadcaster,
		clock:       clock,
		logger:      logger,
	}
}

func (g *Gateway) SetRoomStore(store *room.Store) { g.rooms = store }

// OnDominantSpeaker is room.Store's dominant-speaker-observer callback
//: runs under the room-id lock.
func (g *Gateway) OnDominantSpeaker(roomID domain.RoomId, ev mediasfu.DominantSpeakerEvent) {
	ctx := context.Background()
	if err := g.locks.WithLock(ctx, roomID, func(ctx context.Context) error {
		r, ok := g.rooms.RoomByID(roomID)
		if !ok {
			return nil
		}
		return g.dominant.HandleEvent(ctx, r, ev)
	}); err != nil && g.logger != nil {
		g.logger.Warnw("dominant speaker handling failed", "roomId", roomID, "error", err)
	}
}

// OnRefresh is room.Store's periodic-refresh callback.
func (g *Gateway) OnRefresh(roomID domain.RoomId) {
	ctx := context.Background()
	if err := g.locks.WithLock(ctx, roomID, func(ctx context.Context) error {
		r, ok := g.rooms.RoomByID(roomID)
		if !ok {
			return nil
		}
		return g.engine.Reconcile(ctx, r)
	}); err != nil && g.logger != nil {
		g.logger.Warnw("periodic active-speaker refresh failed", "roomId", roomID, "error", err)
	}
}

// JoinRoomRequest is the joinRoom event payload.
type JoinRoomRequest struct {
	RoomID      domain.RoomId
	UserID      domain.UserId
	DisplayName string
	SocketID    domain.SocketId
	Password    string
}

// JoinRoomResult carries the materialized Peer back to the caller, which
// owns storing it on the socket, plus the initial subscription view.
type JoinRoomResult struct {
	Peer        *room.Peer
	Room        *room.Room
	InitialView activespeaker.NewProducersToConsume
	IsNewRoom   bool
}

type NewParticipantPayload struct {
	ParticipantID domain.UserId `json:"participantId"`
	DisplayName   string        `json:"displayName"`
}

// JoinRoom implements joinRoom handler.
func (g *Gateway) JoinRoom(ctx context.Context, req JoinRoomRequest) (JoinRoomResult, error) {
	r, created, err := g.rooms.GetOrCreateWithPassword(ctx, req.RoomID, req.UserID, req.Password)
	if err != nil {
		return JoinRoomResult{}, err
	}

	if !created {
		if pw := r.Password(); pw != "" && pw != req.Password {
			return JoinRoomResult{}, apperrors.NewInvalidRoomPasswordError()
		}
	}
	if r.IsBlocked(req.UserID, g.clock.Now()) {
		return JoinRoomResult{}, apperrors.NewBannedError()
	}

	if existing, ok := r.PeerByUserID(req.UserID); ok && existing.SocketId != req.SocketID {
		g.evictPeer(ctx, r, existing)
	}

	peer := room.NewPeer(req.UserID, req.DisplayName, req.SocketID)
	r.AddPeer(peer)

	isOwnerOfNewRoom := created && r.OwnerId == req.UserID
	if !isOwnerOfNewRoom {
		if err := g.broadcaster.BroadcastToRoom(r.ID(), EventNewParticipant, NewParticipantPayload{
			ParticipantID: req.UserID,
			DisplayName:   req.DisplayName,
		}, req.SocketID); err != nil && g.logger != nil {
			g.logger.Warnw("failed to broadcast newParticipant", "roomId", r.ID(), "error", err)
		}
	}

	return JoinRoomResult{
		Peer:        peer,
		Room:        r,
		InitialView: g.engine.InitialView(r),
		IsNewRoom:   created,
	}, nil
}

// evictPeer tears down a stale peer for the same user on a different socket
//.
func (g *Gateway) evictPeer(ctx context.Context, r *room.Room, old *room.Peer) {
	for kind, producer := range old.Producers() {
		if kind == domain.StreamKindAudio {
			g.sidetap.Stop(ctx, r.ID(), producer.ID())
		}
		r.RemoveFromActiveSpeakerList(producer.ID())
	}
	closedTransports := old.Cleanup(ctx)
	g.workers.IncTransports(r.WorkerPid(), -closedTransports)
	r.RemovePeer(old)
	if err := g.broadcaster.DisconnectSocket(old.SocketId); err != nil && g.logger != nil {
		g.logger.Warnw("failed to disconnect stale socket", "socketId", old.SocketId, "error", err)
	}
}

// RequestTransport delegates to the transport service's
// handleTransportRequest.
func (g *Gateway) RequestTransport(ctx context.Context, r *room.Room, p *room.Peer, req transportsvc.TransportRequest) (transportsvc.TransportParams, error) {
	return g.transport.HandleTransportRequest(ctx, r, p, req)
}

// ConnectTransportRequest identifies which of the peer's transports to
// connect: the upstream transport for role=producer, or the downstream
// transport keyed by audioPid for role=consumer.
type ConnectTransportRequest struct {
	Role           room.Role
	AudioPid       domain.ProducerId
	DtlsParameters json.RawMessage
}

func (g *Gateway) ConnectTransport(ctx context.Context, p *room.Peer, req ConnectTransportRequest) error {
	var t mediasfu.Transport
	if req.Role == room.RoleProducer {
		t = p.UpstreamTransport()
	} else if dt := p.DownstreamByAudioPid(req.AudioPid); dt != nil {
		t = dt.Transport
	}
	if t == nil {
		return apperrors.NewNotInRoomError()
	}
	return g.transport.ConnectTransport(ctx, t, req.DtlsParameters)
}

type StartProducingRequest struct {
	StreamKind    domain.StreamKind
	RtpParameters json.RawMessage
}

type StartProducingResult struct {
	ProducerID domain.ProducerId
	Kind       mediasfu.MediaKind
}

// StartProducing implements the post-startProducing steps: the transport
// service creates the producer; a non-screen audio producer triggers the
// side-tap; the active-speaker engine reconciles subscriptions and the room
// hears newProducer, both under the room-id lock.
func (g *Gateway) StartProducing(ctx context.Context, r *room.Room, p *room.Peer, req StartProducingRequest) (StartProducingResult, error) {
	producer, err := g.transport.StartProducing(ctx, r, p, req.StreamKind, req.RtpParameters)
	if err != nil {
		return StartProducingResult{}, err
	}

	if req.StreamKind == domain.StreamKindAudio {
		go g.startSideTap(r, p, producer)
	}

	err = g.locks.WithLock(ctx, r.ID(), func(ctx context.Context) error {
		if err := g.engine.Reconcile(ctx, r); err != nil {
			return err
		}
		return g.broadcaster.BroadcastToRoom(r.ID(), EventNewProducer, NewProducerPayload{
			ParticipantID: p.UserId,
			DisplayName:   p.DisplayName,
			Kind:          req.StreamKind,
			ProducerID:    producer.ID(),
		}, "")
	})
	if err != nil && g.logger != nil {
		g.logger.Warnw("post-produce reconciliation failed", "roomId", r.ID(), "error", err)
	}

	return StartProducingResult{ProducerID: producer.ID(), Kind: producer.Kind()}, nil
}

type NewProducerPayload struct {
	ParticipantID domain.UserId     `json:"participantId"`
	DisplayName   string            `json:"displayName"`
	Kind          domain.StreamKind `json:"kind"`
	ProducerID    domain.ProducerId `json:"producerId"`
}

// startSideTap is the fire-and-forget trigger for the audio side-tap:
// failure here never surfaces to the producing peer, only logged.
func (g *Gateway) startSideTap(r *room.Room, p *room.Peer, producer mediasfu.Producer) {
	router := r.Router()
	if router == nil {
		return
	}
	if _, err := g.sidetap.Start(context.Background(), router, r.ID(), p.UserId, p.DisplayName, producer); err != nil && g.logger != nil {
		g.logger.Warnw("side-tap start failed, media unaffected", "roomId", r.ID(), "producerId", producer.ID(), "error", err)
	}
}

func (g *Gateway) ConsumeMedia(ctx context.Context, r *room.Room, p *room.Peer, rtpCapabilities json.RawMessage, pid domain.ProducerId, requestedKind domain.StreamKind) (transportsvc.ConsumeResult, error) {
	return g.transport.ConsumeMedia(ctx, r, p, rtpCapabilities, pid, requestedKind)
}

func (g *Gateway) UnpauseConsumer(ctx context.Context, p *room.Peer, pid domain.ProducerId) error {
	return g.transport.UnpauseConsumer(ctx, p, pid)
}

func (g *Gateway) AudioChange(ctx context.Context, p *room.Peer, op transportsvc.AudioOp) error {
	return g.transport.HandleAudioChange(ctx, p, op)
}

type ProducerClosedPayload struct {
	ProducerID domain.ProducerId `json:"producerId"`
	Kind       domain.StreamKind `json:"kind,omitempty"`
	UserID     domain.UserId     `json:"userId,omitempty"`
}

// CloseProducers implements closeProducers.
func (g *Gateway) CloseProducers(ctx context.Context, r *room.Room, p *room.Peer, producerIDs []domain.ProducerId) error {
	for _, pid := range producerIDs {
		kind, producer, ok := findOwnProducer(p, pid)
		if !ok {
			continue
		}
		if !producer.Closed() {
			_ = producer.Close(ctx)
		}
		p.RemoveProducer(kind)
		r.RemoveFromActiveSpeakerList(pid)

		if kind == domain.StreamKindAudio {
			g.sidetap.Stop(ctx, r.ID(), pid)
		}

		if err := g.broadcaster.BroadcastToRoom(r.ID(), EventProducerClosed, ProducerClosedPayload{
			ProducerID: pid,
			Kind:       kind,
		}, ""); err != nil && g.logger != nil {
			g.logger.Warnw("failed to broadcast producerClosed", "roomId", r.ID(), "producerId", pid, "error", err)
		}
	}
	return nil
}

func findOwnProducer(p *room.Peer, pid domain.ProducerId) (domain.StreamKind, mediasfu.Producer, bool) {
	for kind, producer := range p.Producers() {
		if producer.ID() == pid {
			return kind, producer, true
		}
	}
	return "", nil, false
}

type ParticipantLeftPayload struct {
	ParticipantID domain.UserId `json:"participantId"`
}

// LeaveRoom implements leaveRoom/disconnect cleanup.
func (g *Gateway) LeaveRoom(ctx context.Context, r *room.Room, p *room.Peer) error {
	producers := p.Producers()

	var departedPids []domain.ProducerId
	for kind, producer := range producers {
		if kind == domain.StreamKindAudio {
			g.sidetap.Stop(ctx, r.ID(), producer.ID())
		}
		r.RemoveFromActiveSpeakerList(producer.ID())
		departedPids = append(departedPids, producer.ID())
	}

	for _, other := range r.Peers() {
		if other == p {
			continue
		}
		for _, pid := range departedPids {
			other.ClearDownstreamReferencesTo(pid)
		}
	}

	if err := g.broadcaster.BroadcastToRoom(r.ID(), EventParticipantLeft, ParticipantLeftPayload{ParticipantID: p.UserId}, ""); err != nil && g.logger != nil {
		g.logger.Warnw("failed to broadcast participantLeft", "roomId", r.ID(), "error", err)
	}

	lockErr := g.locks.WithLock(ctx, r.ID(), func(ctx context.Context) error {
		for kind, producer := range producers {
			if err := g.broadcaster.BroadcastToRoom(r.ID(), EventProducerClosed, ProducerClosedPayload{
				ProducerID: producer.ID(),
				Kind:       kind,
				UserID:     p.UserId,
			}, ""); err != nil {
				return err
			}
		}
		return nil
	})
	if lockErr != nil && g.logger != nil {
		g.logger.Warnw("failed to broadcast producerClosed on leave", "roomId", r.ID(), "error", lockErr)
	}

	workerPid := r.WorkerPid()
	closedTransports := p.Cleanup(ctx)
	g.workers.IncTransports(workerPid, -closedTransports)

	r.RemovePeer(p)

	if r.PeerCount() == 0 {
		g.sidetap.ClearRoom(r.ID())
		g.workers.IncRouters(workerPid, -1)
		g.rooms.DestroyIfEmpty(ctx, r.ID())
	}

	return lockErr
}
