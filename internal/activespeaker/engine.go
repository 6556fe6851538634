// Package activespeaker implements the Active-Speaker Engine and the
// Dominant-Speaker Handler: per-peer audio/video subscription
// reconciliation driven by a room's ranked activeSpeakerList, and promotion
// of a router-reported dominant speaker to the head of that list.
//
// Follows a per-subscriber pause/resume bookkeeping style, regrouped
// around the Room/Peer split and run per-peer in parallel rather than a
// sequential subscriber scan.
package activespeaker

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"confluence/internal/domain"
	"confluence/internal/mediasfu"
	"confluence/internal/ports"
	"confluence/internal/room"
)

const (
	EventUpdateActiveSpeakers = "updateActiveSpeakers"
	EventNewProducersToConsume = "newProducersToConsume"
)

// NewProducersToConsume is the payload for newProducersToConsume: parallel
// audioPidsToCreate/videoPidsToCreate/associatedUsers slices plus the
// router's capabilities and the truncated active-speaker list.
type NewProducersToConsume struct {
	RouterRtpCapabilities []byte               `json:"routerRtpCapabilities"`
	AudioPidsToCreate     []domain.ProducerId  `json:"audioPidsToCreate"`
	VideoPidsToCreate     []*domain.ProducerId `json:"videoPidsToCreate"`
	AssociatedUsers       []AssociatedUser     `json:"associatedUsers"`
	ActiveSpeakerList     []domain.ProducerId  `json:"activeSpeakerList"`
}

type AssociatedUser struct {
	ID          domain.UserId `json:"id"`
	DisplayName string        `json:"displayName"`
}

// Config mirrors pkg/config.Config.ActiveSpeaker.
type Config struct {
	MaxActiveSpeakers int
}

type Engine struct {
	cfg         Config
	broadcaster ports.Broadcaster
	logger      *zap.Logger
}

func NewEngine(cfg Config, broadcaster ports.Broadcaster, logger *zap.Logger) *Engine {
	if cfg.MaxActiveSpeakers <= 0 {
		cfg.MaxActiveSpeakers = 10
	}
	return &Engine{cfg: cfg, broadcaster: broadcaster, logger: logger}
}

type peerResult struct {
	socketID domain.SocketId
	needed   []domain.ProducerId
}

// Reconcile runs the per-peer audio/video plan for every peer in r in
// parallel, then fans out per-socket NewProducersToConsume payloads and a
// room-wide updateActiveSpeakers broadcast. Callers must already
// hold the room-id lock.
func (e *Engine) Reconcile(ctx context.Context, r *room.Room) error {
	full := r.ActiveSpeakerList()
	active, muted := splitActive(full, e.cfg.MaxActiveSpeakers)

	peers := r.Peers()
	results := make([]peerResult, len(peers))

	g, _ := errgroup.WithContext(ctx)
	for i, p := range peers {
		i, p := i, p
		g.Go(func() error {
			needed := e.reconcilePeer(ctx, r, p, active, muted)
			results[i] = peerResult{socketID: p.SocketId, needed: needed}
			return nil
		})
	}
	_ = g.Wait()

	truncated := truncate(full, e.cfg.MaxActiveSpeakers)

	for _, res := range results {
		if len(res.needed) == 0 {
			continue
		}
		payload := e.buildPayload(r, res.needed, truncated)
		if err := e.broadcaster.SendToSocket(r.ID(), res.socketID, EventNewProducersToConsume, payload); err != nil {
			e.logger.Warn("failed to send newProducersToConsume", zap.String("socketId", string(res.socketID)), zap.Error(err))
		}
	}

	if err := e.broadcaster.BroadcastToRoom(r.ID(), EventUpdateActiveSpeakers, truncated, ""); err != nil {
		e.logger.Warn("failed to broadcast updateActiveSpeakers", zap.String("roomId", string(r.ID())), zap.Error(err))
	}
	return nil
}

// InitialView computes the NewProducersToConsume a brand-new peer should
// receive on join: since the peer owns nothing and has no
// downstream transport yet, every active pid counts as "needed".
func (e *Engine) InitialView(r *room.Room) NewProducersToConsume {
	truncated := truncate(r.ActiveSpeakerList(), e.cfg.MaxActiveSpeakers)
	return e.buildPayload(r, truncated, truncated)
}

// reconcilePeer implements the per-peer audio plan and fire-and-forget video
// policy, returning the audio pids this peer still
// needs a new downstream transport for.
func (e *Engine) reconcilePeer(ctx context.Context, r *room.Room, p *room.Peer, active, muted []domain.ProducerId) []domain.ProducerId {
	for _, pid := range muted {
		e.pauseForPid(ctx, p, pid)
	}

	var needed []domain.ProducerId
	for _, pid := range active {
		if e.resumeForPid(ctx, p, pid) {
			continue
		}
		needed = append(needed, pid)
	}

	// Video policy: never pause; resume asynchronously whatever is currently
	// paused for the peer behind each active audio pid (fire-and-forget).
	var wg sync.WaitGroup
	for _, pid := range active {
		pid := pid
		owner, actualKind, _, ok := r.FindProducerOwner(pid)
		if !ok {
			continue
		}
		videoKind := domain.StreamKindVideo
		if actualKind == domain.StreamKindScreenAudio {
			videoKind = domain.StreamKindScreenVideo
		}
		videoProducer, ok := owner.Producer(videoKind)
		if !ok {
			continue
		}
		videoPid := videoProducer.ID()

		wg.Add(1)
		go func() {
			defer wg.Done()
			e.resumeVideoForPid(ctx, p, videoPid)
		}()
	}
	wg.Wait()

	return needed
}

func (e *Engine) pauseForPid(ctx context.Context, p *room.Peer, pid domain.ProducerId) {
	if producer := ownAudioProducer(p, pid); producer != nil {
		if !producer.Closed() && !producer.Paused() {
			if err := producer.Pause(ctx); err != nil {
				e.logger.Warn("failed to pause own audio producer", zap.String("pid", pid), zap.Error(err))
			}
		}
		return
	}
	if consumer := downstreamAudioConsumer(p, pid); consumer != nil {
		if !consumer.Closed() && !consumer.Paused() {
			if err := consumer.Pause(ctx); err != nil {
				e.logger.Warn("failed to pause downstream audio consumer", zap.String("pid", pid), zap.Error(err))
			}
		}
	}
}

// resumeForPid returns true if the peer already had either an owned
// producer or a downstream consumer for pid (and resumed it); false means
// the caller must request a new transport.
func (e *Engine) resumeForPid(ctx context.Context, p *room.Peer, pid domain.ProducerId) bool {
	if producer := ownAudioProducer(p, pid); producer != nil {
		if !producer.Closed() && producer.Paused() {
			if err := producer.Resume(ctx); err != nil {
				e.logger.Warn("failed to resume own audio producer", zap.String("pid", pid), zap.Error(err))
			}
		}
		return true
	}
	if consumer := downstreamAudioConsumer(p, pid); consumer != nil {
		if !consumer.Closed() && consumer.Paused() {
			if err := consumer.Resume(ctx); err != nil {
				e.logger.Warn("failed to resume downstream audio consumer", zap.String("pid", pid), zap.Error(err))
			}
		}
		return true
	}
	return false
}

func (e *Engine) resumeVideoForPid(ctx context.Context, p *room.Peer, videoPid domain.ProducerId) {
	if producer := ownProducerByID(p, videoPid); producer != nil {
		if !producer.Closed() && producer.Paused() {
			if err := producer.Resume(ctx); err != nil {
				e.logger.Warn("failed to resume own video producer", zap.String("pid", videoPid), zap.Error(err))
			}
		}
		return
	}
	for _, dt := range p.DownstreamTransports() {
		for kind, c := range dt.Consumers {
			if domain.IsAudioLike(kind) {
				continue
			}
			if c.ProducerID() == videoPid && !c.Closed() && c.Paused() {
				if err := c.Resume(ctx); err != nil {
					e.logger.Warn("failed to resume downstream video consumer", zap.String("pid", videoPid), zap.Error(err))
				}
				return
			}
		}
	}
}

func ownProducerByID(p *room.Peer, pid domain.ProducerId) mediasfu.Producer {
	for _, producer := range p.Producers() {
		if producer.ID() == pid {
			return producer
		}
	}
	return nil
}

func ownAudioProducer(p *room.Peer, pid domain.ProducerId) mediasfu.Producer {
	for kind, producer := range p.Producers() {
		if domain.IsAudioLike(kind) && producer.ID() == pid {
			return producer
		}
	}
	return nil
}

func downstreamAudioConsumer(p *room.Peer, pid domain.ProducerId) mediasfu.Consumer {
	for _, dt := range p.DownstreamTransports() {
		for kind, c := range dt.Consumers {
			if domain.IsAudioLike(kind) && c.ProducerID() == pid {
				return c
			}
		}
	}
	return nil
}

// buildPayload constructs the NewProducersToConsume the requesting peer's
// socket receives: one entry per audio pid it still needs, with the
// associated (possibly absent) video pid and the owning user's display
// identity, screen-share suffixed
func (e *Engine) buildPayload(r *room.Room, neededAudioPids, truncatedList []domain.ProducerId) NewProducersToConsume {
	payload := NewProducersToConsume{
		AudioPidsToCreate: neededAudioPids,
		ActiveSpeakerList: truncatedList,
	}
	if router := r.Router(); router != nil {
		payload.RouterRtpCapabilities = router.RTPCapabilities()
	}

	for _, pid := range neededAudioPids {
		owner, actualKind, _, ok := r.FindProducerOwner(pid)
		if !ok {
			payload.VideoPidsToCreate = append(payload.VideoPidsToCreate, nil)
			payload.AssociatedUsers = append(payload.AssociatedUsers, AssociatedUser{})
			continue
		}

		videoKind := domain.StreamKindVideo
		isScreen := actualKind == domain.StreamKindScreenAudio
		if isScreen {
			videoKind = domain.StreamKindScreenVideo
		}
		if videoProducer, ok := owner.Producer(videoKind); ok {
			videoID := videoProducer.ID()
			payload.VideoPidsToCreate = append(payload.VideoPidsToCreate, &videoID)
		} else {
			payload.VideoPidsToCreate = append(payload.VideoPidsToCreate, nil)
		}

		user := AssociatedUser{ID: owner.UserId, DisplayName: owner.DisplayName}
		if isScreen {
			user.ID = owner.UserId + "-screen"
			user.DisplayName = owner.DisplayName + " (Sharing)"
		}
		payload.AssociatedUsers = append(payload.AssociatedUsers, user)
	}

	return payload
}

func splitActive(list []domain.ProducerId, max int) (active, muted []domain.ProducerId) {
	if len(list) <= max {
		return list, nil
	}
	return list[:max], list[max:]
}

func truncate(list []domain.ProducerId, max int) []domain.ProducerId {
	if len(list) <= max {
		return list
	}
	out := make([]domain.ProducerId, max)
	copy(out, list[:max])
	return out
}

// DominantSpeakerHandler reacts to router-emitted dominant-speaker events,
// promotes the speaker to the head of the room's active-speaker list, and
// re-runs the engine.
type DominantSpeakerHandler struct {
	engine *Engine
}

func NewDominantSpeakerHandler(engine *Engine) *DominantSpeakerHandler {
	return &DominantSpeakerHandler{engine: engine}
}

// HandleEvent promotes the reported producer to the head of the room's
// active-speaker list and reconciles subscriptions. Callers must hold the
// room-id lock.
func (h *DominantSpeakerHandler) HandleEvent(ctx context.Context, r *room.Room, ev mediasfu.DominantSpeakerEvent) error {
	if changed := r.PromoteToHead(ev.ProducerID); !changed {
		return nil
	}
	return h.engine.Reconcile(ctx, r)
}
